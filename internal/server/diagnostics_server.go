package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/devrev/bboxkv/internal/errors"
	"github.com/devrev/bboxkv/internal/health"
	"github.com/devrev/bboxkv/internal/model"
	"github.com/devrev/bboxkv/internal/partition"
	"github.com/devrev/bboxkv/internal/service"
)

// GroupLister lists the distribution groups of the cluster.
type GroupLister interface {
	ListDistributionGroups(ctx context.Context) ([]string, error)
}

// DiagnosticsServerConfig holds configuration for the diagnostics server
type DiagnosticsServerConfig struct {
	Port        int
	MetricsPath string
	NodeID      model.NodeID
}

// DiagnosticsServer serves Prometheus metrics, probes and read-only views of
// the partition trees and local tables.
type DiagnosticsServer struct {
	config     *DiagnosticsServerConfig
	router     *mux.Router
	httpServer *http.Server
	health     *health.HealthChecker
	groups     GroupLister
	trees      *partition.Registry
	registry   *service.StorageRegistry
	logger     *zap.Logger
}

// NewDiagnosticsServer creates a new diagnostics server
func NewDiagnosticsServer(cfg *DiagnosticsServerConfig, gatherer prometheus.Gatherer, hc *health.HealthChecker, groups GroupLister, trees *partition.Registry, registry *service.StorageRegistry, logger *zap.Logger) *DiagnosticsServer {
	router := mux.NewRouter()
	s := &DiagnosticsServer{
		config: cfg,
		router: router,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		health:   hc,
		groups:   groups,
		trees:    trees,
		registry: registry,
		logger:   logger,
	}

	router.Use(recovery(logger), requestID, logging(logger))
	router.Handle(cfg.MetricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/health", hc.LivenessHandler).Methods(http.MethodGet)
	router.HandleFunc("/ready", hc.ReadinessHandler).Methods(http.MethodGet)

	v1 := router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/groups", s.listGroups).Methods(http.MethodGet)
	v1.HandleFunc("/groups/{group}/tree", s.groupTree).Methods(http.MethodGet)
	v1.HandleFunc("/tables", s.listTables).Methods(http.MethodGet)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "endpoint not found")
	})
	return s
}

// Handler returns the router.
func (s *DiagnosticsServer) Handler() http.Handler {
	return s.router
}

// Start serves until Stop is called.
func (s *DiagnosticsServer) Start() error {
	s.logger.Info("Starting diagnostics server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("diagnostics server failed: %w", err)
	}
	return nil
}

// Stop gracefully stops the diagnostics server
func (s *DiagnosticsServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping diagnostics server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("diagnostics server shutdown failed: %w", err)
	}
	return nil
}

// RegionView is one tree node as shown to operators.
type RegionView struct {
	partition.Region
	Leaf        bool  `json:"leaf"`
	LocalTables int   `json:"local_tables"`
	LocalBytes  int64 `json:"local_bytes"`
}

// TreeView is the operator snapshot of a partition tree.
type TreeView struct {
	Group      string       `json:"group"`
	Version    uint64       `json:"version"`
	Dimensions int          `json:"dimensions"`
	Levels     int          `json:"levels"`
	Node       model.NodeID `json:"node"`
	Regions    []RegionView `json:"regions"`
}

// TableView describes one local storage engine.
type TableView struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	Segments int    `json:"segments"`
	Bytes    int64  `json:"bytes"`
	Buffered int64  `json:"buffered"`
}

func (s *DiagnosticsServer) listGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.groups.ListDistributionGroups(r.Context())
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"groups": groups})
}

func (s *DiagnosticsServer) groupTree(w http.ResponseWriter, r *http.Request) {
	group := mux.Vars(r)["group"]
	tree, err := s.trees.Tree(r.Context(), group)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	// The snapshot is a copy, so rendering never holds the tree lock.
	snap := tree.Snapshot()
	view := TreeView{
		Group:      snap.Group,
		Version:    snap.Version,
		Dimensions: snap.Dimensions,
		Levels:     tree.TotalLevels(),
		Node:       s.config.NodeID,
		Regions:    make([]RegionView, 0, len(snap.Regions)),
	}
	for _, region := range snap.Regions {
		leaf, _ := tree.IsLeaf(region.ID)
		view.Regions = append(view.Regions, RegionView{
			Region:      region,
			Leaf:        leaf,
			LocalTables: len(s.registry.TablesForRegion(group, region.ID)),
			LocalBytes:  s.registry.RegionSize(group, region.ID),
		})
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *DiagnosticsServer) listTables(w http.ResponseWriter, r *http.Request) {
	engines := s.registry.Engines()
	out := make([]TableView, 0, len(engines))
	for _, e := range engines {
		out = append(out, TableView{
			Name:     e.Name().String(),
			State:    e.State().String(),
			Segments: e.SegmentCount(),
			Bytes:    e.Size(),
			Buffered: e.BufferedSize(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tables": out})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "message": message})
}

func writeStorageError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errors.GetCode(err) {
	case errors.ErrCodeGroupNotFound, errors.ErrCodeRegionNotFound, errors.ErrCodeTableNotFound:
		status = http.StatusNotFound
	case errors.ErrCodeCoordinatorUnavailable:
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, err.Error())
}
