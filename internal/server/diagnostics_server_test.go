package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/bboxkv/internal/bbox"
	"github.com/devrev/bboxkv/internal/coordinator"
	"github.com/devrev/bboxkv/internal/health"
	"github.com/devrev/bboxkv/internal/metrics"
	"github.com/devrev/bboxkv/internal/model"
	"github.com/devrev/bboxkv/internal/partition"
	"github.com/devrev/bboxkv/internal/service"
	"github.com/devrev/bboxkv/internal/util/workerpool"
)

func newTestServer(t *testing.T) (*DiagnosticsServer, *health.HealthChecker) {
	t.Helper()
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics("n1", reg)

	coord := coordinator.NewMemoryCoordinator()
	_, err := coord.CreateDistributionGroup(ctx, coordinator.GroupConfig{Name: "geo", Dimensions: 2}, []model.NodeID{"n1"})
	require.NoError(t, err)

	pool := workerpool.NewWorkerPool(&workerpool.Config{Name: "flush", MaxWorkers: 1})
	t.Cleanup(func() { _ = pool.Stop(5 * time.Second) })
	registry, err := service.NewStorageRegistry(&service.StorageRegistryConfig{
		Directories: []string{t.TempDir()},
		Engine:      service.EngineConfig{BloomFilterFP: 0.01, RecordCacheSize: 16},
	}, service.EngineDeps{FlushPool: pool, Metrics: m, Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = registry.Close(context.Background()) })

	e, err := registry.CreateEngine(model.NewTableName("geo", "points", partition.RootRegionID))
	require.NoError(t, err)
	require.NoError(t, e.Put(ctx, &model.Record{Key: "k", Region: bbox.Point(1, 1), Value: []byte("v")}))
	require.NoError(t, e.FlushAndWait(ctx))

	hc := health.NewHealthChecker(&health.HealthCheckConfig{NodeID: "n1"}, nil, coord, m, zap.NewNop())
	s := NewDiagnosticsServer(&DiagnosticsServerConfig{Port: 0, MetricsPath: "/metrics", NodeID: "n1"},
		reg, hc, coord, partition.NewRegistry(coord, zap.NewNop()), registry, zap.NewNop())
	return s, hc
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestDiagnosticsGroupTree(t *testing.T) {
	s, _ := newTestServer(t)

	rec := get(t, s.Handler(), "/v1/groups/geo/tree")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	var view TreeView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "geo", view.Group)
	assert.Equal(t, 2, view.Dimensions)
	require.Len(t, view.Regions, 1)
	assert.True(t, view.Regions[0].Leaf)
	assert.Equal(t, 1, view.Regions[0].LocalTables)
	assert.Positive(t, view.Regions[0].LocalBytes)
	assert.Equal(t, []model.NodeID{"n1"}, view.Regions[0].Owners)

	rec = get(t, s.Handler(), "/v1/groups/missing/tree")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDiagnosticsListings(t *testing.T) {
	s, _ := newTestServer(t)

	rec := get(t, s.Handler(), "/v1/groups")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"groups":["geo"]}`, rec.Body.String())

	rec = get(t, s.Handler(), "/v1/tables")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Tables []TableView `json:"tables"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Tables, 1)
	assert.Equal(t, "READ_WRITE", body.Tables[0].State)
	assert.Equal(t, 1, body.Tables[0].Segments)

	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/nope").Code)
}

func TestDiagnosticsProbesAndMetrics(t *testing.T) {
	s, hc := newTestServer(t)

	assert.Equal(t, http.StatusOK, get(t, s.Handler(), "/health").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, s.Handler(), "/ready").Code)
	hc.SetReadiness(true)
	assert.Equal(t, http.StatusOK, get(t, s.Handler(), "/ready").Code)

	rec := get(t, s.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "bboxkv_"))
}
