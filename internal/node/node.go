// Package node assembles every component of a bboxkv storage node and runs
// its lifecycle.
package node

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpcbackoff "google.golang.org/grpc/backoff"

	"github.com/devrev/bboxkv/internal/client"
	"github.com/devrev/bboxkv/internal/config"
	"github.com/devrev/bboxkv/internal/coordinator"
	"github.com/devrev/bboxkv/internal/handler"
	"github.com/devrev/bboxkv/internal/health"
	"github.com/devrev/bboxkv/internal/metrics"
	"github.com/devrev/bboxkv/internal/model"
	"github.com/devrev/bboxkv/internal/partition"
	"github.com/devrev/bboxkv/internal/server"
	"github.com/devrev/bboxkv/internal/service"
	"github.com/devrev/bboxkv/internal/storage/diskmanager"
	"github.com/devrev/bboxkv/internal/storage/metastore"
	"github.com/devrev/bboxkv/internal/util/workerpool"
	"github.com/devrev/bboxkv/pkg/peerrpc"
)

// Node is one storage node. Components are created by New, started in
// dependency order by Start and stopped in reverse order by Stop.
type Node struct {
	config *config.Config
	logger *zap.Logger
	state  *model.ServiceState
	id     model.NodeID

	promRegistry *prometheus.Registry
	metrics      *metrics.Metrics
	meta         *metastore.Store
	disk         *diskmanager.DiskManager
	flushPool    *workerpool.WorkerPool
	storage      *service.StorageRegistry

	coord      coordinator.Coordinator
	ownsCoord  bool
	trees      *partition.Registry
	peers      *client.PeerPool
	membership *coordinator.MembershipService

	grpcServer  *grpc.Server
	listener    net.Listener
	compaction  *service.CompactionService
	resizer     *service.RegionResizer
	recovery    *service.RecoveryService
	checkpoints *service.CheckpointReporter
	health      *health.HealthChecker
	diagnostics *server.DiagnosticsServer

	cleanShutdown bool
	report        *service.RecoveryReport

	cancel   context.CancelFunc
	group    *errgroup.Group
	groupCtx context.Context
	stopOnce sync.Once
	stopErr  error
}

// New opens local state and builds every component. coord may be nil, in
// which case the coordinator named by the configuration is connected.
func New(ctx context.Context, cfg *config.Config, coord coordinator.Coordinator, logger *zap.Logger) (_ *Node, err error) {
	n := &Node{
		config:       cfg,
		logger:       logger.With(zap.String("node_id", cfg.Node.NodeID)),
		state:        model.NewServiceState(),
		id:           model.NodeID(cfg.Node.NodeID),
		promRegistry: prometheus.NewRegistry(),
	}
	defer func() {
		if err != nil {
			n.release()
		}
	}()

	n.metrics = metrics.NewMetrics(cfg.Node.NodeID, n.promRegistry)

	if n.meta, err = metastore.Open(cfg.Storage.MetadataPath, n.logger); err != nil {
		return nil, err
	}
	if n.cleanShutdown, err = n.meta.TakeCleanShutdown(); err != nil {
		return nil, fmt.Errorf("read clean shutdown marker: %w", err)
	}

	if n.disk, err = diskmanager.NewDiskManager(diskmanager.DefaultConfig(
		cfg.Storage.Directories, cfg.Storage.MaxDiskUsage, cfg.Storage.DiskCheckInterval), n.logger); err != nil {
		return nil, fmt.Errorf("create disk manager: %w", err)
	}
	n.flushPool = workerpool.NewWorkerPool(&workerpool.Config{
		Name:       "flush",
		MaxWorkers: cfg.Storage.FlushWorkers,
		QueueSize:  cfg.Storage.FlushQueueSize,
		Logger:     n.logger,
		Metrics:    n.metrics,
	})
	n.storage, err = service.NewStorageRegistry(&service.StorageRegistryConfig{
		Directories: cfg.Storage.Directories,
		Engine: service.EngineConfig{
			MemtableMaxSize:    cfg.Storage.MemtableMaxSize,
			MemtableMaxEntries: cfg.Storage.MemtableMaxEntries,
			MemtableMaxAge:     cfg.Storage.MemtableMaxAge,
			CommitLog:          cfg.Storage.CommitLog,
			SyncWrites:         cfg.Storage.SyncWrites,
			BloomFilterFP:      cfg.Storage.BloomFilterFP,
			RecordCacheSize:    cfg.Storage.RecordCacheSize,
		},
	}, service.EngineDeps{
		FlushPool:   n.flushPool,
		DiskManager: n.disk,
		Metrics:     n.metrics,
		Logger:      n.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open storage registry: %w", err)
	}

	n.coord = coord
	if n.coord == nil {
		if n.coord, err = connectCoordinator(ctx, &cfg.Coordinator, n.logger); err != nil {
			return nil, err
		}
		n.ownsCoord = true
	}
	n.trees = partition.NewRegistry(n.coord, n.logger)
	n.peers = client.NewPeerPool(&client.PeerPoolConfig{
		RequestTimeout: cfg.Peer.RequestTimeout,
		MaxRetries:     cfg.Peer.MaxRetries,
		MaxMessageSize: cfg.Peer.MaxMessageSize,
		DialOptions: []grpc.DialOption{
			grpc.WithConnectParams(grpc.ConnectParams{
				Backoff:           grpcbackoff.DefaultConfig,
				MinConnectTimeout: cfg.Peer.DialTimeout,
			}),
		},
	}, n.coord, n.metrics, n.logger)

	if cfg.Gossip.Enabled {
		n.membership, err = coordinator.NewMembershipService(&coordinator.MembershipConfig{
			BindAddr:       cfg.Gossip.BindAddr,
			BindPort:       cfg.Gossip.BindPort,
			SeedNodes:      cfg.Gossip.SeedNodes,
			GossipInterval: cfg.Gossip.GossipInterval,
			ProbeTimeout:   cfg.Gossip.ProbeTimeout,
			ProbeInterval:  cfg.Gossip.ProbeInterval,
		}, n.localInfo(model.NodeStateOutdated), n.peers, n.metrics, n.logger)
		if err != nil {
			return nil, fmt.Errorf("start membership: %w", err)
		}
	}

	n.grpcServer = grpc.NewServer(
		grpc.MaxRecvMsgSize(cfg.Peer.MaxMessageSize),
		grpc.MaxSendMsgSize(cfg.Peer.MaxMessageSize),
	)
	peerrpc.RegisterPeerServer(n.grpcServer, handler.NewPeerHandler(n.storage, n.metrics, n.logger))

	n.resizer = service.NewRegionResizer(&service.ResizeConfig{
		Enabled:               cfg.Resize.Enabled,
		SplitThreshold:        cfg.Resize.SplitThreshold,
		MergeThreshold:        cfg.Resize.MergeThreshold,
		RedistributionTimeout: cfg.Resize.RedistributionTimeout,
		RedistributionRate:    cfg.Resize.RedistributionRate,
		RedistributionBurst:   cfg.Resize.RedistributionBurst,
		StaleCleanup:          cfg.Resize.StaleCleanup,
	}, n.id, n.coord, n.trees, n.storage, n.peers, n.metrics, n.logger)
	n.compaction = service.NewCompactionService(&service.CompactionConfig{
		Interval:         cfg.Compaction.Interval,
		MajorThreshold:   cfg.Compaction.MajorThreshold,
		MajorInterval:    cfg.Compaction.MajorInterval,
		MinorThreshold:   cfg.Compaction.MinorThreshold,
		MaxMinorInputs:   cfg.Compaction.MaxMinorInputs,
		SmallSegmentSize: cfg.Compaction.SmallSegmentSize,
		MaxSegmentSize:   cfg.Compaction.MaxSegmentSize,
		TombstoneGrace:   cfg.Compaction.TombstoneGrace,
	}, n.storage, nil, n.metrics, n.logger)
	n.compaction.SetRegionEvaluator(n.resizer)
	n.trees.OnChange(n.resizer.CleanupStaleRegions)

	n.recovery = service.NewRecoveryService(&service.RecoveryConfig{
		Enabled:            cfg.Recovery.Enabled,
		ClockSkewTolerance: cfg.Recovery.ClockSkewTolerance,
		PullTimeout:        cfg.Recovery.PullTimeout,
	}, n.id, n.coord, n.trees, n.storage, n.meta, n.peers, n.metrics, n.logger)
	n.checkpoints = service.NewCheckpointReporter(n.id, cfg.Recovery.CheckpointInterval, n.coord, n.storage, n.logger)

	n.health = health.NewHealthChecker(&health.HealthCheckConfig{
		NodeID:             cfg.Node.NodeID,
		Directories:        cfg.Storage.Directories,
		CoordinatorTimeout: cfg.Coordinator.Timeout,
	}, n.disk, n.coord, n.metrics, n.logger)
	if cfg.Metrics.Enabled {
		n.diagnostics = server.NewDiagnosticsServer(&server.DiagnosticsServerConfig{
			Port:        cfg.Metrics.Port,
			MetricsPath: cfg.Metrics.Path,
			NodeID:      n.id,
		}, n.promRegistry, n.health, n.coord, n.trees, n.storage, n.logger)
	}
	return n, nil
}

// connectCoordinator builds the configured coordinator, retrying the initial
// Redis connection.
func connectCoordinator(ctx context.Context, cfg *config.CoordinatorConfig, logger *zap.Logger) (coordinator.Coordinator, error) {
	if cfg.Type == "memory" {
		logger.Warn("Using the in-process coordinator, cluster metadata is not shared")
		return coordinator.NewMemoryCoordinator(), nil
	}
	var coord coordinator.Coordinator
	connect := func() error {
		c, err := coordinator.NewRedisCoordinator(ctx, &coordinator.RedisConfig{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.KeyPrefix,
			Timeout:   cfg.Timeout,
		}, logger)
		if err != nil {
			logger.Warn("Coordinator not reachable", zap.String("addr", cfg.RedisAddr), zap.Error(err))
			return err
		}
		coord = c
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewConstantBackOff(cfg.RetryInterval), uint64(cfg.MaxRetries)), ctx)
	if err := backoff.Retry(connect, policy); err != nil {
		return nil, fmt.Errorf("connect coordinator: %w", err)
	}
	return coord, nil
}

func (n *Node) localInfo(state model.NodeState) model.NodeInfo {
	return model.NodeInfo{ID: n.id, Address: n.config.Node.AdvertiseAddr, State: state}
}

// State exposes the lifecycle of the node.
func (n *Node) State() *model.ServiceState { return n.state }

// Addr is the address the peer server listens on, once started.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}
	return n.listener.Addr().String()
}

// Report is the outcome of the startup recovery.
func (n *Node) Report() *service.RecoveryReport { return n.report }

// Health returns the node health checker.
func (n *Node) Health() *health.HealthChecker { return n.health }

// Start registers the node, serves peers, runs recovery and then starts the
// background loops. A failure leaves the node FAILED; Stop still releases
// what was acquired.
func (n *Node) Start(ctx context.Context) error {
	if err := n.state.Transition(model.ServiceStarting); err != nil {
		return err
	}
	if err := n.start(ctx); err != nil {
		n.state.Fail(err)
		return err
	}
	return n.state.Transition(model.ServiceRunning)
}

func (n *Node) start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	n.cancel = cancel
	n.group, n.groupCtx = errgroup.WithContext(runCtx)

	if err := n.register(ctx); err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", n.config.Node.Host, n.config.Node.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	n.listener = lis
	n.group.Go(func() error {
		if err := n.grpcServer.Serve(lis); err != nil && err != grpc.ErrServerStopped {
			return fmt.Errorf("peer server: %w", err)
		}
		return nil
	})
	n.logger.Info("Peer server listening", zap.String("addr", lis.Addr().String()))

	treeEvents, err := n.coord.WatchPartitionTrees(n.groupCtx)
	if err != nil {
		return fmt.Errorf("watch partition trees: %w", err)
	}
	n.group.Go(func() error {
		n.trees.Watch(n.groupCtx, treeEvents)
		return nil
	})
	members, err := n.coord.WatchMembership(n.groupCtx)
	if err != nil {
		return fmt.Errorf("watch membership: %w", err)
	}
	n.group.Go(func() error {
		n.followMembership(n.groupCtx, members)
		return nil
	})

	n.report, err = n.recovery.Recover(ctx, n.cleanShutdown)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	if n.report.Complete() {
		n.health.SetReadiness(true)
		if n.membership != nil {
			if err := n.membership.SetState(model.NodeStateReady); err != nil {
				n.logger.Warn("Failed to gossip node state", zap.Error(err))
			}
		}
	}

	n.storage.Start()
	n.compaction.Start(n.groupCtx)
	n.group.Go(func() error { return n.checkpoints.Run(n.groupCtx) })
	n.group.Go(func() error {
		n.health.Start(n.groupCtx)
		return nil
	})
	if n.diagnostics != nil {
		n.group.Go(n.diagnostics.Start)
	}

	n.logger.Info("Node started",
		zap.String("advertise_addr", n.config.Node.AdvertiseAddr),
		zap.Bool("clean_shutdown", n.cleanShutdown),
		zap.Bool("ready", n.health.IsReady()))
	return nil
}

// register announces the node to the coordinator as OUTDATED, retrying while
// the coordinator is unavailable.
func (n *Node) register(ctx context.Context) error {
	info := n.localInfo(model.NodeStateOutdated)
	op := func() error {
		err := n.coord.RegisterNode(ctx, info)
		if err != nil {
			n.logger.Warn("Node registration failed", zap.Error(err))
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewConstantBackOff(n.config.Coordinator.RetryInterval),
		uint64(n.config.Coordinator.MaxRetries)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("register node: %w", err)
	}
	return nil
}

// followMembership keeps the peer address book in line with the coordinator.
func (n *Node) followMembership(ctx context.Context, events <-chan coordinator.MembershipEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Node.ID == n.id {
				continue
			}
			switch ev.Type {
			case coordinator.MemberLeft:
				n.peers.RemoveNode(ev.Node.ID)
			default:
				n.peers.UpdateNode(ev.Node)
			}
		}
	}
}

// Run starts the node and blocks until ctx is done or a background
// component fails, then stops it.
func (n *Node) Run(ctx context.Context) error {
	if err := n.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), n.config.Node.ShutdownTimeout)
		defer cancel()
		return multierror.Append(err, n.Stop(stopCtx)).ErrorOrNil()
	}
	select {
	case <-ctx.Done():
		n.logger.Info("Shutting down gracefully")
	case <-n.groupCtx.Done():
		n.logger.Error("Background component failed, shutting down")
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), n.config.Node.ShutdownTimeout)
	defer cancel()
	return n.Stop(stopCtx)
}

// Stop shuts components down in reverse start order. The clean shutdown
// marker is written only when every memtable was flushed.
func (n *Node) Stop(ctx context.Context) error {
	n.stopOnce.Do(func() {
		if n.state.Status() != model.ServiceFailed {
			_ = n.state.Transition(model.ServiceStopping)
		}
		n.stopErr = n.shutdown(ctx)
		if n.stopErr != nil {
			n.state.Fail(n.stopErr)
			return
		}
		_ = n.state.Transition(model.ServiceTerminated)
	})
	return n.stopErr
}

func (n *Node) shutdown(ctx context.Context) error {
	var result *multierror.Error
	n.health.SetReadiness(false)

	if n.diagnostics != nil {
		if err := n.diagnostics.Stop(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	n.compaction.Stop()
	n.stopPeerServer(ctx)
	if n.cancel != nil {
		n.cancel()
	}
	if n.group != nil {
		if err := n.group.Wait(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if n.membership != nil {
		if err := n.membership.Shutdown(n.config.Node.ShutdownTimeout); err != nil {
			result = multierror.Append(result, err)
		}
	}

	flushErr := n.storage.FlushAll(ctx)
	if flushErr != nil {
		result = multierror.Append(result, fmt.Errorf("final flush: %w", flushErr))
	}
	if err := n.storage.Close(ctx); err != nil {
		result = multierror.Append(result, err)
		flushErr = err
	}
	if flushErr == nil {
		if err := n.meta.MarkCleanShutdown(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	n.storage = nil

	n.release()
	if err := result.ErrorOrNil(); err != nil {
		n.logger.Error("Node stopped with errors", zap.Error(err))
		return err
	}
	n.logger.Info("Node stopped")
	return nil
}

func (n *Node) stopPeerServer(ctx context.Context) {
	if n.grpcServer == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		n.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		n.logger.Warn("Graceful peer server stop timed out, closing connections")
		n.grpcServer.Stop()
	}
}

// release closes whatever New acquired and shutdown has not.
func (n *Node) release() {
	if n.storage != nil {
		if err := n.storage.Close(context.Background()); err != nil {
			n.logger.Warn("Failed to close storage registry", zap.Error(err))
		}
		n.storage = nil
	}
	if n.peers != nil {
		_ = n.peers.Close()
	}
	if n.ownsCoord && n.coord != nil {
		if err := n.coord.Close(); err != nil {
			n.logger.Warn("Failed to close coordinator", zap.Error(err))
		}
	}
	if n.flushPool != nil {
		if err := n.flushPool.Stop(10 * time.Second); err != nil {
			n.logger.Warn("Failed to stop flush pool", zap.Error(err))
		}
	}
	if n.meta != nil {
		if err := n.meta.Close(); err != nil {
			n.logger.Warn("Failed to close metadata store", zap.Error(err))
		}
	}
}
