package service

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/devrev/bboxkv/internal/coordinator"
	"github.com/devrev/bboxkv/internal/errors"
	"github.com/devrev/bboxkv/internal/metrics"
	"github.com/devrev/bboxkv/internal/model"
	"github.com/devrev/bboxkv/internal/partition"
)

// PeerQuerier streams the records of a remote table written at or after
// since into fn and returns how many were received.
type PeerQuerier interface {
	QueryByTimestamp(ctx context.Context, node model.NodeID, table model.TableName, since int64, fn func(*model.Record) error) (int64, error)
}

// VersionStore is the local cache of group versions.
type VersionStore interface {
	GroupVersion(group string) (string, bool, error)
	SetGroupVersion(group, version string) error
	DeleteGroup(group string) error
}

// RecoveryConfig holds startup catch-up settings
type RecoveryConfig struct {
	Enabled            bool
	ClockSkewTolerance time.Duration
	PullTimeout        time.Duration
}

// RecoveryReport summarises one recovery run.
type RecoveryReport struct {
	Groups       int
	Regions      int
	Tables       int
	Records      int64
	Discarded    []string
	FailedTables []model.TableName
	Duration     time.Duration
}

// Complete reports whether every table was brought up to date.
func (r *RecoveryReport) Complete() bool { return len(r.FailedTables) == 0 }

// RecoveryService reconciles local data with the coordinator when a node
// starts and pulls the writes it missed from its peers.
type RecoveryService struct {
	config    *RecoveryConfig
	localNode model.NodeID
	coord     coordinator.Coordinator
	trees     *partition.Registry
	registry  *StorageRegistry
	versions  VersionStore
	peers     PeerQuerier
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewRecoveryService creates a new recovery service
func NewRecoveryService(cfg *RecoveryConfig, localNode model.NodeID, coord coordinator.Coordinator, trees *partition.Registry, registry *StorageRegistry, versions VersionStore, peers PeerQuerier, m *metrics.Metrics, logger *zap.Logger) *RecoveryService {
	return &RecoveryService{
		config:    cfg,
		localNode: localNode,
		coord:     coord,
		trees:     trees,
		registry:  registry,
		versions:  versions,
		peers:     peers,
		metrics:   m,
		logger:    logger,
	}
}

// Recover runs the startup reconciliation. cleanShutdown tells whether the
// previous run flushed everything before exiting. A version mismatch without
// a clean shutdown is returned as a VersionMismatch error and the node must
// not start. Failures of single tables are reported, not returned; the node
// then stays OUTDATED.
func (s *RecoveryService) Recover(ctx context.Context, cleanShutdown bool) (*RecoveryReport, error) {
	start := time.Now()
	report := &RecoveryReport{}

	if err := s.coord.SetLocalNodeState(ctx, s.localNode, model.NodeStateOutdated); err != nil {
		return nil, fmt.Errorf("mark node outdated: %w", err)
	}
	s.logger.Info("Starting recovery",
		zap.String("node_id", string(s.localNode)),
		zap.Bool("clean_shutdown", cleanShutdown))

	groups, err := s.coord.ListDistributionGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("list distribution groups: %w", err)
	}
	if err := s.discardUnknownGroups(groups, report); err != nil {
		return nil, err
	}

	for _, group := range groups {
		if err := s.verifyGroupVersion(ctx, group, cleanShutdown, report); err != nil {
			return nil, err
		}
		report.Groups++
		if !s.config.Enabled {
			continue
		}
		if err := s.recoverGroup(ctx, group, report); err != nil {
			return nil, err
		}
	}

	report.Duration = time.Since(start)
	s.metrics.RecordRecovery(report.Duration, report.Records, len(report.FailedTables))
	if !report.Complete() {
		s.logger.Warn("Recovery finished with failed tables, node stays outdated",
			zap.Int("failed_tables", len(report.FailedTables)),
			zap.Int64("records", report.Records),
			zap.Duration("duration", report.Duration))
		return report, nil
	}
	if err := s.coord.SetLocalNodeState(ctx, s.localNode, model.NodeStateReady); err != nil {
		return report, fmt.Errorf("mark node ready: %w", err)
	}
	s.logger.Info("Recovery completed",
		zap.Int("groups", report.Groups),
		zap.Int("regions", report.Regions),
		zap.Int("tables", report.Tables),
		zap.Int64("records", report.Records),
		zap.Duration("duration", report.Duration))
	return report, nil
}

// discardUnknownGroups drops local data of groups the coordinator no longer
// knows.
func (s *RecoveryService) discardUnknownGroups(known []string, report *RecoveryReport) error {
	for _, group := range s.registry.Groups() {
		if slices.Contains(known, group) {
			continue
		}
		s.logger.Warn("Discarding local data of deleted distribution group", zap.String("group", group))
		if err := s.registry.DeleteGroup(group); err != nil {
			return fmt.Errorf("discard group %s: %w", group, err)
		}
		if err := s.versions.DeleteGroup(group); err != nil {
			return err
		}
		report.Discarded = append(report.Discarded, group)
	}
	return nil
}

func (s *RecoveryService) verifyGroupVersion(ctx context.Context, group string, cleanShutdown bool, report *RecoveryReport) error {
	remote, err := s.coord.GetGroupVersion(ctx, group)
	if err != nil {
		return fmt.Errorf("read version of %s: %w", group, err)
	}
	local, found, err := s.versions.GroupVersion(group)
	if err != nil {
		return fmt.Errorf("read cached version of %s: %w", group, err)
	}
	if found && local != remote {
		if !cleanShutdown {
			s.logger.Error("Group version diverged after unclean shutdown",
				zap.String("group", group),
				zap.String("local_version", local),
				zap.String("remote_version", remote))
			return errors.VersionMismatch(group, local, remote)
		}
		s.logger.Warn("Group was recreated, discarding local data",
			zap.String("group", group),
			zap.String("local_version", local),
			zap.String("remote_version", remote))
		if err := s.registry.DeleteGroup(group); err != nil {
			return fmt.Errorf("discard group %s: %w", group, err)
		}
		report.Discarded = append(report.Discarded, group)
	}
	if !found || local != remote {
		return s.versions.SetGroupVersion(group, remote)
	}
	return nil
}

func (s *RecoveryService) recoverGroup(ctx context.Context, group string, report *RecoveryReport) error {
	tree, err := s.trees.Refresh(ctx, group)
	if err != nil {
		return fmt.Errorf("load partition tree of %s: %w", group, err)
	}
	listed, err := s.coord.ListTables(ctx, group)
	if err != nil {
		return fmt.Errorf("list tables of %s: %w", group, err)
	}

	for _, region := range tree.LeavesOwnedBy(s.localNode) {
		report.Regions++
		peer, peerCheckpoint, err := s.newestPeer(ctx, group, region.ID)
		if err != nil {
			s.logger.Warn("Failed to read region checkpoints",
				zap.String("group", group), zap.Int64("region_id", region.ID), zap.Error(err))
			report.FailedTables = append(report.FailedTables, s.regionTables(group, region.ID, listed)...)
			continue
		}
		local := s.registry.RegionCheckpoint(group, region.ID)
		if peer == "" || peerCheckpoint <= local {
			continue
		}
		since := s.pullFrom(local)
		s.logger.Info("Region is behind its peers",
			zap.String("group", group),
			zap.Int64("region_id", region.ID),
			zap.String("peer", string(peer)),
			zap.Int64("local_checkpoint", local),
			zap.Int64("peer_checkpoint", peerCheckpoint),
			zap.Int64("since", since))

		for _, table := range s.regionTables(group, region.ID, listed) {
			report.Tables++
			n, err := s.pullTable(ctx, peer, table, since)
			report.Records += n
			if err != nil {
				s.logger.Warn("Failed to recover table",
					zap.Stringer("table", table),
					zap.String("peer", string(peer)),
					zap.Int64("records", n),
					zap.Error(err))
				report.FailedTables = append(report.FailedTables, table)
			}
		}
	}
	return nil
}

// newestPeer returns the peer with the greatest checkpoint of a region.
func (s *RecoveryService) newestPeer(ctx context.Context, group string, regionID int64) (model.NodeID, int64, error) {
	checkpoints, err := s.coord.GetRegionCheckpoints(ctx, group, regionID)
	if err != nil {
		return "", 0, err
	}
	var (
		best   model.NodeID
		newest int64
	)
	for node, cp := range checkpoints {
		if node == s.localNode {
			continue
		}
		if cp > newest || (cp == newest && best != "" && node < best) {
			best, newest = node, cp
		}
	}
	return best, newest, nil
}

// pullFrom returns the InsertedAt to pull from given the local checkpoint.
func (s *RecoveryService) pullFrom(local int64) int64 {
	if local == 0 {
		return 0
	}
	return max(0, local-s.config.ClockSkewTolerance.Microseconds())
}

func (s *RecoveryService) regionTables(group string, regionID int64, listed []string) []model.TableName {
	tables := s.registry.TablesForRegion(group, regionID)
	for _, name := range listed {
		t := model.NewTableName(group, name, regionID)
		if !slices.Contains(tables, t) {
			tables = append(tables, t)
		}
	}
	slices.SortFunc(tables, compareTableNames)
	return tables
}

// pullTable replays the peer's records of table through the local write
// path and flushes them, so the region checkpoint covers them. A table the
// peer does not hold has nothing to pull. The local engine is created on
// the first record.
func (s *RecoveryService) pullTable(ctx context.Context, peer model.NodeID, table model.TableName, since int64) (int64, error) {
	if s.config.PullTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.PullTimeout)
		defer cancel()
	}
	e, _ := s.registry.Engine(table)
	n, err := s.peers.QueryByTimestamp(ctx, peer, table, since, func(rec *model.Record) error {
		if e == nil {
			created, err := s.registry.CreateEngine(table)
			if err != nil {
				return err
			}
			e = created
		}
		return e.Put(ctx, rec)
	})
	if errors.HasCode(err, errors.ErrCodeTableNotFound) && n == 0 {
		s.logger.Debug("Peer does not hold table",
			zap.Stringer("table", table),
			zap.String("peer", string(peer)))
		return 0, nil
	}
	if err != nil || e == nil {
		return n, err
	}
	return n, e.FlushAndWait(ctx)
}

// CheckpointReporter periodically publishes the newest durable InsertedAt of
// every local region to the coordinator.
type CheckpointReporter struct {
	localNode model.NodeID
	interval  time.Duration
	coord     coordinator.Coordinator
	registry  *StorageRegistry
	logger    *zap.Logger
}

// NewCheckpointReporter creates a new checkpoint reporter
func NewCheckpointReporter(localNode model.NodeID, interval time.Duration, coord coordinator.Coordinator, registry *StorageRegistry, logger *zap.Logger) *CheckpointReporter {
	return &CheckpointReporter{
		localNode: localNode,
		interval:  interval,
		coord:     coord,
		registry:  registry,
		logger:    logger,
	}
}

// ReportOnce publishes the checkpoint of every local region.
func (c *CheckpointReporter) ReportOnce(ctx context.Context) error {
	var result *multierror.Error
	for _, group := range c.registry.Groups() {
		var regions []int64
		for _, name := range c.registry.TablesForGroup(group) {
			if name.IsDistributed() && !slices.Contains(regions, name.RegionID) {
				regions = append(regions, name.RegionID)
			}
		}
		for _, id := range regions {
			cp := c.registry.RegionCheckpoint(group, id)
			if cp == 0 {
				continue
			}
			if err := c.coord.SetRegionCheckpoint(ctx, group, id, c.localNode, cp); err != nil {
				result = multierror.Append(result, fmt.Errorf("checkpoint %s/%d: %w", group, id, err))
			}
		}
	}
	return result.ErrorOrNil()
}

// Run reports until ctx is done.
func (c *CheckpointReporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.ReportOnce(ctx); err != nil {
				c.logger.Warn("Failed to report region checkpoints", zap.Error(err))
			}
		}
	}
}
