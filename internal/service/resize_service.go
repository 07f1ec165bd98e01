package service

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/devrev/bboxkv/internal/bbox"
	"github.com/devrev/bboxkv/internal/coordinator"
	"github.com/devrev/bboxkv/internal/errors"
	"github.com/devrev/bboxkv/internal/metrics"
	"github.com/devrev/bboxkv/internal/model"
	"github.com/devrev/bboxkv/internal/partition"
)

const (
	splitSampleSize = 1 << 16
	maxPublishTries = 5
)

// ResizeConfig holds region split/merge configuration
type ResizeConfig struct {
	Enabled               bool
	SplitThreshold        int64
	MergeThreshold        int64
	RedistributionTimeout time.Duration
	RedistributionRate    float64
	RedistributionBurst   int
	StaleCleanup          bool
}

// RegionResizer splits overflowing regions and merges underflowing
// siblings. Tree mutations of a group are serialised by a per-group lock
// that is never held while records are redistributed.
type RegionResizer struct {
	config    *ResizeConfig
	localNode model.NodeID
	coord     coordinator.Coordinator
	trees     *partition.Registry
	registry  *StorageRegistry
	peers     PeerWriter
	metrics   *metrics.Metrics
	logger    *zap.Logger

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	inflight map[regionKey]bool
}

type regionKey struct {
	group    string
	regionID int64
}

// NewRegionResizer creates a new region resizer
func NewRegionResizer(cfg *ResizeConfig, localNode model.NodeID, coord coordinator.Coordinator, trees *partition.Registry, registry *StorageRegistry, peers PeerWriter, m *metrics.Metrics, logger *zap.Logger) *RegionResizer {
	return &RegionResizer{
		config:    cfg,
		localNode: localNode,
		coord:     coord,
		trees:     trees,
		registry:  registry,
		peers:     peers,
		metrics:   m,
		logger:    logger,
		locks:     make(map[string]*sync.Mutex),
		inflight:  make(map[regionKey]bool),
	}
}

func (r *RegionResizer) groupLock(group string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[group]
	if !ok {
		l = &sync.Mutex{}
		r.locks[group] = l
	}
	return l
}

// begin marks regions as being resized by this node. It fails when one of
// them already is.
func (r *RegionResizer) begin(group string, ids ...int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if r.inflight[regionKey{group, id}] {
			return false
		}
	}
	for _, id := range ids {
		r.inflight[regionKey{group, id}] = true
	}
	return true
}

func (r *RegionResizer) end(group string, ids ...int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		delete(r.inflight, regionKey{group, id})
	}
}

func (r *RegionResizer) isInflight(group string, id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inflight[regionKey{group, id}]
}

// drives reports whether this node coordinates resizes of region: the
// first owner in sorted order does.
func (r *RegionResizer) drives(region partition.Region) bool {
	return len(region.Owners) > 0 && region.Owners[0] == r.localNode
}

// EvaluateRegion is the compaction hook: it splits the region of table when
// it overflows and merges it with its sibling when both underflow.
func (r *RegionResizer) EvaluateRegion(ctx context.Context, table model.TableName) error {
	if !r.config.Enabled || !table.IsDistributed() {
		return nil
	}
	tree, err := r.trees.Tree(ctx, table.Group)
	if err != nil {
		return err
	}
	region, err := tree.Region(table.RegionID)
	if err != nil {
		// Local data of a region the tree no longer knows; stale cleanup
		// removes it.
		return nil
	}
	if region.State != partition.StateActive || region.HasChildren() || !r.drives(region) {
		return nil
	}

	if r.IsOverflowing(table.Group, region.ID) {
		return r.Split(ctx, table.Group, region.ID)
	}
	if region.IsRoot() {
		return nil
	}
	parent, _, err := tree.Parent(region.ID)
	if err != nil {
		return err
	}
	if r.IsUnderflowing(tree, parent.ID) {
		return r.Merge(ctx, table.Group, parent.ID)
	}
	return nil
}

// IsOverflowing reports whether the local size of a region exceeds the split
// threshold.
func (r *RegionResizer) IsOverflowing(group string, regionID int64) bool {
	return r.registry.RegionSize(group, regionID) > r.config.SplitThreshold
}

// IsUnderflowing reports whether the two children of parentID are ACTIVE
// leaves held by this node whose combined size is below the merge
// threshold.
func (r *RegionResizer) IsUnderflowing(tree *partition.Tree, parentID int64) bool {
	left, right, err := tree.Children(parentID)
	if err != nil {
		return false
	}
	var total int64
	for _, c := range []partition.Region{left, right} {
		if c.HasChildren() || c.State != partition.StateActive || !c.IsOwnedBy(r.localNode) {
			return false
		}
		total += r.registry.RegionSize(tree.Group(), c.ID)
	}
	return total < r.config.MergeThreshold
}

// mutate applies fn to a copy of the current tree of group and publishes
// it. On a version conflict the tree is reloaded and fn applied again.
func (r *RegionResizer) mutate(ctx context.Context, group string, fn func(*partition.Tree) error) (*partition.Tree, error) {
	var lastErr error
	for attempt := 0; attempt < maxPublishTries; attempt++ {
		current, err := r.trees.Tree(ctx, group)
		if err != nil {
			return nil, err
		}
		work := current.Clone()
		if err := fn(work); err != nil {
			return nil, err
		}
		snap := work.PublishSnapshot()
		err = r.coord.PublishPartitionTree(ctx, snap)
		if err == nil {
			work.MarkPublished(snap.Version)
			r.trees.Put(work)
			return work, nil
		}
		if !errors.HasCode(err, errors.ErrCodeVersionConflict) {
			return nil, err
		}
		lastErr = err
		r.logger.Debug("Partition tree changed concurrently, reloading",
			zap.String("group", group), zap.Int("attempt", attempt+1))
		if _, err := r.trees.Refresh(ctx, group); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// setRegionState switches the write gate of every local table of a region.
func (r *RegionResizer) setRegionState(group string, regionID int64, state model.EngineState) {
	for _, name := range r.registry.TablesForRegion(group, regionID) {
		if e, ok := r.registry.Engine(name); ok {
			e.SetState(state)
		}
	}
}

func (r *RegionResizer) deleteRegionStorage(group string, regionID int64) error {
	var result *multierror.Error
	for _, name := range r.registry.TablesForRegion(group, regionID) {
		if err := r.registry.DeleteEngine(name); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Split divides regionID at the median record centre along its split
// dimension, moves its records into the two children and publishes the
// result. On failure the children are discarded and the region returns to
// ACTIVE and READ_WRITE.
func (r *RegionResizer) Split(ctx context.Context, group string, regionID int64) (err error) {
	start := time.Now()
	if !r.begin(group, regionID) {
		return nil
	}
	defer r.end(group, regionID)
	defer func() { r.metrics.RecordResize("split", time.Since(start), err) }()

	tree, err := r.trees.Tree(ctx, group)
	if err != nil {
		return err
	}
	region, err := tree.Region(regionID)
	if err != nil {
		return errors.RegionNotFound(group, regionID)
	}
	dim, err := tree.SplitDimension(regionID)
	if err != nil {
		return err
	}
	value, ok, err := r.splitValue(ctx, group, region, dim)
	if err != nil {
		return err
	}
	if !ok {
		r.logger.Info("Region cannot be split, no usable split value",
			zap.String("group", group), zap.Int64("region_id", regionID), zap.Stringer("region", region.Region))
		return nil
	}
	leftID, err := r.coord.NextRegionID(ctx, group)
	if err != nil {
		return err
	}
	rightID, err := r.coord.NextRegionID(ctx, group)
	if err != nil {
		return err
	}

	lock := r.groupLock(group)
	lock.Lock()
	tree, err = r.mutate(ctx, group, func(t *partition.Tree) error {
		current, err := t.Region(regionID)
		if err != nil {
			return err
		}
		if current.State != partition.StateActive || current.HasChildren() {
			return errors.ResizeFailed(fmt.Sprintf("region %d is %s", regionID, current.State), nil)
		}
		if err := t.Transition(regionID, partition.StateSplitting); err != nil {
			return err
		}
		if err := t.SplitWithIDs(regionID, value, leftID, rightID); err != nil {
			return err
		}
		for _, id := range []int64{leftID, rightID} {
			if err := t.SetOwners(id, current.Owners); err != nil {
				return err
			}
		}
		return nil
	})
	lock.Unlock()
	if err != nil {
		return fmt.Errorf("begin split of %s/%d: %w", group, regionID, err)
	}
	r.setRegionState(group, regionID, model.EngineReadOnly)
	r.logger.Info("Splitting region",
		zap.String("group", group),
		zap.Int64("region_id", regionID),
		zap.Int("dimension", dim),
		zap.Float64("value", value),
		zap.Int64("left_id", leftID),
		zap.Int64("right_id", rightID))

	left, right, err := tree.Children(regionID)
	if err == nil {
		err = r.redistribute(ctx, group, regionID, left, right)
	}
	if err == nil {
		lock.Lock()
		_, err = r.mutate(ctx, group, func(t *partition.Tree) error {
			if err := t.ActivateChildren(regionID); err != nil {
				return err
			}
			return t.Transition(regionID, partition.StateSplit)
		})
		lock.Unlock()
	}
	if err != nil {
		r.rollbackSplit(ctx, group, regionID, leftID, rightID)
		return errors.ResizeFailed(fmt.Sprintf("split of %s/%d failed", group, regionID), err)
	}

	if err := r.deleteRegionStorage(group, regionID); err != nil {
		r.logger.Warn("Failed to delete storage of split region",
			zap.String("group", group), zap.Int64("region_id", regionID), zap.Error(err))
	}
	r.logger.Info("Region split completed",
		zap.String("group", group),
		zap.Int64("region_id", regionID),
		zap.Duration("duration", time.Since(start)))
	return nil
}

func (r *RegionResizer) rollbackSplit(ctx context.Context, group string, regionID, leftID, rightID int64) {
	ctx = context.WithoutCancel(ctx)
	for _, id := range []int64{leftID, rightID} {
		if err := r.deleteRegionStorage(group, id); err != nil {
			r.logger.Warn("Failed to delete child storage during rollback",
				zap.String("group", group), zap.Int64("region_id", id), zap.Error(err))
		}
	}
	lock := r.groupLock(group)
	lock.Lock()
	_, err := r.mutate(ctx, group, func(t *partition.Tree) error {
		if _, _, err := t.Children(regionID); err == nil {
			if err := t.Merge(regionID); err != nil {
				return err
			}
		}
		region, err := t.Region(regionID)
		if err != nil {
			return err
		}
		if region.State == partition.StateActive {
			return nil
		}
		return t.Transition(regionID, partition.StateActive)
	})
	lock.Unlock()
	if err != nil {
		r.logger.Error("Failed to publish split rollback",
			zap.String("group", group), zap.Int64("region_id", regionID), zap.Error(err))
	}
	r.setRegionState(group, regionID, model.EngineReadWrite)
	r.logger.Warn("Rolled back region split", zap.String("group", group), zap.Int64("region_id", regionID))
}

// redistribute copies every local table of sourceID into the destination
// regions under the redistribution timeout and flushes the local copies.
func (r *RegionResizer) redistribute(ctx context.Context, group string, sourceID int64, dests ...partition.Region) error {
	if r.config.RedistributionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.RedistributionTimeout)
		defer cancel()
	}
	for _, table := range r.registry.TablesForRegion(group, sourceID) {
		e, ok := r.registry.Engine(table)
		if !ok {
			continue
		}
		rd := NewTupleRedistributor(&RedistributorConfig{
			LocalNode: r.localNode,
			Rate:      r.config.RedistributionRate,
			Burst:     r.config.RedistributionBurst,
		}, table, r.registry, r.peers, r.metrics, r.logger)
		for _, d := range dests {
			if err := rd.RegisterRegion(d); err != nil {
				return err
			}
		}
		cursor, err := e.Scan(ctx, MatchAll(), ScanOptions{IncludeDeleted: true})
		if err != nil {
			return err
		}
		if _, err := rd.RedistributeCursor(ctx, cursor); err != nil {
			return err
		}
		for _, le := range rd.LocalEngines() {
			if err := le.FlushAndWait(ctx); err != nil {
				return err
			}
		}
		r.logger.Info("Redistributed table", zap.String("summary", rd.Statistics().String()))
	}
	return nil
}

// splitValue picks the median centre of the region's records along dim. It
// falls back to the middle of the record centres, then of the interval, and
// reports false when none of them lies strictly inside the interval.
func (r *RegionResizer) splitValue(ctx context.Context, group string, region partition.Region, dim int) (float64, bool, error) {
	var sample []float64
	seen := 0
	for _, table := range r.registry.TablesForRegion(group, region.ID) {
		e, ok := r.registry.Engine(table)
		if !ok {
			continue
		}
		cursor, err := e.Scan(ctx, MatchAll(), ScanOptions{})
		if err != nil {
			return 0, false, err
		}
		for cursor.Next() {
			c := cursor.Record().Region.Center(dim)
			seen++
			// Reservoir sampling keeps memory bounded on large regions.
			if len(sample) < splitSampleSize {
				sample = append(sample, c)
			} else if j := rand.IntN(seen); j < splitSampleSize {
				sample[j] = c
			}
		}
		err = cursor.Err()
		cursor.Close()
		if err != nil {
			return 0, false, err
		}
	}
	v, ok := chooseSplitValue(sample, region.Region, dim)
	return v, ok, nil
}

func chooseSplitValue(centres []float64, region bbox.BoundingRegion, dim int) (float64, bool) {
	low, high := region.Low(dim), region.High(dim)
	inside := func(v float64) bool {
		return !math.IsNaN(v) && !math.IsInf(v, 0) && v > low && v < high
	}
	if len(centres) > 0 {
		slices.Sort(centres)
		if m := centres[len(centres)/2]; inside(m) {
			return m, true
		}
		if m := centres[0] + (centres[len(centres)-1]-centres[0])/2; inside(m) {
			return m, true
		}
	}
	if m := low + (high-low)/2; inside(m) {
		return m, true
	}
	return 0, false
}

// Merge collapses the two leaf children of parentID back into it. The
// children's records are copied into the recreated storage of the parent
// before the children are removed from the tree.
func (r *RegionResizer) Merge(ctx context.Context, group string, parentID int64) (err error) {
	start := time.Now()
	tree, err := r.trees.Tree(ctx, group)
	if err != nil {
		return err
	}
	left, right, err := tree.Children(parentID)
	if err != nil {
		return err
	}
	if !r.begin(group, parentID, left.ID, right.ID) {
		return nil
	}
	defer r.end(group, parentID, left.ID, right.ID)
	defer func() { r.metrics.RecordResize("merge", time.Since(start), err) }()

	lock := r.groupLock(group)
	lock.Lock()
	tree, err = r.mutate(ctx, group, func(t *partition.Tree) error {
		l, rr, err := t.Children(parentID)
		if err != nil {
			return err
		}
		for _, c := range []partition.Region{l, rr} {
			if c.HasChildren() || c.State != partition.StateActive {
				return errors.ResizeFailed(fmt.Sprintf("child %d of %d is not an active leaf", c.ID, parentID), nil)
			}
			if err := t.Transition(c.ID, partition.StateMerging); err != nil {
				return err
			}
		}
		return nil
	})
	lock.Unlock()
	if err != nil {
		return fmt.Errorf("begin merge of %s/%d: %w", group, parentID, err)
	}
	r.setRegionState(group, left.ID, model.EngineReadOnly)
	r.setRegionState(group, right.ID, model.EngineReadOnly)
	r.logger.Info("Merging regions",
		zap.String("group", group),
		zap.Int64("parent_id", parentID),
		zap.Int64("left_id", left.ID),
		zap.Int64("right_id", right.ID))

	parent, err := tree.Region(parentID)
	if err == nil {
		// Leftovers of an earlier split or failed merge must not leak into
		// the recreated storage.
		err = r.deleteRegionStorage(group, parentID)
	}
	if err == nil {
		err = r.redistribute(ctx, group, left.ID, parent)
	}
	if err == nil {
		err = r.redistribute(ctx, group, right.ID, parent)
	}
	if err == nil {
		lock.Lock()
		_, err = r.mutate(ctx, group, func(t *partition.Tree) error {
			if err := t.Merge(parentID); err != nil {
				return err
			}
			return t.Transition(parentID, partition.StateActive)
		})
		lock.Unlock()
	}
	if err != nil {
		r.rollbackMerge(ctx, group, parentID, left.ID, right.ID)
		return errors.ResizeFailed(fmt.Sprintf("merge of %s/%d failed", group, parentID), err)
	}

	for _, id := range []int64{left.ID, right.ID} {
		if err := r.deleteRegionStorage(group, id); err != nil {
			r.logger.Warn("Failed to delete storage of merged region",
				zap.String("group", group), zap.Int64("region_id", id), zap.Error(err))
		}
	}
	r.logger.Info("Region merge completed",
		zap.String("group", group),
		zap.Int64("parent_id", parentID),
		zap.Duration("duration", time.Since(start)))
	return nil
}

func (r *RegionResizer) rollbackMerge(ctx context.Context, group string, parentID, leftID, rightID int64) {
	ctx = context.WithoutCancel(ctx)
	if err := r.deleteRegionStorage(group, parentID); err != nil {
		r.logger.Warn("Failed to delete parent storage during rollback",
			zap.String("group", group), zap.Int64("region_id", parentID), zap.Error(err))
	}
	lock := r.groupLock(group)
	lock.Lock()
	_, err := r.mutate(ctx, group, func(t *partition.Tree) error {
		for _, id := range []int64{leftID, rightID} {
			c, err := t.Region(id)
			if err != nil {
				return err
			}
			if c.State == partition.StateMerging {
				if err := t.Transition(id, partition.StateActive); err != nil {
					return err
				}
			}
		}
		return nil
	})
	lock.Unlock()
	if err != nil {
		r.logger.Error("Failed to publish merge rollback",
			zap.String("group", group), zap.Int64("parent_id", parentID), zap.Error(err))
	}
	r.setRegionState(group, leftID, model.EngineReadWrite)
	r.setRegionState(group, rightID, model.EngineReadWrite)
	r.logger.Warn("Rolled back region merge", zap.String("group", group), zap.Int64("parent_id", parentID))
}

// CleanupStaleRegions removes local tables of group whose region is gone
// from tree, is no longer owned by this node, or has been split or merged
// away. Regions being resized by this node are left alone.
func (r *RegionResizer) CleanupStaleRegions(group string, tree *partition.Tree) {
	if !r.config.StaleCleanup {
		return
	}
	for _, name := range r.registry.TablesForGroup(group) {
		if !name.IsDistributed() || r.isInflight(group, name.RegionID) {
			continue
		}
		region, err := tree.Region(name.RegionID)
		stale := err != nil || !region.IsOwnedBy(r.localNode) || region.State == partition.StateMerged
		if !stale && region.State == partition.StateSplit {
			if leaf, _ := tree.IsLeaf(region.ID); !leaf {
				l, rr, _ := tree.Children(region.ID)
				stale = l.State != partition.StateMerging && rr.State != partition.StateMerging
			}
		}
		if !stale {
			continue
		}
		r.logger.Info("Removing storage of stale region",
			zap.Stringer("table", name),
			zap.Bool("known", err == nil))
		if err := r.registry.DeleteEngine(name); err != nil {
			r.logger.Warn("Failed to remove stale table", zap.Stringer("table", name), zap.Error(err))
		}
	}
}
