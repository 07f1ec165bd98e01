package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/bboxkv/internal/bbox"
	"github.com/devrev/bboxkv/internal/coordinator"
	"github.com/devrev/bboxkv/internal/errors"
	"github.com/devrev/bboxkv/internal/metrics"
	"github.com/devrev/bboxkv/internal/model"
	"github.com/devrev/bboxkv/internal/partition"
)

type resizeFixture struct {
	coord    *coordinator.MemoryCoordinator
	trees    *partition.Registry
	registry *StorageRegistry
	peers    *fakePeers
	resizer  *RegionResizer
}

// newResizeFixture publishes a one dimensional group "geo" whose root covers
// [0, 10] and is owned by owners.
func newResizeFixture(t *testing.T, cfg *ResizeConfig, owners ...model.NodeID) *resizeFixture {
	t.Helper()
	ctx := context.Background()
	coord := coordinator.NewMemoryCoordinator()
	_, err := coord.CreateDistributionGroup(ctx, coordinator.GroupConfig{Name: "geo", Dimensions: 1}, owners)
	require.NoError(t, err)
	current, err := coord.ReadPartitionTree(ctx, "geo")
	require.NoError(t, err)

	bounded, err := partition.NewBoundedTree("geo", bbox.MustNew(0, 10), owners)
	require.NoError(t, err)
	bounded.MarkPublished(current.Version)
	require.NoError(t, coord.PublishPartitionTree(ctx, bounded.PublishSnapshot()))

	f := &resizeFixture{
		coord:    coord,
		trees:    partition.NewRegistry(coord, zap.NewNop()),
		registry: newTestRegistry(t, t.TempDir()),
		peers:    &fakePeers{},
	}
	t.Cleanup(func() { _ = f.registry.Close(context.Background()) })
	f.resizer = NewRegionResizer(cfg, "n1", coord, f.trees, f.registry, f.peers,
		metrics.NewMetrics("test", prometheus.NewRegistry()), zap.NewNop())
	return f
}

func testResizeConfig() *ResizeConfig {
	return &ResizeConfig{
		Enabled:               true,
		SplitThreshold:        1 << 30,
		MergeThreshold:        0,
		RedistributionTimeout: 10 * time.Second,
		StaleCleanup:          true,
	}
}

func (f *resizeFixture) fill(t *testing.T, regionID int64, xs ...float64) *Engine {
	t.Helper()
	ctx := context.Background()
	e, err := f.registry.CreateEngine(model.NewTableName("geo", "points", regionID))
	require.NoError(t, err)
	for i, x := range xs {
		require.NoError(t, e.Put(ctx, &model.Record{
			Key: fmt.Sprint(x), Region: bbox.Point(x), Value: []byte("v"), InsertedAt: int64(i + 1),
		}))
	}
	require.NoError(t, e.FlushAndWait(ctx))
	return e
}

func (f *resizeFixture) published(t *testing.T) *partition.Tree {
	t.Helper()
	snap, err := f.coord.ReadPartitionTree(context.Background(), "geo")
	require.NoError(t, err)
	tree, err := partition.FromSnapshot(snap)
	require.NoError(t, err)
	return tree
}

func (f *resizeFixture) keys(t *testing.T, regionID int64) map[string]string {
	t.Helper()
	e, ok := f.registry.Engine(model.NewTableName("geo", "points", regionID))
	require.True(t, ok, "region %d has no local storage", regionID)
	return scanKeys(t, e, MatchAll(), ScanOptions{})
}

func TestSplitAtMedianMovesRecords(t *testing.T) {
	ctx := context.Background()
	f := newResizeFixture(t, testResizeConfig(), "n1")
	f.fill(t, partition.RootRegionID, 1, 3, 4.9, 5, 7, 9)

	require.NoError(t, f.resizer.Split(ctx, "geo", partition.RootRegionID))

	tree := f.published(t)
	root := tree.Root()
	assert.Equal(t, partition.StateSplit, root.State)
	require.NotNil(t, root.SplitValue)
	assert.Equal(t, 5.0, *root.SplitValue)
	left, right, err := tree.Children(root.ID)
	require.NoError(t, err)
	assert.Equal(t, partition.StateActive, left.State)
	assert.Equal(t, partition.StateActive, right.State)
	assert.Equal(t, []model.NodeID{"n1"}, left.Owners)
	leaf, err := tree.IsLeaf(root.ID)
	require.NoError(t, err)
	assert.False(t, leaf)

	assert.Equal(t, map[string]string{"1": "v", "3": "v", "4.9": "v"}, f.keys(t, left.ID))
	assert.Equal(t, map[string]string{"5": "v", "7": "v", "9": "v"}, f.keys(t, right.ID))
	_, ok := f.registry.Engine(model.NewTableName("geo", "points", root.ID))
	assert.False(t, ok)
	assert.Equal(t, model.EngineReadWrite, mustEngine(t, f.registry, left.ID).State())
}

func TestMergeRestoresParent(t *testing.T) {
	ctx := context.Background()
	f := newResizeFixture(t, testResizeConfig(), "n1")
	f.fill(t, partition.RootRegionID, 1, 3, 4.9, 5, 7, 9)
	require.NoError(t, f.resizer.Split(ctx, "geo", partition.RootRegionID))
	left, right, err := f.published(t).Children(partition.RootRegionID)
	require.NoError(t, err)

	require.NoError(t, f.resizer.Merge(ctx, "geo", partition.RootRegionID))

	tree := f.published(t)
	root := tree.Root()
	assert.Equal(t, partition.StateActive, root.State)
	assert.False(t, root.HasChildren())
	_, err = tree.Region(left.ID)
	assert.Error(t, err)

	assert.Len(t, f.keys(t, root.ID), 6)
	for _, id := range []int64{left.ID, right.ID} {
		_, ok := f.registry.Engine(model.NewTableName("geo", "points", id))
		assert.False(t, ok)
	}
}

func TestSplitRollsBackOnRedistributionFailure(t *testing.T) {
	ctx := context.Background()
	f := newResizeFixture(t, testResizeConfig(), "n1", "n2")
	f.peers.err = errors.PeerUnavailable("n2", fmt.Errorf("connection refused"))
	f.fill(t, partition.RootRegionID, 1, 6)

	err := f.resizer.Split(ctx, "geo", partition.RootRegionID)
	assert.Equal(t, errors.ErrCodeResizeFailed, errors.GetCode(err))

	root := f.published(t).Root()
	assert.Equal(t, partition.StateActive, root.State)
	assert.False(t, root.HasChildren())
	assert.Equal(t, model.EngineReadWrite, mustEngine(t, f.registry, root.ID).State())
	assert.Equal(t, []model.TableName{model.NewTableName("geo", "points", root.ID)},
		f.registry.TablesForGroup("geo"))
}

func TestEvaluateRegionSplitsOverflowingRegion(t *testing.T) {
	ctx := context.Background()
	cfg := testResizeConfig()
	cfg.SplitThreshold = 1
	f := newResizeFixture(t, cfg, "n1")
	f.fill(t, partition.RootRegionID, 2, 8)

	assert.True(t, f.resizer.IsOverflowing("geo", partition.RootRegionID))
	require.NoError(t, f.resizer.EvaluateRegion(ctx, model.NewTableName("geo", "points", partition.RootRegionID)))
	assert.True(t, f.published(t).Root().HasChildren())

	// Disabled resizing and local tables ignore the hook.
	cfg.Enabled = false
	assert.NoError(t, f.resizer.EvaluateRegion(ctx, model.NewTableName("geo", "points", 1)))
}

func TestEvaluateRegionMergesUnderflowingSiblings(t *testing.T) {
	ctx := context.Background()
	cfg := testResizeConfig()
	f := newResizeFixture(t, cfg, "n1")
	f.fill(t, partition.RootRegionID, 2, 8)
	require.NoError(t, f.resizer.Split(ctx, "geo", partition.RootRegionID))
	left, _, err := f.published(t).Children(partition.RootRegionID)
	require.NoError(t, err)

	tree, err := f.trees.Tree(ctx, "geo")
	require.NoError(t, err)
	assert.False(t, f.resizer.IsUnderflowing(tree, partition.RootRegionID))

	cfg.MergeThreshold = 1 << 30
	assert.True(t, f.resizer.IsUnderflowing(tree, partition.RootRegionID))
	require.NoError(t, f.resizer.EvaluateRegion(ctx, model.NewTableName("geo", "points", left.ID)))
	assert.False(t, f.published(t).Root().HasChildren())
	assert.Len(t, f.keys(t, partition.RootRegionID), 2)
}

func TestCleanupStaleRegions(t *testing.T) {
	ctx := context.Background()
	f := newResizeFixture(t, testResizeConfig(), "n1")
	f.fill(t, partition.RootRegionID, 1)
	f.fill(t, 42, 1)

	tree, err := f.trees.Tree(ctx, "geo")
	require.NoError(t, err)
	f.resizer.CleanupStaleRegions("geo", tree)

	assert.Equal(t, []model.TableName{model.NewTableName("geo", "points", partition.RootRegionID)},
		f.registry.TablesForGroup("geo"))
}

func TestChooseSplitValue(t *testing.T) {
	region := bbox.MustNew(0, 10)
	v, ok := chooseSplitValue([]float64{9, 1, 5}, region, 0)
	assert.True(t, ok)
	assert.Equal(t, 5.0, v)

	// All centres on the lower bound fall back to the interval middle.
	v, ok = chooseSplitValue([]float64{0, 0, 0}, region, 0)
	assert.True(t, ok)
	assert.Equal(t, 5.0, v)

	_, ok = chooseSplitValue(nil, bbox.MustNew(3, 3), 0)
	assert.False(t, ok)
	_, ok = chooseSplitValue(nil, bbox.FullSpace(1), 0)
	assert.False(t, ok)
}

func mustEngine(t *testing.T, r *StorageRegistry, regionID int64) *Engine {
	t.Helper()
	e, ok := r.Engine(model.NewTableName("geo", "points", regionID))
	require.True(t, ok)
	return e
}
