package service

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/bboxkv/internal/bbox"
	"github.com/devrev/bboxkv/internal/metrics"
	"github.com/devrev/bboxkv/internal/model"
	"github.com/devrev/bboxkv/internal/storage/memtable"
	"github.com/devrev/bboxkv/internal/storage/sstable"
)

func testCompactionConfig() *CompactionConfig {
	return &CompactionConfig{
		Interval:         10 * time.Millisecond,
		MajorThreshold:   3,
		MajorInterval:    time.Hour,
		MinorThreshold:   2,
		MaxMinorInputs:   4,
		SmallSegmentSize: 1 << 20,
		MaxSegmentSize:   64 << 20,
	}
}

func newTestCompaction(t *testing.T, r *StorageRegistry, cfg *CompactionConfig, strategy MergeStrategy) *CompactionService {
	t.Helper()
	return NewCompactionService(cfg, r, strategy,
		metrics.NewMetrics("test", prometheus.NewRegistry()), zap.NewNop())
}

func segmentFiles(t *testing.T, segs []*sstable.Segment) []string {
	t.Helper()
	var files []string
	for _, s := range segs {
		files = append(files, s.Reader().Paths().Data)
	}
	return files
}

func TestMajorCompactionDeduplicates(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	r := newTestRegistry(t, dir)
	defer r.Close(ctx)
	e, err := r.CreateEngine(model.NewTableName("geo", "points", 1))
	require.NoError(t, err)

	// Key "1" is written in every flush; the last value must survive.
	for i := 1; i <= 3; i++ {
		for k := 1; k <= i; k++ {
			put(t, e, fmt.Sprint(k), fmt.Sprintf("v%d", i), int64(10*i))
		}
		require.NoError(t, e.FlushAndWait(ctx))
	}
	segs, release, err := e.Segments()
	require.NoError(t, err)
	original := segmentFiles(t, segs)
	release()
	require.Len(t, original, 3)

	c := newTestCompaction(t, r, testCompactionConfig(), nil)
	job, err := c.CompactTable(ctx, e)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, model.MergeTypeMajor, job.Type)
	assert.Equal(t, model.CompactionStatusCompleted, job.Status)
	assert.Len(t, job.Inputs, 3)

	got := scanKeys(t, e, OverlapsRegion(bbox.MustNew(0, 5, 0, 5)), ScanOptions{})
	assert.Equal(t, map[string]string{"1": "v3", "2": "v3", "3": "v3"}, got)
	assert.Equal(t, 1, e.SegmentCount())

	for _, path := range original {
		assert.Eventually(t, func() bool {
			_, err := os.Stat(path)
			return os.IsNotExist(err)
		}, 5*time.Second, 10*time.Millisecond, "%s still exists", path)
	}

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.JobsCompleted)
	assert.Equal(t, uint64(3), stats.DuplicatesResolved)
	require.Len(t, stats.RecentJobs, 1)
	assert.Equal(t, job.JobID, stats.RecentJobs[0].JobID)
}

func TestMajorCompactionDropsExpiredTombstones(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, t.TempDir())
	defer r.Close(ctx)
	e, err := r.CreateEngine(model.NewTableName("geo", "points", 1))
	require.NoError(t, err)

	old := model.NowMicros() - time.Hour.Microseconds()
	put(t, e, "gone", "v", old-10)
	put(t, e, "kept", "v", old-10)
	require.NoError(t, e.FlushAndWait(ctx))
	require.NoError(t, e.Put(ctx, model.NewTombstone("gone", testRegion, old)))
	require.NoError(t, e.FlushAndWait(ctx))
	// A fresh tombstone is kept through the grace period.
	require.NoError(t, e.Delete(ctx, "kept", testRegion))
	require.NoError(t, e.FlushAndWait(ctx))

	cfg := testCompactionConfig()
	cfg.TombstoneGrace = time.Minute
	c := newTestCompaction(t, r, cfg, nil)
	_, err = c.CompactTable(ctx, e)
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"kept": "<deleted>"},
		scanKeys(t, e, MatchAll(), ScanOptions{IncludeDeleted: true}))
	assert.Equal(t, uint64(1), c.Stats().TombstonesDropped)
}

func TestMajorCompactionKeepsTombstonesOverUnflushedData(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, t.TempDir())
	defer r.Close(ctx)
	e, err := r.CreateEngine(model.NewTableName("geo", "points", 1))
	require.NoError(t, err)

	old := model.NowMicros() - time.Hour.Microseconds()
	put(t, e, "gone", "v", old-10)
	require.NoError(t, e.FlushAndWait(ctx))
	require.NoError(t, e.Put(ctx, model.NewTombstone("gone", testRegion, old)))
	require.NoError(t, e.FlushAndWait(ctx))
	put(t, e, "other", "v", old)
	require.NoError(t, e.FlushAndWait(ctx))

	// An older version of "gone" sits in a memtable whose flush failed.
	stuck := memtable.New(0)
	stuck.Put(&model.Record{Key: "gone", Region: testRegion, Value: []byte("stale"), InsertedAt: old - 20})
	stuck.Freeze()
	e.mu.Lock()
	e.immutable = append(e.immutable, &pendingFlush{mem: stuck, failed: true, err: fmt.Errorf("disk full")})
	e.mu.Unlock()

	cfg := testCompactionConfig()
	cfg.TombstoneGrace = time.Minute
	c := newTestCompaction(t, r, cfg, nil)
	job, err := c.CompactTable(ctx, e)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, model.MergeTypeMajor, job.Type)
	assert.Zero(t, c.Stats().TombstonesDropped)

	// The retried flush must not bring the stale version back.
	require.NoError(t, e.FlushAndWait(ctx))
	assert.Equal(t, map[string]string{"other": "v"}, scanKeys(t, e, MatchAll(), ScanOptions{}))
}

func TestMinorCompactionKeepsTombstones(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, t.TempDir())
	defer r.Close(ctx)
	e, err := r.CreateEngine(model.NewTableName("geo", "points", 1))
	require.NoError(t, err)

	put(t, e, "a", "v", 10)
	require.NoError(t, e.FlushAndWait(ctx))
	require.NoError(t, e.Put(ctx, model.NewTombstone("a", testRegion, 20)))
	require.NoError(t, e.FlushAndWait(ctx))

	cfg := testCompactionConfig()
	cfg.MajorThreshold = 10
	c := newTestCompaction(t, r, cfg, nil)
	job, err := c.CompactTable(ctx, e)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, model.MergeTypeMinor, job.Type)

	assert.Equal(t, map[string]string{"a": "<deleted>"},
		scanKeys(t, e, MatchAll(), ScanOptions{IncludeDeleted: true}))
	assert.Zero(t, c.Stats().TombstonesDropped)
}

// readOnlyDuringPlan flips the engine to READ_ONLY after the scheduler
// checked its state, as a resize starting concurrently would.
type readOnlyDuringPlan struct {
	*SimpleMergeStrategy
	engine *Engine
}

func (s readOnlyDuringPlan) Plan(segments []*sstable.Segment, st TableCompactionState, now time.Time) MergeTask {
	s.engine.SetState(model.EngineReadOnly)
	return s.SimpleMergeStrategy.Plan(segments, st, now)
}

func TestCompactionDiscardedWhenEngineTurnsReadOnly(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, t.TempDir())
	defer r.Close(ctx)
	e, err := r.CreateEngine(model.NewTableName("geo", "points", 1))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		put(t, e, fmt.Sprintf("k%d", i), "v", int64(i+1))
		require.NoError(t, e.FlushAndWait(ctx))
	}
	before, release, err := e.Segments()
	require.NoError(t, err)
	files := segmentFiles(t, before)
	release()

	cfg := testCompactionConfig()
	c := newTestCompaction(t, r, cfg, readOnlyDuringPlan{NewSimpleMergeStrategy(cfg), e})
	job, err := c.CompactTable(ctx, e)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, model.CompactionStatusDiscarded, job.Status)
	assert.Equal(t, 3, e.SegmentCount())
	for _, path := range files {
		assert.FileExists(t, path)
	}

	assert.Eventually(t, func() bool {
		numbers, _, err := sstable.ListSegments(e.Dir())
		return err == nil && len(numbers) == 3
	}, 5*time.Second, 10*time.Millisecond, "discarded outputs are deleted")
	assert.Equal(t, uint64(1), c.Stats().JobsDiscarded)
}

func TestCompactionSplitsLargeOutputs(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, t.TempDir())
	defer r.Close(ctx)
	e, err := r.CreateEngine(model.NewTableName("geo", "points", 1))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		for k := 0; k < 20; k++ {
			put(t, e, fmt.Sprintf("k%02d", k), fmt.Sprintf("value-%d", i), int64(i+1))
		}
		require.NoError(t, e.FlushAndWait(ctx))
	}

	cfg := testCompactionConfig()
	cfg.MaxSegmentSize = 256
	c := newTestCompaction(t, r, cfg, nil)
	job, err := c.CompactTable(ctx, e)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Greater(t, len(job.Outputs), 1)

	got := scanKeys(t, e, MatchAll(), ScanOptions{})
	assert.Len(t, got, 20)
	for _, v := range got {
		assert.Equal(t, "value-2", v)
	}
}

type recordingEvaluator struct {
	mu     sync.Mutex
	tables []model.TableName
}

func (r *recordingEvaluator) EvaluateRegion(_ context.Context, table model.TableName) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tables = append(r.tables, table)
	return nil
}

func (r *recordingEvaluator) seen() []model.TableName {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.TableName(nil), r.tables...)
}

func TestRunOnceEvaluatesDistributedTables(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	r := newTestRegistry(t, dir)
	defer r.Close(ctx)

	distributed := model.NewTableName("geo", "points", 1)
	readOnly := model.NewTableName("geo", "points", 2)
	for _, name := range []model.TableName{distributed, readOnly, model.NewTableName("geo", "meta", model.NoRegion)} {
		_, err := r.CreateEngine(name)
		require.NoError(t, err)
	}
	e, _ := r.Engine(readOnly)
	e.SetState(model.EngineReadOnly)

	ev := &recordingEvaluator{}
	c := newTestCompaction(t, r, testCompactionConfig(), nil)
	c.SetRegionEvaluator(ev)
	require.NoError(t, c.RunOnce(ctx, dir))
	assert.Equal(t, []model.TableName{distributed}, ev.seen())
}

func TestCompactionLoopRunsPerDirectory(t *testing.T) {
	ctx := context.Background()
	d1, d2 := t.TempDir(), t.TempDir()
	r := newTestRegistry(t, d1, d2)
	defer r.Close(ctx)

	var engines []*Engine
	for i := int64(1); i <= 2; i++ {
		e, err := r.CreateEngine(model.NewTableName("geo", "points", i))
		require.NoError(t, err)
		for j := 0; j < 3; j++ {
			put(t, e, "k", fmt.Sprint(j), int64(j+1))
			require.NoError(t, e.FlushAndWait(ctx))
		}
		engines = append(engines, e)
	}

	c := newTestCompaction(t, r, testCompactionConfig(), nil)
	c.Start(ctx)
	assert.Eventually(t, func() bool {
		return engines[0].SegmentCount() == 1 && engines[1].SegmentCount() == 1
	}, 5*time.Second, 10*time.Millisecond)
	c.Stop()
	assert.GreaterOrEqual(t, c.Stats().JobsCompleted, uint64(2))
}

func TestSimpleMergeStrategy(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, t.TempDir())
	defer e.Close(ctx)

	// Sizes alternate small, small, small, large, small when read newest first.
	values := []string{"x", string(make([]byte, 4096)), "x", "x", "x"}
	for i, v := range values {
		put(t, e, "k", v, int64(i+1))
		require.NoError(t, e.FlushAndWait(ctx))
	}
	segs, release, err := e.Segments()
	require.NoError(t, err)
	defer release()
	require.Len(t, segs, 5)

	now := time.Now()
	tests := []struct {
		name   string
		cfg    CompactionConfig
		state  TableCompactionState
		want   model.MergeType
		inputs int
	}{
		{"major by count", CompactionConfig{MajorThreshold: 5}, TableCompactionState{LastMajor: now}, model.MergeTypeMajor, 5},
		{"major by age", CompactionConfig{MajorThreshold: 10, MajorInterval: time.Minute}, TableCompactionState{LastMajor: now.Add(-time.Hour)}, model.MergeTypeMajor, 5},
		{"minor longest run", CompactionConfig{MajorThreshold: 10, MinorThreshold: 2, SmallSegmentSize: 1024}, TableCompactionState{LastMajor: now}, model.MergeTypeMinor, 3},
		{"minor capped", CompactionConfig{MajorThreshold: 10, MinorThreshold: 2, MaxMinorInputs: 2, SmallSegmentSize: 1024}, TableCompactionState{LastMajor: now}, model.MergeTypeMinor, 2},
		{"run too short", CompactionConfig{MajorThreshold: 10, MinorThreshold: 4, SmallSegmentSize: 1024}, TableCompactionState{LastMajor: now}, model.MergeTypeNone, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := NewSimpleMergeStrategy(&tt.cfg).Plan(segs, tt.state, now)
			assert.Equal(t, tt.want, task.Type)
			assert.Len(t, task.Inputs, tt.inputs)
		})
	}

	// The capped run keeps the oldest members of the run.
	cfg := CompactionConfig{MajorThreshold: 10, MinorThreshold: 2, MaxMinorInputs: 2, SmallSegmentSize: 1024}
	task := NewSimpleMergeStrategy(&cfg).Plan(segs, TableCompactionState{LastMajor: now}, now)
	assert.Equal(t, []*sstable.Segment{segs[1], segs[2]}, task.Inputs)
}
