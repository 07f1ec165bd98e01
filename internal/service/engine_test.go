package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/bboxkv/internal/bbox"
	"github.com/devrev/bboxkv/internal/errors"
	"github.com/devrev/bboxkv/internal/metrics"
	"github.com/devrev/bboxkv/internal/model"
	"github.com/devrev/bboxkv/internal/storage/sstable"
	"github.com/devrev/bboxkv/internal/util/workerpool"
)

var testRegion = bbox.MustNew(1, 2, 1, 2)

func testEngineConfig() *EngineConfig {
	return &EngineConfig{
		CommitLog:       true,
		BloomFilterFP:   0.01,
		RecordCacheSize: 16,
	}
}

func testDeps(t *testing.T) EngineDeps {
	t.Helper()
	pool := workerpool.NewWorkerPool(&workerpool.Config{Name: "flush", MaxWorkers: 2, QueueSize: 16})
	t.Cleanup(func() { _ = pool.Stop(5 * time.Second) })
	return EngineDeps{
		FlushPool: pool,
		Metrics:   metrics.NewMetrics("test", prometheus.NewRegistry()),
		Logger:    zap.NewNop(),
	}
}

func openTestEngine(t *testing.T, dir string) *Engine {
	t.Helper()
	e, err := OpenEngine(model.NewTableName("geo", "points", 1), dir, dir, testEngineConfig(), testDeps(t))
	require.NoError(t, err)
	return e
}

func put(t *testing.T, e *Engine, key, value string, at int64) {
	t.Helper()
	require.NoError(t, e.Put(context.Background(), &model.Record{
		Key: key, Region: testRegion, Value: []byte(value), InsertedAt: at,
	}))
}

func scanKeys(t *testing.T, e *Engine, pred Predicate, opts ScanOptions) map[string]string {
	t.Helper()
	c, err := e.Scan(context.Background(), pred, opts)
	require.NoError(t, err)
	records, err := Collect(c)
	require.NoError(t, err)
	out := make(map[string]string, len(records))
	for _, r := range records {
		if r.Deleted {
			out[r.Key] = "<deleted>"
			continue
		}
		out[r.Key] = string(r.Value)
	}
	return out
}

func TestEngineReadAfterWrite(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, t.TempDir())
	defer e.Close(ctx)

	put(t, e, "a", "1", 0)
	rec, err := e.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "1", string(rec.Value))
	assert.NotZero(t, rec.InsertedAt, "zero timestamp must be stamped on put")

	_, err = e.Get(ctx, "missing")
	assert.Equal(t, errors.ErrCodeKeyNotFound, errors.GetCode(err))
}

func TestEngineNewestTimestampWins(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, t.TempDir())
	defer e.Close(ctx)

	put(t, e, "k", "new", 200)
	require.NoError(t, e.FlushAndWait(ctx))
	// An older version written later must not shadow the flushed one.
	put(t, e, "k", "old", 100)

	rec, err := e.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "new", string(rec.Value))
	assert.Equal(t, map[string]string{"k": "new"}, scanKeys(t, e, MatchAll(), ScanOptions{}))

	// Equal timestamps go to the newer source.
	put(t, e, "k", "tie", 200)
	rec, err = e.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "tie", string(rec.Value))
}

func TestEngineDeleteWritesTombstone(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, t.TempDir())
	defer e.Close(ctx)

	put(t, e, "a", "1", 10)
	put(t, e, "b", "2", 10)
	require.NoError(t, e.FlushAndWait(ctx))
	require.NoError(t, e.Delete(ctx, "a", testRegion))

	_, err := e.Get(ctx, "a")
	assert.Equal(t, errors.ErrCodeKeyNotFound, errors.GetCode(err))
	assert.Equal(t, map[string]string{"b": "2"}, scanKeys(t, e, MatchAll(), ScanOptions{}))
	assert.Equal(t, map[string]string{"a": "<deleted>", "b": "2"},
		scanKeys(t, e, MatchAll(), ScanOptions{IncludeDeleted: true}))
}

func TestEngineReadOnlyRejectsWrites(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, t.TempDir())
	defer e.Close(ctx)

	put(t, e, "a", "1", 10)
	e.SetState(model.EngineReadOnly)
	assert.Equal(t, model.EngineReadOnly, e.State())

	err := e.Put(ctx, &model.Record{Key: "b", Region: testRegion})
	assert.Equal(t, errors.ErrCodeEngineBusy, errors.GetCode(err))
	assert.True(t, errors.IsRetryable(err))

	// Reads keep working.
	_, err = e.Get(ctx, "a")
	require.NoError(t, err)

	segs, release, err := e.Segments()
	require.NoError(t, err)
	defer release()
	err = e.ReplaceSegments(segs, nil)
	assert.Equal(t, errors.ErrCodeEngineBusy, errors.GetCode(err))

	e.SetState(model.EngineReadWrite)
	put(t, e, "b", "2", 20)
}

func TestEngineScanMergesSources(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, t.TempDir())
	defer e.Close(ctx)

	for i := 0; i < 3; i++ {
		for j := 0; j <= i; j++ {
			put(t, e, fmt.Sprintf("k%d", j), fmt.Sprintf("v%d", i), int64(100+i))
		}
		require.NoError(t, e.FlushAndWait(ctx))
	}
	put(t, e, "k3", "mem", 50)

	assert.Equal(t, 3, e.SegmentCount())
	assert.Equal(t, map[string]string{"k0": "v2", "k1": "v2", "k2": "v2", "k3": "mem"},
		scanKeys(t, e, MatchAll(), ScanOptions{}))

	c, err := e.Scan(ctx, MatchAll(), ScanOptions{Limit: 2})
	require.NoError(t, err)
	limited, err := Collect(c)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "k0", limited[0].Key)
	assert.Equal(t, "k1", limited[1].Key)
}

func TestEngineScanPredicates(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, t.TempDir())
	defer e.Close(ctx)

	require.NoError(t, e.Put(ctx, &model.Record{Key: "near", Region: bbox.MustNew(0, 1, 0, 1), Value: []byte("n"), InsertedAt: 10}))
	require.NoError(t, e.FlushAndWait(ctx))
	require.NoError(t, e.Put(ctx, &model.Record{Key: "far", Region: bbox.MustNew(8, 9, 8, 9), Value: []byte("f"), InsertedAt: 20}))

	tests := []struct {
		name string
		pred Predicate
		want map[string]string
	}{
		{"overlaps", OverlapsRegion(bbox.MustNew(0, 2, 0, 2)), map[string]string{"near": "n"}},
		{"key", KeyEquals("far"), map[string]string{"far": "f"}},
		{"since", InsertedSince(15), map[string]string{"far": "f"}},
		{"and", And(InsertedSince(5), OverlapsRegion(bbox.MustNew(7, 10, 7, 10))), map[string]string{"far": "f"}},
		{"none", KeyEquals("zzz"), map[string]string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, scanKeys(t, e, tt.pred, ScanOptions{}))
		})
	}
}

func TestEngineInsertedSinceSeesOverwrite(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, t.TempDir())
	defer e.Close(ctx)

	put(t, e, "k", "old", 10)
	require.NoError(t, e.FlushAndWait(ctx))
	put(t, e, "k", "new", 30)

	assert.Equal(t, map[string]string{"k": "new"}, scanKeys(t, e, InsertedSince(20), ScanOptions{}))
	assert.Empty(t, scanKeys(t, e, InsertedSince(40), ScanOptions{}))
}

func TestEngineCursorRestart(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, t.TempDir())
	defer e.Close(ctx)

	put(t, e, "a", "1", 10)
	put(t, e, "b", "2", 10)

	c, err := e.Scan(ctx, MatchAll(), ScanOptions{})
	require.NoError(t, err)
	defer c.Close()
	require.True(t, c.Next())
	assert.Equal(t, "a", c.Record().Key)

	// Writes after the scan started are not visible to the cursor.
	put(t, e, "c", "3", 10)
	require.NoError(t, e.FlushAndWait(ctx))

	c.Restart()
	var keys []string
	for c.Next() {
		keys = append(keys, c.Record().Key)
	}
	require.NoError(t, c.Err())
	assert.Equal(t, []string{"a", "b"}, keys)
}

func TestEngineReopenKeepsFlushedData(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	e := openTestEngine(t, dir)
	put(t, e, "a", "1", 10)
	require.NoError(t, e.FlushAndWait(ctx))
	put(t, e, "b", "2", 20)
	require.NoError(t, e.Close(ctx))

	e = openTestEngine(t, dir)
	defer e.Close(ctx)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, scanKeys(t, e, MatchAll(), ScanOptions{}))
	assert.Equal(t, int64(20), e.NewestTimestamp())
}

func TestEngineReplaysCommitLogAfterCrash(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	e := openTestEngine(t, dir)
	put(t, e, "a", "1", 10)
	require.NoError(t, e.FlushAndWait(ctx))
	put(t, e, "b", "2", 20)
	put(t, e, "a", "3", 30)

	// Simulate a crash: the commit log is left behind unflushed.
	require.NoError(t, e.activeLog.Close())
	e.closeSegments()

	logs, err := ListCommitLogs(dir)
	require.NoError(t, err)
	require.Len(t, logs, 1)

	e = openTestEngine(t, dir)
	defer e.Close(ctx)
	assert.Equal(t, map[string]string{"a": "3", "b": "2"}, scanKeys(t, e, MatchAll(), ScanOptions{}))
	assert.Equal(t, 2, e.SegmentCount())

	logs, err = ListCommitLogs(dir)
	require.NoError(t, err)
	assert.Len(t, logs, 1, "only the new active commit log remains")
}

func TestEngineReplaceSegments(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, t.TempDir())
	defer e.Close(ctx)

	put(t, e, "a", "1", 10)
	require.NoError(t, e.FlushAndWait(ctx))
	put(t, e, "a", "2", 20)
	require.NoError(t, e.FlushAndWait(ctx))

	segs, release, err := e.Segments()
	require.NoError(t, err)
	require.Len(t, segs, 2)

	w, err := e.NewSegmentWriter(segs[0].Sequence(), 1)
	require.NoError(t, err)
	require.NoError(t, w.Write(&model.Record{Key: "a", Region: testRegion, Value: []byte("2"), InsertedAt: 20}))
	_, err = w.Finalize()
	require.NoError(t, err)
	out, err := e.OpenSegment(w.FileNumber())
	require.NoError(t, err)

	require.NoError(t, e.ReplaceSegments(segs, []*sstable.Segment{out}))
	for _, s := range segs {
		assert.True(t, s.IsObsolete())
	}
	// Replacing segments that are no longer live fails.
	assert.Error(t, e.ReplaceSegments(segs, nil))

	release()
	for _, s := range segs {
		select {
		case <-s.Deleted():
		case <-time.After(5 * time.Second):
			t.Fatal("obsolete segment was not deleted after release")
		}
	}
	assert.Equal(t, 1, e.SegmentCount())
	rec, err := e.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "2", string(rec.Value))
}

func TestEngineRotatesOnEntryLimit(t *testing.T) {
	ctx := context.Background()
	cfg := testEngineConfig()
	cfg.MemtableMaxEntries = 2
	e, err := OpenEngine(model.NewTableName("geo", "points", 1), t.TempDir(), t.TempDir(), cfg, testDeps(t))
	require.NoError(t, err)
	defer e.Close(ctx)

	for i := 0; i < 4; i++ {
		put(t, e, fmt.Sprintf("k%d", i), "v", int64(i+1))
	}
	require.NoError(t, e.WaitForFlushes(ctx))
	assert.Equal(t, 2, e.SegmentCount())
	assert.Zero(t, e.BufferedSize())
	assert.Positive(t, e.Size())
}

func TestEngineClosedRejectsOperations(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, t.TempDir())
	require.NoError(t, e.Close(ctx))

	err := e.Put(ctx, &model.Record{Key: "a", Region: testRegion})
	assert.Equal(t, errors.ErrCodeUnavailable, errors.GetCode(err))
	_, err = e.Scan(ctx, MatchAll(), ScanOptions{})
	assert.Error(t, err)
}

func TestEngineConcurrentWritesDuringFlushAndCompaction(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, t.TempDir())
	defer r.Close(ctx)
	e, err := r.CreateEngine(model.NewTableName("geo", "points", 1))
	require.NoError(t, err)
	c := newTestCompaction(t, r, testCompactionConfig(), nil)

	stop := make(chan struct{})
	var background sync.WaitGroup
	background.Add(2)
	go func() {
		defer background.Done()
		for {
			select {
			case <-stop:
				return
			case <-time.After(2 * time.Millisecond):
			}
			_ = e.Flush(ctx)
		}
	}()
	go func() {
		defer background.Done()
		for {
			select {
			case <-stop:
				return
			case <-time.After(time.Millisecond):
			}
			_, _ = c.CompactTable(ctx, e)
		}
	}()

	const writers, perWriter = 8, 200
	errs := make(chan error, writers)
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				key := fmt.Sprintf("w%d-%03d", w, i)
				value := fmt.Sprint(i)
				if err := e.Put(ctx, &model.Record{Key: key, Region: testRegion, Value: []byte(value)}); err != nil {
					errs <- err
					return
				}
				rec, err := e.Get(ctx, key)
				if err != nil {
					errs <- fmt.Errorf("get %s: %w", key, err)
					return
				}
				if string(rec.Value) != value {
					errs <- fmt.Errorf("get %s returned %q", key, rec.Value)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(stop)
	background.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.NoError(t, e.FlushAndWait(ctx))
	assert.Len(t, scanKeys(t, e, MatchAll(), ScanOptions{}), writers*perWriter)
}

func TestEngineCloseKeepsAcceptedWrites(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := testEngineConfig()
	cfg.CommitLog = false
	name := model.NewTableName("geo", "points", 1)
	e, err := OpenEngine(name, dir, dir, cfg, testDeps(t))
	require.NoError(t, err)

	var (
		mu       sync.Mutex
		accepted []string
		wg       sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 5000; i++ {
				key := fmt.Sprintf("w%d-%04d", w, i)
				err := e.Put(ctx, &model.Record{Key: key, Region: testRegion, Value: []byte("v"), InsertedAt: int64(i + 1)})
				if err != nil {
					assert.Equal(t, errors.ErrCodeUnavailable, errors.GetCode(err))
					return
				}
				mu.Lock()
				accepted = append(accepted, key)
				mu.Unlock()
			}
		}(w)
	}
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, e.Close(ctx))
	wg.Wait()

	reopened, err := OpenEngine(name, dir, dir, cfg, testDeps(t))
	require.NoError(t, err)
	defer reopened.Close(ctx)
	keys := scanKeys(t, reopened, MatchAll(), ScanOptions{})
	require.NotEmpty(t, accepted)
	for _, key := range accepted {
		assert.Contains(t, keys, key)
	}
}
