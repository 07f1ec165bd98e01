package service

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/bboxkv/internal/errors"
	"github.com/devrev/bboxkv/internal/metrics"
	"github.com/devrev/bboxkv/internal/model"
	"github.com/devrev/bboxkv/internal/storage/sstable"
)

const recentJobsKept = 32

// CompactionConfig holds compaction configuration
type CompactionConfig struct {
	Interval         time.Duration
	MajorThreshold   int
	MajorInterval    time.Duration
	MinorThreshold   int
	MaxMinorInputs   int
	SmallSegmentSize int64
	MaxSegmentSize   int64
	TombstoneGrace   time.Duration
}

// RegionEvaluator is told about every distributed table the scheduler
// visited, so it can decide whether the region must split or merge.
type RegionEvaluator interface {
	EvaluateRegion(ctx context.Context, table model.TableName) error
}

// CompactionStats are cumulative counters of the scheduler.
type CompactionStats struct {
	JobsCompleted      uint64
	JobsDiscarded      uint64
	JobsFailed         uint64
	BytesProcessed     uint64
	BytesWritten       uint64
	TombstonesDropped  uint64
	DuplicatesResolved uint64
	RecentJobs         []model.CompactionJob
}

// CompactionService runs one merge loop per storage directory.
type CompactionService struct {
	config   *CompactionConfig
	registry *StorageRegistry
	strategy MergeStrategy
	metrics  *metrics.Metrics
	logger   *zap.Logger

	evaluator atomic.Pointer[RegionEvaluator]

	mu     sync.Mutex
	tables map[model.TableName]*TableCompactionState
	recent []model.CompactionJob

	jobsCompleted      atomic.Uint64
	jobsDiscarded      atomic.Uint64
	jobsFailed         atomic.Uint64
	bytesProcessed     atomic.Uint64
	bytesWritten       atomic.Uint64
	tombstonesDropped  atomic.Uint64
	duplicatesResolved atomic.Uint64

	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewCompactionService creates a new compaction service. A nil strategy
// selects SimpleMergeStrategy.
func NewCompactionService(cfg *CompactionConfig, registry *StorageRegistry, strategy MergeStrategy, m *metrics.Metrics, logger *zap.Logger) *CompactionService {
	if strategy == nil {
		strategy = NewSimpleMergeStrategy(cfg)
	}
	return &CompactionService{
		config:   cfg,
		registry: registry,
		strategy: strategy,
		metrics:  m,
		logger:   logger,
		tables:   make(map[model.TableName]*TableCompactionState),
	}
}

// SetRegionEvaluator installs the resize hook. It may be called while the
// loops run.
func (s *CompactionService) SetRegionEvaluator(ev RegionEvaluator) {
	s.evaluator.Store(&ev)
}

// Start launches the per-directory loops.
func (s *CompactionService) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.group, ctx = errgroup.WithContext(ctx)
	for _, dir := range s.registry.Directories() {
		s.group.Go(func() error {
			s.loop(ctx, dir)
			return nil
		})
	}
	s.logger.Info("Compaction scheduler started",
		zap.Int("directories", len(s.registry.Directories())),
		zap.Duration("interval", s.strategy.Delay()))
}

func (s *CompactionService) loop(ctx context.Context, dir string) {
	timer := time.NewTimer(s.strategy.Delay())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if err := s.RunOnce(ctx, dir); err != nil && ctx.Err() == nil {
			s.logger.Warn("Compaction iteration failed", zap.String("dir", dir), zap.Error(err))
		}
		timer.Reset(s.strategy.Delay())
	}
}

// Stop cancels the loops and waits for them. A running merge finishes its
// cleanup before its loop exits.
func (s *CompactionService) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	_ = s.group.Wait()
	s.logger.Info("Compaction scheduler stopped")
}

// RunOnce visits every table under dir once. Per-table failures are logged
// and do not stop the iteration; only cancellation is returned.
func (s *CompactionService) RunOnce(ctx context.Context, dir string) error {
	for _, e := range s.registry.EnginesForLocation(dir) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := s.CompactTable(ctx, e); err != nil {
			s.logger.Error("Compaction failed",
				zap.Stringer("table", e.Name()), zap.Error(err))
		}
		s.evaluate(ctx, e)
	}
	return ctx.Err()
}

func (s *CompactionService) evaluate(ctx context.Context, e *Engine) {
	ev := s.evaluator.Load()
	if ev == nil || *ev == nil || !e.Name().IsDistributed() || e.State() == model.EngineReadOnly {
		return
	}
	if err := (*ev).EvaluateRegion(ctx, e.Name()); err != nil {
		s.logger.Warn("Region resize evaluation failed",
			zap.Stringer("table", e.Name()), zap.Error(err))
	}
}

func (s *CompactionService) tableState(name model.TableName, now time.Time) *TableCompactionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tables[name]
	if !ok {
		st = &TableCompactionState{LastMajor: now}
		s.tables[name] = st
	}
	return st
}

// CompactTable plans and runs at most one merge on e. It returns nil, nil
// when there was nothing to do.
func (s *CompactionService) CompactTable(ctx context.Context, e *Engine) (*model.CompactionJob, error) {
	if e.State() == model.EngineReadOnly {
		return nil, nil
	}
	segments, release, err := e.Segments()
	if err != nil {
		return nil, err
	}
	defer release()

	now := time.Now()
	state := s.tableState(e.Name(), now)
	s.mu.Lock()
	snapshot := *state
	s.mu.Unlock()

	task := s.strategy.Plan(segments, snapshot, now)
	if task.Type == model.MergeTypeNone || len(task.Inputs) == 0 {
		return nil, nil
	}

	job := &model.CompactionJob{
		JobID:     uuid.NewString(),
		Table:     e.Name(),
		Type:      task.Type,
		StartedAt: now,
		Status:    model.CompactionStatusRunning,
	}
	var processed int64
	for _, in := range task.Inputs {
		job.Inputs = append(job.Inputs, in.Metadata().FileNumber)
		processed += in.Size()
	}
	s.logger.Debug("Starting compaction",
		zap.String("job_id", job.JobID),
		zap.Stringer("table", e.Name()),
		zap.String("type", string(task.Type)),
		zap.Int("inputs", len(task.Inputs)))

	outputs, err := s.merge(ctx, e, task)
	if err != nil {
		s.finish(job, model.CompactionStatusFailed, err, processed, 0)
		return job, err
	}
	var written int64
	for _, out := range outputs {
		job.Outputs = append(job.Outputs, out.Metadata().FileNumber)
		written += out.Size()
	}

	if err := e.ReplaceSegments(task.Inputs, outputs); err != nil {
		discard(outputs)
		if errors.HasCode(err, errors.ErrCodeEngineBusy) {
			// A resize started while merging; its redistribution reads the
			// original segments.
			s.finish(job, model.CompactionStatusDiscarded, nil, processed, 0)
			return job, nil
		}
		s.finish(job, model.CompactionStatusFailed, err, processed, 0)
		return job, err
	}

	if task.Type == model.MergeTypeMajor {
		s.mu.Lock()
		state.LastMajor = now
		s.mu.Unlock()
	}
	s.finish(job, model.CompactionStatusCompleted, nil, processed, written)
	return job, nil
}

func discard(outputs []*sstable.Segment) {
	for _, out := range outputs {
		out.MarkObsolete()
	}
}

func (s *CompactionService) finish(job *model.CompactionJob, status model.CompactionStatus, err error, processed, written int64) {
	job.Status = status
	job.FinishedAt = time.Now()
	if err != nil {
		job.Err = err.Error()
	}
	duration := job.FinishedAt.Sub(job.StartedAt)

	switch status {
	case model.CompactionStatusCompleted:
		s.jobsCompleted.Add(1)
		s.bytesProcessed.Add(uint64(processed))
		s.bytesWritten.Add(uint64(written))
	case model.CompactionStatusDiscarded:
		s.jobsDiscarded.Add(1)
	case model.CompactionStatusFailed:
		s.jobsFailed.Add(1)
	}
	s.metrics.RecordCompactionJob(string(job.Type), string(status), duration, processed, written)

	s.mu.Lock()
	s.recent = append(s.recent, *job)
	if len(s.recent) > recentJobsKept {
		s.recent = s.recent[len(s.recent)-recentJobsKept:]
	}
	s.mu.Unlock()

	s.logger.Info("Compaction finished",
		zap.String("job_id", job.JobID),
		zap.Stringer("table", job.Table),
		zap.String("type", string(job.Type)),
		zap.String("status", string(status)),
		zap.Int("inputs", len(job.Inputs)),
		zap.Int("outputs", len(job.Outputs)),
		zap.Int64("bytes_processed", processed),
		zap.Int64("bytes_written", written),
		zap.Duration("duration", duration))
}

// merge writes the deduplicated union of task.Inputs as new segments
// carrying the greatest input sequence. On error every output written so
// far is deleted.
func (s *CompactionService) merge(ctx context.Context, e *Engine, task MergeTask) (_ []*sstable.Segment, err error) {
	var (
		outSeq   uint64
		expected int64
		inBytes  int64
	)
	for _, in := range task.Inputs {
		meta := in.Metadata()
		outSeq = max(outSeq, meta.Sequence)
		expected += meta.RecordCount
		inBytes += meta.Size
	}
	if e.deps.DiskManager != nil {
		if err := e.deps.DiskManager.CheckBeforeWrite(e.root, uint64(inBytes)); err != nil {
			return nil, err
		}
	}

	major := task.Type == model.MergeTypeMajor
	// Tombstones may only go when no version outside the inputs can be
	// older than them, such as a frozen memtable whose flush failed.
	purge := major && e.holdsAllBelow(task.Inputs, outSeq)
	graceCutoff := model.NowMicros() - s.config.TombstoneGrace.Microseconds()

	var (
		w       *sstable.Writer
		outputs []*sstable.Segment
	)
	defer func() {
		if err == nil {
			return
		}
		if w != nil {
			_ = w.Abort()
		}
		discard(outputs)
	}()
	seal := func() error {
		if _, err := w.Finalize(); err != nil {
			return errors.SegmentFailed("failed to finalize compaction output", err)
		}
		seg, err := e.OpenSegment(w.FileNumber())
		w = nil
		if err != nil {
			return err
		}
		outputs = append(outputs, seg)
		return nil
	}

	iters := make([]*sstable.Iterator, len(task.Inputs))
	var h mergeHeap
	advance := func(i int) error {
		if iters[i].Next() {
			heap.Push(&h, mergeItem{rec: iters[i].Record(), seq: task.Inputs[i].Sequence(), src: i})
			return nil
		}
		if err := iters[i].Err(); err != nil {
			return errors.CorruptedData(fmt.Sprintf("failed to read segment %d of %s",
				task.Inputs[i].Metadata().FileNumber, e.Name()), err)
		}
		return nil
	}
	for i, in := range task.Inputs {
		iters[i] = in.Reader().Iterator()
		if err := advance(i); err != nil {
			return nil, err
		}
	}

	var tombstones, duplicates uint64
	for h.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		top := heap.Pop(&h).(mergeItem)
		winner := top.rec
		if err := advance(top.src); err != nil {
			return nil, err
		}
		for h.Len() > 0 && h[0].rec.Key == winner.Key {
			dup := heap.Pop(&h).(mergeItem)
			duplicates++
			if err := advance(dup.src); err != nil {
				return nil, err
			}
		}

		if purge && winner.Deleted && winner.InsertedAt < graceCutoff {
			tombstones++
			continue
		}
		if w == nil {
			if w, err = e.NewSegmentWriter(outSeq, int(expected)); err != nil {
				return nil, err
			}
		}
		if err := w.Write(winner); err != nil {
			return nil, errors.SegmentFailed("failed to write compaction output", err)
		}
		if s.config.MaxSegmentSize > 0 && w.Size() >= s.config.MaxSegmentSize {
			if err := seal(); err != nil {
				return nil, err
			}
		}
	}
	if w != nil {
		if err := seal(); err != nil {
			return nil, err
		}
	}

	s.tombstonesDropped.Add(tombstones)
	s.duplicatesResolved.Add(duplicates)
	return outputs, nil
}

// Stats returns a snapshot of the cumulative counters.
func (s *CompactionService) Stats() CompactionStats {
	s.mu.Lock()
	recent := append([]model.CompactionJob(nil), s.recent...)
	s.mu.Unlock()
	return CompactionStats{
		JobsCompleted:      s.jobsCompleted.Load(),
		JobsDiscarded:      s.jobsDiscarded.Load(),
		JobsFailed:         s.jobsFailed.Load(),
		BytesProcessed:     s.bytesProcessed.Load(),
		BytesWritten:       s.bytesWritten.Load(),
		TombstonesDropped:  s.tombstonesDropped.Load(),
		DuplicatesResolved: s.duplicatesResolved.Load(),
		RecentJobs:         recent,
	}
}
