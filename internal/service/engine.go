package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devrev/bboxkv/internal/bbox"
	"github.com/devrev/bboxkv/internal/errors"
	"github.com/devrev/bboxkv/internal/metrics"
	"github.com/devrev/bboxkv/internal/model"
	"github.com/devrev/bboxkv/internal/storage/diskmanager"
	"github.com/devrev/bboxkv/internal/storage/memtable"
	"github.com/devrev/bboxkv/internal/storage/sstable"
	"github.com/devrev/bboxkv/internal/util/workerpool"
	"github.com/devrev/bboxkv/internal/validation"
)

// EngineConfig holds per-engine storage configuration
type EngineConfig struct {
	MemtableMaxSize    int64
	MemtableMaxEntries int
	MemtableMaxAge     time.Duration
	CommitLog          bool
	SyncWrites         bool
	BloomFilterFP      float64
	RecordCacheSize    int
}

// EngineDeps are the node-wide collaborators shared by all engines.
type EngineDeps struct {
	FlushPool   *workerpool.WorkerPool
	DiskManager *diskmanager.DiskManager
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

// pendingFlush is a frozen memtable waiting to become a segment.
type pendingFlush struct {
	mem    *memtable.Memtable
	log    *CommitLog
	err    error
	failed bool
}

// Engine is the LSM store of one table in one region: an active memtable,
// frozen memtables being flushed, and immutable segments ordered newest
// first by sequence.
type Engine struct {
	name      model.TableName
	dir       string
	root      string
	config    *EngineConfig
	deps      EngineDeps
	logger    *zap.Logger
	validator *validation.Validator

	state    atomic.Int32
	nextFile atomic.Uint64

	mu        sync.RWMutex
	active    *memtable.Memtable
	activeLog *CommitLog
	immutable []*pendingFlush    // newest first
	segments  []*sstable.Segment // newest first
	nextSeq   uint64
	pending   int           // scheduled flushes not yet finished
	idle      chan struct{} // closed while pending == 0
	closing   bool // Close is flushing; writes are rejected
	closed    bool
	destroyed chan struct{}
}

// trashDir holds destroyed table directories until their readers are gone.
// The leading dot keeps it out of the group namespace.
const trashDir = ".trash"

// OpenEngine opens or creates the engine stored in dir. root is the storage
// directory dir lives under, used for disk space checks. Leftover commit
// logs are flushed into segments before the engine accepts writes.
func OpenEngine(name model.TableName, root, dir string, cfg *EngineConfig, deps EngineDeps) (*Engine, error) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.SegmentFailed("failed to create table directory", err)
	}
	e := &Engine{
		name:      name,
		dir:       dir,
		root:      root,
		config:    cfg,
		deps:      deps,
		logger:    deps.Logger.With(zap.String("table", name.String())),
		validator: validation.NewValidator(),
		idle:      make(chan struct{}),
		destroyed: make(chan struct{}),
	}
	close(e.idle)

	numbers, orphans, err := sstable.ListSegments(dir)
	if err != nil {
		return nil, errors.SegmentFailed("failed to list segments", err)
	}
	for _, o := range orphans {
		e.logger.Warn("Removing incomplete segment file", zap.String("path", o))
		if err := os.Remove(o); err != nil && !os.IsNotExist(err) {
			return nil, errors.SegmentFailed("failed to remove incomplete segment", err)
		}
	}

	var maxSeq, maxFile uint64
	durable := make(map[uint64]bool, len(numbers))
	for _, n := range numbers {
		seg, err := sstable.OpenSegment(dir, n, cfg.RecordCacheSize, e.scheduler(), e.logger)
		if err != nil {
			e.closeSegments()
			return nil, errors.CorruptedData(fmt.Sprintf("failed to open segment %d of %s", n, name), err)
		}
		e.segments = append(e.segments, seg)
		durable[seg.Sequence()] = true
		maxSeq = max(maxSeq, seg.Sequence())
		maxFile = max(maxFile, n)
	}
	e.sortSegmentsLocked()
	e.nextFile.Store(maxFile)

	logs, err := ListCommitLogs(dir)
	if err != nil {
		e.closeSegments()
		return nil, errors.CommitLogFailed("failed to list commit logs", err)
	}
	for _, seq := range logs {
		maxSeq = max(maxSeq, seq)
		path := CommitLogPath(dir, seq)
		if durable[seq] {
			_ = os.Remove(path)
			continue
		}
		if err := e.replayLog(seq, path); err != nil {
			e.closeSegments()
			return nil, err
		}
	}

	e.nextSeq = maxSeq + 1
	if err := e.newActiveLocked(); err != nil {
		e.closeSegments()
		return nil, err
	}
	deps.Metrics.AddSegments(len(e.segments), e.segmentBytesLocked())

	e.logger.Info("Opened storage engine",
		zap.Int("segments", len(e.segments)),
		zap.Int("replayed_logs", len(logs)),
		zap.Uint64("next_sequence", e.nextSeq))
	return e, nil
}

// replayLog turns a leftover commit log into the segment it was meant to
// become.
func (e *Engine) replayLog(seq uint64, path string) error {
	mem := memtable.New(seq)
	count, err := ReplayCommitLog(path, e.logger, mem.Put)
	if err != nil {
		return errors.CommitLogFailed("failed to replay commit log", err)
	}
	if count > 0 {
		seg, err := e.writeSegment(mem)
		if err != nil {
			return err
		}
		e.segments = append(e.segments, seg)
		e.sortSegmentsLocked()
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.CommitLogFailed("failed to remove replayed commit log", err)
	}
	e.logger.Info("Replayed commit log", zap.Uint64("sequence", seq), zap.Int("records", count))
	return nil
}

// newActiveLocked installs a fresh memtable with the next sequence number.
func (e *Engine) newActiveLocked() error {
	seq := e.nextSeq
	e.nextSeq++
	var log *CommitLog
	if e.config.CommitLog {
		var err error
		if log, err = OpenCommitLog(e.dir, seq, e.config.SyncWrites); err != nil {
			return errors.CommitLogFailed("failed to open commit log", err)
		}
	}
	e.active = memtable.New(seq)
	e.activeLog = log
	return nil
}

func (e *Engine) scheduler() sstable.Scheduler {
	schedule := sstable.GoScheduler
	if e.deps.FlushPool != nil {
		schedule = e.deps.FlushPool.Scheduler()
	}
	m := e.deps.Metrics
	return func(task func()) {
		schedule(func() {
			task()
			m.RecordSegmentDeleted()
		})
	}
}

// Name returns the table name.
func (e *Engine) Name() model.TableName { return e.name }

// Dir returns the table directory.
func (e *Engine) Dir() string { return e.dir }

// State returns the write gate state.
func (e *Engine) State() model.EngineState {
	return model.EngineState(e.state.Load())
}

// SetState changes the write gate. Once SetState(EngineReadOnly) returns no
// put is in progress and none will be accepted.
func (e *Engine) SetState(s model.EngineState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if prev := model.EngineState(e.state.Swap(int32(s))); prev != s {
		e.logger.Info("Engine state changed",
			zap.Stringer("from", prev), zap.Stringer("to", s))
	}
}

// Put buffers rec. A zero InsertedAt is stamped with the current time.
func (e *Engine) Put(ctx context.Context, rec *model.Record) (err error) {
	start := time.Now()
	defer func() { e.deps.Metrics.RecordOperation("put", start, err) }()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.validator.ValidateRecord(rec, 0); err != nil {
		return err
	}
	if rec.InsertedAt == 0 {
		stamped := *rec
		stamped.InsertedAt = model.NowMicros()
		rec = &stamped
	}

	e.mu.RLock()
	if e.closed || e.closing {
		e.mu.RUnlock()
		return errors.Unavailable(fmt.Sprintf("engine %s is closed", e.name), nil)
	}
	if e.State() == model.EngineReadOnly {
		e.mu.RUnlock()
		e.deps.Metrics.RecordEngineBusy()
		return errors.EngineBusy(e.name.String())
	}
	if e.activeLog != nil {
		if err := e.activeLog.Append(rec); err != nil {
			e.mu.RUnlock()
			return errors.CommitLogFailed("failed to append to commit log", err)
		}
	}
	mem := e.active
	before := mem.Size()
	mem.Put(rec)
	after := mem.Size()
	e.mu.RUnlock()

	e.deps.Metrics.AddMemtableBytes(after - before)
	if e.shouldRotate(mem) {
		if err := e.flushMemtable(context.WithoutCancel(ctx), mem); err != nil {
			e.logger.Warn("Failed to schedule memtable flush", zap.Error(err))
		}
	}
	return nil
}

func (e *Engine) shouldRotate(mem *memtable.Memtable) bool {
	if e.config.MemtableMaxSize > 0 && mem.Size() >= e.config.MemtableMaxSize {
		return true
	}
	return e.config.MemtableMaxEntries > 0 && mem.Count() >= e.config.MemtableMaxEntries
}

// Get returns the newest live version of key, or a KeyNotFound error.
func (e *Engine) Get(ctx context.Context, key string) (rec *model.Record, err error) {
	start := time.Now()
	defer func() {
		if errors.HasCode(err, errors.ErrCodeKeyNotFound) {
			e.deps.Metrics.RecordOperation("get", start, nil)
			return
		}
		e.deps.Metrics.RecordOperation("get", start, err)
	}()

	v, err := e.acquireView()
	if err != nil {
		return nil, err
	}
	defer v.release()

	// Sources are visited newest sequence first, so a later source only wins
	// with a strictly greater timestamp.
	var best *model.Record
	for _, src := range v.sources {
		if best != nil && best.InsertedAt >= src.newest() {
			continue
		}
		var r *model.Record
		if src.mem != nil {
			r, _ = src.mem.Get(key)
		} else {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			meta := src.seg.Metadata()
			if !meta.MayContain(key) {
				continue
			}
			if r, err = src.seg.Reader().Get(key); err != nil {
				return nil, errors.CorruptedData(fmt.Sprintf("failed to read segment %d of %s", meta.FileNumber, e.name), err)
			}
		}
		if r != nil && (best == nil || r.Supersedes(best)) {
			best = r
		}
	}

	if best == nil || best.Deleted {
		return nil, errors.KeyNotFound(e.name.String(), key)
	}
	return best, nil
}

// Delete writes a tombstone for key stamped with the current time.
func (e *Engine) Delete(ctx context.Context, key string, region bbox.BoundingRegion) error {
	return e.Put(ctx, model.NewTombstone(key, region, 0))
}

// source is one memtable or segment of a view.
type source struct {
	seq uint64
	mem *memtable.Memtable
	seg *sstable.Segment
}

func (s source) newest() int64 {
	if s.mem != nil {
		return s.mem.NewestTimestamp()
	}
	return s.seg.Metadata().NewestTimestamp
}

// view is a consistent read snapshot of memtables and acquired segments,
// ordered by descending sequence.
type view struct {
	sources  []source
	segments []*sstable.Segment
}

func (v *view) release() {
	for _, s := range v.segments {
		s.Release()
	}
	v.segments = nil
}

func (e *Engine) acquireView() (*view, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, errors.Unavailable(fmt.Sprintf("engine %s is closed", e.name), nil)
	}
	v := &view{
		sources:  make([]source, 0, 1+len(e.immutable)+len(e.segments)),
		segments: make([]*sstable.Segment, 0, len(e.segments)),
	}
	v.sources = append(v.sources, source{seq: e.active.Sequence(), mem: e.active})
	for _, p := range e.immutable {
		v.sources = append(v.sources, source{seq: p.mem.Sequence(), mem: p.mem})
	}
	for _, s := range e.segments {
		// Segments in the live list are never obsolete, so Acquire succeeds.
		if s.Acquire() {
			v.segments = append(v.segments, s)
			v.sources = append(v.sources, source{seq: s.Sequence(), seg: s})
		}
	}
	// Memtables rank above segments of the same sequence.
	slices.SortStableFunc(v.sources, func(a, b source) int {
		switch {
		case a.seq > b.seq:
			return -1
		case a.seq < b.seq:
			return 1
		}
		return 0
	})
	return v, nil
}

// Flush freezes the active memtable and schedules its write as a segment.
// It does not wait for the write; see FlushAndWait.
func (e *Engine) Flush(ctx context.Context) error {
	e.mu.RLock()
	mem := e.active
	e.mu.RUnlock()
	return e.flushMemtable(ctx, mem)
}

// FlushAndWait flushes and waits for every pending flush to finish.
func (e *Engine) FlushAndWait(ctx context.Context) error {
	if err := e.Flush(ctx); err != nil {
		return err
	}
	return e.WaitForFlushes(ctx)
}

// WaitForFlushes blocks until no flush is pending. It returns the error of
// a flush that failed and is still waiting for a retry.
func (e *Engine) WaitForFlushes(ctx context.Context) error {
	for {
		e.mu.RLock()
		if e.pending == 0 {
			defer e.mu.RUnlock()
			for _, p := range e.immutable {
				if p.failed {
					return p.err
				}
			}
			return nil
		}
		idle := e.idle
		e.mu.RUnlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle:
		}
	}
}

func (e *Engine) addPendingLocked(n int) {
	if n == 0 {
		return
	}
	if e.pending == 0 {
		e.idle = make(chan struct{})
	}
	e.pending += n
}

func (e *Engine) donePendingLocked() {
	e.pending--
	if e.pending == 0 {
		close(e.idle)
	}
}

// FlushIfOlder flushes the active memtable when it is non-empty and older
// than maxAge.
func (e *Engine) FlushIfOlder(ctx context.Context, maxAge time.Duration) error {
	e.mu.RLock()
	mem := e.active
	e.mu.RUnlock()
	if mem.Count() == 0 || time.Since(mem.CreatedAt()) < maxAge {
		return nil
	}
	return e.flushMemtable(ctx, mem)
}

// flushMemtable rotates mem out if it is still the active memtable, and
// schedules it together with earlier failed flushes.
func (e *Engine) flushMemtable(ctx context.Context, mem *memtable.Memtable) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	var scheduled []*pendingFlush
	for _, p := range e.immutable {
		if p.failed {
			p.failed = false
			p.err = nil
			scheduled = append(scheduled, p)
		}
	}
	if e.active == mem && mem.Count() > 0 {
		p := &pendingFlush{mem: mem, log: e.activeLog}
		if err := e.newActiveLocked(); err != nil {
			e.mu.Unlock()
			return err
		}
		mem.Freeze()
		e.immutable = slices.Insert(e.immutable, 0, p)
		scheduled = append(scheduled, p)
	}
	e.addPendingLocked(len(scheduled))
	e.mu.Unlock()

	for _, p := range scheduled {
		e.scheduleFlush(ctx, p)
	}
	return nil
}

func (e *Engine) scheduleFlush(ctx context.Context, p *pendingFlush) {
	var started atomic.Bool
	run := func(context.Context) error {
		started.Store(true)
		return e.completeFlush(p)
	}
	if e.deps.FlushPool == nil {
		go run(ctx)
		return
	}
	id := fmt.Sprintf("flush-%s-%d", e.name, p.mem.Sequence())
	go func() {
		if err := <-e.deps.FlushPool.Go(ctx, id, run); err != nil && !started.Load() {
			e.failFlush(p, err)
		}
	}()
}

func (e *Engine) completeFlush(p *pendingFlush) error {
	start := time.Now()
	seg, err := e.writeSegment(p.mem)
	if err != nil {
		e.failFlush(p, err)
		return err
	}

	e.mu.Lock()
	e.immutable = slices.DeleteFunc(e.immutable, func(q *pendingFlush) bool { return q == p })
	if e.closed {
		// Destroyed while flushing.
		e.donePendingLocked()
		e.mu.Unlock()
		seg.MarkObsolete()
		return nil
	}
	e.segments = append(e.segments, seg)
	e.sortSegmentsLocked()
	e.donePendingLocked()
	e.mu.Unlock()

	if p.log != nil {
		if err := p.log.Remove(); err != nil {
			e.logger.Warn("Failed to remove flushed commit log", zap.Error(err))
		}
	}
	e.deps.Metrics.AddMemtableBytes(-p.mem.Size())
	e.deps.Metrics.AddSegments(1, seg.Size())
	e.deps.Metrics.RecordMemtableFlush(time.Since(start))
	e.logger.Debug("Flushed memtable",
		zap.Uint64("sequence", p.mem.Sequence()),
		zap.Int64("records", seg.Metadata().RecordCount),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// failFlush keeps the memtable readable and queues it for the next Flush.
func (e *Engine) failFlush(p *pendingFlush, err error) {
	e.mu.Lock()
	p.failed = true
	p.err = err
	e.donePendingLocked()
	e.mu.Unlock()
	e.logger.Error("Memtable flush failed",
		zap.Uint64("sequence", p.mem.Sequence()), zap.Error(err))
}

// writeSegment persists mem as a segment with mem's sequence number.
func (e *Engine) writeSegment(mem *memtable.Memtable) (*sstable.Segment, error) {
	if e.deps.DiskManager != nil {
		if err := e.deps.DiskManager.CheckBeforeWrite(e.root, uint64(mem.Size())); err != nil {
			return nil, err
		}
	}
	records := mem.Records()
	w, err := e.NewSegmentWriter(mem.Sequence(), len(records))
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		if err := w.Write(r); err != nil {
			w.Abort()
			return nil, errors.SegmentFailed("failed to write segment", err)
		}
	}
	if _, err := w.Finalize(); err != nil {
		w.Abort()
		return nil, errors.SegmentFailed("failed to finalize segment", err)
	}
	return e.OpenSegment(w.FileNumber())
}

// NewSegmentWriter starts a new segment file with the given sequence.
func (e *Engine) NewSegmentWriter(sequence uint64, expectedRecords int) (*sstable.Writer, error) {
	w, err := sstable.NewWriter(e.dir, e.nextFile.Add(1), sequence, sstable.WriterConfig{
		BloomFilterFP:   e.config.BloomFilterFP,
		ExpectedRecords: expectedRecords,
		Sync:            e.config.SyncWrites,
	})
	if err != nil {
		return nil, errors.SegmentFailed("failed to create segment", err)
	}
	return w, nil
}

// OpenSegment opens a finalized segment of this engine.
func (e *Engine) OpenSegment(fileNumber uint64) (*sstable.Segment, error) {
	seg, err := sstable.OpenSegment(e.dir, fileNumber, e.config.RecordCacheSize, e.scheduler(), e.logger)
	if err != nil {
		return nil, errors.SegmentFailed("failed to open segment", err)
	}
	return seg, nil
}

func (e *Engine) sortSegmentsLocked() {
	slices.SortFunc(e.segments, func(a, b *sstable.Segment) int {
		if a.Sequence() != b.Sequence() {
			if a.Sequence() > b.Sequence() {
				return -1
			}
			return 1
		}
		fa, fb := a.Metadata().FileNumber, b.Metadata().FileNumber
		switch {
		case fa > fb:
			return -1
		case fa < fb:
			return 1
		}
		return 0
	})
}

// Segments returns an acquired snapshot of the segment list, newest first.
// The caller must call release exactly once.
func (e *Engine) Segments() (segments []*sstable.Segment, release func(), err error) {
	v, err := e.acquireView()
	if err != nil {
		return nil, nil, err
	}
	return v.segments, v.release, nil
}

// holdsAllBelow reports whether inputs include every live segment with a
// sequence of at most seq and no frozen memtable is older than seq. Memtables
// frozen later always get greater sequences, so the answer stays true.
func (e *Engine) holdsAllBelow(inputs []*sstable.Segment, seq uint64) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, p := range e.immutable {
		if p.mem.Sequence() < seq {
			return false
		}
	}
	for _, s := range e.segments {
		if s.Sequence() <= seq && !slices.Contains(inputs, s) {
			return false
		}
	}
	return true
}

// ReplaceSegments atomically swaps inputs for outputs and marks the inputs
// obsolete. It fails with EngineBusy when the engine is read-only and with
// SegmentFailed when an input is no longer live.
func (e *Engine) ReplaceSegments(inputs, outputs []*sstable.Segment) error {
	e.mu.Lock()
	if e.State() == model.EngineReadOnly {
		e.mu.Unlock()
		return errors.EngineBusy(e.name.String())
	}
	if e.closed {
		e.mu.Unlock()
		return errors.Unavailable(fmt.Sprintf("engine %s is closed", e.name), nil)
	}
	for _, in := range inputs {
		if !slices.Contains(e.segments, in) {
			e.mu.Unlock()
			return errors.SegmentFailed(fmt.Sprintf("segment %d is no longer live", in.Metadata().FileNumber), nil)
		}
	}
	var removedBytes int64
	e.segments = slices.DeleteFunc(e.segments, func(s *sstable.Segment) bool {
		if slices.Contains(inputs, s) {
			removedBytes += s.Size()
			return true
		}
		return false
	})
	var addedBytes int64
	for _, out := range outputs {
		addedBytes += out.Size()
	}
	e.segments = append(e.segments, outputs...)
	e.sortSegmentsLocked()
	e.mu.Unlock()

	for _, in := range inputs {
		in.MarkObsolete()
	}
	e.deps.Metrics.AddSegments(len(outputs)-len(inputs), addedBytes-removedBytes)
	return nil
}

// Size returns the bytes held in segments.
func (e *Engine) Size() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.segmentBytesLocked()
}

func (e *Engine) segmentBytesLocked() int64 {
	var n int64
	for _, s := range e.segments {
		n += s.Size()
	}
	return n
}

// BufferedSize returns the estimated bytes held in memtables.
func (e *Engine) BufferedSize() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := e.active.Size()
	for _, p := range e.immutable {
		n += p.mem.Size()
	}
	return n
}

// SegmentCount returns the number of live segments.
func (e *Engine) SegmentCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.segments)
}

// NewestTimestamp returns the greatest InsertedAt that is durable in a
// segment. It is the checkpoint reported to the coordinator.
func (e *Engine) NewestTimestamp() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var newest int64
	for _, s := range e.segments {
		newest = max(newest, s.Metadata().NewestTimestamp)
	}
	return newest
}

// Close flushes buffered data and closes every segment. Data files stay on
// disk.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed || e.closing {
		e.mu.Unlock()
		return nil
	}
	e.closing = true
	e.mu.Unlock()

	flushErr := e.FlushAndWait(ctx)

	e.mu.Lock()
	e.closed = true
	logs := []*CommitLog{e.activeLog}
	for _, p := range e.immutable {
		logs = append(logs, p.log)
	}
	buffered := e.active.Size()
	for _, p := range e.immutable {
		buffered += p.mem.Size()
	}
	segments := e.segments
	e.mu.Unlock()

	for _, l := range logs {
		if l == nil {
			continue
		}
		if err := l.Close(); err != nil {
			e.logger.Warn("Failed to close commit log", zap.Error(err))
		}
	}
	e.deps.Metrics.AddMemtableBytes(-buffered)
	var bytes int64
	for _, s := range segments {
		bytes += s.Size()
		if err := s.Close(); err != nil {
			e.logger.Warn("Failed to close segment", zap.Error(err))
		}
	}
	e.deps.Metrics.AddSegments(-len(segments), -bytes)
	return flushErr
}

// Destroy closes the engine without flushing and removes its files. The
// table directory is moved aside at once so the table can be created again.
// Segment files still held by readers are removed when released, and the
// moved directory after the last of them; Destroyed is closed then.
func (e *Engine) Destroy() error {
	e.mu.Lock()
	wasClosed := e.closed
	e.closed = true
	segments := e.segments
	e.segments = nil
	logs := []*CommitLog{e.activeLog}
	for _, p := range e.immutable {
		logs = append(logs, p.log)
	}
	e.mu.Unlock()

	// Flushes already running may still finish into the directory; wait so
	// that the move below takes their output along.
	_ = e.WaitForFlushes(context.Background())
	for _, l := range logs {
		if l != nil {
			_ = l.Close()
		}
	}

	trash, err := e.moveAside()
	if err != nil {
		return errors.SegmentFailed(fmt.Sprintf("failed to remove %s", e.dir), err)
	}
	if wasClosed {
		// Close already released the segments.
		segments = nil
	}
	var bytes int64
	for _, s := range segments {
		bytes += s.Size()
		s.Relocate(trash)
		s.MarkObsolete()
	}
	e.deps.Metrics.AddSegments(-len(segments), -bytes)

	go func() {
		defer close(e.destroyed)
		for _, s := range segments {
			<-s.Deleted()
		}
		if err := os.RemoveAll(trash); err != nil {
			e.logger.Error("Failed to remove destroyed table directory", zap.String("dir", trash), zap.Error(err))
			return
		}
		e.logger.Info("Destroyed storage engine")
	}()
	return nil
}

// Destroyed is closed once Destroy has removed every file of the engine.
func (e *Engine) Destroyed() <-chan struct{} {
	return e.destroyed
}

// moveAside renames the table directory into the trash directory of its
// storage root and returns the new location.
func (e *Engine) moveAside() (string, error) {
	root := filepath.Join(filepath.Dir(e.dir), trashDir)
	if rel, err := filepath.Rel(e.root, e.dir); err == nil && rel != "." && !strings.HasPrefix(rel, "..") {
		root = filepath.Join(e.root, trashDir)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", err
	}
	trash := filepath.Join(root, e.name.String()+"-"+uuid.NewString())
	if err := os.Rename(e.dir, trash); err != nil && !os.IsNotExist(err) {
		return "", err
	}
	return trash, nil
}

func (e *Engine) closeSegments() {
	for _, s := range e.segments {
		_ = s.Close()
	}
}
