package sstable

import (
	"sync"

	"go.uber.org/zap"

	"github.com/devrev/bboxkv/internal/model"
)

// Scheduler runs deferred work such as segment deletion.
type Scheduler func(task func())

// GoScheduler runs every task on its own goroutine.
func GoScheduler(task func()) { go task() }

// Segment is a reference counted, immutable segment. Its files are removed
// once it has been marked obsolete and the last reader has released it.
type Segment struct {
	reader    *Reader
	scheduler Scheduler
	logger    *zap.Logger

	mu       sync.Mutex
	usage    int
	obsolete bool
	deleting bool
	closing  bool // Close ran while readers held references
	deleted  chan struct{}
}

// NewSegment wraps an open reader. Deletion work is handed to scheduler.
func NewSegment(reader *Reader, scheduler Scheduler, logger *zap.Logger) *Segment {
	if scheduler == nil {
		scheduler = GoScheduler
	}
	return &Segment{
		reader:    reader,
		scheduler: scheduler,
		logger:    logger,
		deleted:   make(chan struct{}),
	}
}

// OpenSegment opens segment fileNumber in dir.
func OpenSegment(dir string, fileNumber uint64, cacheSize int, scheduler Scheduler, logger *zap.Logger) (*Segment, error) {
	r, err := OpenReader(dir, fileNumber, cacheSize)
	if err != nil {
		return nil, err
	}
	return NewSegment(r, scheduler, logger), nil
}

// Reader returns the underlying reader. Callers must hold a reference.
func (s *Segment) Reader() *Reader { return s.reader }

// Metadata returns the segment metadata.
func (s *Segment) Metadata() model.SegmentMetadata { return s.reader.meta }

// Sequence returns the ordering sequence number.
func (s *Segment) Sequence() uint64 { return s.reader.meta.Sequence }

// Size returns the data size in bytes.
func (s *Segment) Size() int64 { return s.reader.meta.Size }

// Acquire takes a reference. It fails once deletion has started.
func (s *Segment) Acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleting {
		return false
	}
	s.usage++
	return true
}

// Release drops a reference taken by Acquire.
func (s *Segment) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.usage == 0 {
		s.logger.Error("Segment released more often than acquired",
			zap.Uint64("file_number", s.reader.meta.FileNumber))
		return
	}
	s.usage--
	if s.closing && s.usage == 0 {
		s.closing = false
		if err := s.reader.Close(); err != nil {
			s.logger.Warn("Failed to close segment",
				zap.Uint64("file_number", s.reader.meta.FileNumber), zap.Error(err))
		}
		return
	}
	s.maybeDeleteLocked()
}

// MarkObsolete flags the segment for deletion once unused.
func (s *Segment) MarkObsolete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.obsolete = true
	s.maybeDeleteLocked()
}

// Relocate points deletion at dir after the segment's directory was moved.
// Open files and mappings are unaffected by the move.
func (s *Segment) Relocate(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reader.paths = PathsFor(dir, s.reader.meta.FileNumber)
}

// Usage returns the current reference count.
func (s *Segment) Usage() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// IsObsolete reports whether MarkObsolete was called.
func (s *Segment) IsObsolete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.obsolete
}

// Deleted is closed once the segment files are gone.
func (s *Segment) Deleted() <-chan struct{} {
	return s.deleted
}

func (s *Segment) maybeDeleteLocked() {
	if !s.obsolete || s.usage > 0 || s.deleting {
		return
	}
	s.deleting = true
	s.scheduler(s.destroy)
}

func (s *Segment) destroy() {
	defer close(s.deleted)
	meta := s.reader.meta
	if err := s.reader.Close(); err != nil {
		s.logger.Warn("Failed to close obsolete segment",
			zap.Uint64("file_number", meta.FileNumber), zap.Error(err))
	}
	if err := s.reader.paths.Remove(); err != nil {
		s.logger.Error("Failed to delete obsolete segment",
			zap.Uint64("file_number", meta.FileNumber), zap.Error(err))
		return
	}
	s.logger.Debug("Deleted obsolete segment",
		zap.Uint64("file_number", meta.FileNumber),
		zap.Uint64("sequence", meta.Sequence))
}

// Close releases the reader without deleting files. Used on engine shutdown.
// While references are held the reader stays mapped until the last Release.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleting {
		return nil
	}
	s.deleting = true
	if s.usage > 0 {
		s.closing = true
		return nil
	}
	return s.reader.Close()
}
