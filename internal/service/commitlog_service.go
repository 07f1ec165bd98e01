package service

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/devrev/bboxkv/internal/model"
	"github.com/devrev/bboxkv/internal/storage/sstable"
	"github.com/devrev/bboxkv/internal/util"
)

const commitLogSuffix = ".wal"

// CommitLog is the write-ahead log of one memtable. It lives next to the
// segments as <sequence>.wal and is removed once the segment with the same
// sequence is durable.
type CommitLog struct {
	path     string
	sequence uint64
	sync     bool

	mu      sync.Mutex
	file    *os.File
	buf     *bufio.Writer
	scratch []byte
	frame   []byte
}

// CommitLogPath returns the log path of memtable sequence in dir.
func CommitLogPath(dir string, sequence uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%020d%s", sequence, commitLogSuffix))
}

// OpenCommitLog creates or appends to the log of sequence.
func OpenCommitLog(dir string, sequence uint64, syncWrites bool) (*CommitLog, error) {
	path := CommitLogPath(dir, sequence)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open commit log file: %w", err)
	}
	return &CommitLog{
		path:     path,
		sequence: sequence,
		sync:     syncWrites,
		file:     file,
		buf:      bufio.NewWriterSize(file, 32*1024),
	}, nil
}

// Append writes rec to the log. With sync enabled the record is on stable
// storage when Append returns.
func (l *CommitLog) Append(rec *model.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("commit log %s is closed", l.path)
	}
	l.scratch = sstable.AppendRecord(l.scratch[:0], rec)
	l.frame = util.AppendFrame(l.frame[:0], l.scratch)
	if _, err := l.buf.Write(l.frame); err != nil {
		return fmt.Errorf("failed to write to commit log: %w", err)
	}
	if err := l.buf.Flush(); err != nil {
		return fmt.Errorf("failed to write to commit log: %w", err)
	}
	if l.sync {
		if err := l.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync commit log: %w", err)
		}
	}
	return nil
}

// Sequence returns the memtable sequence the log belongs to.
func (l *CommitLog) Sequence() uint64 { return l.sequence }

// Path returns the log file path.
func (l *CommitLog) Path() string { return l.path }

// Close flushes and closes the log file.
func (l *CommitLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.buf.Flush()
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}

// Remove closes and deletes the log.
func (l *CommitLog) Remove() error {
	if err := l.Close(); err != nil {
		return err
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ListCommitLogs returns the sequences of the logs found in dir, ascending.
func ListCommitLogs(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var seqs []uint64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, commitLogSuffix) {
			continue
		}
		seq, err := strconv.ParseUint(strings.TrimSuffix(name, commitLogSuffix), 10, 64)
		if err != nil {
			continue
		}
		seqs = append(seqs, seq)
	}
	slices.Sort(seqs)
	return seqs, nil
}

// ReplayCommitLog feeds every intact record of the log at path to fn. A
// torn frame at the tail ends the replay without error.
func ReplayCommitLog(path string, logger *zap.Logger, fn func(*model.Record)) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	r := bufio.NewReader(file)
	count := 0
	for {
		payload, err := util.ReadFrame(r)
		if err == io.EOF {
			return count, nil
		}
		if errors.Is(err, util.ErrTruncatedFrame) {
			logger.Warn("Commit log ends with a torn record",
				zap.String("path", path), zap.Int("recovered", count))
			return count, nil
		}
		if err != nil {
			return count, fmt.Errorf("commit log %s: %w", path, err)
		}
		rec, err := sstable.DecodeRecord(payload)
		if err != nil {
			return count, fmt.Errorf("commit log %s: %w", path, err)
		}
		fn(rec)
		count++
	}
}
