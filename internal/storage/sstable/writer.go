package sstable

import (
	"bufio"
	"fmt"
	"os"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/devrev/bboxkv/internal/model"
	"github.com/devrev/bboxkv/internal/util"
)

// WriterConfig holds segment writer configuration
type WriterConfig struct {
	BloomFilterFP   float64
	ExpectedRecords int
	Sync            bool
}

// Writer produces one segment. Records must arrive in strictly ascending key
// order. The segment becomes visible to ListSegments only after Finalize
// renames its metadata file into place.
type Writer struct {
	paths    Paths
	config   WriterConfig
	dataFile *os.File
	buf      *bufio.Writer
	scratch  []byte
	frame    []byte
	offset   int64
	index    []IndexEntry
	bloom    *BloomFilter
	meta     model.SegmentMetadata
	done     bool
}

// NewWriter creates the files of segment fileNumber in dir.
func NewWriter(dir string, fileNumber, sequence uint64, config WriterConfig) (*Writer, error) {
	if config.BloomFilterFP <= 0 || config.BloomFilterFP >= 1 {
		config.BloomFilterFP = 0.01
	}
	paths := PathsFor(dir, fileNumber)
	dataFile, err := os.OpenFile(paths.Data, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create data file: %w", err)
	}
	return &Writer{
		paths:    paths,
		config:   config,
		dataFile: dataFile,
		buf:      bufio.NewWriterSize(dataFile, 64*1024),
		bloom:    NewBloomFilter(config.ExpectedRecords, config.BloomFilterFP),
		meta: model.SegmentMetadata{
			FileNumber: fileNumber,
			Sequence:   sequence,
		},
	}, nil
}

// Write appends rec to the segment.
func (w *Writer) Write(rec *model.Record) error {
	if w.done {
		return fmt.Errorf("write to finished segment %d", w.meta.FileNumber)
	}
	if w.meta.RecordCount > 0 && rec.Key <= w.meta.MaxKey {
		return fmt.Errorf("key %q written after %q", rec.Key, w.meta.MaxKey)
	}

	w.scratch = AppendRecord(w.scratch[:0], rec)
	w.frame = util.AppendFrame(w.frame[:0], w.scratch)
	if _, err := w.buf.Write(w.frame); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}

	w.index = append(w.index, IndexEntry{Key: rec.Key, Offset: w.offset, Length: int64(len(w.frame))})
	w.bloom.Add(rec.Key)
	w.offset += int64(len(w.frame))

	if w.meta.RecordCount == 0 {
		w.meta.MinKey = rec.Key
		w.meta.OldestTimestamp = rec.InsertedAt
	}
	w.meta.MaxKey = rec.Key
	w.meta.RecordCount++
	if rec.InsertedAt < w.meta.OldestTimestamp {
		w.meta.OldestTimestamp = rec.InsertedAt
	}
	if rec.InsertedAt > w.meta.NewestTimestamp {
		w.meta.NewestTimestamp = rec.InsertedAt
	}
	return nil
}

// Size returns the number of data bytes written so far.
func (w *Writer) Size() int64 {
	return w.offset
}

// Count returns the number of records written so far.
func (w *Writer) Count() int64 {
	return w.meta.RecordCount
}

// FileNumber returns the segment's file number.
func (w *Writer) FileNumber() uint64 {
	return w.meta.FileNumber
}

// Finalize writes index, bloom filter and metadata and closes the files.
func (w *Writer) Finalize() (model.SegmentMetadata, error) {
	if w.done {
		return model.SegmentMetadata{}, fmt.Errorf("segment %d already finished", w.meta.FileNumber)
	}
	w.done = true

	if err := w.buf.Flush(); err != nil {
		w.dataFile.Close()
		return model.SegmentMetadata{}, fmt.Errorf("failed to flush data file: %w", err)
	}
	if err := w.closeFile(w.dataFile); err != nil {
		return model.SegmentMetadata{}, fmt.Errorf("failed to close data file: %w", err)
	}

	var idx []byte
	var entry []byte
	for _, e := range w.index {
		entry = appendIndexEntry(entry[:0], e)
		idx = util.AppendFrame(idx, entry)
	}
	if err := w.writeFile(w.paths.Index, idx); err != nil {
		return model.SegmentMetadata{}, fmt.Errorf("failed to write index: %w", err)
	}

	bloomFile, err := os.Create(w.paths.Bloom)
	if err != nil {
		return model.SegmentMetadata{}, fmt.Errorf("failed to create bloom file: %w", err)
	}
	if _, err := w.bloom.WriteTo(bloomFile); err != nil {
		bloomFile.Close()
		return model.SegmentMetadata{}, fmt.Errorf("failed to write bloom filter: %w", err)
	}
	if err := w.closeFile(bloomFile); err != nil {
		return model.SegmentMetadata{}, fmt.Errorf("failed to close bloom file: %w", err)
	}

	w.meta.Size = w.offset
	w.meta.CreatedAt = time.Now()
	raw, err := msgpack.Marshal(&w.meta)
	if err != nil {
		return model.SegmentMetadata{}, fmt.Errorf("failed to encode metadata: %w", err)
	}
	tmp := w.paths.Meta + tmpSuffix
	if err := w.writeFile(tmp, raw); err != nil {
		return model.SegmentMetadata{}, fmt.Errorf("failed to write metadata: %w", err)
	}
	if err := os.Rename(tmp, w.paths.Meta); err != nil {
		return model.SegmentMetadata{}, fmt.Errorf("failed to publish metadata: %w", err)
	}
	return w.meta, nil
}

// Abort discards everything written.
func (w *Writer) Abort() error {
	if !w.done {
		w.done = true
		w.dataFile.Close()
	}
	return w.paths.Remove()
}

func (w *Writer) closeFile(f *os.File) error {
	if w.config.Sync {
		if err := f.Sync(); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}

func (w *Writer) writeFile(path string, data []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return w.closeFile(f)
}
