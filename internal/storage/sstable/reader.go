package sstable

import (
	"fmt"
	"os"
	"sort"

	"github.com/edsrzf/mmap-go"
	lru "github.com/hashicorp/golang-lru"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/devrev/bboxkv/internal/model"
	"github.com/devrev/bboxkv/internal/util"
)

// Reader serves lookups and ordered iteration over one segment. The data
// file is memory mapped; decoded records may be cached and are shared
// between callers, who must treat them as read-only.
type Reader struct {
	paths Paths
	meta  model.SegmentMetadata
	file  *os.File
	data  mmap.MMap
	index []IndexEntry
	bloom *BloomFilter
	cache *lru.Cache
}

// OpenReader opens segment fileNumber in dir. cacheSize bounds the decoded
// record cache; zero disables it.
func OpenReader(dir string, fileNumber uint64, cacheSize int) (*Reader, error) {
	paths := PathsFor(dir, fileNumber)
	r := &Reader{paths: paths}

	raw, err := os.ReadFile(paths.Meta)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	if err := msgpack.Unmarshal(raw, &r.meta); err != nil {
		return nil, fmt.Errorf("failed to decode metadata of %s: %w", paths.Meta, err)
	}

	if err := r.loadIndex(); err != nil {
		return nil, err
	}
	if r.bloom, err = LoadBloomFilter(paths.Bloom); err != nil {
		return nil, err
	}

	r.file, err = os.Open(paths.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to open data file: %w", err)
	}
	info, err := r.file.Stat()
	if err != nil {
		r.file.Close()
		return nil, fmt.Errorf("failed to stat data file: %w", err)
	}
	if info.Size() > 0 {
		r.data, err = mmap.Map(r.file, mmap.RDONLY, 0)
		if err != nil {
			r.file.Close()
			return nil, fmt.Errorf("failed to map data file: %w", err)
		}
	}

	if cacheSize > 0 {
		if r.cache, err = lru.New(cacheSize); err != nil {
			r.Close()
			return nil, fmt.Errorf("failed to create record cache: %w", err)
		}
	}
	return r, nil
}

func (r *Reader) loadIndex() error {
	raw, err := os.ReadFile(r.paths.Index)
	if err != nil {
		return fmt.Errorf("failed to read index: %w", err)
	}
	r.index = make([]IndexEntry, 0, r.meta.RecordCount)
	for len(raw) > 0 {
		payload, n, err := util.DecodeFrame(raw)
		if err != nil {
			return fmt.Errorf("corrupt index %s: %w", r.paths.Index, err)
		}
		e, err := decodeIndexEntry(payload)
		if err != nil {
			return fmt.Errorf("corrupt index entry in %s: %w", r.paths.Index, err)
		}
		r.index = append(r.index, e)
		raw = raw[n:]
	}
	if int64(len(r.index)) != r.meta.RecordCount {
		return fmt.Errorf("index %s has %d entries, metadata says %d", r.paths.Index, len(r.index), r.meta.RecordCount)
	}
	return nil
}

// Metadata returns the segment metadata.
func (r *Reader) Metadata() model.SegmentMetadata {
	return r.meta
}

// Paths returns the files backing the segment.
func (r *Reader) Paths() Paths {
	return r.paths
}

// MayContain consults key bounds and the bloom filter.
func (r *Reader) MayContain(key string) bool {
	return r.meta.MayContain(key) && r.bloom.MayContain(key)
}

// Get returns the record stored for key, or nil when absent.
func (r *Reader) Get(key string) (*model.Record, error) {
	if !r.MayContain(key) {
		return nil, nil
	}
	i := sort.Search(len(r.index), func(i int) bool { return r.index[i].Key >= key })
	if i == len(r.index) || r.index[i].Key != key {
		return nil, nil
	}
	return r.recordAt(i, true)
}

// recordAt decodes entry i. Full scans pass fill=false so that they do not
// evict the point lookup working set.
func (r *Reader) recordAt(i int, fill bool) (*model.Record, error) {
	e := r.index[i]
	if r.cache != nil {
		if v, ok := r.cache.Get(e.Key); ok {
			return v.(*model.Record), nil
		}
	}
	if e.Offset < 0 || e.Offset+e.Length > int64(len(r.data)) {
		return nil, fmt.Errorf("record %q at %d+%d beyond end of %s", e.Key, e.Offset, e.Length, r.paths.Data)
	}
	payload, _, err := util.DecodeFrame(r.data[e.Offset : e.Offset+e.Length])
	if err != nil {
		return nil, fmt.Errorf("record %q in %s: %w", e.Key, r.paths.Data, err)
	}
	rec, err := DecodeRecord(payload)
	if err != nil {
		return nil, fmt.Errorf("record %q in %s: %w", e.Key, r.paths.Data, err)
	}
	if fill && r.cache != nil {
		r.cache.Add(e.Key, rec)
	}
	return rec, nil
}

// Iterator returns an iterator over all records in key order.
func (r *Reader) Iterator() *Iterator {
	return &Iterator{reader: r, pos: -1}
}

// Close unmaps and closes the data file.
func (r *Reader) Close() error {
	var err error
	if r.data != nil {
		err = r.data.Unmap()
		r.data = nil
	}
	if r.file != nil {
		if e := r.file.Close(); e != nil && err == nil {
			err = e
		}
		r.file = nil
	}
	return err
}

// Iterator walks a segment in key order.
type Iterator struct {
	reader *Reader
	pos    int
	rec    *model.Record
	err    error
}

// Next advances to the next record.
func (it *Iterator) Next() bool {
	if it.err != nil {
		return false
	}
	it.pos++
	if it.pos >= len(it.reader.index) {
		it.rec = nil
		return false
	}
	it.rec, it.err = it.reader.recordAt(it.pos, false)
	return it.err == nil
}

// Record returns the current record.
func (it *Iterator) Record() *model.Record {
	return it.rec
}

// Err returns the first decode error.
func (it *Iterator) Err() error {
	return it.err
}
