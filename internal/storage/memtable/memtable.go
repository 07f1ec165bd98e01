package memtable

import (
	"sync"
	"time"

	"github.com/devrev/bboxkv/internal/model"
)

// Memtable is the write buffer of one storage engine. It keeps the newest
// version of each key.
type Memtable struct {
	mu        sync.RWMutex
	data      *SkipList[string, *model.Record]
	sequence  uint64
	size      int64
	oldest    int64
	newest    int64
	createdAt time.Time
	frozen    bool
}

// New creates an empty memtable. Records flushed from it form the segment
// with the given sequence number.
func New(sequence uint64) *Memtable {
	return &Memtable{
		data:      NewSkipList[string, *model.Record](),
		sequence:  sequence,
		createdAt: time.Now(),
	}
}

// Put stores rec unless a strictly newer version of the key is present.
func (m *Memtable) Put(rec *model.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var replaced *model.Record
	stored := true
	m.data.Upsert(rec.Key, rec, func(old, value *model.Record) *model.Record {
		if old.Supersedes(value) {
			stored = false
			return old
		}
		replaced = old
		return value
	})
	if !stored {
		return
	}
	if replaced != nil {
		m.size -= replaced.EstimatedSize()
	}
	m.size += rec.EstimatedSize()
	if m.oldest == 0 || rec.InsertedAt < m.oldest {
		m.oldest = rec.InsertedAt
	}
	if rec.InsertedAt > m.newest {
		m.newest = rec.InsertedAt
	}
}

// Get returns the buffered version of key, tombstones included.
func (m *Memtable) Get(key string) (*model.Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.Search(key)
}

// Records returns the buffered records in key order. The slice is a copy, so
// it stays valid while writers continue.
func (m *Memtable) Records() []*model.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Record, 0, m.data.Len())
	it := m.data.Iterator()
	for it.Next() {
		out = append(out, it.Value())
	}
	return out
}

// Freeze marks the memtable immutable; it is only a marker for callers.
func (m *Memtable) Freeze() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frozen = true
}

// Frozen reports whether Freeze was called.
func (m *Memtable) Frozen() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.frozen
}

// Sequence returns the segment sequence this memtable flushes into.
func (m *Memtable) Sequence() uint64 { return m.sequence }

// CreatedAt returns the creation time, used for age based rotation.
func (m *Memtable) CreatedAt() time.Time { return m.createdAt }

// Size returns the estimated memory footprint.
func (m *Memtable) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

// Count returns the number of keys.
func (m *Memtable) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.Len()
}

// NewestTimestamp returns the greatest InsertedAt seen, 0 when empty.
func (m *Memtable) NewestTimestamp() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.newest
}

// OldestTimestamp returns the smallest InsertedAt seen, 0 when empty.
func (m *Memtable) OldestTimestamp() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.oldest
}
