package service

import (
	"container/heap"
	"context"
	"fmt"

	"github.com/devrev/bboxkv/internal/bbox"
	"github.com/devrev/bboxkv/internal/errors"
	"github.com/devrev/bboxkv/internal/model"
	"github.com/devrev/bboxkv/internal/storage/sstable"
)

// SourceBounds summarises one memtable or segment for pruning.
type SourceBounds struct {
	MinKey string
	MaxKey string
	Newest int64
}

// Predicate selects records of a scan. Match is applied to the winning
// version of each key. MayMatch may skip a whole source, and must only
// return false when no record of the source could be a matching winner.
type Predicate interface {
	Match(rec *model.Record) bool
	MayMatch(b SourceBounds) bool
}

type matchAll struct{}

func (matchAll) Match(*model.Record) bool { return true }
func (matchAll) MayMatch(SourceBounds) bool { return true }

// MatchAll selects every record.
func MatchAll() Predicate { return matchAll{} }

type overlapsRegion struct{ region bbox.BoundingRegion }

func (p overlapsRegion) Match(rec *model.Record) bool { return rec.Region.Overlaps(p.region) }
func (overlapsRegion) MayMatch(SourceBounds) bool { return true }

// OverlapsRegion selects records whose bounding region overlaps region.
func OverlapsRegion(region bbox.BoundingRegion) Predicate { return overlapsRegion{region: region} }

type keyEquals struct{ key string }

func (p keyEquals) Match(rec *model.Record) bool { return rec.Key == p.key }
func (p keyEquals) MayMatch(b SourceBounds) bool {
	return p.key >= b.MinKey && p.key <= b.MaxKey
}

// KeyEquals selects the record with the given key.
func KeyEquals(key string) Predicate { return keyEquals{key: key} }

type insertedSince struct{ since int64 }

func (p insertedSince) Match(rec *model.Record) bool { return rec.InsertedAt >= p.since }

// A source whose newest record predates since can only hold losing or
// non-matching versions: any version it shadows is older still.
func (p insertedSince) MayMatch(b SourceBounds) bool { return b.Newest >= p.since }

// InsertedSince selects records inserted at or after since (unix micros).
func InsertedSince(since int64) Predicate { return insertedSince{since: since} }

type and []Predicate

func (ps and) Match(rec *model.Record) bool {
	for _, p := range ps {
		if !p.Match(rec) {
			return false
		}
	}
	return true
}

func (ps and) MayMatch(b SourceBounds) bool {
	for _, p := range ps {
		if !p.MayMatch(b) {
			return false
		}
	}
	return true
}

// And selects records matching every predicate.
func And(ps ...Predicate) Predicate { return and(ps) }

// ScanOptions tune a scan.
type ScanOptions struct {
	// IncludeDeleted returns winning tombstones instead of suppressing them.
	IncludeDeleted bool
	// Limit stops the cursor after this many records; zero means no limit.
	Limit int
}

// Scan returns a lazy cursor over the newest version of every key that
// matches pred. The cursor reads a consistent snapshot taken now and must
// be closed.
func (e *Engine) Scan(ctx context.Context, pred Predicate, opts ScanOptions) (*Cursor, error) {
	if pred == nil {
		pred = MatchAll()
	}
	v, err := e.acquireView()
	if err != nil {
		return nil, err
	}
	c := &Cursor{ctx: ctx, table: e.name, view: v, pred: pred, opts: opts}
	for _, src := range v.sources {
		if src.mem != nil {
			records := src.mem.Records()
			if len(records) == 0 {
				continue
			}
			b := SourceBounds{MinKey: records[0].Key, MaxKey: records[len(records)-1].Key, Newest: src.mem.NewestTimestamp()}
			if pred.MayMatch(b) {
				c.sources = append(c.sources, cursorSource{seq: src.seq, records: records})
			}
			continue
		}
		meta := src.seg.Metadata()
		if meta.RecordCount == 0 {
			continue
		}
		if pred.MayMatch(SourceBounds{MinKey: meta.MinKey, MaxKey: meta.MaxKey, Newest: meta.NewestTimestamp}) {
			c.sources = append(c.sources, cursorSource{seq: src.seq, seg: src.seg.Reader()})
		}
	}
	c.Restart()
	return c, nil
}

// recordIterator is satisfied by segment iterators and memtable snapshots.
type recordIterator interface {
	Next() bool
	Record() *model.Record
	Err() error
}

type sliceIterator struct {
	records []*model.Record
	pos     int
}

func (it *sliceIterator) Next() bool {
	it.pos++
	return it.pos < len(it.records)
}

func (it *sliceIterator) Record() *model.Record { return it.records[it.pos] }
func (it *sliceIterator) Err() error { return nil }

type cursorSource struct {
	seq     uint64
	records []*model.Record
	seg     *sstable.Reader
}

// Cursor walks the merged, de-duplicated records of a scan in key order.
type Cursor struct {
	ctx     context.Context
	table   model.TableName
	view    *view
	pred    Predicate
	opts    ScanOptions
	sources []cursorSource

	iters   []recordIterator
	heap    mergeHeap
	rec     *model.Record
	err     error
	emitted int
}

// Restart rewinds the cursor to the first record of its snapshot.
func (c *Cursor) Restart() {
	c.iters = c.iters[:0]
	c.heap = c.heap[:0]
	c.rec = nil
	c.err = nil
	c.emitted = 0
	if c.view == nil {
		return
	}
	for i, s := range c.sources {
		var it recordIterator
		if s.seg != nil {
			it = s.seg.Iterator()
		} else {
			it = &sliceIterator{records: s.records, pos: -1}
		}
		c.iters = append(c.iters, it)
		c.advance(i)
	}
	heap.Init(&c.heap)
}

func (c *Cursor) advance(i int) {
	it := c.iters[i]
	if it.Next() {
		c.heap = append(c.heap, mergeItem{rec: it.Record(), seq: c.sources[i].seq, src: i})
		heap.Fix(&c.heap, len(c.heap)-1)
		return
	}
	if err := it.Err(); err != nil && c.err == nil {
		c.err = errors.CorruptedData(fmt.Sprintf("scan of %s failed", c.table), err)
	}
}

// Next advances to the next matching record.
func (c *Cursor) Next() bool {
	if c.view == nil || c.err != nil {
		return false
	}
	if c.opts.Limit > 0 && c.emitted >= c.opts.Limit {
		return false
	}
	for c.heap.Len() > 0 {
		if err := c.ctx.Err(); err != nil {
			c.err = err
			return false
		}
		top := heap.Pop(&c.heap).(mergeItem)
		winner := top.rec
		c.advance(top.src)
		for c.heap.Len() > 0 && c.heap[0].rec.Key == winner.Key {
			dup := heap.Pop(&c.heap).(mergeItem)
			c.advance(dup.src)
		}
		if c.err != nil {
			return false
		}
		if winner.Deleted && !c.opts.IncludeDeleted {
			continue
		}
		if !c.pred.Match(winner) {
			continue
		}
		c.rec = winner
		c.emitted++
		return true
	}
	c.rec = nil
	return false
}

// Record returns the current record. It is shared and must not be modified.
func (c *Cursor) Record() *model.Record { return c.rec }

// Err returns the error that stopped the cursor, if any.
func (c *Cursor) Err() error { return c.err }

// Close releases the snapshot. It is safe to call more than once.
func (c *Cursor) Close() error {
	if c.view != nil {
		c.view.release()
		c.view = nil
	}
	return nil
}

// Collect drains and closes c.
func Collect(c *Cursor) ([]*model.Record, error) {
	defer c.Close()
	var out []*model.Record
	for c.Next() {
		out = append(out, c.Record())
	}
	return out, c.Err()
}

type mergeItem struct {
	rec *model.Record
	seq uint64
	src int
}

// mergeHeap orders by key, then newest InsertedAt, then newest sequence, so
// the first item of each key is the winning version.
type mergeHeap []mergeItem

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.rec.Key != b.rec.Key {
		return a.rec.Key < b.rec.Key
	}
	if a.rec.InsertedAt != b.rec.InsertedAt {
		return a.rec.InsertedAt > b.rec.InsertedAt
	}
	return a.seq > b.seq
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) { *h = append(*h, x.(mergeItem)) }

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
