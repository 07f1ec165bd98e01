package model

import (
	"time"

	"github.com/devrev/bboxkv/internal/bbox"
)

// Record is one version of a key. Multiple versions of a key may coexist
// until compaction; the one with the greatest InsertedAt wins.
type Record struct {
	Key        string              `msgpack:"key"`
	Region     bbox.BoundingRegion `msgpack:"region"`
	Value      []byte              `msgpack:"value,omitempty"`
	InsertedAt int64               `msgpack:"inserted_at"` // unix microseconds
	Deleted    bool                `msgpack:"deleted,omitempty"`
}

// NewTombstone returns a delete marker for key.
func NewTombstone(key string, region bbox.BoundingRegion, insertedAt int64) *Record {
	return &Record{Key: key, Region: region, InsertedAt: insertedAt, Deleted: true}
}

// NowMicros returns the current time in the unit used by InsertedAt.
func NowMicros() int64 {
	return time.Now().UnixMicro()
}

// Supersedes reports whether r wins over other when both have the same key.
// Equal timestamps are resolved by the caller using source sequence.
func (r *Record) Supersedes(other *Record) bool {
	return r.InsertedAt > other.InsertedAt
}

// EstimatedSize approximates the in-memory footprint of the record.
func (r *Record) EstimatedSize() int64 {
	return int64(len(r.Key)+len(r.Value)) + int64(r.Region.Dimensions())*17 + 24
}
