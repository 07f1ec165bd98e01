package model

import "time"

// SegmentMetadata describes one immutable on-disk segment.
type SegmentMetadata struct {
	FileNumber      uint64    `msgpack:"file_number"`
	Sequence        uint64    `msgpack:"sequence"`
	MinKey          string    `msgpack:"min_key"`
	MaxKey          string    `msgpack:"max_key"`
	RecordCount     int64     `msgpack:"record_count"`
	Size            int64     `msgpack:"size"`
	OldestTimestamp int64     `msgpack:"oldest_ts"`
	NewestTimestamp int64     `msgpack:"newest_ts"`
	CreatedAt       time.Time `msgpack:"created_at"`
}

// MayContain reports whether key falls into the segment's key bounds.
func (m SegmentMetadata) MayContain(key string) bool {
	return m.RecordCount > 0 && key >= m.MinKey && key <= m.MaxKey
}

// MergeType selects the kind of compaction a merge strategy asks for.
type MergeType string

const (
	MergeTypeNone  MergeType = "none"
	MergeTypeMinor MergeType = "minor"
	MergeTypeMajor MergeType = "major"
)

// CompactionJob records one executed merge.
type CompactionJob struct {
	JobID      string
	Table      TableName
	Type       MergeType
	Inputs     []uint64
	Outputs    []uint64
	StartedAt  time.Time
	FinishedAt time.Time
	Status     CompactionStatus
	Err        string
}

// CompactionStatus indicates the state of a compaction job
type CompactionStatus string

const (
	CompactionStatusRunning   CompactionStatus = "running"
	CompactionStatusCompleted CompactionStatus = "completed"
	CompactionStatusDiscarded CompactionStatus = "discarded"
	CompactionStatusFailed    CompactionStatus = "failed"
)
