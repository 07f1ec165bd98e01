package service

import (
	"time"

	"github.com/devrev/bboxkv/internal/model"
	"github.com/devrev/bboxkv/internal/storage/sstable"
)

// MergeTask is what a merge strategy asks the scheduler to do with a table.
type MergeTask struct {
	Type   model.MergeType
	Inputs []*sstable.Segment
}

// TableCompactionState is the per-table history a strategy may consult.
type TableCompactionState struct {
	LastMajor time.Time
}

// MergeStrategy decides which segments of a table to merge. segments are
// ordered newest first by sequence. Minor inputs must be contiguous in that
// order.
type MergeStrategy interface {
	Plan(segments []*sstable.Segment, state TableCompactionState, now time.Time) MergeTask
	// Delay is the pause between two scheduler iterations.
	Delay() time.Duration
}

// SimpleMergeStrategy merges everything once enough segments piled up or the
// major interval elapsed, and otherwise merges runs of small segments.
type SimpleMergeStrategy struct {
	config *CompactionConfig
}

// NewSimpleMergeStrategy creates the default strategy
func NewSimpleMergeStrategy(cfg *CompactionConfig) *SimpleMergeStrategy {
	return &SimpleMergeStrategy{config: cfg}
}

// Delay returns the configured scheduler interval.
func (s *SimpleMergeStrategy) Delay() time.Duration {
	return s.config.Interval
}

// Plan implements MergeStrategy.
func (s *SimpleMergeStrategy) Plan(segments []*sstable.Segment, state TableCompactionState, now time.Time) MergeTask {
	if len(segments) == 0 {
		return MergeTask{Type: model.MergeTypeNone}
	}
	if s.config.MajorThreshold > 0 && len(segments) >= s.config.MajorThreshold {
		return MergeTask{Type: model.MergeTypeMajor, Inputs: segments}
	}
	// A lone segment only gets rewritten to purge tombstones once the
	// interval elapsed, never on the first pass after startup.
	if s.config.MajorInterval > 0 && !state.LastMajor.IsZero() && now.Sub(state.LastMajor) >= s.config.MajorInterval {
		return MergeTask{Type: model.MergeTypeMajor, Inputs: segments}
	}

	if s.config.MinorThreshold < 2 {
		return MergeTask{Type: model.MergeTypeNone}
	}
	bestStart, bestLen := 0, 0
	runStart := -1
	for i := 0; i <= len(segments); i++ {
		small := i < len(segments) && segments[i].Size() < s.config.SmallSegmentSize
		if small {
			if runStart < 0 {
				runStart = i
			}
			continue
		}
		if runStart >= 0 {
			if n := i - runStart; n > bestLen {
				bestStart, bestLen = runStart, n
			}
			runStart = -1
		}
	}
	if bestLen < s.config.MinorThreshold {
		return MergeTask{Type: model.MergeTypeNone}
	}
	if s.config.MaxMinorInputs > 0 && bestLen > s.config.MaxMinorInputs {
		// Oldest first: the tail of the run has waited the longest.
		bestStart += bestLen - s.config.MaxMinorInputs
		bestLen = s.config.MaxMinorInputs
	}
	return MergeTask{Type: model.MergeTypeMinor, Inputs: segments[bestStart : bestStart+bestLen]}
}
