package sstable

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/bboxkv/internal/bbox"
	"github.com/devrev/bboxkv/internal/model"
)

func writeSegment(t *testing.T, dir string, fileNumber uint64, records []*model.Record) model.SegmentMetadata {
	t.Helper()
	w, err := NewWriter(dir, fileNumber, fileNumber, WriterConfig{ExpectedRecords: len(records)})
	require.NoError(t, err)
	for _, r := range records {
		require.NoError(t, w.Write(r))
	}
	meta, err := w.Finalize()
	require.NoError(t, err)
	return meta
}

func sampleRecords(n int) []*model.Record {
	out := make([]*model.Record, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, &model.Record{
			Key:        fmt.Sprintf("key-%04d", i),
			Region:     bbox.Point(float64(i), float64(-i)),
			Value:      []byte(fmt.Sprintf("value-%d", i)),
			InsertedAt: int64(1000 + i),
		})
	}
	return out
}

func TestRecordCodec(t *testing.T) {
	full := bbox.FullSpace(2)
	left, _, err := full.Split(0, 3)
	require.NoError(t, err)

	tests := []struct {
		name string
		rec  *model.Record
	}{
		{"value", &model.Record{Key: "a", Region: bbox.MustNew(1, 2, 1, 2), Value: []byte("v"), InsertedAt: 42}},
		{"tombstone", model.NewTombstone("b", bbox.Point(3), 7)},
		{"half open region", &model.Record{Key: "c", Region: left, InsertedAt: -5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeRecord(AppendRecord(nil, tt.rec))
			require.NoError(t, err)
			assert.Equal(t, tt.rec.Key, got.Key)
			assert.Equal(t, tt.rec.Value, got.Value)
			assert.Equal(t, tt.rec.InsertedAt, got.InsertedAt)
			assert.Equal(t, tt.rec.Deleted, got.Deleted)
			assert.True(t, tt.rec.Region.Equal(got.Region))
		})
	}

	_, err = DecodeRecord([]byte{0xff})
	assert.Error(t, err)
}

func TestWriterReaderRoundTrip(t *testing.T) {
	dir := t.TempDir()
	records := sampleRecords(50)
	meta := writeSegment(t, dir, 3, records)

	assert.Equal(t, int64(50), meta.RecordCount)
	assert.Equal(t, "key-0000", meta.MinKey)
	assert.Equal(t, "key-0049", meta.MaxKey)
	assert.Equal(t, int64(1000), meta.OldestTimestamp)
	assert.Equal(t, int64(1049), meta.NewestTimestamp)

	r, err := OpenReader(dir, 3, 8)
	require.NoError(t, err)
	defer r.Close()

	for _, want := range []*model.Record{records[0], records[17], records[49]} {
		got, err := r.Get(want.Key)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, want.Value, got.Value)
	}
	got, err := r.Get("key-9999")
	require.NoError(t, err)
	assert.Nil(t, got)
	got, err = r.Get("aaa")
	require.NoError(t, err)
	assert.Nil(t, got)

	it := r.Iterator()
	var keys []string
	for it.Next() {
		keys = append(keys, it.Record().Key)
	}
	require.NoError(t, it.Err())
	assert.Len(t, keys, 50)
	assert.IsIncreasing(t, keys)
}

func TestEmptySegment(t *testing.T) {
	dir := t.TempDir()
	writeSegment(t, dir, 1, nil)

	r, err := OpenReader(dir, 1, 0)
	require.NoError(t, err)
	defer r.Close()

	got, err := r.Get("anything")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.False(t, r.Iterator().Next())
}

func TestWriterRejectsUnorderedKeys(t *testing.T) {
	w, err := NewWriter(t.TempDir(), 1, 1, WriterConfig{})
	require.NoError(t, err)
	defer w.Abort()

	require.NoError(t, w.Write(&model.Record{Key: "b", Region: bbox.Point(0)}))
	assert.Error(t, w.Write(&model.Record{Key: "a", Region: bbox.Point(0)}))
	assert.Error(t, w.Write(&model.Record{Key: "b", Region: bbox.Point(0)}))
}

func TestListSegmentsSeparatesOrphans(t *testing.T) {
	dir := t.TempDir()
	writeSegment(t, dir, 1, sampleRecords(3))
	writeSegment(t, dir, 2, sampleRecords(3))

	// An unfinished writer leaves files without metadata behind.
	w, err := NewWriter(dir, 3, 3, WriterConfig{})
	require.NoError(t, err)
	require.NoError(t, w.Write(sampleRecords(1)[0]))
	require.NoError(t, w.buf.Flush())
	require.NoError(t, w.dataFile.Close())

	numbers, orphans, err := ListSegments(dir)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, numbers)
	assert.Equal(t, []string{PathsFor(dir, 3).Data}, orphans)
}

func TestCorruptDataSurfacesError(t *testing.T) {
	dir := t.TempDir()
	writeSegment(t, dir, 1, sampleRecords(2))

	paths := PathsFor(dir, 1)
	raw, err := os.ReadFile(paths.Data)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(paths.Data, raw, 0o644))

	r, err := OpenReader(dir, 1, 0)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Get("key-0001")
	assert.Error(t, err)
}

func TestSegmentDeletionWaitsForReaders(t *testing.T) {
	dir := t.TempDir()
	writeSegment(t, dir, 1, sampleRecords(5))
	seg, err := OpenSegment(dir, 1, 0, GoScheduler, zap.NewNop())
	require.NoError(t, err)

	require.True(t, seg.Acquire())
	require.True(t, seg.Acquire())
	seg.MarkObsolete()

	seg.Release()
	time.Sleep(20 * time.Millisecond)
	_, err = os.Stat(PathsFor(dir, 1).Data)
	require.NoError(t, err, "segment removed while still in use")

	rec, err := seg.Reader().Get("key-0002")
	require.NoError(t, err)
	require.NotNil(t, rec)

	seg.Release()
	select {
	case <-seg.Deleted():
	case <-time.After(time.Second):
		t.Fatal("obsolete segment was not deleted")
	}
	_, err = os.Stat(PathsFor(dir, 1).Data)
	assert.True(t, os.IsNotExist(err))
	assert.False(t, seg.Acquire(), "acquire after deletion must fail")
}

func TestUnusedObsoleteSegmentIsDeletedImmediately(t *testing.T) {
	dir := t.TempDir()
	writeSegment(t, dir, 1, sampleRecords(1))
	seg, err := OpenSegment(dir, 1, 0, GoScheduler, zap.NewNop())
	require.NoError(t, err)

	seg.MarkObsolete()
	select {
	case <-seg.Deleted():
	case <-time.After(time.Second):
		t.Fatal("obsolete segment was not deleted")
	}
	numbers, _, err := ListSegments(dir)
	require.NoError(t, err)
	assert.Empty(t, numbers)
}

func TestCloseKeepsSegmentMappedForReaders(t *testing.T) {
	dir := t.TempDir()
	writeSegment(t, dir, 1, sampleRecords(3))
	seg, err := OpenSegment(dir, 1, 0, GoScheduler, zap.NewNop())
	require.NoError(t, err)

	require.True(t, seg.Acquire())
	require.NoError(t, seg.Close())
	assert.False(t, seg.Acquire(), "acquire after close must fail")

	rec, err := seg.Reader().Get("key-0001")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.NotNil(t, seg.Reader().data)

	seg.Release()
	assert.Nil(t, seg.Reader().data)
	_, err = os.Stat(PathsFor(dir, 1).Data)
	assert.NoError(t, err, "close must not delete files")
}

func TestRelocatedSegmentDeletesMovedFiles(t *testing.T) {
	dir := t.TempDir()
	writeSegment(t, dir, 1, sampleRecords(2))
	seg, err := OpenSegment(dir, 1, 0, GoScheduler, zap.NewNop())
	require.NoError(t, err)
	require.True(t, seg.Acquire())

	moved := t.TempDir() + "/moved"
	require.NoError(t, os.Rename(dir, moved))
	seg.Relocate(moved)
	seg.MarkObsolete()

	rec, err := seg.Reader().Get("key-0000")
	require.NoError(t, err)
	require.NotNil(t, rec)

	seg.Release()
	select {
	case <-seg.Deleted():
	case <-time.After(time.Second):
		t.Fatal("relocated segment was not deleted")
	}
	_, err = os.Stat(PathsFor(moved, 1).Data)
	assert.True(t, os.IsNotExist(err))
}
