package sstable

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

const (
	segmentPrefix = "segment-"
	dataSuffix    = ".sst"
	indexSuffix   = ".idx"
	bloomSuffix   = ".bloom"
	metaSuffix    = ".meta"
	tmpSuffix     = ".tmp"
)

// Paths are the files making up one segment.
type Paths struct {
	Data  string
	Index string
	Bloom string
	Meta  string
}

// PathsFor returns the file set of segment fileNumber in dir.
func PathsFor(dir string, fileNumber uint64) Paths {
	base := filepath.Join(dir, fmt.Sprintf("%s%08d", segmentPrefix, fileNumber))
	return Paths{
		Data:  base + dataSuffix,
		Index: base + indexSuffix,
		Bloom: base + bloomSuffix,
		Meta:  base + metaSuffix,
	}
}

// Remove deletes every file of the segment, ignoring missing ones.
func (p Paths) Remove() error {
	var firstErr error
	for _, f := range []string{p.Meta, p.Meta + tmpSuffix, p.Data, p.Index, p.Bloom} {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ListSegments returns the file numbers of complete segments in dir, sorted,
// and the paths of files belonging to incomplete ones.
func ListSegments(dir string) ([]uint64, []string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, err
	}
	complete := make(map[uint64]bool)
	partial := make(map[uint64][]string)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, segmentPrefix) {
			continue
		}
		rest := strings.TrimPrefix(name, segmentPrefix)
		dot := strings.IndexByte(rest, '.')
		if dot < 0 {
			continue
		}
		n, err := strconv.ParseUint(rest[:dot], 10, 64)
		if err != nil {
			continue
		}
		if rest[dot:] == metaSuffix {
			complete[n] = true
		}
		partial[n] = append(partial[n], filepath.Join(dir, name))
	}

	var numbers []uint64
	var orphans []string
	for n, files := range partial {
		if complete[n] {
			numbers = append(numbers, n)
			continue
		}
		orphans = append(orphans, files...)
	}
	slices.Sort(numbers)
	slices.Sort(orphans)
	return numbers, orphans, nil
}
