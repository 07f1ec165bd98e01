package sstable

import (
	"fmt"
	"io"
	"os"

	"github.com/willf/bloom"
)

// BloomFilter answers "definitely absent" for keys of one segment.
type BloomFilter struct {
	filter *bloom.BloomFilter
}

// NewBloomFilter sizes a filter for expectedElements keys.
func NewBloomFilter(expectedElements int, falsePositiveRate float64) *BloomFilter {
	if expectedElements < 1 {
		expectedElements = 1
	}
	return &BloomFilter{filter: bloom.NewWithEstimates(uint(expectedElements), falsePositiveRate)}
}

// Add inserts a key into the bloom filter
func (bf *BloomFilter) Add(key string) {
	bf.filter.Add([]byte(key))
}

// MayContain checks if a key might be in the set
func (bf *BloomFilter) MayContain(key string) bool {
	return bf.filter.Test([]byte(key))
}

// WriteTo serialises the filter.
func (bf *BloomFilter) WriteTo(w io.Writer) (int64, error) {
	return bf.filter.WriteTo(w)
}

// LoadBloomFilter reads a filter written by WriteTo.
func LoadBloomFilter(path string) (*BloomFilter, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open bloom filter: %w", err)
	}
	defer f.Close()
	filter := &bloom.BloomFilter{}
	if _, err := filter.ReadFrom(f); err != nil {
		return nil, fmt.Errorf("read bloom filter %s: %w", path, err)
	}
	return &BloomFilter{filter: filter}, nil
}
