package lsm

import (
	"bytes"

	bloom "github.com/bits-and-blooms/bloom/v3"
)

// BloomFilterSize is the fixed capacity every flush/compaction bloom filter
// is sized to (spec §4.5's "fresh bloom filter sized to BLOOMFILTER_SIZE").
const BloomFilterSize uint = 100000

// BloomFilter wraps github.com/bits-and-blooms/bloom/v3 behind the spec §6
// create/add/check/destroy contract, generalizing the teacher's BloomPolicy
// stub (a no-op placeholder in sstable.go) into the real filter the
// teacher's own bloom_sstable_integration_test.go already exercises.
type BloomFilter struct {
	filter *bloom.BloomFilter
}

// NewBloomFilter creates a filter sized for n expected items at the given
// false-positive probability (spec §6 create(size)).
func NewBloomFilter(n uint, fp float64) *BloomFilter {
	return &BloomFilter{filter: bloom.NewWithEstimates(n, fp)}
}

// Add inserts key into the filter.
func (b *BloomFilter) Add(key []byte) { b.filter.Add(key) }

// MayContain reports whether key might be present (never a false negative).
func (b *BloomFilter) MayContain(key []byte) bool { return b.filter.Test(key) }

// Destroy releases the filter. No-op on a GC'd runtime; kept for symmetry
// with the spec's explicit destroy() contract.
func (b *BloomFilter) Destroy() { b.filter = nil }

// Serialize writes the filter's binary form for storage as an SSTable's
// page-0 header.
func (b *BloomFilter) Serialize() ([]byte, *Error) {
	var buf bytes.Buffer
	if _, err := b.filter.WriteTo(&buf); err != nil {
		return nil, wrapErr(KindSerializationFailed, "serializing bloom filter", err)
	}
	return buf.Bytes(), nil
}

// DeserializeBloomFilter reconstructs a filter previously written by
// Serialize.
func DeserializeBloomFilter(data []byte) (*BloomFilter, *Error) {
	f := &bloom.BloomFilter{}
	if _, err := f.ReadFrom(bytes.NewReader(data)); err != nil {
		return nil, wrapErr(KindBloomReadFailed, "deserializing bloom filter", err)
	}
	return &BloomFilter{filter: f}, nil
}
