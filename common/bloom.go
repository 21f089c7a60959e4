package common

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// CountingBloomFilter bounds memory for medium/low priority announced hashes on
// super-nodes while still allowing membership to be retracted, which a plain
// bloom filter cannot do. Ecosystem bloom filters (e.g. bits-and-blooms/bloom) only
// support add/test, not decrement, so the counter array itself is a small stdlib
// slice; the k independent hash functions are derived from a single
// github.com/cespare/xxhash/v2 digest via double hashing (Kirsch-Mitzenmacher).
type CountingBloomFilter struct {
	mu       sync.RWMutex
	counters []uint8
	k        int
}

// NewCountingBloomFilter builds a filter with m counter slots and k hash functions.
// Counters saturate at 255 rather than overflow.
func NewCountingBloomFilter(m, k int) *CountingBloomFilter {
	if m <= 0 {
		m = 1 << 16
	}
	if k <= 0 {
		k = 4
	}
	return &CountingBloomFilter{counters: make([]uint8, m), k: k}
}

func (f *CountingBloomFilter) indices(key string) []uint32 {
	h1 := xxhash.Sum64String(key)
	h2 := xxhash.Sum64String(key + "\x00salt")
	idx := make([]uint32, f.k)
	m := uint64(len(f.counters))
	for i := 0; i < f.k; i++ {
		combined := h1 + uint64(i)*h2
		idx[i] = uint32(combined % m)
	}
	return idx
}

// Add increments the counters for key.
func (f *CountingBloomFilter) Add(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, i := range f.indices(key) {
		if f.counters[i] < 255 {
			f.counters[i]++
		}
	}
}

// Remove decrements the counters for key. Removing a key that was never added, or
// removing it more times than it was added, is a no-op once counters reach zero.
func (f *CountingBloomFilter) Remove(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, i := range f.indices(key) {
		if f.counters[i] > 0 {
			f.counters[i]--
		}
	}
}

// Contains reports probable membership. False positives are possible; false
// negatives are not, as long as Remove was never called more often than Add for the
// same key.
func (f *CountingBloomFilter) Contains(key string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, i := range f.indices(key) {
		if f.counters[i] == 0 {
			return false
		}
	}
	return true
}
