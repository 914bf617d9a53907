package storage

import (
	"github.com/bits-and-blooms/bloom/v3"
)

// filter is a negative lookup filter over every key put since the tree was
// recovered. A nil bloom filter admits every key.
type filter struct {
	bf *bloom.BloomFilter
}

func newFilter(capacity uint, fpr float64) *filter {
	if capacity == 0 {
		return &filter{}
	}
	return &filter{bf: bloom.NewWithEstimates(capacity, fpr)}
}

func (f *filter) add(key []byte) {
	if f.bf != nil {
		f.bf.Add(key)
	}
}

// mayContain reports whether key could be in the tree. False is definite.
func (f *filter) mayContain(key []byte) bool {
	return f.bf == nil || f.bf.Test(key)
}

func (f *filter) reset() {
	if f.bf != nil {
		f.bf.ClearAll()
	}
}
