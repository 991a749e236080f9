// Package bitset provides a thread-safe, lock-free, segmented bitset used
// for tombstone tracking. Segments are allocated on demand and never moved,
// so readers stay lock-free while the set grows.
package bitset

import (
	"math/bits"
	"sync/atomic"
)

const (
	segmentBits = 16
	segmentSize = 1 << segmentBits // 65536 bits per segment
	segmentMask = segmentSize - 1

	wordsPerSegment = segmentSize / 64
)

// Segment is a fixed-size segment of the bitset.
type Segment [wordsPerSegment]atomic.Uint64

// BitSet is a thread-safe, lock-free, segmented bitset.
type BitSet struct {
	segments atomic.Pointer[[]*Segment]
}

// New creates a BitSet with capacity for at least size bits.
func New(size uint32) *BitSet {
	b := &BitSet{}
	b.Grow(size)
	return b
}

// Grow ensures capacity for at least size bits.
func (b *BitSet) Grow(size uint32) {
	if size == 0 {
		return
	}
	targetIdx := int((size - 1) >> segmentBits)

	// Fast path
	segments := b.segments.Load()
	if segments != nil && len(*segments) > targetIdx {
		return
	}

	// Slow path: CAS loop
	for {
		old := b.segments.Load()
		currentLen := 0
		if old != nil {
			currentLen = len(*old)
		}
		if targetIdx < currentLen {
			return
		}

		next := make([]*Segment, targetIdx+1)
		if old != nil {
			copy(next, *old)
		}
		for i := currentLen; i <= targetIdx; i++ {
			next[i] = new(Segment)
		}

		if b.segments.CompareAndSwap(old, &next) {
			return
		}
	}
}

// Set sets the bit at index i, growing if needed.
func (b *BitSet) Set(i uint32) {
	b.Grow(i + 1)
	seg := (*b.segments.Load())[i>>segmentBits]
	word := &seg[(i&segmentMask)>>6]
	mask := uint64(1) << (i & 63)
	for {
		old := word.Load()
		if old&mask != 0 {
			return
		}
		if word.CompareAndSwap(old, old|mask) {
			return
		}
	}
}

// Unset clears the bit at index i.
func (b *BitSet) Unset(i uint32) {
	segments := b.segments.Load()
	segIdx := int(i >> segmentBits)
	if segments == nil || segIdx >= len(*segments) {
		return
	}
	word := &(*segments)[segIdx][(i&segmentMask)>>6]
	mask := uint64(1) << (i & 63)
	for {
		old := word.Load()
		if old&mask == 0 {
			return
		}
		if word.CompareAndSwap(old, old&^mask) {
			return
		}
	}
}

// Test returns true if the bit at index i is set.
func (b *BitSet) Test(i uint32) bool {
	segments := b.segments.Load()
	segIdx := int(i >> segmentBits)
	if segments == nil || segIdx >= len(*segments) {
		return false
	}
	word := (*segments)[segIdx][(i&segmentMask)>>6].Load()
	return word&(uint64(1)<<(i&63)) != 0
}

// Count returns the number of set bits.
func (b *BitSet) Count() int {
	segments := b.segments.Load()
	if segments == nil {
		return 0
	}
	count := 0
	for _, seg := range *segments {
		for w := range seg {
			count += bits.OnesCount64(seg[w].Load())
		}
	}
	return count
}

// ForEach calls fn for every set bit in ascending order, stopping if fn
// returns false.
func (b *BitSet) ForEach(fn func(i uint32) bool) {
	segments := b.segments.Load()
	if segments == nil {
		return
	}
	for s, seg := range *segments {
		base := uint32(s) << segmentBits
		for w := range seg {
			word := seg[w].Load()
			for word != 0 {
				bit := uint32(bits.TrailingZeros64(word))
				if !fn(base + uint32(w)<<6 + bit) {
					return
				}
				word &= word - 1
			}
		}
	}
}
