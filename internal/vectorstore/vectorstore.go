// Package vectorstore owns raw vector rows and the external-id to
// internal-slot mapping. It has no knowledge of the graph built on top.
//
// Rows live in fixed-size segments that are never reallocated once
// published, so concurrent readers can hold row views without locks while
// the store grows. All structural writes serialize on one mutex.
package vectorstore

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/vecdb/internal/bitset"
)

const (
	segmentBits = 14
	segmentRows = 1 << segmentBits // 16384 rows per segment
	segmentMask = segmentRows - 1
)

var (
	// ErrDuplicateID is returned when Put sees an external id that is
	// already mapped to a live slot.
	ErrDuplicateID = errors.New("duplicate id")

	// ErrCapacityExceeded is returned when Put would exceed the configured
	// maximum element count.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrSlotOutOfRange is returned for slot arguments past the high water mark.
	ErrSlotOutOfRange = errors.New("slot out of range")
)

// Dropped marks a slot removed by compaction in a SlotRemap.
const Dropped = ^uint32(0)

// SlotRemap maps old slot ids to new slot ids after compaction.
// Entries equal to Dropped refer to tombstoned slots that were reclaimed.
type SlotRemap []uint32

// Apply translates an old slot id. ok is false if the slot was dropped.
func (r SlotRemap) Apply(old uint32) (uint32, bool) {
	if int(old) >= len(r) || r[old] == Dropped {
		return 0, false
	}
	return r[old], true
}

// codeTable holds quantized codes parallel to the row segments.
// It is immutable in shape: replaced wholesale when a codebook is attached.
type codeTable struct {
	size int // bytes per code
	segs [][]byte
}

// Store is the slot-addressed vector store.
type Store struct {
	dim         int
	maxElements uint64 // 0 = unlimited

	// Hot path: lock-free row, code and tombstone access. The tombstone set
	// is replaced wholesale by Compact, so readers load it per access.
	segments   atomic.Pointer[[][]float32]
	codes      atomic.Pointer[codeTable]
	tombstones atomic.Pointer[bitset.BitSet]

	mu    sync.Mutex // serializes Put/Remove/Compact/AttachCodes
	idsMu sync.RWMutex
	ids   []string          // slot -> external id ("" once removed)
	index map[string]uint32 // external id -> slot
	next  uint32
}

// New creates a store for vectors of the given dimension.
// maxElements of 0 means unlimited.
func New(dim int, maxElements uint64) *Store {
	s := &Store{
		dim:         dim,
		maxElements: maxElements,
		index:       make(map[string]uint32),
	}
	s.tombstones.Store(bitset.New(segmentRows))
	segs := make([][]float32, 1)
	segs[0] = make([]float32, segmentRows*dim)
	s.segments.Store(&segs)
	return s
}

// Dimension returns the configured vector dimension.
func (s *Store) Dimension() int { return s.dim }

// Len returns the slot high water mark, including tombstoned slots.
func (s *Store) Len() int {
	s.idsMu.RLock()
	defer s.idsMu.RUnlock()
	return int(s.next)
}

// Live returns the number of live (non-tombstoned) records.
func (s *Store) Live() int {
	s.idsMu.RLock()
	defer s.idsMu.RUnlock()
	return len(s.index)
}

// Put stores a vector under the given external id and returns its slot.
// Duplicate ids are rejected, not overwritten.
func (s *Store) Put(id string, vec []float32) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.idsMu.RLock()
	_, dup := s.index[id]
	live := uint64(len(s.index))
	s.idsMu.RUnlock()
	if dup {
		return 0, ErrDuplicateID
	}
	if s.maxElements > 0 && live >= s.maxElements {
		return 0, ErrCapacityExceeded
	}

	slot := s.next
	s.growRows(slot)

	segs := *s.segments.Load()
	row := segs[slot>>segmentBits][int(slot&segmentMask)*s.dim:]
	copy(row[:s.dim], vec)

	ts := s.tombstones.Load()
	ts.Grow(slot + 1)
	ts.Unset(slot)

	s.idsMu.Lock()
	s.ids = append(s.ids, id)
	s.index[id] = slot
	s.next++
	s.idsMu.Unlock()

	return slot, nil
}

// growRows ensures row (and code) capacity for the given slot.
// Caller holds s.mu.
func (s *Store) growRows(slot uint32) {
	segIdx := int(slot >> segmentBits)
	segs := *s.segments.Load()
	if segIdx < len(segs) {
		return
	}

	next := make([][]float32, segIdx+1)
	copy(next, segs)
	for i := len(segs); i <= segIdx; i++ {
		next[i] = make([]float32, segmentRows*s.dim)
	}
	s.segments.Store(&next)

	if ct := s.codes.Load(); ct != nil {
		nextCodes := make([][]byte, segIdx+1)
		copy(nextCodes, ct.segs)
		for i := len(ct.segs); i <= segIdx; i++ {
			nextCodes[i] = make([]byte, segmentRows*ct.size)
		}
		s.codes.Store(&codeTable{size: ct.size, segs: nextCodes})
	}
}

// Vector returns a read-only view of the raw vector at the given slot.
// The view stays valid across growth but not across Compact.
func (s *Store) Vector(slot uint32) []float32 {
	segs := *s.segments.Load()
	segIdx := int(slot >> segmentBits)
	if segIdx >= len(segs) {
		return nil
	}
	off := int(slot&segmentMask) * s.dim
	return segs[segIdx][off : off+s.dim : off+s.dim]
}

// ID resolves a slot to its external id. ok is false for tombstoned or
// unallocated slots.
func (s *Store) ID(slot uint32) (string, bool) {
	if s.tombstones.Load().Test(slot) {
		return "", false
	}
	s.idsMu.RLock()
	defer s.idsMu.RUnlock()
	if int(slot) >= len(s.ids) {
		return "", false
	}
	id := s.ids[slot]
	if id == "" {
		return "", false
	}
	return id, true
}

// Slot resolves an external id to its slot.
func (s *Store) Slot(id string) (uint32, bool) {
	s.idsMu.RLock()
	defer s.idsMu.RUnlock()
	slot, ok := s.index[id]
	return slot, ok
}

// Remove tombstones the record with the given external id. It is O(1) and
// idempotent: removing an unknown or already-removed id returns false.
func (s *Store) Remove(id string) (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.idsMu.Lock()
	slot, ok := s.index[id]
	if !ok {
		s.idsMu.Unlock()
		return 0, false
	}
	delete(s.index, id)
	s.ids[slot] = ""
	s.idsMu.Unlock()

	s.tombstones.Load().Set(slot)
	return slot, true
}

// Deleted returns true if the slot is tombstoned.
func (s *Store) Deleted(slot uint32) bool {
	return s.tombstones.Load().Test(slot)
}

// TombstoneBitmap returns a point-in-time roaring bitmap of tombstoned slots.
func (s *Store) TombstoneBitmap() *roaring.Bitmap {
	bm := roaring.New()
	s.tombstones.Load().ForEach(func(i uint32) bool {
		bm.Add(i)
		return true
	})
	return bm
}

// ForEachLive calls fn for every live record in ascending slot order,
// stopping early if fn returns false.
func (s *Store) ForEachLive(fn func(slot uint32, id string, vec []float32) bool) {
	s.idsMu.RLock()
	high := s.next
	s.idsMu.RUnlock()

	for slot := uint32(0); slot < high; slot++ {
		id, ok := s.ID(slot)
		if !ok {
			continue
		}
		if !fn(slot, id, s.Vector(slot)) {
			return
		}
	}
}

// AttachCodes installs a code table of the given size and encodes every live
// row with encode. Readers observe either the previous table or the fully
// built new one, never a partial state.
func (s *Store) AttachCodes(size int, encode func(vec []float32) ([]byte, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	segs := *s.segments.Load()
	ct := &codeTable{size: size, segs: make([][]byte, len(segs))}
	for i := range ct.segs {
		ct.segs[i] = make([]byte, segmentRows*size)
	}

	var encodeErr error
	s.ForEachLive(func(slot uint32, _ string, vec []float32) bool {
		code, err := encode(vec)
		if err != nil {
			encodeErr = err
			return false
		}
		copy(ct.segs[slot>>segmentBits][int(slot&segmentMask)*size:], code)
		return true
	})
	if encodeErr != nil {
		return encodeErr
	}

	s.codes.Store(ct)
	return nil
}

// DetachCodes removes the code table.
func (s *Store) DetachCodes() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes.Store(nil)
}

// HasCodes returns true if a code table is attached.
func (s *Store) HasCodes() bool {
	return s.codes.Load() != nil
}

// SetCode stores the code for a slot. The code table must be attached and
// sized for the slot (guaranteed for slots returned by Put after attach).
func (s *Store) SetCode(slot uint32, code []byte) {
	ct := s.codes.Load()
	if ct == nil || int(slot>>segmentBits) >= len(ct.segs) {
		return
	}
	copy(ct.segs[slot>>segmentBits][int(slot&segmentMask)*ct.size:], code)
}

// Code returns a read-only view of the code at the given slot.
func (s *Store) Code(slot uint32) []byte {
	ct := s.codes.Load()
	if ct == nil {
		return nil
	}
	segIdx := int(slot >> segmentBits)
	if segIdx >= len(ct.segs) {
		return nil
	}
	off := int(slot&segmentMask) * ct.size
	return ct.segs[segIdx][off : off+ct.size : off+ct.size]
}

// Compact physically repacks live records into a dense slot range and
// returns the old-to-new slot mapping. Old slot views are invalid after
// Compact; callers must apply the remap to any retained slot references.
func (s *Store) Compact() SlotRemap {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.idsMu.Lock()
	defer s.idsMu.Unlock()

	high := s.next
	remap := make(SlotRemap, high)

	newSegs := [][]float32{make([]float32, segmentRows*s.dim)}
	newIDs := make([]string, 0, len(s.index))
	newIndex := make(map[string]uint32, len(s.index))

	oldCT := s.codes.Load()
	var newCT *codeTable
	if oldCT != nil {
		newCT = &codeTable{size: oldCT.size, segs: [][]byte{make([]byte, segmentRows*oldCT.size)}}
	}

	dead := s.tombstones.Load()
	next := uint32(0)
	for slot := uint32(0); slot < high; slot++ {
		if dead.Test(slot) || s.ids[slot] == "" {
			remap[slot] = Dropped
			continue
		}

		dst := next
		for int(dst>>segmentBits) >= len(newSegs) {
			newSegs = append(newSegs, make([]float32, segmentRows*s.dim))
			if newCT != nil {
				newCT.segs = append(newCT.segs, make([]byte, segmentRows*newCT.size))
			}
		}

		copy(newSegs[dst>>segmentBits][int(dst&segmentMask)*s.dim:], s.Vector(slot))
		if newCT != nil {
			copy(newCT.segs[dst>>segmentBits][int(dst&segmentMask)*newCT.size:], s.Code(slot))
		}

		id := s.ids[slot]
		newIDs = append(newIDs, id)
		newIndex[id] = dst
		remap[slot] = dst
		next++
	}

	s.segments.Store(&newSegs)
	if newCT != nil {
		s.codes.Store(newCT)
	}
	s.ids = newIDs
	s.index = newIndex
	s.next = next
	s.tombstones.Store(bitset.New(segmentRows))

	return remap
}

// RestoreRow writes a row (and tombstone state) at an exact slot during
// snapshot restore. Slots must be restored in ascending order starting at 0.
func (s *Store) RestoreRow(slot uint32, id string, vec []float32, deleted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if slot != s.next {
		return ErrSlotOutOfRange
	}

	s.growRows(slot)
	segs := *s.segments.Load()
	copy(segs[slot>>segmentBits][int(slot&segmentMask)*s.dim:], vec)

	ts := s.tombstones.Load()
	ts.Grow(slot + 1)
	s.idsMu.Lock()
	s.ids = append(s.ids, id)
	if deleted {
		ts.Set(slot)
		s.ids[slot] = ""
	} else {
		s.index[id] = slot
	}
	s.next++
	s.idsMu.Unlock()

	return nil
}
