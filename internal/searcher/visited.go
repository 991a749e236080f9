package searcher

// VisitedSet tracks visited slots using a bitset plus a dirty list so that
// Reset is proportional to the number of visits, not the index size.
type VisitedSet struct {
	bits  []uint64
	dirty []uint32
}

// NewVisitedSet creates a visited set sized for capacity slots.
func NewVisitedSet(capacity int) *VisitedSet {
	return &VisitedSet{
		bits:  make([]uint64, (capacity+63)/64),
		dirty: make([]uint32, 0, 128),
	}
}

// Visit marks a slot as visited.
func (v *VisitedSet) Visit(slot uint32) {
	word := int(slot >> 6)
	mask := uint64(1) << (slot & 63)
	if word >= len(v.bits) {
		v.grow(word + 1)
	}
	if v.bits[word]&mask == 0 {
		v.bits[word] |= mask
		v.dirty = append(v.dirty, slot)
	}
}

// Visited returns true if the slot has been visited.
func (v *VisitedSet) Visited(slot uint32) bool {
	word := int(slot >> 6)
	if word >= len(v.bits) {
		return false
	}
	return v.bits[word]&(uint64(1)<<(slot&63)) != 0
}

// Reset clears the visited status for all slots visited since the last reset.
func (v *VisitedSet) Reset() {
	for _, slot := range v.dirty {
		v.bits[slot>>6] &^= uint64(1) << (slot & 63)
	}
	v.dirty = v.dirty[:0]
}

func (v *VisitedSet) grow(newLen int) {
	newCap := len(v.bits) * 2
	if newCap < newLen {
		newCap = newLen
	}
	bits := make([]uint64, newCap)
	copy(bits, v.bits)
	v.bits = bits
}
