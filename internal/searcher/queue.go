// Package searcher implements the pooled execution context and queues used
// by graph traversal.
package searcher

// Item represents a candidate in a priority queue.
type Item struct {
	Slot     uint32
	Distance float32
}

// PriorityQueue implements a binary heap of Items. It is value-based and does
// NOT implement container/heap to avoid interface overhead on the hot path.
//
// Distance ties are broken by slot id so that traversal order, and therefore
// search output, is deterministic for identical input.
type PriorityQueue struct {
	isMaxHeap bool
	items     []Item
}

// NewPriorityQueue creates a new priority queue.
// A max-heap keeps the worst candidate on top (bounded result sets);
// a min-heap keeps the best candidate on top (exploration frontier).
func NewPriorityQueue(isMaxHeap bool) *PriorityQueue {
	return &PriorityQueue{
		isMaxHeap: isMaxHeap,
		items:     make([]Item, 0, 16),
	}
}

// Reset clears the priority queue for reuse.
func (pq *PriorityQueue) Reset() {
	pq.items = pq.items[:0]
}

// Len returns the number of elements in the heap.
func (pq *PriorityQueue) Len() int {
	return len(pq.items)
}

// TopItem returns the top element of the heap without removing it.
func (pq *PriorityQueue) TopItem() (Item, bool) {
	if len(pq.items) == 0 {
		return Item{}, false
	}
	return pq.items[0], true
}

// MinItem returns the item with the minimum distance in the queue.
// O(N) for a max-heap, but N (ef) is small.
func (pq *PriorityQueue) MinItem() (Item, bool) {
	if len(pq.items) == 0 {
		return Item{}, false
	}
	best := pq.items[0]
	for _, item := range pq.items[1:] {
		if pq.before(item, best) {
			best = item
		}
	}
	if pq.isMaxHeap {
		return best, true
	}
	return pq.items[0], true
}

// before reports whether a ranks strictly better (closer) than b.
func (pq *PriorityQueue) before(a, b Item) bool {
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	return a.Slot < b.Slot
}

// less is the heap ordering: for a max-heap the worst item sorts first.
func (pq *PriorityQueue) less(i, j int) bool {
	if pq.isMaxHeap {
		return pq.before(pq.items[j], pq.items[i])
	}
	return pq.before(pq.items[i], pq.items[j])
}

// PushItem inserts an item while maintaining the heap invariant.
func (pq *PriorityQueue) PushItem(item Item) {
	pq.items = append(pq.items, item)
	pq.siftUp(len(pq.items) - 1)
}

// PushItemBounded inserts an item into a heap bounded to capacity items.
// When full, the item replaces the top only if it ranks better.
func (pq *PriorityQueue) PushItemBounded(item Item, capacity int) {
	if len(pq.items) < capacity {
		pq.PushItem(item)
		return
	}
	top, _ := pq.TopItem()
	if pq.isMaxHeap {
		if pq.before(item, top) {
			pq.items[0] = item
			pq.siftDown(0)
		}
	} else {
		if pq.before(top, item) {
			pq.items[0] = item
			pq.siftDown(0)
		}
	}
}

// PopItem removes and returns the top element from the heap.
func (pq *PriorityQueue) PopItem() (Item, bool) {
	n := len(pq.items)
	if n == 0 {
		return Item{}, false
	}
	item := pq.items[0]
	pq.items[0] = pq.items[n-1]
	pq.items = pq.items[:n-1]
	if len(pq.items) > 0 {
		pq.siftDown(0)
	}
	return item, true
}

func (pq *PriorityQueue) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !pq.less(i, parent) {
			break
		}
		pq.items[i], pq.items[parent] = pq.items[parent], pq.items[i]
		i = parent
	}
}

func (pq *PriorityQueue) siftDown(i int) {
	n := len(pq.items)
	for {
		left := 2*i + 1
		if left >= n {
			break
		}
		smallest := left
		if right := left + 1; right < n && pq.less(right, left) {
			smallest = right
		}
		if !pq.less(smallest, i) {
			break
		}
		pq.items[i], pq.items[smallest] = pq.items[smallest], pq.items[i]
		i = smallest
	}
}
