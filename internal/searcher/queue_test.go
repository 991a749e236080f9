package searcher

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityQueueMinHeap(t *testing.T) {
	pq := NewPriorityQueue(false)
	pq.PushItem(Item{Slot: 1, Distance: 3.0})
	pq.PushItem(Item{Slot: 2, Distance: 1.0})
	pq.PushItem(Item{Slot: 3, Distance: 2.0})

	item, ok := pq.PopItem()
	require.True(t, ok)
	assert.Equal(t, uint32(2), item.Slot)

	item, _ = pq.PopItem()
	assert.Equal(t, uint32(3), item.Slot)

	item, _ = pq.PopItem()
	assert.Equal(t, uint32(1), item.Slot)

	_, ok = pq.PopItem()
	assert.False(t, ok)
}

func TestPriorityQueueMaxHeap(t *testing.T) {
	pq := NewPriorityQueue(true)
	pq.PushItem(Item{Slot: 1, Distance: 3.0})
	pq.PushItem(Item{Slot: 2, Distance: 1.0})

	top, ok := pq.TopItem()
	require.True(t, ok)
	assert.Equal(t, uint32(1), top.Slot, "max-heap keeps worst on top")

	best, ok := pq.MinItem()
	require.True(t, ok)
	assert.Equal(t, uint32(2), best.Slot)
}

func TestPriorityQueueBounded(t *testing.T) {
	pq := NewPriorityQueue(true)
	for i := 0; i < 10; i++ {
		pq.PushItemBounded(Item{Slot: uint32(i), Distance: float32(i)}, 3)
	}
	assert.Equal(t, 3, pq.Len())

	// The three closest (0, 1, 2) survive.
	var slots []uint32
	for pq.Len() > 0 {
		item, _ := pq.PopItem()
		slots = append(slots, item.Slot)
	}
	assert.ElementsMatch(t, []uint32{0, 1, 2}, slots)
}

func TestPriorityQueueTieBreak(t *testing.T) {
	// Equal distances must order by ascending slot id.
	pq := NewPriorityQueue(false)
	for _, slot := range []uint32{5, 1, 9, 3} {
		pq.PushItem(Item{Slot: slot, Distance: 1.0})
	}
	var got []uint32
	for pq.Len() > 0 {
		item, _ := pq.PopItem()
		got = append(got, item.Slot)
	}
	assert.Equal(t, []uint32{1, 3, 5, 9}, got)
}

func TestPriorityQueueRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	pq := NewPriorityQueue(false)
	dists := make([]float32, 500)
	for i := range dists {
		dists[i] = rng.Float32()
		pq.PushItem(Item{Slot: uint32(i), Distance: dists[i]})
	}
	sort.Slice(dists, func(i, j int) bool { return dists[i] < dists[j] })
	for i := 0; i < len(dists); i++ {
		item, ok := pq.PopItem()
		require.True(t, ok)
		assert.Equal(t, dists[i], item.Distance)
	}
}

func TestVisitedSet(t *testing.T) {
	v := NewVisitedSet(64)
	assert.False(t, v.Visited(10))
	v.Visit(10)
	assert.True(t, v.Visited(10))

	// Growth past initial capacity.
	v.Visit(100000)
	assert.True(t, v.Visited(100000))

	v.Reset()
	assert.False(t, v.Visited(10))
	assert.False(t, v.Visited(100000))
}

func TestSearcherPool(t *testing.T) {
	s := Get()
	s.Visited.Visit(1)
	s.Frontier.PushItem(Item{Slot: 1, Distance: 1})
	s.Results.PushItem(Item{Slot: 1, Distance: 1})
	Put(s)

	s2 := Get()
	assert.False(t, s2.Visited.Visited(1))
	assert.Equal(t, 0, s2.Frontier.Len())
	assert.Equal(t, 0, s2.Results.Len())
	Put(s2)
}
