package searcher

import "sync"

// Searcher is a reusable execution context for graph traversal. It owns all
// scratch memory required for one search or insertion, eliminating heap
// allocations in the steady state.
//
// Searcher is NOT thread-safe. It is owned by a single goroutine for the
// duration of an operation.
type Searcher struct {
	// Visited tracks visited slots during traversal.
	Visited *VisitedSet

	// Results is a max-heap bounded to ef, keeping the best candidates found.
	Results *PriorityQueue

	// Frontier is a min-heap of candidates still to be expanded.
	Frontier *PriorityQueue

	// ScratchVec is a reusable buffer for query normalization / decoding.
	ScratchVec []float32

	// ScratchItems is a reusable buffer for extracting heap contents.
	ScratchItems []Item
}

// NewSearcher creates a searcher with the given initial capacities.
func NewSearcher(visitedCap, queueCap int) *Searcher {
	return &Searcher{
		Visited:      NewVisitedSet(visitedCap),
		Results:      NewPriorityQueue(true),
		Frontier:     NewPriorityQueue(false),
		ScratchItems: make([]Item, 0, queueCap),
	}
}

var pool = sync.Pool{
	New: func() any {
		return NewSearcher(1024, 128)
	},
}

// Get returns a searcher from the pool with all scratch state reset.
func Get() *Searcher {
	s := pool.Get().(*Searcher)
	s.Visited.Reset()
	s.Results.Reset()
	s.Frontier.Reset()
	s.ScratchItems = s.ScratchItems[:0]
	return s
}

// Put returns a searcher to the pool.
func Put(s *Searcher) {
	pool.Put(s)
}
