// Package hnsw implements a Hierarchical Navigable Small World graph over a
// slot-addressed vector store. Deletes are logical (tombstones); a repair
// pass rewires the graph around deleted nodes and a compaction remap renames
// slots after the store is repacked.
package hnsw

import (
	"context"
	"math"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/vecdb/distance"
	"github.com/hupe1980/vecdb/internal/bitset"
	"github.com/hupe1980/vecdb/internal/searcher"
	"github.com/hupe1980/vecdb/internal/vectorstore"
)

const (
	// DefaultM is the default number of bidirectional links per node.
	DefaultM = 16

	// DefaultEFConstruction is the default beam width during insertion.
	DefaultEFConstruction = 200

	// mMax0Multiplier widens the base layer, which carries every node.
	mMax0Multiplier = 2

	minimumM = 2

	// maxEFSearch caps the automatic ef-doubling retries.
	maxEFSearch = 4096

	numLockShards = 512 // power of two
)

// Options configures graph construction.
type Options struct {
	// M is the number of bidirectional links created per node on upper
	// layers. The base layer allows 2*M.
	M int

	// EFConstruction is the candidate beam width used while linking a new
	// node.
	EFConstruction int

	// Metric computes the distance between two vectors. Smaller is closer.
	Metric distance.Func

	// RandomSeed fixes the level generator for reproducible graphs. Nil
	// seeds from the clock.
	RandomSeed *int64
}

// DefaultOptions are the construction defaults.
var DefaultOptions = Options{
	M:              DefaultM,
	EFConstruction: DefaultEFConstruction,
}

type lockShard struct {
	sync.RWMutex
}

// Graph is the HNSW index. All elements are addressed by the slots of the
// backing vector store; identity resolution lives above this package.
//
// Searches and inserts run concurrently: adjacency is guarded by sharded
// per-node locks and the node registry grows without invalidating readers.
type Graph struct {
	store  *vectorstore.Store
	metric distance.Func

	m       int
	mMax0   int
	efBuild int

	// levelMult = 1/ln(M), the exponent of the layer distribution.
	levelMult float64

	// entryRef packs the entry point as 1<<63 | level<<32 | slot.
	// Zero means the graph is empty.
	entryRef atomic.Uint64
	count    atomic.Int64

	rngState atomic.Uint64

	nodes   atomic.Pointer[[]*nodeSegment]
	nodesMu sync.Mutex

	shards [numLockShards]lockShard

	// deleted is replaced wholesale by ApplyRemap, so readers load it per
	// access like the node registry.
	deleted atomic.Pointer[bitset.BitSet]

	// quantDist, when set, supplies an approximate query-to-code distance
	// used for traversal; results are reranked with exact distances.
	quantDist atomic.Pointer[quantizedDistance]
}

const entryValid = 1 << 63

func packEntry(slot uint32, level int) uint64 {
	return entryValid | uint64(level)<<32 | uint64(slot)
}

func unpackEntry(ref uint64) (slot uint32, level int) {
	return uint32(ref), int(uint32(ref>>32) &^ (1 << 31))
}

// New creates an empty graph over the given store.
func New(store *vectorstore.Store, metric distance.Func, optFns ...func(o *Options)) *Graph {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.M < minimumM {
		opts.M = minimumM
	}
	if opts.EFConstruction < opts.M {
		opts.EFConstruction = DefaultEFConstruction
	}

	var seed uint64
	if opts.RandomSeed != nil {
		seed = uint64(*opts.RandomSeed)
	} else {
		seed = uint64(time.Now().UnixNano())
	}

	g := &Graph{
		store:     store,
		metric:    metric,
		m:         opts.M,
		mMax0:     mMax0Multiplier * opts.M,
		efBuild:   opts.EFConstruction,
		levelMult: 1.0 / math.Log(float64(opts.M)),
	}
	g.deleted.Store(bitset.New(nodeSegmentSize))
	g.rngState.Store(seed)
	return g
}

// M returns the configured link budget per upper layer.
func (g *Graph) M() int { return g.m }

// EFConstruction returns the configured build beam width.
func (g *Graph) EFConstruction() int { return g.efBuild }

// Len returns the number of live (non-deleted) nodes.
func (g *Graph) Len() int {
	return int(g.count.Load())
}

// EntryPoint returns the current entry slot and its level.
func (g *Graph) EntryPoint() (slot uint32, level int, ok bool) {
	ref := g.entryRef.Load()
	if ref == 0 {
		return 0, 0, false
	}
	slot, level = unpackEntry(ref)
	return slot, level, true
}

// randomLevel draws a layer from the exponential distribution using a
// lock-free xorshift64* step.
func (g *Graph) randomLevel() int {
	seed := g.rngState.Add(0x9E3779B97F4A7C15)
	seed ^= seed >> 12
	seed ^= seed << 25
	seed ^= seed >> 27
	r := float64(seed*0x2545F4914F6CDD1D>>11) / float64(1<<53)
	if r <= 0 {
		r = math.SmallestNonzeroFloat64
	}
	return int(math.Floor(-math.Log(r) * g.levelMult))
}

func (g *Graph) maxConns(layer int) int {
	if layer == 0 {
		return g.mMax0
	}
	return g.m
}

func (g *Graph) distTo(vec []float32) DistFunc {
	return func(slot uint32) float32 {
		v := g.store.Vector(slot)
		if v == nil {
			return math.MaxFloat32
		}
		return g.metric(vec, v)
	}
}

// DistFunc computes the distance from a fixed query to a slot.
type DistFunc func(slot uint32) float32

// quantizedDistance wraps a per-query code-distance constructor so it can be
// published atomically.
type quantizedDistance struct {
	newQueryDist func(query []float32) (func(code []byte) float32, error)
}

// SetQuantizedDistance installs (or, with nil, removes) an approximate
// distance source over stored codes. newQueryDist is called once per query
// and must only be installed after the store's code table is attached.
func (g *Graph) SetQuantizedDistance(newQueryDist func(query []float32) (func(code []byte) float32, error)) {
	if newQueryDist == nil {
		g.quantDist.Store(nil)
		return
	}
	g.quantDist.Store(&quantizedDistance{newQueryDist: newQueryDist})
}

// Insert links the vector already stored at slot into the graph.
func (g *Graph) Insert(ctx context.Context, slot uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	vec := g.store.Vector(slot)
	if vec == nil {
		return &ErrNodeNotFound{Slot: slot}
	}

	level := g.randomLevel()
	g.setNode(slot, newNode(level, g.m, g.mMax0))
	g.deleted.Load().Grow(slot + 1)

	retries := 0
	for {
		ref := g.entryRef.Load()
		if ref == 0 {
			if g.entryRef.CompareAndSwap(0, packEntry(slot, level)) {
				g.count.Add(1)
				return nil
			}
			continue
		}

		epSlot, epLevel := unpackEntry(ref)
		if g.getNode(epSlot) == nil {
			// Entry point raced with a remap or repair. Back off and retry
			// against the re-elected entry.
			retries++
			if retries > 10 {
				g.reelectEntryPoint()
				retries = 0
			}
			runtime.Gosched()
			continue
		}

		if err := g.link(ctx, slot, vec, level, epSlot, epLevel); err != nil {
			return err
		}
		g.count.Add(1)
		g.promoteEntry(slot, level)
		return nil
	}
}

// promoteEntry raises the entry point when the new node's level exceeds the
// current top layer.
func (g *Graph) promoteEntry(slot uint32, level int) {
	for {
		ref := g.entryRef.Load()
		if ref != 0 {
			_, curLevel := unpackEntry(ref)
			if level <= curLevel {
				return
			}
		}
		if g.entryRef.CompareAndSwap(ref, packEntry(slot, level)) {
			return
		}
	}
}

// link runs the descent and bidirectional wiring for a new node.
func (g *Graph) link(ctx context.Context, slot uint32, vec []float32, level int, epSlot uint32, epLevel int) error {
	distFunc := g.distTo(vec)

	s := searcher.Get()
	defer searcher.Put(s)

	currSlot, currDist := epSlot, distFunc(epSlot)

	// Greedy descent through the layers above the new node.
	for layer := epLevel; layer > level; layer-- {
		currSlot, currDist = g.greedyStep(s, currSlot, currDist, layer, distFunc)
	}

	for layer := min(level, epLevel); layer >= 0; layer-- {
		if err := ctx.Err(); err != nil {
			return err
		}

		g.searchLayer(ctx, s, currSlot, currDist, layer, g.efBuild, distFunc)

		if best, ok := s.Results.MinItem(); ok {
			currSlot, currDist = best.Slot, best.Distance
		}

		maxM := g.maxConns(layer)
		neighbors := g.selectNeighbors(s, vec, maxM)

		sh := g.lockShard(slot)
		sh.Lock()
		if n := g.getNode(slot); n != nil && layer <= n.level {
			n.conns[layer] = append(n.conns[layer][:0], neighbors...)
		}
		sh.Unlock()

		for _, nb := range neighbors {
			g.addLink(s, nb.Slot, slot, layer, nb.Dist)
		}
	}
	return nil
}

// greedyStep walks to the closest neighbor on one layer until no neighbor
// improves on the current distance.
func (g *Graph) greedyStep(s *searcher.Searcher, slot uint32, dist float32, layer int, distFunc DistFunc) (uint32, float32) {
	for {
		improved := false
		s.ScratchItems = s.ScratchItems[:0]
		for _, nb := range g.copyConnsItems(slot, layer, s) {
			d := distFunc(nb.Slot)
			if d < dist {
				slot, dist = nb.Slot, d
				improved = true
			}
		}
		if !improved {
			return slot, dist
		}
	}
}

// copyConnsItems snapshots adjacency into the searcher scratch buffer.
func (g *Graph) copyConnsItems(slot uint32, layer int, s *searcher.Searcher) []searcher.Item {
	sh := g.lockShard(slot)
	sh.RLock()
	n := g.getNode(slot)
	if n == nil || layer > n.level {
		sh.RUnlock()
		return nil
	}
	conns := n.conns[layer]
	items := s.ScratchItems[:0]
	for _, c := range conns {
		items = append(items, searcher.Item{Slot: c.Slot, Distance: c.Dist})
	}
	sh.RUnlock()
	s.ScratchItems = items
	return items
}

// searchLayer runs a best-first beam search on one layer. Results land in
// s.Results as a bounded max-heap of size ef; tombstoned slots are traversed
// but excluded from results. Returns false when the context expired
// mid-search, leaving partial results in place.
func (g *Graph) searchLayer(ctx context.Context, s *searcher.Searcher, epSlot uint32, epDist float32, layer, ef int, distFunc DistFunc) bool {
	s.Visited.Reset()
	s.Frontier.Reset()
	s.Results.Reset()

	dead := g.deleted.Load()

	s.Visited.Visit(epSlot)
	s.Frontier.PushItem(searcher.Item{Slot: epSlot, Distance: epDist})
	if !dead.Test(epSlot) {
		s.Results.PushItem(searcher.Item{Slot: epSlot, Distance: epDist})
	}

	for s.Frontier.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return false
		}

		curr, _ := s.Frontier.PopItem()

		if s.Results.Len() >= ef {
			if worst, ok := s.Results.TopItem(); ok && curr.Distance > worst.Distance {
				break
			}
		}

		conns := g.copyConnsItems(curr.Slot, layer, s)
		for _, nb := range conns {
			if s.Visited.Visited(nb.Slot) {
				continue
			}
			s.Visited.Visit(nb.Slot)

			d := distFunc(nb.Slot)
			if s.Results.Len() >= ef {
				if worst, _ := s.Results.TopItem(); d > worst.Distance {
					continue
				}
			}

			s.Frontier.PushItem(searcher.Item{Slot: nb.Slot, Distance: d})
			if !dead.Test(nb.Slot) {
				s.Results.PushItemBounded(searcher.Item{Slot: nb.Slot, Distance: d}, ef)
			}
		}
	}
	return true
}

// selectNeighbors applies the diversification heuristic to s.Results: a
// candidate is admitted only if it is closer to the query than to every
// neighbor already admitted. Keeps at most m and consumes s.Results.
func (g *Graph) selectNeighbors(s *searcher.Searcher, queryVec []float32, m int) []Neighbor {
	// Drain the max-heap worst first, then reverse to nearest first.
	sorted := s.ScratchItems[:0]
	for s.Results.Len() > 0 {
		item, _ := s.Results.PopItem()
		sorted = append(sorted, item)
	}
	for i, j := 0, len(sorted)-1; i < j; i, j = i+1, j-1 {
		sorted[i], sorted[j] = sorted[j], sorted[i]
	}
	s.ScratchItems = sorted

	result := make([]Neighbor, 0, m)
	for _, cand := range sorted {
		if len(result) >= m {
			break
		}
		candVec := g.store.Vector(cand.Slot)
		if candVec == nil {
			continue
		}

		good := true
		for _, sel := range result {
			selVec := g.store.Vector(sel.Slot)
			if selVec != nil && g.metric(candVec, selVec) < cand.Distance {
				good = false
				break
			}
		}
		if good {
			result = append(result, Neighbor{Slot: cand.Slot, Dist: cand.Distance})
		}
	}

	// Backfill with the nearest rejected candidates so sparse regions keep
	// their connectivity.
	if len(result) < m {
		for _, cand := range sorted {
			if len(result) >= m {
				break
			}
			seen := false
			for _, sel := range result {
				if sel.Slot == cand.Slot {
					seen = true
					break
				}
			}
			if !seen {
				result = append(result, Neighbor{Slot: cand.Slot, Dist: cand.Distance})
			}
		}
	}
	return result
}

// addLink adds target into source's adjacency at layer, pruning with the
// diversification heuristic when the list is full.
func (g *Graph) addLink(s *searcher.Searcher, source, target uint32, layer int, dist float32) {
	sh := g.lockShard(source)
	sh.Lock()
	defer sh.Unlock()

	n := g.getNode(source)
	if n == nil || layer > n.level {
		return
	}

	conns := n.conns[layer]
	for _, c := range conns {
		if c.Slot == target {
			return
		}
	}

	maxM := g.maxConns(layer)
	if len(conns) < maxM {
		n.conns[layer] = append(conns, Neighbor{Slot: target, Dist: dist})
		return
	}

	// Overflow: rerun the heuristic over existing links plus the newcomer,
	// relative to the source vector. Cached distances avoid recomputation.
	srcVec := g.store.Vector(source)
	if srcVec == nil {
		return
	}
	s.Results.Reset()
	for _, c := range conns {
		s.Results.PushItem(searcher.Item{Slot: c.Slot, Distance: c.Dist})
	}
	s.Results.PushItem(searcher.Item{Slot: target, Distance: dist})

	n.conns[layer] = append(n.conns[layer][:0], g.selectNeighbors(s, srcVec, maxM)...)
}

// SearchOptions tunes a single query.
type SearchOptions struct {
	// EF is the beam width at the base layer. Values below k are raised
	// to k. Zero picks a default of max(2*k, 100).
	EF int
}

// Search returns the k nearest live slots to query. When ctx expires
// mid-traversal the best results found so far are returned without error.
// When the beam returns fewer than k live hits but more live nodes exist,
// the search retries with a doubled beam, bounded by maxEFSearch.
func (g *Graph) Search(ctx context.Context, query []float32, k int, opts *SearchOptions) ([]SearchResult, error) {
	if k <= 0 {
		return nil, ErrInvalidK
	}
	if len(query) == 0 {
		return nil, ErrEmptyVector
	}

	ref := g.entryRef.Load()
	if ref == 0 {
		return []SearchResult{}, nil
	}

	ef := 0
	if opts != nil {
		ef = opts.EF
	}
	if ef <= 0 {
		ef = max(2*k, 100)
	}
	if ef < k {
		ef = k
	}

	distFunc := g.distTo(query)
	rerank := false
	if qd := g.quantDist.Load(); qd != nil {
		if codeDist, err := qd.newQueryDist(query); err == nil {
			distFunc = func(slot uint32) float32 {
				code := g.store.Code(slot)
				if code == nil {
					return math.MaxFloat32
				}
				return codeDist(code)
			}
			rerank = true
		}
	}

	s := searcher.Get()
	defer searcher.Put(s)

	for {
		epSlot, epLevel := unpackEntry(g.entryRef.Load())
		if g.getNode(epSlot) == nil {
			// Re-elect and retry once below; an empty re-election means the
			// graph has no live nodes.
			if !g.reelectEntryPoint() {
				return []SearchResult{}, nil
			}
			continue
		}

		currSlot, currDist := epSlot, distFunc(epSlot)
		for layer := epLevel; layer > 0; layer-- {
			currSlot, currDist = g.greedyStep(s, currSlot, currDist, layer, distFunc)
		}

		completed := g.searchLayer(ctx, s, currSlot, currDist, 0, ef, distFunc)

		live := int(g.count.Load())
		if completed && s.Results.Len() < min(k, live) && ef < maxEFSearch {
			ef = min(2*ef, maxEFSearch)
			continue
		}

		if !rerank {
			return drainResults(s, k), nil
		}
		// Rescore the whole beam with exact distances before cutting to k, so
		// quantization error cannot reorder the final hits.
		candidates := drainResults(s, s.Results.Len())
		exact := g.distTo(query)
		for i := range candidates {
			candidates[i].Distance = exact(candidates[i].Slot)
		}
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].Distance != candidates[j].Distance {
				return candidates[i].Distance < candidates[j].Distance
			}
			return candidates[i].Slot < candidates[j].Slot
		})
		if len(candidates) > k {
			candidates = candidates[:k]
		}
		return candidates, nil
	}
}

// drainResults pops the bounded max-heap into a nearest-first slice of at
// most k hits.
func drainResults(s *searcher.Searcher, k int) []SearchResult {
	for s.Results.Len() > k {
		s.Results.PopItem()
	}
	out := make([]SearchResult, s.Results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		item, _ := s.Results.PopItem()
		out[i] = SearchResult{Slot: item.Slot, Distance: item.Distance}
	}
	return out
}

// Delete tombstones a slot. The node keeps routing traffic until a repair
// or compaction removes it. Returns false when the slot is not in the graph
// or already deleted.
func (g *Graph) Delete(slot uint32) bool {
	dead := g.deleted.Load()
	if g.getNode(slot) == nil || dead.Test(slot) {
		return false
	}
	dead.Set(slot)
	g.count.Add(-1)

	if ref := g.entryRef.Load(); ref != 0 {
		if epSlot, _ := unpackEntry(ref); epSlot == slot {
			g.reelectEntryPoint()
		}
	}
	return true
}

// Deleted reports whether slot is tombstoned.
func (g *Graph) Deleted(slot uint32) bool {
	return g.deleted.Load().Test(slot)
}

// reelectEntryPoint installs the live node with the highest level, breaking
// ties on the lowest slot. Returns false when no live node exists.
func (g *Graph) reelectEntryPoint() bool {
	dead := g.deleted.Load()
	bestLevel := -1
	var bestSlot uint32
	g.forEachSlot(func(slot uint32, n *node) bool {
		if dead.Test(slot) {
			return true
		}
		if n.level > bestLevel {
			bestLevel = n.level
			bestSlot = slot
		}
		return true
	})

	if bestLevel < 0 {
		g.entryRef.Store(0)
		return false
	}
	g.entryRef.Store(packEntry(bestSlot, bestLevel))
	return true
}
