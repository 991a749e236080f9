package hnsw

import (
	"sync/atomic"
)

const (
	// nodeSegmentBits sizes the per-segment node array (65536). Segments are
	// published once and never reallocated, so readers can dereference them
	// without locks while the registry grows.
	nodeSegmentBits = 16
	nodeSegmentSize = 1 << nodeSegmentBits
	nodeSegmentMask = nodeSegmentSize - 1
)

type nodeSegment [nodeSegmentSize]atomic.Pointer[node]

// node holds the adjacency lists of one element. conns has level+1 entries,
// conns[0] being the base layer. The slices are mutated only under the
// owning lock shard; readers must hold the shard read lock.
type node struct {
	level int
	conns [][]Neighbor
}

func newNode(level, m, mMax0 int) *node {
	conns := make([][]Neighbor, level+1)
	conns[0] = make([]Neighbor, 0, mMax0)
	for l := 1; l <= level; l++ {
		conns[l] = make([]Neighbor, 0, m)
	}
	return &node{level: level, conns: conns}
}

// getNode returns the node registered at slot, or nil.
func (g *Graph) getNode(slot uint32) *node {
	segs := g.nodes.Load()
	si := int(slot >> nodeSegmentBits)
	if segs == nil || si >= len(*segs) {
		return nil
	}
	seg := (*segs)[si]
	if seg == nil {
		return nil
	}
	return seg[slot&nodeSegmentMask].Load()
}

// setNode publishes a node at slot, growing the segment directory as needed.
func (g *Graph) setNode(slot uint32, n *node) {
	si := int(slot >> nodeSegmentBits)

	segs := g.nodes.Load()
	if segs == nil || si >= len(*segs) {
		g.growNodes(si)
		segs = g.nodes.Load()
	}
	seg := (*segs)[si]
	if seg == nil {
		g.growNodes(si)
		segs = g.nodes.Load()
		seg = (*segs)[si]
	}
	seg[slot&nodeSegmentMask].Store(n)
}

func (g *Graph) growNodes(si int) {
	g.nodesMu.Lock()
	defer g.nodesMu.Unlock()

	segs := g.nodes.Load()
	var cur []*nodeSegment
	if segs != nil {
		cur = *segs
	}
	if si < len(cur) && cur[si] != nil {
		return
	}

	next := make([]*nodeSegment, max(si+1, len(cur)))
	copy(next, cur)
	if next[si] == nil {
		next[si] = new(nodeSegment)
	}
	g.nodes.Store(&next)
}

// forEachSlot walks every registered slot in ascending order.
func (g *Graph) forEachSlot(fn func(slot uint32, n *node) bool) {
	segs := g.nodes.Load()
	if segs == nil {
		return
	}
	for si, seg := range *segs {
		if seg == nil {
			continue
		}
		for i := range seg {
			n := seg[i].Load()
			if n == nil {
				continue
			}
			if !fn(uint32(si<<nodeSegmentBits|i), n) {
				return
			}
		}
	}
}

func (g *Graph) lockShard(slot uint32) *lockShard {
	return &g.shards[slot&uint32(len(g.shards)-1)]
}

// copyConns snapshots the adjacency of slot at layer into buf under the
// shard read lock. Returns buf resliced, or nil when the node is missing or
// has no such layer.
func (g *Graph) copyConns(slot uint32, layer int, buf []Neighbor) []Neighbor {
	sh := g.lockShard(slot)
	sh.RLock()
	defer sh.RUnlock()

	n := g.getNode(slot)
	if n == nil || layer > n.level {
		return nil
	}
	conns := n.conns[layer]
	if cap(buf) < len(conns) {
		buf = make([]Neighbor, len(conns))
	}
	buf = buf[:len(conns)]
	copy(buf, conns)
	return buf
}
