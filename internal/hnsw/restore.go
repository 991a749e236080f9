package hnsw

import (
	"fmt"

	"github.com/hupe1980/vecdb/internal/bitset"
	"github.com/hupe1980/vecdb/internal/vectorstore"
)

// ForEachNode walks every registered node in ascending slot order, passing
// its adjacency per layer. The callback must not retain conns. Intended for
// snapshotting a quiesced graph.
func (g *Graph) ForEachNode(fn func(slot uint32, level int, conns [][]Neighbor) bool) {
	g.forEachSlot(func(slot uint32, n *node) bool {
		sh := g.lockShard(slot)
		sh.RLock()
		ok := fn(slot, n.level, n.conns)
		sh.RUnlock()
		return ok
	})
}

// RestoreNode registers a node with prebuilt adjacency. The level is
// len(conns)-1. Only valid while rebuilding from a snapshot; the caller
// owns conns afterwards.
func (g *Graph) RestoreNode(slot uint32, conns [][]Neighbor, deleted bool) error {
	if len(conns) == 0 {
		return &ErrInvalidGraph{Reason: fmt.Sprintf("node %d has no layers", slot)}
	}
	g.setNode(slot, &node{level: len(conns) - 1, conns: conns})
	dead := g.deleted.Load()
	dead.Grow(slot + 1)
	if deleted {
		dead.Set(slot)
	} else {
		g.count.Add(1)
	}
	return nil
}

// SetEntryPoint installs the entry point after a restore.
func (g *Graph) SetEntryPoint(slot uint32, level int) {
	g.entryRef.Store(packEntry(slot, level))
}

// Validate checks structural invariants after a restore: the entry point
// resolves to a live node at its claimed level, every node sits inside the
// store's slot range, every link targets a registered node whose level
// covers the layer, and no adjacency list exceeds its budget.
func (g *Graph) Validate() error {
	if ref := g.entryRef.Load(); ref != 0 {
		slot, level := unpackEntry(ref)
		n := g.getNode(slot)
		if n == nil {
			return &ErrInvalidGraph{Reason: fmt.Sprintf("entry point %d not registered", slot)}
		}
		if n.level != level {
			return &ErrInvalidGraph{Reason: fmt.Sprintf("entry point %d level %d, node level %d", slot, level, n.level)}
		}
		if g.deleted.Load().Test(slot) {
			return &ErrInvalidGraph{Reason: fmt.Sprintf("entry point %d is deleted", slot)}
		}
	} else if g.count.Load() > 0 {
		return &ErrInvalidGraph{Reason: "no entry point with live nodes"}
	}

	rows := uint32(g.store.Len())

	var err error
	g.forEachSlot(func(slot uint32, n *node) bool {
		if slot >= rows {
			err = &ErrInvalidGraph{Reason: fmt.Sprintf("node %d beyond store rows %d", slot, rows)}
			return false
		}
		if len(n.conns) != n.level+1 {
			err = &ErrInvalidGraph{Reason: fmt.Sprintf("node %d: %d layers for level %d", slot, len(n.conns), n.level)}
			return false
		}
		for layer, conns := range n.conns {
			if len(conns) > g.maxConns(layer) {
				err = &ErrInvalidGraph{Reason: fmt.Sprintf("node %d layer %d: %d links exceeds budget %d", slot, layer, len(conns), g.maxConns(layer))}
				return false
			}
			for _, c := range conns {
				target := g.getNode(c.Slot)
				if target == nil {
					err = &ErrInvalidGraph{Reason: fmt.Sprintf("node %d layer %d links to missing node %d", slot, layer, c.Slot)}
					return false
				}
				if target.level < layer {
					err = &ErrInvalidGraph{Reason: fmt.Sprintf("node %d layer %d links to node %d of level %d", slot, layer, c.Slot, target.level)}
					return false
				}
			}
		}
		return true
	})
	return err
}

// ApplyRemap renames slots after the store was compacted. Tombstoned nodes
// vanish and all surviving adjacency is rewritten to the new slot space.
//
// No structural writer may run concurrently, but lock-free searches may:
// the replacement registry, tombstone set and entry point are built in full
// and published with atomic stores, so a concurrent reader observes either
// the old slot space or the new one, never a partially filled registry.
func (g *Graph) ApplyRemap(remap vectorstore.SlotRemap) {
	type rebuiltNode struct {
		slot uint32
		n    *node
	}
	var kept []rebuiltNode
	bestLevel := -1
	var bestSlot uint32

	g.forEachSlot(func(slot uint32, n *node) bool {
		newSlot, ok := remap.Apply(slot)
		if !ok {
			return true
		}
		conns := make([][]Neighbor, len(n.conns))
		for l, layer := range n.conns {
			out := make([]Neighbor, 0, len(layer))
			for _, c := range layer {
				if mapped, live := remap.Apply(c.Slot); live {
					out = append(out, Neighbor{Slot: mapped, Dist: c.Dist})
				}
			}
			conns[l] = out
		}
		kept = append(kept, rebuiltNode{slot: newSlot, n: &node{level: n.level, conns: conns}})
		// Remapped slots ascend with the old walk order, so the first node
		// at the highest level keeps the lowest-slot tie-break.
		if n.level > bestLevel {
			bestLevel = n.level
			bestSlot = newSlot
		}
		return true
	})

	maxSeg := 0
	for _, rn := range kept {
		if si := int(rn.slot >> nodeSegmentBits); si > maxSeg {
			maxSeg = si
		}
	}
	segs := make([]*nodeSegment, maxSeg+1)
	for i := range segs {
		segs[i] = new(nodeSegment)
	}
	for _, rn := range kept {
		segs[rn.slot>>nodeSegmentBits][rn.slot&nodeSegmentMask].Store(rn.n)
	}

	g.deleted.Store(bitset.New(nodeSegmentSize))
	g.nodes.Store(&segs)
	g.count.Store(int64(len(kept)))
	if bestLevel < 0 {
		g.entryRef.Store(0)
	} else {
		g.entryRef.Store(packEntry(bestSlot, bestLevel))
	}
}
