package hnsw

import (
	"context"
	"sort"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/vecdb/internal/searcher"
)

// Repair rewires the graph around tombstoned nodes: dead links are dropped
// and replaced through the deleted node's own neighborhood, then the
// tombstoned adjacency is cleared. Tombstones themselves survive repair;
// only compaction frees the slots.
//
// Runs with the given number of workers, 1 meaning sequential.
func (g *Graph) Repair(ctx context.Context, workers int) (RepairStats, error) {
	if workers < 1 {
		workers = 1
	}

	var slots []uint32
	g.forEachSlot(func(slot uint32, n *node) bool {
		slots = append(slots, slot)
		return true
	})

	var visited, cleared, dropped, added atomic.Int64

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(workers)

	for _, slot := range slots {
		if g.deleted.Load().Test(slot) {
			continue
		}
		slot := slot
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			d, a := g.repairNode(slot)
			visited.Add(1)
			dropped.Add(int64(d))
			added.Add(int64(a))
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return RepairStats{}, err
	}

	// Clear the adjacency of tombstoned nodes so nothing routes through
	// them anymore.
	for _, slot := range slots {
		if err := ctx.Err(); err != nil {
			return RepairStats{}, err
		}
		if !g.deleted.Load().Test(slot) {
			continue
		}
		sh := g.lockShard(slot)
		sh.Lock()
		if n := g.getNode(slot); n != nil {
			for l := range n.conns {
				n.conns[l] = n.conns[l][:0]
			}
		}
		sh.Unlock()
		cleared.Add(1)
	}

	g.reelectEntryPoint()

	return RepairStats{
		NodesVisited: int(visited.Load()),
		NodesCleared: int(cleared.Load()),
		LinksDropped: int(dropped.Load()),
		LinksAdded:   int(added.Load()),
	}, nil
}

// repairNode rewrites one live node's adjacency, replacing links to deleted
// neighbors with the best live two-hop candidates.
func (g *Graph) repairNode(slot uint32) (dropped, added int) {
	vec := g.store.Vector(slot)
	if vec == nil {
		return 0, 0
	}

	n := g.getNode(slot)
	if n == nil {
		return 0, 0
	}

	s := searcher.Get()
	defer searcher.Put(s)

	for layer := 0; layer <= n.level; layer++ {
		conns := g.copyConns(slot, layer, nil)

		var deadCount int
		for _, c := range conns {
			if g.deleted.Load().Test(c.Slot) {
				deadCount++
			}
		}
		if deadCount == 0 {
			continue
		}
		dropped += deadCount

		// Candidates: surviving links plus the live two-hop neighborhood
		// reached through the dead ones.
		seen := map[uint32]struct{}{slot: {}}
		var candidates []Neighbor
		for _, c := range conns {
			if g.deleted.Load().Test(c.Slot) {
				continue
			}
			if _, ok := seen[c.Slot]; ok {
				continue
			}
			seen[c.Slot] = struct{}{}
			candidates = append(candidates, c)
		}
		for _, c := range conns {
			if !g.deleted.Load().Test(c.Slot) {
				continue
			}
			for _, hop := range g.copyConns(c.Slot, layer, nil) {
				if g.deleted.Load().Test(hop.Slot) {
					continue
				}
				if _, ok := seen[hop.Slot]; ok {
					continue
				}
				seen[hop.Slot] = struct{}{}
				hopVec := g.store.Vector(hop.Slot)
				if hopVec == nil {
					continue
				}
				candidates = append(candidates, Neighbor{Slot: hop.Slot, Dist: g.metric(vec, hopVec)})
			}
		}

		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].Dist != candidates[j].Dist {
				return candidates[i].Dist < candidates[j].Dist
			}
			return candidates[i].Slot < candidates[j].Slot
		})

		maxM := g.maxConns(layer)
		s.Results.Reset()
		for _, c := range candidates {
			s.Results.PushItem(searcher.Item{Slot: c.Slot, Distance: c.Dist})
		}
		next := g.selectNeighbors(s, vec, maxM)
		added += len(next) - (len(conns) - deadCount)

		sh := g.lockShard(slot)
		sh.Lock()
		if cur := g.getNode(slot); cur != nil && layer <= cur.level {
			cur.conns[layer] = append(cur.conns[layer][:0], next...)
		}
		sh.Unlock()
	}
	if added < 0 {
		added = 0
	}
	return dropped, added
}
