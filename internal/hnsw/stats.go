package hnsw

// Stats summarizes graph shape: per-level node and link counts plus the
// current entry point.
func (g *Graph) Stats() Stats {
	var (
		nodes    int
		deleted  int
		maxLevel int
		byLevel  = map[int]*LevelStats{}
	)

	g.forEachSlot(func(slot uint32, n *node) bool {
		nodes++
		if g.deleted.Load().Test(slot) {
			deleted++
		}
		if n.level > maxLevel {
			maxLevel = n.level
		}

		sh := g.lockShard(slot)
		sh.RLock()
		for l, conns := range n.conns {
			ls := byLevel[l]
			if ls == nil {
				ls = &LevelStats{Level: l}
				byLevel[l] = ls
			}
			ls.Nodes++
			ls.Connections += len(conns)
		}
		sh.RUnlock()
		return true
	})

	stats := Stats{
		Nodes:    nodes,
		Deleted:  deleted,
		MaxLevel: maxLevel,
	}
	if slot, _, ok := g.EntryPoint(); ok {
		stats.EntrySlot = slot
		stats.HasEntryPoint = true
	}

	for l := 0; l <= maxLevel; l++ {
		ls := byLevel[l]
		if ls == nil {
			continue
		}
		if ls.Nodes > 0 {
			ls.AvgConnections = ls.Connections / ls.Nodes
		}
		stats.Levels = append(stats.Levels, *ls)
	}
	return stats
}
