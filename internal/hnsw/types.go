package hnsw

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyVector       = errors.New("vector cannot be empty")
	ErrInvalidK          = errors.New("k must be positive")
	ErrEntryPointDeleted = errors.New("entry point has been deleted")
)

type ErrNodeNotFound struct {
	Slot uint32
}

func (e *ErrNodeNotFound) Error() string {
	return fmt.Sprintf("node %d not found", e.Slot)
}

type ErrInvalidGraph struct {
	Reason string
}

func (e *ErrInvalidGraph) Error() string {
	return fmt.Sprintf("invalid graph: %s", e.Reason)
}

// SearchResult is one hit, nearest first in a result slice.
type SearchResult struct {
	Slot     uint32
	Distance float32
}

// Neighbor is a directed edge with its cached distance.
type Neighbor struct {
	Slot uint32
	Dist float32
}

// RepairStats summarizes one repair pass.
type RepairStats struct {
	NodesVisited int
	NodesCleared int
	LinksDropped int
	LinksAdded   int
}

type LevelStats struct {
	Level          int
	Nodes          int
	Connections    int
	AvgConnections int
}

type Stats struct {
	Nodes         int
	Deleted       int
	MaxLevel      int
	EntrySlot     uint32
	HasEntryPoint bool
	Levels        []LevelStats
}
