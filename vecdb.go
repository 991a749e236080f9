package vecdb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/vecdb/distance"
	"github.com/hupe1980/vecdb/internal/hnsw"
	"github.com/hupe1980/vecdb/internal/quantization"
	"github.com/hupe1980/vecdb/internal/vectorstore"
	"github.com/hupe1980/vecdb/persistence"
)

// IndexState tracks the index lifecycle.
type IndexState int32

const (
	// StateEmpty means no vectors have been inserted yet.
	StateEmpty IndexState = iota
	// StateBuilding means a restore or bulk load is in progress.
	StateBuilding
	// StateReady means the index serves searches.
	StateReady
)

func (s IndexState) String() string {
	switch s {
	case StateEmpty:
		return "Empty"
	case StateBuilding:
		return "Building"
	case StateReady:
		return "Ready"
	default:
		return "Unknown"
	}
}

// Result is one search hit. Score is the metric distance, smaller is
// closer (dot-product similarity is negated).
type Result struct {
	ID    string
	Score float32
}

// CodebookInfo describes a trained quantizer codebook.
type CodebookInfo struct {
	Kind          QuantizerKind
	CodeSize      int
	LowConfidence bool
}

// BatchInsertResult reports per-item outcomes of a BatchInsert.
type BatchInsertResult struct {
	Inserted int
	Errors   []error // parallel to the input, nil for successes
}

// Index is an embedded approximate nearest-neighbor index: an HNSW graph
// over a slot-addressed vector store with optional quantization and
// snapshot persistence.
//
// Searches never take the structural lock. Inserts and deletes share it;
// training, repair, compaction and snapshots take it exclusively.
type Index struct {
	opts      Options
	dim       int
	metric    distance.Func
	normalize bool

	store *vectorstore.Store
	graph *hnsw.Graph

	// quant is nil until TrainQuantizer installs a trained codebook. The
	// codebook itself is immutable; retraining swaps the whole object.
	quant quantization.Quantizer

	structMu sync.RWMutex
	state    atomic.Int32
	closed   atomic.Bool

	maint  *maintenanceController
	logger *Logger
}

// Open creates an empty index for vectors of the given dimension.
func Open(dimension int, optFns ...func(o *Options)) (*Index, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	return newIndex(dimension, opts)
}

func newIndex(dimension int, opts Options) (*Index, error) {
	if dimension <= 0 {
		return nil, &ErrInvalidDimension{Dimension: dimension}
	}

	metric, err := distance.Provider(opts.Metric)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = NoopLogger()
	}

	store := vectorstore.New(dimension, opts.MaxElements)
	graph := hnsw.New(store, metric, func(o *hnsw.Options) {
		o.M = opts.M
		o.EFConstruction = opts.EFConstruction
		o.RandomSeed = opts.RandomSeed
	})

	idx := &Index{
		opts:      opts,
		dim:       dimension,
		metric:    metric,
		normalize: distance.NeedsNormalization(opts.Metric),
		store:     store,
		graph:     graph,
		maint:     newMaintenanceController(opts.Maintenance),
		logger:    logger,
	}
	idx.logger.Info("index opened",
		"dimension", dimension,
		"metric", opts.Metric.String(),
		"m", graph.M(),
		"ef_construction", graph.EFConstruction(),
	)
	return idx, nil
}

// Close marks the index closed. Outstanding operations finish; new ones
// fail with ErrClosed.
func (idx *Index) Close() error {
	idx.closed.Store(true)
	return nil
}

// State returns the lifecycle state.
func (idx *Index) State() IndexState {
	return IndexState(idx.state.Load())
}

// Dimension returns the configured vector dimension.
func (idx *Index) Dimension() int { return idx.dim }

// Metric returns the configured distance metric.
func (idx *Index) Metric() distance.Metric { return idx.opts.Metric }

// Len returns the number of live records.
func (idx *Index) Len() int { return idx.store.Live() }

func (idx *Index) checkVector(v []float32) error {
	if len(v) == 0 {
		return ErrEmptyVector
	}
	if len(v) != idx.dim {
		return &ErrDimensionMismatch{Expected: idx.dim, Actual: len(v)}
	}
	return nil
}

// prepareVector validates and, under cosine, normalizes into a copy.
func (idx *Index) prepareVector(v []float32) ([]float32, error) {
	if err := idx.checkVector(v); err != nil {
		return nil, err
	}
	if idx.normalize {
		normalized, ok := distance.NormalizeL2Copy(v)
		if !ok {
			return nil, fmt.Errorf("%w: zero vector under cosine metric", ErrEmptyVector)
		}
		return normalized, nil
	}
	return v, nil
}

// Insert adds a vector under an external id. Duplicate ids are rejected;
// replace by delete-then-insert.
func (idx *Index) Insert(ctx context.Context, id string, vector []float32) error {
	if idx.closed.Load() {
		return ErrClosed
	}
	vec, err := idx.prepareVector(vector)
	if err != nil {
		return err
	}

	idx.structMu.RLock()
	defer idx.structMu.RUnlock()

	return idx.insertLocked(ctx, id, vec)
}

// insertLocked stores and links one prepared vector. Caller holds
// structMu (read side suffices).
func (idx *Index) insertLocked(ctx context.Context, id string, vec []float32) error {
	slot, err := idx.store.Put(id, vec)
	if err != nil {
		e := idx.translateError(err)
		var dup *ErrDuplicateID
		if errors.As(e, &dup) {
			dup.ID = id
		}
		return e
	}

	if idx.quant != nil {
		code, err := idx.quant.Encode(idx.store.Vector(slot))
		if err != nil {
			return idx.translateError(err)
		}
		idx.store.SetCode(slot, code)
	}

	if err := idx.graph.Insert(ctx, slot); err != nil {
		// Roll the row back so the id does not leak into the store
		// without a graph node.
		idx.store.Remove(id)
		return idx.translateError(err)
	}

	idx.state.CompareAndSwap(int32(StateEmpty), int32(StateReady))
	return nil
}

// BatchInsert adds many vectors under one write section, letting searches
// interleave between individual insertions. Items fail independently.
func (idx *Index) BatchInsert(ctx context.Context, ids []string, vectors [][]float32) BatchInsertResult {
	res := BatchInsertResult{Errors: make([]error, len(ids))}
	if idx.closed.Load() {
		for i := range res.Errors {
			res.Errors[i] = ErrClosed
		}
		return res
	}
	if len(ids) != len(vectors) {
		for i := range res.Errors {
			res.Errors[i] = fmt.Errorf("ids and vectors length mismatch: %d vs %d", len(ids), len(vectors))
		}
		return res
	}

	idx.structMu.RLock()
	defer idx.structMu.RUnlock()

	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			res.Errors[i] = err
			continue
		}
		vec, err := idx.prepareVector(vectors[i])
		if err != nil {
			res.Errors[i] = err
			continue
		}
		if err := idx.insertLocked(ctx, id, vec); err != nil {
			res.Errors[i] = err
			continue
		}
		res.Inserted++
	}
	return res
}

// Search returns the k nearest records to query, nearest first. A context
// deadline bounds the traversal: on expiry the best results found so far
// are returned without error.
func (idx *Index) Search(ctx context.Context, query []float32, k int, optFns ...func(o *SearchOptions)) ([]Result, error) {
	if idx.closed.Load() {
		return nil, ErrClosed
	}
	if k <= 0 {
		return nil, ErrInvalidK
	}
	q, err := idx.prepareVector(query)
	if err != nil {
		return nil, err
	}

	sOpts := SearchOptions{EF: idx.opts.EFSearch}
	for _, fn := range optFns {
		fn(&sOpts)
	}

	hits, err := idx.graph.Search(ctx, q, k, &hnsw.SearchOptions{EF: sOpts.EF})
	if err != nil {
		return nil, idx.translateError(err)
	}

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		id, ok := idx.store.ID(h.Slot)
		if !ok {
			// Tombstoned between traversal and id resolution.
			continue
		}
		results = append(results, Result{ID: id, Score: h.Distance})
	}
	return results, nil
}

// Get returns a copy of the stored vector for id.
func (idx *Index) Get(id string) ([]float32, error) {
	if idx.closed.Load() {
		return nil, ErrClosed
	}
	slot, ok := idx.store.Slot(id)
	if !ok {
		return nil, fmt.Errorf("%w: id %q", ErrNotFound, id)
	}
	vec := idx.store.Vector(slot)
	if vec == nil {
		return nil, fmt.Errorf("%w: id %q", ErrNotFound, id)
	}
	out := make([]float32, len(vec))
	copy(out, vec)
	return out, nil
}

// Contains reports whether id resolves to a live record.
func (idx *Index) Contains(id string) bool {
	_, ok := idx.store.Slot(id)
	return ok
}

// Delete tombstones the record with the given id. Deleting an unknown or
// already-deleted id returns false with no error.
func (idx *Index) Delete(ctx context.Context, id string) (bool, error) {
	if idx.closed.Load() {
		return false, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	idx.structMu.RLock()
	defer idx.structMu.RUnlock()

	slot, ok := idx.store.Remove(id)
	if !ok {
		return false, nil
	}
	idx.graph.Delete(slot)
	return true, nil
}

// TrainQuantizer trains the configured quantizer on sample vectors,
// installs the codebook and encodes every stored row. Blocks until
// training completes. The codebook is immutable once installed.
func (idx *Index) TrainQuantizer(ctx context.Context, samples [][]float32) (*CodebookInfo, error) {
	if idx.closed.Load() {
		return nil, ErrClosed
	}
	if idx.opts.Quantizer == QuantizerNone {
		return nil, ErrNoQuantizer
	}
	for _, s := range samples {
		if err := idx.checkVector(s); err != nil {
			return nil, err
		}
	}

	q, err := quantization.New(idx.opts.Quantizer.internal(), idx.dim, quantization.Params{
		Subspaces: idx.opts.QuantizerParams.Subspaces,
		Centroids: idx.opts.QuantizerParams.Centroids,
		MaxIter:   idx.opts.QuantizerParams.MaxIter,
		Seed:      idx.opts.QuantizerParams.Seed,
	})
	if err != nil {
		return nil, err
	}

	prepared := samples
	if idx.normalize {
		prepared = make([][]float32, len(samples))
		for i, s := range samples {
			n, ok := distance.NormalizeL2Copy(s)
			if !ok {
				return nil, fmt.Errorf("%w: zero sample vector under cosine metric", ErrEmptyVector)
			}
			prepared[i] = n
		}
	}

	// Training is CPU-bound and may take a while; do it before taking the
	// exclusive section so searches and inserts continue meanwhile.
	if err := q.Train(ctx, prepared); err != nil {
		return nil, idx.translateError(err)
	}

	idx.structMu.Lock()
	defer idx.structMu.Unlock()

	if err := idx.store.AttachCodes(q.CodeSize(), q.Encode); err != nil {
		return nil, idx.translateError(err)
	}
	idx.quant = q
	// The code table is published, so searches may now traverse on
	// compressed distances.
	idx.graph.SetQuantizedDistance(q.NewCodeDistance)

	info := &CodebookInfo{
		Kind:          idx.opts.Quantizer,
		CodeSize:      q.CodeSize(),
		LowConfidence: q.LowConfidence(),
	}
	idx.logger.Info("quantizer trained",
		"kind", idx.opts.Quantizer,
		"code_size", info.CodeSize,
		"low_confidence", info.LowConfidence,
	)
	return info, nil
}

// EncodeVector compresses a vector with the trained codebook.
func (idx *Index) EncodeVector(v []float32) ([]byte, error) {
	if idx.closed.Load() {
		return nil, ErrClosed
	}
	if err := idx.checkVector(v); err != nil {
		return nil, err
	}
	idx.structMu.RLock()
	q := idx.quant
	idx.structMu.RUnlock()
	if q == nil {
		return nil, ErrQuantizerNotTrained
	}
	code, err := q.Encode(v)
	return code, idx.translateError(err)
}

// DecodeVector reconstructs an approximate vector from a code.
func (idx *Index) DecodeVector(code []byte) ([]float32, error) {
	if idx.closed.Load() {
		return nil, ErrClosed
	}
	idx.structMu.RLock()
	q := idx.quant
	idx.structMu.RUnlock()
	if q == nil {
		return nil, ErrQuantizerNotTrained
	}
	vec, err := q.Decode(code)
	return vec, idx.translateError(err)
}

// Repair rewires the graph around tombstoned records. Background workers
// are bounded and rate limited by the maintenance configuration.
func (idx *Index) Repair(ctx context.Context) error {
	if idx.closed.Load() {
		return ErrClosed
	}
	if err := idx.maint.acquire(ctx); err != nil {
		return err
	}
	defer idx.maint.release()

	if err := idx.maint.waitRows(ctx, idx.store.Len()); err != nil {
		return err
	}

	idx.structMu.Lock()
	defer idx.structMu.Unlock()

	stats, err := idx.graph.Repair(ctx, int(idx.maint.workers))
	if err != nil {
		return err
	}
	idx.logger.Info("graph repaired",
		"nodes_visited", stats.NodesVisited,
		"nodes_cleared", stats.NodesCleared,
		"links_dropped", stats.LinksDropped,
		"links_added", stats.LinksAdded,
	)
	return nil
}

// Compact physically reclaims tombstoned rows. Slots are renumbered; the
// graph is rewritten to the new slot space.
func (idx *Index) Compact(ctx context.Context) error {
	if idx.closed.Load() {
		return ErrClosed
	}
	if err := idx.maint.acquire(ctx); err != nil {
		return err
	}
	defer idx.maint.release()

	if err := idx.maint.waitRows(ctx, idx.store.Len()); err != nil {
		return err
	}

	idx.structMu.Lock()
	defer idx.structMu.Unlock()

	before := idx.store.Len()
	remap := idx.store.Compact()
	idx.graph.ApplyRemap(remap)

	idx.logger.Info("store compacted", "rows_before", before, "rows_after", idx.store.Len())
	return nil
}

// LevelStats summarizes one graph layer.
type LevelStats struct {
	Level          int
	Nodes          int
	Connections    int
	AvgConnections int
}

// IndexStats summarizes index shape.
type IndexStats struct {
	Rows     int // slot high water mark, tombstones included
	Live     int
	Deleted  int
	MaxLevel int
	State    IndexState
	Levels   []LevelStats
}

// Stats returns store and graph shape statistics.
func (idx *Index) Stats() IndexStats {
	gs := idx.graph.Stats()
	stats := IndexStats{
		Rows:     idx.store.Len(),
		Live:     idx.store.Live(),
		Deleted:  gs.Deleted,
		MaxLevel: gs.MaxLevel,
		State:    idx.State(),
	}
	for _, ls := range gs.Levels {
		stats.Levels = append(stats.Levels, LevelStats{
			Level:          ls.Level,
			Nodes:          ls.Nodes,
			Connections:    ls.Connections,
			AvgConnections: ls.AvgConnections,
		})
	}
	return stats
}

// BruteSearch scans every live record exactly. Used as a recall baseline;
// cost is linear in the store size.
func (idx *Index) BruteSearch(query []float32, k int) ([]Result, error) {
	if idx.closed.Load() {
		return nil, ErrClosed
	}
	if k <= 0 {
		return nil, ErrInvalidK
	}
	q, err := idx.prepareVector(query)
	if err != nil {
		return nil, err
	}

	type hit struct {
		slot uint32
		id   string
		dist float32
	}
	var hits []hit
	idx.store.ForEachLive(func(slot uint32, id string, vec []float32) bool {
		hits = append(hits, hit{slot: slot, id: id, dist: idx.metric(q, vec)})
		return true
	})
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].dist != hits[j].dist {
			return hits[i].dist < hits[j].dist
		}
		return hits[i].slot < hits[j].slot
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	out := make([]Result, len(hits))
	for i, h := range hits {
		out[i] = Result{ID: h.id, Score: h.dist}
	}
	return out, nil
}

// Snapshot writes a point-in-time image of the index to w using zstd
// compression. The write section excludes concurrent mutation, so the
// image is always consistent.
func (idx *Index) Snapshot(w io.Writer) error {
	return idx.SnapshotWithCodec(w, persistence.CodecZSTD)
}

// SnapshotWithCodec is Snapshot with an explicit compression codec.
func (idx *Index) SnapshotWithCodec(w io.Writer, codec persistence.Codec) error {
	if idx.closed.Load() {
		return ErrClosed
	}

	idx.structMu.Lock()
	defer idx.structMu.Unlock()

	snap, err := idx.buildSnapshot()
	if err != nil {
		return err
	}
	return persistence.Write(w, snap, codec)
}

// buildSnapshot collects the persistent image. Caller holds structMu
// exclusively.
func (idx *Index) buildSnapshot() (*persistence.Snapshot, error) {
	rows := uint32(idx.store.Len())

	snap := &persistence.Snapshot{
		Dimension:      idx.dim,
		Metric:         uint8(idx.opts.Metric),
		MaxElements:    idx.opts.MaxElements,
		M:              idx.graph.M(),
		EFConstruction: idx.graph.EFConstruction(),
		RowCount:       rows,
		IDs:            make([]string, rows),
		Vectors:        make([]float32, int(rows)*idx.dim),
		Tombstones:     idx.store.TombstoneBitmap(),
	}

	if idx.quant != nil {
		blob, err := idx.quant.MarshalBinary()
		if err != nil {
			return nil, err
		}
		snap.QuantizerKind = uint8(idx.opts.Quantizer)
		snap.QuantizerBlob = blob
	}

	for slot := uint32(0); slot < rows; slot++ {
		if id, ok := idx.store.ID(slot); ok {
			snap.IDs[slot] = id
		}
		copy(snap.Vectors[int(slot)*idx.dim:], idx.store.Vector(slot))
	}

	idx.graph.ForEachNode(func(slot uint32, level int, conns [][]hnsw.Neighbor) bool {
		cp := make([][]hnsw.Neighbor, len(conns))
		for l, layer := range conns {
			cp[l] = append([]hnsw.Neighbor(nil), layer...)
		}
		snap.Nodes = append(snap.Nodes, persistence.GraphNode{Slot: slot, Conns: cp})
		return true
	})

	if slot, level, ok := idx.graph.EntryPoint(); ok {
		snap.HasEntry = true
		snap.EntrySlot = slot
		snap.EntryLevel = level
	}
	return snap, nil
}

// SaveFile snapshots the index to path with an atomic replace.
func (idx *Index) SaveFile(path string) error {
	if idx.closed.Load() {
		return ErrClosed
	}

	idx.structMu.Lock()
	snap, err := idx.buildSnapshot()
	idx.structMu.Unlock()
	if err != nil {
		return err
	}
	if err := persistence.SaveFile(path, snap, persistence.CodecZSTD); err != nil {
		return err
	}
	idx.logger.Info("snapshot saved", "path", path, "rows", snap.RowCount)
	return nil
}

// Restore rebuilds an index from a snapshot stream. The snapshot is
// validated in full before the index is returned; a corrupt image yields
// ErrCorruptSnapshot and no index.
func Restore(r io.Reader, optFns ...func(o *Options)) (*Index, error) {
	snap, err := persistence.Read(r)
	if err != nil {
		return nil, translateSnapshotError(err)
	}
	return restore(snap, optFns)
}

// OpenFile rebuilds an index from a snapshot file written by SaveFile.
func OpenFile(path string, optFns ...func(o *Options)) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Restore(f, optFns...)
}

func restore(snap *persistence.Snapshot, optFns []func(o *Options)) (*Index, error) {
	opts := DefaultOptions
	opts.Metric = distance.Metric(snap.Metric)
	opts.M = snap.M
	opts.EFConstruction = snap.EFConstruction
	opts.MaxElements = snap.MaxElements
	for _, fn := range optFns {
		fn(&opts)
	}

	quantKind := QuantizerKind(snap.QuantizerKind)
	if quantKind != QuantizerNone {
		opts.Quantizer = quantKind
	}

	idx, err := newIndex(snap.Dimension, opts)
	if err != nil {
		return nil, err
	}
	idx.state.Store(int32(StateBuilding))

	for slot := uint32(0); slot < snap.RowCount; slot++ {
		deleted := snap.Tombstones.Contains(slot)
		vec := snap.Vectors[int(slot)*snap.Dimension : int(slot+1)*snap.Dimension]
		if err := idx.store.RestoreRow(slot, snap.IDs[slot], vec, deleted); err != nil {
			return nil, translateSnapshotError(fmt.Errorf("%w: row %d: %s", persistence.ErrCorruptSnapshot, slot, err))
		}
	}

	for _, n := range snap.Nodes {
		if err := idx.graph.RestoreNode(n.Slot, n.Conns, snap.Tombstones.Contains(n.Slot)); err != nil {
			return nil, translateSnapshotError(err)
		}
	}
	if snap.HasEntry {
		idx.graph.SetEntryPoint(snap.EntrySlot, snap.EntryLevel)
	}
	if err := idx.graph.Validate(); err != nil {
		return nil, translateSnapshotError(err)
	}

	if len(snap.QuantizerBlob) > 0 {
		q, err := quantization.Restore(quantKind.internal(), snap.Dimension, snap.QuantizerBlob)
		if err != nil {
			return nil, translateSnapshotError(fmt.Errorf("%w: quantizer: %s", persistence.ErrCorruptSnapshot, err))
		}
		if err := idx.store.AttachCodes(q.CodeSize(), q.Encode); err != nil {
			return nil, err
		}
		idx.quant = q
		idx.graph.SetQuantizedDistance(q.NewCodeDistance)
	}

	if snap.RowCount > 0 {
		idx.state.Store(int32(StateReady))
	} else {
		idx.state.Store(int32(StateEmpty))
	}
	idx.logger.Info("index restored", "rows", snap.RowCount, "live", idx.store.Live())
	return idx, nil
}
