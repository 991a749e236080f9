package vecdb

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vecdb/distance"
	"github.com/hupe1980/vecdb/internal/hnsw"
	"github.com/hupe1980/vecdb/persistence"
)

func randomVectors(n, dim int, seed int64) [][]float32 {
	rng := rand.New(rand.NewSource(seed))
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		for d := range v {
			v[d] = rng.Float32()
		}
		out[i] = v
	}
	return out
}

func seededIndex(t *testing.T, dim int, optFns ...func(o *Options)) *Index {
	t.Helper()

	opts := append([]func(o *Options){WithRandomSeed(42)}, optFns...)
	idx, err := Open(dim, opts...)
	require.NoError(t, err)
	return idx
}

func TestOpenValidation(t *testing.T) {
	_, err := Open(0)
	var invalidDim *ErrInvalidDimension
	assert.ErrorAs(t, err, &invalidDim)

	_, err = Open(-3)
	assert.ErrorAs(t, err, &invalidDim)
}

func TestBasicInsertSearch(t *testing.T) {
	idx := seededIndex(t, 2, WithM(16))
	ctx := context.Background()

	require.NoError(t, idx.Insert(ctx, "a", []float32{1, 0}))
	require.NoError(t, idx.Insert(ctx, "b", []float32{0.9, 0.1}))
	require.NoError(t, idx.Insert(ctx, "c", []float32{-1, 0}))

	results, err := idx.Search(ctx, []float32{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].ID)
	assert.Equal(t, "b", results[1].ID)
	for _, r := range results {
		assert.NotEqual(t, "c", r.ID)
	}
}

func TestDimensionMismatch(t *testing.T) {
	idx := seededIndex(t, 4)
	ctx := context.Background()

	err := idx.Insert(ctx, "x", []float32{1, 2, 3})
	var dm *ErrDimensionMismatch
	require.ErrorAs(t, err, &dm)
	assert.Equal(t, 4, dm.Expected)
	assert.Equal(t, 3, dm.Actual)

	_, err = idx.Search(ctx, []float32{1, 2}, 1)
	assert.ErrorAs(t, err, &dm)
}

func TestDuplicateID(t *testing.T) {
	idx := seededIndex(t, 2)
	ctx := context.Background()

	require.NoError(t, idx.Insert(ctx, "a", []float32{1, 0}))

	err := idx.Insert(ctx, "a", []float32{0, 1})
	var dup *ErrDuplicateID
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "a", dup.ID)

	// Replace is delete-then-insert.
	ok, err := idx.Delete(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, idx.Insert(ctx, "a", []float32{0, 1}))

	vec, err := idx.Get("a")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1}, vec)
}

func TestCapacityExceeded(t *testing.T) {
	idx := seededIndex(t, 2, WithMaxElements(2))
	ctx := context.Background()

	require.NoError(t, idx.Insert(ctx, "a", []float32{1, 0}))
	require.NoError(t, idx.Insert(ctx, "b", []float32{0, 1}))

	err := idx.Insert(ctx, "c", []float32{1, 1})
	var capErr *ErrCapacityExceeded
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, uint64(2), capErr.Limit)

	// Deleting frees capacity.
	ok, err := idx.Delete(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.NoError(t, idx.Insert(ctx, "c", []float32{1, 1}))
}

func TestIdempotentDelete(t *testing.T) {
	idx := seededIndex(t, 2)
	ctx := context.Background()

	require.NoError(t, idx.Insert(ctx, "a", []float32{1, 0}))

	ok, err := idx.Delete(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = idx.Delete(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = idx.Delete(ctx, "never-existed")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSearchEmptyIndex(t *testing.T) {
	idx := seededIndex(t, 4)

	results, err := idx.Search(context.Background(), []float32{1, 2, 3, 4}, 5)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, StateEmpty, idx.State())
}

func TestGetAndContains(t *testing.T) {
	idx := seededIndex(t, 2)
	ctx := context.Background()

	require.NoError(t, idx.Insert(ctx, "a", []float32{1, 2}))

	vec, err := idx.Get("a")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, vec)
	assert.True(t, idx.Contains("a"))

	_, err = idx.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, idx.Contains("missing"))
}

func TestRecallAgainstBruteForce(t *testing.T) {
	const (
		n   = 1000
		dim = 16
		k   = 10
	)

	idx := seededIndex(t, dim)
	ctx := context.Background()

	for i, v := range randomVectors(n, dim, 7) {
		require.NoError(t, idx.Insert(ctx, fmt.Sprintf("v%d", i), v))
	}

	var hits, total int
	for _, q := range randomVectors(50, dim, 8) {
		exact, err := idx.BruteSearch(q, k)
		require.NoError(t, err)
		approx, err := idx.Search(ctx, q, k, WithEF(150))
		require.NoError(t, err)

		want := map[string]struct{}{}
		for _, r := range exact {
			want[r.ID] = struct{}{}
		}
		for _, r := range approx {
			if _, ok := want[r.ID]; ok {
				hits++
			}
		}
		total += len(exact)
	}

	recall := float64(hits) / float64(total)
	assert.GreaterOrEqual(t, recall, 0.95, "recall@%d = %.3f", k, recall)
}

func TestSearchDeterminism(t *testing.T) {
	const dim = 8
	idx := seededIndex(t, dim)
	ctx := context.Background()

	for i, v := range randomVectors(300, dim, 9) {
		require.NoError(t, idx.Insert(ctx, fmt.Sprintf("v%d", i), v))
	}

	for _, q := range randomVectors(10, dim, 10) {
		r1, err := idx.Search(ctx, q, 5)
		require.NoError(t, err)
		r2, err := idx.Search(ctx, q, 5)
		require.NoError(t, err)
		assert.Equal(t, r1, r2)
	}
}

func TestCosineMetric(t *testing.T) {
	idx := seededIndex(t, 2, WithMetric(distance.MetricCosine))
	ctx := context.Background()

	// Same direction, different magnitude: cosine treats them as equal.
	require.NoError(t, idx.Insert(ctx, "unit", []float32{1, 0}))
	require.NoError(t, idx.Insert(ctx, "scaled", []float32{100, 0}))
	require.NoError(t, idx.Insert(ctx, "orthogonal", []float32{0, 1}))

	results, err := idx.Search(ctx, []float32{5, 0}, 3)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "orthogonal", results[2].ID)
	assert.InDelta(t, 0, results[0].Score, 1e-6)
	assert.InDelta(t, 0, results[1].Score, 1e-6)

	err = idx.Insert(ctx, "zero", []float32{0, 0})
	assert.Error(t, err, "zero vector has no direction")
}

func TestConcurrentInsertAndSearch(t *testing.T) {
	const (
		dim     = 8
		writers = 4
		perW    = 150
	)

	idx := seededIndex(t, dim)
	ctx := context.Background()
	data := randomVectors(writers*perW, dim, 11)

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perW; i++ {
				n := w*perW + i
				assert.NoError(t, idx.Insert(ctx, fmt.Sprintf("v%d", n), data[n]))
			}
		}(w)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			results, err := idx.Search(ctx, data[i%len(data)], 5)
			assert.NoError(t, err)
			for j := 1; j < len(results); j++ {
				assert.LessOrEqual(t, results[j-1].Score, results[j].Score)
			}
		}
	}()

	wg.Wait()
	<-done

	// Every inserted id stays reachable by exact lookup.
	assert.Equal(t, writers*perW, idx.Len())
	for i := range data {
		assert.True(t, idx.Contains(fmt.Sprintf("v%d", i)))
	}
}

func TestBatchInsert(t *testing.T) {
	idx := seededIndex(t, 2)
	ctx := context.Background()

	require.NoError(t, idx.Insert(ctx, "dup", []float32{0, 0}))

	ids := []string{"a", "dup", "bad", "b"}
	vectors := [][]float32{{1, 0}, {2, 0}, {1, 2, 3}, {0, 1}}

	res := idx.BatchInsert(ctx, ids, vectors)
	assert.Equal(t, 2, res.Inserted)
	assert.NoError(t, res.Errors[0])
	var dup *ErrDuplicateID
	assert.ErrorAs(t, res.Errors[1], &dup)
	var dm *ErrDimensionMismatch
	assert.ErrorAs(t, res.Errors[2], &dm)
	assert.NoError(t, res.Errors[3])

	assert.True(t, idx.Contains("a"))
	assert.True(t, idx.Contains("b"))
}

func TestScalarQuantization(t *testing.T) {
	const dim = 8
	idx := seededIndex(t, dim, WithQuantizer(QuantizerScalar, QuantizerParams{}))
	ctx := context.Background()

	samples := randomVectors(1200, dim, 12)
	for i := 0; i < 100; i++ {
		require.NoError(t, idx.Insert(ctx, fmt.Sprintf("v%d", i), samples[i]))
	}

	_, err := idx.EncodeVector(samples[0])
	assert.ErrorIs(t, err, ErrQuantizerNotTrained)

	info, err := idx.TrainQuantizer(ctx, samples)
	require.NoError(t, err)
	assert.Equal(t, QuantizerScalar, info.Kind)
	assert.Equal(t, dim, info.CodeSize)
	assert.False(t, info.LowConfidence)

	// Rows inserted after training are encoded too.
	require.NoError(t, idx.Insert(ctx, "late", samples[200]))

	// Round-trip error per dimension is bounded by the quantization step.
	code, err := idx.EncodeVector(samples[0])
	require.NoError(t, err)
	dec, err := idx.DecodeVector(code)
	require.NoError(t, err)
	for d := range dec {
		assert.InDelta(t, samples[0][d], dec[d], 1.0/255+1e-4)
	}
}

func TestTrainQuantizerValidation(t *testing.T) {
	ctx := context.Background()

	t.Run("no quantizer configured", func(t *testing.T) {
		idx := seededIndex(t, 4)
		_, err := idx.TrainQuantizer(ctx, randomVectors(10, 4, 13))
		assert.ErrorIs(t, err, ErrNoQuantizer)
	})

	t.Run("sample dimension mismatch", func(t *testing.T) {
		idx := seededIndex(t, 4, WithQuantizer(QuantizerScalar, QuantizerParams{}))
		_, err := idx.TrainQuantizer(ctx, [][]float32{{1, 2}})
		var dm *ErrDimensionMismatch
		assert.ErrorAs(t, err, &dm)
	})
}

func TestRepairAndCompact(t *testing.T) {
	const dim = 4
	idx := seededIndex(t, dim)
	ctx := context.Background()

	data := randomVectors(200, dim, 14)
	for i, v := range data {
		require.NoError(t, idx.Insert(ctx, fmt.Sprintf("v%d", i), v))
	}
	for i := 0; i < len(data); i += 3 {
		ok, err := idx.Delete(ctx, fmt.Sprintf("v%d", i))
		require.NoError(t, err)
		require.True(t, ok)
	}

	require.NoError(t, idx.Repair(ctx))

	stats := idx.Stats()
	assert.Positive(t, stats.Deleted)

	require.NoError(t, idx.Compact(ctx))
	stats = idx.Stats()
	assert.Zero(t, stats.Deleted)
	assert.Equal(t, stats.Live, stats.Rows)

	// Survivors stay searchable after slot renumbering.
	results, err := idx.Search(ctx, data[1], 5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "v1", results[0].ID)
}

func TestSnapshotRoundTrip(t *testing.T) {
	const dim = 8
	idx := seededIndex(t, dim)
	ctx := context.Background()

	data := randomVectors(300, dim, 15)
	for i, v := range data {
		require.NoError(t, idx.Insert(ctx, fmt.Sprintf("v%d", i), v))
	}
	for i := 0; i < 30; i++ {
		_, err := idx.Delete(ctx, fmt.Sprintf("v%d", i*7))
		require.NoError(t, err)
	}

	var buf bytes.Buffer
	require.NoError(t, idx.Snapshot(&buf))

	restored, err := Restore(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, idx.Len(), restored.Len())
	assert.Equal(t, idx.Dimension(), restored.Dimension())
	assert.Equal(t, StateReady, restored.State())

	// Identical queries return bit-for-bit identical ids and scores.
	for _, q := range randomVectors(20, dim, 16) {
		want, err := idx.Search(ctx, q, 10)
		require.NoError(t, err)
		got, err := restored.Search(ctx, q, 10)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestSnapshotRoundTripWithQuantizer(t *testing.T) {
	const dim = 8
	idx := seededIndex(t, dim, WithQuantizer(QuantizerScalar, QuantizerParams{}))
	ctx := context.Background()

	data := randomVectors(1100, dim, 17)
	for i := 0; i < 50; i++ {
		require.NoError(t, idx.Insert(ctx, fmt.Sprintf("v%d", i), data[i]))
	}
	_, err := idx.TrainQuantizer(ctx, data)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, idx.Snapshot(&buf))

	restored, err := Restore(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	c1, err := idx.EncodeVector(data[0])
	require.NoError(t, err)
	c2, err := restored.EncodeVector(data[0])
	require.NoError(t, err)
	assert.Equal(t, c1, c2)
}

func TestRestoreCorrupt(t *testing.T) {
	idx := seededIndex(t, 4)
	ctx := context.Background()
	for i, v := range randomVectors(20, 4, 18) {
		require.NoError(t, idx.Insert(ctx, fmt.Sprintf("v%d", i), v))
	}

	var buf bytes.Buffer
	require.NoError(t, idx.Snapshot(&buf))
	data := buf.Bytes()

	// Flip a payload byte: the restore must fail whole, not partially apply.
	data[len(data)/2] ^= 0xFF
	_, err := Restore(bytes.NewReader(data))
	assert.ErrorIs(t, err, ErrCorruptSnapshot)

	_, err = Restore(bytes.NewReader([]byte("not a snapshot at all")))
	assert.ErrorIs(t, err, ErrCorruptSnapshot)
}

func TestSaveAndOpenFile(t *testing.T) {
	const dim = 4
	idx := seededIndex(t, dim)
	ctx := context.Background()

	data := randomVectors(50, dim, 19)
	for i, v := range data {
		require.NoError(t, idx.Insert(ctx, fmt.Sprintf("v%d", i), v))
	}

	path := t.TempDir() + "/index.snap"
	require.NoError(t, idx.SaveFile(path))

	restored, err := OpenFile(path)
	require.NoError(t, err)
	assert.Equal(t, idx.Len(), restored.Len())

	results, err := restored.Search(ctx, data[3], 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "v3", results[0].ID)
}

func TestClosedIndex(t *testing.T) {
	idx := seededIndex(t, 2)
	ctx := context.Background()
	require.NoError(t, idx.Insert(ctx, "a", []float32{1, 0}))
	require.NoError(t, idx.Close())

	assert.ErrorIs(t, idx.Insert(ctx, "b", []float32{0, 1}), ErrClosed)
	_, err := idx.Search(ctx, []float32{1, 0}, 1)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = idx.Delete(ctx, "a")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = idx.Get("a")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = idx.BruteSearch([]float32{1, 0}, 1)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = idx.EncodeVector([]float32{1, 0})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = idx.DecodeVector([]byte{0, 0})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStats(t *testing.T) {
	idx := seededIndex(t, 2)
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		require.NoError(t, idx.Insert(ctx, fmt.Sprintf("v%d", i), []float32{float32(i), 0}))
	}

	stats := idx.Stats()
	assert.Equal(t, 100, stats.Rows)
	assert.Equal(t, 100, stats.Live)
	assert.Equal(t, StateReady, stats.State)
	require.NotEmpty(t, stats.Levels)
	assert.Equal(t, 100, stats.Levels[0].Nodes)
}

func TestCompactConcurrentSearch(t *testing.T) {
	const dim = 8
	idx := seededIndex(t, dim)
	ctx := context.Background()

	data := randomVectors(400, dim, 20)
	for i, v := range data {
		require.NoError(t, idx.Insert(ctx, fmt.Sprintf("v%d", i), v))
	}

	// Searches hammer the index while compaction repeatedly swaps the slot
	// space underneath them.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; ; i++ {
				select {
				case <-stop:
					return
				default:
				}
				results, err := idx.Search(ctx, data[(w*97+i)%len(data)], 5)
				assert.NoError(t, err)
				for j := 1; j < len(results); j++ {
					assert.LessOrEqual(t, results[j-1].Score, results[j].Score)
				}
			}
		}(w)
	}

	for round := 0; round < 5; round++ {
		for i := round * 40; i < (round+1)*40; i++ {
			_, err := idx.Delete(ctx, fmt.Sprintf("v%d", i))
			require.NoError(t, err)
		}
		require.NoError(t, idx.Compact(ctx))
	}
	close(stop)
	wg.Wait()

	stats := idx.Stats()
	assert.Zero(t, stats.Deleted)
	assert.Equal(t, 200, idx.Len())
	for i := 200; i < 400; i++ {
		assert.True(t, idx.Contains(fmt.Sprintf("v%d", i)))
	}
	results, err := idx.Search(ctx, data[300], 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "v300", results[0].ID)
}

func TestQuantizedSearch(t *testing.T) {
	const dim = 8
	idx := seededIndex(t, dim, WithQuantizer(QuantizerScalar, QuantizerParams{}))
	ctx := context.Background()

	data := randomVectors(1200, dim, 23)
	for i := 0; i < 400; i++ {
		require.NoError(t, idx.Insert(ctx, fmt.Sprintf("v%d", i), data[i]))
	}
	_, err := idx.TrainQuantizer(ctx, data)
	require.NoError(t, err)

	var hits, total int
	for _, q := range randomVectors(20, dim, 24) {
		exact, err := idx.BruteSearch(q, 10)
		require.NoError(t, err)
		approx, err := idx.Search(ctx, q, 10, WithEF(200))
		require.NoError(t, err)
		require.NotEmpty(t, approx)

		// Traversal runs on codes but scores are exact metric distances.
		for _, r := range approx {
			vec, err := idx.Get(r.ID)
			require.NoError(t, err)
			assert.InDelta(t, float64(distance.SquaredL2(q, vec)), float64(r.Score), 1e-5)
		}

		want := map[string]struct{}{}
		for _, r := range exact {
			want[r.ID] = struct{}{}
		}
		for _, r := range approx {
			if _, ok := want[r.ID]; ok {
				hits++
			}
		}
		total += len(exact)
	}

	recall := float64(hits) / float64(total)
	assert.GreaterOrEqual(t, recall, 0.9, "recall@10 over codes = %.3f", recall)
}

func TestRestoreRejectsNodeBeyondRows(t *testing.T) {
	snap := &persistence.Snapshot{
		Dimension:      2,
		Metric:         uint8(distance.MetricL2),
		M:              16,
		EFConstruction: 200,
		RowCount:       2,
		IDs:            []string{"a", "b"},
		Vectors:        []float32{1, 0, 0, 1},
		Tombstones:     roaring.New(),
		Nodes: []persistence.GraphNode{
			{Slot: 0, Conns: [][]hnsw.Neighbor{{}}},
			{Slot: 5, Conns: [][]hnsw.Neighbor{{}}},
		},
		HasEntry:  true,
		EntrySlot: 0,
	}

	var buf bytes.Buffer
	require.NoError(t, persistence.Write(&buf, snap, persistence.CodecNone))

	_, err := Restore(&buf)
	assert.ErrorIs(t, err, ErrCorruptSnapshot)
}
