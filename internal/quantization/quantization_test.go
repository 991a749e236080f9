package quantization

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vecdb/distance"
)

func randomVectors(t *testing.T, n, dim int, seed int64) [][]float32 {
	t.Helper()

	rng := rand.New(rand.NewSource(seed))
	vectors := make([][]float32, n)
	for i := range vectors {
		v := make([]float32, dim)
		for d := range v {
			v[d] = rng.Float32()*20 - 10
		}
		vectors[i] = v
	}
	return vectors
}

func TestScalarQuantizer(t *testing.T) {
	t.Run("untrained operations fail", func(t *testing.T) {
		sq := NewScalarQuantizer(4)
		assert.False(t, sq.Trained())

		_, err := sq.Encode([]float32{1, 2, 3, 4})
		assert.ErrorIs(t, err, ErrNotTrained)

		_, err = sq.Decode(make([]byte, 4))
		assert.ErrorIs(t, err, ErrNotTrained)

		_, err = sq.DistanceToCode([]float32{1, 2, 3, 4}, make([]byte, 4))
		assert.ErrorIs(t, err, ErrNotTrained)
	})

	t.Run("round trip error bound", func(t *testing.T) {
		const dim = 16
		vectors := randomVectors(t, 2000, dim, 1)

		sq := NewScalarQuantizer(dim)
		require.NoError(t, sq.Train(context.Background(), vectors))
		require.True(t, sq.Trained())
		assert.False(t, sq.LowConfidence())
		assert.Equal(t, dim, sq.CodeSize())

		// Reconstruction error per dimension is at most half a quantization
		// step, i.e. (max-min)/(2*255).
		for _, v := range vectors[:100] {
			code, err := sq.Encode(v)
			require.NoError(t, err)

			dec, err := sq.Decode(code)
			require.NoError(t, err)

			for d := range v {
				step := sq.Step(d)
				assert.InDelta(t, v[d], dec[d], float64(step)/2+1e-5)
			}
		}
	})

	t.Run("distance to code matches decode", func(t *testing.T) {
		const dim = 8
		vectors := randomVectors(t, 1200, dim, 2)

		sq := NewScalarQuantizer(dim)
		require.NoError(t, sq.Train(context.Background(), vectors))

		q := vectors[0]
		code, err := sq.Encode(vectors[1])
		require.NoError(t, err)

		got, err := sq.DistanceToCode(q, code)
		require.NoError(t, err)

		dec, err := sq.Decode(code)
		require.NoError(t, err)
		want := distance.SquaredL2(q, dec)

		assert.InDelta(t, want, got, 1e-3)
	})

	t.Run("low confidence below sample floor", func(t *testing.T) {
		sq := NewScalarQuantizer(4)
		require.NoError(t, sq.Train(context.Background(), randomVectors(t, 50, 4, 3)))
		assert.True(t, sq.LowConfidence())
	})

	t.Run("train twice fails", func(t *testing.T) {
		sq := NewScalarQuantizer(4)
		vectors := randomVectors(t, 10, 4, 4)
		require.NoError(t, sq.Train(context.Background(), vectors))
		assert.ErrorIs(t, sq.Train(context.Background(), vectors), ErrAlreadyTrained)
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		sq := NewScalarQuantizer(4)
		assert.ErrorIs(t, sq.Train(context.Background(), [][]float32{{1, 2}}), ErrDimensionMismatch)

		require.NoError(t, sq.Train(context.Background(), randomVectors(t, 10, 4, 5)))
		_, err := sq.Encode([]float32{1, 2})
		assert.ErrorIs(t, err, ErrDimensionMismatch)
	})

	t.Run("marshal round trip", func(t *testing.T) {
		const dim = 6
		vectors := randomVectors(t, 1500, dim, 6)

		sq := NewScalarQuantizer(dim)
		require.NoError(t, sq.Train(context.Background(), vectors))

		blob, err := sq.MarshalBinary()
		require.NoError(t, err)

		restored, err := Restore(TypeScalar, dim, blob)
		require.NoError(t, err)
		require.True(t, restored.Trained())

		v := vectors[0]
		c1, err := sq.Encode(v)
		require.NoError(t, err)
		c2, err := restored.Encode(v)
		require.NoError(t, err)
		assert.Equal(t, c1, c2)
	})
}

func TestProductQuantizer(t *testing.T) {
	t.Run("config validation", func(t *testing.T) {
		_, err := NewProductQuantizer(10, Params{Subspaces: 3})
		assert.Error(t, err)

		_, err = NewProductQuantizer(8, Params{Subspaces: 2, Centroids: 300})
		assert.Error(t, err)
	})

	t.Run("train encode decode", func(t *testing.T) {
		const dim = 16
		vectors := randomVectors(t, 500, dim, 7)

		pq, err := NewProductQuantizer(dim, Params{Subspaces: 4, Centroids: 16, Seed: 42})
		require.NoError(t, err)
		require.NoError(t, pq.Train(context.Background(), vectors))
		require.True(t, pq.Trained())
		assert.Equal(t, 4, pq.CodeSize())

		code, err := pq.Encode(vectors[0])
		require.NoError(t, err)
		require.Len(t, code, 4)

		dec, err := pq.Decode(code)
		require.NoError(t, err)
		require.Len(t, dec, dim)

		// The decoded vector must be closer to the original than a random
		// training vector is on average.
		recon := distance.SquaredL2(vectors[0], dec)
		var sum float32
		for _, v := range vectors[1:51] {
			sum += distance.SquaredL2(vectors[0], v)
		}
		assert.Less(t, recon, sum/50)
	})

	t.Run("lookup table matches direct distance", func(t *testing.T) {
		const dim = 12
		vectors := randomVectors(t, 300, dim, 8)

		pq, err := NewProductQuantizer(dim, Params{Subspaces: 3, Centroids: 32, Seed: 9})
		require.NoError(t, err)
		require.NoError(t, pq.Train(context.Background(), vectors))

		q := vectors[0]
		lt, err := pq.NewLookupTable(q)
		require.NoError(t, err)

		for _, v := range vectors[:50] {
			code, err := pq.Encode(v)
			require.NoError(t, err)

			direct, err := pq.DistanceToCode(q, code)
			require.NoError(t, err)
			assert.InDelta(t, float64(direct), float64(lt.Distance(code)), 1e-3)
		}
	})

	t.Run("deterministic training", func(t *testing.T) {
		const dim = 8
		vectors := randomVectors(t, 200, dim, 10)
		params := Params{Subspaces: 2, Centroids: 8, Seed: 5}

		pq1, err := NewProductQuantizer(dim, params)
		require.NoError(t, err)
		require.NoError(t, pq1.Train(context.Background(), vectors))

		pq2, err := NewProductQuantizer(dim, params)
		require.NoError(t, err)
		require.NoError(t, pq2.Train(context.Background(), vectors))

		for _, v := range vectors {
			c1, err := pq1.Encode(v)
			require.NoError(t, err)
			c2, err := pq2.Encode(v)
			require.NoError(t, err)
			assert.Equal(t, c1, c2)
		}
	})

	t.Run("train cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		pq, err := NewProductQuantizer(8, Params{Subspaces: 2, Centroids: 4})
		require.NoError(t, err)
		err = pq.Train(ctx, randomVectors(t, 100, 8, 11))
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, pq.Trained())
	})

	t.Run("insufficient training vectors", func(t *testing.T) {
		pq, err := NewProductQuantizer(8, Params{Subspaces: 2, Centroids: 64})
		require.NoError(t, err)
		assert.Error(t, pq.Train(context.Background(), randomVectors(t, 10, 8, 12)))
	})

	t.Run("marshal round trip", func(t *testing.T) {
		const dim = 8
		vectors := randomVectors(t, 200, dim, 13)

		pq, err := NewProductQuantizer(dim, Params{Subspaces: 2, Centroids: 16, Seed: 3})
		require.NoError(t, err)
		require.NoError(t, pq.Train(context.Background(), vectors))

		blob, err := pq.MarshalBinary()
		require.NoError(t, err)

		restored, err := Restore(TypeProduct, dim, blob)
		require.NoError(t, err)
		require.True(t, restored.Trained())
		assert.Equal(t, pq.CodeSize(), restored.CodeSize())

		for _, v := range vectors[:20] {
			c1, err := pq.Encode(v)
			require.NoError(t, err)
			c2, err := restored.Encode(v)
			require.NoError(t, err)
			assert.Equal(t, c1, c2)
		}
	})
}

func TestBinaryQuantizer(t *testing.T) {
	t.Run("code size", func(t *testing.T) {
		assert.Equal(t, 1, NewBinaryQuantizer(8).CodeSize())
		assert.Equal(t, 2, NewBinaryQuantizer(9).CodeSize())
		assert.Equal(t, 16, NewBinaryQuantizer(128).CodeSize())
	})

	t.Run("encode and hamming distance", func(t *testing.T) {
		const dim = 64
		vectors := randomVectors(t, 1200, dim, 14)

		bq := NewBinaryQuantizer(dim)
		require.NoError(t, bq.Train(context.Background(), vectors))
		assert.False(t, bq.LowConfidence())

		v := vectors[0]
		code, err := bq.Encode(v)
		require.NoError(t, err)

		// Identical vectors have distance zero.
		d, err := bq.DistanceToCode(v, code)
		require.NoError(t, err)
		assert.Equal(t, float32(0), d)

		// Flipping one dimension far across its threshold flips one bit.
		flipped := make([]float32, dim)
		copy(flipped, v)
		flipped[3] = -flipped[3] + 100*sign(-flipped[3])
		d, err = bq.DistanceToCode(flipped, code)
		require.NoError(t, err)
		assert.LessOrEqual(t, d, float32(1))
	})

	t.Run("decode scale", func(t *testing.T) {
		const dim = 4
		vectors := randomVectors(t, 1000, dim, 15)

		bq := NewBinaryQuantizer(dim)
		require.NoError(t, bq.Train(context.Background(), vectors))

		code, err := bq.Encode(vectors[0])
		require.NoError(t, err)
		dec, err := bq.Decode(code)
		require.NoError(t, err)

		// Decoded values stay within the observed data range.
		for d := range dec {
			assert.Less(t, math.Abs(float64(dec[d])), 25.0)
		}
	})

	t.Run("marshal round trip", func(t *testing.T) {
		const dim = 10
		vectors := randomVectors(t, 1100, dim, 16)

		bq := NewBinaryQuantizer(dim)
		require.NoError(t, bq.Train(context.Background(), vectors))

		blob, err := bq.MarshalBinary()
		require.NoError(t, err)

		restored, err := Restore(TypeBinary, dim, blob)
		require.NoError(t, err)

		for _, v := range vectors[:20] {
			c1, err := bq.Encode(v)
			require.NoError(t, err)
			c2, err := restored.Encode(v)
			require.NoError(t, err)
			assert.Equal(t, c1, c2)
		}
	})
}

func TestNew(t *testing.T) {
	q, err := New(TypeScalar, 8, Params{})
	require.NoError(t, err)
	assert.Equal(t, TypeScalar, q.Kind())

	q, err = New(TypeProduct, 8, Params{Subspaces: 2})
	require.NoError(t, err)
	assert.Equal(t, TypeProduct, q.Kind())

	q, err = New(TypeBinary, 8, Params{})
	require.NoError(t, err)
	assert.Equal(t, TypeBinary, q.Kind())

	_, err = New(TypeNone, 8, Params{})
	assert.Error(t, err)

	_, err = New(TypeScalar, 0, Params{})
	assert.Error(t, err)
}

func sign(x float32) float32 {
	if x < 0 {
		return -1
	}
	return 1
}

func TestNewCodeDistance(t *testing.T) {
	ctx := context.Background()
	const dim = 8

	for _, kind := range []Type{TypeScalar, TypeProduct, TypeBinary} {
		t.Run(kind.String(), func(t *testing.T) {
			q, err := New(kind, dim, Params{})
			require.NoError(t, err)

			_, err = q.NewCodeDistance(make([]float32, dim))
			assert.ErrorIs(t, err, ErrNotTrained)

			vectors := randomVectors(t, 1200, dim, 31)
			require.NoError(t, q.Train(ctx, vectors))

			query := vectors[0]
			dist, err := q.NewCodeDistance(query)
			require.NoError(t, err)

			// The prepared distance matches the one-shot path code by code.
			for _, v := range vectors[1:16] {
				code, err := q.Encode(v)
				require.NoError(t, err)
				want, err := q.DistanceToCode(query, code)
				require.NoError(t, err)
				assert.InDelta(t, float64(want), float64(dist(code)), 1e-4)
			}

			assert.Equal(t, float32(math.MaxFloat32), dist(nil))
		})
	}
}
