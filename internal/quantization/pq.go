package quantization

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/vecdb/distance"
	"github.com/hupe1980/vecdb/internal/kmeans"
)

const (
	defaultCentroids = 256
	defaultMaxIter   = 25
	defaultSeed      = 0x5EED
)

// ProductQuantizer implements product quantization: the vector is split into
// S equal subspaces, each quantized independently against a k-means codebook.
// A D-dimensional float32 vector compresses to S bytes.
//
// Asymmetric distance between a raw query and a code is computed from
// per-subspace lookup tables, giving O(S) cost per code regardless of D.
type ProductQuantizer struct {
	dim       int
	subspaces int // S
	centroids int // K, <= 256 for uint8 codes
	subDim    int // D/S
	maxIter   int
	seed      int64

	codebooks     []float32 // S * K * subDim, flattened
	trained       bool
	lowConfidence bool
}

// NewProductQuantizer creates an untrained product quantizer.
// dim must be divisible by params.Subspaces.
func NewProductQuantizer(dim int, params Params) (*ProductQuantizer, error) {
	s := params.Subspaces
	if s <= 0 {
		// Default: 8-dim subspaces where possible.
		s = dim / 8
		if s == 0 {
			s = 1
		}
	}
	if dim%s != 0 {
		return nil, fmt.Errorf("quantization: dimension %d not divisible by %d subspaces", dim, s)
	}

	k := params.Centroids
	if k <= 0 {
		k = defaultCentroids
	}
	if k > 256 {
		return nil, fmt.Errorf("quantization: centroids %d exceeds uint8 range", k)
	}

	maxIter := params.MaxIter
	if maxIter <= 0 {
		maxIter = defaultMaxIter
	}
	seed := params.Seed
	if seed == 0 {
		seed = defaultSeed
	}

	return &ProductQuantizer{
		dim:       dim,
		subspaces: s,
		centroids: k,
		subDim:    dim / s,
		maxIter:   maxIter,
		seed:      seed,
	}, nil
}

func (pq *ProductQuantizer) Kind() Type          { return TypeProduct }
func (pq *ProductQuantizer) Trained() bool       { return pq.trained }
func (pq *ProductQuantizer) LowConfidence() bool { return pq.lowConfidence }
func (pq *ProductQuantizer) CodeSize() int       { return pq.subspaces }

// Subspaces returns S.
func (pq *ProductQuantizer) Subspaces() int { return pq.subspaces }

// Train runs k-means independently per subspace, one goroutine each.
func (pq *ProductQuantizer) Train(ctx context.Context, vectors [][]float32) error {
	if pq.trained {
		return ErrAlreadyTrained
	}
	if len(vectors) == 0 {
		return ErrNoTrainingData
	}
	for _, vec := range vectors {
		if len(vec) != pq.dim {
			return ErrDimensionMismatch
		}
	}
	if len(vectors) < pq.centroids {
		return fmt.Errorf("quantization: %d training vectors for %d centroids", len(vectors), pq.centroids)
	}

	codebooks := make([]float32, pq.subspaces*pq.centroids*pq.subDim)

	g, gctx := errgroup.WithContext(ctx)
	for m := 0; m < pq.subspaces; m++ {
		m := m
		g.Go(func() error {
			start := m * pq.subDim
			end := start + pq.subDim
			rng := rand.New(rand.NewSource(pq.seed + int64(m)))

			centroids, err := kmeans.Train(gctx, vectors, start, end, pq.centroids, pq.maxIter, rng)
			if err != nil {
				return err
			}
			copy(codebooks[m*pq.centroids*pq.subDim:], centroids)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	pq.codebooks = codebooks
	pq.trained = true
	pq.lowConfidence = len(vectors) < MinSamplesPerSubspace*pq.subspaces
	return nil
}

// codebook returns the flattened K*subDim centroid table for subspace m.
func (pq *ProductQuantizer) codebook(m int) []float32 {
	start := m * pq.centroids * pq.subDim
	return pq.codebooks[start : start+pq.centroids*pq.subDim]
}

// Encode assigns each subspace to its nearest centroid index.
func (pq *ProductQuantizer) Encode(v []float32) ([]byte, error) {
	if !pq.trained {
		return nil, ErrNotTrained
	}
	if len(v) != pq.dim {
		return nil, ErrDimensionMismatch
	}

	code := make([]byte, pq.subspaces)
	for m := 0; m < pq.subspaces; m++ {
		start := m * pq.subDim
		code[m] = uint8(kmeans.Assign(v, start, start+pq.subDim, pq.codebook(m)))
	}
	return code, nil
}

// Decode concatenates the assigned centroids.
func (pq *ProductQuantizer) Decode(code []byte) ([]float32, error) {
	if !pq.trained {
		return nil, ErrNotTrained
	}
	if len(code) != pq.subspaces {
		return nil, ErrInvalidCode
	}

	v := make([]float32, pq.dim)
	for m, c := range code {
		centroid := pq.codebook(m)[int(c)*pq.subDim : (int(c)+1)*pq.subDim]
		copy(v[m*pq.subDim:], centroid)
	}
	return v, nil
}

// DistanceToCode sums per-subspace squared distances between the query
// subvector and the assigned centroid. O(D) for a single code; for scanning
// many codes against one query, use a LookupTable.
func (pq *ProductQuantizer) DistanceToCode(q []float32, code []byte) (float32, error) {
	if !pq.trained {
		return 0, ErrNotTrained
	}
	if len(q) != pq.dim {
		return 0, ErrDimensionMismatch
	}
	if len(code) != pq.subspaces {
		return 0, ErrInvalidCode
	}

	var dist float32
	for m, c := range code {
		sub := q[m*pq.subDim : (m+1)*pq.subDim]
		centroid := pq.codebook(m)[int(c)*pq.subDim : (int(c)+1)*pq.subDim]
		dist += distance.SquaredL2(sub, centroid)
	}
	return dist, nil
}

// LookupTable holds precomputed query-to-centroid distances for one query,
// turning per-code distance into S table lookups.
type LookupTable struct {
	subspaces int
	centroids int
	table     []float32 // S * K
}

// NewLookupTable precomputes the S*K distance table for the given query.
func (pq *ProductQuantizer) NewLookupTable(q []float32) (*LookupTable, error) {
	if !pq.trained {
		return nil, ErrNotTrained
	}
	if len(q) != pq.dim {
		return nil, ErrDimensionMismatch
	}

	table := make([]float32, pq.subspaces*pq.centroids)
	for m := 0; m < pq.subspaces; m++ {
		sub := q[m*pq.subDim : (m+1)*pq.subDim]
		cb := pq.codebook(m)
		row := table[m*pq.centroids:]
		for c := 0; c < pq.centroids; c++ {
			row[c] = distance.SquaredL2(sub, cb[c*pq.subDim:(c+1)*pq.subDim])
		}
	}
	return &LookupTable{subspaces: pq.subspaces, centroids: pq.centroids, table: table}, nil
}

// Distance returns the approximate squared L2 distance for a code in O(S).
func (lt *LookupTable) Distance(code []byte) float32 {
	var dist float32
	for m, c := range code {
		dist += lt.table[m*lt.centroids+int(c)]
	}
	return dist
}

// NewCodeDistance builds the per-query lookup table once and serves code
// distances from it. Malformed codes compare as infinitely far.
func (pq *ProductQuantizer) NewCodeDistance(q []float32) (func(code []byte) float32, error) {
	lt, err := pq.NewLookupTable(q)
	if err != nil {
		return nil, err
	}
	return func(code []byte) float32 {
		if len(code) != pq.subspaces {
			return math.MaxFloat32
		}
		return lt.Distance(code)
	}, nil
}

// MarshalBinary encodes the codebook.
// Format (little-endian): [dim:u32][subspaces:u32][centroids:u32]
// [lowConfidence:u8] then S*K*subDim float32 centroids.
func (pq *ProductQuantizer) MarshalBinary() ([]byte, error) {
	if !pq.trained {
		return nil, ErrNotTrained
	}

	buf := make([]byte, 13+len(pq.codebooks)*4)
	binary.LittleEndian.PutUint32(buf[0:], uint32(pq.dim))
	binary.LittleEndian.PutUint32(buf[4:], uint32(pq.subspaces))
	binary.LittleEndian.PutUint32(buf[8:], uint32(pq.centroids))
	if pq.lowConfidence {
		buf[12] = 1
	}
	off := 13
	for _, f := range pq.codebooks {
		binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(f))
		off += 4
	}
	return buf, nil
}

// UnmarshalBinary restores a trained codebook.
func (pq *ProductQuantizer) UnmarshalBinary(data []byte) error {
	if len(data) < 13 {
		return ErrInvalidCode
	}
	dim := int(binary.LittleEndian.Uint32(data[0:]))
	subspaces := int(binary.LittleEndian.Uint32(data[4:]))
	centroids := int(binary.LittleEndian.Uint32(data[8:]))
	if subspaces <= 0 || centroids <= 0 || centroids > 256 || dim%subspaces != 0 {
		return ErrInvalidCode
	}
	subDim := dim / subspaces
	n := subspaces * centroids * subDim
	if len(data) != 13+n*4 {
		return ErrInvalidCode
	}

	codebooks := make([]float32, n)
	off := 13
	for i := range codebooks {
		codebooks[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
		off += 4
	}

	pq.dim = dim
	pq.subspaces = subspaces
	pq.centroids = centroids
	pq.subDim = subDim
	pq.codebooks = codebooks
	pq.lowConfidence = data[12] == 1
	pq.trained = true
	return nil
}
