package quantization

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/hupe1980/vecdb/distance"
)

// BinaryQuantizer maps each dimension to a single bit: 1 when the value is
// above the per-dimension mean learned during training, 0 otherwise. A
// D-dimensional vector compresses to ceil(D/8) bytes and distance becomes a
// Hamming popcount.
//
// Decode reconstructs mean plus or minus the mean absolute deviation, which
// keeps decoded vectors roughly on the data's scale.
type BinaryQuantizer struct {
	dim   int
	means []float32
	devs  []float32 // mean absolute deviation per dimension

	trained       bool
	lowConfidence bool
}

// NewBinaryQuantizer creates an untrained binary quantizer.
func NewBinaryQuantizer(dim int) *BinaryQuantizer {
	return &BinaryQuantizer{dim: dim}
}

func (bq *BinaryQuantizer) Kind() Type          { return TypeBinary }
func (bq *BinaryQuantizer) Trained() bool       { return bq.trained }
func (bq *BinaryQuantizer) LowConfidence() bool { return bq.lowConfidence }
func (bq *BinaryQuantizer) CodeSize() int       { return (bq.dim + 7) / 8 }

// Train learns per-dimension thresholds from the sample set.
func (bq *BinaryQuantizer) Train(ctx context.Context, vectors [][]float32) error {
	if bq.trained {
		return ErrAlreadyTrained
	}
	if len(vectors) == 0 {
		return ErrNoTrainingData
	}
	for _, vec := range vectors {
		if len(vec) != bq.dim {
			return ErrDimensionMismatch
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	means := make([]float32, bq.dim)
	sums := make([]float64, bq.dim)
	for _, vec := range vectors {
		for d, x := range vec {
			sums[d] += float64(x)
		}
	}
	n := float64(len(vectors))
	for d := range means {
		means[d] = float32(sums[d] / n)
	}

	devs := make([]float32, bq.dim)
	devSums := make([]float64, bq.dim)
	for _, vec := range vectors {
		for d, x := range vec {
			devSums[d] += math.Abs(float64(x - means[d]))
		}
	}
	for d := range devs {
		devs[d] = float32(devSums[d] / n)
	}

	bq.means = means
	bq.devs = devs
	bq.trained = true
	bq.lowConfidence = len(vectors) < MinSamplesPerSubspace
	return nil
}

// Encode packs sign bits, LSB-first within each byte.
func (bq *BinaryQuantizer) Encode(v []float32) ([]byte, error) {
	if !bq.trained {
		return nil, ErrNotTrained
	}
	if len(v) != bq.dim {
		return nil, ErrDimensionMismatch
	}

	code := make([]byte, bq.CodeSize())
	for d, x := range v {
		if x > bq.means[d] {
			code[d>>3] |= 1 << (d & 7)
		}
	}
	return code, nil
}

// Decode reconstructs mean+dev for set bits and mean-dev for clear bits.
func (bq *BinaryQuantizer) Decode(code []byte) ([]float32, error) {
	if !bq.trained {
		return nil, ErrNotTrained
	}
	if len(code) != bq.CodeSize() {
		return nil, ErrInvalidCode
	}

	v := make([]float32, bq.dim)
	for d := range v {
		if code[d>>3]&(1<<(d&7)) != 0 {
			v[d] = bq.means[d] + bq.devs[d]
		} else {
			v[d] = bq.means[d] - bq.devs[d]
		}
	}
	return v, nil
}

// DistanceToCode encodes the query and returns the Hamming distance.
func (bq *BinaryQuantizer) DistanceToCode(q []float32, code []byte) (float32, error) {
	qc, err := bq.Encode(q)
	if err != nil {
		return 0, err
	}
	if len(code) != len(qc) {
		return 0, ErrInvalidCode
	}
	return distance.Hamming(qc, code), nil
}

// NewCodeDistance encodes the query once and serves Hamming distances
// against stored codes. Malformed codes compare as infinitely far.
func (bq *BinaryQuantizer) NewCodeDistance(q []float32) (func(code []byte) float32, error) {
	qc, err := bq.Encode(q)
	if err != nil {
		return nil, err
	}
	return func(code []byte) float32 {
		if len(code) != len(qc) {
			return math.MaxFloat32
		}
		return distance.Hamming(qc, code)
	}, nil
}

// MarshalBinary encodes thresholds.
// Format (little-endian): [dim:u32][lowConfidence:u8] then dim (mean, dev)
// float32 pairs.
func (bq *BinaryQuantizer) MarshalBinary() ([]byte, error) {
	if !bq.trained {
		return nil, ErrNotTrained
	}

	buf := make([]byte, 5+bq.dim*8)
	binary.LittleEndian.PutUint32(buf[0:], uint32(bq.dim))
	if bq.lowConfidence {
		buf[4] = 1
	}
	off := 5
	for d := 0; d < bq.dim; d++ {
		binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(bq.means[d]))
		binary.LittleEndian.PutUint32(buf[off+4:], math.Float32bits(bq.devs[d]))
		off += 8
	}
	return buf, nil
}

// UnmarshalBinary restores trained thresholds.
func (bq *BinaryQuantizer) UnmarshalBinary(data []byte) error {
	if len(data) < 5 {
		return ErrInvalidCode
	}
	dim := int(binary.LittleEndian.Uint32(data[0:]))
	if dim <= 0 || len(data) != 5+dim*8 {
		return ErrInvalidCode
	}

	means := make([]float32, dim)
	devs := make([]float32, dim)
	off := 5
	for d := 0; d < dim; d++ {
		means[d] = math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
		devs[d] = math.Float32frombits(binary.LittleEndian.Uint32(data[off+4:]))
		off += 8
	}

	bq.dim = dim
	bq.means = means
	bq.devs = devs
	bq.lowConfidence = data[4] == 1
	bq.trained = true
	return nil
}
