package quantization

import (
	"context"
	"encoding/binary"
	"math"
)

const scalarLevels = 256 // 8-bit codes

// ScalarQuantizer implements 8-bit scalar quantization: each dimension is
// affinely mapped from its observed [min, max] range to a uint8, compressing
// float32 storage 4x. Decode is the exact affine inverse, so the per-dimension
// reconstruction error is bounded by half the quantization step.
type ScalarQuantizer struct {
	dim           int
	mins          []float32
	maxs          []float32
	scales        []float32 // 255 / (max - min)
	invScales     []float32 // (max - min) / 255
	trained       bool
	lowConfidence bool
}

// NewScalarQuantizer creates an untrained 8-bit scalar quantizer.
func NewScalarQuantizer(dim int) *ScalarQuantizer {
	return &ScalarQuantizer{dim: dim}
}

func (sq *ScalarQuantizer) Kind() Type          { return TypeScalar }
func (sq *ScalarQuantizer) Trained() bool       { return sq.trained }
func (sq *ScalarQuantizer) LowConfidence() bool { return sq.lowConfidence }
func (sq *ScalarQuantizer) CodeSize() int       { return sq.dim }

// Train finds per-dimension min/max bounds across the sample.
func (sq *ScalarQuantizer) Train(ctx context.Context, vectors [][]float32) error {
	if sq.trained {
		return ErrAlreadyTrained
	}
	if len(vectors) == 0 {
		return ErrNoTrainingData
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	mins := make([]float32, sq.dim)
	maxs := make([]float32, sq.dim)
	for i := range mins {
		mins[i] = math.MaxFloat32
		maxs[i] = -math.MaxFloat32
	}

	for _, vec := range vectors {
		if len(vec) != sq.dim {
			return ErrDimensionMismatch
		}
		for i, val := range vec {
			if val < mins[i] {
				mins[i] = val
			}
			if val > maxs[i] {
				maxs[i] = val
			}
		}
	}

	sq.setBounds(mins, maxs)
	sq.lowConfidence = len(vectors) < MinSamplesPerSubspace
	return nil
}

func (sq *ScalarQuantizer) setBounds(mins, maxs []float32) {
	sq.mins = mins
	sq.maxs = maxs
	sq.scales = make([]float32, sq.dim)
	sq.invScales = make([]float32, sq.dim)
	for i := range mins {
		if sq.maxs[i] == sq.mins[i] {
			// Constant dimension: keep the step nonzero.
			sq.maxs[i] = sq.mins[i] + 1e-6
		}
		r := sq.maxs[i] - sq.mins[i]
		sq.scales[i] = (scalarLevels - 1) / r
		sq.invScales[i] = r / (scalarLevels - 1)
	}
	sq.trained = true
}

// Step returns the quantization step for dimension d, (max-min)/255.
func (sq *ScalarQuantizer) Step(d int) float32 {
	return sq.invScales[d]
}

// Encode maps each dimension to [0, 255], clamping out-of-range values.
func (sq *ScalarQuantizer) Encode(v []float32) ([]byte, error) {
	if !sq.trained {
		return nil, ErrNotTrained
	}
	if len(v) != sq.dim {
		return nil, ErrDimensionMismatch
	}

	code := make([]byte, sq.dim)
	for i, val := range v {
		if val < sq.mins[i] {
			val = sq.mins[i]
		} else if val > sq.maxs[i] {
			val = sq.maxs[i]
		}
		code[i] = uint8((val-sq.mins[i])*sq.scales[i] + 0.5)
	}
	return code, nil
}

// Decode applies the exact affine inverse.
func (sq *ScalarQuantizer) Decode(code []byte) ([]float32, error) {
	if !sq.trained {
		return nil, ErrNotTrained
	}
	if len(code) != sq.dim {
		return nil, ErrInvalidCode
	}

	v := make([]float32, sq.dim)
	for i, c := range code {
		v[i] = float32(c)*sq.invScales[i] + sq.mins[i]
	}
	return v, nil
}

// DistanceToCode computes the squared L2 distance between a raw query and a
// code by reconstructing dimensions on the fly, without allocating.
func (sq *ScalarQuantizer) DistanceToCode(q []float32, code []byte) (float32, error) {
	if !sq.trained {
		return 0, ErrNotTrained
	}
	if len(q) != sq.dim || len(code) != sq.dim {
		return 0, ErrDimensionMismatch
	}

	var dist float32
	for i := 0; i < sq.dim; i++ {
		d := q[i] - (float32(code[i])*sq.invScales[i] + sq.mins[i])
		dist += d * d
	}
	return dist, nil
}

// NewCodeDistance returns the squared L2 distance from q to stored codes.
// Malformed codes compare as infinitely far.
func (sq *ScalarQuantizer) NewCodeDistance(q []float32) (func(code []byte) float32, error) {
	if !sq.trained {
		return nil, ErrNotTrained
	}
	if len(q) != sq.dim {
		return nil, ErrDimensionMismatch
	}
	return func(code []byte) float32 {
		if len(code) != sq.dim {
			return math.MaxFloat32
		}
		var dist float32
		for i, c := range code {
			d := q[i] - (float32(c)*sq.invScales[i] + sq.mins[i])
			dist += d * d
		}
		return dist
	}, nil
}

// MarshalBinary encodes the codebook.
// Format (little-endian): [dim:u32] then dim pairs of [min:f32][max:f32],
// then [lowConfidence:u8].
func (sq *ScalarQuantizer) MarshalBinary() ([]byte, error) {
	if !sq.trained {
		return nil, ErrNotTrained
	}

	buf := make([]byte, 4+sq.dim*8+1)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(sq.dim))
	off := 4
	for i := 0; i < sq.dim; i++ {
		binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(sq.mins[i]))
		binary.LittleEndian.PutUint32(buf[off+4:], math.Float32bits(sq.maxs[i]))
		off += 8
	}
	if sq.lowConfidence {
		buf[off] = 1
	}
	return buf, nil
}

// UnmarshalBinary restores a trained codebook.
func (sq *ScalarQuantizer) UnmarshalBinary(data []byte) error {
	if len(data) < 5 {
		return ErrInvalidCode
	}
	dim := int(binary.LittleEndian.Uint32(data[0:4]))
	if len(data) != 4+dim*8+1 {
		return ErrInvalidCode
	}

	sq.dim = dim
	mins := make([]float32, dim)
	maxs := make([]float32, dim)
	off := 4
	for i := 0; i < dim; i++ {
		mins[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
		maxs[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[off+4:]))
		off += 8
	}
	sq.setBounds(mins, maxs)
	sq.lowConfidence = data[off] == 1
	return nil
}
