// Package quantization provides lossy vector compression with approximate
// distance computation directly on the compressed codes.
//
// A quantizer is mutable only between construction and Train. Once trained,
// its codebook is immutable: retraining requires constructing a new
// quantizer, so concurrent readers always observe a consistent codebook.
package quantization

import (
	"context"
	"encoding"
	"errors"
	"fmt"
)

// Type represents the quantization strategy.
type Type int

const (
	TypeNone Type = iota
	TypeScalar
	TypeProduct
	TypeBinary
)

func (t Type) String() string {
	switch t {
	case TypeNone:
		return "None"
	case TypeScalar:
		return "Scalar"
	case TypeProduct:
		return "Product"
	case TypeBinary:
		return "Binary"
	default:
		return "Unknown"
	}
}

var (
	// ErrNotTrained is returned when Encode/Decode/DistanceToCode is called
	// before a successful Train.
	ErrNotTrained = errors.New("quantizer not trained")

	// ErrAlreadyTrained is returned when Train is called twice. Codebooks
	// are immutable; retraining requires a new quantizer.
	ErrAlreadyTrained = errors.New("quantizer already trained")

	// ErrNoTrainingData is returned when Train is called with no vectors.
	ErrNoTrainingData = errors.New("no vectors provided for training")

	// ErrDimensionMismatch is returned for vectors or codes whose length
	// does not match the quantizer configuration.
	ErrDimensionMismatch = errors.New("dimension mismatch")

	// ErrInvalidCode is returned for malformed code bytes.
	ErrInvalidCode = errors.New("invalid code length")
)

// MinSamplesPerSubspace is the practical floor of training samples per
// subspace for stable centroids. Training below the floor succeeds but the
// quantizer reports low confidence.
const MinSamplesPerSubspace = 1000

// Quantizer is the common interface of all quantization strategies.
type Quantizer interface {
	// Kind returns the quantization strategy.
	Kind() Type

	// Train calibrates the quantizer on sample vectors. It blocks until
	// training completes and may be called exactly once.
	Train(ctx context.Context, vectors [][]float32) error

	// Trained reports whether Train has completed.
	Trained() bool

	// LowConfidence reports whether the training sample was below the
	// recommended floor for this configuration.
	LowConfidence() bool

	// CodeSize returns the encoded size in bytes.
	CodeSize() int

	// Encode compresses a vector into a code.
	Encode(v []float32) ([]byte, error)

	// Decode reconstructs an approximate vector from a code.
	Decode(code []byte) ([]float32, error)

	// DistanceToCode computes the approximate squared L2 distance between a
	// raw query vector and a stored code without fully decoding the code.
	DistanceToCode(q []float32, code []byte) (float32, error)

	// NewCodeDistance precomputes query-specific state and returns a
	// distance over stored codes, amortizing per-query work across many
	// code comparisons during a graph traversal.
	NewCodeDistance(q []float32) (func(code []byte) float32, error)

	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// Params configures quantizer construction.
type Params struct {
	// Subspaces is the number of PQ subspaces (product quantization only).
	Subspaces int

	// Centroids is the number of centroids per subspace, at most 256
	// (product quantization only). Defaults to 256.
	Centroids int

	// MaxIter bounds k-means iterations during PQ training. Defaults to 25.
	MaxIter int

	// Seed makes training reproducible. 0 uses a fixed default seed so that
	// identical input always yields identical codebooks.
	Seed int64
}

// New constructs an untrained quantizer of the given kind for dimension dim.
func New(kind Type, dim int, params Params) (Quantizer, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("quantization: invalid dimension %d", dim)
	}
	switch kind {
	case TypeScalar:
		return NewScalarQuantizer(dim), nil
	case TypeProduct:
		return NewProductQuantizer(dim, params)
	case TypeBinary:
		return NewBinaryQuantizer(dim), nil
	default:
		return nil, fmt.Errorf("quantization: unsupported kind %v", kind)
	}
}

// Restore reconstructs a trained quantizer from its marshaled form.
func Restore(kind Type, dim int, blob []byte) (Quantizer, error) {
	params := Params{}
	if kind == TypeProduct {
		// Geometry comes from the blob; a single subspace always divides dim.
		params.Subspaces = 1
	}
	q, err := New(kind, dim, params)
	if err != nil {
		return nil, err
	}
	if err := q.UnmarshalBinary(blob); err != nil {
		return nil, err
	}
	return q, nil
}
