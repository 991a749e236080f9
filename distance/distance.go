// Package distance provides the distance metrics shared by the index and the
// quantization subsystem. All metrics follow one ordering convention:
// smaller is more similar. Similarity measures (cosine, dot product) are
// converted into distances so that every caller can sort ascending.
package distance

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"
	"slices"
)

// Metric identifies the distance metric used for vector comparison.
// The set is closed; metric dispatch happens once at index-open time via
// Provider, never per call.
type Metric int

const (
	MetricL2 Metric = iota
	MetricCosine
	MetricDot
	MetricManhattan
	MetricHamming
)

func (m Metric) String() string {
	switch m {
	case MetricL2:
		return "L2"
	case MetricCosine:
		return "Cosine"
	case MetricDot:
		return "Dot"
	case MetricManhattan:
		return "Manhattan"
	case MetricHamming:
		return "Hamming"
	default:
		return fmt.Sprintf("Unknown(%d)", m)
	}
}

// Func is a function type for distance calculation on float32 vectors.
type Func func(a, b []float32) float32

// FuncBytes is a function type for distance calculation on packed bit codes.
type FuncBytes func(a, b []byte) float32

// Dot calculates the dot product of two vectors.
// Assumes vectors are the same length (caller's responsibility).
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// SquaredL2 calculates the squared L2 (Euclidean) distance between two vectors.
// Assumes vectors are the same length (caller's responsibility).
func SquaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// Manhattan calculates the L1 distance between two vectors.
// Assumes vectors are the same length (caller's responsibility).
func Manhattan(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		if d < 0 {
			d = -d
		}
		sum += d
	}
	return sum
}

// Hamming calculates the Hamming distance between two packed bit codes.
// Assumes slices are the same length. Returns the count of differing bits.
func Hamming(a, b []byte) float32 {
	var count int
	i := 0
	for ; i+8 <= len(a); i += 8 {
		x := binary.LittleEndian.Uint64(a[i:]) ^ binary.LittleEndian.Uint64(b[i:])
		count += bits.OnesCount64(x)
	}
	for ; i < len(a); i++ {
		count += bits.OnesCount8(a[i] ^ b[i])
	}
	return float32(count)
}

// HammingFloat calculates the Hamming distance between two float32 vectors
// interpreted as sign patterns: the count of dimensions whose signs differ.
// Zero counts as positive. Assumes vectors are the same length.
func HammingFloat(a, b []float32) float32 {
	var count int
	for i := range a {
		if (a[i] < 0) != (b[i] < 0) {
			count++
		}
	}
	return float32(count)
}

// NormalizeL2InPlace L2-normalizes v in place.
// Returns false if v has zero L2 norm.
func NormalizeL2InPlace(v []float32) bool {
	if len(v) == 0 {
		return false
	}
	norm2 := Dot(v, v)
	if norm2 == 0 {
		return false
	}
	inv := 1 / float32(math.Sqrt(float64(norm2)))
	for i := range v {
		v[i] *= inv
	}
	return true
}

// NormalizeL2Copy returns a normalized copy of src.
// Returns false if src has zero L2 norm.
func NormalizeL2Copy(src []float32) ([]float32, bool) {
	dst := slices.Clone(src)
	if !NormalizeL2InPlace(dst) {
		return nil, false
	}
	return dst, true
}

// Provider returns the distance function for the given metric.
//
// Cosine assumes both operands are L2-normalized; for unit vectors
// 0.5*SquaredL2 equals 1-cos and preserves the cosine-distance ordering.
// Dot product similarity is negated so that smaller means more similar.
func Provider(m Metric) (Func, error) {
	switch m {
	case MetricL2:
		return SquaredL2, nil
	case MetricCosine:
		return func(a, b []float32) float32 {
			return 0.5 * SquaredL2(a, b)
		}, nil
	case MetricDot:
		return func(a, b []float32) float32 {
			return -Dot(a, b)
		}, nil
	case MetricManhattan:
		return Manhattan, nil
	case MetricHamming:
		return HammingFloat, nil
	default:
		return nil, fmt.Errorf("unsupported metric for float32: %v", m)
	}
}

// ProviderBytes returns the distance function for the given metric on packed
// bit codes.
func ProviderBytes(m Metric) (FuncBytes, error) {
	switch m {
	case MetricHamming:
		return Hamming, nil
	default:
		return nil, fmt.Errorf("unsupported metric for bytes: %v", m)
	}
}

// NeedsNormalization reports whether vectors must be L2-normalized before
// they are stored or compared under the given metric.
func NeedsNormalization(m Metric) bool {
	return m == MetricCosine
}
