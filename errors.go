package vecdb

import (
	"errors"
	"fmt"

	"github.com/hupe1980/vecdb/internal/hnsw"
	"github.com/hupe1980/vecdb/internal/quantization"
	"github.com/hupe1980/vecdb/internal/vectorstore"
	"github.com/hupe1980/vecdb/persistence"
)

var (
	// ErrNotFound is returned when an external id does not resolve to a
	// live record.
	ErrNotFound = errors.New("not found")

	// ErrInvalidK is returned when k is not positive.
	ErrInvalidK = errors.New("k must be positive")

	// ErrEmptyVector is returned for zero-length vectors.
	ErrEmptyVector = errors.New("vector cannot be empty")

	// ErrQuantizerNotTrained is returned when a quantized operation runs
	// before TrainQuantizer completed.
	ErrQuantizerNotTrained = errors.New("quantizer not trained")

	// ErrNoQuantizer is returned when TrainQuantizer is called on an index
	// opened without a quantization option.
	ErrNoQuantizer = errors.New("no quantizer configured")

	// ErrCorruptSnapshot is returned when a restore fails validation. The
	// index is never partially restored.
	ErrCorruptSnapshot = errors.New("corrupt snapshot")

	// ErrClosed is returned for operations on a closed index.
	ErrClosed = errors.New("index is closed")
)

// ErrDimensionMismatch indicates a vector or query whose length does not
// match the configured dimension.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
	cause    error
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *ErrDimensionMismatch) Unwrap() error { return e.cause }

// ErrDuplicateID indicates an insert of an already-present external id.
// Replacing a record requires delete-then-insert.
type ErrDuplicateID struct {
	ID    string
	cause error
}

func (e *ErrDuplicateID) Error() string {
	return fmt.Sprintf("duplicate id %q", e.ID)
}

func (e *ErrDuplicateID) Unwrap() error { return e.cause }

// ErrCapacityExceeded indicates an insert beyond the configured
// MaxElements limit.
type ErrCapacityExceeded struct {
	Limit uint64
	cause error
}

func (e *ErrCapacityExceeded) Error() string {
	return fmt.Sprintf("capacity exceeded: limit %d", e.Limit)
}

func (e *ErrCapacityExceeded) Unwrap() error { return e.cause }

// ErrInvalidDimension indicates an invalid configured dimension.
type ErrInvalidDimension struct {
	Dimension int
}

func (e *ErrInvalidDimension) Error() string {
	return fmt.Sprintf("invalid dimension: %d", e.Dimension)
}

// translateError lifts internal package errors into the public taxonomy.
func (idx *Index) translateError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, vectorstore.ErrDuplicateID) {
		return &ErrDuplicateID{cause: err}
	}
	if errors.Is(err, vectorstore.ErrCapacityExceeded) {
		return &ErrCapacityExceeded{Limit: idx.opts.MaxElements, cause: err}
	}
	if errors.Is(err, quantization.ErrNotTrained) {
		return fmt.Errorf("%w: %w", ErrQuantizerNotTrained, err)
	}
	if errors.Is(err, quantization.ErrDimensionMismatch) {
		return &ErrDimensionMismatch{Expected: idx.dim, cause: err}
	}
	if errors.Is(err, hnsw.ErrInvalidK) {
		return fmt.Errorf("%w: %w", ErrInvalidK, err)
	}
	if errors.Is(err, hnsw.ErrEmptyVector) {
		return fmt.Errorf("%w: %w", ErrEmptyVector, err)
	}

	var nnf *hnsw.ErrNodeNotFound
	if errors.As(err, &nnf) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	return err
}

// translateSnapshotError maps persistence and validation failures onto
// ErrCorruptSnapshot.
func translateSnapshotError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, persistence.ErrInvalidMagic) ||
		errors.Is(err, persistence.ErrInvalidVersion) ||
		errors.Is(err, persistence.ErrInvalidCodec) ||
		errors.Is(err, persistence.ErrChecksumMismatch) ||
		errors.Is(err, persistence.ErrTruncatedSnapshot) ||
		errors.Is(err, persistence.ErrCorruptSnapshot) {
		return fmt.Errorf("%w: %w", ErrCorruptSnapshot, err)
	}
	var ig *hnsw.ErrInvalidGraph
	if errors.As(err, &ig) {
		return fmt.Errorf("%w: %w", ErrCorruptSnapshot, err)
	}
	return err
}
