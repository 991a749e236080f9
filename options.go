package vecdb

import (
	"github.com/hupe1980/vecdb/distance"
	"github.com/hupe1980/vecdb/internal/hnsw"
	"github.com/hupe1980/vecdb/internal/quantization"
)

// QuantizerKind selects the vector compression strategy.
type QuantizerKind int

const (
	QuantizerNone QuantizerKind = iota
	QuantizerScalar
	QuantizerProduct
	QuantizerBinary
)

func (k QuantizerKind) internal() quantization.Type {
	switch k {
	case QuantizerScalar:
		return quantization.TypeScalar
	case QuantizerProduct:
		return quantization.TypeProduct
	case QuantizerBinary:
		return quantization.TypeBinary
	default:
		return quantization.TypeNone
	}
}

// QuantizerParams configures product quantization geometry and training.
type QuantizerParams struct {
	// Subspaces splits the vector for product quantization. Must divide
	// the dimension. Zero picks 8-dim subspaces.
	Subspaces int

	// Centroids per subspace, at most 256. Zero picks 256.
	Centroids int

	// MaxIter bounds k-means iterations during training.
	MaxIter int

	// Seed fixes training for reproducible codebooks.
	Seed int64
}

// Options configures Open.
type Options struct {
	// Metric is the distance measure. Cosine normalizes vectors at insert
	// and query time.
	Metric distance.Metric

	// M is the number of bidirectional graph links per node; the base
	// layer allows 2*M.
	M int

	// EFConstruction is the candidate beam width while building the graph.
	EFConstruction int

	// EFSearch is the default beam width at query time. Zero derives it
	// per query as max(2*k, 100).
	EFSearch int

	// MaxElements caps the number of live records. Zero means unbounded.
	MaxElements uint64

	// RandomSeed fixes graph construction for reproducible indexes. Nil
	// seeds from the clock.
	RandomSeed *int64

	// Quantizer enables lossy compression. The codebook must be trained
	// via TrainQuantizer before codes are produced.
	Quantizer QuantizerKind

	// QuantizerParams tunes the quantizer picked above.
	QuantizerParams QuantizerParams

	// Maintenance throttles background repair and compaction.
	Maintenance MaintenanceConfig

	// Logger receives lifecycle events. Nil disables logging.
	Logger *Logger
}

// DefaultOptions are the Open defaults.
var DefaultOptions = Options{
	Metric:         distance.MetricL2,
	M:              hnsw.DefaultM,
	EFConstruction: hnsw.DefaultEFConstruction,
}

// WithMetric sets the distance metric.
func WithMetric(m distance.Metric) func(o *Options) {
	return func(o *Options) {
		o.Metric = m
	}
}

// WithM sets the graph link budget.
func WithM(m int) func(o *Options) {
	return func(o *Options) {
		o.M = m
	}
}

// WithEFConstruction sets the build beam width.
func WithEFConstruction(ef int) func(o *Options) {
	return func(o *Options) {
		o.EFConstruction = ef
	}
}

// WithEFSearch sets the default query beam width.
func WithEFSearch(ef int) func(o *Options) {
	return func(o *Options) {
		o.EFSearch = ef
	}
}

// WithMaxElements caps the live record count.
func WithMaxElements(n uint64) func(o *Options) {
	return func(o *Options) {
		o.MaxElements = n
	}
}

// WithRandomSeed makes graph construction reproducible.
func WithRandomSeed(seed int64) func(o *Options) {
	return func(o *Options) {
		o.RandomSeed = &seed
	}
}

// WithQuantizer enables the given quantization strategy.
func WithQuantizer(kind QuantizerKind, params QuantizerParams) func(o *Options) {
	return func(o *Options) {
		o.Quantizer = kind
		o.QuantizerParams = params
	}
}

// WithMaintenance tunes background repair and compaction throttling.
func WithMaintenance(cfg MaintenanceConfig) func(o *Options) {
	return func(o *Options) {
		o.Maintenance = cfg
	}
}

// WithLogger installs a lifecycle logger.
func WithLogger(l *Logger) func(o *Options) {
	return func(o *Options) {
		o.Logger = l
	}
}

// SearchOptions tunes a single Search call.
type SearchOptions struct {
	// EF overrides the beam width for this query.
	EF int
}

// WithEF overrides the query beam width.
func WithEF(ef int) func(o *SearchOptions) {
	return func(o *SearchOptions) {
		o.EF = ef
	}
}
