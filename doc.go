// Package vecdb is an embedded approximate nearest-neighbor index for Go.
//
// Vectors are stored in-process and indexed with a Hierarchical Navigable
// Small World (HNSW) graph. The package supports L2, cosine, dot-product,
// Manhattan and Hamming metrics, optional scalar/product/binary
// quantization with trained codebooks, logical deletes with background
// repair and compaction, and checksummed snapshot persistence.
//
//	idx, _ := vecdb.Open(128, vecdb.WithMetric(distance.MetricCosine))
//	_ = idx.Insert(ctx, "doc-1", embedding)
//	hits, _ := idx.Search(ctx, query, 10)
package vecdb
