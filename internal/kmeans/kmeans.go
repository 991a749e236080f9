// Package kmeans implements Lloyd's algorithm over a dimension range of the
// input vectors, which lets product quantization train per-subspace
// codebooks without materializing subvector copies.
package kmeans

import (
	"context"
	"math"
	"math/rand"

	"github.com/hupe1980/vecdb/distance"
)

// Train clusters the [start:end) range of the given vectors into k centroids
// using Lloyd's algorithm and returns the flattened centroids (k * (end-start)).
// Returns nil centroids if there are fewer vectors than clusters.
//
// The rng controls centroid initialization and empty-cluster reseeding;
// a seeded rng gives reproducible codebooks.
func Train(ctx context.Context, vectors [][]float32, start, end, k, maxIter int, rng *rand.Rand) ([]float32, error) {
	n := len(vectors)
	dim := end - start
	if n < k {
		return nil, nil
	}

	centroids := make([]float32, k*dim)

	// Initialize centroids from distinct random data points.
	perm := rng.Perm(n)
	for i := 0; i < k; i++ {
		copy(centroids[i*dim:(i+1)*dim], vectors[perm[i]][start:end])
	}

	assignments := make([]int, n)
	counts := make([]int, k)
	sums := make([]float32, k*dim)

	for iter := 0; iter < maxIter; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		changed := false

		// Assignment step
		for i := 0; i < n; i++ {
			vec := vectors[i][start:end]
			best := -1
			minDist := float32(math.MaxFloat32)
			for j := 0; j < k; j++ {
				d := distance.SquaredL2(vec, centroids[j*dim:(j+1)*dim])
				if d < minDist {
					minDist = d
					best = j
				}
			}
			if assignments[i] != best {
				assignments[i] = best
				changed = true
			}
		}

		if !changed && iter > 0 {
			break
		}

		// Update step
		for i := range sums {
			sums[i] = 0
		}
		for i := range counts {
			counts[i] = 0
		}
		for i := 0; i < n; i++ {
			c := assignments[i]
			vec := vectors[i][start:end]
			for d := 0; d < dim; d++ {
				sums[c*dim+d] += vec[d]
			}
			counts[c]++
		}

		for j := 0; j < k; j++ {
			if counts[j] > 0 {
				scale := 1.0 / float32(counts[j])
				for d := 0; d < dim; d++ {
					centroids[j*dim+d] = sums[j*dim+d] * scale
				}
			} else {
				// Reseed empty cluster from a random point.
				idx := rng.Intn(n)
				copy(centroids[j*dim:(j+1)*dim], vectors[idx][start:end])
			}
		}
	}

	return centroids, nil
}

// Assign finds the index of the closest centroid for the [start:end) range
// of vec. Centroids are flattened with stride end-start.
func Assign(vec []float32, start, end int, centroids []float32) int {
	dim := end - start
	k := len(centroids) / dim
	sub := vec[start:end]

	best := 0
	minDist := float32(math.MaxFloat32)
	for j := 0; j < k; j++ {
		d := distance.SquaredL2(sub, centroids[j*dim:(j+1)*dim])
		if d < minDist {
			minDist = d
			best = j
		}
	}
	return best
}
