package hnsw

import (
	"fmt"
	"math"
)

// Space selects the distance metric for a graph.
type Space string

const (
	// SpaceL2 uses squared Euclidean distance.
	SpaceL2 Space = "l2"
	// SpaceCosine stores normalized vectors and uses cosine distance.
	SpaceCosine Space = "cosine"
)

type distanceFunc func(a, b []float32) float32

func distanceFor(space Space) (distanceFunc, error) {
	switch space {
	case SpaceL2:
		return squaredL2, nil
	case SpaceCosine:
		return cosineDistance, nil
	default:
		return nil, fmt.Errorf("unknown space %q", space)
	}
}

func squaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// cosineDistance assumes both vectors were normalized on insert, so the dot
// product is the cosine similarity.
func cosineDistance(a, b []float32) float32 {
	var dot float32
	for i := range a {
		dot += a[i] * b[i]
	}
	return 1 - dot
}

// normalize scales v to unit length in place. Zero vectors are left as-is.
func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
}
