package embedding

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidVector marks a provider response that cannot be stored.
var ErrInvalidVector = errors.New("invalid embedding vector")

// Normalize checks that every vector is non-empty, finite and of one shared
// dimension, and returns unit-length copies. Any bad vector rejects the batch.
func Normalize(vectors [][]float64) ([][]float64, error) {
	if len(vectors) == 0 {
		return nil, nil
	}
	dim := len(vectors[0])
	out := make([][]float64, len(vectors))
	for i, v := range vectors {
		if len(v) == 0 {
			return nil, fmt.Errorf("%w: vector %d is empty", ErrInvalidVector, i)
		}
		if len(v) != dim {
			return nil, fmt.Errorf("%w: vector %d has dimension %d, want %d", ErrInvalidVector, i, len(v), dim)
		}

		var sum float64
		for j, x := range v {
			if math.IsNaN(x) || math.IsInf(x, 0) {
				return nil, fmt.Errorf("%w: vector %d has non-finite value at index %d", ErrInvalidVector, i, j)
			}
			sum += x * x
		}
		norm := math.Sqrt(sum)
		if norm == 0 || math.IsInf(norm, 0) {
			return nil, fmt.Errorf("%w: vector %d has norm %v", ErrInvalidVector, i, norm)
		}

		unit := make([]float64, dim)
		for j, x := range v {
			unit[j] = x / norm
		}
		out[i] = unit
	}
	return out, nil
}
