// Package vectorindex defines the nearest-neighbour index port used for
// semantic memory search.
package vectorindex

import "context"

// Index stores vectors under integer ids.
type Index interface {
	// Add inserts or replaces the vector for id.
	Add(ctx context.Context, id int64, vec []float32) error
	// Search returns up to k ids ordered by ascending distance.
	Search(ctx context.Context, vec []float32, k int) (distances []float32, ids []int64, err error)
	// Len returns the number of stored vectors.
	Len() int
}
