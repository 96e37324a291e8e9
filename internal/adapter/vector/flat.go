// Package vector provides an exact in-memory nearest-neighbour index and a
// deterministic fallback embedder used when no embedding model is configured.
package vector

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Strob0t/PRDForge/internal/domain"
)

// Flat is an exhaustive squared-L2 index. Search cost is linear in the
// number of vectors, which is fine for per-project memory.
type Flat struct {
	dim int

	mu   sync.RWMutex
	ids  []int64
	vecs [][]float32
	pos  map[int64]int
}

// NewFlat creates an index for vectors of length dim.
func NewFlat(dim int) *Flat {
	return &Flat{dim: dim, pos: make(map[int64]int)}
}

// Dim returns the vector length the index accepts.
func (f *Flat) Dim() int { return f.dim }

// Add inserts vec under id, replacing any previous vector for id.
func (f *Flat) Add(_ context.Context, id int64, vec []float32) error {
	if len(vec) != f.dim {
		return fmt.Errorf("vector has dimension %d, index expects %d: %w", len(vec), f.dim, domain.ErrValidation)
	}
	v := append([]float32(nil), vec...)

	f.mu.Lock()
	defer f.mu.Unlock()
	if i, ok := f.pos[id]; ok {
		f.vecs[i] = v
		return nil
	}
	f.pos[id] = len(f.ids)
	f.ids = append(f.ids, id)
	f.vecs = append(f.vecs, v)
	return nil
}

// Search returns up to k ids ordered by ascending squared L2 distance. Ties
// keep insertion order.
func (f *Flat) Search(_ context.Context, vec []float32, k int) ([]float32, []int64, error) {
	if len(vec) != f.dim {
		return nil, nil, fmt.Errorf("query has dimension %d, index expects %d: %w", len(vec), f.dim, domain.ErrValidation)
	}
	if k <= 0 {
		return nil, nil, nil
	}

	f.mu.RLock()
	type hit struct {
		id   int64
		dist float32
	}
	hits := make([]hit, len(f.ids))
	for i, v := range f.vecs {
		hits[i] = hit{id: f.ids[i], dist: l2(vec, v)}
	}
	f.mu.RUnlock()

	sort.SliceStable(hits, func(a, b int) bool { return hits[a].dist < hits[b].dist })
	if len(hits) > k {
		hits = hits[:k]
	}
	dists := make([]float32, len(hits))
	ids := make([]int64, len(hits))
	for i, h := range hits {
		dists[i] = h.dist
		ids[i] = h.id
	}
	return dists, ids, nil
}

// Len returns the number of stored vectors.
func (f *Flat) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.ids)
}

func l2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}
