// Package search defines the web search collaborator port.
package search

import (
	"context"
	"fmt"

	"github.com/Strob0t/PRDForge/internal/domain"
)

// Result is one search hit. Score is the provider's relevance in [0,1].
type Result struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Snippet string  `json:"content"`
	Score   float64 `json:"score"`
}

// Searcher runs web searches.
type Searcher interface {
	Search(ctx context.Context, query string) ([]Result, error)
}

// ErrTimeout is returned when the search did not complete within the deadline.
var ErrTimeout = fmt.Errorf("search timeout: %w", domain.ErrCollaborator)
