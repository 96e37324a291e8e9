package vector

import (
	"context"
	"fmt"

	"github.com/Strob0t/PRDForge/internal/port/llm"
)

// CharEmbedder maps the first Dim runes of a text to code/255, zero padded.
// It is deterministic and needs no model, so similar prefixes land close
// together. It stands in for a real embedding model in development.
type CharEmbedder struct {
	Dim int
}

// Embed implements llm.Embedder.
func (e CharEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	out := make([]float32, e.Dim)
	i := 0
	for _, r := range text {
		if i >= e.Dim {
			break
		}
		out[i] = float32(r) / 255
		i++
	}
	return out, nil
}

// Fitted adapts an embedder whose output length may differ from dim by
// truncating or zero padding its vectors.
type Fitted struct {
	Embedder llm.Embedder
	Dim      int
}

// Embed implements llm.Embedder.
func (f Fitted) Embed(ctx context.Context, text string) ([]float32, error) {
	v, err := f.Embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(v) == f.Dim {
		return v, nil
	}
	out := make([]float32, f.Dim)
	copy(out, v)
	return out, nil
}
