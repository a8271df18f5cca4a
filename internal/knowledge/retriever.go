package knowledge

import (
	"context"
	"fmt"

	"github.com/mikey/llm-mail-responder/internal/core"
)

// Retriever answers queries from the index
type Retriever struct {
	index    *Index
	embedder core.Embedder
	minScore float64
}

// NewRetriever creates a retriever. Passages scoring below minScore are dropped.
func NewRetriever(index *Index, embedder core.Embedder, minScore float64) *Retriever {
	return &Retriever{index: index, embedder: embedder, minScore: minScore}
}

// Retrieve embeds the query and returns up to k passages, best first
func (r *Retriever) Retrieve(ctx context.Context, query string, k int) ([]core.Passage, error) {
	vectors, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for one query", len(vectors))
	}
	return r.index.Search(vectors[0], k, r.minScore)
}

var _ core.Retriever = (*Retriever)(nil)
