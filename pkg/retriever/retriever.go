package retriever

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/schema"

	"github.com/xhad/policyqa/internal/models"
	"github.com/xhad/policyqa/internal/types"
	"github.com/xhad/policyqa/pkg/llm"
)

type Retriever struct {
	index    types.VectorIndex
	embedder types.Embedder
	topK     int
}

var _ schema.Retriever = (*Retriever)(nil)

func New(index types.VectorIndex, embedder types.Embedder, topK int) *Retriever {
	if topK <= 0 {
		topK = 4
	}
	return &Retriever{index: index, embedder: embedder, topK: topK}
}

// Retrieve returns up to topK chunks, most similar first.
func (r *Retriever) Retrieve(ctx context.Context, query string) ([]models.ScoredChunk, error) {
	vector, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if err := llm.CheckDimension([][]float32{vector}, r.embedder.Dimension()); err != nil {
		return nil, err
	}

	chunks, err := r.index.Search(ctx, vector, r.topK)
	if err != nil {
		return nil, fmt.Errorf("failed to search index: %w", err)
	}

	log.Debug().Int("results", len(chunks)).Int("top_k", r.topK).Msg("retrieved chunks")
	return chunks, nil
}

// GetRelevantDocuments adapts Retrieve to langchaingo's schema.Retriever.
func (r *Retriever) GetRelevantDocuments(ctx context.Context, query string) ([]schema.Document, error) {
	chunks, err := r.Retrieve(ctx, query)
	if err != nil {
		return nil, err
	}
	docs := make([]schema.Document, len(chunks))
	for i, ch := range chunks {
		docs[i] = schema.Document{
			PageContent: ch.Text,
			Score:       ch.Score,
			Metadata: map[string]any{
				"id":     ch.ID,
				"source": ch.Source,
				"page":   ch.Page,
			},
		}
	}
	return docs, nil
}
