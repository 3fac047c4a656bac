package types

import (
	"context"
	"errors"

	"github.com/xhad/policyqa/internal/models"
)

// ErrDimensionMismatch is returned wherever a vector does not have the
// index dimension.
var ErrDimensionMismatch = errors.New("dimension mismatch")

// VectorIndex stores chunk embeddings and serves nearest-neighbour queries.
// Exists reports true only once MarkComplete has succeeded.
type VectorIndex interface {
	Exists(ctx context.Context) (bool, error)
	Create(ctx context.Context, dimension int) error
	Add(ctx context.Context, chunks []models.Chunk, vectors [][]float32) error
	MarkComplete(ctx context.Context) error
	Search(ctx context.Context, vector []float32, limit int) ([]models.ScoredChunk, error)
	Count(ctx context.Context) (int, error)
	Drop(ctx context.Context) error
	Close()
}

// Generator produces a completion for a single prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Retriever returns the chunks most similar to a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string) ([]models.ScoredChunk, error)
}

// Chunker splits extracted pages into chunks.
type Chunker interface {
	Split(pages []models.Page) ([]models.Chunk, error)
}

// Embedder maps text to fixed-size vectors.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}
