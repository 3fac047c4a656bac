package llm

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/xhad/policyqa/internal/types"
)

var ErrDimensionMismatch = types.ErrDimensionMismatch

type EmbedderConfig struct {
	Provider  string // "ollama" or "openai"
	BaseURL   string
	APIKey    string
	Model     string
	Dimension int
	BatchSize int
}

// Embedder wraps a langchaingo embedder and enforces a fixed vector size.
type Embedder struct {
	config   EmbedderConfig
	embedder embeddings.Embedder
}

func NewEmbedderWithConfig(config EmbedderConfig) (*Embedder, error) {
	if config.Provider == "" {
		config.Provider = "ollama"
	}
	if config.Model == "" {
		config.Model = "all-minilm"
	}

	var (
		client embeddings.EmbedderClient
		err    error
	)
	switch config.Provider {
	case "ollama":
		if config.BaseURL == "" {
			config.BaseURL = "http://localhost:11434"
		}
		client, err = ollama.New(ollama.WithModel(config.Model),
			ollama.WithServerURL(config.BaseURL))
	case "openai":
		opts := []openai.Option{
			openai.WithToken(config.APIKey),
			openai.WithEmbeddingModel(config.Model),
		}
		if config.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(config.BaseURL))
		}
		client, err = openai.New(opts...)
	default:
		return nil, fmt.Errorf("unknown embedder provider: %s", config.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}

	return NewEmbedderWithClient(config, client)
}

// NewEmbedderWithClient builds an Embedder on top of an existing client.
func NewEmbedderWithClient(config EmbedderConfig, client embeddings.EmbedderClient) (*Embedder, error) {
	if config.Dimension == 0 {
		config.Dimension = 384
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 32
	}

	emb, err := embeddings.NewEmbedder(client, embeddings.WithBatchSize(config.BatchSize))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}

	return &Embedder{config: config, embedder: emb}, nil
}

func (e *Embedder) Dimension() int {
	return e.config.Dimension
}

func (e *Embedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors, err := e.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("error embedding documents: %w", err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(texts))
	}
	if err := CheckDimension(vectors, e.config.Dimension); err != nil {
		return nil, err
	}

	return vectors, nil
}

func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vector, err := e.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("error embedding query: %w", err)
	}
	if err := CheckDimension([][]float32{vector}, e.config.Dimension); err != nil {
		return nil, err
	}
	return vector, nil
}

// CheckDimension returns ErrDimensionMismatch if any vector is not exactly want long.
func CheckDimension(vectors [][]float32, want int) error {
	for i, v := range vectors {
		if len(v) != want {
			return fmt.Errorf("%w: vector %d has %d dimensions, expected %d", ErrDimensionMismatch, i, len(v), want)
		}
	}
	return nil
}
