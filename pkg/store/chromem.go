package store

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"

	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"

	"github.com/xhad/policyqa/internal/models"
)

// ChromemIndex keeps the index in a chromem-go collection, optionally
// persisted to a directory.
type ChromemIndex struct {
	db        *chromem.DB
	name      string
	dimension int
}

func NewChromem(config StoreConfig) (*ChromemIndex, error) {
	var (
		db  *chromem.DB
		err error
	)
	if config.ChromemDir == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(config.ChromemDir, false)
		if err != nil {
			return nil, fmt.Errorf("failed to open chromem db: %w", err)
		}
	}

	name := config.IndexName
	if name == "" {
		name = "policy-index"
	}

	return &ChromemIndex{db: db, name: name, dimension: config.Dimension}, nil
}

// vectors are always computed by the caller
func precomputedOnly(ctx context.Context, text string) ([]float32, error) {
	return nil, errors.New("chromem index expects precomputed embeddings")
}

func (c *ChromemIndex) collection() *chromem.Collection {
	return c.db.GetCollection(c.name, precomputedOnly)
}

// markerName names the empty collection that records a finished ingestion.
func (c *ChromemIndex) markerName() string {
	return c.name + ".complete"
}

func (c *ChromemIndex) Exists(ctx context.Context) (bool, error) {
	if c.collection() == nil {
		return false, nil
	}
	return c.db.GetCollection(c.markerName(), precomputedOnly) != nil, nil
}

func (c *ChromemIndex) MarkComplete(ctx context.Context) error {
	coll := c.collection()
	if coll == nil {
		return fmt.Errorf("%w: %s", ErrIndexNotFound, c.name)
	}
	_, err := c.db.GetOrCreateCollection(c.markerName(),
		map[string]string{"documents": strconv.Itoa(coll.Count())}, precomputedOnly)
	if err != nil {
		return fmt.Errorf("failed to mark collection complete: %w", err)
	}
	return nil
}

func (c *ChromemIndex) Create(ctx context.Context, dimension int) error {
	if dimension > 0 {
		c.dimension = dimension
	}
	_, err := c.db.GetOrCreateCollection(c.name,
		map[string]string{"dimension": strconv.Itoa(c.dimension)}, precomputedOnly)
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	log.Info().Str("collection", c.name).Int("dimension", c.dimension).Msg("created vector index")
	return nil
}

func (c *ChromemIndex) Add(ctx context.Context, chunks []models.Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("got %d chunks but %d vectors", len(chunks), len(vectors))
	}
	if err := checkVectors(vectors, c.dimension); err != nil {
		return err
	}
	coll := c.collection()
	if coll == nil {
		return fmt.Errorf("%w: %s", ErrIndexNotFound, c.name)
	}
	if len(chunks) == 0 {
		return nil
	}

	docs := make([]chromem.Document, len(chunks))
	for i, chunk := range chunks {
		docs[i] = chromem.Document{
			ID:      chunk.ID,
			Content: chunk.Text,
			Metadata: map[string]string{
				"source":      chunk.Source,
				"page":        strconv.Itoa(chunk.Page),
				"chunk_index": strconv.Itoa(chunk.Index),
			},
			Embedding: vectors[i],
		}
	}

	if err := coll.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to add documents: %w", err)
	}
	return nil
}

func (c *ChromemIndex) Search(ctx context.Context, vector []float32, limit int) ([]models.ScoredChunk, error) {
	if err := checkVectors([][]float32{vector}, c.dimension); err != nil {
		return nil, err
	}
	coll := c.collection()
	if coll == nil {
		return nil, fmt.Errorf("%w: %s", ErrIndexNotFound, c.name)
	}

	// chromem rejects n greater than the collection size
	n := min(limit, coll.Count())
	if n <= 0 {
		return nil, nil
	}

	res, err := coll.QueryEmbedding(ctx, vector, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query collection: %w", err)
	}

	results := make([]models.ScoredChunk, 0, len(res))
	for _, r := range res {
		page, _ := strconv.Atoi(r.Metadata["page"])
		index, _ := strconv.Atoi(r.Metadata["chunk_index"])
		results = append(results, models.ScoredChunk{
			Chunk: models.Chunk{
				ID:     r.ID,
				Text:   r.Content,
				Source: r.Metadata["source"],
				Page:   page,
				Index:  index,
			},
			Score: r.Similarity,
		})
	}
	return results, nil
}

func (c *ChromemIndex) Count(ctx context.Context) (int, error) {
	coll := c.collection()
	if coll == nil {
		return 0, fmt.Errorf("%w: %s", ErrIndexNotFound, c.name)
	}
	return coll.Count(), nil
}

func (c *ChromemIndex) Drop(ctx context.Context) error {
	// marker first, so a failure part way never leaves a complete-looking index
	if err := c.db.DeleteCollection(c.markerName()); err != nil {
		return fmt.Errorf("failed to drop collection marker: %w", err)
	}
	if err := c.db.DeleteCollection(c.name); err != nil {
		return fmt.Errorf("failed to drop collection: %w", err)
	}
	log.Info().Str("collection", c.name).Msg("dropped vector index")
	return nil
}

func (c *ChromemIndex) Close() {}
