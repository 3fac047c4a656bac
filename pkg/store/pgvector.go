package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"

	"github.com/xhad/policyqa/internal/models"
)

// DBPool is the subset of *pgxpool.Pool the vector store needs.
type DBPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

type VectorStore struct {
	config VectorStoreConfig
	pool   DBPool
	table  string
}

type VectorStoreConfig struct {
	TableName string
	VectorDim int
	BatchSize int
}

func NewWithConfig(ctx context.Context, config StoreConfig) (*VectorStore, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("database URL is required for the pgvector backend")
	}

	pool, err := pgxpool.New(ctx, config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return NewWithPool(pool, VectorStoreConfig{
		TableName: TableName(config.IndexName),
		VectorDim: config.Dimension,
		BatchSize: config.BatchSize,
	}), nil
}

// NewWithPool builds a store over an existing pool. Used with pgxmock in tests.
func NewWithPool(pool DBPool, config VectorStoreConfig) *VectorStore {
	if config.TableName == "" {
		config.TableName = "policy_index"
	}
	if config.VectorDim == 0 {
		config.VectorDim = 384
	}
	if config.BatchSize == 0 {
		config.BatchSize = 100
	}

	return &VectorStore{
		config: config,
		pool:   pool,
		table:  pgx.Identifier{config.TableName}.Sanitize(),
	}
}

// completeMarker is stored as the table comment once every chunk is written.
const completeMarker = "policyqa:complete"

// Exists reports whether the table is present and was marked complete. A
// table left behind by an interrupted ingestion does not count.
func (vs *VectorStore) Exists(ctx context.Context) (bool, error) {
	var exists bool
	err := vs.pool.QueryRow(ctx,
		"SELECT COALESCE(obj_description(to_regclass($1), 'pg_class') = $2, false)",
		vs.config.TableName, completeMarker).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check index: %w", err)
	}
	return exists, nil
}

func (vs *VectorStore) MarkComplete(ctx context.Context) error {
	stmt := fmt.Sprintf("COMMENT ON TABLE %s IS '%s'", vs.table, completeMarker)
	if _, err := vs.pool.Exec(ctx, stmt); err != nil {
		if isUndefinedTable(err) {
			return fmt.Errorf("%w: %s", ErrIndexNotFound, vs.config.TableName)
		}
		return fmt.Errorf("failed to mark index complete: %w", err)
	}
	return nil
}

// CheckDimension compares the embedding column of an existing table with the
// configured dimension. A missing table passes.
func (vs *VectorStore) CheckDimension(ctx context.Context) error {
	var dim int32
	err := vs.pool.QueryRow(ctx, `
		SELECT atttypmod FROM pg_attribute
		WHERE attrelid = to_regclass($1) AND attname = 'embedding'`,
		vs.config.TableName).Scan(&dim)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read index dimension: %w", err)
	}
	if int(dim) != vs.config.VectorDim {
		return fmt.Errorf("%w: index %s has %d dimensions, expected %d",
			ErrDimensionMismatch, vs.config.TableName, dim, vs.config.VectorDim)
	}
	return nil
}

func (vs *VectorStore) Create(ctx context.Context, dimension int) error {
	if dimension > 0 {
		vs.config.VectorDim = dimension
	}

	if _, err := vs.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			page INTEGER NOT NULL,
			chunk_index INTEGER NOT NULL,
			content TEXT NOT NULL,
			embedding vector(%d) NOT NULL
		)`, vs.table, vs.config.VectorDim)
	if _, err := vs.pool.Exec(ctx, createTable); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	// hnsw needs no training rows, so it can be built on the empty table
	createIndex := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS %s
		ON %s
		USING hnsw (embedding vector_cosine_ops)`,
		pgx.Identifier{vs.config.TableName + "_embedding_idx"}.Sanitize(), vs.table)
	if _, err := vs.pool.Exec(ctx, createIndex); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	log.Info().
		Str("table", vs.config.TableName).
		Int("dimension", vs.config.VectorDim).
		Msg("created vector index")

	return nil
}

// Add upserts chunks in batches, one transaction per batch.
func (vs *VectorStore) Add(ctx context.Context, chunks []models.Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("got %d chunks but %d vectors", len(chunks), len(vectors))
	}
	if err := checkVectors(vectors, vs.config.VectorDim); err != nil {
		return err
	}

	for start := 0; start < len(chunks); start += vs.config.BatchSize {
		end := min(start+vs.config.BatchSize, len(chunks))
		if err := vs.addBatch(ctx, chunks[start:end], vectors[start:end]); err != nil {
			return err
		}
	}

	return nil
}

func (vs *VectorStore) addBatch(ctx context.Context, chunks []models.Chunk, vectors [][]float32) (err error) {
	tx, err := vs.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	stmt := fmt.Sprintf(`
		INSERT INTO %s (id, source, page, chunk_index, content, embedding)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			embedding = EXCLUDED.embedding`,
		vs.table)

	for i, chunk := range chunks {
		_, err = tx.Exec(ctx, stmt,
			chunk.ID,
			chunk.Source,
			chunk.Page,
			chunk.Index,
			chunk.Text,
			pgvector.NewVector(vectors[i]),
		)
		if err != nil {
			return fmt.Errorf("failed to insert chunk %s: %w", chunk.ID, err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Search returns up to limit chunks ordered by cosine similarity.
func (vs *VectorStore) Search(ctx context.Context, vector []float32, limit int) ([]models.ScoredChunk, error) {
	if limit <= 0 {
		return nil, nil
	}
	if err := checkVectors([][]float32{vector}, vs.config.VectorDim); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT id, source, page, chunk_index, content, 1 - (embedding <=> $1) AS score
		FROM %s
		ORDER BY embedding <=> $1
		LIMIT $2`,
		vs.table)

	rows, err := vs.pool.Query(ctx, query, pgvector.NewVector(vector), limit)
	if err != nil {
		if isUndefinedTable(err) {
			return nil, fmt.Errorf("%w: %s", ErrIndexNotFound, vs.config.TableName)
		}
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var results []models.ScoredChunk
	for rows.Next() {
		var (
			sc    models.ScoredChunk
			score float64
		)
		if err := rows.Scan(&sc.ID, &sc.Source, &sc.Page, &sc.Index, &sc.Text, &score); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		sc.Score = float32(score)
		results = append(results, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}

	return results, nil
}

func (vs *VectorStore) Count(ctx context.Context) (int, error) {
	var n int64
	err := vs.pool.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", vs.table)).Scan(&n)
	if err != nil {
		if isUndefinedTable(err) {
			return 0, fmt.Errorf("%w: %s", ErrIndexNotFound, vs.config.TableName)
		}
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return int(n), nil
}

func (vs *VectorStore) Drop(ctx context.Context) error {
	if _, err := vs.pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", vs.table)); err != nil {
		return fmt.Errorf("failed to drop index: %w", err)
	}
	log.Info().Str("table", vs.config.TableName).Msg("dropped vector index")
	return nil
}

func (vs *VectorStore) Close() {
	if vs.pool != nil {
		vs.pool.Close()
	}
}

func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42P01"
}
