// Package ingest populates the vector index from a directory of policy PDFs.
package ingest

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xhad/policyqa/internal/models"
	"github.com/xhad/policyqa/internal/types"
	"github.com/xhad/policyqa/pkg/llm"
	"github.com/xhad/policyqa/pkg/pdftext"
)

// Progress stages reported through OnProgress.
const (
	StageExtract = "extract"
	StageEmbed   = "embed"
	StageStore   = "store"
)

type Config struct {
	DataDir        string
	EmbedBatchSize int
}

// Report summarises one EnsurePopulated run.
type Report struct {
	Skipped bool
	Files   int
	Pages   int
	Chunks  int
	Took    time.Duration
}

type Ingestor struct {
	config   Config
	index    types.VectorIndex
	embedder types.Embedder
	chunker  types.Chunker

	// OnProgress, when set, is called as work advances within a stage.
	OnProgress func(stage string, done, total int)
}

func New(config Config, index types.VectorIndex, embedder types.Embedder, chunker types.Chunker) *Ingestor {
	if config.DataDir == "" {
		config.DataDir = "data/"
	}
	if config.EmbedBatchSize <= 0 {
		config.EmbedBatchSize = 32
	}
	return &Ingestor{
		config:   config,
		index:    index,
		embedder: embedder,
		chunker:  chunker,
	}
}

// EnsurePopulated builds the index from the data directory unless a
// complete one already exists. Nothing is written until every chunk has a
// vector of the right dimension. The index only counts as existing after
// MarkComplete, so a half-built one is never served.
func (in *Ingestor) EnsurePopulated(ctx context.Context) (Report, error) {
	start := time.Now()
	var report Report

	exists, err := in.index.Exists(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to check index: %w", err)
	}
	if exists {
		report.Skipped = true
		log.Info().Msg("vector index already exists, skipping ingestion")
		return report, nil
	}

	files, err := listPDFs(in.config.DataDir)
	if err != nil {
		return report, err
	}
	report.Files = len(files)
	if len(files) == 0 {
		log.Warn().Str("dir", in.config.DataDir).Msg("no policy PDFs found, creating an empty index")
	}

	var pages []models.Page
	for i, file := range files {
		filePages, err := pdftext.ExtractFile(file)
		if err != nil {
			return report, fmt.Errorf("failed to load %s: %w", file, err)
		}
		pages = append(pages, filePages...)
		in.progress(StageExtract, i+1, len(files))
		log.Debug().Str("file", file).Int("pages", len(filePages)).Msg("extracted policy document")
	}
	report.Pages = len(pages)

	chunks, err := in.chunker.Split(pages)
	if err != nil {
		return report, fmt.Errorf("failed to chunk documents: %w", err)
	}
	report.Chunks = len(chunks)

	vectors, err := in.embed(ctx, chunks)
	if err != nil {
		return report, err
	}

	// an index that was never marked complete is left over from an
	// interrupted run and is rebuilt from scratch
	if err := in.index.Drop(ctx); err != nil {
		return report, fmt.Errorf("failed to clear incomplete index: %w", err)
	}
	if err := in.index.Create(ctx, in.embedder.Dimension()); err != nil {
		return report, fmt.Errorf("failed to create index: %w", err)
	}

	if err := in.index.Add(ctx, chunks, vectors); err != nil {
		if dropErr := in.index.Drop(ctx); dropErr != nil {
			log.Error().Err(dropErr).Msg("failed to drop partially written index")
		}
		return report, fmt.Errorf("failed to store chunks: %w", err)
	}
	if err := in.index.MarkComplete(ctx); err != nil {
		return report, fmt.Errorf("failed to mark index complete: %w", err)
	}
	in.progress(StageStore, len(chunks), len(chunks))

	report.Took = time.Since(start)
	log.Info().
		Int("files", report.Files).
		Int("pages", report.Pages).
		Int("chunks", report.Chunks).
		Dur("took", report.Took).
		Msg("ingestion complete")

	return report, nil
}

func (in *Ingestor) embed(ctx context.Context, chunks []models.Chunk) ([][]float32, error) {
	vectors := make([][]float32, 0, len(chunks))
	for start := 0; start < len(chunks); start += in.config.EmbedBatchSize {
		end := min(start+in.config.EmbedBatchSize, len(chunks))

		texts := make([]string, 0, end-start)
		for _, ch := range chunks[start:end] {
			texts = append(texts, ch.Text)
		}

		batch, err := in.embedder.EmbedDocuments(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("failed to embed chunks: %w", err)
		}
		if len(batch) != len(texts) {
			return nil, fmt.Errorf("embedder returned %d vectors for %d chunks", len(batch), len(texts))
		}
		if err := llm.CheckDimension(batch, in.embedder.Dimension()); err != nil {
			return nil, err
		}

		vectors = append(vectors, batch...)
		in.progress(StageEmbed, end, len(chunks))
	}
	return vectors, nil
}

func (in *Ingestor) progress(stage string, done, total int) {
	if in.OnProgress != nil {
		in.OnProgress(stage, done, total)
	}
}

// listPDFs returns the PDFs directly inside dir, sorted by name.
func listPDFs(dir string) ([]string, error) {
	entries, err := filepath.Glob(filepath.Join(dir, "*"))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	var files []string
	for _, path := range entries {
		if strings.EqualFold(filepath.Ext(path), ".pdf") {
			files = append(files, path)
		}
	}
	sort.Strings(files)
	return files, nil
}
