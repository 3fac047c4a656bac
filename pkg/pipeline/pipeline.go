// Package pipeline chains extraction, retrieval and decision into one answer.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xhad/policyqa/internal/models"
	"github.com/xhad/policyqa/internal/types"
)

// Stages reported by AnswerWithProgress.
const (
	StageExtracting = "extracting"
	StageRetrieving = "retrieving"
	StageDeciding   = "deciding"
)

type Result struct {
	Answer     string               `json:"answer"`
	Extraction Extraction           `json:"extraction"`
	Chunks     []models.ScoredChunk `json:"-"`
}

// Pipeline holds the long-lived clients used to answer a query. It is built
// once at startup and shared by all requests.
type Pipeline struct {
	generator types.Generator
	retriever types.Retriever
}

func New(generator types.Generator, retriever types.Retriever) *Pipeline {
	return &Pipeline{generator: generator, retriever: retriever}
}

func (p *Pipeline) Answer(ctx context.Context, query, supplementary string) (Result, error) {
	return p.AnswerWithProgress(ctx, query, supplementary, nil)
}

// AnswerWithProgress is Answer with a callback invoked before each stage.
// Retrieved clauses go to the decision stage only.
func (p *Pipeline) AnswerWithProgress(ctx context.Context, query, supplementary string, progress func(stage string)) (Result, error) {
	var result Result
	start := time.Now()
	report := func(stage string) {
		if progress != nil {
			progress(stage)
		}
	}

	report(StageExtracting)
	extraction, err := Extract(ctx, p.generator, query, supplementary)
	if err != nil {
		return result, err
	}
	result.Extraction = extraction
	log.Debug().
		Str("fields", extraction.Fields.String()).
		Msg("extracted claim details")

	report(StageRetrieving)
	chunks, err := p.retriever.Retrieve(ctx, query)
	if err != nil {
		return result, fmt.Errorf("retrieval failed: %w", err)
	}
	result.Chunks = chunks

	report(StageDeciding)
	answer, err := Decide(ctx, p.generator, extraction, chunks)
	if err != nil {
		return result, err
	}
	result.Answer = answer

	log.Info().
		Int("query_chars", len(query)).
		Int("supplementary_chars", len(supplementary)).
		Int("chunks", len(chunks)).
		Dur("took", time.Since(start)).
		Msg("answered query")

	return result, nil
}
