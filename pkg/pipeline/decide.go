package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/xhad/policyqa/internal/models"
	"github.com/xhad/policyqa/internal/types"
)

// JoinChunks concatenates chunk texts into a single context block.
func JoinChunks(chunks []models.ScoredChunk) string {
	texts := make([]string, 0, len(chunks))
	for _, ch := range chunks {
		texts = append(texts, ch.Text)
	}
	return strings.Join(texts, "\n\n")
}

// Decide asks the model whether the extracted claim is covered by chunks.
func Decide(ctx context.Context, gen types.Generator, extraction Extraction, chunks []models.ScoredChunk) (string, error) {
	prompt, err := decisionPrompt.Format(map[string]any{
		"parsed":  extraction.Raw,
		"context": JoinChunks(chunks),
	})
	if err != nil {
		return "", fmt.Errorf("failed to format decision prompt: %w", err)
	}

	answer, err := gen.Generate(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("decision failed: %w", err)
	}
	return strings.TrimSpace(answer), nil
}
