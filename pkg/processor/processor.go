package processor

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tmc/langchaingo/schema"
	"github.com/tmc/langchaingo/textsplitter"

	"github.com/xhad/policyqa/internal/models"
)

type ProcessorConfig struct {
	ChunkSize    int
	ChunkOverlap int
	Separators   []string
}

// Processor turns extracted pages into overlapping chunks.
type Processor struct {
	config   ProcessorConfig
	splitter textsplitter.RecursiveCharacter
}

// NewWithConfig fills in 512/64 for a zero config. A set ChunkSize with a
// zero ChunkOverlap means no overlap.
func NewWithConfig(config ProcessorConfig) Processor {
	if config.ChunkSize <= 0 {
		config.ChunkSize = 512
		if config.ChunkOverlap == 0 {
			config.ChunkOverlap = 64
		}
	}
	if config.ChunkOverlap < 0 {
		config.ChunkOverlap = 0
	}
	if config.ChunkOverlap >= config.ChunkSize {
		config.ChunkOverlap = config.ChunkSize / 2
	}
	if len(config.Separators) == 0 {
		config.Separators = []string{"\n\n", "\n", " ", ""}
	}

	return Processor{
		config: config,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(config.ChunkSize),
			textsplitter.WithChunkOverlap(config.ChunkOverlap),
			textsplitter.WithSeparators(config.Separators),
		),
	}
}

// Split chunks every page. Chunk indexes restart at zero on each page, and
// only the last chunk of a page may be shorter than the overlap.
func (p Processor) Split(pages []models.Page) ([]models.Chunk, error) {
	var chunks []models.Chunk
	for _, page := range pages {
		split, err := textsplitter.SplitDocuments(p.splitter, []schema.Document{{
			PageContent: sanitizeUTF8(page.Text),
			Metadata: map[string]any{
				"source": page.Source,
				"page":   page.Number,
			},
		}})
		if err != nil {
			return nil, fmt.Errorf("failed to split %s page %d: %w", page.Source, page.Number, err)
		}

		texts := make([]string, 0, len(split))
		for _, doc := range split {
			if text := strings.TrimSpace(doc.PageContent); text != "" {
				texts = append(texts, text)
			}
		}

		for index, text := range mergeShort(texts, p.config.ChunkOverlap, p.config.ChunkSize) {
			chunks = append(chunks, models.Chunk{
				ID:     models.ChunkID(page.Source, page.Number, index),
				Text:   text,
				Source: page.Source,
				Page:   page.Number,
				Index:  index,
			})
		}
	}

	return chunks, nil
}

// mergeShort folds every chunk shorter than minLen runes into its successor.
// When the joined text would exceed maxLen, it is cut at maxLen and the rest
// carries over to the next chunk.
func mergeShort(texts []string, minLen, maxLen int) []string {
	pending := append([]string(nil), texts...)
	out := make([]string, 0, len(pending))
	for i := 0; i < len(pending); i++ {
		text := pending[i]
		if text == "" {
			continue
		}
		if i == len(pending)-1 || utf8.RuneCountInString(text) >= minLen {
			out = append(out, text)
			continue
		}

		joined := []rune(text + "\n" + pending[i+1])
		if len(joined) <= maxLen {
			pending[i+1] = string(joined)
			continue
		}
		out = append(out, strings.TrimSpace(string(joined[:maxLen])))
		pending[i+1] = strings.TrimSpace(string(joined[maxLen:]))
	}
	return out
}

func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, "")
}
