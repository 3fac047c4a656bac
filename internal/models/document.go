package models

import (
	"fmt"

	"github.com/google/uuid"
)

// Page is the plain text of a single PDF page.
type Page struct {
	Source string
	Number int
	Text   string
}

// Chunk is a bounded span of policy text, the unit of retrieval.
type Chunk struct {
	ID     string
	Text   string
	Source string
	Page   int
	Index  int
}

// ScoredChunk is a chunk returned by a similarity search. Higher scores are closer.
type ScoredChunk struct {
	Chunk
	Score float32
}

var chunkNamespace = uuid.MustParse("8c0d3f5e-59f4-4a43-9d0e-5f1b7f0a2c11")

// ChunkID derives a stable identifier for the index-th chunk of a page.
func ChunkID(source string, page, index int) string {
	return uuid.NewSHA1(chunkNamespace, []byte(fmt.Sprintf("%s#%d#%d", source, page, index))).String()
}
