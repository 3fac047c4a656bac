package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/xhad/policyqa/internal/types"
)

var (
	ErrDimensionMismatch = types.ErrDimensionMismatch
	ErrIndexNotFound     = errors.New("index not found")
)

// Index is a named vector index of policy chunks.
type Index = types.VectorIndex

type StoreConfig struct {
	Backend    string // pgvector, chromem or memory
	URL        string
	IndexName  string
	ChromemDir string
	Dimension  int
	BatchSize  int
}

// Open connects to the configured backend. An existing index whose
// dimension differs from config.Dimension is rejected.
func Open(ctx context.Context, config StoreConfig) (Index, error) {
	log.Debug().
		Str("backend", config.Backend).
		Str("index", config.IndexName).
		Msg("opening vector index")

	switch config.Backend {
	case "", "pgvector":
		vs, err := NewWithConfig(ctx, config)
		if err != nil {
			return nil, err
		}
		if err := vs.CheckDimension(ctx); err != nil {
			vs.Close()
			return nil, err
		}
		return vs, nil
	case "chromem":
		return NewChromem(config)
	case "memory":
		config.ChromemDir = ""
		return NewChromem(config)
	default:
		return nil, fmt.Errorf("unknown store backend: %s", config.Backend)
	}
}

// TableName maps an index name onto a safe lower-case SQL identifier.
func TableName(indexName string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(indexName) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	name := b.String()
	if name == "" || (name[0] >= '0' && name[0] <= '9') {
		name = "idx_" + name
	}
	return name
}

func checkVectors(vectors [][]float32, dimension int) error {
	if dimension <= 0 {
		return nil
	}
	for i, v := range vectors {
		if len(v) != dimension {
			return fmt.Errorf("%w: vector %d has %d dimensions, index expects %d", ErrDimensionMismatch, i, len(v), dimension)
		}
	}
	return nil
}
