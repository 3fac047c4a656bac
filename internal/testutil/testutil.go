// Package testutil holds deterministic fakes shared by package tests.
package testutil

import (
	"context"
	"errors"
	"hash/fnv"
	"io"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/tmc/langchaingo/llms"
)

// HashEmbedder embeds text as a normalised bag of hashed words, so texts
// sharing words land close together.
type HashEmbedder struct {
	Dim int
	Err error

	mu    sync.Mutex
	calls int
}

func (h *HashEmbedder) Dimension() int { return h.Dim }

func (h *HashEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()
	if h.Err != nil {
		return nil, h.Err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = h.vector(t)
	}
	return out, nil
}

func (h *HashEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if h.Err != nil {
		return nil, h.Err
	}
	return h.vector(text), nil
}

// Calls reports how many EmbedDocuments calls were made.
func (h *HashEmbedder) Calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func (h *HashEmbedder) vector(text string) []float32 {
	v := make([]float32, h.Dim)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,;:!?\"'()")
		if w == "" {
			continue
		}
		f := fnv.New32a()
		_, _ = f.Write([]byte(w))
		v[int(f.Sum32())%h.Dim]++
	}
	var norm float64
	for _, x := range v {
		norm += float64(x * x)
	}
	if norm == 0 {
		v[0] = 1
		return v
	}
	n := float32(math.Sqrt(norm))
	for i := range v {
		v[i] /= n
	}
	return v
}

// ScriptedLLM is an llms.Model whose reply is chosen by a callback.
type ScriptedLLM struct {
	Reply func(prompt string) (string, error)

	mu      sync.Mutex
	Prompts []string
}

func (s *ScriptedLLM) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	var prompt string
	for _, m := range messages {
		for _, p := range m.Parts {
			if tc, ok := p.(llms.TextContent); ok {
				prompt += tc.Text
			}
		}
	}
	s.mu.Lock()
	s.Prompts = append(s.Prompts, prompt)
	s.mu.Unlock()

	if s.Reply == nil {
		return nil, errors.New("no reply configured")
	}
	text, err := s.Reply(prompt)
	if err != nil {
		return nil, err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: text}}}, nil
}

func (s *ScriptedLLM) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, s, prompt, options...)
}

// PromptLog returns a copy of the prompts seen so far.
func (s *ScriptedLLM) PromptLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Prompts...)
}

// FixturePath returns the absolute path of a PDF under pkg/pdftext/testdata.
func FixturePath(t testing.TB, name string) string {
	t.Helper()
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "pkg", "pdftext", "testdata", name)
}

// CopyFixtures copies the named fixtures into a fresh temp dir and returns it.
func CopyFixtures(t testing.TB, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range names {
		src, err := os.Open(FixturePath(t, name))
		if err != nil {
			t.Fatalf("open fixture %s: %v", name, err)
		}
		dst, err := os.Create(filepath.Join(dir, name))
		if err != nil {
			src.Close()
			t.Fatalf("create %s: %v", name, err)
		}
		_, err = io.Copy(dst, src)
		src.Close()
		dst.Close()
		if err != nil {
			t.Fatalf("copy %s: %v", name, err)
		}
	}
	return dir
}
