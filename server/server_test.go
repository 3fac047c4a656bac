package server_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/policyqa/internal/models"
	"github.com/xhad/policyqa/internal/testutil"
	"github.com/xhad/policyqa/pkg/llm"
	"github.com/xhad/policyqa/pkg/pipeline"
	"github.com/xhad/policyqa/pkg/retriever"
	"github.com/xhad/policyqa/pkg/store"
	"github.com/xhad/policyqa/server"
)

// recordingAnswerer captures what the handler passes to the pipeline.
type recordingAnswerer struct {
	mu            sync.Mutex
	queries       []string
	supplementary []string
	answer        string
	err           error
	panicWith     any
}

func (a *recordingAnswerer) AnswerWithProgress(ctx context.Context, query, supplementary string, progress func(string)) (pipeline.Result, error) {
	a.mu.Lock()
	a.queries = append(a.queries, query)
	a.supplementary = append(a.supplementary, supplementary)
	a.mu.Unlock()

	if a.panicWith != nil {
		panic(a.panicWith)
	}
	if progress != nil {
		progress(pipeline.StageExtracting)
		progress(pipeline.StageRetrieving)
		progress(pipeline.StageDeciding)
	}
	if a.err != nil {
		return pipeline.Result{}, a.err
	}
	age := 46
	return pipeline.Result{
		Answer:     a.answer,
		Extraction: pipeline.Extraction{Raw: "Age: 46", Fields: models.Fields{Age: &age}},
	}, nil
}

func (a *recordingAnswerer) lastSupplementary() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.supplementary[len(a.supplementary)-1]
}

type upload struct {
	name    string
	content []byte
}

func multipartBody(t *testing.T, query string, files ...upload) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	require.NoError(t, mw.WriteField("query", query))
	for _, f := range files {
		part, err := mw.CreateFormFile("files", f.name)
		require.NoError(t, err)
		_, err = part.Write(f.content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return body, mw.FormDataContentType()
}

func fixture(t *testing.T, name string) []byte {
	data, err := os.ReadFile(testutil.FixturePath(t, name))
	require.NoError(t, err)
	return data
}

func newTestServer(t *testing.T, a server.Answerer, cfg server.Config) (*httptest.Server, string) {
	t.Helper()
	if cfg.TempDir == "" {
		cfg.TempDir = t.TempDir()
	}
	s, err := server.New(cfg, a)
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts, cfg.TempDir
}

func postAsk(t *testing.T, ts *httptest.Server, query string, files ...upload) (int, string, http.Header) {
	t.Helper()
	body, contentType := multipartBody(t, query, files...)
	resp, err := http.Post(ts.URL+"/ask", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(data), resp.Header
}

func TestIndexPage(t *testing.T) {
	ts, _ := newTestServer(t, &recordingAnswerer{}, server.Config{MaxUploadMB: 8})

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "Policy Assistant", doc.Find("title").Text())
	assert.Equal(t, 1, doc.Find("#queryBox").Length())
	assert.Equal(t, 1, doc.Find("#conversation").Length())

	fileInput := doc.Find("#fileInput")
	assert.Equal(t, "files", fileInput.AttrOr("name", ""))
	assert.Equal(t, "8", fileInput.AttrOr("data-max-mb", ""))

	src, ok := doc.Find("script").Attr("src")
	require.True(t, ok)

	js, err := http.Get(ts.URL + src)
	require.NoError(t, err)
	defer js.Body.Close()
	assert.Equal(t, http.StatusOK, js.StatusCode)
	jsBody, _ := io.ReadAll(js.Body)
	assert.Contains(t, string(jsBody), `fetch("/ask"`)

	missing, err := http.Get(ts.URL + "/nope")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t, &recordingAnswerer{}, server.Config{})

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestAskPlainAnswer(t *testing.T) {
	a := &recordingAnswerer{answer: "Yes, knee surgery is covered."}
	ts, _ := newTestServer(t, a, server.Config{})

	status, body, header := postAsk(t, ts, "  46M, knee surgery, Pune  ")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Yes, knee surgery is covered.", body)
	assert.Contains(t, header.Get("Content-Type"), "text/plain")
	assert.Equal(t, []string{"46M, knee surgery, Pune"}, a.queries)
}

func TestAskURLEncoded(t *testing.T) {
	a := &recordingAnswerer{answer: "covered"}
	ts, _ := newTestServer(t, a, server.Config{})

	resp, err := http.PostForm(ts.URL+"/ask", url.Values{"query": {"knee surgery"}})
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "knee surgery", a.queries[0])
	assert.Equal(t, "", a.lastSupplementary())
}

func TestAskZeroFilesMatchesNonPDFFiles(t *testing.T) {
	a := &recordingAnswerer{answer: "covered"}
	ts, _ := newTestServer(t, a, server.Config{})

	status, noFiles, _ := postAsk(t, ts, "knee surgery")
	require.Equal(t, http.StatusOK, status)
	withoutFiles := a.lastSupplementary()

	status, otherFiles, _ := postAsk(t, ts, "knee surgery",
		upload{name: "notes.docx", content: []byte("word document")},
		upload{name: "scan.png", content: []byte{0x89, 'P', 'N', 'G'}},
	)
	require.Equal(t, http.StatusOK, status)

	assert.Equal(t, "", withoutFiles)
	assert.Equal(t, withoutFiles, a.lastSupplementary())
	assert.Equal(t, noFiles, otherFiles)
}

func TestAskPDFUploadReachesExtraction(t *testing.T) {
	a := &recordingAnswerer{answer: "covered"}
	ts, tmp := newTestServer(t, a, server.Config{})

	status, _, _ := postAsk(t, ts, "Am I covered?",
		upload{name: "Policy.PDF", content: fixture(t, "policy.pdf")},
		upload{name: "readme.txt", content: []byte("ignored text")},
		upload{name: "rider.pdf", content: fixture(t, "rider.pdf")},
	)
	require.Equal(t, http.StatusOK, status)

	supp := a.lastSupplementary()
	assert.Contains(t, supp, "Knee surgery is covered")
	assert.Contains(t, supp, "Cosmetic procedures")
	assert.Contains(t, supp, "Hospitalisation in Pune")
	assert.NotContains(t, supp, "ignored text")
	assert.Less(t, strings.Index(supp, "Knee surgery"), strings.Index(supp, "Hospitalisation"))

	entries, err := os.ReadDir(tmp)
	require.NoError(t, err)
	assert.Empty(t, entries, "upload temp files must be removed")
}

func TestAskCorruptPDF(t *testing.T) {
	a := &recordingAnswerer{answer: "covered"}
	ts, tmp := newTestServer(t, a, server.Config{})

	status, body, _ := postAsk(t, ts, "query", upload{name: "broken.pdf", content: []byte("%PDF-garbage")})
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, server.ErrorMessage, body)
	assert.Empty(t, a.queries, "pipeline must not run")

	entries, err := os.ReadDir(tmp)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAskPipelineError(t *testing.T) {
	a := &recordingAnswerer{err: errors.New("upstream 503: secret details")}
	ts, _ := newTestServer(t, a, server.Config{})

	status, body, _ := postAsk(t, ts, "knee surgery")
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "Error processing query or file.", body)
}

// lockedBuffer collects log output written from server goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func captureLogs(t *testing.T) *lockedBuffer {
	t.Helper()
	out := &lockedBuffer{}
	prev := log.Logger
	log.Logger = zerolog.New(out)
	t.Cleanup(func() { log.Logger = prev })
	return out
}

func TestAskFailureLogsStack(t *testing.T) {
	logs := captureLogs(t)
	a := &recordingAnswerer{err: errors.New("upstream 503: secret details")}
	ts, _ := newTestServer(t, a, server.Config{})

	status, body, _ := postAsk(t, ts, "knee surgery")
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.NotContains(t, body, "secret details")

	assert.Eventually(t, func() bool {
		return strings.Contains(logs.String(), `"message":"request failed"`)
	}, time.Second, 10*time.Millisecond)
	out := logs.String()
	assert.Contains(t, out, "upstream 503: secret details")
	assert.Contains(t, out, `"stack":"goroutine `)
	assert.Contains(t, out, "handleAsk")
}

func TestAskPanicIsRecovered(t *testing.T) {
	a := &recordingAnswerer{panicWith: "boom"}
	ts, _ := newTestServer(t, a, server.Config{})

	status, body, _ := postAsk(t, ts, "knee surgery")
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, server.ErrorMessage, body)

	// server keeps serving
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAskBodyTooLarge(t *testing.T) {
	a := &recordingAnswerer{answer: "covered"}
	ts, _ := newTestServer(t, a, server.Config{MaxUploadMB: 1})

	status, body, _ := postAsk(t, ts, "query", upload{name: "big.pdf", content: bytes.Repeat([]byte("x"), 1<<20+64<<10)})
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, server.ErrorMessage, body)
	assert.Empty(t, a.queries)
}

func TestAskMethodNotAllowed(t *testing.T) {
	ts, _ := newTestServer(t, &recordingAnswerer{}, server.Config{})

	resp, err := http.Get(ts.URL + "/ask")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

// End to end through the real pipeline with a scripted model.
func TestAskEndToEnd(t *testing.T) {
	ctx := context.Background()
	emb := &testutil.HashEmbedder{Dim: 384}
	idx, err := store.NewChromem(store.StoreConfig{IndexName: "policy-index", Dimension: 384})
	require.NoError(t, err)
	require.NoError(t, idx.Create(ctx, 384))
	text := "Knee surgery is covered after a waiting period of 24 months."
	vectors, err := emb.EmbedDocuments(ctx, []string{text})
	require.NoError(t, err)
	require.NoError(t, idx.Add(ctx, []models.Chunk{{ID: "a", Text: text, Source: "policy.pdf", Page: 1}}, vectors))

	model := &testutil.ScriptedLLM{Reply: func(prompt string) (string, error) {
		if strings.Contains(prompt, "Extract the following") {
			return "Age: 46\nProcedure: knee surgery", nil
		}
		return "The procedure is not yet covered because the waiting period has not passed.", nil
	}}
	engine, err := llm.NewWithModel(llm.ChatConfig{Timeout: time.Second, MaxAttempts: 1, RateLimit: 100}, model)
	require.NoError(t, err)

	ts, _ := newTestServer(t, pipeline.New(engine, retriever.New(idx, emb, 4)), server.Config{})

	status, body, _ := postAsk(t, ts, "46-year-old male, knee surgery in Pune, 3-month-old insurance policy")
	assert.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, body)
	assert.False(t, strings.HasPrefix(strings.TrimSpace(body), "{"))

	prompts := model.PromptLog()
	require.Len(t, prompts, 2)
	assert.Contains(t, prompts[1], text)

	failing := &testutil.ScriptedLLM{Reply: func(string) (string, error) {
		return "", errors.New("model unavailable")
	}}
	engine, err = llm.NewWithModel(llm.ChatConfig{Timeout: time.Second, MaxAttempts: 2, RateLimit: 100, Backoff: time.Millisecond}, failing)
	require.NoError(t, err)
	ts, _ = newTestServer(t, pipeline.New(engine, retriever.New(idx, emb, 4)), server.Config{})

	status, body, _ = postAsk(t, ts, "knee surgery")
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, server.ErrorMessage, body)
}

func TestStartAndShutdown(t *testing.T) {
	s, err := server.New(server.Config{Addr: "127.0.0.1:0", ShutdownTimeout: time.Second}, &recordingAnswerer{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestNewRequiresPipeline(t *testing.T) {
	_, err := server.New(server.Config{}, nil)
	assert.Error(t, err)
}
