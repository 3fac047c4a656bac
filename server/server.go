package server

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xhad/policyqa/pkg/pipeline"
)

//go:embed templates/*.html static/*
var assets embed.FS

// Answerer is the query pipeline as seen by the HTTP layer.
type Answerer interface {
	AnswerWithProgress(ctx context.Context, query, supplementary string, progress func(stage string)) (pipeline.Result, error)
}

type Config struct {
	Addr            string
	MaxUploadMB     int64
	ShutdownTimeout time.Duration
	TempDir         string // uploads are staged here; os.TempDir() when empty
}

type Server struct {
	config   Config
	pipeline Answerer
	page     *template.Template
	static   fs.FS
}

func New(config Config, p Answerer) (*Server, error) {
	if p == nil {
		return nil, errors.New("pipeline is required")
	}
	if config.Addr == "" {
		config.Addr = ":5000"
	}
	if config.MaxUploadMB <= 0 {
		config.MaxUploadMB = 32
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 10 * time.Second
	}

	page, err := template.ParseFS(assets, "templates/index.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}
	static, err := fs.Sub(assets, "static")
	if err != nil {
		return nil, fmt.Errorf("failed to load static assets: %w", err)
	}

	return &Server{
		config:   config,
		pipeline: p,
		page:     page,
		static:   static,
	}, nil
}

// Handler returns the routed handler wrapped in logging and panic recovery.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServerFS(s.static)))
	mux.HandleFunc("POST /ask", s.handleAsk)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	return requestLogger(recoverer(mux))
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.config.Addr).Msg("starting http server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info().Dur("timeout", s.config.ShutdownTimeout).Msg("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
