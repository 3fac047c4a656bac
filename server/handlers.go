package server

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/rs/zerolog/log"
)

// ErrorMessage is the only failure body /ask ever returns.
const ErrorMessage = "Error processing query or file."

type pageData struct {
	Title       string
	MaxUploadMB int64
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	err := s.page.ExecuteTemplate(&buf, "index.html", pageData{
		Title:       "Policy Assistant",
		MaxUploadMB: s.config.MaxUploadMB,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to render index page")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = buf.WriteTo(w)
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadMB<<20)

	if err := r.ParseMultipartForm(s.config.MaxUploadMB << 20); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		s.fail(w, r, err)
		return
	}
	if r.MultipartForm != nil {
		defer func() {
			if err := r.MultipartForm.RemoveAll(); err != nil {
				log.Warn().Err(err).Msg("failed to remove multipart temp files")
			}
		}()
	}

	query := strings.TrimSpace(r.FormValue("query"))

	supplementary, err := s.readUploads(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	result, err := s.pipeline.AnswerWithProgress(r.Context(), query, supplementary, nil)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeText(w, http.StatusOK, result.Answer)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeText(w, http.StatusOK, "OK")
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	log.Error().
		Err(err).
		Str("request_id", requestID(r)).
		Str("path", r.URL.Path).
		Str("stack", string(debug.Stack())).
		Msg("request failed")
	writeText(w, http.StatusInternalServerError, ErrorMessage)
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}
