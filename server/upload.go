package server

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/xhad/policyqa/pkg/pdftext"
)

// readUploads returns the text of every uploaded PDF, in upload order.
// Files with another extension are skipped.
func (s *Server) readUploads(r *http.Request) (string, error) {
	if r.MultipartForm == nil {
		return "", nil
	}

	var texts []string
	for _, fh := range r.MultipartForm.File["files"] {
		if fh.Filename == "" {
			continue
		}
		ext := strings.ToLower(filepath.Ext(fh.Filename))

		err := s.withTempFile(fh, ext, func(path string) error {
			if ext != ".pdf" {
				log.Debug().Str("file", fh.Filename).Msg("ignoring non-pdf upload")
				return nil
			}
			pages, err := pdftext.ExtractFile(path)
			if err != nil {
				return err
			}
			if text := pdftext.Text(pages); text != "" {
				texts = append(texts, text)
			}
			return nil
		})
		if err != nil {
			return "", fmt.Errorf("failed to read upload %q: %w", fh.Filename, err)
		}
	}

	return strings.Join(texts, "\n"), nil
}

// withTempFile stages an upload on disk for fn and removes it afterwards,
// whatever fn returns.
func (s *Server) withTempFile(fh *multipart.FileHeader, ext string, fn func(path string) error) error {
	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	tmp, err := os.CreateTemp(s.config.TempDir, "policyqa-upload-*"+ext)
	if err != nil {
		return err
	}
	path := tmp.Name()
	defer func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", path).Msg("failed to remove temp file")
		}
	}()

	_, err = io.Copy(tmp, src)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}

	return fn(path)
}
