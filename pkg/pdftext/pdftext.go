// Package pdftext extracts plain text from PDF files page by page.
package pdftext

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/xhad/policyqa/internal/models"
)

var openPDF = pdf.Open

// ExtractFile returns the text of every non-empty page of the PDF at path.
// The page Source is the file's base name.
func ExtractFile(path string) (pages []models.Page, err error) {
	// the parser panics on some malformed files, in Open as well as later
	defer func() {
		if r := recover(); r != nil {
			pages = nil
			err = fmt.Errorf("failed to parse pdf %s: %v", path, r)
		}
	}()

	f, reader, err := openPDF(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pdf %s: %w", path, err)
	}
	defer f.Close()

	source := filepath.Base(path)
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to read page %d of %s: %w", i, path, err)
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		pages = append(pages, models.Page{
			Source: source,
			Number: i,
			Text:   text,
		})
	}
	return pages, nil
}

// Text joins page texts with newlines.
func Text(pages []models.Page) string {
	texts := make([]string, len(pages))
	for i, p := range pages {
		texts[i] = p.Text
	}
	return strings.Join(texts, "\n")
}
