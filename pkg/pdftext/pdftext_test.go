package pdftext

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ledongthuc/pdf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/policyqa/internal/models"
)

func TestExtractFile(t *testing.T) {
	pages, err := ExtractFile(filepath.Join("testdata", "policy.pdf"))
	require.NoError(t, err)
	require.Len(t, pages, 2)

	assert.Equal(t, "policy.pdf", pages[0].Source)
	assert.Equal(t, 1, pages[0].Number)
	assert.Contains(t, pages[0].Text, "Knee surgery is covered")
	assert.Equal(t, 2, pages[1].Number)
	assert.Contains(t, pages[1].Text, "Cosmetic procedures are excluded")
}

func TestExtractFileErrors(t *testing.T) {
	_, err := ExtractFile(filepath.Join("testdata", "missing.pdf"))
	assert.Error(t, err)

	garbage := filepath.Join(t.TempDir(), "garbage.pdf")
	require.NoError(t, os.WriteFile(garbage, []byte("this is not a pdf"), 0600))
	_, err = ExtractFile(garbage)
	assert.Error(t, err)
}

func TestExtractFileOpenPanic(t *testing.T) {
	openPDF = func(string) (*os.File, *pdf.Reader, error) {
		panic("malformed xref table")
	}
	t.Cleanup(func() { openPDF = pdf.Open })

	var (
		pages []models.Page
		err   error
	)
	require.NotPanics(t, func() {
		pages, err = ExtractFile(filepath.Join("testdata", "policy.pdf"))
	})
	assert.Nil(t, pages)
	assert.ErrorContains(t, err, "malformed xref table")
}

func TestText(t *testing.T) {
	pages := []models.Page{
		{Number: 1, Text: "first"},
		{Number: 2, Text: "second"},
	}
	assert.Equal(t, "first\nsecond", Text(pages))
	assert.Equal(t, "", Text(nil))
}
