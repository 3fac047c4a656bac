package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/xhad/policyqa/internal/models"
	"github.com/xhad/policyqa/internal/types"
)

// Extraction is the output of the extraction stage. Raw is passed to the
// decision stage untouched; Fields is a best-effort parse of it.
type Extraction struct {
	Raw    string        `json:"raw"`
	Fields models.Fields `json:"fields"`
}

// Extract asks the model to pull the claim details out of query.
// supplementary is the text of any uploaded documents.
func Extract(ctx context.Context, gen types.Generator, query, supplementary string) (Extraction, error) {
	prompt, err := extractionPrompt.Format(map[string]any{
		"input":   query,
		"context": supplementary,
	})
	if err != nil {
		return Extraction{}, fmt.Errorf("failed to format extraction prompt: %w", err)
	}

	raw, err := gen.Generate(ctx, prompt)
	if err != nil {
		return Extraction{}, fmt.Errorf("extraction failed: %w", err)
	}

	return Extraction{Raw: raw, Fields: ParseFields(raw)}, nil
}

var (
	listMarker = regexp.MustCompile(`^\s*(?:[-*•]+|\d+[.)])\s*`)
	firstInt   = regexp.MustCompile(`\d+`)
)

var fieldLabels = map[string]string{
	"age":             "age",
	"gender":          "gender",
	"sex":             "gender",
	"procedure":       "procedure",
	"treatment":       "procedure",
	"location":        "location",
	"city":            "location",
	"policy duration": "duration",
	"duration":        "duration",
	"policy age":      "duration",
	"policy tenure":   "duration",
}

var blankValues = []string{"not specified", "not mentioned", "not provided", "unknown", "n/a", "none", "null"}

// ParseFields reads "Label: value" lines from free model output. Unknown
// labels are ignored; the first value seen for a label wins.
func ParseFields(raw string) models.Fields {
	var f models.Fields

	for _, line := range strings.Split(raw, "\n") {
		line = listMarker.ReplaceAllString(line, "")
		label, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}

		key, known := fieldLabels[normalizeLabel(label)]
		if !known {
			continue
		}
		value = cleanValue(value)
		if value == "" {
			continue
		}

		switch key {
		case "age":
			if f.Age == nil {
				f.Age = parseAge(value)
			}
		case "gender":
			if f.Gender == "" {
				f.Gender = value
			}
		case "procedure":
			if f.Procedure == "" {
				f.Procedure = value
			}
		case "location":
			if f.Location == "" {
				f.Location = value
			}
		case "duration":
			if f.PolicyDuration == "" {
				f.PolicyDuration = value
			}
		}
	}

	return f
}

func normalizeLabel(label string) string {
	label = strings.ToLower(strings.Trim(label, " \t*_#"))
	return strings.Join(strings.Fields(label), " ")
}

func cleanValue(value string) string {
	value = strings.Trim(value, " \t*_")
	value = strings.TrimSuffix(value, ".")
	lower := strings.ToLower(value)
	for _, blank := range blankValues {
		if strings.HasPrefix(lower, blank) {
			return ""
		}
	}
	return value
}

func parseAge(value string) *int {
	m := firstInt.FindString(value)
	if m == "" {
		return nil
	}
	age, err := strconv.Atoi(m)
	if err != nil || age < 0 || age > 130 {
		return nil
	}
	return &age
}
