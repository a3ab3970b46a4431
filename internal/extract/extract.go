// Package extract recovers a JSON object from free-form model output.
package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrNoObject is returned when the text holds no '{' ... '}' span.
var ErrNoObject = errors.New("no JSON object found in model reply")

// Extractor turns a model reply into a decoded JSON object.
type Extractor interface {
	Extract(text string) (map[string]any, error)
}

// BraceSpan takes everything between the first '{' and the last '}' and
// decodes it as one object. Replies carrying several JSON fragments fail to
// decode rather than being split.
type BraceSpan struct{}

// Extract implements Extractor.
func (BraceSpan) Extract(text string) (map[string]any, error) {
	span, ok := Span(text)
	if !ok {
		return nil, ErrNoObject
	}
	return Decode(span)
}

// Span returns the substring from the first '{' through the last '}'.
func Span(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < start {
		return "", false
	}
	return text[start : end+1], true
}

// Decode parses s as a single JSON object. Numbers are kept as json.Number so
// they serialize back exactly as the model wrote them.
func Decode(s string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()

	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode model JSON: %w", err)
	}
	if out == nil {
		return nil, errors.New("decode model JSON: not an object")
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("decode model JSON: unexpected data after object")
	}
	return out, nil
}

// MissingFieldsError lists required keys absent from a decoded reply.
type MissingFieldsError struct {
	Fields []string
}

func (e *MissingFieldsError) Error() string {
	return "model reply missing fields: " + strings.Join(e.Fields, ", ")
}

// RequireKeys checks that every key is present in m, in the order given.
func RequireKeys(m map[string]any, keys ...string) error {
	var missing []string
	for _, key := range keys {
		if _, ok := m[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return &MissingFieldsError{Fields: missing}
	}
	return nil
}
