// Package metadata derives the logical dataset identity, a label plus a
// dataset date, from a source file name or from an API response.
package metadata

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"ingest/internal/config"
	"ingest/internal/transform"
)

// ParseError marks a source whose metadata could not be derived. In file
// mode it is scoped to one file: the engine logs it, skips the file, and
// keeps going with the remaining matches.
type ParseError struct {
	Source string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("metadata from %s: %v", e.Source, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Identity is what groups records into one logical dataset: two sources that
// resolve to the same label and date accumulate into the same load.
type Identity struct {
	Label string
	Date  time.Time // midnight UTC
}

// Key returns a stable map key for grouping.
func (id Identity) Key() string {
	return id.Label + "|" + id.Date.Format("2006-01-02")
}

// FromFilename splits the base name on the configured delimiter and parses
// the token at the configured position as the dataset date. The label is the
// first remaining token; a name with no other tokens falls back to the
// config name.
func FromFilename(name string, cfg config.ImportConfig) (Identity, error) {
	md := cfg.Metadata
	base := strings.TrimSuffix(name, filepath.Ext(name))
	tokens := strings.Split(base, md.Delimiter)

	if md.Position >= len(tokens) {
		return Identity{}, &ParseError{Source: name, Err: fmt.Errorf(
			"position %d out of range, name has %d tokens", md.Position, len(tokens))}
	}
	date, err := time.ParseInLocation(md.DateLayout, tokens[md.Position], time.UTC)
	if err != nil {
		return Identity{}, &ParseError{Source: name, Err: fmt.Errorf(
			"token %q does not match date format %q", tokens[md.Position], md.DateFormat)}
	}

	label := cfg.Name
	for i, tok := range tokens {
		if i != md.Position && tok != "" {
			label = tok
			break
		}
	}
	return Identity{Label: label, Date: midnight(date)}, nil
}

// FromAPI reads the configured metadata field as the dataset date. The field
// is looked up on the first record and then on the top-level response
// envelope; the label is the config name. A response with no records and no
// envelope match is a parse failure.
func FromAPI(records []transform.Record, meta map[string]any, cfg config.ImportConfig) (Identity, error) {
	md := cfg.Metadata
	source := "api:" + md.Field

	var raw any
	found := false
	if len(records) > 0 {
		if v, ok := records[0].Get(md.Field); ok {
			raw, found = v, true
		}
	}
	if !found {
		if v, ok := meta[md.Field]; ok {
			raw, found = v, true
		}
	}
	if !found {
		return Identity{}, &ParseError{Source: source, Err: fmt.Errorf("field %q not present in records or response metadata", md.Field)}
	}

	date, err := coerceDate(raw, md.DateLayout)
	if err != nil {
		return Identity{}, &ParseError{Source: source, Err: err}
	}
	return Identity{Label: cfg.Name, Date: midnight(date)}, nil
}

// dateLayouts are tried in order when no explicit format is configured.
var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"20060102",
}

func coerceDate(v any, layout string) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case json.Number:
		v = t.String()
	}
	s, ok := v.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("value %v (%T) is not a date", v, v)
	}
	s = strings.TrimSpace(s)

	if layout != "" {
		d, err := time.ParseInLocation(layout, s, time.UTC)
		if err != nil {
			return time.Time{}, fmt.Errorf("value %q does not match date format", s)
		}
		return d, nil
	}
	for _, l := range dateLayouts {
		if d, err := time.ParseInLocation(l, s, time.UTC); err == nil {
			return d, nil
		}
	}
	return time.Time{}, fmt.Errorf("value %q is not a recognizable date", s)
}

func midnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
