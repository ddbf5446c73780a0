// Package csv reads delimited source files into ordered raw records.
package csv

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/htmlindex"

	"ingest/internal/config"
	"ingest/internal/transform"
)

// ReadRecords parses CSV from r into records whose field order follows the
// source columns.
//
// Options:
//   - has_header (bool, default true)
//   - comma (string, first rune, default ",")
//   - trim_space (bool, default true)
//   - lazy_quotes (bool, default false)
//   - encoding (string, e.g. "windows-1252"; default UTF-8)
//   - header_map (map original header -> field name)
//   - columns ([]string, required when has_header=false)
//
// Malformed data rows are reported through onErr and skipped; the read
// continues with the remaining rows. A malformed header is fatal.
func ReadRecords(
	ctx context.Context,
	r io.Reader,
	opts config.Options,
	onErr func(line int, err error),
) ([]transform.Record, error) {
	hasHeader := opts.Bool("has_header", true)
	comma := opts.Rune("comma", ',')
	trim := opts.Bool("trim_space", true)
	lazy := opts.Bool("lazy_quotes", false)
	hm := opts.StringMap("header_map")

	if enc := opts.String("encoding", ""); enc != "" {
		e, err := htmlindex.Get(enc)
		if err != nil {
			return nil, fmt.Errorf("csv: unknown encoding %q", enc)
		}
		r = e.NewDecoder().Reader(r)
	}

	cr := csv.NewReader(r)
	cr.Comma = comma
	cr.LazyQuotes = lazy
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	var line int
	readRec := func() ([]string, error) {
		line++
		return cr.Read()
	}

	var names []string
	if hasHeader {
		hdr, err := readRec()
		if err != nil {
			return nil, fmt.Errorf("csv: read header: %w", err)
		}
		names = make([]string, len(hdr))
		for i, h := range hdr {
			h = strings.TrimSpace(h)
			if i == 0 {
				h = strings.TrimPrefix(h, "\ufeff")
			}
			if mapped, ok := hm[h]; ok {
				h = mapped
			} else {
				h = strings.ReplaceAll(strings.ToLower(h), " ", "_")
			}
			names[i] = h
		}
	} else {
		cols := opts.Any("columns")
		names = stringSlice(cols)
		if len(names) == 0 {
			return nil, fmt.Errorf("csv: has_header=false requires a columns option")
		}
	}

	var out []transform.Record
	for {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		default:
		}

		rec, err := readRec()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			if onErr != nil {
				onErr(line, fmt.Errorf("csv read: %w", err))
			}
			continue
		}

		row := transform.Record{Line: line, Fields: make([]transform.Field, len(names))}
		for i, name := range names {
			var v any
			if i < len(rec) {
				s := rec[i]
				if trim {
					s = strings.TrimSpace(s)
				}
				if s != "" {
					v = s
				}
			}
			row.Fields[i] = transform.Field{Name: name, Value: v}
		}
		out = append(out, row)
	}
}

func stringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, it := range t {
			if s, ok := it.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
