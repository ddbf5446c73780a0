// Package xlsx reads Excel workbooks into ordered raw records.
package xlsx

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"ingest/internal/config"
	"ingest/internal/transform"
)

// ReadRecords parses an xlsx workbook from r. The first row of the chosen
// sheet is the header; every later row becomes one record. Cells come back
// from excelize as display strings, so typed coercion happens downstream.
//
// Options:
//   - sheet (string, default: the workbook's first sheet)
//   - skip_rows (int, rows to drop before the header)
//   - header_map (map original header -> field name)
func ReadRecords(ctx context.Context, r io.Reader, opts config.Options) ([]transform.Record, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("xlsx open: %w", err)
	}
	defer f.Close()

	sheet := opts.String("sheet", "")
	if sheet == "" {
		sheet = f.GetSheetName(0)
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("xlsx sheet %q: %w", sheet, err)
	}

	if skip := opts.Int("skip_rows", 0); skip > 0 {
		if skip >= len(rows) {
			rows = nil
		} else {
			rows = rows[skip:]
		}
	}
	if len(rows) == 0 {
		return nil, nil
	}

	hm := opts.StringMap("header_map")
	names := make([]string, len(rows[0]))
	for i, h := range rows[0] {
		h = strings.TrimSpace(h)
		if mapped, ok := hm[h]; ok {
			h = mapped
		} else {
			h = strings.ReplaceAll(strings.ToLower(h), " ", "_")
		}
		names[i] = h
	}

	var out []transform.Record
	for n, row := range rows[1:] {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		default:
		}

		rec := transform.Record{Line: n + 2, Fields: make([]transform.Field, len(names))}
		for i, name := range names {
			var v any
			if i < len(row) {
				if s := strings.TrimSpace(row[i]); s != "" {
					v = s
				}
			}
			rec.Fields[i] = transform.Field{Name: name, Value: v}
		}
		out = append(out, rec)
	}
	return out, nil
}
