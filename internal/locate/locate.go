// Package locate finds source data for an import run: matching files on disk
// in file mode, or a single API response in api mode. Both paths hand back
// ordered raw records for the mapper.
package locate

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"ingest/internal/config"
	"ingest/internal/parser/csv"
	"ingest/internal/parser/json"
	"ingest/internal/parser/xlsx"
	"ingest/internal/transform"
)

// ExtractionError marks a failure to obtain source data, as opposed to a
// failure inside an individual record. The engine fails the whole run on it.
type ExtractionError struct {
	Source string // file path or request URL
	Err    error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: %v", e.Source, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Match is one source file selected for processing.
type Match struct {
	Path string
	Name string
}

// FindFiles lists the configured source directory and returns the regular
// files whose names match the config's pattern, sorted by name. An empty
// result is not an error; an unreadable directory is.
func FindFiles(cfg config.ImportConfig) ([]Match, error) {
	entries, err := os.ReadDir(cfg.File.SourceDir)
	if err != nil {
		return nil, &ExtractionError{Source: cfg.File.SourceDir, Err: err}
	}

	var out []Match
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if e.Type()&fs.ModeSymlink != 0 {
			info, err := os.Stat(filepath.Join(cfg.File.SourceDir, e.Name()))
			if err != nil || info.IsDir() {
				continue
			}
		}
		if !cfg.File.MatchName(e.Name()) {
			continue
		}
		out = append(out, Match{
			Path: filepath.Join(cfg.File.SourceDir, e.Name()),
			Name: e.Name(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ReadFile parses one matched file into records using the configured format.
// Per-row CSV parse failures are reported through onRowErr; everything that
// prevents reading the file at all comes back as an *ExtractionError.
func ReadFile(ctx context.Context, m Match, cfg config.ImportConfig, onRowErr func(line int, err error)) ([]transform.Record, error) {
	f, err := os.Open(m.Path)
	if err != nil {
		return nil, &ExtractionError{Source: m.Path, Err: err}
	}
	defer f.Close()

	var recs []transform.Record
	switch cfg.File.Format {
	case config.FormatCSV:
		recs, err = csv.ReadRecords(ctx, f, cfg.File.Options, onRowErr)
	case config.FormatJSON:
		recs, err = json.ReadRecords(ctx, f, cfg.File.Options)
	case config.FormatXLSX:
		recs, err = xlsx.ReadRecords(ctx, f, cfg.File.Options)
	default:
		err = fmt.Errorf("unsupported file format %q", cfg.File.Format)
	}
	if err != nil {
		return nil, &ExtractionError{Source: m.Path, Err: err}
	}
	return recs, nil
}
