package locate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"ingest/internal/config"
)

func fileConfig(t *testing.T, dir, pattern string, kind config.PatternKind, format config.FileFormat) config.ImportConfig {
	t.Helper()
	raw := config.Raw{
		ID:                1,
		Name:              "test",
		IsActive:          true,
		Mode:              "file",
		SourceDir:         dir,
		ArchiveDir:        filepath.Join(dir, "archive"),
		FilePattern:       pattern,
		PatternKind:       string(kind),
		FileFormat:        string(format),
		TargetTable:       "t",
		FieldMappings:     []byte(`[{"source_field":"a","target_column":"a","type":"string"}]`),
		LoadStrategy:      "append",
		MetadataSource:    "filename",
		MetadataPosition:  0,
		MetadataDelimiter: "_",
		MetadataFormat:    "yyyyMMdd",
		DatasetTypeID:     1,
		DatasourceID:      1,
		AutoCreateTable:   true,
	}
	cfg, err := config.Build(raw)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return cfg
}

func TestFindFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, name := range []string{"sales_02.csv", "sales_01.csv", "other.txt", "sales_03.json"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "sales_dir.csv"), 0o755); err != nil {
		t.Fatal(err)
	}

	cfg := fileConfig(t, dir, "sales_*.csv", config.PatternGlob, config.FormatCSV)
	got, err := FindFiles(cfg)
	if err != nil {
		t.Fatalf("FindFiles: %v", err)
	}
	want := []string{"sales_01.csv", "sales_02.csv"}
	if len(got) != len(want) {
		t.Fatalf("matches = %d, want %d", len(got), len(want))
	}
	for i, m := range got {
		if m.Name != want[i] {
			t.Errorf("match %d = %q, want %q", i, m.Name, want[i])
		}
	}
}

func TestFindFiles_Regex(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, name := range []string{"sales_20260115.csv", "sales_baddate.csv"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	cfg := fileConfig(t, dir, `^sales_\d{8}\.csv$`, config.PatternRegex, config.FormatCSV)
	got, err := FindFiles(cfg)
	if err != nil {
		t.Fatalf("FindFiles: %v", err)
	}
	if len(got) != 1 || got[0].Name != "sales_20260115.csv" {
		t.Fatalf("matches = %v, want only sales_20260115.csv", got)
	}
}

func TestFindFiles_MissingDir(t *testing.T) {
	t.Parallel()

	cfg := fileConfig(t, t.TempDir(), "*.csv", config.PatternGlob, config.FormatCSV)
	cfg.File.SourceDir = filepath.Join(cfg.File.SourceDir, "gone")

	_, err := FindFiles(cfg)
	var ee *ExtractionError
	if !errors.As(err, &ee) {
		t.Fatalf("error = %v, want *ExtractionError", err)
	}
}

func TestReadFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "sales_01.csv")
	if err := os.WriteFile(path, []byte("a,b\n1,2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := fileConfig(t, dir, "*.csv", config.PatternGlob, config.FormatCSV)
	recs, err := ReadFile(context.Background(), Match{Path: path, Name: "sales_01.csv"}, cfg, nil)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	if v, _ := recs[0].Get("a"); v != "1" {
		t.Errorf("a = %v, want 1", v)
	}
}

func TestReadFile_MissingFile(t *testing.T) {
	t.Parallel()

	cfg := fileConfig(t, t.TempDir(), "*.csv", config.PatternGlob, config.FormatCSV)
	_, err := ReadFile(context.Background(), Match{Path: filepath.Join(cfg.File.SourceDir, "gone.csv")}, cfg, nil)
	var ee *ExtractionError
	if !errors.As(err, &ee) {
		t.Fatalf("error = %v, want *ExtractionError", err)
	}
}
