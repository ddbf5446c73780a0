package config

import (
	"errors"
	"strings"
	"testing"
)

func validFileRaw() Raw {
	return Raw{
		ID:                7,
		Name:              "orders",
		IsActive:          true,
		Mode:              "file",
		SourceDir:         "/srv/import/orders",
		ArchiveDir:        "/srv/archive/orders",
		FilePattern:       "orders_*.csv",
		FileFormat:        "csv",
		TargetTable:       "fact_orders",
		FieldMappings:     []byte(`[{"source_field":"order_id","target_column":"order_id","type":"int","required":true}]`),
		LoadStrategy:      "append",
		MetadataSource:    "filename",
		MetadataPosition:  1,
		MetadataDelimiter: "_",
		MetadataFormat:    "yyyyMMdd",
		DatasetTypeID:     3,
		DatasourceID:      5,
	}
}

func TestBuild_ValidFileConfig(t *testing.T) {
	t.Parallel()

	cfg, err := Build(validFileRaw())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if cfg.Mode != ModeFile {
		t.Fatalf("mode = %q, want file", cfg.Mode)
	}
	if cfg.Strategy != StrategyAppend {
		t.Fatalf("strategy = %v, want append", cfg.Strategy)
	}
	if cfg.Metadata.DateLayout != "20060102" {
		t.Fatalf("date layout = %q, want 20060102", cfg.Metadata.DateLayout)
	}
	if cfg.MaxErrorRatio != 1.0 {
		t.Fatalf("max error ratio default = %v, want 1.0", cfg.MaxErrorRatio)
	}
	if got := cfg.TargetColumns(); len(got) != 1 || got[0] != "order_id" {
		t.Fatalf("target columns = %v", got)
	}
}

func TestBuild_Inactive(t *testing.T) {
	t.Parallel()

	raw := validFileRaw()
	raw.IsActive = false
	_, err := Build(raw)
	if !errors.Is(err, ErrInactive) {
		t.Fatalf("err = %v, want ErrInactive", err)
	}
}

func TestBuild_InvalidRows(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Raw)
	}{
		{"unknown mode", func(r *Raw) { r.Mode = "ftp" }},
		{"relative source dir", func(r *Raw) { r.SourceDir = "import/orders" }},
		{"same source and archive", func(r *Raw) { r.ArchiveDir = r.SourceDir }},
		{"api fields in file mode", func(r *Raw) { r.BaseURL = "https://example.com" }},
		{"empty pattern", func(r *Raw) { r.FilePattern = "" }},
		{"malformed glob", func(r *Raw) { r.FilePattern = "orders_[.csv" }},
		{"malformed regex", func(r *Raw) { r.PatternKind = "regex"; r.FilePattern = "orders_(" }},
		{"unknown format", func(r *Raw) { r.FileFormat = "parquet" }},
		{"missing target table", func(r *Raw) { r.TargetTable = "" }},
		{"missing mappings", func(r *Raw) { r.FieldMappings = nil }},
		{"empty mappings", func(r *Raw) { r.FieldMappings = []byte(`[]`) }},
		{"mapping without target", func(r *Raw) {
			r.FieldMappings = []byte(`[{"source_field":"a"}]`)
		}},
		{"mapping bad type", func(r *Raw) {
			r.FieldMappings = []byte(`[{"source_field":"a","target_column":"a","type":"decimal128"}]`)
		}},
		{"duplicate target column", func(r *Raw) {
			r.FieldMappings = []byte(`[{"source_field":"a","target_column":"x"},{"source_field":"b","target_column":"x"}]`)
		}},
		{"unknown strategy", func(r *Raw) { r.LoadStrategy = "merge" }},
		{"replace without key column", func(r *Raw) { r.LoadStrategy = "replace_for_date" }},
		{"dedupe without natural keys", func(r *Raw) { r.LoadStrategy = "deduplicate_on_key" }},
		{"dedupe key not a mapped column", func(r *Raw) {
			r.LoadStrategy = "deduplicate_on_key"
			r.NaturalKeyColumns = []byte(`["external_ref"]`)
		}},
		{"api-field metadata in file mode", func(r *Raw) {
			r.MetadataSource = "api-field"
			r.MetadataField = "report_date"
		}},
		{"filename metadata without delimiter", func(r *Raw) { r.MetadataDelimiter = "" }},
		{"negative metadata position", func(r *Raw) { r.MetadataPosition = -1 }},
		{"bad date format", func(r *Raw) { r.MetadataFormat = "yyyyQQ" }},
		{"error ratio out of range", func(r *Raw) { r.MaxErrorRatio = 1.5 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw := validFileRaw()
			tc.mutate(&raw)
			_, err := Build(raw)
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("err = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestBuild_ValidAPIConfig(t *testing.T) {
	t.Parallel()

	raw := Raw{
		ID:             11,
		Name:           "soma-holdings",
		IsActive:       true,
		Mode:           "api",
		BaseURL:        "https://markets.example.org/api",
		EndpointPath:   "soma/summary.{format}",
		ResponseFormat: "json",
		RecordPath:     "soma.holdings",
		QueryParams:    []byte(`{"include":"all"}`),
		Headers:        []byte(`{"Accept":"application/json"}`),
		TargetTable:    "fact_holdings",
		FieldMappings:  []byte(`[{"source_field":"cusip","target_column":"cusip"}]`),
		LoadStrategy:   "deduplicate_on_key",
		NaturalKeyColumns: []byte(`["cusip"]`),
		MetadataSource: "api-field",
		MetadataField:  "asOfDate",
		MetadataFormat: "yyyy-MM-dd",
	}

	cfg, err := Build(raw)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if cfg.Mode != ModeAPI {
		t.Fatalf("mode = %q, want api", cfg.Mode)
	}
	if got := cfg.API.URL(); got != "https://markets.example.org/api/soma/summary.json" {
		t.Fatalf("URL = %q", got)
	}
	if cfg.API.Method != "GET" {
		t.Fatalf("method default = %q, want GET", cfg.API.Method)
	}
	if cfg.Metadata.DateLayout != "2006-01-02" {
		t.Fatalf("date layout = %q", cfg.Metadata.DateLayout)
	}
}

func TestBuild_APIRejectsFileFields(t *testing.T) {
	t.Parallel()

	raw := validFileRaw()
	raw.Mode = "api"
	raw.BaseURL = "https://example.com"
	_, err := Build(raw)
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
}

func TestBuild_ResolvedSourceDirWins(t *testing.T) {
	t.Parallel()

	raw := validFileRaw()
	raw.ResolvedSourceDir = "/mnt/actual/orders"
	cfg, err := Build(raw)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if cfg.File.SourceDir != "/mnt/actual/orders" {
		t.Fatalf("source dir = %q", cfg.File.SourceDir)
	}
}

func TestFileSpec_MatchName(t *testing.T) {
	t.Parallel()

	glob, err := Build(validFileRaw())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !glob.File.MatchName("orders_20260101.csv") {
		t.Fatalf("glob should match orders_20260101.csv")
	}
	if glob.File.MatchName("returns_20260101.csv") {
		t.Fatalf("glob should not match returns_20260101.csv")
	}

	raw := validFileRaw()
	raw.PatternKind = "regex"
	raw.FilePattern = `^orders_\d{8}\.csv$`
	rx, err := Build(raw)
	if err != nil {
		t.Fatalf("Build regex: %v", err)
	}
	if !rx.File.MatchName("orders_20260101.csv") {
		t.Fatalf("regex should match orders_20260101.csv")
	}
	if rx.File.MatchName("orders_2026.csv") {
		t.Fatalf("regex should not match orders_2026.csv")
	}
}

func TestParseStrategy(t *testing.T) {
	t.Parallel()

	cases := map[string]Strategy{
		"append":             StrategyAppend,
		"replace_for_date":   StrategyReplaceForDate,
		"replace-for-date":   StrategyReplaceForDate,
		"deduplicate_on_key": StrategyDeduplicateOnKey,
		"DEDUPE":             StrategyDeduplicateOnKey,
	}
	for in, want := range cases {
		got, err := ParseStrategy(in)
		if err != nil {
			t.Fatalf("ParseStrategy(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseStrategy(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseStrategy("truncate"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for unknown strategy")
	}
}

func TestTranslateDateFormat(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in, want string
	}{
		{"yyyyMMdd", "20060102"},
		{"yyyy-MM-dd", "2006-01-02"},
		{"dd/MM/yy", "02/01/06"},
		{"yyyyMMdd HHmmss", "20060102 150405"},
	}
	for _, tc := range cases {
		got, err := TranslateDateFormat(tc.in)
		if err != nil {
			t.Fatalf("TranslateDateFormat(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("TranslateDateFormat(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}

	for _, bad := range []string{"", "yyy", "yyyyMMMdd"} {
		if _, err := TranslateDateFormat(bad); !errors.Is(err, ErrInvalid) {
			t.Fatalf("TranslateDateFormat(%q): want ErrInvalid, got %v", bad, err)
		}
	}
}

func TestOptions_Accessors(t *testing.T) {
	t.Parallel()

	o := Options{
		"has_header": true,
		"comma":      ";",
		"skip_rows":  float64(2),
		"encoding":   "windows-1252",
		"header_map": map[string]any{"Order Id": "order_id"},
	}

	if !o.Bool("has_header", false) {
		t.Fatalf("Bool has_header")
	}
	if o.Bool("missing", true) != true {
		t.Fatalf("Bool default")
	}
	if o.Rune("comma", ',') != ';' {
		t.Fatalf("Rune comma")
	}
	if o.Int("skip_rows", 0) != 2 {
		t.Fatalf("Int skip_rows")
	}
	if o.String("encoding", "") != "windows-1252" {
		t.Fatalf("String encoding")
	}
	hm := o.StringMap("header_map")
	if hm["Order Id"] != "order_id" {
		t.Fatalf("StringMap header_map = %v", hm)
	}
	if strings.TrimSpace(o.String("missing", "def")) != "def" {
		t.Fatalf("String default")
	}
}
