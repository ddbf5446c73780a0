// Package config parses loosely-typed import configuration rows into a
// validated, strongly-typed ImportConfig.
//
// The reference-data layer owns the rows; the engine only reads them. All
// validation happens once, at job start, before any source is touched: a bad
// pattern, mapping, or strategy is rejected as ErrInvalid up front rather than
// failing mid-extraction.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	// ErrNotFound means no config row exists for the requested id.
	ErrNotFound = errors.New("config: not found")

	// ErrInactive means the config exists but is_active=false. An inactive
	// config passed explicitly is rejected with this distinct error.
	ErrInactive = errors.New("config: inactive")

	// ErrInvalid means the row is malformed (pattern, mapping, mode fields).
	ErrInvalid = errors.New("config: invalid")
)

type Mode string

const (
	ModeFile Mode = "file"
	ModeAPI  Mode = "api"
)

// Strategy is the closed set of write policies applied when committing
// transformed records. It is resolved once at config-build time, never
// re-dispatched per record.
type Strategy int

const (
	StrategyAppend Strategy = iota
	StrategyReplaceForDate
	StrategyDeduplicateOnKey
)

func (s Strategy) String() string {
	switch s {
	case StrategyAppend:
		return "append"
	case StrategyReplaceForDate:
		return "replace_for_date"
	case StrategyDeduplicateOnKey:
		return "deduplicate_on_key"
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// ParseStrategy maps the stored string to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "append":
		return StrategyAppend, nil
	case "replace_for_date", "replace-for-date":
		return StrategyReplaceForDate, nil
	case "deduplicate_on_key", "deduplicate-on-key", "dedupe":
		return StrategyDeduplicateOnKey, nil
	}
	return 0, fmt.Errorf("%w: unknown load strategy %q", ErrInvalid, s)
}

type FileFormat string

const (
	FormatCSV  FileFormat = "csv"
	FormatJSON FileFormat = "json"
	FormatXLSX FileFormat = "xlsx"
)

type ResponseFormat string

const (
	ResponseJSON ResponseFormat = "json"
	ResponseXML  ResponseFormat = "xml"
	ResponseCSV  ResponseFormat = "csv"
)

type PatternKind string

const (
	PatternGlob  PatternKind = "glob"
	PatternRegex PatternKind = "regex"
)

type MetadataSource string

const (
	MetadataFromFilename MetadataSource = "filename"
	MetadataFromAPIField MetadataSource = "api-field"
)

// FieldMapping is one declarative rule mapping a source field to a target
// column, with optional coercion and default.
type FieldMapping struct {
	SourceField  string `json:"source_field"`
	TargetColumn string `json:"target_column"`
	Type         string `json:"type,omitempty"` // string|int|float|bool|date|datetime
	Required     bool   `json:"required,omitempty"`
	Default      any    `json:"default,omitempty"`

	// Format is an optional yyyyMMdd-style parse format for date/datetime
	// coercions. Build rewrites it to the Go reference layout.
	Format string `json:"format,omitempty"`
}

// Raw mirrors one import_configs row as stored. JSON-typed columns arrive as
// raw bytes and are decoded during Build.
type Raw struct {
	ID       int64
	Name     string
	IsActive bool
	Mode     string

	// file mode
	SourceDir         string
	ResolvedSourceDir string
	ArchiveDir        string
	FilePattern       string
	PatternKind       string
	FileFormat        string
	ParserOptions     []byte // JSON object, optional

	// api mode
	BaseURL        string
	EndpointPath   string
	Method         string
	ResponseFormat string
	RecordPath     string
	QueryParams    []byte // JSON object of string->string, optional
	Headers        []byte // JSON object of string->string, optional

	// shared
	TargetTable       string
	FieldMappings     []byte // JSON array of FieldMapping, required
	LoadStrategy      string
	ReplaceKeyColumn  string
	NaturalKeyColumns []byte // JSON array of strings
	MetadataSource    string
	MetadataPosition  int
	MetadataDelimiter string
	MetadataFormat    string
	MetadataField     string
	DatasetTypeID     int64
	DatasourceID      int64
	SingleFile        bool
	MaxErrorRatio     float64
	AutoCreateTable   bool
}

// FileSpec is the validated file-mode half of a config.
type FileSpec struct {
	SourceDir  string
	ArchiveDir string
	Pattern    string
	Kind       PatternKind
	Format     FileFormat
	Options    Options

	re *regexp.Regexp // set when Kind==PatternRegex
}

// MatchName reports whether a bare file name matches the configured pattern.
func (f FileSpec) MatchName(name string) bool {
	if f.Kind == PatternRegex {
		return f.re.MatchString(name)
	}
	ok, err := path.Match(f.Pattern, name)
	return err == nil && ok
}

// APISpec is the validated api-mode half of a config.
type APISpec struct {
	BaseURL      string
	EndpointPath string // may contain a {format} placeholder
	Method       string
	Format       ResponseFormat
	RecordPath   string // dotted path to the record array, optional
	Query        map[string]string
	Headers      map[string]string
}

// URL joins base and endpoint with the {format} placeholder substituted.
func (a APISpec) URL() string {
	ep := strings.ReplaceAll(a.EndpointPath, "{format}", string(a.Format))
	return strings.TrimRight(a.BaseURL, "/") + "/" + strings.TrimLeft(ep, "/")
}

// MetadataSpec describes how the dataset label and date are derived.
type MetadataSpec struct {
	Source     MetadataSource
	Position   int    // token index for filename source
	Delimiter  string // token delimiter for filename source
	DateFormat string // yyyyMMdd-style tokens
	DateLayout string // translated Go reference layout
	Field      string // record/meta field name for api-field source
}

// ImportConfig is the validated, strongly-typed configuration the engine runs.
type ImportConfig struct {
	ID       int64
	Name     string
	IsActive bool
	Mode     Mode

	File FileSpec
	API  APISpec

	TargetTable       string
	Mappings          []FieldMapping
	Strategy          Strategy
	ReplaceKeyColumn  string
	NaturalKeyColumns []string
	Metadata          MetadataSpec

	DatasetTypeID int64
	DatasourceID  int64

	SingleFile      bool
	MaxErrorRatio   float64
	AutoCreateTable bool
}

// TargetColumns returns the target column names in mapping order.
func (c ImportConfig) TargetColumns() []string {
	out := make([]string, len(c.Mappings))
	for i, m := range c.Mappings {
		out[i] = m.TargetColumn
	}
	return out
}

// Build validates raw and produces a typed ImportConfig.
//
// Errors:
//   - ErrInactive when is_active=false.
//   - ErrInvalid (wrapped with detail) for any structural violation.
func Build(raw Raw) (ImportConfig, error) {
	if !raw.IsActive {
		return ImportConfig{}, fmt.Errorf("%w: config id=%d", ErrInactive, raw.ID)
	}

	cfg := ImportConfig{
		ID:              raw.ID,
		Name:            raw.Name,
		IsActive:        raw.IsActive,
		TargetTable:     strings.TrimSpace(raw.TargetTable),
		DatasetTypeID:   raw.DatasetTypeID,
		DatasourceID:    raw.DatasourceID,
		SingleFile:      raw.SingleFile,
		MaxErrorRatio:   raw.MaxErrorRatio,
		AutoCreateTable: raw.AutoCreateTable,
	}

	switch Mode(raw.Mode) {
	case ModeFile:
		cfg.Mode = ModeFile
		fs, err := buildFileSpec(raw)
		if err != nil {
			return ImportConfig{}, err
		}
		cfg.File = fs
	case ModeAPI:
		cfg.Mode = ModeAPI
		as, err := buildAPISpec(raw)
		if err != nil {
			return ImportConfig{}, err
		}
		cfg.API = as
	default:
		return ImportConfig{}, fmt.Errorf("%w: mode must be file or api, got %q", ErrInvalid, raw.Mode)
	}

	if cfg.TargetTable == "" {
		return ImportConfig{}, fmt.Errorf("%w: target_table is required", ErrInvalid)
	}

	if len(raw.FieldMappings) == 0 {
		return ImportConfig{}, fmt.Errorf("%w: field_mappings is required", ErrInvalid)
	}
	if err := json.Unmarshal(raw.FieldMappings, &cfg.Mappings); err != nil {
		return ImportConfig{}, fmt.Errorf("%w: field_mappings: %v", ErrInvalid, err)
	}
	if len(cfg.Mappings) == 0 {
		return ImportConfig{}, fmt.Errorf("%w: field_mappings must not be empty", ErrInvalid)
	}
	seen := make(map[string]struct{}, len(cfg.Mappings))
	for i, m := range cfg.Mappings {
		if m.SourceField == "" || m.TargetColumn == "" {
			return ImportConfig{}, fmt.Errorf("%w: field_mappings[%d]: source_field and target_column are required", ErrInvalid, i)
		}
		if !validCoercion(m.Type) {
			return ImportConfig{}, fmt.Errorf("%w: field_mappings[%d]: unknown type %q", ErrInvalid, i, m.Type)
		}
		if _, dup := seen[m.TargetColumn]; dup {
			return ImportConfig{}, fmt.Errorf("%w: field_mappings[%d]: duplicate target column %q", ErrInvalid, i, m.TargetColumn)
		}
		seen[m.TargetColumn] = struct{}{}
		if m.Format != "" {
			layout, err := TranslateDateFormat(m.Format)
			if err != nil {
				return ImportConfig{}, fmt.Errorf("%w: field_mappings[%d]: %v", ErrInvalid, i, err)
			}
			cfg.Mappings[i].Format = layout
		}
	}

	strat, err := ParseStrategy(raw.LoadStrategy)
	if err != nil {
		return ImportConfig{}, err
	}
	cfg.Strategy = strat

	switch strat {
	case StrategyReplaceForDate:
		cfg.ReplaceKeyColumn = strings.TrimSpace(raw.ReplaceKeyColumn)
		if cfg.ReplaceKeyColumn == "" {
			return ImportConfig{}, fmt.Errorf("%w: replace_key_column is required for %s", ErrInvalid, strat)
		}
	case StrategyDeduplicateOnKey:
		if len(raw.NaturalKeyColumns) > 0 {
			if err := json.Unmarshal(raw.NaturalKeyColumns, &cfg.NaturalKeyColumns); err != nil {
				return ImportConfig{}, fmt.Errorf("%w: natural_key_columns: %v", ErrInvalid, err)
			}
		}
		if len(cfg.NaturalKeyColumns) == 0 {
			return ImportConfig{}, fmt.Errorf("%w: natural_key_columns is required for %s", ErrInvalid, strat)
		}
		// Key columns the insert never carries would reach the backends as
		// broken dedupe SQL; reject here, before any source is touched.
		for _, k := range cfg.NaturalKeyColumns {
			if _, ok := seen[k]; !ok {
				return ImportConfig{}, fmt.Errorf("%w: natural_key_columns: %q is not a mapped target column", ErrInvalid, k)
			}
		}
	}

	md, err := buildMetadataSpec(raw, cfg.Mode)
	if err != nil {
		return ImportConfig{}, err
	}
	cfg.Metadata = md

	if cfg.MaxErrorRatio == 0 {
		// Default: a batch fails only when every record fails transformation.
		cfg.MaxErrorRatio = 1.0
	}
	if cfg.MaxErrorRatio < 0 || cfg.MaxErrorRatio > 1 {
		return ImportConfig{}, fmt.Errorf("%w: max_error_ratio must be between 0 and 1, got %v", ErrInvalid, cfg.MaxErrorRatio)
	}

	return cfg, nil
}

func buildFileSpec(raw Raw) (FileSpec, error) {
	fs := FileSpec{
		SourceDir:  strings.TrimSpace(raw.SourceDir),
		ArchiveDir: strings.TrimSpace(raw.ArchiveDir),
		Pattern:    strings.TrimSpace(raw.FilePattern),
	}

	if raw.ResolvedSourceDir != "" {
		fs.SourceDir = raw.ResolvedSourceDir
	}
	if fs.SourceDir == "" || fs.ArchiveDir == "" {
		return FileSpec{}, fmt.Errorf("%w: file mode requires source_dir and archive_dir", ErrInvalid)
	}
	// Source dirs may carry unresolved $VAR placeholders; the engine expands
	// and re-checks them before the first directory read.
	if !filepath.IsAbs(fs.SourceDir) && !strings.Contains(fs.SourceDir, "$") {
		return FileSpec{}, fmt.Errorf("%w: source_dir must be an absolute path", ErrInvalid)
	}
	if !filepath.IsAbs(fs.ArchiveDir) {
		return FileSpec{}, fmt.Errorf("%w: archive_dir must be an absolute path", ErrInvalid)
	}
	if filepath.Clean(fs.SourceDir) == filepath.Clean(fs.ArchiveDir) {
		return FileSpec{}, fmt.Errorf("%w: source_dir and archive_dir must differ", ErrInvalid)
	}
	if raw.BaseURL != "" || raw.EndpointPath != "" {
		return FileSpec{}, fmt.Errorf("%w: file mode must not set api fields", ErrInvalid)
	}
	if fs.Pattern == "" {
		return FileSpec{}, fmt.Errorf("%w: file_pattern is required", ErrInvalid)
	}

	switch PatternKind(raw.PatternKind) {
	case PatternGlob, "":
		fs.Kind = PatternGlob
		if _, err := path.Match(fs.Pattern, "probe"); err != nil {
			return FileSpec{}, fmt.Errorf("%w: malformed glob pattern %q", ErrInvalid, fs.Pattern)
		}
	case PatternRegex:
		fs.Kind = PatternRegex
		re, err := regexp.Compile(fs.Pattern)
		if err != nil {
			return FileSpec{}, fmt.Errorf("%w: malformed regex pattern %q: %v", ErrInvalid, fs.Pattern, err)
		}
		fs.re = re
	default:
		return FileSpec{}, fmt.Errorf("%w: pattern_kind must be glob or regex, got %q", ErrInvalid, raw.PatternKind)
	}

	switch FileFormat(raw.FileFormat) {
	case FormatCSV, FormatJSON, FormatXLSX:
		fs.Format = FileFormat(raw.FileFormat)
	default:
		return FileSpec{}, fmt.Errorf("%w: file_format must be csv, json or xlsx, got %q", ErrInvalid, raw.FileFormat)
	}

	opts, err := decodeOptions(raw.ParserOptions)
	if err != nil {
		return FileSpec{}, fmt.Errorf("%w: parser_options: %v", ErrInvalid, err)
	}
	fs.Options = opts

	return fs, nil
}

func buildAPISpec(raw Raw) (APISpec, error) {
	if raw.SourceDir != "" || raw.ArchiveDir != "" || raw.FilePattern != "" {
		return APISpec{}, fmt.Errorf("%w: api mode must not set file fields", ErrInvalid)
	}

	as := APISpec{
		BaseURL:      strings.TrimSpace(raw.BaseURL),
		EndpointPath: strings.TrimSpace(raw.EndpointPath),
		Method:       strings.ToUpper(strings.TrimSpace(raw.Method)),
		RecordPath:   strings.TrimSpace(raw.RecordPath),
	}
	if as.BaseURL == "" {
		return APISpec{}, fmt.Errorf("%w: api mode requires base_url", ErrInvalid)
	}
	if as.Method == "" {
		as.Method = "GET"
	}
	if as.Method != "GET" && as.Method != "POST" {
		return APISpec{}, fmt.Errorf("%w: method must be GET or POST, got %q", ErrInvalid, as.Method)
	}

	switch ResponseFormat(raw.ResponseFormat) {
	case ResponseJSON, ResponseXML, ResponseCSV:
		as.Format = ResponseFormat(raw.ResponseFormat)
	case "":
		as.Format = ResponseJSON
	default:
		return APISpec{}, fmt.Errorf("%w: response_format must be json, xml or csv, got %q", ErrInvalid, raw.ResponseFormat)
	}

	var err error
	if as.Query, err = decodeStringMap(raw.QueryParams); err != nil {
		return APISpec{}, fmt.Errorf("%w: query_params: %v", ErrInvalid, err)
	}
	if as.Headers, err = decodeStringMap(raw.Headers); err != nil {
		return APISpec{}, fmt.Errorf("%w: headers: %v", ErrInvalid, err)
	}

	return as, nil
}

func buildMetadataSpec(raw Raw, mode Mode) (MetadataSpec, error) {
	md := MetadataSpec{
		Source:     MetadataSource(raw.MetadataSource),
		Position:   raw.MetadataPosition,
		Delimiter:  raw.MetadataDelimiter,
		DateFormat: raw.MetadataFormat,
		Field:      raw.MetadataField,
	}

	switch md.Source {
	case MetadataFromFilename:
		if mode != ModeFile {
			return MetadataSpec{}, fmt.Errorf("%w: metadata_source=filename requires file mode", ErrInvalid)
		}
		if md.Delimiter == "" {
			return MetadataSpec{}, fmt.Errorf("%w: metadata_delimiter is required for filename metadata", ErrInvalid)
		}
		if md.Position < 0 {
			return MetadataSpec{}, fmt.Errorf("%w: metadata_position must be >= 0", ErrInvalid)
		}
		layout, err := TranslateDateFormat(md.DateFormat)
		if err != nil {
			return MetadataSpec{}, err
		}
		md.DateLayout = layout
	case MetadataFromAPIField:
		if mode != ModeAPI {
			return MetadataSpec{}, fmt.Errorf("%w: metadata_source=api-field requires api mode", ErrInvalid)
		}
		if md.Field == "" {
			return MetadataSpec{}, fmt.Errorf("%w: metadata_field is required for api-field metadata", ErrInvalid)
		}
		if md.DateFormat != "" {
			layout, err := TranslateDateFormat(md.DateFormat)
			if err != nil {
				return MetadataSpec{}, err
			}
			md.DateLayout = layout
		}
	default:
		return MetadataSpec{}, fmt.Errorf("%w: metadata_source must be filename or api-field, got %q", ErrInvalid, raw.MetadataSource)
	}

	return md, nil
}

func validCoercion(t string) bool {
	switch t {
	case "", "string", "int", "float", "bool", "date", "datetime":
		return true
	}
	return false
}

func decodeStringMap(b []byte) (map[string]string, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeOptions(b []byte) (Options, error) {
	if len(b) == 0 {
		return Options{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return Options(m), nil
}
