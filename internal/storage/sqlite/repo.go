package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"ingest/internal/config"
	"ingest/internal/storage"
)

// Repo implements storage.Repository for SQLite.
//
// Key design points vs Postgres:
//   - SQLite has no native date/timestamp types; values get TEXT affinity.
//     Timestamps are stored as RFC3339Nano strings and dates as "2006-01-02"
//     for reliable round-trips and easy debugging.
//   - Idempotent inserts use INSERT OR IGNORE, which relies on a UNIQUE
//     constraint over the natural key columns.
type Repo struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlite", New)
}

func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	// The engine is single-writer per run; one connection sidesteps
	// SQLITE_BUSY between the log writer and the load transaction.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

func (r *Repo) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }

func (r *Repo) EnsureSystemTables(ctx context.Context) error {
	for _, q := range systemDDL {
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("sqlite: ensure system tables: %w", err)
		}
	}
	return nil
}

var systemDDL = []string{
	`CREATE TABLE IF NOT EXISTS import_configs (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		mode TEXT NOT NULL,
		source_dir TEXT,
		resolved_source_dir TEXT,
		archive_dir TEXT,
		file_pattern TEXT,
		pattern_kind TEXT,
		file_format TEXT,
		parser_options TEXT,
		base_url TEXT,
		endpoint_path TEXT,
		method TEXT,
		response_format TEXT,
		record_path TEXT,
		query_params TEXT,
		headers TEXT,
		target_table TEXT NOT NULL,
		field_mappings TEXT NOT NULL,
		load_strategy TEXT NOT NULL,
		replace_key_column TEXT,
		natural_key_columns TEXT,
		metadata_source TEXT NOT NULL,
		metadata_position INTEGER NOT NULL DEFAULT 0,
		metadata_delimiter TEXT,
		metadata_format TEXT,
		metadata_field TEXT,
		dataset_type_id INTEGER NOT NULL DEFAULT 0,
		datasource_id INTEGER NOT NULL DEFAULT 0,
		single_file INTEGER NOT NULL DEFAULT 0,
		max_error_ratio REAL NOT NULL DEFAULT 0,
		auto_create_table INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS datasets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		label TEXT NOT NULL,
		dataset_date TEXT NOT NULL,
		datasource_id INTEGER NOT NULL,
		dataset_type_id INTEGER NOT NULL,
		status TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		created_by TEXT NOT NULL,
		records_loaded INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS import_run_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		step TEXT NOT NULL,
		severity TEXT NOT NULL,
		message TEXT NOT NULL,
		dry_run INTEGER NOT NULL DEFAULT 0,
		logged_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ix_import_run_logs_run_id ON import_run_logs(run_id)`,
}

const configColumns = `id, name, is_active, mode,
	COALESCE(source_dir,''), COALESCE(resolved_source_dir,''), COALESCE(archive_dir,''),
	COALESCE(file_pattern,''), COALESCE(pattern_kind,''), COALESCE(file_format,''),
	COALESCE(parser_options,''),
	COALESCE(base_url,''), COALESCE(endpoint_path,''), COALESCE(method,''),
	COALESCE(response_format,''), COALESCE(record_path,''),
	COALESCE(query_params,''), COALESCE(headers,''),
	target_table, field_mappings, load_strategy,
	COALESCE(replace_key_column,''), COALESCE(natural_key_columns,''),
	metadata_source, metadata_position, COALESCE(metadata_delimiter,''),
	COALESCE(metadata_format,''), COALESCE(metadata_field,''),
	dataset_type_id, datasource_id, single_file, max_error_ratio, auto_create_table`

func (r *Repo) ConfigByID(ctx context.Context, id int64) (config.Raw, error) {
	q := "SELECT " + configColumns + " FROM import_configs WHERE id = ?"

	var (
		raw                              config.Raw
		parserOpts, queryParams, headers string
		fieldMappings, naturalKeys       string
	)
	err := r.db.QueryRowContext(ctx, q, id).Scan(
		&raw.ID, &raw.Name, &raw.IsActive, &raw.Mode,
		&raw.SourceDir, &raw.ResolvedSourceDir, &raw.ArchiveDir,
		&raw.FilePattern, &raw.PatternKind, &raw.FileFormat,
		&parserOpts,
		&raw.BaseURL, &raw.EndpointPath, &raw.Method,
		&raw.ResponseFormat, &raw.RecordPath,
		&queryParams, &headers,
		&raw.TargetTable, &fieldMappings, &raw.LoadStrategy,
		&raw.ReplaceKeyColumn, &naturalKeys,
		&raw.MetadataSource, &raw.MetadataPosition, &raw.MetadataDelimiter,
		&raw.MetadataFormat, &raw.MetadataField,
		&raw.DatasetTypeID, &raw.DatasourceID, &raw.SingleFile,
		&raw.MaxErrorRatio, &raw.AutoCreateTable,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return config.Raw{}, fmt.Errorf("%w: id=%d", config.ErrNotFound, id)
	}
	if err != nil {
		return config.Raw{}, fmt.Errorf("sqlite: config id=%d: %w", id, err)
	}

	raw.ParserOptions = bytesOrNil(parserOpts)
	raw.QueryParams = bytesOrNil(queryParams)
	raw.Headers = bytesOrNil(headers)
	raw.FieldMappings = bytesOrNil(fieldMappings)
	raw.NaturalKeyColumns = bytesOrNil(naturalKeys)
	return raw, nil
}

func bytesOrNil(s string) []byte {
	if s == "" {
		return nil
	}
	return []byte(s)
}

func (r *Repo) CacheResolvedSourceDir(ctx context.Context, id int64, dir string) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE import_configs SET resolved_source_dir = ? WHERE id = ?", dir, id)
	return err
}

func (r *Repo) CreateDataset(ctx context.Context, d storage.Dataset) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO datasets (label, dataset_date, datasource_id, dataset_type_id,
			status, is_active, created_at, created_by, records_loaded)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.Label, d.DatasetDate.Format("2006-01-02"), d.DatasourceID, d.DatasetTypeID,
		string(d.Status), d.IsActive, d.CreatedAt.UTC().Format(time.RFC3339Nano),
		d.CreatedBy, d.RecordsLoaded)
	if err != nil {
		return 0, fmt.Errorf("sqlite: create dataset: %w", err)
	}
	return res.LastInsertId()
}

func (r *Repo) SetDatasetStatus(ctx context.Context, id int64, status storage.Status, recordsLoaded int64) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE datasets SET status = ?, records_loaded = ? WHERE id = ?",
		string(status), recordsLoaded, id)
	return err
}

func (r *Repo) AppendLog(ctx context.Context, e storage.LogEntry) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO import_run_logs (run_id, step, severity, message, dry_run, logged_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.RunID, e.Step, e.Severity, e.Message, e.DryRun,
		e.At.UTC().Format(time.RFC3339Nano))
	return err
}

func (r *Repo) EnsureTargetTable(ctx context.Context, spec storage.TableSpec) error {
	ddl, err := buildCreateTableSQL(spec)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("sqlite: create table %s: %w", spec.Name, err)
	}
	return nil
}

// maxParams keeps multi-row inserts under SQLITE_MAX_VARIABLE_NUMBER.
const maxParams = 30000

func (r *Repo) LoadDataset(ctx context.Context, plan storage.LoadPlan) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &storage.LoadError{Table: plan.Table, Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	if plan.Strategy == storage.ReplaceForDate {
		del := fmt.Sprintf("DELETE FROM %s WHERE %s = ?",
			plan.Table, ident(plan.ReplaceKeyColumn))
		if _, err := tx.ExecContext(ctx, del, normalizeArg(plan.ReplaceKeyValue)); err != nil {
			return 0, &storage.LoadError{Table: plan.Table, Err: err}
		}
	}

	var total int64
	perChunk := rowsPerChunk(len(plan.Columns))
	for start := 0; start < len(plan.Rows); start += perChunk {
		end := start + perChunk
		if end > len(plan.Rows) {
			end = len(plan.Rows)
		}

		sqlText, args := buildInsertSQL(plan, plan.Rows[start:end])
		res, err := tx.ExecContext(ctx, sqlText, args...)
		if err != nil {
			return 0, &storage.LoadError{Table: plan.Table, Err: err}
		}
		n, _ := res.RowsAffected()
		total += n
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE datasets SET status = ?, records_loaded = ? WHERE id = ?",
		string(storage.StatusActive), total, plan.DatasetID); err != nil {
		return 0, &storage.LoadError{Table: plan.Table, Err: err}
	}

	if err := tx.Commit(); err != nil {
		return 0, &storage.LoadError{Table: plan.Table, Err: err}
	}
	return total, nil
}

func rowsPerChunk(cols int) int {
	if cols == 0 {
		return 1
	}
	n := maxParams / cols
	if n < 1 {
		n = 1
	}
	return n
}

// buildInsertSQL constructs one multi-row INSERT and its args.
//
// Pure and deterministic so placeholder layout and OR IGNORE behavior can be
// unit tested without a database.
func buildInsertSQL(plan storage.LoadPlan, rows [][]any) (string, []any) {
	var b strings.Builder
	if plan.Strategy == storage.DeduplicateOnKey {
		// OR IGNORE relies on the UNIQUE constraint over the natural key.
		b.WriteString("INSERT OR IGNORE INTO ")
	} else {
		b.WriteString("INSERT INTO ")
	}
	b.WriteString(plan.Table)
	b.WriteString(" (")
	for i, c := range plan.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(ident(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(plan.Columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range plan.Columns {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString("?")
			args = append(args, normalizeArg(row[j]))
		}
		b.WriteString(")")
	}

	return b.String(), args
}

// normalizeArg converts time values to their text storage form.
func normalizeArg(v any) any {
	if t, ok := v.(time.Time); ok {
		if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
			return t.Format("2006-01-02")
		}
		return t.UTC().Format(time.RFC3339Nano)
	}
	return v
}

func buildCreateTableSQL(spec storage.TableSpec) (string, error) {
	if spec.Name == "" || len(spec.Columns) == 0 {
		return "", fmt.Errorf("sqlite: table spec requires name and columns")
	}

	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS ")
	b.WriteString(spec.Name)
	b.WriteString(" (")
	for i, c := range spec.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(ident(c.Name))
		b.WriteString(" ")
		b.WriteString(columnType(c.Type))
		if !c.Nullable {
			b.WriteString(" NOT NULL")
		}
	}
	if len(spec.NaturalKey) > 0 {
		b.WriteString(", UNIQUE (")
		for i, c := range spec.NaturalKey {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(ident(c))
		}
		b.WriteString(")")
	}
	b.WriteString(")")
	return b.String(), nil
}

func columnType(t string) string {
	switch t {
	case "int", "bool":
		return "INTEGER"
	case "float":
		return "REAL"
	default:
		// string, date, datetime: TEXT affinity (see package note).
		return "TEXT"
	}
}

func ident(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
