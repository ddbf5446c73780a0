package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ingest/internal/config"
	"ingest/internal/storage"
)

// Repo implements storage.Repository for Postgres.
//
// Idempotency for deduplicate_on_key translates to
// INSERT ... ON CONFLICT (<natural key>) DO NOTHING, so reprocessing the same
// input never raises unique violations and never duplicates rows.
type Repo struct {
	pool *pgxpool.Pool
}

func init() {
	storage.Register("postgres", New)
}

func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	return &Repo{pool: pool}, nil
}

func (r *Repo) Close() { r.pool.Close() }

func (r *Repo) Ping(ctx context.Context) error { return r.pool.Ping(ctx) }

func (r *Repo) EnsureSystemTables(ctx context.Context) error {
	for _, q := range systemDDL {
		if _, err := r.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("postgres: ensure system tables: %w", err)
		}
	}
	return nil
}

var systemDDL = []string{
	`CREATE TABLE IF NOT EXISTS import_configs (
		id BIGINT PRIMARY KEY,
		name TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		mode TEXT NOT NULL,
		source_dir TEXT,
		resolved_source_dir TEXT,
		archive_dir TEXT,
		file_pattern TEXT,
		pattern_kind TEXT,
		file_format TEXT,
		parser_options JSONB,
		base_url TEXT,
		endpoint_path TEXT,
		method TEXT,
		response_format TEXT,
		record_path TEXT,
		query_params JSONB,
		headers JSONB,
		target_table TEXT NOT NULL,
		field_mappings JSONB NOT NULL,
		load_strategy TEXT NOT NULL,
		replace_key_column TEXT,
		natural_key_columns JSONB,
		metadata_source TEXT NOT NULL,
		metadata_position INT NOT NULL DEFAULT 0,
		metadata_delimiter TEXT,
		metadata_format TEXT,
		metadata_field TEXT,
		dataset_type_id BIGINT NOT NULL DEFAULT 0,
		datasource_id BIGINT NOT NULL DEFAULT 0,
		single_file BOOLEAN NOT NULL DEFAULT FALSE,
		max_error_ratio DOUBLE PRECISION NOT NULL DEFAULT 0,
		auto_create_table BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS datasets (
		id BIGSERIAL PRIMARY KEY,
		label TEXT NOT NULL,
		dataset_date DATE NOT NULL,
		datasource_id BIGINT NOT NULL,
		dataset_type_id BIGINT NOT NULL,
		status TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL,
		created_by TEXT NOT NULL,
		records_loaded BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS import_run_logs (
		id BIGSERIAL PRIMARY KEY,
		run_id TEXT NOT NULL,
		step TEXT NOT NULL,
		severity TEXT NOT NULL,
		message TEXT NOT NULL,
		dry_run BOOLEAN NOT NULL DEFAULT FALSE,
		logged_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ix_import_run_logs_run_id ON import_run_logs(run_id)`,
}

const configColumns = `id, name, is_active, mode,
	COALESCE(source_dir,''), COALESCE(resolved_source_dir,''), COALESCE(archive_dir,''),
	COALESCE(file_pattern,''), COALESCE(pattern_kind,''), COALESCE(file_format,''),
	COALESCE(parser_options::text,''),
	COALESCE(base_url,''), COALESCE(endpoint_path,''), COALESCE(method,''),
	COALESCE(response_format,''), COALESCE(record_path,''),
	COALESCE(query_params::text,''), COALESCE(headers::text,''),
	target_table, field_mappings::text, load_strategy,
	COALESCE(replace_key_column,''), COALESCE(natural_key_columns::text,''),
	metadata_source, metadata_position, COALESCE(metadata_delimiter,''),
	COALESCE(metadata_format,''), COALESCE(metadata_field,''),
	dataset_type_id, datasource_id, single_file, max_error_ratio, auto_create_table`

func (r *Repo) ConfigByID(ctx context.Context, id int64) (config.Raw, error) {
	q := "SELECT " + configColumns + " FROM import_configs WHERE id = $1"

	var (
		raw                              config.Raw
		parserOpts, queryParams, headers string
		fieldMappings, naturalKeys       string
	)
	err := r.pool.QueryRow(ctx, q, id).Scan(
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
	if errors.Is(err, pgx.ErrNoRows) {
		return config.Raw{}, fmt.Errorf("%w: id=%d", config.ErrNotFound, id)
	}
	if err != nil {
		return config.Raw{}, fmt.Errorf("postgres: config id=%d: %w", id, err)
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
	_, err := r.pool.Exec(ctx,
		"UPDATE import_configs SET resolved_source_dir = $1 WHERE id = $2", dir, id)
	return err
}

func (r *Repo) CreateDataset(ctx context.Context, d storage.Dataset) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO datasets (label, dataset_date, datasource_id, dataset_type_id,
			status, is_active, created_at, created_by, records_loaded)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id`,
		d.Label, d.DatasetDate, d.DatasourceID, d.DatasetTypeID,
		string(d.Status), d.IsActive, d.CreatedAt, d.CreatedBy, d.RecordsLoaded,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres: create dataset: %w", err)
	}
	return id, nil
}

func (r *Repo) SetDatasetStatus(ctx context.Context, id int64, status storage.Status, recordsLoaded int64) error {
	_, err := r.pool.Exec(ctx,
		"UPDATE datasets SET status = $1, records_loaded = $2 WHERE id = $3",
		string(status), recordsLoaded, id)
	return err
}

func (r *Repo) AppendLog(ctx context.Context, e storage.LogEntry) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO import_run_logs (run_id, step, severity, message, dry_run, logged_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.RunID, e.Step, e.Severity, e.Message, e.DryRun, e.At)
	return err
}

func (r *Repo) EnsureTargetTable(ctx context.Context, spec storage.TableSpec) error {
	ddl, err := buildCreateTableSQL(spec)
	if err != nil {
		return err
	}
	if _, err := r.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("postgres: create table %s: %w", spec.Name, err)
	}
	return nil
}

// maxParams stays under the Postgres extended-protocol limit of 65535.
const maxParams = 60000

func (r *Repo) LoadDataset(ctx context.Context, plan storage.LoadPlan) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, &storage.LoadError{Table: plan.Table, Err: err}
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if plan.Strategy == storage.ReplaceForDate {
		del := fmt.Sprintf("DELETE FROM %s WHERE %s = $1",
			plan.Table, ident(plan.ReplaceKeyColumn))
		if _, err := tx.Exec(ctx, del, plan.ReplaceKeyValue); err != nil {
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
		cmd, err := tx.Exec(ctx, sqlText, args...)
		if err != nil {
			return 0, &storage.LoadError{Table: plan.Table, Err: err}
		}
		total += cmd.RowsAffected()
	}

	if _, err := tx.Exec(ctx,
		"UPDATE datasets SET status = $1, records_loaded = $2 WHERE id = $3",
		string(storage.StatusActive), total, plan.DatasetID); err != nil {
		return 0, &storage.LoadError{Table: plan.Table, Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
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
// Pure and deterministic so placeholder numbering and ON CONFLICT behavior can
// be unit tested without a database.
func buildInsertSQL(plan storage.LoadPlan, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
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
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range plan.Columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}

	if plan.Strategy == storage.DeduplicateOnKey {
		b.WriteString(" ON CONFLICT (")
		for i, c := range plan.NaturalKeyColumns {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(ident(c))
		}
		b.WriteString(") DO NOTHING")
	}

	return b.String(), args
}

func buildCreateTableSQL(spec storage.TableSpec) (string, error) {
	if spec.Name == "" || len(spec.Columns) == 0 {
		return "", fmt.Errorf("postgres: table spec requires name and columns")
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
	case "int":
		return "BIGINT"
	case "float":
		return "DOUBLE PRECISION"
	case "bool":
		return "BOOLEAN"
	case "date":
		return "DATE"
	case "datetime":
		return "TIMESTAMPTZ"
	default:
		return "TEXT"
	}
}

func ident(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
