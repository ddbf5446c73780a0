package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"ingest/internal/config"
	"ingest/internal/storage"
)

// Repo implements storage.Repository for Microsoft SQL Server.
//
// SQL Server has no INSERT ... ON CONFLICT, so deduplicate_on_key uses a
// per-row "INSERT ... WHERE NOT EXISTS" pattern inside the dataset
// transaction. Append and replace_for_date use multi-row inserts.
//
// Note on driver registration:
//   - This package intentionally does NOT blank-import a SQL Server driver.
//     The application registers "sqlserver" elsewhere (internal/storage/all).
type Repo struct {
	db *sql.DB
}

func init() {
	storage.Register("mssql", New)
}

// New constructs a Repo using database/sql and the "sqlserver" driver.
// Connectivity is validated via PingContext.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}

	// Conservative defaults for bursty batch loads.
	raw.SetMaxOpenConns(16)
	raw.SetMaxIdleConns(16)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return &Repo{db: raw}, nil
}

func (r *Repo) Close() {
	if r == nil || r.db == nil {
		return
	}
	_ = r.db.Close()
}

func (r *Repo) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }

func (r *Repo) EnsureSystemTables(ctx context.Context) error {
	for _, q := range systemDDL {
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("mssql: ensure system tables: %w", err)
		}
	}
	return nil
}

var systemDDL = []string{
	`IF OBJECT_ID(N'import_configs', N'U') IS NULL
	CREATE TABLE import_configs (
		id BIGINT PRIMARY KEY,
		name NVARCHAR(255) NOT NULL,
		is_active BIT NOT NULL DEFAULT 1,
		mode NVARCHAR(16) NOT NULL,
		source_dir NVARCHAR(1024),
		resolved_source_dir NVARCHAR(1024),
		archive_dir NVARCHAR(1024),
		file_pattern NVARCHAR(255),
		pattern_kind NVARCHAR(16),
		file_format NVARCHAR(16),
		parser_options NVARCHAR(MAX),
		base_url NVARCHAR(1024),
		endpoint_path NVARCHAR(1024),
		method NVARCHAR(8),
		response_format NVARCHAR(16),
		record_path NVARCHAR(255),
		query_params NVARCHAR(MAX),
		headers NVARCHAR(MAX),
		target_table NVARCHAR(255) NOT NULL,
		field_mappings NVARCHAR(MAX) NOT NULL,
		load_strategy NVARCHAR(32) NOT NULL,
		replace_key_column NVARCHAR(255),
		natural_key_columns NVARCHAR(MAX),
		metadata_source NVARCHAR(16) NOT NULL,
		metadata_position INT NOT NULL DEFAULT 0,
		metadata_delimiter NVARCHAR(8),
		metadata_format NVARCHAR(32),
		metadata_field NVARCHAR(255),
		dataset_type_id BIGINT NOT NULL DEFAULT 0,
		datasource_id BIGINT NOT NULL DEFAULT 0,
		single_file BIT NOT NULL DEFAULT 0,
		max_error_ratio FLOAT NOT NULL DEFAULT 0,
		auto_create_table BIT NOT NULL DEFAULT 0
	)`,
	`IF OBJECT_ID(N'datasets', N'U') IS NULL
	CREATE TABLE datasets (
		id BIGINT IDENTITY(1,1) PRIMARY KEY,
		label NVARCHAR(255) NOT NULL,
		dataset_date DATE NOT NULL,
		datasource_id BIGINT NOT NULL,
		dataset_type_id BIGINT NOT NULL,
		status NVARCHAR(16) NOT NULL,
		is_active BIT NOT NULL DEFAULT 1,
		created_at DATETIMEOFFSET NOT NULL,
		created_by NVARCHAR(255) NOT NULL,
		records_loaded BIGINT NOT NULL DEFAULT 0
	)`,
	`IF OBJECT_ID(N'import_run_logs', N'U') IS NULL
	CREATE TABLE import_run_logs (
		id BIGINT IDENTITY(1,1) PRIMARY KEY,
		run_id NVARCHAR(64) NOT NULL,
		step NVARCHAR(64) NOT NULL,
		severity NVARCHAR(8) NOT NULL,
		message NVARCHAR(MAX) NOT NULL,
		dry_run BIT NOT NULL DEFAULT 0,
		logged_at DATETIMEOFFSET NOT NULL
	)`,
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
	q := "SELECT " + configColumns + " FROM import_configs WHERE id = @p1"

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
		return config.Raw{}, fmt.Errorf("mssql: config id=%d: %w", id, err)
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
		"UPDATE import_configs SET resolved_source_dir = @p1 WHERE id = @p2", dir, id)
	return err
}

func (r *Repo) CreateDataset(ctx context.Context, d storage.Dataset) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO datasets (label, dataset_date, datasource_id, dataset_type_id,
			status, is_active, created_at, created_by, records_loaded)
		 OUTPUT INSERTED.id
		 VALUES (@p1, @p2, @p3, @p4, @p5, @p6, @p7, @p8, @p9)`,
		d.Label, d.DatasetDate, d.DatasourceID, d.DatasetTypeID,
		string(d.Status), d.IsActive, d.CreatedAt, d.CreatedBy, d.RecordsLoaded,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("mssql: create dataset: %w", err)
	}
	return id, nil
}

func (r *Repo) SetDatasetStatus(ctx context.Context, id int64, status storage.Status, recordsLoaded int64) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE datasets SET status = @p1, records_loaded = @p2 WHERE id = @p3",
		string(status), recordsLoaded, id)
	return err
}

func (r *Repo) AppendLog(ctx context.Context, e storage.LogEntry) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO import_run_logs (run_id, step, severity, message, dry_run, logged_at)
		 VALUES (@p1, @p2, @p3, @p4, @p5, @p6)`,
		e.RunID, e.Step, e.Severity, e.Message, e.DryRun, e.At)
	return err
}

func (r *Repo) EnsureTargetTable(ctx context.Context, spec storage.TableSpec) error {
	ddl, err := buildCreateTableSQL(spec)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("mssql: create table %s: %w", spec.Name, err)
	}
	return nil
}

// maxParams stays under the SQL Server limit of 2100 parameters per request.
const maxParams = 2000

func (r *Repo) LoadDataset(ctx context.Context, plan storage.LoadPlan) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &storage.LoadError{Table: plan.Table, Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	if plan.Strategy == storage.ReplaceForDate {
		del := fmt.Sprintf("DELETE FROM %s WHERE %s = @p1",
			plan.Table, ident(plan.ReplaceKeyColumn))
		if _, err := tx.ExecContext(ctx, del, plan.ReplaceKeyValue); err != nil {
			return 0, &storage.LoadError{Table: plan.Table, Err: err}
		}
	}

	var total int64
	if plan.Strategy == storage.DeduplicateOnKey {
		// Row-by-row NOT EXISTS keeps reprocessing idempotent without MERGE
		// locking surprises.
		stmt, err := buildDedupeInsertSQL(plan)
		if err != nil {
			return 0, &storage.LoadError{Table: plan.Table, Err: err}
		}
		for _, row := range plan.Rows {
			res, err := tx.ExecContext(ctx, stmt, dedupeArgs(plan, row)...)
			if err != nil {
				return 0, &storage.LoadError{Table: plan.Table, Err: err}
			}
			n, _ := res.RowsAffected()
			total += n
		}
	} else {
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
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE datasets SET status = @p1, records_loaded = @p2 WHERE id = @p3",
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
			fmt.Fprintf(&b, "@p%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}

	return b.String(), args
}

// buildDedupeInsertSQL constructs a single-row insert guarded by NOT EXISTS
// over the natural key columns. Natural key placeholders reuse the row
// placeholders by column position; a key column the insert does not carry
// has no placeholder to reuse and is rejected.
func buildDedupeInsertSQL(plan storage.LoadPlan) (string, error) {
	keyPos := make(map[string]int, len(plan.Columns))
	for i, c := range plan.Columns {
		keyPos[c] = i + 1
	}
	for _, k := range plan.NaturalKeyColumns {
		if _, ok := keyPos[k]; !ok {
			return "", fmt.Errorf("mssql: natural key column %q not in insert columns", k)
		}
	}

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
	b.WriteString(") SELECT ")
	for i := range plan.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "@p%d", i+1)
	}
	b.WriteString(" WHERE NOT EXISTS (SELECT 1 FROM ")
	b.WriteString(plan.Table)
	b.WriteString(" WHERE ")
	for i, k := range plan.NaturalKeyColumns {
		if i > 0 {
			b.WriteString(" AND ")
		}
		fmt.Fprintf(&b, "%s = @p%d", ident(k), keyPos[k])
	}
	b.WriteString(")")
	return b.String(), nil
}

func dedupeArgs(plan storage.LoadPlan, row []any) []any {
	args := make([]any, len(plan.Columns))
	copy(args, row)
	return args
}

func buildCreateTableSQL(spec storage.TableSpec) (string, error) {
	if spec.Name == "" || len(spec.Columns) == 0 {
		return "", fmt.Errorf("mssql: table spec requires name and columns")
	}

	inKey := make(map[string]bool, len(spec.NaturalKey))
	for _, k := range spec.NaturalKey {
		inKey[k] = true
	}

	var b strings.Builder
	fmt.Fprintf(&b, "IF OBJECT_ID(N'%s', N'U') IS NULL CREATE TABLE %s (", spec.Name, spec.Name)
	for i, c := range spec.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(ident(c.Name))
		b.WriteString(" ")
		if inKey[c.Name] && columnType(c.Type) == "NVARCHAR(MAX)" {
			// MAX types cannot participate in a UNIQUE constraint.
			b.WriteString("NVARCHAR(450)")
		} else {
			b.WriteString(columnType(c.Type))
		}
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
		return "FLOAT"
	case "bool":
		return "BIT"
	case "date":
		return "DATE"
	case "datetime":
		return "DATETIMEOFFSET"
	default:
		return "NVARCHAR(MAX)"
	}
}

func ident(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}
