// Package engine orchestrates one import run: config load, source location,
// metadata grouping, transformation, the transactional dataset load, and
// archival. It owns the dataset lifecycle state machine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"ingest/internal/archive"
	"ingest/internal/config"
	"ingest/internal/locate"
	"ingest/internal/metadata"
	"ingest/internal/metrics"
	"ingest/internal/runlog"
	"ingest/internal/storage"
	"ingest/internal/transform"
)

// Step names used in run log entries and metrics.
const (
	StepStart     = "start"
	StepConfig    = "config"
	StepExtract   = "extract"
	StepTransform = "transform"
	StepLoad      = "load"
	StepArchive   = "archive"
	StepEnd       = "end"
)

// RunOptions selects what a single invocation does.
type RunOptions struct {
	ConfigID int64
	DryRun   bool
}

// Outcome summarizes a finished run. When several label+date groups were
// processed, Status is the worst group outcome (failed > active > empty).
type Outcome struct {
	Status        storage.Status
	DatasetIDs    []int64
	RecordsLoaded int64
	RecordsFailed int64
}

// Failed reports whether the run must exit non-zero.
func (o Outcome) Failed() bool { return o.Status == storage.StatusFailed }

// Runner executes import runs against one repository. Collaborators are
// injected so tests can run the full pipeline against fakes.
type Runner struct {
	Repo storage.Repository
	HTTP *http.Client
	Log  *runlog.Logger

	// CreatedBy is stamped on dataset rows and audit columns.
	// Defaults to "ingest".
	CreatedBy string

	// Now is a clock seam. Defaults to time.Now.
	Now func() time.Time
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r *Runner) createdBy() string {
	if r.CreatedBy != "" {
		return r.CreatedBy
	}
	return "ingest"
}

func (r *Runner) httpClient() *http.Client {
	if r.HTTP != nil {
		return r.HTTP
	}
	return http.DefaultClient
}

// group is one logical dataset accumulated from matched sources.
type group struct {
	id      metadata.Identity
	records []transform.Record
	files   []string // file mode: sources that fed this group
}

// Run executes one import for one config.
//
// Errors:
//   - config.ErrNotFound / config.ErrInactive / config.ErrInvalid before any
//     source is touched; the caller maps these to a usage exit code.
//   - All later failures are reported through the Outcome instead: they mark
//     the dataset (or run) failed but are not returned, because by then the
//     run happened and left an audit trail.
func (r *Runner) Run(ctx context.Context, opts RunOptions) (Outcome, error) {
	start := r.now()
	r.Log.Step(ctx, StepStart, fmt.Sprintf("run started for config %d", opts.ConfigID))

	cfg, err := r.loadConfig(ctx, opts)
	if err != nil {
		r.Log.Error(ctx, StepConfig, err)
		return Outcome{}, err
	}
	r.Log.Step(ctx, StepConfig, fmt.Sprintf("config %q loaded: mode=%s strategy=%s target=%s",
		cfg.Name, cfg.Mode, cfg.Strategy, cfg.TargetTable))

	var out Outcome
	switch cfg.Mode {
	case config.ModeFile:
		out = r.runFile(ctx, cfg, opts)
	case config.ModeAPI:
		out = r.runAPI(ctx, cfg, opts)
	}

	elapsed := r.now().Sub(start)
	r.Log.Step(ctx, StepEnd, fmt.Sprintf("run finished: status=%s loaded=%d failed_records=%d elapsed=%s",
		out.Status, out.RecordsLoaded, out.RecordsFailed, elapsed.Round(time.Millisecond)))
	metrics.RecordRun(cfg.ID, string(out.Status), elapsed)
	return out, nil
}

// loadConfig reads, validates, and normalizes the config, including the
// one-time resolved source directory write-back.
func (r *Runner) loadConfig(ctx context.Context, opts RunOptions) (config.ImportConfig, error) {
	raw, err := r.Repo.ConfigByID(ctx, opts.ConfigID)
	if err != nil {
		return config.ImportConfig{}, err
	}
	cfg, err := config.Build(raw)
	if err != nil {
		return config.ImportConfig{}, err
	}

	if cfg.Mode == config.ModeFile && raw.ResolvedSourceDir == "" {
		expanded := os.ExpandEnv(cfg.File.SourceDir)
		if !filepath.IsAbs(expanded) {
			return config.ImportConfig{}, fmt.Errorf("%w: source_dir %q does not resolve to an absolute path",
				config.ErrInvalid, cfg.File.SourceDir)
		}
		if expanded != cfg.File.SourceDir {
			cfg.File.SourceDir = expanded
			if !opts.DryRun {
				if err := r.Repo.CacheResolvedSourceDir(ctx, cfg.ID, expanded); err != nil {
					r.Log.Warn(ctx, StepConfig, fmt.Sprintf("could not cache resolved source dir: %v", err))
				}
			}
		}
	}
	return cfg, nil
}

func (r *Runner) runFile(ctx context.Context, cfg config.ImportConfig, opts RunOptions) Outcome {
	stepStart := r.now()
	matches, err := locate.FindFiles(cfg)
	if err != nil {
		r.Log.Error(ctx, StepExtract, err)
		metrics.RecordStep(StepExtract, "error", r.now().Sub(stepStart))
		return Outcome{Status: storage.StatusFailed}
	}

	if len(matches) == 0 {
		r.Log.Step(ctx, StepExtract, "no files matched pattern, nothing to import")
		metrics.RecordStep(StepExtract, "empty", r.now().Sub(stepStart))
		return r.finishEmpty(ctx, cfg, opts, metadata.Identity{Label: cfg.Name, Date: r.today()})
	}

	if cfg.SingleFile && len(matches) > 1 {
		for _, m := range matches[1:] {
			r.Log.Step(ctx, StepExtract, fmt.Sprintf("single-file config: skipping %s", m.Name))
		}
		matches = matches[:1]
	}

	groups := map[string]*group{}
	skipped := 0
	for _, m := range matches {
		id, err := metadata.FromFilename(m.Name, cfg)
		if err != nil {
			r.Log.Warn(ctx, StepExtract, fmt.Sprintf("skipping %s: %v", m.Name, err))
			skipped++
			continue
		}

		recs, err := locate.ReadFile(ctx, m, cfg, func(line int, rowErr error) {
			r.Log.Warn(ctx, StepExtract, fmt.Sprintf("%s line %d: %v", m.Name, line, rowErr))
		})
		if err != nil {
			r.Log.Error(ctx, StepExtract, err)
			metrics.RecordStep(StepExtract, "error", r.now().Sub(stepStart))
			return Outcome{Status: storage.StatusFailed}
		}

		g := groups[id.Key()]
		if g == nil {
			g = &group{id: id}
			groups[id.Key()] = g
		}
		g.records = append(g.records, recs...)
		g.files = append(g.files, m.Path)
		r.Log.Step(ctx, StepExtract, fmt.Sprintf("%s: %d records (dataset %s %s)",
			m.Name, len(recs), id.Label, id.Date.Format("2006-01-02")))
	}
	metrics.RecordStep(StepExtract, "ok", r.now().Sub(stepStart))

	if len(groups) == 0 {
		// Files matched but none yielded usable metadata. That is an error,
		// not the no-new-data case; the files stay put for inspection.
		err := fmt.Errorf("all %d matched files were skipped for unusable metadata", skipped)
		r.Log.Error(ctx, StepExtract, err)
		return Outcome{Status: storage.StatusFailed}
	}

	// Deterministic processing order regardless of map iteration.
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out Outcome
	for _, k := range keys {
		res := r.processGroup(ctx, cfg, opts, groups[k])
		out = merge(out, res)
	}
	return out
}

func (r *Runner) runAPI(ctx context.Context, cfg config.ImportConfig, opts RunOptions) Outcome {
	stepStart := r.now()
	res, err := locate.FetchRecords(ctx, r.httpClient(), cfg)
	if err != nil {
		r.Log.Error(ctx, StepExtract, err)
		metrics.RecordStep(StepExtract, "error", r.now().Sub(stepStart))
		return Outcome{Status: storage.StatusFailed}
	}
	r.Log.Step(ctx, StepExtract, fmt.Sprintf("api returned %d records", len(res.Records)))
	metrics.RecordStep(StepExtract, "ok", r.now().Sub(stepStart))

	if len(res.Records) == 0 {
		return r.finishEmpty(ctx, cfg, opts, metadata.Identity{Label: cfg.Name, Date: r.today()})
	}

	id, err := metadata.FromAPI(res.Records, res.Meta, cfg)
	if err != nil {
		r.Log.Error(ctx, StepExtract, err)
		return Outcome{Status: storage.StatusFailed}
	}

	return r.processGroup(ctx, cfg, opts, &group{id: id, records: res.Records})
}

// finishEmpty records the no-new-data outcome: a dataset row in empty status
// (skipped entirely under dry-run) and a success exit.
func (r *Runner) finishEmpty(ctx context.Context, cfg config.ImportConfig, opts RunOptions, id metadata.Identity) Outcome {
	out := Outcome{Status: storage.StatusEmpty}
	if opts.DryRun {
		r.Log.Step(ctx, StepLoad, "dry-run: would record empty dataset")
		return out
	}

	dsID, err := r.Repo.CreateDataset(ctx, storage.Dataset{
		Label:         id.Label,
		DatasetDate:   id.Date,
		DatasourceID:  cfg.DatasourceID,
		DatasetTypeID: cfg.DatasetTypeID,
		Status:        storage.StatusEmpty,
		IsActive:      false,
		CreatedAt:     r.now(),
		CreatedBy:     r.createdBy(),
	})
	if err != nil {
		r.Log.Error(ctx, StepLoad, fmt.Errorf("record empty dataset: %w", err))
		return Outcome{Status: storage.StatusFailed}
	}
	out.DatasetIDs = []int64{dsID}
	r.Log.Step(ctx, StepLoad, fmt.Sprintf("dataset %d recorded as empty", dsID))
	return out
}

// processGroup runs transform + load + archive for one label+date group.
func (r *Runner) processGroup(ctx context.Context, cfg config.ImportConfig, opts RunOptions, g *group) Outcome {
	label := fmt.Sprintf("%s %s", g.id.Label, g.id.Date.Format("2006-01-02"))

	// Dataset row first, so even a failed load leaves an audit trail.
	var dsID int64
	if !opts.DryRun {
		var err error
		dsID, err = r.Repo.CreateDataset(ctx, storage.Dataset{
			Label:         g.id.Label,
			DatasetDate:   g.id.Date,
			DatasourceID:  cfg.DatasourceID,
			DatasetTypeID: cfg.DatasetTypeID,
			Status:        storage.StatusNew,
			IsActive:      false,
			CreatedAt:     r.now(),
			CreatedBy:     r.createdBy(),
		})
		if err != nil {
			r.Log.Error(ctx, StepLoad, fmt.Errorf("create dataset for %s: %w", label, err))
			return Outcome{Status: storage.StatusFailed}
		}
		if err := r.Repo.SetDatasetStatus(ctx, dsID, storage.StatusProcessing, 0); err != nil {
			r.Log.Error(ctx, StepLoad, fmt.Errorf("dataset %d to processing: %w", dsID, err))
			return Outcome{Status: storage.StatusFailed, DatasetIDs: []int64{dsID}}
		}
	}

	batch := r.transformGroup(ctx, cfg, g, dsID)
	out := Outcome{RecordsFailed: int64(batch.Failed)}
	if dsID != 0 {
		out.DatasetIDs = []int64{dsID}
	}

	if batch.ExceedsThreshold(cfg.MaxErrorRatio) {
		err := fmt.Errorf("%s: %d of %d records failed transformation (max ratio %.2f)",
			label, batch.Failed, batch.Total(), cfg.MaxErrorRatio)
		r.Log.Error(ctx, StepTransform, err)
		r.markFailed(ctx, opts, dsID)
		out.Status = storage.StatusFailed
		return out
	}

	if batch.Produced == 0 {
		// Sources existed but held zero records (e.g. header-only file).
		r.Log.Step(ctx, StepTransform, label+": no records to load")
		if !opts.DryRun {
			if err := r.Repo.SetDatasetStatus(ctx, dsID, storage.StatusEmpty, 0); err != nil {
				r.Log.Error(ctx, StepLoad, fmt.Errorf("dataset %d to empty: %w", dsID, err))
				out.Status = storage.StatusFailed
				return out
			}
		}
		out.Status = storage.StatusEmpty
		return out
	}

	if opts.DryRun {
		r.Log.Step(ctx, StepLoad, fmt.Sprintf("dry-run: would load %d records into %s for %s (%d failed transformation)",
			batch.Produced, cfg.TargetTable, label, batch.Failed))
		out.Status = storage.StatusActive
		out.RecordsLoaded = int64(batch.Produced)
		return out
	}

	loaded, err := r.load(ctx, cfg, g, dsID, batch)
	if err != nil {
		r.Log.Error(ctx, StepLoad, err)
		r.markFailed(ctx, opts, dsID)
		out.Status = storage.StatusFailed
		return out
	}

	r.Log.Step(ctx, StepLoad, fmt.Sprintf("dataset %d active: %d records loaded into %s", dsID, loaded, cfg.TargetTable))
	metrics.RecordRecords("loaded", int(loaded))
	metrics.RecordRecords("failed", batch.Failed)
	out.Status = storage.StatusActive
	out.RecordsLoaded = loaded

	if cfg.Mode == config.ModeFile {
		r.archiveGroup(ctx, cfg, g)
	}
	return out
}

func (r *Runner) transformGroup(ctx context.Context, cfg config.ImportConfig, g *group, dsID int64) *transform.Batch {
	stepStart := r.now()
	mapper := transform.NewMapper(cfg.Mappings, transform.Audit{
		DatasetID: dsID,
		CreatedAt: r.now(),
		CreatedBy: r.createdBy(),
	})

	batch := &transform.Batch{}
	for _, rec := range g.records {
		batch.Add(mapper.Apply(rec))
	}
	for _, recErr := range batch.Errors {
		r.Log.Warn(ctx, StepTransform, recErr.Error())
	}
	if batch.Failed > len(batch.Errors) {
		r.Log.Warn(ctx, StepTransform, fmt.Sprintf("%d further record failures not listed", batch.Failed-len(batch.Errors)))
	}

	status := "ok"
	if batch.Failed > 0 {
		status = "partial"
	}
	metrics.RecordStep(StepTransform, status, r.now().Sub(stepStart))
	metrics.RecordRecords("transform_failed", batch.Failed)
	return batch
}

func (r *Runner) load(ctx context.Context, cfg config.ImportConfig, g *group, dsID int64, batch *transform.Batch) (int64, error) {
	stepStart := r.now()

	if cfg.AutoCreateTable {
		if err := r.Repo.EnsureTargetTable(ctx, tableSpec(cfg)); err != nil {
			metrics.RecordStep(StepLoad, "error", r.now().Sub(stepStart))
			return 0, fmt.Errorf("ensure table %s: %w", cfg.TargetTable, err)
		}
	}

	mapper := transform.NewMapper(cfg.Mappings, transform.Audit{})
	plan := storage.LoadPlan{
		DatasetID: dsID,
		Table:     cfg.TargetTable,
		Columns:   mapper.Columns(),
		Rows:      batch.Rows,
		Strategy:  planStrategy(cfg.Strategy),
	}
	switch cfg.Strategy {
	case config.StrategyReplaceForDate:
		plan.ReplaceKeyColumn = cfg.ReplaceKeyColumn
		plan.ReplaceKeyValue = g.id.Date
	case config.StrategyDeduplicateOnKey:
		plan.NaturalKeyColumns = cfg.NaturalKeyColumns
	}

	loaded, err := r.Repo.LoadDataset(ctx, plan)
	if err != nil {
		metrics.RecordStep(StepLoad, "error", r.now().Sub(stepStart))
		return 0, err
	}
	metrics.RecordStep(StepLoad, "ok", r.now().Sub(stepStart))
	return loaded, nil
}

func (r *Runner) archiveGroup(ctx context.Context, cfg config.ImportConfig, g *group) {
	moved, err := archive.Move(g.files, cfg.File.ArchiveDir)
	if err != nil {
		// The load is committed; losing the move must not fail the run, but
		// it needs loud logging since the next run would re-read the files.
		r.Log.Warn(ctx, StepArchive, fmt.Sprintf("archive failed after commit: %v", err))
		return
	}
	for _, dst := range moved {
		r.Log.Step(ctx, StepArchive, "archived "+dst)
	}
}

func (r *Runner) markFailed(ctx context.Context, opts RunOptions, dsID int64) {
	if opts.DryRun || dsID == 0 {
		return
	}
	if err := r.Repo.SetDatasetStatus(ctx, dsID, storage.StatusFailed, 0); err != nil {
		r.Log.Error(ctx, StepLoad, fmt.Errorf("dataset %d to failed: %w", dsID, err))
	}
}

func (r *Runner) today() time.Time {
	t := r.now()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// merge folds one group outcome into the run outcome, keeping the worst
// status: failed > active > empty.
func merge(acc, next Outcome) Outcome {
	acc.DatasetIDs = append(acc.DatasetIDs, next.DatasetIDs...)
	acc.RecordsLoaded += next.RecordsLoaded
	acc.RecordsFailed += next.RecordsFailed

	rank := func(s storage.Status) int {
		switch s {
		case storage.StatusFailed:
			return 2
		case storage.StatusActive:
			return 1
		default:
			return 0
		}
	}
	if acc.Status == "" || rank(next.Status) > rank(acc.Status) {
		acc.Status = next.Status
	}
	return acc
}

func planStrategy(s config.Strategy) storage.Strategy {
	switch s {
	case config.StrategyReplaceForDate:
		return storage.ReplaceForDate
	case config.StrategyDeduplicateOnKey:
		return storage.DeduplicateOnKey
	}
	return storage.Append
}

func tableSpec(cfg config.ImportConfig) storage.TableSpec {
	cols := make([]storage.ColumnSpec, 0, len(cfg.Mappings)+3)
	for _, m := range cfg.Mappings {
		cols = append(cols, storage.ColumnSpec{
			Name:     m.TargetColumn,
			Type:     m.Type,
			Nullable: !m.Required,
		})
	}
	cols = append(cols,
		storage.ColumnSpec{Name: transform.ColDatasetID, Type: "int"},
		storage.ColumnSpec{Name: transform.ColCreatedAt, Type: "datetime"},
		storage.ColumnSpec{Name: transform.ColCreatedBy, Type: "string"},
	)
	return storage.TableSpec{
		Name:       cfg.TargetTable,
		Columns:    cols,
		NaturalKey: cfg.NaturalKeyColumns,
	}
}

// ExitCode maps a finished run (or a pre-run error) to the process exit code.
func ExitCode(out Outcome, err error) int {
	switch {
	case errors.Is(err, config.ErrNotFound),
		errors.Is(err, config.ErrInactive),
		errors.Is(err, config.ErrInvalid):
		return 2
	case err != nil:
		return 1
	case out.Failed():
		return 1
	}
	return 0
}
