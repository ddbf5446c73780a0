package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"ingest/internal/engine"
	"ingest/internal/metrics"
	"ingest/internal/metrics/datadog"
	"ingest/internal/runlog"
	"ingest/internal/storage"

	// register all warehouse backends with the storage factory.
	// WAREHOUSE_BACKEND selects which one to use at runtime.
	_ "ingest/internal/storage/all"
)

// backendCloser is the minimal interface this command needs from a metrics backend.
type backendCloser interface {
	metrics.Backend
	Close() error
}

// deps are external seams for testability.
//
// When to use:
//   - Unit tests: inject a fake repository factory and capture stderr.
//   - Alternate runtimes: swap the metrics backend or the HTTP client.
type deps struct {
	Stdout io.Writer
	Stderr io.Writer

	RepoFactory    func(ctx context.Context, cfg storage.Config) (storage.Repository, error)
	BackendFactory func(ctx context.Context, jobName string, tags []string, flushEvery time.Duration) (backendCloser, error)
	HTTPClient     *http.Client
	Getenv         func(string) string
	Now            func() time.Time
}

// runConfig holds the parsed flags for a run.
type runConfig struct {
	ConfigID       int64
	DryRun         bool
	MetricsBackend string
	DDTagsCSV      string
	FlushEvery     time.Duration
	Verbose        bool
}

// main is intentionally small: it wires real dependencies and exits with a code.
func main() {
	// Optional .env for local runs; real deployments set the environment.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: .env not loaded: %v\n", err)
	}

	code := run(context.Background(), os.Args[1:], deps{
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
		RepoFactory: storage.New,
		BackendFactory: func(ctx context.Context, jobName string, tags []string, flushEvery time.Duration) (backendCloser, error) {
			return datadog.NewBackend(ctx, datadog.Options{
				JobName:    jobName,
				Tags:       tags,
				FlushEvery: flushEvery,
			})
		},
		Getenv: os.Getenv,
		Now:    time.Now,
	})
	os.Exit(code)
}

// run executes one import and returns the process exit code.
//
// Exit codes:
//   - 0: run finished active or empty.
//   - 1: run failed (extraction, threshold, or load error).
//   - 2: configuration or initialization error.
func run(ctx context.Context, args []string, d deps) int {
	if d.Stdout == nil {
		d.Stdout = io.Discard
	}
	if d.Stderr == nil {
		d.Stderr = io.Discard
	}
	if d.Getenv == nil {
		d.Getenv = os.Getenv
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.RepoFactory == nil {
		fmt.Fprintln(d.Stderr, "internal error: RepoFactory is nil")
		return 2
	}

	cfg, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(d.Stderr, err.Error())
		return 2
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level := zerolog.InfoLevel
	if cfg.Verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(d.Stderr).Level(level).With().Timestamp().Logger()

	kind := d.Getenv("WAREHOUSE_BACKEND")
	dsn := d.Getenv("WAREHOUSE_DSN")
	if kind == "" || dsn == "" {
		fmt.Fprintln(d.Stderr, "WAREHOUSE_BACKEND and WAREHOUSE_DSN must be set")
		return 2
	}

	repo, err := d.RepoFactory(ctx, storage.Config{Kind: kind, DSN: dsn})
	if err != nil {
		fmt.Fprintf(d.Stderr, "warehouse connect failed: %v\n", err)
		return 2
	}
	defer repo.Close()

	if err := repo.EnsureSystemTables(ctx); err != nil {
		fmt.Fprintf(d.Stderr, "system tables: %v\n", err)
		return 2
	}

	switch cfg.MetricsBackend {
	case "datadog":
		if d.BackendFactory == nil {
			fmt.Fprintln(d.Stderr, "internal error: BackendFactory is nil")
			return 2
		}
		tags := append(datadog.ParseTagsCSV(cfg.DDTagsCSV), "tool:ingest")
		backend, err := d.BackendFactory(ctx, "ingest", tags, cfg.FlushEvery)
		if err != nil {
			// Metrics are best-effort; the import itself matters more.
			log.Warn().Err(err).Msg("datadog backend init failed, metrics disabled")
		} else {
			metrics.SetBackend(backend)
			defer func() {
				_ = metrics.Flush()
				_ = backend.Close()
			}()
		}
	case "", "none":
		// nop backend remains
	default:
		log.Warn().Str("backend", cfg.MetricsBackend).Msg("unknown metrics backend, metrics disabled")
	}

	runner := &engine.Runner{
		Repo: repo,
		HTTP: d.HTTPClient,
		Log:  runlog.New(repo, log, cfg.DryRun),
		Now:  d.Now,
	}

	out, runErr := runner.Run(ctx, engine.RunOptions{ConfigID: cfg.ConfigID, DryRun: cfg.DryRun})
	if runErr != nil {
		fmt.Fprintf(d.Stderr, "run aborted: %v\n", runErr)
	}
	return engine.ExitCode(out, runErr)
}

// parseFlags parses args without touching the global flag set.
func parseFlags(args []string) (runConfig, error) {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)

	// Capture help/usage text instead of writing to stdout.
	var usageBuf strings.Builder
	fs.SetOutput(&usageBuf)
	fs.Usage = func() {
		fmt.Fprintf(&usageBuf, "Usage of %s:\n", fs.Name())
		fs.PrintDefaults()
	}

	var cfg runConfig
	fs.Int64Var(&cfg.ConfigID, "config-id", 0, "Import configuration id to run (required)")
	fs.BoolVar(&cfg.DryRun, "dry-run", false, "Report what would be loaded without writing datasets or moving files")
	fs.StringVar(&cfg.MetricsBackend, "metrics-backend", "none", "Metrics backend to use (datadog, none)")
	fs.StringVar(&cfg.DDTagsCSV, "dd-tags", "", "Extra Datadog tags CSV (e.g. env:prod,service:ingest)")
	fs.DurationVar(&cfg.FlushEvery, "metrics-flush", time.Minute, "Datadog flush interval")
	fs.BoolVar(&cfg.Verbose, "v", false, "Enable debug logs")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return runConfig{}, errors.New(usageBuf.String())
		}
		return runConfig{}, fmt.Errorf("%v\n\n%s", err, usageBuf.String())
	}

	if cfg.ConfigID <= 0 {
		return runConfig{}, errors.New("-config-id is required and must be positive")
	}
	return cfg, nil
}
