package storage

import (
	"context"
	"fmt"
	"sync"

	"ingest/internal/config"
)

// LoadError marks unrecoverable load failures (constraint violation,
// connectivity loss during commit). It is fatal to the run and the backend
// rolls the dataset transaction back before returning it.
type LoadError struct {
	Table string
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %v", e.Table, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Config selects and connects a warehouse backend.
type Config struct {
	Kind string // "postgres" | "mssql" | "sqlite"
	DSN  string
}

// Repository is the backend-agnostic warehouse contract the engine needs.
//
// IMPORTANT: every method takes the caller's context; there is no ambient
// connection state. Each backend implements the same semantics in its own
// idiomatic way (Postgres ON CONFLICT, SQLite OR IGNORE, SQL Server
// NOT EXISTS).
type Repository interface {
	// Close releases backend resources. Call once at process shutdown.
	Close()

	// Ping validates connectivity.
	Ping(ctx context.Context) error

	// EnsureSystemTables creates the engine's own tables (datasets,
	// import_run_logs, import_configs) when absent. Idempotent; safe to run
	// on every invocation.
	EnsureSystemTables(ctx context.Context) error

	// ConfigByID reads one import config row.
	//
	// Errors:
	//   - config.ErrNotFound when no row exists for id.
	ConfigByID(ctx context.Context, id int64) (config.Raw, error)

	// CacheResolvedSourceDir writes the engine-resolved source directory back
	// to the config row. This is the only config mutation the engine performs.
	CacheResolvedSourceDir(ctx context.Context, id int64, dir string) error

	// CreateDataset inserts a dataset row and returns its id.
	CreateDataset(ctx context.Context, d Dataset) (int64, error)

	// SetDatasetStatus updates status and records_loaded for a dataset.
	SetDatasetStatus(ctx context.Context, id int64, status Status, recordsLoaded int64) error

	// AppendLog writes one append-only run log row.
	AppendLog(ctx context.Context, e LogEntry) error

	// EnsureTargetTable creates the target table when absent (auto-create
	// configs only). Idempotent.
	EnsureTargetTable(ctx context.Context, spec TableSpec) error

	// LoadDataset executes plan in one transaction: strategy writes plus the
	// dataset flip to active with its records_loaded count. On error the
	// transaction is rolled back and a *LoadError is returned; the dataset
	// row itself is untouched so the caller can mark it failed.
	LoadDataset(ctx context.Context, plan LoadPlan) (int64, error)
}

// ---- backend factories ----

type factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
// Call from an init() in a backend package. Registering the same kind twice
// panics; fail fast beats ambiguous backend selection.
func Register(kind string, f factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// New constructs a Repository using the registered backend factory.
//
// Errors:
//   - If cfg.Kind is empty or not registered.
//   - Whatever the registered factory returns.
func New(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing Kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage.kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}
