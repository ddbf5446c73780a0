package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"ingest/internal/config"
	"ingest/internal/metrics"
	"ingest/internal/storage"
)

// testBackend is a minimal metrics backend used in tests.
type testBackend struct{ closed bool }

func (b *testBackend) IncCounter(name string, delta float64, labels metrics.Labels)       {}
func (b *testBackend) ObserveHistogram(name string, value float64, labels metrics.Labels) {}
func (b *testBackend) Flush() error                                                       { return nil }
func (b *testBackend) Close() error                                                       { b.closed = true; return nil }

// testRepo serves one config and accepts every write.
type testRepo struct {
	raw     config.Raw
	logs    int
	closed  bool
	ensured bool
}

func (r *testRepo) Close()                                   { r.closed = true }
func (r *testRepo) Ping(context.Context) error               { return nil }
func (r *testRepo) EnsureSystemTables(context.Context) error { r.ensured = true; return nil }

func (r *testRepo) ConfigByID(_ context.Context, id int64) (config.Raw, error) {
	if id != r.raw.ID {
		return config.Raw{}, fmt.Errorf("%w: config id=%d", config.ErrNotFound, id)
	}
	return r.raw, nil
}

func (r *testRepo) CacheResolvedSourceDir(context.Context, int64, string) error { return nil }

func (r *testRepo) CreateDataset(context.Context, storage.Dataset) (int64, error) { return 1, nil }

func (r *testRepo) SetDatasetStatus(context.Context, int64, storage.Status, int64) error {
	return nil
}

func (r *testRepo) AppendLog(context.Context, storage.LogEntry) error { r.logs++; return nil }

func (r *testRepo) EnsureTargetTable(context.Context, storage.TableSpec) error { return nil }

func (r *testRepo) LoadDataset(_ context.Context, plan storage.LoadPlan) (int64, error) {
	return int64(len(plan.Rows)), nil
}

func emptyDirConfig(t *testing.T) config.Raw {
	t.Helper()
	dir := t.TempDir()
	return config.Raw{
		ID:                7,
		Name:              "nightly",
		IsActive:          true,
		Mode:              "file",
		SourceDir:         dir,
		ArchiveDir:        dir + "/archive",
		FilePattern:       "*.csv",
		FileFormat:        "csv",
		TargetTable:       "nightly",
		FieldMappings:     []byte(`[{"source_field":"id","target_column":"id","type":"int","required":true}]`),
		LoadStrategy:      "append",
		MetadataSource:    "filename",
		MetadataPosition:  1,
		MetadataDelimiter: "_",
		MetadataFormat:    "yyyyMMdd",
		DatasetTypeID:     1,
		DatasourceID:      1,
	}
}

func testDeps(repo *testRepo, env map[string]string) deps {
	return deps{
		Stderr: &strings.Builder{},
		RepoFactory: func(_ context.Context, cfg storage.Config) (storage.Repository, error) {
			return repo, nil
		},
		Getenv: func(k string) string { return env[k] },
		Now:    func() time.Time { return time.Date(2026, 2, 1, 6, 0, 0, 0, time.UTC) },
	}
}

func warehouseEnv() map[string]string {
	return map[string]string{
		"WAREHOUSE_BACKEND": "sqlite",
		"WAREHOUSE_DSN":     "file:test.db",
	}
}

func TestParseFlags(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		args    []string
		wantErr string
		check   func(t *testing.T, cfg runConfig)
	}{
		{
			name:    "missing_config_id",
			args:    []string{},
			wantErr: "-config-id is required",
		},
		{
			name:    "zero_config_id",
			args:    []string{"-config-id", "0"},
			wantErr: "-config-id is required",
		},
		{
			name:    "unknown_flag",
			args:    []string{"-config-id", "1", "-bogus"},
			wantErr: "flag provided but not defined",
		},
		{
			name:    "help_returns_usage",
			args:    []string{"-h"},
			wantErr: "Usage of ingest",
		},
		{
			name: "defaults",
			args: []string{"-config-id", "12"},
			check: func(t *testing.T, cfg runConfig) {
				if cfg.ConfigID != 12 || cfg.DryRun || cfg.MetricsBackend != "none" {
					t.Errorf("cfg = %+v", cfg)
				}
				if cfg.FlushEvery != time.Minute {
					t.Errorf("flush = %v, want 1m", cfg.FlushEvery)
				}
			},
		},
		{
			name: "all_flags",
			args: []string{"-config-id", "3", "-dry-run", "-metrics-backend", "datadog", "-dd-tags", "env:prod", "-metrics-flush", "30s", "-v"},
			check: func(t *testing.T, cfg runConfig) {
				want := runConfig{ConfigID: 3, DryRun: true, MetricsBackend: "datadog",
					DDTagsCSV: "env:prod", FlushEvery: 30 * time.Second, Verbose: true}
				if cfg != want {
					t.Errorf("cfg = %+v, want %+v", cfg, want)
				}
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := parseFlags(tc.args)
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("err = %v, want substring %q", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseFlags: %v", err)
			}
			tc.check(t, cfg)
		})
	}
}

func TestRun_MissingWarehouseEnvIsUsageError(t *testing.T) {
	t.Parallel()

	d := testDeps(&testRepo{}, map[string]string{})
	if code := run(context.Background(), []string{"-config-id", "1"}, d); code != 2 {
		t.Errorf("exit = %d, want 2", code)
	}
}

func TestRun_RepoFactoryErrorIsUsageError(t *testing.T) {
	t.Parallel()

	d := testDeps(nil, warehouseEnv())
	d.RepoFactory = func(context.Context, storage.Config) (storage.Repository, error) {
		return nil, errors.New("dial tcp: refused")
	}
	if code := run(context.Background(), []string{"-config-id", "1"}, d); code != 2 {
		t.Errorf("exit = %d, want 2", code)
	}
}

func TestRun_EmptySourceDirExitsZero(t *testing.T) {
	t.Parallel()

	repo := &testRepo{raw: emptyDirConfig(t)}
	d := testDeps(repo, warehouseEnv())

	code := run(context.Background(), []string{"-config-id", "7"}, d)
	if code != 0 {
		t.Fatalf("exit = %d, want 0 (no new data is success); stderr: %s", code, d.Stderr)
	}
	if !repo.ensured {
		t.Error("system tables should be ensured before the run")
	}
	if !repo.closed {
		t.Error("repository should be closed on the way out")
	}
	if repo.logs == 0 {
		t.Error("run log entries should have been written")
	}
}

func TestRun_UnknownConfigExitsTwo(t *testing.T) {
	t.Parallel()

	repo := &testRepo{raw: emptyDirConfig(t)}
	d := testDeps(repo, warehouseEnv())

	if code := run(context.Background(), []string{"-config-id", "999"}, d); code != 2 {
		t.Errorf("exit = %d, want 2 for unknown config", code)
	}
}

func TestRun_DatadogBackendClosedOnExit(t *testing.T) {
	t.Parallel()

	repo := &testRepo{raw: emptyDirConfig(t)}
	backend := &testBackend{}
	d := testDeps(repo, warehouseEnv())
	d.BackendFactory = func(context.Context, string, []string, time.Duration) (backendCloser, error) {
		return backend, nil
	}

	code := run(context.Background(), []string{"-config-id", "7", "-metrics-backend", "datadog"}, d)
	if code != 0 {
		t.Fatalf("exit = %d, want 0", code)
	}
	if !backend.closed {
		t.Error("metrics backend should be closed after the run")
	}
	metrics.SetBackend(nil)
}

func TestRun_BackendInitFailureDoesNotFailRun(t *testing.T) {
	t.Parallel()

	repo := &testRepo{raw: emptyDirConfig(t)}
	d := testDeps(repo, warehouseEnv())
	d.BackendFactory = func(context.Context, string, []string, time.Duration) (backendCloser, error) {
		return nil, errors.New("DD_API_KEY not set")
	}

	code := run(context.Background(), []string{"-config-id", "7", "-metrics-backend", "datadog"}, d)
	if code != 0 {
		t.Errorf("exit = %d, want 0; metrics are best-effort", code)
	}
}
