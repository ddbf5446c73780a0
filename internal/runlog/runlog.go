// Package runlog writes the append-only run log: one row per pipeline step,
// keyed by a run identifier that exists before any dataset does. Every entry
// is mirrored to the process zerolog logger so operators get the same story
// from the console and the store.
package runlog

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ingest/internal/storage"
)

// Sink is the slice of the repository the logger needs.
type Sink interface {
	AppendLog(ctx context.Context, e storage.LogEntry) error
}

// Logger records run steps. A store failure never fails the run: the entry
// still reaches the process log, with a warning about the degraded sink.
type Logger struct {
	runID  string
	sink   Sink
	log    zerolog.Logger
	dryRun bool
	now    func() time.Time
}

// New creates a run logger with a fresh run identifier.
func New(sink Sink, log zerolog.Logger, dryRun bool) *Logger {
	return NewWithRunID(uuid.NewString(), sink, log, dryRun)
}

// NewWithRunID creates a run logger for a caller-supplied identifier.
func NewWithRunID(runID string, sink Sink, log zerolog.Logger, dryRun bool) *Logger {
	return &Logger{
		runID:  runID,
		sink:   sink,
		log:    log.With().Str("run_id", runID).Bool("dry_run", dryRun).Logger(),
		dryRun: dryRun,
		now:    time.Now,
	}
}

// RunID returns the identifier shared by every entry of this run.
func (l *Logger) RunID() string { return l.runID }

// Step records an informational step entry.
func (l *Logger) Step(ctx context.Context, step, msg string) {
	l.write(ctx, step, "info", msg)
}

// Warn records a non-fatal problem, such as a skipped file or failed record.
func (l *Logger) Warn(ctx context.Context, step, msg string) {
	l.write(ctx, step, "warn", msg)
}

// Error records a run-fatal problem.
func (l *Logger) Error(ctx context.Context, step string, err error) {
	l.write(ctx, step, "error", err.Error())
}

func (l *Logger) write(ctx context.Context, step, severity, msg string) {
	entry := storage.LogEntry{
		RunID:    l.runID,
		Step:     step,
		Severity: severity,
		Message:  msg,
		DryRun:   l.dryRun,
		At:       l.now().UTC(),
	}

	var ev *zerolog.Event
	switch severity {
	case "warn":
		ev = l.log.Warn()
	case "error":
		ev = l.log.Error()
	default:
		ev = l.log.Info()
	}
	ev.Str("step", step).Msg(msg)

	if l.sink == nil {
		return
	}
	if err := l.sink.AppendLog(ctx, entry); err != nil {
		l.log.Warn().Err(err).Str("step", step).Msg("run log store write failed, entry kept in process log only")
	}
}
