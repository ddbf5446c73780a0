// Package metrics defines the minimal instrumentation surface used by the
// import pipeline. The core depends only on the Backend interface; concrete
// sinks (Datadog) live in subpackages and are wired at process start.
package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Labels are free-form metric dimensions (step, status, kind).
type Labels map[string]string

// Backend receives metric observations. Implementations must be safe for
// concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
}

// Flusher is implemented by backends that buffer observations.
type Flusher interface {
	Flush() error
}

// nopBackend drops everything. It is the default so library code can emit
// metrics unconditionally.
type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs the process-wide metrics backend.
func SetBackend(b Backend) {
	if b == nil {
		b = nopBackend{}
	}
	mu.Lock()
	backend = b
	mu.Unlock()
}

// Flush flushes the current backend if it buffers.
func Flush() error {
	mu.RLock()
	b := backend
	mu.RUnlock()
	if f, ok := b.(Flusher); ok {
		return f.Flush()
	}
	return nil
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// RecordStep counts one pipeline step completion and its duration.
func RecordStep(step, status string, d time.Duration) {
	l := Labels{"step": step, "status": status}
	current().IncCounter("import_step_total", 1, l)
	current().ObserveHistogram("import_step_duration_seconds", d.Seconds(), l)
}

// RecordRecords counts processed records by kind (loaded, failed, skipped).
func RecordRecords(kind string, n int) {
	if n <= 0 {
		return
	}
	current().IncCounter("import_records_total", float64(n), Labels{"kind": kind})
}

// RecordRun counts one finished run and observes its wall-clock duration,
// tagged with the terminal dataset status and the config id.
func RecordRun(configID int64, status string, d time.Duration) {
	l := Labels{"status": status, "config_id": strconv.FormatInt(configID, 10)}
	current().IncCounter("import_runs_total", 1, l)
	current().ObserveHistogram("import_run_duration_seconds", d.Seconds(), l)
}
