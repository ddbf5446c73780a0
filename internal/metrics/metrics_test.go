package metrics

import (
	"sync"
	"testing"
	"time"
)

type captureBackend struct {
	mu       sync.Mutex
	counters map[string]float64
	samples  map[string][]float64
	labels   map[string]Labels
	flushed  int
}

func newCapture() *captureBackend {
	return &captureBackend{
		counters: map[string]float64{},
		samples:  map[string][]float64{},
		labels:   map[string]Labels{},
	}
}

func (c *captureBackend) IncCounter(name string, delta float64, l Labels) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[name] += delta
	c.labels[name] = l
}

func (c *captureBackend) ObserveHistogram(name string, v float64, l Labels) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples[name] = append(c.samples[name], v)
	c.labels[name] = l
}

func (c *captureBackend) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushed++
	return nil
}

func TestHelpers(t *testing.T) {
	cap := newCapture()
	SetBackend(cap)
	defer SetBackend(nil)

	RecordStep("extract", "ok", 250*time.Millisecond)
	RecordRecords("loaded", 3)
	RecordRecords("failed", 0)
	RecordRun(7, "active", 2*time.Second)

	if got := cap.counters["import_step_total"]; got != 1 {
		t.Errorf("import_step_total = %v, want 1", got)
	}
	if got := cap.counters["import_records_total"]; got != 3 {
		t.Errorf("import_records_total = %v, want 3 (zero deltas dropped)", got)
	}
	if got := cap.labels["import_run_duration_seconds"]["config_id"]; got != "7" {
		t.Errorf("config_id label = %q, want 7", got)
	}
	if s := cap.samples["import_run_duration_seconds"]; len(s) != 1 || s[0] != 2 {
		t.Errorf("run duration samples = %v, want [2]", s)
	}

	if err := Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if cap.flushed != 1 {
		t.Errorf("flushed = %d, want 1", cap.flushed)
	}
}

func TestFlush_NopBackendIsSafe(t *testing.T) {
	SetBackend(nil)
	RecordStep("extract", "ok", time.Second)
	if err := Flush(); err != nil {
		t.Fatalf("Flush on nop backend: %v", err)
	}
}
