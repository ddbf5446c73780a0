// Shared row and plan types live here so backend packages can consume them
// without circular imports.
package storage

import "time"

// Status is the dataset lifecycle state.
//
// Ingestion transitions: new -> processing -> {active | empty | failed}.
// inactive is an operator-driven side state (archive/soft-delete) and is never
// set by the engine.
type Status string

const (
	StatusNew        Status = "new"
	StatusProcessing Status = "processing"
	StatusActive     Status = "active"
	StatusEmpty      Status = "empty"
	StatusFailed     Status = "failed"
	StatusInactive   Status = "inactive"
)

// Terminal reports whether the status ends the ingestion state machine.
func (s Status) Terminal() bool {
	switch s {
	case StatusActive, StatusEmpty, StatusFailed:
		return true
	}
	return false
}

// Dataset is one tracked unit of ingested data, distinct from the target-table
// rows it produced. The row persists even when the load fails, for audit.
type Dataset struct {
	ID            int64
	Label         string
	DatasetDate   time.Time
	DatasourceID  int64
	DatasetTypeID int64
	Status        Status
	IsActive      bool
	CreatedAt     time.Time
	CreatedBy     string
	RecordsLoaded int64
}

// LogEntry is one append-only run log row. It is keyed by the run identifier,
// not a dataset id, so runs that fail before a dataset exists remain
// diagnosable. The engine never updates or deletes these rows.
type LogEntry struct {
	RunID    string
	Step     string
	Severity string // info | warn | error
	Message  string
	DryRun   bool
	At       time.Time
}

// Strategy mirrors config.Strategy without importing it, keeping storage a
// leaf package.
type Strategy int

const (
	Append Strategy = iota
	ReplaceForDate
	DeduplicateOnKey
)

func (s Strategy) String() string {
	switch s {
	case Append:
		return "append"
	case ReplaceForDate:
		return "replace_for_date"
	case DeduplicateOnKey:
		return "deduplicate_on_key"
	}
	return "unknown"
}

// LoadPlan describes one dataset commit: the target rows plus the write
// policy. Backends execute the whole plan inside a single transaction that
// also flips the dataset to active, so status and data never diverge.
type LoadPlan struct {
	DatasetID int64
	Table     string
	Columns   []string
	Rows      [][]any

	Strategy Strategy

	// ReplaceForDate: delete rows where ReplaceKeyColumn = ReplaceKeyValue
	// before inserting.
	ReplaceKeyColumn string
	ReplaceKeyValue  any

	// DeduplicateOnKey: natural key columns for conflict-ignore inserts.
	NaturalKeyColumns []string
}

// TableSpec describes a target table for optional auto-creation.
type TableSpec struct {
	Name       string
	Columns    []ColumnSpec
	NaturalKey []string // unique constraint backing deduplicate_on_key
}

type ColumnSpec struct {
	Name     string
	Type     string // string|int|float|bool|date|datetime
	Nullable bool
}
