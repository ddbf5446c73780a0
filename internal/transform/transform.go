package transform

import (
	"fmt"
	"time"

	"ingest/internal/config"
)

// Audit carries the audit columns stamped onto every target row.
type Audit struct {
	DatasetID int64
	CreatedAt time.Time
	CreatedBy string
}

// Audit column names appended after the mapped columns.
const (
	ColDatasetID = "dataset_id"
	ColCreatedAt = "created_at"
	ColCreatedBy = "created_by"
)

// TargetRecord is the transformed, column-shaped representation of one source
// record. Ephemeral; it exists only between Transformer and Load Strategy.
type TargetRecord struct {
	Values []any // aligned to Mapper.Columns()
}

// RecordError is a per-record transformation failure. It is non-fatal to the
// batch unless the accumulated ratio crosses the configured threshold.
type RecordError struct {
	Line  int
	Field string
	Err   error
}

func (e *RecordError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("record %d: field %s: %v", e.Line, e.Field, e.Err)
	}
	return fmt.Sprintf("record %d: %v", e.Line, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

// Result is the explicit per-record outcome: exactly one of Target or Err is
// meaningful.
type Result struct {
	Target TargetRecord
	Err    *RecordError
}

// Mapper applies a config's field-mapping rules. Construct once per run;
// coercion formats are already resolved by config.Build.
type Mapper struct {
	mappings []config.FieldMapping
	columns  []string
	audit    Audit
}

func NewMapper(mappings []config.FieldMapping, audit Audit) *Mapper {
	cols := make([]string, 0, len(mappings)+3)
	for _, m := range mappings {
		cols = append(cols, m.TargetColumn)
	}
	cols = append(cols, ColDatasetID, ColCreatedAt, ColCreatedBy)

	return &Mapper{mappings: mappings, columns: cols, audit: audit}
}

// Columns returns the target columns in order: mapped columns first, then the
// audit columns.
func (m *Mapper) Columns() []string {
	return append([]string(nil), m.columns...)
}

// SetAudit rebinds the audit values (the dataset id is not known until the
// dataset row exists).
func (m *Mapper) SetAudit(a Audit) { m.audit = a }

// Apply transforms one raw record.
//
// Rules:
//   - Unmapped source fields are dropped silently.
//   - A mapped field whose source key is absent becomes NULL unless the rule
//     declares a default.
//   - A coercion failure on a required field fails this record only.
//   - A coercion failure on an optional field degrades to NULL.
func (m *Mapper) Apply(rec Record) Result {
	values := make([]any, 0, len(m.columns))

	for _, rule := range m.mappings {
		raw, ok := rec.Get(rule.SourceField)
		if !ok || raw == nil {
			if rule.Default != nil {
				v, err := Coerce(rule.Default, rule.Type, rule.Format)
				if err != nil {
					return Result{Err: &RecordError{Line: rec.Line, Field: rule.SourceField,
						Err: fmt.Errorf("default: %w", err)}}
				}
				values = append(values, v)
				continue
			}
			if rule.Required {
				return Result{Err: &RecordError{Line: rec.Line, Field: rule.SourceField,
					Err: fmt.Errorf("required field missing")}}
			}
			values = append(values, nil)
			continue
		}

		v, err := Coerce(raw, rule.Type, rule.Format)
		if err != nil {
			if rule.Required {
				return Result{Err: &RecordError{Line: rec.Line, Field: rule.SourceField, Err: err}}
			}
			values = append(values, nil)
			continue
		}
		values = append(values, v)
	}

	values = append(values, m.audit.DatasetID, m.audit.CreatedAt, m.audit.CreatedBy)
	return Result{Target: TargetRecord{Values: values}}
}

// Batch accumulates per-record results into a deterministic summary.
type Batch struct {
	Produced int
	Failed   int
	Rows     [][]any

	// Errors holds the first few record errors for logging; the full count is
	// Failed.
	Errors []*RecordError
}

const maxSampledErrors = 10

func (b *Batch) Add(res Result) {
	if res.Err != nil {
		b.Failed++
		if len(b.Errors) < maxSampledErrors {
			b.Errors = append(b.Errors, res.Err)
		}
		return
	}
	b.Produced++
	b.Rows = append(b.Rows, res.Target.Values)
}

func (b *Batch) Total() int { return b.Produced + b.Failed }

// FailureRatio is failed/total; 0 when the batch is empty.
func (b *Batch) FailureRatio() float64 {
	t := b.Total()
	if t == 0 {
		return 0
	}
	return float64(b.Failed) / float64(t)
}

// ExceedsThreshold reports whether the batch must be treated as failed: any
// failures at or above maxRatio, or zero usable records out of a non-empty
// input.
func (b *Batch) ExceedsThreshold(maxRatio float64) bool {
	if b.Total() == 0 {
		return false
	}
	if b.Produced == 0 {
		return true
	}
	return b.Failed > 0 && b.FailureRatio() >= maxRatio
}
