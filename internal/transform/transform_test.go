package transform

import (
	"encoding/json"
	"testing"
	"time"

	"ingest/internal/config"
)

func testAudit() Audit {
	return Audit{
		DatasetID: 42,
		CreatedAt: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
		CreatedBy: "importer",
	}
}

func rec(line int, pairs ...any) Record {
	r := Record{Line: line}
	for i := 0; i < len(pairs); i += 2 {
		r.Fields = append(r.Fields, Field{Name: pairs[i].(string), Value: pairs[i+1]})
	}
	return r
}

func TestMapper_Apply_MapsAndStampsAudit(t *testing.T) {
	t.Parallel()

	m := NewMapper([]config.FieldMapping{
		{SourceField: "order_id", TargetColumn: "order_id", Type: "int", Required: true},
		{SourceField: "amount", TargetColumn: "amount", Type: "float"},
	}, testAudit())

	wantCols := []string{"order_id", "amount", "dataset_id", "created_at", "created_by"}
	cols := m.Columns()
	if len(cols) != len(wantCols) {
		t.Fatalf("columns = %v", cols)
	}
	for i := range cols {
		if cols[i] != wantCols[i] {
			t.Fatalf("columns = %v, want %v", cols, wantCols)
		}
	}

	res := m.Apply(rec(1, "order_id", "17", "amount", "9.50", "ignored", "x"))
	if res.Err != nil {
		t.Fatalf("Apply: %v", res.Err)
	}
	v := res.Target.Values
	if v[0] != int64(17) {
		t.Fatalf("order_id = %v (%T)", v[0], v[0])
	}
	if v[1] != 9.5 {
		t.Fatalf("amount = %v", v[1])
	}
	if v[2] != int64(42) || v[4] != "importer" {
		t.Fatalf("audit = %v", v[2:])
	}
}

func TestMapper_Apply_AbsentFieldBecomesNullOrDefault(t *testing.T) {
	t.Parallel()

	m := NewMapper([]config.FieldMapping{
		{SourceField: "a", TargetColumn: "a"},
		{SourceField: "b", TargetColumn: "b", Default: "fallback"},
	}, testAudit())

	res := m.Apply(rec(1))
	if res.Err != nil {
		t.Fatalf("Apply: %v", res.Err)
	}
	if res.Target.Values[0] != nil {
		t.Fatalf("absent unmapped default should be nil, got %v", res.Target.Values[0])
	}
	if res.Target.Values[1] != "fallback" {
		t.Fatalf("default = %v", res.Target.Values[1])
	}
}

func TestMapper_Apply_RequiredFailures(t *testing.T) {
	t.Parallel()

	m := NewMapper([]config.FieldMapping{
		{SourceField: "amount", TargetColumn: "amount", Type: "float", Required: true},
	}, testAudit())

	// Missing required field.
	res := m.Apply(rec(3))
	if res.Err == nil {
		t.Fatalf("expected error for missing required field")
	}
	if res.Err.Line != 3 || res.Err.Field != "amount" {
		t.Fatalf("err = %+v", res.Err)
	}

	// Non-numeric value in a numeric-mapped required column.
	res = m.Apply(rec(4, "amount", "twelve"))
	if res.Err == nil {
		t.Fatalf("expected coercion error")
	}
}

func TestMapper_Apply_OptionalCoercionFailureDegradesToNull(t *testing.T) {
	t.Parallel()

	m := NewMapper([]config.FieldMapping{
		{SourceField: "amount", TargetColumn: "amount", Type: "float"},
	}, testAudit())

	res := m.Apply(rec(1, "amount", "n/a"))
	if res.Err != nil {
		t.Fatalf("optional coercion failure should not fail the record: %v", res.Err)
	}
	if res.Target.Values[0] != nil {
		t.Fatalf("value = %v, want nil", res.Target.Values[0])
	}
}

func TestBatch_ThresholdSemantics(t *testing.T) {
	t.Parallel()

	ok := Result{Target: TargetRecord{Values: []any{1}}}
	bad := Result{Err: &RecordError{Line: 1}}

	cases := []struct {
		name     string
		results  []Result
		maxRatio float64
		failed   bool
	}{
		{"all good", []Result{ok, ok, ok}, 1.0, false},
		{"partial under default threshold", []Result{ok, ok, ok, bad}, 1.0, false},
		{"all failed", []Result{bad, bad}, 1.0, true},
		{"half failed at 0.5", []Result{ok, bad}, 0.5, true},
		{"quarter failed at 0.5", []Result{ok, ok, ok, bad}, 0.5, false},
		{"empty batch", nil, 1.0, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var b Batch
			for _, r := range tc.results {
				b.Add(r)
			}
			if got := b.ExceedsThreshold(tc.maxRatio); got != tc.failed {
				t.Fatalf("ExceedsThreshold = %v, want %v (produced=%d failed=%d)",
					got, tc.failed, b.Produced, b.Failed)
			}
		})
	}
}

func TestBatch_SamplesErrors(t *testing.T) {
	t.Parallel()

	var b Batch
	for i := 0; i < 25; i++ {
		b.Add(Result{Err: &RecordError{Line: i}})
	}
	if b.Failed != 25 {
		t.Fatalf("Failed = %d", b.Failed)
	}
	if len(b.Errors) != maxSampledErrors {
		t.Fatalf("sampled errors = %d, want %d", len(b.Errors), maxSampledErrors)
	}
}

func TestCoerce(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		v       any
		typ     string
		layout  string
		want    any
		wantErr bool
	}{
		{"passthrough", "x", "", "", "x", false},
		{"int from string", " 42 ", "int", "", int64(42), false},
		{"int from json number", json.Number("7"), "int", "", int64(7), false},
		{"int from float", 3.0, "int", "", int64(3), false},
		{"int rejects fraction", 3.5, "int", "", nil, true},
		{"float with separator", "1,234.50", "float", "", 1234.5, false},
		{"float bad", "abc", "float", "", nil, true},
		{"bool yes", "Yes", "bool", "", true, false},
		{"bool zero", json.Number("0"), "bool", "", false, false},
		{"bool bad", "maybe", "bool", "", nil, true},
		{"date iso", "2026-01-15", "date", "",
			time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC), false},
		{"date compact", "20260115", "date", "",
			time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC), false},
		{"date custom layout", "15.01.2026", "date", "02.01.2006",
			time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC), false},
		{"date bad", "yesterday", "date", "", nil, true},
		{"nil passes", nil, "int", "", nil, false},
		{"unknown type", "x", "decimal", "", nil, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Coerce(tc.v, tc.typ, tc.layout)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("Coerce(%v, %q) = %v, want error", tc.v, tc.typ, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Coerce(%v, %q): %v", tc.v, tc.typ, err)
			}
			if got != tc.want {
				t.Fatalf("Coerce(%v, %q) = %v (%T), want %v", tc.v, tc.typ, got, got, tc.want)
			}
		})
	}
}

func TestRecord_GetSet(t *testing.T) {
	t.Parallel()

	r := rec(1, "a", "1")
	if v, ok := r.Get("a"); !ok || v != "1" {
		t.Fatalf("Get(a) = %v, %v", v, ok)
	}
	if _, ok := r.Get("missing"); ok {
		t.Fatalf("Get(missing) should be absent")
	}
	r.Set("a", "2")
	r.Set("b", "3")
	if v, _ := r.Get("a"); v != "2" {
		t.Fatalf("Set should replace")
	}
	if len(r.Fields) != 2 {
		t.Fatalf("fields = %v", r.Fields)
	}
}
