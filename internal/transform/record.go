// Package transform maps raw extracted records to target-table rows via the
// config's declarative field mapping, with per-record success/failure results
// accumulated into a batch summary. The caller never relies on recovering
// from a panic or catching anything to learn a record's outcome.
package transform

// Field is one source field in extraction order.
type Field struct {
	Name  string
	Value any
}

// Record is an ordered raw record as produced by the source locator's
// readers. Order follows the source (CSV/XLSX column order); formats without
// a stable field order emit fields in a deterministic sorted order.
type Record struct {
	Line   int // 1-based logical record number, if known
	Fields []Field
}

// Get returns the value for name. Records are small; a linear scan beats a
// side map here.
func (r Record) Get(name string) (any, bool) {
	for _, f := range r.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Set appends or replaces a field.
func (r *Record) Set(name string, v any) {
	for i, f := range r.Fields {
		if f.Name == name {
			r.Fields[i].Value = v
			return
		}
	}
	r.Fields = append(r.Fields, Field{Name: name, Value: v})
}
