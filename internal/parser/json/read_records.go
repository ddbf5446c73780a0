// Package json reads JSON source files into ordered raw records.
package json

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"ingest/internal/config"
	"ingest/internal/transform"
)

// ReadRecords parses JSON from r. Accepted shapes:
//
//   - a top-level array of objects, one record per element
//   - a single top-level object (one record), unless it is an envelope
//   - an envelope object whose records sit under the key named by the
//     "records_key" option; when the option is unset the first key whose
//     value is an array of objects is used
//
// Numbers are decoded as json.Number so integer values survive untouched.
// Field order within a record is the object's key order sorted, so the same
// document always yields the same record shape.
func ReadRecords(ctx context.Context, r io.Reader, opts config.Options) ([]transform.Record, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var root any
	if err := dec.Decode(&root); err != nil {
		return nil, fmt.Errorf("json decode: %w", err)
	}

	var items []any
	switch t := root.(type) {
	case []any:
		items = t
	case map[string]any:
		if key := opts.String("records_key", ""); key != "" {
			arr, ok := t[key].([]any)
			if !ok {
				return nil, fmt.Errorf("json: records_key %q is not an array", key)
			}
			items = arr
		} else if arr, ok := firstObjectArray(t); ok {
			items = arr
		} else {
			items = []any{t}
		}
	default:
		return nil, fmt.Errorf("json: top-level value is %T, want array or object", root)
	}

	out := make([]transform.Record, 0, len(items))
	for i, it := range items {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		default:
		}

		obj, ok := it.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("json: element %d is %T, want object", i, it)
		}
		out = append(out, ObjectRecord(i+1, obj))
	}
	return out, nil
}

// ObjectRecord flattens a decoded object into a record with fields in sorted
// key order. Nested values stay as-is; the mapper only consumes scalars.
func ObjectRecord(line int, obj map[string]any) transform.Record {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rec := transform.Record{Line: line, Fields: make([]transform.Field, len(keys))}
	for i, k := range keys {
		rec.Fields[i] = transform.Field{Name: k, Value: obj[k]}
	}
	return rec
}

func firstObjectArray(obj map[string]any) ([]any, bool) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		arr, ok := obj[k].([]any)
		if !ok || len(arr) == 0 {
			continue
		}
		if _, ok := arr[0].(map[string]any); ok {
			return arr, true
		}
	}
	return nil, false
}
