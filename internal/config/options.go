package config

import (
	"encoding/json"
	"strings"
)

// Options holds loose per-parser settings from the config row (delimiter,
// header handling, encoding, sheet name, ...). Accessors never fail; they
// return the provided default when the key is absent or the wrong shape.
type Options map[string]any

// Any returns the raw value for key, or nil.
func (o Options) Any(key string) any {
	if o == nil {
		return nil
	}
	return o[key]
}

// Bool returns the boolean at key, or def.
func (o Options) Bool(key string, def bool) bool {
	switch v := o.Any(key).(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(v) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return def
}

// Int returns the integer at key, or def. JSON numbers arrive as float64 or
// json.Number depending on the decoder; both are handled.
func (o Options) Int(key string, def int) int {
	switch v := o.Any(key).(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

// String returns the string at key, or def.
func (o Options) String(key, def string) string {
	if v, ok := o.Any(key).(string); ok {
		return v
	}
	return def
}

// Rune returns the first rune of the string at key, or def. Used for CSV
// delimiters where config stores a one-character string.
func (o Options) Rune(key string, def rune) rune {
	s, ok := o.Any(key).(string)
	if !ok || s == "" {
		return def
	}
	return []rune(s)[0]
}

// StringMap returns the string map at key, or nil.
func (o Options) StringMap(key string) map[string]string {
	switch m := o.Any(key).(type) {
	case map[string]string:
		return m
	case map[string]any:
		out := make(map[string]string, len(m))
		for k, v := range m {
			if s, ok := v.(string); ok {
				out[k] = s
			}
		}
		return out
	}
	return nil
}
