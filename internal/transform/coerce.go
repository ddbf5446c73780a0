package transform

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// dateLayouts are tried in order when no per-field format is configured.
var dateLayouts = []string{
	"2006-01-02",
	"20060102",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"01/02/2006",
}

// Coerce converts a raw extracted value to the mapped type.
//
// typ is one of "", string, int, float, bool, date, datetime; the empty type
// passes the value through untouched. layout, when non-empty, is a Go
// reference layout for date/datetime parsing.
func Coerce(v any, typ, layout string) (any, error) {
	if v == nil {
		return nil, nil
	}

	switch typ {
	case "":
		return v, nil
	case "string":
		return toString(v), nil
	case "int":
		return toInt(v)
	case "float":
		return toFloat(v)
	case "bool":
		return toBool(v)
	case "date":
		t, err := toTime(v, layout)
		if err != nil {
			return nil, err
		}
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
	case "datetime":
		return toTime(v, layout)
	}
	return nil, fmt.Errorf("unknown coercion type %q", typ)
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}

func toInt(v any) (int64, error) {
	switch t := v.(type) {
	case int:
		return int64(t), nil
	case int64:
		return t, nil
	case float64:
		if t != float64(int64(t)) {
			return 0, fmt.Errorf("not an integer: %v", t)
		}
		return int64(t), nil
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return 0, fmt.Errorf("not an integer: %q", t.String())
		}
		return n, nil
	case string:
		s := strings.TrimSpace(t)
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("not an integer: %q", t)
		}
		return n, nil
	}
	return 0, fmt.Errorf("cannot coerce %T to int", v)
}

func toFloat(v any) (float64, error) {
	switch t := v.(type) {
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case float64:
		return t, nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", t.String())
		}
		return f, nil
	case string:
		s := strings.TrimSpace(t)
		// Tolerate thousands separators from spreadsheet exports.
		s = strings.ReplaceAll(s, ",", "")
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", t)
		}
		return f, nil
	}
	return 0, fmt.Errorf("cannot coerce %T to float", v)
}

func toBool(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "t", "yes", "y", "1":
			return true, nil
		case "false", "f", "no", "n", "0":
			return false, nil
		}
		return false, fmt.Errorf("not a bool: %q", t)
	case json.Number:
		switch t.String() {
		case "1":
			return true, nil
		case "0":
			return false, nil
		}
		return false, fmt.Errorf("not a bool: %q", t.String())
	}
	return false, fmt.Errorf("cannot coerce %T to bool", v)
}

func toTime(v any, layout string) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		s := strings.TrimSpace(t)
		if layout != "" {
			parsed, err := time.Parse(layout, s)
			if err != nil {
				return time.Time{}, fmt.Errorf("not a date (%s): %q", layout, t)
			}
			return parsed, nil
		}
		for _, l := range dateLayouts {
			if parsed, err := time.Parse(l, s); err == nil {
				return parsed, nil
			}
		}
		return time.Time{}, fmt.Errorf("not a date: %q", t)
	}
	return time.Time{}, fmt.Errorf("cannot coerce %T to date", v)
}
