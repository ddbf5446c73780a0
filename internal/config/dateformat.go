package config

import (
	"fmt"
	"strings"
)

// TranslateDateFormat converts a yyyyMMdd-style format string (the notation
// reference-data screens store) into a Go reference layout.
//
// Supported tokens: yyyy yy MM dd HH mm ss. Any other character passes
// through literally (separators like '-', '/', '_').
//
// Errors:
//   - ErrInvalid when the format is empty or contains an unknown letter run.
func TranslateDateFormat(format string) (string, error) {
	if strings.TrimSpace(format) == "" {
		return "", fmt.Errorf("%w: date format is required", ErrInvalid)
	}

	var b strings.Builder
	runes := []rune(format)
	for i := 0; i < len(runes); {
		c := runes[i]
		if !isFormatLetter(c) {
			b.WriteRune(c)
			i++
			continue
		}

		j := i
		for j < len(runes) && runes[j] == c {
			j++
		}
		run := string(runes[i:j])

		layout, ok := tokenLayout(run)
		if !ok {
			return "", fmt.Errorf("%w: unsupported date format token %q in %q", ErrInvalid, run, format)
		}
		b.WriteString(layout)
		i = j
	}

	return b.String(), nil
}

func isFormatLetter(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func tokenLayout(run string) (string, bool) {
	switch run {
	case "yyyy":
		return "2006", true
	case "yy":
		return "06", true
	case "MM":
		return "01", true
	case "dd":
		return "02", true
	case "HH":
		return "15", true
	case "mm":
		return "04", true
	case "ss":
		return "05", true
	}
	return "", false
}
