// Package transform holds the named parameter transforms a definition may
// declare. Every transform is deterministic for a fixed reference time, so
// binding the same parameters twice produces the same bound query.
package transform

import (
	"fmt"
	"strings"
	"time"
)

// Func converts an already type-coerced parameter value. The reference time
// is injected so date-relative transforms stay deterministic under test.
type Func func(value any, now time.Time) (any, error)

var registry = map[string]Func{
	"daysToDate": daysToDate,
	"uppercase":  uppercase,
	"lowercase":  lowercase,
	"trim":       trim,
	"csvToArray": csvToArray,
}

// Lookup returns the transform registered under name
func Lookup(name string) (Func, bool) {
	fn, ok := registry[name]
	return fn, ok
}

// Exists reports whether a transform with the given name is registered
func Exists(name string) bool {
	_, ok := registry[name]
	return ok
}

// Names returns the registered transform names
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}

// daysToDate turns a day count into the RFC3339 timestamp of UTC midnight
// that many days before the reference time. A 90-day inactivity window
// becomes a concrete cutoff date the directory filter can compare against.
func daysToDate(value any, now time.Time) (any, error) {
	days, err := toFloat(value)
	if err != nil {
		return nil, fmt.Errorf("daysToDate expects a number: %w", err)
	}
	cutoff := now.UTC().AddDate(0, 0, -int(days))
	midnight := time.Date(cutoff.Year(), cutoff.Month(), cutoff.Day(), 0, 0, 0, 0, time.UTC)
	return midnight.Format(time.RFC3339), nil
}

func uppercase(value any, _ time.Time) (any, error) {
	s, err := toString(value)
	if err != nil {
		return nil, err
	}
	return strings.ToUpper(s), nil
}

func lowercase(value any, _ time.Time) (any, error) {
	s, err := toString(value)
	if err != nil {
		return nil, err
	}
	return strings.ToLower(s), nil
}

func trim(value any, _ time.Time) (any, error) {
	s, err := toString(value)
	if err != nil {
		return nil, err
	}
	return strings.TrimSpace(s), nil
}

func csvToArray(value any, _ time.Time) (any, error) {
	s, err := toString(value)
	if err != nil {
		return nil, err
	}
	if s == "" {
		return []any{}, nil
	}
	parts := strings.Split(s, ",")
	out := make([]any, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out, nil
}

func toFloat(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("cannot convert %T to number", value)
	}
}

func toString(value any) (string, error) {
	if s, ok := value.(string); ok {
		return s, nil
	}
	return "", fmt.Errorf("cannot convert %T to string", value)
}
