package engine

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/querybridge/querybridge/core/backends"
	"github.com/querybridge/querybridge/core/definition"
	"github.com/querybridge/querybridge/core/shared/errors"
)

// Row is one canonical result row: field name to scalar, array, or object
// value. Field presence is decided by the definition's result mapping, not
// by the raw backend schema.
type Row = map[string]any

// MapResult converts a backend-native raw result into canonical rows and
// applies the mapping's declared post-processing. It is pure: the raw
// result is never mutated.
func MapResult(raw backends.RawResult, mapping definition.ResultMapping) ([]Row, error) {
	var rows []Row

	switch r := raw.(type) {
	case backends.SQLRows:
		rows = mapSQLRows(r, mapping)
	case backends.DirectoryEntries:
		rows = mapDirectoryEntries(r, mapping)
	case backends.GraphPayload:
		rows = mapGraphPayload(r, mapping)
	default:
		return nil, errors.New(errors.ErrCodeInternalError,
			fmt.Sprintf("unknown raw result variant %T", raw))
	}

	if pp := mapping.PostProcess; pp != nil {
		rows = applyFilter(rows, pp.Filter)
		rows = applySort(rows, pp.Sort)
		if pp.Limit > 0 && len(rows) > pp.Limit {
			rows = rows[:pp.Limit]
		}
	}
	return rows, nil
}

func mapSQLRows(r backends.SQLRows, mapping definition.ResultMapping) []Row {
	index := make(map[string]int, len(r.Columns))
	for i, col := range r.Columns {
		index[col] = i
	}

	rows := make([]Row, 0, len(r.Rows))
	for _, rawRow := range r.Rows {
		row := make(Row, len(mapping.Fields))
		for _, f := range mapping.Fields {
			if i, ok := index[f.Source]; ok {
				row[f.Name] = retype(rawRow[i], f.Type)
			}
		}
		rows = append(rows, row)
	}
	return rows
}

func mapDirectoryEntries(r backends.DirectoryEntries, mapping definition.ResultMapping) []Row {
	rows := make([]Row, 0, len(r.Entries))
	for _, entry := range r.Entries {
		row := make(Row, len(mapping.Fields))
		for _, f := range mapping.Fields {
			values, ok := entry.Attributes[f.Source]
			if !ok {
				if f.Source == "dn" {
					row[f.Name] = entry.DN
				}
				continue
			}
			// Single-valued attributes flatten to a scalar; multi-valued
			// stay arrays.
			if len(values) == 1 {
				row[f.Name] = retype(values[0], f.Type)
			} else {
				arr := make([]any, len(values))
				for i, v := range values {
					arr[i] = retype(v, f.Type)
				}
				row[f.Name] = arr
			}
		}
		rows = append(rows, row)
	}
	return rows
}

func mapGraphPayload(r backends.GraphPayload, mapping definition.ResultMapping) []Row {
	rows := make([]Row, 0, len(r.Value))
	for _, item := range r.Value {
		row := make(Row, len(mapping.Fields))
		for _, f := range mapping.Fields {
			if value, ok := lookupPath(item, f.Source); ok {
				row[f.Name] = retype(value, f.Type)
			}
		}
		rows = append(rows, row)
	}
	return rows
}

// lookupPath resolves dotted paths into nested graph objects
func lookupPath(item map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = item
	for _, part := range parts {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// retype applies the mapping's declared field type to a raw value; an
// unconvertible value passes through unchanged rather than being dropped.
func retype(value any, fieldType string) any {
	if value == nil || fieldType == "" {
		return value
	}
	switch fieldType {
	case "string":
		if s, ok := value.(string); ok {
			return s
		}
		return fmt.Sprintf("%v", value)
	case "number":
		switch v := value.(type) {
		case float64:
			return v
		case int64:
			return float64(v)
		case int:
			return float64(v)
		case string:
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				return parsed
			}
		}
		return value
	case "boolean":
		switch v := value.(type) {
		case bool:
			return v
		case string:
			if parsed, err := strconv.ParseBool(v); err == nil {
				return parsed
			}
		}
		return value
	default:
		return value
	}
}

// applyFilter keeps rows passing every predicate (AND semantics)
func applyFilter(rows []Row, predicates []definition.Predicate) []Row {
	if len(predicates) == 0 {
		return rows
	}
	out := make([]Row, 0, len(rows))
	for _, row := range rows {
		keep := true
		for _, pred := range predicates {
			if !evalPredicate(row[pred.Field], pred) {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, row)
		}
	}
	return out
}

func evalPredicate(value any, pred definition.Predicate) bool {
	switch pred.Op {
	case "eq":
		return compareValues(value, pred.Value) == 0
	case "ne":
		return compareValues(value, pred.Value) != 0
	case "gt":
		return compareValues(value, pred.Value) > 0
	case "lt":
		return compareValues(value, pred.Value) < 0
	case "gte":
		return compareValues(value, pred.Value) >= 0
	case "lte":
		return compareValues(value, pred.Value) <= 0
	case "contains":
		return strings.Contains(
			strings.ToLower(fmt.Sprintf("%v", value)),
			strings.ToLower(fmt.Sprintf("%v", pred.Value)),
		)
	default:
		return false
	}
}

// applySort performs a stable multi-key sort; ties keep original order
func applySort(rows []Row, keys []definition.SortKey) []Row {
	if len(keys) == 0 {
		return rows
	}
	out := make([]Row, len(rows))
	copy(out, rows)
	sort.SliceStable(out, func(i, j int) bool {
		for _, key := range keys {
			c := compareValues(out[i][key.Field], out[j][key.Field])
			if c == 0 {
				continue
			}
			if key.Descending {
				return c > 0
			}
			return c < 0
		}
		return false
	})
	return out
}

// compareValues orders two values: numbers numerically when both convert,
// everything else lexically. Nil sorts first.
func compareValues(a, b any) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}

	af, aok := toComparableNumber(a)
	bf, bok := toComparableNumber(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}

	return strings.Compare(fmt.Sprintf("%v", a), fmt.Sprintf("%v", b))
}

func toComparableNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
