package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/querybridge/querybridge/core/definition"
	"github.com/querybridge/querybridge/core/shared/errors"
	"github.com/querybridge/querybridge/core/transform"
)

// FieldError is one parameter validation failure. All failures for a bind
// call are collected and returned together so a caller can fix the request
// in one round-trip.
type FieldError struct {
	Field   string           `json:"field"`
	Code    errors.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: parameter '%s': %s", e.Code, e.Field, e.Message)
}

// Binder validates and transforms raw parameters against a definition's
// parameter schema. The clock is injected so transforms stay deterministic
// under test.
type Binder struct {
	Now func() time.Time
}

// NewBinder creates a binder using the wall clock
func NewBinder() *Binder {
	return &Binder{Now: time.Now}
}

// Bind produces a BoundQuery or the full list of validation errors.
// Unknown parameters are ignored for forward compatibility, except the
// $select/$expand projection overrides on graph definitions.
func (b *Binder) Bind(def *definition.QueryDefinition, raw map[string]any) (*definition.BoundQuery, []FieldError) {
	var fieldErrs []FieldError

	supported := false
	for _, ds := range definition.ValidDataSources() {
		if def.DataSource == ds {
			supported = true
			break
		}
	}
	if !supported {
		// Surfaced at bind time so the caller sees the configuration error
		// before any network activity.
		return nil, []FieldError{{
			Field:   "dataSource",
			Code:    errors.ErrCodeUnsupportedDataSource,
			Message: fmt.Sprintf("data source '%s' is not supported", def.DataSource),
		}}
	}

	bound := &definition.BoundQuery{
		Definition: def,
		Parameters: make(map[string]any, len(def.Parameters)),
	}

	now := b.Now()
	for _, param := range def.Parameters {
		value, present := raw[param.Name]

		if !present || value == nil {
			if param.Default != nil {
				value = param.Default
			} else if param.Required {
				fieldErrs = append(fieldErrs, FieldError{
					Field:   param.Name,
					Code:    errors.ErrCodeValidationError,
					Message: "required parameter is missing",
				})
				continue
			} else {
				continue
			}
		}

		coerced, err := coerce(value, param.Type)
		if err != nil {
			fieldErrs = append(fieldErrs, FieldError{
				Field:   param.Name,
				Code:    errors.ErrCodeTypeMismatch,
				Message: err.Error(),
			})
			continue
		}

		if param.Validation != nil {
			if violations := checkConstraints(coerced, param.Validation); len(violations) > 0 {
				for _, v := range violations {
					fieldErrs = append(fieldErrs, FieldError{
						Field:   param.Name,
						Code:    errors.ErrCodeConstraintViolation,
						Message: v,
					})
				}
				continue
			}
		}

		if param.Transform != "" {
			fn, ok := transform.Lookup(param.Transform)
			if !ok {
				fieldErrs = append(fieldErrs, FieldError{
					Field:   param.Name,
					Code:    errors.ErrCodeValidationError,
					Message: fmt.Sprintf("unknown transform '%s'", param.Transform),
				})
				continue
			}
			transformed, err := fn(coerced, now)
			if err != nil {
				fieldErrs = append(fieldErrs, FieldError{
					Field:   param.Name,
					Code:    errors.ErrCodeValidationError,
					Message: fmt.Sprintf("transform '%s' failed: %v", param.Transform, err),
				})
				continue
			}
			coerced = transformed
		}

		bound.Parameters[param.Name] = coerced
	}

	if def.DataSource == definition.DataSourceGraph {
		bound.Graph = graphOverrides(raw)
	}

	if len(fieldErrs) > 0 {
		return nil, fieldErrs
	}
	return bound, nil
}

// graphOverrides extracts caller-supplied $select/$expand, comma-split
func graphOverrides(raw map[string]any) definition.GraphOverrides {
	var ov definition.GraphOverrides
	if v, ok := raw["$select"].(string); ok && v != "" {
		ov.Select = splitCSV(v)
	}
	if v, ok := raw["$expand"].(string); ok && v != "" {
		ov.Expand = splitCSV(v)
	}
	return ov
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// The date formats accepted for date parameters, most specific first
var dateFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func coerce(value any, paramType definition.ParameterType) (any, error) {
	switch paramType {
	case definition.ParamString:
		return coerceString(value)
	case definition.ParamNumber:
		return coerceNumber(value)
	case definition.ParamBoolean:
		return coerceBoolean(value)
	case definition.ParamDate:
		return coerceDate(value)
	case definition.ParamArray:
		if arr, ok := value.([]any); ok {
			return arr, nil
		}
		return nil, fmt.Errorf("cannot convert %T to array", value)
	case definition.ParamObject:
		if obj, ok := value.(map[string]any); ok {
			return obj, nil
		}
		return nil, fmt.Errorf("cannot convert %T to object", value)
	default:
		return nil, fmt.Errorf("unsupported parameter type '%s'", paramType)
	}
}

func coerceString(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case float64, float32, int, int64, bool:
		return fmt.Sprintf("%v", v), nil
	default:
		return "", fmt.Errorf("cannot convert %T to string", value)
	}
}

// coerceNumber normalizes every numeric representation to float64 so cache
// keys stay identical across callers that send 5 and 5.0.
func coerceNumber(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	case string:
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("cannot convert '%s' to number", v)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("cannot convert %T to number", value)
	}
}

func coerceBoolean(value any) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("cannot convert '%s' to boolean", v)
		}
		return parsed, nil
	default:
		return false, fmt.Errorf("cannot convert %T to boolean", value)
	}
}

// coerceDate normalizes accepted date representations to RFC3339
func coerceDate(value any) (string, error) {
	switch v := value.(type) {
	case time.Time:
		return v.UTC().Format(time.RFC3339), nil
	case string:
		for _, format := range dateFormats {
			if parsed, err := time.Parse(format, v); err == nil {
				return parsed.UTC().Format(time.RFC3339), nil
			}
		}
		return "", fmt.Errorf("cannot parse '%s' as date", v)
	default:
		return "", fmt.Errorf("cannot convert %T to date", value)
	}
}

func checkConstraints(value any, v *definition.Validation) []string {
	var violations []string

	if len(v.Enum) > 0 {
		rendered := fmt.Sprintf("%v", value)
		found := false
		for _, allowed := range v.Enum {
			if rendered == allowed {
				found = true
				break
			}
		}
		if !found {
			violations = append(violations, fmt.Sprintf("value '%s' is not one of: %s", rendered, strings.Join(v.Enum, ", ")))
		}
	}

	if num, ok := value.(float64); ok {
		if v.Min != nil && num < *v.Min {
			violations = append(violations, fmt.Sprintf("value %g is below minimum %g", num, *v.Min))
		}
		if v.Max != nil && num > *v.Max {
			violations = append(violations, fmt.Sprintf("value %g is above maximum %g", num, *v.Max))
		}
	}

	if s, ok := value.(string); ok {
		if v.Min != nil && float64(len(s)) < *v.Min {
			violations = append(violations, fmt.Sprintf("length %d is below minimum %g", len(s), *v.Min))
		}
		if v.Max != nil && float64(len(s)) > *v.Max {
			violations = append(violations, fmt.Sprintf("length %d is above maximum %g", len(s), *v.Max))
		}
		if v.Pattern != "" {
			re, err := regexp.Compile(v.Pattern)
			if err == nil && !re.MatchString(s) {
				violations = append(violations, fmt.Sprintf("value does not match pattern '%s'", v.Pattern))
			}
		}
	}

	return violations
}
