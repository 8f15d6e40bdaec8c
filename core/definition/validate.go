package definition

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/querybridge/querybridge/core/transform"
)

var (
	structValidate = validator.New()

	// Definition ids follow the same shape as query names in the source
	// configs: lower-snake-case or lower-kebab-case starting with a letter.
	idPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)
)

// Validate performs comprehensive validation of a single definition and
// collects every problem found, so a caller can fix a definition in one
// round-trip. Warnings never make a definition invalid.
func Validate(def *QueryDefinition) ValidationResult {
	var errs []string
	var warnings []string

	if err := structValidate.Struct(def); err != nil {
		if fieldErrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range fieldErrs {
				errs = append(errs, fmt.Sprintf("%s failed '%s' validation", fe.Namespace(), fe.Tag()))
			}
		} else {
			errs = append(errs, err.Error())
		}
	}

	if def.ID != "" && !idPattern.MatchString(def.ID) {
		errs = append(errs, fmt.Sprintf("id '%s' is invalid: must start with a letter and contain only lowercase letters, numbers, hyphens, and underscores", def.ID))
	}

	errs = append(errs, validateVariant(def)...)
	errs = append(errs, validateParameters(def)...)
	errs = append(errs, validateMapping(def)...)

	if def.Cache.Enabled && def.Cache.TTLSeconds <= 0 {
		errs = append(errs, fmt.Sprintf("definition '%s': cache is enabled but ttlSeconds is not positive", def.ID))
	}
	if def.Constraints.MaxResults < 0 {
		errs = append(errs, fmt.Sprintf("definition '%s': maxResults must not be negative", def.ID))
	}
	if def.Constraints.TimeoutMs < 0 {
		errs = append(errs, fmt.Sprintf("definition '%s': timeoutMs must not be negative", def.ID))
	}

	if def.Description == "" {
		warnings = append(warnings, fmt.Sprintf("definition '%s' has no description", def.ID))
	}
	if def.Constraints.TimeoutMs == 0 {
		warnings = append(warnings, fmt.Sprintf("definition '%s' declares no timeoutMs, the engine default applies", def.ID))
	}
	if def.Constraints.MaxResults == 0 {
		warnings = append(warnings, fmt.Sprintf("definition '%s' declares no maxResults, backend totals are returned unbounded", def.ID))
	}

	return ValidationResult{
		IsValid:  len(errs) == 0,
		Errors:   errs,
		Warnings: warnings,
	}
}

// validateVariant rejects a definition whose variant payload does not match
// its declared dataSource, instead of leaving the mismatch to surface at
// execution time.
func validateVariant(def *QueryDefinition) []string {
	var errs []string

	valid := false
	for _, ds := range ValidDataSources() {
		if def.DataSource == ds {
			valid = true
			break
		}
	}
	if def.DataSource != "" && !valid {
		errs = append(errs, fmt.Sprintf("definition '%s': dataSource '%s' is not supported, must be one of: sql, directory, graph", def.ID, def.DataSource))
		return errs
	}

	variants := 0
	if def.SQL != nil {
		variants++
	}
	if def.Directory != nil {
		variants++
	}
	if def.Graph != nil {
		variants++
	}
	if variants != 1 {
		errs = append(errs, fmt.Sprintf("definition '%s': exactly one of sql, directory, graph must be set, found %d", def.ID, variants))
		return errs
	}

	switch def.DataSource {
	case DataSourceSQL:
		if def.SQL == nil {
			errs = append(errs, fmt.Sprintf("definition '%s': dataSource is sql but the sql block is missing", def.ID))
		} else {
			if strings.TrimSpace(def.SQL.Statement) == "" {
				errs = append(errs, fmt.Sprintf("definition '%s': sql.statement is required", def.ID))
			}
			switch def.SQL.Driver {
			case "", "postgres", "pgx", "mysql":
			default:
				errs = append(errs, fmt.Sprintf("definition '%s': sql.driver '%s' is not supported, must be one of: postgres, pgx, mysql", def.ID, def.SQL.Driver))
			}
		}
	case DataSourceDirectory:
		if def.Directory == nil {
			errs = append(errs, fmt.Sprintf("definition '%s': dataSource is directory but the directory block is missing", def.ID))
		} else {
			if strings.TrimSpace(def.Directory.BaseDN) == "" {
				errs = append(errs, fmt.Sprintf("definition '%s': directory.baseDN is required", def.ID))
			}
			if strings.TrimSpace(def.Directory.FilterTemplate) == "" {
				errs = append(errs, fmt.Sprintf("definition '%s': directory.filterTemplate is required", def.ID))
			}
			switch def.Directory.Scope {
			case "", "base", "one", "sub":
			default:
				errs = append(errs, fmt.Sprintf("definition '%s': directory.scope '%s' is not supported, must be one of: base, one, sub", def.ID, def.Directory.Scope))
			}
		}
	case DataSourceGraph:
		if def.Graph == nil {
			errs = append(errs, fmt.Sprintf("definition '%s': dataSource is graph but the graph block is missing", def.ID))
		} else if strings.TrimSpace(def.Graph.Endpoint) == "" {
			errs = append(errs, fmt.Sprintf("definition '%s': graph.endpoint is required", def.ID))
		}
	}

	return errs
}

func validateParameters(def *QueryDefinition) []string {
	var errs []string
	seen := make(map[string]bool, len(def.Parameters))

	for _, param := range def.Parameters {
		if param.Name == "" {
			errs = append(errs, fmt.Sprintf("definition '%s': parameter with empty name", def.ID))
			continue
		}
		if seen[param.Name] {
			errs = append(errs, fmt.Sprintf("definition '%s': parameter '%s' declared twice", def.ID, param.Name))
		}
		seen[param.Name] = true

		typeValid := false
		for _, t := range ValidParameterTypes() {
			if param.Type == t {
				typeValid = true
				break
			}
		}
		if !typeValid {
			errs = append(errs, fmt.Sprintf("definition '%s': parameter '%s' has invalid type '%s'", def.ID, param.Name, param.Type))
		}

		if param.Transform != "" && !transform.Exists(param.Transform) {
			errs = append(errs, fmt.Sprintf("definition '%s': parameter '%s' references unknown transform '%s' (known: %s)",
				def.ID, param.Name, param.Transform, strings.Join(transform.Names(), ", ")))
		}

		if v := param.Validation; v != nil {
			if v.Min != nil && v.Max != nil && *v.Min > *v.Max {
				errs = append(errs, fmt.Sprintf("definition '%s': parameter '%s' has min greater than max", def.ID, param.Name))
			}
			if v.Pattern != "" {
				if _, err := regexp.Compile(v.Pattern); err != nil {
					errs = append(errs, fmt.Sprintf("definition '%s': parameter '%s' has invalid pattern: %v", def.ID, param.Name, err))
				}
			}
		}

		if param.Required && param.Default != nil {
			errs = append(errs, fmt.Sprintf("definition '%s': parameter '%s' is required and must not declare a default", def.ID, param.Name))
		}
	}

	return errs
}

func validateMapping(def *QueryDefinition) []string {
	var errs []string

	if len(def.ResultMapping.Fields) == 0 {
		errs = append(errs, fmt.Sprintf("definition '%s': resultMapping.fields must declare at least one field", def.ID))
	}

	names := make(map[string]bool, len(def.ResultMapping.Fields))
	for _, f := range def.ResultMapping.Fields {
		if f.Name != "" && names[f.Name] {
			errs = append(errs, fmt.Sprintf("definition '%s': result field '%s' mapped twice", def.ID, f.Name))
		}
		names[f.Name] = true
	}

	if pp := def.ResultMapping.PostProcess; pp != nil {
		for _, pred := range pp.Filter {
			switch pred.Op {
			case "eq", "ne", "gt", "lt", "gte", "lte", "contains":
			default:
				errs = append(errs, fmt.Sprintf("definition '%s': filter op '%s' is not supported", def.ID, pred.Op))
			}
			if pred.Field != "" && !names[pred.Field] {
				errs = append(errs, fmt.Sprintf("definition '%s': filter references unmapped field '%s'", def.ID, pred.Field))
			}
		}
		for _, key := range pp.Sort {
			if key.Field != "" && !names[key.Field] {
				errs = append(errs, fmt.Sprintf("definition '%s': sort references unmapped field '%s'", def.ID, key.Field))
			}
		}
		if pp.Limit < 0 {
			errs = append(errs, fmt.Sprintf("definition '%s': postProcess.limit must not be negative", def.ID))
		}
	}

	return errs
}
