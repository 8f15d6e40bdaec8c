// Package definition holds the query definition model and the registry that
// indexes definitions by id. A definition is immutable once registered and is
// only ever replaced wholesale on reload.
package definition

// DataSource identifies which backend a definition executes against
type DataSource string

const (
	DataSourceSQL       DataSource = "sql"
	DataSourceDirectory DataSource = "directory"
	DataSourceGraph     DataSource = "graph"
)

// ValidDataSources lists every supported data source
func ValidDataSources() []DataSource {
	return []DataSource{DataSourceSQL, DataSourceDirectory, DataSourceGraph}
}

// ParameterType is the declared type of a query parameter
type ParameterType string

const (
	ParamString  ParameterType = "string"
	ParamNumber  ParameterType = "number"
	ParamBoolean ParameterType = "boolean"
	ParamDate    ParameterType = "date"
	ParamArray   ParameterType = "array"
	ParamObject  ParameterType = "object"
)

// ValidParameterTypes lists every supported parameter type
func ValidParameterTypes() []ParameterType {
	return []ParameterType{ParamString, ParamNumber, ParamBoolean, ParamDate, ParamArray, ParamObject}
}

// Validation constrains the values a parameter accepts
type Validation struct {
	Min     *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max     *float64 `yaml:"max,omitempty" json:"max,omitempty"`
	Pattern string   `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Enum    []string `yaml:"enum,omitempty" json:"enum,omitempty"`
}

// Parameter declares one named input of a query definition
type Parameter struct {
	Name        string        `yaml:"name" json:"name" validate:"required"`
	Type        ParameterType `yaml:"type" json:"type" validate:"required"`
	Required    bool          `yaml:"required,omitempty" json:"required"`
	Default     any           `yaml:"default,omitempty" json:"default,omitempty"`
	Validation  *Validation   `yaml:"validation,omitempty" json:"validation,omitempty"`
	Transform   string        `yaml:"transform,omitempty" json:"transform,omitempty"`
	Description string        `yaml:"description,omitempty" json:"description,omitempty"`
}

// FieldMapping renames and optionally retypes one raw column or attribute
// into a canonical field
type FieldMapping struct {
	Source string `yaml:"source" json:"source" validate:"required"`
	Name   string `yaml:"name" json:"name" validate:"required"`
	Type   string `yaml:"type,omitempty" json:"type,omitempty"`
}

// Predicate is one post-process filter condition; all predicates on a
// mapping must pass (AND semantics)
type Predicate struct {
	Field string `yaml:"field" json:"field"`
	Op    string `yaml:"op" json:"op"`
	Value any    `yaml:"value" json:"value"`
}

// SortKey is one key of the stable post-process sort
type SortKey struct {
	Field      string `yaml:"field" json:"field"`
	Descending bool   `yaml:"descending,omitempty" json:"descending,omitempty"`
}

// PostProcess declares filtering, sorting and truncation applied after
// field mapping
type PostProcess struct {
	Filter []Predicate `yaml:"filter,omitempty" json:"filter,omitempty"`
	Sort   []SortKey   `yaml:"sort,omitempty" json:"sort,omitempty"`
	Limit  int         `yaml:"limit,omitempty" json:"limit,omitempty"`
}

// ResultMapping defines the canonical row shape of a definition. Field
// presence in results is decided here, not by the raw backend schema.
type ResultMapping struct {
	Fields      []FieldMapping `yaml:"fields" json:"fields"`
	PostProcess *PostProcess   `yaml:"postProcess,omitempty" json:"postProcess,omitempty"`
}

// CacheSpec controls result caching for a definition
type CacheSpec struct {
	Enabled    bool `yaml:"enabled" json:"enabled"`
	TTLSeconds int  `yaml:"ttlSeconds,omitempty" json:"ttlSeconds,omitempty"`
}

// Constraints bound a definition's execution
type Constraints struct {
	MaxResults         int `yaml:"maxResults,omitempty" json:"maxResults,omitempty"`
	TimeoutMs          int `yaml:"timeoutMs,omitempty" json:"timeoutMs,omitempty"`
	RateLimitPerMinute int `yaml:"rateLimitPerMinute,omitempty" json:"rateLimitPerMinute,omitempty"`
}

// Access names the roles and permissions the boundary enforces; the engine
// itself never authorizes
type Access struct {
	Roles       []string `yaml:"roles,omitempty" json:"roles,omitempty"`
	Permissions []string `yaml:"permissions,omitempty" json:"permissions,omitempty"`
}

// SQLSpec is the variant payload for sql definitions
type SQLSpec struct {
	Statement string `yaml:"statement" json:"statement"`
	Driver    string `yaml:"driver,omitempty" json:"driver,omitempty"` // postgres (default), pgx, mysql
}

// DirectorySpec is the variant payload for directory definitions
type DirectorySpec struct {
	BaseDN         string `yaml:"baseDN" json:"baseDN"`
	FilterTemplate string `yaml:"filterTemplate" json:"filterTemplate"`
	Scope          string `yaml:"scope,omitempty" json:"scope,omitempty"` // base, one, sub (default)
}

// GraphSpec is the variant payload for graph definitions
type GraphSpec struct {
	Endpoint string   `yaml:"endpoint" json:"endpoint"`
	Select   []string `yaml:"select,omitempty" json:"select,omitempty"`
	Expand   []string `yaml:"expand,omitempty" json:"expand,omitempty"`
	Filter   string   `yaml:"filter,omitempty" json:"filter,omitempty"`
	OrderBy  string   `yaml:"orderby,omitempty" json:"orderby,omitempty"`
	Top      int      `yaml:"top,omitempty" json:"top,omitempty"`
}

// QueryDefinition is a tagged union keyed by DataSource: exactly one of SQL,
// Directory or Graph must be set and must match DataSource. The mismatch is
// rejected when the definition is validated, not discovered at dispatch time.
type QueryDefinition struct {
	ID          string     `yaml:"id" json:"id" validate:"required"`
	Name        string     `yaml:"name" json:"name" validate:"required"`
	Description string     `yaml:"description,omitempty" json:"description,omitempty"`
	Category    string     `yaml:"category,omitempty" json:"category,omitempty"`
	DataSource  DataSource `yaml:"dataSource" json:"dataSource" validate:"required"`

	Parameters    []Parameter   `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	ResultMapping ResultMapping `yaml:"resultMapping" json:"resultMapping"`
	Cache         CacheSpec     `yaml:"cache,omitempty" json:"cache,omitempty"`
	Constraints   Constraints   `yaml:"constraints,omitempty" json:"constraints,omitempty"`
	Access        Access        `yaml:"access,omitempty" json:"access,omitempty"`

	SQL       *SQLSpec       `yaml:"sql,omitempty" json:"sql,omitempty"`
	Directory *DirectorySpec `yaml:"directory,omitempty" json:"directory,omitempty"`
	Graph     *GraphSpec     `yaml:"graph,omitempty" json:"graph,omitempty"`
}

// Parameter returns the declared parameter with the given name
func (d *QueryDefinition) Parameter(name string) (*Parameter, bool) {
	for i := range d.Parameters {
		if d.Parameters[i].Name == name {
			return &d.Parameters[i], true
		}
	}
	return nil, false
}

// Attributes returns the raw source names declared by the result mapping,
// used by the directory executor to request only mapped attributes
func (d *QueryDefinition) Attributes() []string {
	attrs := make([]string, 0, len(d.ResultMapping.Fields))
	seen := make(map[string]bool, len(d.ResultMapping.Fields))
	for _, f := range d.ResultMapping.Fields {
		if !seen[f.Source] {
			seen[f.Source] = true
			attrs = append(attrs, f.Source)
		}
	}
	return attrs
}

// FieldMetadata describes one discoverable field of a live backend
type FieldMetadata struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Entity      string `json:"entity,omitempty"`
	Searchable  bool   `json:"searchable,omitempty"`
}

// ValidationResult is the outcome of validating a definition without
// executing it
type ValidationResult struct {
	IsValid  bool     `json:"isValid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}
