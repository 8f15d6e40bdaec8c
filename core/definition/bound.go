package definition

// GraphOverrides carries caller-supplied projection overrides for graph
// queries; comma-separated strings are already split by the binder.
type GraphOverrides struct {
	Select []string
	Expand []string
}

// BoundQuery is a definition plus a fully validated and transformed
// parameter set, ready for dispatch. It is ephemeral: created per
// invocation and never cached itself.
type BoundQuery struct {
	Definition *QueryDefinition
	Parameters map[string]any
	Graph      GraphOverrides
}
