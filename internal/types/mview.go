package types

// Staleness is the freshness state of a registered materialized view.
type Staleness string

const (
	StalenessFresh        Staleness = "fresh"
	StalenessStaleUsable   Staleness = "stale-but-usable"
	StalenessInvalid       Staleness = "invalid"
)

// Usable reports whether a view in this staleness state may still serve
// a query at all (spec §4.9).
func (s Staleness) Usable() bool { return s == StalenessFresh || s == StalenessStaleUsable }

// MaterializedViewDefinition records everything needed to decide whether
// a view can serve a query and to (re)compute it (spec §3).
type MaterializedViewDefinition struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`

	// Filter is the view's pinning filter, using the same wire-level
	// filter language as queries (spec §6.2).
	Filter map[string]any `json:"filter,omitempty"`

	// JoinPaths are expanded/flattened edge predicates included in the view.
	JoinPaths []string `json:"joinPaths,omitempty"`

	// Select enumerates the fields the view contains ($select). Nil means
	// "all fields".
	Select []string `json:"select,omitempty"`

	GroupBy []string       `json:"groupBy,omitempty"`
	Compute map[string]string `json:"compute,omitempty"` // field -> aggregate expr, e.g. "count(*)"
}

// MaterializedViewState is the runtime status of a registered view.
type MaterializedViewState struct {
	Definition   MaterializedViewDefinition
	Staleness    Staleness
	RowCount     int
}

// IsGrouped reports whether the view requires grouped-query compatibility
// (spec §4.9 compatibility rules).
func (d *MaterializedViewDefinition) IsGrouped() bool {
	return len(d.GroupBy) > 0 || len(d.Compute) > 0
}
