package types

// Filter is a wire-level filter document (spec §6.2): a map of field path
// to predicate, where predicates are scalars (implicit equality), operator
// objects ({$eq, $in, ...}), or root-level logical combinators
// ($and, $or, $not, $text, $vector).
type Filter map[string]any

// SortSpec maps a field path to a direction: +1 ascending, -1 descending.
type SortSpec map[string]int

// Projection maps a field path to 1 (include) or 0 (exclude).
type Projection map[string]int

// QueryOptions are the options accepted alongside a Filter (spec §6.2).
type QueryOptions struct {
	Limit   int
	Skip    int
	Cursor  string
	Sort    SortSpec
	Project Projection
	Hydrate []string // edge predicates to expand
	Actor   string

	// Aggregate marks a grouped/computed query. Only aggregate queries
	// may be served from a materialized view (spec §4.9 compatibility
	// rules); plain point/range queries always go through QueryExecutor.
	Aggregate bool
}

// Page is the result of a paginated query (spec §4.10 step 5).
type Page struct {
	Items   []*Entity
	HasMore bool
	Cursor  string
}

// FlushStatus reports the unflushed-event backlog for a namespace
// (spec §4.5 backpressure / getFlushStatus).
type FlushStatus struct {
	Namespace       string
	UnflushedCount  int
	UnflushedBytes  int64
	OldestEventAge  float64 // seconds
}
