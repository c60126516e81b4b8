// Package query implements QueryOptimizer, MVRouter, and QueryExecutor
// (spec §4.8-§4.10): compiling a filter/options pair into a Plan, deciding
// whether a materialized view can serve it, and running the plan against
// committed row groups plus the in-memory event tail.
package query

import (
	"github.com/dot-do/parquedb/internal/filter"
	"github.com/dot-do/parquedb/internal/types"
)

// Strategy is the execution approach QueryOptimizer picks for a plan.
type Strategy string

const (
	StrategyFullScan      Strategy = "full_scan"
	StrategyRangeScan     Strategy = "range_scan"
	StrategyHashLookup    Strategy = "hash_lookup"
	StrategyFTSSearch     Strategy = "fts_search"
	StrategyVectorSearch  Strategy = "vector_search"
	StrategyHybridSearch  Strategy = "hybrid_search"
	StrategyMVLookup      Strategy = "mv_lookup"
	StrategyPointLookup   Strategy = "point_lookup"
)

// PushedPredicate is one column/op/value term pushed down to row-group
// statistics pruning.
type PushedPredicate struct {
	Column string
	Op     filter.Op
	Value  any
}

// PredicatePushdown is §4.8's pushdown output.
type PredicatePushdown struct {
	PushedPredicates          []PushedPredicate
	RemainingFilter           filter.Node
	EstimatedSkippedRowGroups int
}

// ColumnPruning is §4.8's column-pruning output.
type ColumnPruning struct {
	FilterColumns     []string
	ProjectionColumns []string
	SortColumns       []string
	RequiredColumns   []string // union of the above plus types.CoreFields
}

// IndexRecommendation names an index SelectIndex chose, with its
// estimated benefit.
type IndexRecommendation struct {
	IndexName        string
	IndexType        types.IndexType
	Selectivity      float64
	CostReductionPct float64
}

// CostEstimate is §4.8's estimatedCost output.
type CostEstimate struct {
	IOCost                float64
	CPUCost               float64
	TotalCost             float64
	EstimatedRowsScanned  int
	EstimatedRowsReturned int
}

// SuggestionKind enumerates the suggestion categories §4.8 names.
type SuggestionKind string

const (
	SuggestAddLimit        SuggestionKind = "add_limit"
	SuggestAddProjection    SuggestionKind = "add_projection"
	SuggestCreateIndex      SuggestionKind = "create_index"
	SuggestRewriteOr        SuggestionKind = "rewrite_or_union"
	SuggestRewritePrefix    SuggestionKind = "rewrite_prefix_regex"
)

// Suggestion is one optimizer-surfaced improvement, ordered by Priority
// (lower numbers sort first).
type Suggestion struct {
	Kind     SuggestionKind
	Message  string
	Priority int
}

// Plan is QueryOptimizer.Compile's full output (spec §4.8).
type Plan struct {
	Namespace string

	OriginalFilter  types.Filter
	OptimizedFilter filter.Node

	Strategy Strategy

	PredicatePushdown   PredicatePushdown
	ColumnPruning       ColumnPruning
	IndexRecommendation *IndexRecommendation
	EstimatedCost       CostEstimate
	Suggestions         []Suggestion

	Options types.QueryOptions
}
