package query

import (
	"github.com/dot-do/parquedb/internal/types"
)

// MVDecision is MVRouter.Resolve's output (spec §4.9).
type MVDecision struct {
	CanUseMV        bool
	MVName          string
	MVDefinition    *types.MaterializedViewDefinition
	NeedsPostFilter bool
	PostFilter      types.Filter
	StalenessState  types.Staleness
	CostSavings     float64 // [0,1]; 0 when no view is chosen
}

// MVRouter decides whether a registered materialized view can serve a
// query in place of a full QueryExecutor run (spec §4.9).
type MVRouter struct {
	views map[string]*types.MaterializedViewState
}

// NewMVRouter constructs a router over a view registry.
func NewMVRouter(views map[string]*types.MaterializedViewState) *MVRouter {
	if views == nil {
		views = map[string]*types.MaterializedViewState{}
	}
	return &MVRouter{views: views}
}

// Resolve implements §4.9's compatibility rules and tie-break order.
func (r *MVRouter) Resolve(namespace string, f types.Filter, opts types.QueryOptions) MVDecision {
	var best *candidate
	for _, state := range r.views {
		if state.Definition.Namespace != namespace {
			continue
		}
		if !state.Staleness.Usable() {
			continue
		}
		c := r.evaluate(state, f, opts)
		if c == nil {
			continue
		}
		if best == nil || c.better(best) {
			best = c
		}
	}
	if best == nil {
		return MVDecision{CanUseMV: false, StalenessState: types.StalenessInvalid}
	}
	return MVDecision{
		CanUseMV:        true,
		MVName:          best.state.Definition.Name,
		MVDefinition:    &best.state.Definition,
		NeedsPostFilter: best.needsPostFilter,
		PostFilter:      best.postFilter,
		StalenessState:  best.state.Staleness,
		CostSavings:     best.costSavings,
	}
}

type candidate struct {
	state           *types.MaterializedViewState
	needsPostFilter bool
	postFilter      types.Filter
	costSavings     float64
	exactMatch      bool
}

// better implements the tie-break order: exact filter match, then no
// post-filter needed, then fresh over stale, then higher structural
// savings.
func (c *candidate) better(other *candidate) bool {
	if c.exactMatch != other.exactMatch {
		return c.exactMatch
	}
	if c.needsPostFilter != other.needsPostFilter {
		return !c.needsPostFilter
	}
	cFresh := c.state.Staleness == types.StalenessFresh
	oFresh := other.state.Staleness == types.StalenessFresh
	if cFresh != oFresh {
		return cFresh
	}
	return c.costSavings > other.costSavings
}

func (r *MVRouter) evaluate(state *types.MaterializedViewState, f types.Filter, opts types.QueryOptions) *candidate {
	def := &state.Definition

	if conflicting(def.Filter, f) {
		return nil
	}
	if def.IsGrouped() && !opts.Aggregate {
		return nil
	}
	if len(def.Select) > 0 && !selectCovers(def.Select, opts) {
		return nil
	}

	exact := exactFilterMatch(def.Filter, f)
	needsPostFilter := !exact
	var postFilter types.Filter
	if needsPostFilter {
		postFilter = f
	}

	savings := structuralSavings(def)
	if state.Staleness == types.StalenessStaleUsable {
		savings *= 0.5 // lower the score for usable-but-stale views (spec §4.9)
	}

	return &candidate{
		state:           state,
		needsPostFilter: needsPostFilter,
		postFilter:      postFilter,
		costSavings:     savings,
		exactMatch:      exact,
	}
}

// conflicting reports whether the view's pinning filter disagrees with
// the query filter on any field: an equality/$in on the same field that
// is disjoint from the view's pinned value, or a $ne/$nin that excludes
// the view's pinned value, disqualifies the view (spec §4.9).
func conflicting(viewFilter, queryFilter map[string]any) bool {
	for field, viewVal := range viewFilter {
		pinned, isPinned := scalarValue(viewVal)
		if !isPinned {
			continue
		}
		qv, ok := queryFilter[field]
		if !ok {
			continue
		}
		switch q := qv.(type) {
		case map[string]any:
			if in, ok := q["$in"].([]any); ok && !containsValue(in, pinned) {
				return true
			}
			if nin, ok := q["$nin"].([]any); ok && containsValue(nin, pinned) {
				return true
			}
			if ne, ok := q["$ne"]; ok && equalScalar(ne, pinned) {
				return true
			}
			if eq, ok := q["$eq"]; ok && !equalScalar(eq, pinned) {
				return true
			}
		default:
			if !equalScalar(qv, pinned) {
				return true
			}
		}
	}
	return false
}

func scalarValue(v any) (any, bool) {
	switch v.(type) {
	case map[string]any:
		return nil, false
	default:
		return v, true
	}
}

func equalScalar(a, b any) bool {
	af, aok := a.(float64)
	bf, bok := b.(float64)
	if aok && bok {
		return af == bf
	}
	return a == b
}

func containsValue(values []any, v any) bool {
	for _, x := range values {
		if equalScalar(x, v) {
			return true
		}
	}
	return false
}

// exactFilterMatch reports whether the query filter is wholly satisfied
// by the view's pinning filter, needing no post-filter pass.
func exactFilterMatch(viewFilter, queryFilter map[string]any) bool {
	for field, qv := range queryFilter {
		vv, ok := viewFilter[field]
		if !ok {
			return false
		}
		pinned, isPinned := scalarValue(vv)
		if !isPinned {
			return false
		}
		if sub, ok := qv.(map[string]any); ok {
			eq, ok := sub["$eq"]
			if !ok || !equalScalar(eq, pinned) {
				return false
			}
			continue
		}
		if !equalScalar(qv, pinned) {
			return false
		}
	}
	return true
}

// selectCovers reports whether the view's $select list covers every
// projected and sort field the query needs, excluding always-available
// core fields (spec §4.9).
func selectCovers(viewSelect []string, opts types.QueryOptions) bool {
	have := map[string]bool{}
	for _, f := range viewSelect {
		have[f] = true
	}
	for field := range opts.Project {
		if isCoreField(field) {
			continue
		}
		if !have[field] {
			return false
		}
	}
	for field := range opts.Sort {
		if isCoreField(field) {
			continue
		}
		if !have[field] {
			return false
		}
	}
	return true
}

func isCoreField(field string) bool {
	for _, c := range types.CoreFields {
		if c == field {
			return true
		}
	}
	return false
}

// structuralSavings estimates the view's avoided-work score: more joins
// flattened and more grouping/computation precomputed means a higher
// expected speedup.
func structuralSavings(def *types.MaterializedViewDefinition) float64 {
	savings := 0.3 // baseline: avoiding a row-group scan at all
	savings += 0.1 * float64(len(def.JoinPaths))
	if def.IsGrouped() {
		savings += 0.3
	}
	if savings > 1 {
		savings = 1
	}
	return savings
}

// ApplyDecision overwrites plan with the MVRouter's decision when a view
// can serve the query: the strategy becomes mv_lookup and the total cost
// is scaled by (1 - CostSavings). Executor.Execute serves an mv_lookup
// plan with a row-group scan.
func ApplyDecision(plan *Plan, decision MVDecision) {
	if !decision.CanUseMV {
		return
	}
	plan.Strategy = StrategyMVLookup
	plan.EstimatedCost.TotalCost *= (1 - decision.CostSavings)
}
