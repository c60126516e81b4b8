package query

import (
	"testing"

	"github.com/dot-do/parquedb/internal/types"
)

func freshView(name, namespace string, viewFilter types.Filter) *types.MaterializedViewState {
	return &types.MaterializedViewState{
		Definition: types.MaterializedViewDefinition{
			Name: name, Namespace: namespace, Filter: viewFilter,
		},
		Staleness: types.StalenessFresh,
	}
}

func TestMVRouterResolveExactMatch(t *testing.T) {
	views := map[string]*types.MaterializedViewState{
		"open-issues": freshView("open-issues", "issues", types.Filter{"status": "open"}),
	}
	r := NewMVRouter(views)
	decision := r.Resolve("issues", types.Filter{"status": "open"}, types.QueryOptions{})
	if !decision.CanUseMV {
		t.Fatal("expected the exact-match view to be usable")
	}
	if decision.NeedsPostFilter {
		t.Error("expected no post-filter for an exact filter match")
	}
	if decision.MVName != "open-issues" {
		t.Errorf("expected open-issues, got %s", decision.MVName)
	}
}

func TestMVRouterConflictingFilterRejectsView(t *testing.T) {
	views := map[string]*types.MaterializedViewState{
		"open-issues": freshView("open-issues", "issues", types.Filter{"status": "open"}),
	}
	r := NewMVRouter(views)
	decision := r.Resolve("issues", types.Filter{"status": "closed"}, types.QueryOptions{})
	if decision.CanUseMV {
		t.Fatal("expected a conflicting equality filter to disqualify the view")
	}
}

func TestMVRouterGroupedViewRequiresAggregateOption(t *testing.T) {
	view := freshView("counts-by-status", "issues", types.Filter{})
	view.Definition.GroupBy = []string{"status"}
	views := map[string]*types.MaterializedViewState{"counts-by-status": view}
	r := NewMVRouter(views)

	plain := r.Resolve("issues", types.Filter{}, types.QueryOptions{})
	if plain.CanUseMV {
		t.Error("expected a grouped view to be rejected for a non-aggregate query")
	}

	agg := r.Resolve("issues", types.Filter{}, types.QueryOptions{Aggregate: true})
	if !agg.CanUseMV {
		t.Error("expected a grouped view to serve an aggregate query")
	}
}

func TestMVRouterSelectCoverageRejectsUncoveredProjection(t *testing.T) {
	view := freshView("titles-only", "issues", types.Filter{})
	view.Definition.Select = []string{"title"}
	views := map[string]*types.MaterializedViewState{"titles-only": view}
	r := NewMVRouter(views)

	decision := r.Resolve("issues", types.Filter{}, types.QueryOptions{
		Project: types.Projection{"description": 1},
	})
	if decision.CanUseMV {
		t.Error("expected a view without 'description' in $select to be rejected")
	}
}

func TestMVRouterTieBreakPrefersFreshOverStale(t *testing.T) {
	fresh := freshView("fresh-view", "issues", types.Filter{"status": "open"})
	stale := freshView("stale-view", "issues", types.Filter{"status": "open"})
	stale.Staleness = types.StalenessStaleUsable

	views := map[string]*types.MaterializedViewState{
		"fresh-view": fresh,
		"stale-view": stale,
	}
	r := NewMVRouter(views)
	decision := r.Resolve("issues", types.Filter{"status": "open"}, types.QueryOptions{})
	if decision.MVName != "fresh-view" {
		t.Errorf("expected tie-break to prefer the fresh view, got %s", decision.MVName)
	}
}

func TestMVRouterNoUsableViewReturnsInvalidStaleness(t *testing.T) {
	invalid := freshView("expired", "issues", types.Filter{"status": "open"})
	invalid.Staleness = types.StalenessInvalid
	views := map[string]*types.MaterializedViewState{"expired": invalid}
	r := NewMVRouter(views)
	decision := r.Resolve("issues", types.Filter{"status": "open"}, types.QueryOptions{})
	if decision.CanUseMV {
		t.Fatal("expected an invalid-staleness view to be skipped entirely")
	}
	if decision.StalenessState != types.StalenessInvalid {
		t.Errorf("expected StalenessInvalid, got %v", decision.StalenessState)
	}
}

func TestApplyDecisionSetsMVLookupStrategy(t *testing.T) {
	plan := &Plan{Strategy: StrategyFullScan, EstimatedCost: CostEstimate{TotalCost: 100}}
	ApplyDecision(plan, MVDecision{CanUseMV: true, MVName: "v", CostSavings: 0.5})
	if plan.Strategy != StrategyMVLookup {
		t.Errorf("expected mv_lookup strategy after ApplyDecision, got %s", plan.Strategy)
	}
	if plan.EstimatedCost.TotalCost != 50 {
		t.Errorf("expected cost halved by 0.5 savings, got %v", plan.EstimatedCost.TotalCost)
	}
}
