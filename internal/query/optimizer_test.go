package query

import (
	"testing"

	"github.com/dot-do/parquedb/internal/config"
	"github.com/dot-do/parquedb/internal/types"
)

func defaultCfg() config.OptimizerConfig {
	return config.Default().Optimizer
}

func TestCompileFlattensNestedAnd(t *testing.T) {
	o := NewOptimizer(defaultCfg(), nil)
	f := types.Filter{
		"$and": []any{
			map[string]any{"$and": []any{
				map[string]any{"status": "open"},
			}},
			map[string]any{"priority": map[string]any{"$gt": float64(2)}},
		},
	}
	plan, err := o.Compile("issues", f, types.QueryOptions{}, types.Statistics{TotalRows: 100})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	and, ok := plan.OptimizedFilter.(interface{ Fields() []string })
	if !ok {
		t.Fatalf("expected a node exposing Fields()")
	}
	fields := and.Fields()
	if len(fields) != 2 {
		t.Fatalf("expected flattened $and to expose 2 fields, got %v", fields)
	}
}

func TestCompileRewritesAnchoredPrefixRegex(t *testing.T) {
	o := NewOptimizer(defaultCfg(), nil)
	f := types.Filter{"team": map[string]any{"$regex": "^Engineering"}}
	plan, err := o.Compile("issues", f, types.QueryOptions{}, types.Statistics{TotalRows: 10})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if _, ok := plan.OptimizedFilter.(*globPrefixNode); !ok {
		t.Fatalf("expected anchored prefix regex rewritten to globPrefixNode, got %T", plan.OptimizedFilter)
	}
	found := false
	for _, s := range plan.Suggestions {
		if s.Kind == SuggestRewritePrefix {
			found = true
		}
	}
	if !found {
		t.Error("expected a rewrite_prefix_regex suggestion")
	}
}

func TestCompilePointLookupStrategy(t *testing.T) {
	o := NewOptimizer(defaultCfg(), nil)
	f := types.Filter{"$id": "issues/123"}
	plan, err := o.Compile("issues", f, types.QueryOptions{}, types.Statistics{TotalRows: 10})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if plan.Strategy != StrategyPointLookup {
		t.Errorf("expected point_lookup strategy, got %s", plan.Strategy)
	}
}

func TestRowGroupSkippableOutOfRange(t *testing.T) {
	rg := types.RowGroupStats{
		Columns: map[string]types.ColumnStats{
			"age": {Min: float64(10), Max: float64(20)},
		},
	}
	pushed := []PushedPredicate{{Column: "age", Op: "$gt", Value: float64(25)}}
	if !rowGroupSkippable(rg, pushed, 0.05) {
		t.Error("expected row group to be skippable: predicate value exceeds column max")
	}
}

func TestRowGroupSkippableInRange(t *testing.T) {
	rg := types.RowGroupStats{
		Columns: map[string]types.ColumnStats{
			"age": {Min: float64(10), Max: float64(20)},
		},
	}
	pushed := []PushedPredicate{{Column: "age", Op: "$gt", Value: float64(15)}}
	if rowGroupSkippable(rg, pushed, 0.05) {
		t.Error("expected row group not skippable: predicate range overlaps column stats")
	}
}

func TestEstimateCostPrefersIndexSelectivityFloor(t *testing.T) {
	o := NewOptimizer(defaultCfg(), nil)
	stats := types.Statistics{TotalRows: 1_000_000, RowGroupCount: 1000}
	withIndex := o.estimateCost(stats, PredicatePushdown{}, &IndexRecommendation{
		IndexType: types.IndexFullText, Selectivity: 0.001,
	}, 0)
	withoutIndex := o.estimateCost(stats, PredicatePushdown{}, nil, 0)

	if withIndex.EstimatedRowsScanned >= withoutIndex.EstimatedRowsScanned {
		t.Errorf("expected indexed scan (floor %v) to scan fewer rows than full scan: indexed=%d full=%d",
			defaultCfg().FTSSelectivityFloor, withIndex.EstimatedRowsScanned, withoutIndex.EstimatedRowsScanned)
	}
	if withIndex.TotalCost >= withoutIndex.TotalCost {
		t.Errorf("expected indexed plan cost to be lower: indexed=%v full=%v", withIndex.TotalCost, withoutIndex.TotalCost)
	}
}
