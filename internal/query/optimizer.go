package query

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/tidwall/gjson"
	"github.com/tidwall/match"

	"github.com/dot-do/parquedb/internal/config"
	"github.com/dot-do/parquedb/internal/filter"
	"github.com/dot-do/parquedb/internal/index"
	"github.com/dot-do/parquedb/internal/types"
)

// Optimizer compiles a (namespace, filter, options, statistics) tuple
// into a Plan (spec §4.8).
type Optimizer struct {
	cfg     config.OptimizerConfig
	indexes *index.Manager // may be nil: no registered indexes for this namespace
}

// NewOptimizer constructs an Optimizer. idx may be nil.
func NewOptimizer(cfg config.OptimizerConfig, idx *index.Manager) *Optimizer {
	return &Optimizer{cfg: cfg, indexes: idx}
}

// anchoredPrefixRegex matches a regexp pattern that is purely an anchored
// literal prefix, e.g. "^Engineering" with no other metacharacters, so it
// is semantically equivalent to a glob "Engineering*".
var anchoredPrefixRegex = regexp.MustCompile(`^\^[A-Za-z0-9_\-]+$`)

// Compile implements QueryOptimizer (spec §4.8).
func (o *Optimizer) Compile(namespace string, f types.Filter, opts types.QueryOptions, stats types.Statistics) (*Plan, error) {
	node, err := filter.Compile(f)
	if err != nil {
		return nil, fmt.Errorf("query: compile filter: %w", err)
	}
	node = flatten(node)

	var suggestions []Suggestion
	node, prefixSuggestions := rewriteAnchoredPrefixes(node)
	suggestions = append(suggestions, prefixSuggestions...)

	pushdown := o.buildPushdown(node, stats)
	pruning := o.buildColumnPruning(node, opts)

	var rec *IndexRecommendation
	var strategy Strategy
	if o.indexes != nil {
		if sel := o.indexes.SelectIndex(node, stats.TotalRows); sel != nil {
			rec = &IndexRecommendation{
				IndexName:   sel.Name,
				IndexType:   sel.Type,
				Selectivity: sel.Selectivity,
			}
			strategy = strategyForIndexType(sel.Type)
			if stats.TotalRows > 0 {
				rec.CostReductionPct = 1 - (float64(sel.EstimatedRows) / float64(stats.TotalRows))
			}
		}
	}
	if strategy == "" {
		strategy = strategyWithoutIndex(node)
	}

	cost := o.estimateCost(stats, pushdown, rec, opts.Limit)

	if opts.Limit == 0 && cost.EstimatedRowsScanned > 1000 {
		suggestions = append(suggestions, Suggestion{
			Kind: SuggestAddLimit, Priority: 1,
			Message: "add a limit: this query would scan more than 1000 rows unbounded",
		})
	}
	if len(opts.Project) == 0 {
		suggestions = append(suggestions, Suggestion{
			Kind: SuggestAddProjection, Priority: 2,
			Message: "add a $select projection to reduce bytes scanned per row",
		})
	}
	if rec == nil {
		for _, col := range eqFields(node) {
			suggestions = append(suggestions, Suggestion{
				Kind: SuggestCreateIndex, Priority: 3,
				Message: fmt.Sprintf("create a hash index on %q for this equality lookup", col),
			})
		}
	}
	if _, isOr := node.(*filter.Or); isOr {
		suggestions = append(suggestions, Suggestion{
			Kind: SuggestRewriteOr, Priority: 4,
			Message: "rewrite this $or into separate queries unioned by the caller to allow independent index use",
		})
	}
	sort.SliceStable(suggestions, func(i, j int) bool { return suggestions[i].Priority < suggestions[j].Priority })

	return &Plan{
		Namespace:           namespace,
		OriginalFilter:      f,
		OptimizedFilter:     node,
		Strategy:            strategy,
		PredicatePushdown:   pushdown,
		ColumnPruning:       pruning,
		IndexRecommendation: rec,
		EstimatedCost:       cost,
		Suggestions:         suggestions,
		Options:             opts,
	}, nil
}

// flatten unwraps single-element conjunctions and merges nested $and
// trees into one flat And (spec §4.8 "nested conjunctions flattened;
// single-element conjunctions unwrapped").
func flatten(n filter.Node) filter.Node {
	and, ok := n.(*filter.And)
	if !ok {
		return n
	}
	var flat []filter.Node
	var walk func([]filter.Node)
	walk = func(children []filter.Node) {
		for _, c := range children {
			c = flatten(c)
			if ca, ok := c.(*filter.And); ok {
				walk(ca.Children)
				continue
			}
			flat = append(flat, c)
		}
	}
	walk(and.Children)
	if len(flat) == 1 {
		return flat[0]
	}
	return &filter.And{Children: flat}
}

// globPrefixNode replaces an anchored-literal-prefix $regex predicate.
// Evaluation goes through tidwall/match's glob matcher rather than
// compiling a regexp per row, since the pattern is just "prefix*".
type globPrefixNode struct {
	path    string
	pattern string
}

func (g *globPrefixNode) Fields() []string { return []string{g.path} }
func (g *globPrefixNode) Pushable() bool   { return true }
func (g *globPrefixNode) Eval(doc []byte) (bool, error) {
	res := gjson.GetBytes(doc, g.path)
	if !res.Exists() {
		return false, nil
	}
	return match.Match(res.String(), g.pattern), nil
}

// rewriteAnchoredPrefixes walks the tree replacing anchored-literal-prefix
// $regex predicates with globPrefixNode, returning suggestions describing
// each rewrite (spec §4.8: "anchored prefix regex rewritten to
// prefix-predicate suggestions").
func rewriteAnchoredPrefixes(n filter.Node) (filter.Node, []Suggestion) {
	switch v := n.(type) {
	case *filter.Predicate:
		if v.Op != filter.OpRegex {
			return n, nil
		}
		pattern, ok := v.Value.(string)
		if !ok || !anchoredPrefixRegex.MatchString(pattern) {
			return n, nil
		}
		prefix := pattern[1:]
		g := &globPrefixNode{path: v.Path, pattern: prefix + "*"}
		s := Suggestion{
			Kind: SuggestRewritePrefix, Priority: 5,
			Message: fmt.Sprintf("rewrote anchored regex ^%s on %s into a prefix predicate", prefix, v.Path),
		}
		return g, []Suggestion{s}
	case *filter.And:
		var out []Suggestion
		children := make([]filter.Node, len(v.Children))
		for i, c := range v.Children {
			rewritten, sg := rewriteAnchoredPrefixes(c)
			children[i] = rewritten
			out = append(out, sg...)
		}
		return &filter.And{Children: children}, out
	case *filter.Or:
		var out []Suggestion
		children := make([]filter.Node, len(v.Children))
		for i, c := range v.Children {
			rewritten, sg := rewriteAnchoredPrefixes(c)
			children[i] = rewritten
			out = append(out, sg...)
		}
		return &filter.Or{Children: children}, out
	case *filter.Not:
		rewritten, sg := rewriteAnchoredPrefixes(v.Child)
		return &filter.Not{Child: rewritten}, sg
	default:
		return n, nil
	}
}

func strategyForIndexType(t types.IndexType) Strategy {
	switch t {
	case types.IndexHash, types.IndexComposite:
		return StrategyHashLookup
	case types.IndexRange:
		return StrategyRangeScan
	case types.IndexFullText:
		return StrategyFTSSearch
	case types.IndexVector:
		return StrategyVectorSearch
	default:
		return StrategyFullScan
	}
}

func strategyWithoutIndex(node filter.Node) Strategy {
	switch v := node.(type) {
	case *filter.Predicate:
		if v.Path == "$id" && v.Op == filter.OpEq {
			return StrategyPointLookup
		}
	case *filter.And:
		hasText, hasVector := false, false
		for _, c := range v.Children {
			switch c.(type) {
			case *filter.TextPredicate:
				hasText = true
			case *filter.VectorPredicate:
				hasVector = true
			}
		}
		if hasText && hasVector {
			return StrategyHybridSearch
		}
	case *filter.TextPredicate:
		return StrategyFTSSearch
	case *filter.VectorPredicate:
		return StrategyVectorSearch
	}
	return StrategyFullScan
}

// buildPushdown implements §4.8 pushdown rules: pushable leaves become
// pushed predicates with their row-group-skip count estimated from column
// statistics; everything else remains in remainingFilter.
func (o *Optimizer) buildPushdown(node filter.Node, stats types.Statistics) PredicatePushdown {
	var pushed []PushedPredicate
	remaining := collectRemaining(node, &pushed)

	skipped := 0
	for _, rg := range stats.RowGroups {
		if rowGroupSkippable(rg, pushed, o.cfg.BloomFilterFactor) {
			skipped++
		}
	}
	return PredicatePushdown{
		PushedPredicates:          pushed,
		RemainingFilter:           remaining,
		EstimatedSkippedRowGroups: skipped,
	}
}

// collectRemaining extracts every pushable leaf predicate from an $and of
// pushable terms into pushed, returning the remainder that must still be
// evaluated per row. Only the exact spec-listed shapes push down: $and of
// pushable predicates, or a single pushable predicate/prefix node at the
// root. $or, $not, $text, $vector, and non-prefix $regex never push.
func collectRemaining(node filter.Node, pushed *[]PushedPredicate) filter.Node {
	switch v := node.(type) {
	case *filter.Predicate:
		if v.Pushable() {
			*pushed = append(*pushed, PushedPredicate{Column: v.Path, Op: v.Op, Value: v.Value})
			return nil
		}
		return v
	case *globPrefixNode:
		*pushed = append(*pushed, PushedPredicate{Column: v.path, Op: filter.OpGte, Value: v.pattern})
		return nil
	case *filter.And:
		var remaining []filter.Node
		for _, c := range v.Children {
			if r := collectRemaining(c, pushed); r != nil {
				remaining = append(remaining, r)
			}
		}
		if len(remaining) == 0 {
			return nil
		}
		if len(remaining) == 1 {
			return remaining[0]
		}
		return &filter.And{Children: remaining}
	default:
		return node
	}
}

func rowGroupSkippable(rg types.RowGroupStats, pushed []PushedPredicate, bloomFactor float64) bool {
	for _, p := range pushed {
		col, ok := rg.Columns[p.Column]
		if !ok {
			continue // no stats for this column: can't prove skippability
		}
		switch p.Op {
		case filter.OpEq:
			if col.Bloom != nil && bloomFactor < 1 && !bloomMayContain(col.Bloom, p.Value) {
				return true
			}
			if outOfRange(col, p.Value) {
				return true
			}
		case filter.OpIn:
			values, _ := p.Value.([]any)
			allOut := true
			for _, v := range values {
				if !outOfRange(col, v) {
					allOut = false
					break
				}
			}
			if allOut && len(values) > 0 {
				return true
			}
		case filter.OpGt, filter.OpGte:
			if cmp, ok := compareAny(col.Max, p.Value); ok && cmp < 0 {
				return true
			}
		case filter.OpLt, filter.OpLte:
			if cmp, ok := compareAny(col.Min, p.Value); ok && cmp > 0 {
				return true
			}
		}
	}
	return false
}

func outOfRange(col types.ColumnStats, value any) bool {
	if lo, ok := compareAny(value, col.Min); ok && lo < 0 {
		return true
	}
	if hi, ok := compareAny(value, col.Max); ok && hi > 0 {
		return true
	}
	return false
}

// bloomMayContain is a placeholder membership check: without a concrete
// bloom-filter codec in the retrieved pack, it reports true for every
// filter, so a bloom filter never causes a row group to be skipped.
func bloomMayContain(bloom []byte, value any) bool { return true }

func compareAny(a, b any) (int, bool) {
	switch av := a.(type) {
	case float64:
		if bv, ok := b.(float64); ok {
			switch {
			case av < bv:
				return -1, true
			case av > bv:
				return 1, true
			default:
				return 0, true
			}
		}
	case string:
		if bv, ok := b.(string); ok {
			switch {
			case av < bv:
				return -1, true
			case av > bv:
				return 1, true
			default:
				return 0, true
			}
		}
	}
	return 0, false
}

func (o *Optimizer) buildColumnPruning(node filter.Node, opts types.QueryOptions) ColumnPruning {
	filterCols := node.Fields()
	var projCols []string
	for field := range opts.Project {
		projCols = append(projCols, field)
	}
	sort.Strings(projCols)
	var sortCols []string
	for field := range opts.Sort {
		sortCols = append(sortCols, field)
	}
	sort.Strings(sortCols)

	seen := map[string]bool{}
	var required []string
	add := func(cols []string) {
		for _, c := range cols {
			if !seen[c] {
				seen[c] = true
				required = append(required, c)
			}
		}
	}
	add(filterCols)
	add(projCols)
	add(sortCols)
	add(types.CoreFields)
	sort.Strings(required)

	return ColumnPruning{
		FilterColumns:     filterCols,
		ProjectionColumns: projCols,
		SortColumns:       sortCols,
		RequiredColumns:   required,
	}
}

func eqFields(node filter.Node) []string {
	var out []string
	switch v := node.(type) {
	case *filter.Predicate:
		if v.Op == filter.OpEq {
			out = append(out, v.Path)
		}
	case *filter.And:
		for _, c := range v.Children {
			out = append(out, eqFields(c)...)
		}
	}
	return out
}

// estimateCost implements §4.8's cost model. The cost constants are
// ordered ROW_GROUP_SCAN > ROW_READ > ROW_FILTER > 0 (config.Default)
// so that scanning more row groups always dominates reading/filtering
// the rows within them, and an index's selectivity floor keeps it cheaper
// than a full scan once the dataset is large enough.
func (o *Optimizer) estimateCost(stats types.Statistics, pushdown PredicatePushdown, rec *IndexRecommendation, limit int) CostEstimate {
	if rec != nil {
		selectivity := rec.Selectivity
		switch rec.IndexType {
		case types.IndexFullText:
			if selectivity < o.cfg.FTSSelectivityFloor {
				selectivity = o.cfg.FTSSelectivityFloor
			}
		case types.IndexVector:
			if selectivity < o.cfg.VectorSelectivityFloor {
				selectivity = o.cfg.VectorSelectivityFloor
			}
		}
		rowsScanned := int(selectivity * float64(stats.TotalRows))
		rowsReturned := rowsScanned
		if limit > 0 && rowsReturned > limit {
			rowsReturned = limit
		}
		ioCost := float64(rowsScanned) * o.cfg.RowReadCost
		cpuCost := float64(rowsScanned) * o.cfg.RowFilterCost
		return CostEstimate{
			IOCost: ioCost, CPUCost: cpuCost, TotalCost: ioCost + cpuCost,
			EstimatedRowsScanned: rowsScanned, EstimatedRowsReturned: rowsReturned,
		}
	}

	rowGroupsScanned := stats.RowGroupCount - pushdown.EstimatedSkippedRowGroups
	if rowGroupsScanned < 0 {
		rowGroupsScanned = 0
	}
	rowsPerGroup := 0
	if stats.RowGroupCount > 0 {
		rowsPerGroup = stats.TotalRows / stats.RowGroupCount
	}
	rowsScanned := rowsPerGroup * rowGroupsScanned
	if stats.RowGroupCount == 0 {
		rowsScanned = stats.TotalRows
	}
	rowsReturned := rowsScanned
	if limit > 0 && rowsReturned > limit {
		rowsReturned = limit
	}
	ioCost := float64(rowGroupsScanned)*o.cfg.RowGroupScanCost + float64(rowsScanned)*o.cfg.RowReadCost
	cpuCost := float64(rowsScanned) * o.cfg.RowFilterCost
	return CostEstimate{
		IOCost: ioCost, CPUCost: cpuCost, TotalCost: ioCost + cpuCost,
		EstimatedRowsScanned: rowsScanned, EstimatedRowsReturned: rowsReturned,
	}
}
