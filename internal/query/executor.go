package query

import (
	"context"
	"fmt"
	"sort"

	"github.com/tidwall/gjson"

	"github.com/dot-do/parquedb/internal/cache"
	"github.com/dot-do/parquedb/internal/eventlog"
	"github.com/dot-do/parquedb/internal/filter"
	"github.com/dot-do/parquedb/internal/index"
	"github.com/dot-do/parquedb/internal/logging"
	"github.com/dot-do/parquedb/internal/router"
	"github.com/dot-do/parquedb/internal/storage"
	"github.com/dot-do/parquedb/internal/storage/sqlitemeta"
	"github.com/dot-do/parquedb/internal/types"
)

// TailSource is the live, never-evicted view of current entity state that
// QueryExecutor merges row-group reads against (spec §4.10 step 4). It is
// satisfied by *entitystore.Store.
type TailSource interface {
	Get(id string) (*types.Entity, bool)
	CurrentIfNewer(id string, rowVersion int) (*types.Entity, bool)
}

// Executor runs a compiled Plan against committed row groups and the
// in-memory event tail (spec §4.10).
type Executor struct {
	namespace    string
	backend      storage.Backend
	meta         *sqlitemeta.Store
	router       *router.Router
	rgCache      *cache.RowGroupCache
	cacheVersion int
	tail         TailSource
	indexes      *index.Manager // may be nil
	bloomFactor  float64
	log          *logging.Logger
}

// ExecutorOptions bundles Executor's collaborators.
type ExecutorOptions struct {
	Namespace    string
	Backend      storage.Backend
	Meta         *sqlitemeta.Store
	Router       *router.Router
	Cache        *cache.RowGroupCache
	CacheVersion int
	Tail         TailSource
	Indexes      *index.Manager
	BloomFactor  float64
	Logger       *logging.Logger
}

// NewExecutor constructs an Executor for one namespace.
func NewExecutor(opts ExecutorOptions) *Executor {
	return &Executor{
		namespace:    opts.Namespace,
		backend:      opts.Backend,
		meta:         opts.Meta,
		router:       opts.Router,
		rgCache:      opts.Cache,
		cacheVersion: opts.CacheVersion,
		tail:         opts.Tail,
		indexes:      opts.Indexes,
		bloomFactor:  opts.BloomFactor,
		log:          logging.OrDefault(opts.Logger),
	}
}

// Execute runs plan, dispatching to the strategy-appropriate path.
func (x *Executor) Execute(ctx context.Context, plan *Plan) (*types.Page, error) {
	switch plan.Strategy {
	case StrategyPointLookup:
		return x.pointLookup(plan)
	case StrategyHashLookup:
		return x.indexLookup(plan, x.hashCandidates)
	case StrategyRangeScan:
		if rec := plan.IndexRecommendation; rec != nil {
			return x.indexLookup(plan, x.rangeCandidates)
		}
		return x.scan(ctx, plan)
	case StrategyFTSSearch:
		return x.searchStrategy(ctx, plan, x.textCandidates)
	case StrategyVectorSearch:
		return x.searchStrategy(ctx, plan, x.vectorCandidates)
	case StrategyHybridSearch:
		return x.searchStrategy(ctx, plan, x.hybridCandidates)
	case StrategyMVLookup:
		// No physical materialized-view storage is maintained separately
		// in this implementation (MVRouter decides routing eligibility;
		// nothing precomputes and persists view contents). Fall back to a
		// full scan so results stay correct; the plan still records the
		// cost savings MVRouter estimated for observability.
		x.log.Warn("mv_lookup strategy chosen but no MV storage backs it, falling back to scan", "namespace", x.namespace)
		return x.scan(ctx, plan)
	default:
		return x.scan(ctx, plan)
	}
}

func extractIDEquality(node filter.Node) (string, bool) {
	switch v := node.(type) {
	case *filter.Predicate:
		if v.Path == "$id" && v.Op == filter.OpEq {
			if s, ok := v.Value.(string); ok {
				return s, true
			}
		}
	case *filter.And:
		for _, c := range v.Children {
			if id, ok := extractIDEquality(c); ok {
				return id, true
			}
		}
	}
	return "", false
}

func (x *Executor) pointLookup(plan *Plan) (*types.Page, error) {
	id, ok := extractIDEquality(plan.OptimizedFilter)
	if !ok {
		return &types.Page{}, nil
	}
	e, ok := x.tail.Get(id)
	if !ok {
		return &types.Page{}, nil
	}
	doc, err := filter.ToDocument(e)
	if err != nil {
		return nil, err
	}
	matched, err := plan.OptimizedFilter.Eval(doc)
	if err != nil || !matched {
		return &types.Page{}, err
	}
	return paginate([]*types.Entity{e}, plan.Options)
}

// indexLookup serves hash/range strategies entirely from the live index
// and tail: IndexManager's maintained structures are as fresh as
// EntityStore (both update synchronously per accepted mutation), so
// there is no row-group I/O or staleness to reconcile.
func (x *Executor) indexLookup(plan *Plan, candidates func(plan *Plan) []string) (*types.Page, error) {
	ids := candidates(plan)
	items := make([]*types.Entity, 0, len(ids))
	for _, id := range ids {
		e, ok := x.tail.Get(id)
		if !ok {
			continue
		}
		doc, err := filter.ToDocument(e)
		if err != nil {
			return nil, err
		}
		matched, err := plan.OptimizedFilter.Eval(doc)
		if err != nil {
			return nil, err
		}
		if matched {
			items = append(items, e)
		}
	}
	return paginate(items, plan.Options)
}

func (x *Executor) hashCandidates(plan *Plan) []string {
	rec := plan.IndexRecommendation
	if rec == nil || x.indexes == nil {
		return nil
	}
	values := eqValuesFor(plan.OptimizedFilter)
	return x.indexes.LookupHash(rec.IndexName, values)
}

func (x *Executor) rangeCandidates(plan *Plan) []string {
	rec := plan.IndexRecommendation
	if rec == nil || x.indexes == nil {
		return nil
	}
	p := rangePredicate(plan.OptimizedFilter)
	if p == nil {
		return nil
	}
	return x.indexes.LookupRange(rec.IndexName, p)
}

func eqValuesFor(node filter.Node) []any {
	var values []any
	var walk func(filter.Node)
	walk = func(n filter.Node) {
		switch v := n.(type) {
		case *filter.Predicate:
			if v.Op == filter.OpEq {
				values = append(values, v.Value)
			}
		case *filter.And:
			for _, c := range v.Children {
				walk(c)
			}
		}
	}
	walk(node)
	return values
}

func rangePredicate(node filter.Node) *filter.Predicate {
	switch v := node.(type) {
	case *filter.Predicate:
		switch v.Op {
		case filter.OpGt, filter.OpGte, filter.OpLt, filter.OpLte:
			return v
		}
	case *filter.And:
		for _, c := range v.Children {
			if p := rangePredicate(c); p != nil {
				return p
			}
		}
	}
	return nil
}

// searchStrategy serves fts/vector/hybrid strategies: the index hands
// back an ordered id stream, the executor fetches current entities in
// that order and re-evaluates every non-search term of the filter (spec
// §4.10).
func (x *Executor) searchStrategy(ctx context.Context, plan *Plan, candidates func(ctx context.Context, plan *Plan) ([]string, error)) (*types.Page, error) {
	ids, err := candidates(ctx, plan)
	if err != nil {
		return nil, err
	}
	// The index matched the $text/$vector terms; the rest of the filter is
	// checked here against each current entity.
	terms := []filter.Node{plan.OptimizedFilter}
	if and, ok := plan.OptimizedFilter.(*filter.And); ok {
		terms = and.Children
	}
	residual := &filter.And{}
	for _, c := range terms {
		switch c.(type) {
		case *filter.TextPredicate, *filter.VectorPredicate:
		default:
			residual.Children = append(residual.Children, c)
		}
	}
	items := make([]*types.Entity, 0, len(ids))
	for _, id := range ids {
		e, ok := x.tail.Get(id)
		if !ok {
			continue
		}
		doc, err := filter.ToDocument(e)
		if err != nil {
			return nil, err
		}
		matched, err := residual.Eval(doc)
		if err != nil {
			return nil, err
		}
		if matched {
			items = append(items, e)
		}
	}
	return paginateOrdered(items, plan.Options)
}

func (x *Executor) textCandidates(ctx context.Context, plan *Plan) ([]string, error) {
	if x.indexes == nil {
		return nil, nil
	}
	t := findTextPredicate(plan.OptimizedFilter)
	if t == nil {
		return nil, nil
	}
	limit := plan.Options.Limit
	if limit <= 0 {
		limit = 100
	}
	hits, err := x.indexes.SearchText(ctx, t.Search, limit)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(hits))
	seen := map[string]bool{}
	for _, h := range hits {
		if !seen[h.EntityID] {
			seen[h.EntityID] = true
			ids = append(ids, h.EntityID)
		}
	}
	return ids, nil
}

func (x *Executor) vectorCandidates(ctx context.Context, plan *Plan) ([]string, error) {
	if x.indexes == nil || plan.IndexRecommendation == nil {
		return nil, nil
	}
	v := findVectorPredicate(plan.OptimizedFilter)
	if v == nil {
		return nil, nil
	}
	return x.indexes.SearchVector(plan.IndexRecommendation.IndexName, v.Query, v.TopK), nil
}

func (x *Executor) hybridCandidates(ctx context.Context, plan *Plan) ([]string, error) {
	textIDs, err := x.textCandidates(ctx, plan)
	if err != nil {
		return nil, err
	}
	vecIDs, err := x.vectorCandidates(ctx, plan)
	if err != nil {
		return nil, err
	}
	textSet := map[string]bool{}
	for _, id := range textIDs {
		textSet[id] = true
	}
	// preserve vector ranking order, intersected with text matches.
	var out []string
	for _, id := range vecIDs {
		if textSet[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

func findTextPredicate(node filter.Node) *filter.TextPredicate {
	switch v := node.(type) {
	case *filter.TextPredicate:
		return v
	case *filter.And:
		for _, c := range v.Children {
			if t := findTextPredicate(c); t != nil {
				return t
			}
		}
	}
	return nil
}

func findVectorPredicate(node filter.Node) *filter.VectorPredicate {
	switch v := node.(type) {
	case *filter.VectorPredicate:
		return v
	case *filter.And:
		for _, c := range v.Children {
			if vv := findVectorPredicate(c); vv != nil {
				return vv
			}
		}
	}
	return nil
}

// scan implements the full row-group-streaming path (spec §4.10 steps
// 1-5) used by full_scan and index-less range queries.
func (x *Executor) scan(ctx context.Context, plan *Plan) (*types.Page, error) {
	paths, err := x.router.ResolveDataPaths(x.namespace, plan.OriginalFilter)
	if err != nil {
		return nil, fmt.Errorf("query: resolve data paths: %w", err)
	}

	var items []*types.Entity
	seen := map[string]bool{}
	for _, path := range paths {
		prefix := router.RowGroupDir(path) + "/"
		rows, err := x.meta.CommittedUnderPrefix(ctx, x.namespace, prefix)
		if err != nil {
			return nil, fmt.Errorf("query: list committed row groups under %s: %w", prefix, err)
		}
		for _, row := range rows {
			group, err := x.loadRowGroup(ctx, row.Path)
			if err != nil {
				return nil, err
			}
			if rowGroupSkippable(group.Stats, plan.PredicatePushdown.PushedPredicates, x.bloomFactor) {
				continue
			}
			for _, entity := range group.Rows {
				current := entity
				if newer, ok := x.tail.CurrentIfNewer(entity.ID, entity.Version); ok {
					current = newer
				}
				if seen[current.ID] {
					continue
				}
				seen[current.ID] = true
				if current.Tombstoned() {
					continue
				}
				doc, err := filter.ToDocument(current)
				if err != nil {
					return nil, err
				}
				matched, err := plan.OptimizedFilter.Eval(doc)
				if err != nil {
					return nil, err
				}
				if matched {
					items = append(items, current)
				}
			}
		}
	}
	return paginate(items, plan.Options)
}

func (x *Executor) loadRowGroup(ctx context.Context, path string) (*types.RowGroup, error) {
	key := cache.Key{Path: path, Index: 0, Version: x.cacheVersion}
	if x.rgCache != nil {
		if g, ok := x.rgCache.Get(key); ok {
			return g, nil
		}
	}
	group, err := eventlog.ReadRowGroup(ctx, x.backend, path)
	if err != nil {
		return nil, fmt.Errorf("query: read row group %s: %w", path, err)
	}
	if x.rgCache != nil {
		x.rgCache.Put(key, group)
	}
	return group, nil
}

// evalOrTrueNode evaluates a possibly-nil filter node against doc; a nil
// node matches every document.
func evalOrTrueNode(n filter.Node, doc []byte) (bool, error) {
	if n == nil {
		return true, nil
	}
	return n.Eval(doc)
}

// sort/paginate ---------------------------------------------------------

func paginate(items []*types.Entity, opts types.QueryOptions) (*types.Page, error) {
	sortItems(items, opts.Sort)
	return sliceAndProject(items, opts)
}

// paginateOrdered skips sorting: callers (fts/vector) already produced a
// ranked order that re-sorting by field would destroy, unless the caller
// explicitly asked for one.
func paginateOrdered(items []*types.Entity, opts types.QueryOptions) (*types.Page, error) {
	if len(opts.Sort) > 0 {
		sortItems(items, opts.Sort)
	}
	return sliceAndProject(items, opts)
}

func sortItems(items []*types.Entity, spec types.SortSpec) {
	if len(spec) == 0 {
		return
	}
	// types.SortSpec is a map, so multi-field order isn't preserved by the
	// wire format itself; fields are applied in sorted-name order for a
	// deterministic (if arbitrary for multi-field sorts) comparator.
	fields := make([]string, 0, len(spec))
	for f := range spec {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	sort.SliceStable(items, func(i, j int) bool {
		di, _ := filter.ToDocument(items[i])
		dj, _ := filter.ToDocument(items[j])
		for _, f := range fields {
			dir := spec[f]
			ri, rj := gjson.GetBytes(di, f), gjson.GetBytes(dj, f)
			cmp, ok := compareGjson(ri, rj)
			if !ok || cmp == 0 {
				continue
			}
			if dir < 0 {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

func compareGjson(a, b gjson.Result) (int, bool) {
	switch {
	case a.Type == gjson.Number && b.Type == gjson.Number:
		av, bv := a.Float(), b.Float()
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		default:
			return 0, true
		}
	case a.Type == gjson.String && b.Type == gjson.String:
		av, bv := a.String(), b.String()
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		default:
			return 0, true
		}
	default:
		return 0, false
	}
}

func sliceAndProject(items []*types.Entity, opts types.QueryOptions) (*types.Page, error) {
	start := opts.Skip
	if opts.Cursor != "" {
		for i, it := range items {
			if it.ID == opts.Cursor {
				start = i + 1
				break
			}
		}
	}
	if start > len(items) {
		start = len(items)
	}
	items = items[start:]

	limit := opts.Limit
	hasMore := false
	if limit > 0 && len(items) > limit {
		hasMore = true
		items = items[:limit]
	}

	var cursor string
	if hasMore && len(items) > 0 {
		cursor = items[len(items)-1].ID
	}

	if len(opts.Project) > 0 {
		projected := make([]*types.Entity, len(items))
		for i, e := range items {
			doc, err := filter.Project(e, opts.Project)
			if err != nil {
				return nil, err
			}
			var pe types.Entity
			if err := pe.UnmarshalJSON(doc); err != nil {
				return nil, err
			}
			projected[i] = &pe
		}
		items = projected
	}

	return &types.Page{Items: items, HasMore: hasMore, Cursor: cursor}, nil
}
