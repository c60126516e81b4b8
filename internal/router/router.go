// Package router resolves a (namespace, optional filter) pair to the
// ordered set of data paths that may contain matching rows (spec §4.3,
// persistence layout §6.1).
package router

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"

	"github.com/dot-do/parquedb/internal/config"
)

// Router resolves namespace layout and shard decisions from config.
type Router struct {
	cfg    config.RouterConfig
	parser *when.Parser
}

// New builds a Router from the router section of the loaded config.
func New(cfg config.RouterConfig) *Router {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return &Router{cfg: cfg, parser: w}
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// EncodeShardValue lowercases and coerces non-alphanumerics to "_",
// per spec §4.3 "stable paths".
func EncodeShardValue(v string) string {
	return nonAlnum.ReplaceAllString(strings.ToLower(v), "_")
}

// namespaceConfig returns the declared config for ns, or an empty
// (flexible, unsharded) default when the namespace is unknown.
func (r *Router) namespaceConfig(ns string) config.NamespaceConfig {
	if r.cfg.Namespaces != nil {
		if nc, ok := r.cfg.Namespaces[ns]; ok {
			return nc
		}
	}
	return config.NamespaceConfig{}
}

// BasePath returns the unsharded data path for a namespace, per §6.1:
// typed → "data/<ns>.parquet"; flexible → "data/<ns>/data.parquet".
func (r *Router) BasePath(ns string) string {
	nc := r.namespaceConfig(ns)
	if nc.Typed {
		return fmt.Sprintf("data/%s.parquet", ns)
	}
	return fmt.Sprintf("data/%s/data.parquet", ns)
}

// ResolveDataPaths implements spec §4.3's core decision: given a
// namespace and an optional filter (may be nil), return the ordered set
// of data paths that may contain matching rows.
func (r *Router) ResolveDataPaths(ns string, filter map[string]any) ([]string, error) {
	nc := r.namespaceConfig(ns)
	if nc.ShardStrategy == "" {
		return []string{r.BasePath(ns)}, nil
	}
	switch nc.ShardStrategy {
	case "discriminator":
		return r.discriminatorPaths(ns, nc, filter)
	case "time":
		return r.timeBucketPaths(ns, nc, filter)
	case "hash":
		return r.hashPaths(ns, nc, filter)
	default:
		return nil, fmt.Errorf("router: unknown shard strategy %q for namespace %s", nc.ShardStrategy, ns)
	}
}

// RowGroupDir returns the directory committed row groups for a logical
// data path are written under: "<path-without-.parquet>/_rowgroups".
// EventLog writes flushed row groups there; QueryExecutor lists them back
// via sqlitemeta.CommittedUnderPrefix using the same prefix, so the two
// must stay in lockstep with this single derivation.
func RowGroupDir(path string) string {
	return strings.TrimSuffix(path, ".parquet") + "/_rowgroups"
}

func shardPath(ns, kind, value string) string {
	return fmt.Sprintf("%s/_shards/%s=%s/data.parquet", ns, kind, EncodeShardValue(value))
}

func (r *Router) discriminatorPaths(ns string, nc config.NamespaceConfig, filter map[string]any) ([]string, error) {
	if pinned, ok := pinnedEquality(filter, nc.ShardField); ok {
		return []string{shardPath(ns, "type", fmt.Sprint(pinned))}, nil
	}
	if values, ok := pinnedIn(filter, nc.ShardField); ok {
		paths := make([]string, 0, len(values))
		for _, v := range values {
			paths = append(paths, shardPath(ns, "type", fmt.Sprint(v)))
		}
		sort.Strings(paths)
		return paths, nil
	}
	if len(nc.ShardValues) == 0 {
		// Unknown value set and no pinned value: fall back to the base
		// path (spec §9 open question — explicitly unresolved upstream,
		// preserved here as documented behavior rather than silently
		// dropping coverage).
		return []string{r.BasePath(ns)}, nil
	}
	paths := make([]string, 0, len(nc.ShardValues))
	for _, v := range nc.ShardValues {
		paths = append(paths, shardPath(ns, "type", v))
	}
	sort.Strings(paths)
	return paths, nil
}

// bucketKey returns the bucket key for t at a bucket granularity.
// ISO week needs custom handling (Go's reference layout has no week verb).
func bucketKey(t time.Time, granularity string) string {
	switch granularity {
	case "hour":
		return t.Format("2006-01-02T15")
	case "day":
		return t.Format("2006-01-02")
	case "week":
		year, week := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	case "month":
		return t.Format("2006-01")
	case "year":
		return t.Format("2006")
	default:
		return t.Format("2006-01-02")
	}
}

func (r *Router) resolveTimeValue(v any) (time.Time, bool) {
	switch val := v.(type) {
	case time.Time:
		return val, true
	case string:
		if t, err := time.Parse(time.RFC3339, val); err == nil {
			return t, true
		}
		if res, err := r.parser.Parse(val, time.Now()); err == nil && res != nil {
			return res.Time, true
		}
	}
	return time.Time{}, false
}

func (r *Router) timeBucketPaths(ns string, nc config.NamespaceConfig, filter map[string]any) ([]string, error) {
	pred, ok := fieldPredicate(filter, nc.ShardField)
	if !ok {
		return []string{r.BasePath(ns)}, nil
	}
	if eq, ok := pred["$eq"]; ok {
		if t, ok := r.resolveTimeValue(eq); ok {
			return []string{shardPath(ns, "period", bucketKey(t, nc.TimeBucket))}, nil
		}
	}
	if scalar, isScalar := scalarPredicate(pred); isScalar {
		if t, ok := r.resolveTimeValue(scalar); ok {
			return []string{shardPath(ns, "period", bucketKey(t, nc.TimeBucket))}, nil
		}
	}

	gte, hasGte := firstOf(pred, "$gte", "$gt")
	lte, hasLte := firstOf(pred, "$lte", "$lt")
	if !hasGte && !hasLte {
		return []string{r.BasePath(ns)}, nil
	}
	start, ok1 := r.resolveTimeValue(gte)
	end, ok2 := r.resolveTimeValue(lte)
	if hasGte && !ok1 {
		return []string{r.BasePath(ns)}, nil
	}
	if hasLte && !ok2 {
		return []string{r.BasePath(ns)}, nil
	}
	if !hasGte {
		start = end
	}
	if !hasLte {
		end = start
	}
	return r.enumerateTimeBuckets(ns, nc.TimeBucket, start, end), nil
}

func (r *Router) enumerateTimeBuckets(ns, granularity string, start, end time.Time) []string {
	seen := map[string]bool{}
	var paths []string
	step := stepFor(granularity)
	for t := start; !t.After(end); t = step(t) {
		key := bucketKey(t, granularity)
		if !seen[key] {
			seen[key] = true
			paths = append(paths, shardPath(ns, "period", key))
		}
	}
	if key := bucketKey(end, granularity); !seen[key] {
		paths = append(paths, shardPath(ns, "period", key))
	}
	sort.Strings(paths)
	return paths
}

func stepFor(granularity string) func(time.Time) time.Time {
	switch granularity {
	case "hour":
		return func(t time.Time) time.Time { return t.Add(time.Hour) }
	case "week":
		return func(t time.Time) time.Time { return t.AddDate(0, 0, 7) }
	case "month":
		return func(t time.Time) time.Time { return t.AddDate(0, 1, 0) }
	case "year":
		return func(t time.Time) time.Time { return t.AddDate(1, 0, 0) }
	default:
		return func(t time.Time) time.Time { return t.AddDate(0, 0, 1) }
	}
}

func (r *Router) hashPaths(ns string, nc config.NamespaceConfig, filter map[string]any) ([]string, error) {
	count := nc.ShardCount
	if count <= 0 {
		count = 1
	}
	if pinned, ok := pinnedEquality(filter, "id"); ok {
		return []string{shardPath(ns, "shard", fmt.Sprint(hashMod(fmt.Sprint(pinned), count)))}, nil
	}
	paths := make([]string, 0, count)
	for i := 0; i < count; i++ {
		paths = append(paths, shardPath(ns, "shard", fmt.Sprint(i)))
	}
	return paths, nil
}

// hashMod deterministically hashes id modulo count, used for hash shard
// placement (spec §4.3, testable property #5).
func hashMod(id string, count int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return int(h.Sum32() % uint32(count))
}

// GrowthStatus reports whether a path's observed size exceeds the
// configured growth thresholds (spec §4.3).
type GrowthStatus struct {
	ExceedsBytes     bool
	ExceedsEntities  bool
	ExceedsRowGroups bool
	Summary          string
}

// CheckGrowth compares observed counters against configured thresholds,
// formatting a human-readable summary via go-humanize for log lines.
func (r *Router) CheckGrowth(bytes int64, entities, rowGroups int) GrowthStatus {
	gs := GrowthStatus{
		ExceedsBytes:     r.cfg.GrowthBytes > 0 && bytes >= r.cfg.GrowthBytes,
		ExceedsEntities:  r.cfg.GrowthEntities > 0 && entities >= r.cfg.GrowthEntities,
		ExceedsRowGroups: r.cfg.GrowthRowGroups > 0 && rowGroups >= r.cfg.GrowthRowGroups,
	}
	gs.Summary = fmt.Sprintf("%s, %s entities, %d row groups",
		humanize.Bytes(uint64(bytes)), humanize.Comma(int64(entities)), rowGroups)
	return gs
}

// --- filter predicate helpers -------------------------------------------------

func fieldPredicate(filter map[string]any, field string) (map[string]any, bool) {
	if filter == nil || field == "" {
		return nil, false
	}
	v, ok := filter[field]
	if !ok {
		return nil, false
	}
	if m, ok := v.(map[string]any); ok {
		return m, true
	}
	return map[string]any{"$eq": v}, true
}

func scalarPredicate(pred map[string]any) (any, bool) {
	if len(pred) == 1 {
		if v, ok := pred["$eq"]; ok {
			return v, true
		}
	}
	return nil, false
}

func pinnedEquality(filter map[string]any, field string) (any, bool) {
	pred, ok := fieldPredicate(filter, field)
	if !ok {
		return nil, false
	}
	return scalarPredicate(pred)
}

func pinnedIn(filter map[string]any, field string) ([]any, bool) {
	pred, ok := fieldPredicate(filter, field)
	if !ok {
		return nil, false
	}
	v, ok := pred["$in"]
	if !ok {
		return nil, false
	}
	values, ok := v.([]any)
	return values, ok
}

func firstOf(pred map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := pred[k]; ok {
			return v, true
		}
	}
	return nil, false
}
