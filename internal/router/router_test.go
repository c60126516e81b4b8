package router

import (
	"testing"
	"time"

	"github.com/dot-do/parquedb/internal/config"
)

func TestBasePathTypedVsFlexible(t *testing.T) {
	r := New(config.RouterConfig{Namespaces: map[string]config.NamespaceConfig{
		"users": {Typed: true},
	}})
	if got, want := r.BasePath("users"), "data/users.parquet"; got != want {
		t.Errorf("typed BasePath = %q, want %q", got, want)
	}
	if got, want := r.BasePath("events"), "data/events/data.parquet"; got != want {
		t.Errorf("unconfigured (flexible) BasePath = %q, want %q", got, want)
	}
}

func TestResolveDataPathsUnshardedReturnsBasePath(t *testing.T) {
	r := New(config.RouterConfig{})
	paths, err := r.ResolveDataPaths("widgets", nil)
	if err != nil {
		t.Fatalf("ResolveDataPaths: %v", err)
	}
	if len(paths) != 1 || paths[0] != "data/widgets/data.parquet" {
		t.Fatalf("expected single base path, got %v", paths)
	}
}

func TestDiscriminatorPinnedEqualityResolvesSingleShard(t *testing.T) {
	r := New(config.RouterConfig{Namespaces: map[string]config.NamespaceConfig{
		"issues": {ShardStrategy: "discriminator", ShardField: "type", ShardValues: []string{"Bug", "Feature"}},
	}})
	paths, err := r.ResolveDataPaths("issues", map[string]any{"type": "Bug"})
	if err != nil {
		t.Fatalf("ResolveDataPaths: %v", err)
	}
	if len(paths) != 1 {
		t.Fatalf("expected exactly one shard path for a pinned equality filter, got %v", paths)
	}
	if paths[0] != "issues/_shards/type=bug/data.parquet" {
		t.Fatalf("unexpected shard path %q", paths[0])
	}
}

func TestDiscriminatorWithoutPinEnumeratesEveryKnownShard(t *testing.T) {
	r := New(config.RouterConfig{Namespaces: map[string]config.NamespaceConfig{
		"issues": {ShardStrategy: "discriminator", ShardField: "type", ShardValues: []string{"Bug", "Feature", "Task"}},
	}})
	paths, err := r.ResolveDataPaths("issues", nil)
	if err != nil {
		t.Fatalf("ResolveDataPaths: %v", err)
	}
	if len(paths) != 3 {
		t.Fatalf("expected every declared shard value covered, got %v", paths)
	}
}

func TestDiscriminatorUnknownValuesFallsBackToBasePath(t *testing.T) {
	r := New(config.RouterConfig{Namespaces: map[string]config.NamespaceConfig{
		"issues": {ShardStrategy: "discriminator", ShardField: "type"},
	}})
	paths, err := r.ResolveDataPaths("issues", nil)
	if err != nil {
		t.Fatalf("ResolveDataPaths: %v", err)
	}
	if len(paths) != 1 || paths[0] != r.BasePath("issues") {
		t.Fatalf("expected fallback to base path when no shard values are known, got %v", paths)
	}
}

func TestTimeBucketPinnedEqualityResolvesSingleBucket(t *testing.T) {
	r := New(config.RouterConfig{Namespaces: map[string]config.NamespaceConfig{
		"events": {ShardStrategy: "time", ShardField: "createdAt", TimeBucket: "day"},
	}})
	paths, err := r.ResolveDataPaths("events", map[string]any{"createdAt": "2026-03-05T00:00:00Z"})
	if err != nil {
		t.Fatalf("ResolveDataPaths: %v", err)
	}
	if len(paths) != 1 {
		t.Fatalf("expected a single bucket for a pinned timestamp, got %v", paths)
	}
}

func TestTimeBucketRangeEnumeratesEveryBucketInclusive(t *testing.T) {
	r := New(config.RouterConfig{Namespaces: map[string]config.NamespaceConfig{
		"events": {ShardStrategy: "time", ShardField: "createdAt", TimeBucket: "day"},
	}})
	paths, err := r.ResolveDataPaths("events", map[string]any{
		"createdAt": map[string]any{"$gte": "2026-03-01T00:00:00Z", "$lte": "2026-03-03T00:00:00Z"},
	})
	if err != nil {
		t.Fatalf("ResolveDataPaths: %v", err)
	}
	if len(paths) != 3 {
		t.Fatalf("expected 3 daily buckets covering Mar 1-3 inclusive, got %v", paths)
	}
}

func TestHashShardPinnedIDResolvesSingleShard(t *testing.T) {
	r := New(config.RouterConfig{Namespaces: map[string]config.NamespaceConfig{
		"users": {ShardStrategy: "hash", ShardCount: 8},
	}})
	paths, err := r.ResolveDataPaths("users", map[string]any{"id": "user-42"})
	if err != nil {
		t.Fatalf("ResolveDataPaths: %v", err)
	}
	if len(paths) != 1 {
		t.Fatalf("expected exactly one shard for a pinned id, got %v", paths)
	}
}

func TestHashShardWithoutPinEnumeratesEveryShard(t *testing.T) {
	r := New(config.RouterConfig{Namespaces: map[string]config.NamespaceConfig{
		"users": {ShardStrategy: "hash", ShardCount: 8},
	}})
	paths, err := r.ResolveDataPaths("users", nil)
	if err != nil {
		t.Fatalf("ResolveDataPaths: %v", err)
	}
	if len(paths) != 8 {
		t.Fatalf("expected all 8 shards enumerated, got %d", len(paths))
	}
}

// TestHashShardIsDeterministicAndCoversEveryModulus exercises the
// property that every id consistently hashes into exactly one of
// ShardCount shards, and that across many ids every shard gets used.
func TestHashShardIsDeterministicAndCoversEveryModulus(t *testing.T) {
	const count = 4
	seen := map[int]bool{}
	for i := 0; i < 200; i++ {
		id := time.Now().Add(time.Duration(i)).String() + string(rune('a'+i%26))
		shard := hashMod(id, count)
		if shard < 0 || shard >= count {
			t.Fatalf("hashMod(%q, %d) = %d, out of range", id, count, shard)
		}
		seen[shard] = true

		again := hashMod(id, count)
		if again != shard {
			t.Fatalf("hashMod not deterministic for %q: %d vs %d", id, shard, again)
		}
	}
	if len(seen) != count {
		t.Errorf("expected ids to cover all %d shards across 200 samples, covered %d", count, len(seen))
	}
}

func TestEncodeShardValueNormalizes(t *testing.T) {
	if got, want := EncodeShardValue("Engineering Team!"), "engineering_team_"; got != want {
		t.Errorf("EncodeShardValue = %q, want %q", got, want)
	}
}

func TestRowGroupDirDerivation(t *testing.T) {
	if got, want := RowGroupDir("data/issues.parquet"), "data/issues/_rowgroups"; got != want {
		t.Errorf("RowGroupDir = %q, want %q", got, want)
	}
}
