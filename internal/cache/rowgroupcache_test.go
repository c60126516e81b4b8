package cache

import (
	"testing"
	"time"

	"github.com/dot-do/parquedb/internal/types"
)

func group(rows int) *types.RowGroup {
	return &types.RowGroup{Stats: types.RowGroupStats{RowCount: rows}}
}

func TestGetMissIncrementsMisses(t *testing.T) {
	c := New(0, 0, 0)
	if _, ok := c.Get(Key{Path: "a", Index: 0}); ok {
		t.Fatal("expected miss on empty cache")
	}
	if c.Stats().Misses != 1 {
		t.Fatalf("expected 1 miss, got %d", c.Stats().Misses)
	}
}

func TestPutThenGetHits(t *testing.T) {
	c := New(0, 0, 0)
	k := Key{Path: "a", Index: 0, Version: 1}
	g := group(10)
	c.Put(k, g)

	got, ok := c.Get(k)
	if !ok {
		t.Fatal("expected hit after Put")
	}
	if got != g {
		t.Error("expected Get to return the exact same pointer, no copy")
	}
	if c.Stats().Hits != 1 {
		t.Fatalf("expected 1 hit, got %d", c.Stats().Hits)
	}
}

func TestEvictsOldestWhenOverMaxEntries(t *testing.T) {
	c := New(2, 0, 0)
	c.Put(Key{Path: "a", Index: 0}, group(1))
	c.Put(Key{Path: "b", Index: 0}, group(1))
	c.Put(Key{Path: "c", Index: 0}, group(1)) // should evict "a"

	if _, ok := c.Get(Key{Path: "a", Index: 0}); ok {
		t.Error("expected oldest entry evicted once over maxEntries")
	}
	if _, ok := c.Get(Key{Path: "b", Index: 0}); !ok {
		t.Error("expected b to survive")
	}
	if _, ok := c.Get(Key{Path: "c", Index: 0}); !ok {
		t.Error("expected c to survive")
	}
	if c.Stats().Evictions != 1 {
		t.Fatalf("expected 1 eviction, got %d", c.Stats().Evictions)
	}
}

func TestGetRefreshesLRUPosition(t *testing.T) {
	c := New(2, 0, 0)
	a := Key{Path: "a", Index: 0}
	b := Key{Path: "b", Index: 0}
	cKey := Key{Path: "c", Index: 0}

	c.Put(a, group(1))
	c.Put(b, group(1))
	c.Get(a) // touch a, making b the new oldest
	c.Put(cKey, group(1))

	if _, ok := c.Get(b); ok {
		t.Error("expected b evicted: it was the least recently used after a was touched")
	}
	if _, ok := c.Get(a); !ok {
		t.Error("expected a to survive: it was refreshed by Get before the eviction")
	}
}

func TestEvictsWhenOverMaxBytes(t *testing.T) {
	c := New(0, 300, 0) // each group(1) costs 256 bytes via groupSize
	c.Put(Key{Path: "a", Index: 0}, group(1))
	c.Put(Key{Path: "b", Index: 0}, group(1)) // 512 > 300, evicts a

	if _, ok := c.Get(Key{Path: "a", Index: 0}); ok {
		t.Error("expected a evicted once total size exceeded maxBytes")
	}
	if c.Stats().SizeBytes != 256 {
		t.Fatalf("expected 256 bytes remaining, got %d", c.Stats().SizeBytes)
	}
}

func TestEntryExpiresByTTL(t *testing.T) {
	c := New(0, 0, 5*time.Millisecond)
	k := Key{Path: "a", Index: 0}
	c.Put(k, group(1))

	if _, ok := c.Get(k); !ok {
		t.Fatal("expected immediate hit before TTL elapses")
	}

	time.Sleep(10 * time.Millisecond)
	if _, ok := c.Get(k); ok {
		t.Error("expected entry expired after TTL elapsed")
	}
}

func TestInvalidateFileRemovesEveryIndexForPath(t *testing.T) {
	c := New(0, 0, 0)
	c.Put(Key{Path: "ns/rg-1.parquet", Index: 0}, group(1))
	c.Put(Key{Path: "ns/rg-1.parquet", Index: 1}, group(1))
	c.Put(Key{Path: "ns/rg-2.parquet", Index: 0}, group(1))

	c.InvalidateFile("ns/rg-1.parquet")

	if _, ok := c.Get(Key{Path: "ns/rg-1.parquet", Index: 0}); ok {
		t.Error("expected index 0 of invalidated file removed")
	}
	if _, ok := c.Get(Key{Path: "ns/rg-1.parquet", Index: 1}); ok {
		t.Error("expected index 1 of invalidated file removed")
	}
	if _, ok := c.Get(Key{Path: "ns/rg-2.parquet", Index: 0}); !ok {
		t.Error("expected unrelated file untouched")
	}
}

func TestInvalidatePrefixRemovesWholeNamespace(t *testing.T) {
	c := New(0, 0, 0)
	c.Put(Key{Path: "ns-a/rg-1.parquet", Index: 0}, group(1))
	c.Put(Key{Path: "ns-b/rg-1.parquet", Index: 0}, group(1))

	c.InvalidatePrefix("ns-a/")

	if _, ok := c.Get(Key{Path: "ns-a/rg-1.parquet", Index: 0}); ok {
		t.Error("expected ns-a entries removed")
	}
	if _, ok := c.Get(Key{Path: "ns-b/rg-1.parquet", Index: 0}); !ok {
		t.Error("expected ns-b untouched")
	}
}

func TestClearResetsEverything(t *testing.T) {
	c := New(0, 0, 0)
	c.Put(Key{Path: "a", Index: 0}, group(1))
	c.Get(Key{Path: "a", Index: 0})
	c.Get(Key{Path: "missing", Index: 0})

	c.Clear()

	s := c.Stats()
	if s.Entries != 0 || s.SizeBytes != 0 || s.Hits != 0 || s.Misses != 0 || s.Evictions != 0 {
		t.Fatalf("expected Clear to zero every stat, got %+v", s)
	}
	if _, ok := c.Get(Key{Path: "a", Index: 0}); ok {
		t.Error("expected entry gone after Clear")
	}
}
