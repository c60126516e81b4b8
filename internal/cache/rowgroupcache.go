// Package cache implements the bounded LRU RowGroupCache (spec §4.4):
// decoded row groups keyed by (path, row-group index, cache version),
// with byte/entry/TTL-bounded eviction and path/prefix/global
// invalidation.
package cache

import (
	"strconv"
	"strings"
	"sync"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/dot-do/parquedb/internal/types"
)

// Key identifies one cached row group.
type Key struct {
	Path    string
	Index   int
	Version int
}

func (k Key) String() string {
	return k.Path + "#" + strconv.Itoa(k.Index) + "@" + strconv.Itoa(k.Version)
}

type entry struct {
	key     Key
	group   *types.RowGroup
	size    int64
	storedAt time.Time
}

// Stats mirrors spec §4.4 "stats exposed".
type Stats struct {
	Entries   int
	SizeBytes int64
	MaxBytes  int64
	Hits      int64
	Misses    int64
	Evictions int64
}

// HitRate returns 0 when there have been no requests at all.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// RowGroupCache is a bounded LRU keyed by (path, row-group index, cache
// version). Entries are ordered oldest-to-newest by go-ordered-map's
// insertion/move-to-front semantics; eviction walks from the oldest.
type RowGroupCache struct {
	mu sync.Mutex

	maxEntries int
	maxBytes   int64
	ttl        time.Duration

	entries   *orderedmap.OrderedMap[string, *entry]
	sizeBytes int64

	hits, misses, evictions int64
}

// New constructs a cache. maxEntries <= 0 means unbounded by count;
// maxBytes <= 0 means unbounded by size; ttl <= 0 means entries never
// expire by age.
func New(maxEntries int, maxBytes int64, ttl time.Duration) *RowGroupCache {
	return &RowGroupCache{
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		ttl:        ttl,
		entries:    orderedmap.New[string, *entry](),
	}
}

func groupSize(g *types.RowGroup) int64 {
	// Approximate: row count is the dominant cost driver for eviction
	// decisions; callers that know the exact encoded size pass it to
	// PutSized instead of calling Put.
	return int64(g.Stats.RowCount) * 256
}

// Get returns the cached row group for key, or (nil, false) on a miss.
// An entry older than the TTL counts as a miss and is removed. A hit moves
// the entry to the most-recently-used position, refreshes the timestamp
// the TTL is measured from, and returns the same payload by reference
// (no copy).
func (c *RowGroupCache) Get(key Key) (*types.RowGroup, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key.String()
	e, ok := c.entries.Get(k)
	if !ok {
		c.misses++
		return nil, false
	}
	if c.ttl > 0 && time.Since(e.storedAt) > c.ttl {
		c.removeLocked(k, e)
		c.misses++
		return nil, false
	}
	e.storedAt = time.Now()
	c.entries.Delete(k)
	c.entries.Set(k, e) // move to most-recently-used position
	c.hits++
	return e.group, true
}

// Put inserts or replaces the cached row group for key.
func (c *RowGroupCache) Put(key Key, group *types.RowGroup) {
	c.PutSized(key, group, groupSize(group))
}

// PutSized inserts with an explicit byte size, for callers that know the
// exact encoded size of the row group.
func (c *RowGroupCache) PutSized(key Key, group *types.RowGroup, size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key.String()
	if old, ok := c.entries.Get(k); ok {
		c.sizeBytes -= old.size
		c.entries.Delete(k)
	}
	e := &entry{key: key, group: group, size: size, storedAt: time.Now()}
	c.entries.Set(k, e)
	c.sizeBytes += size

	c.evictLocked()
}

func (c *RowGroupCache) evictLocked() {
	for {
		overCount := c.maxEntries > 0 && c.entries.Len() > c.maxEntries
		overBytes := c.maxBytes > 0 && c.sizeBytes > c.maxBytes
		if !overCount && !overBytes {
			return
		}
		oldest := c.entries.Oldest()
		if oldest == nil {
			return
		}
		c.removeLocked(oldest.Key, oldest.Value)
		c.evictions++
	}
}

func (c *RowGroupCache) removeLocked(k string, e *entry) {
	c.entries.Delete(k)
	c.sizeBytes -= e.size
}

// Invalidate removes the exact (path, index) entry, across all cache
// versions (a version bump needs no per-entry invalidation, since
// old-version keys simply stop being looked up; Clear drops everything).
func (c *RowGroupCache) Invalidate(path string, index int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := path + "#" + strconv.Itoa(index) + "@"
	c.removeMatchingLocked(func(k string) bool { return strings.HasPrefix(k, prefix) })
}

// InvalidateFile removes every row group belonging to path.
func (c *RowGroupCache) InvalidateFile(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := path + "#"
	c.removeMatchingLocked(func(k string) bool { return strings.HasPrefix(k, prefix) })
}

// InvalidatePrefix removes every entry whose path has the given prefix
// (namespace-level invalidation).
func (c *RowGroupCache) InvalidatePrefix(pathPrefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeMatchingLocked(func(k string) bool { return strings.HasPrefix(k, pathPrefix) })
}

func (c *RowGroupCache) removeMatchingLocked(match func(string) bool) {
	var toRemove []string
	for pair := c.entries.Oldest(); pair != nil; pair = pair.Next() {
		if match(pair.Key) {
			toRemove = append(toRemove, pair.Key)
		}
	}
	for _, k := range toRemove {
		if e, ok := c.entries.Get(k); ok {
			c.removeLocked(k, e)
		}
	}
}

// Clear removes every entry and resets hit/miss/eviction counters (spec
// §4.4: "global clear also resets hit/miss/eviction counters").
func (c *RowGroupCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = orderedmap.New[string, *entry]()
	c.sizeBytes = 0
	c.hits, c.misses, c.evictions = 0, 0, 0
}

// Stats reports current cache statistics.
func (c *RowGroupCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:   c.entries.Len(),
		SizeBytes: c.sizeBytes,
		MaxBytes:  c.maxBytes,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}
