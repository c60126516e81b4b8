// Package entitystore implements the authoritative in-memory entity
// snapshot store (spec §4.6): current state, version, tombstone flag,
// and a reconstruction cache for point-in-time reads.
package entitystore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"

	"github.com/dot-do/parquedb/internal/eventlog"
	"github.com/dot-do/parquedb/internal/logging"
	"github.com/dot-do/parquedb/internal/perr"
	"github.com/dot-do/parquedb/internal/storage/sqlitemeta"
	"github.com/dot-do/parquedb/internal/types"
)

type slot struct {
	current *types.Entity
	lastSeq uint64
}

// Store is the authoritative per-entity snapshot table for one
// namespace. EntityStore exclusively owns entity snapshots (spec §3
// Ownership); indexes and caches only ever hold references obtained
// through it.
type Store struct {
	namespace string
	meta      *sqlitemeta.Store
	log       *logging.Logger

	mu    sync.RWMutex
	slots map[string]*slot

	recon *reconCache
}

// Options bundles Store's collaborators.
type Options struct {
	Namespace         string
	Meta              *sqlitemeta.Store
	Logger            *logging.Logger
	ReconCacheEntries int
}

// New constructs an empty Store for one namespace.
func New(opts Options) *Store {
	entries := opts.ReconCacheEntries
	if entries <= 0 {
		entries = 256
	}
	return &Store{
		namespace: opts.Namespace,
		meta:      opts.Meta,
		log:       logging.OrDefault(opts.Logger),
		slots:     make(map[string]*slot),
		recon:     newReconCache(entries),
	}
}

// Get returns the current snapshot for id, excluding tombstoned
// entities from default reads (spec §3 "once deletedAt is set the
// entity is tombstoned and excluded from default reads").
func (s *Store) Get(id string) (*types.Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sl, ok := s.slots[id]
	if !ok || sl.current.Tombstoned() {
		return nil, false
	}
	return sl.current.Clone(), true
}

// Snapshot returns the current snapshot for id regardless of tombstone
// state, satisfying eventlog.SnapshotProvider: flushed row groups must
// still contain tombstoned rows so historical reconstruction and
// $exists queries remain correct (rowgroup.go doc comment).
func (s *Store) Snapshot(id string) (*types.Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sl, ok := s.slots[id]
	if !ok {
		return nil, false
	}
	return sl.current, true
}

var _ eventlog.SnapshotProvider = (*Store)(nil)

// Create inserts a new entity. Fails with CONFLICT if id already names
// a non-tombstoned entity (spec §4.6 invariant).
func (s *Store) Create(ctx context.Context, id, entityType string, payload map[string]any, actor string, seq uint64) (*types.Entity, *types.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.slots[id]; ok && !existing.current.Tombstoned() {
		return nil, nil, perr.New(perr.KindConflict, fmt.Sprintf("entity %s already exists", id))
	}

	now := time.Now()
	e := &types.Entity{
		ID:        id,
		Type:      entityType,
		Version:   1,
		CreatedAt: now,
		CreatedBy: actor,
		UpdatedAt: now,
		UpdatedBy: actor,
		Payload:   clonePayload(payload),
	}
	s.slots[id] = &slot{current: e, lastSeq: seq}

	evt := s.newEvent(id, types.OpCreate, seq, actor, nil, e)
	s.markDirty(ctx, e)
	return e.Clone(), evt, nil
}

// Update applies an RFC-ish `{$set: {...}}` patch to the payload,
// merging dotted paths via sjson: the payload is marshaled to JSON, each
// path is set with sjson, and the result is unmarshaled back.
// Fails with NOT_FOUND if id is missing or tombstoned (spec §4.6).
func (s *Store) Update(ctx context.Context, id string, set map[string]any, actor string, seq uint64) (*types.Entity, *types.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.slots[id]
	if !ok || sl.current.Tombstoned() {
		return nil, nil, perr.New(perr.KindNotFound, fmt.Sprintf("entity %s not found", id))
	}

	before := sl.current.Clone()
	after := sl.current.Clone()
	merged, err := applySet(after.Payload, set)
	if err != nil {
		return nil, nil, perr.Wrap(perr.KindValidation, "apply $set patch", err)
	}
	after.Payload = merged
	after.Version++
	after.UpdatedAt = time.Now()
	after.UpdatedBy = actor

	sl.current = after
	sl.lastSeq = seq

	evt := s.newEvent(id, types.OpUpdate, seq, actor, before, after)
	s.markDirty(ctx, after)
	return after.Clone(), evt, nil
}

// Delete tombstones an entity. Fails with NOT_FOUND if id is missing or
// already tombstoned.
func (s *Store) Delete(ctx context.Context, id, actor string, seq uint64) (*types.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.slots[id]
	if !ok || sl.current.Tombstoned() {
		return nil, perr.New(perr.KindNotFound, fmt.Sprintf("entity %s not found", id))
	}

	before := sl.current.Clone()
	after := sl.current.Clone()
	now := time.Now()
	after.DeletedAt = &now
	after.DeletedBy = actor
	after.Version++
	after.UpdatedAt = now
	after.UpdatedBy = actor

	sl.current = after
	sl.lastSeq = seq

	evt := s.newEvent(id, types.OpDelete, seq, actor, before, after)
	s.markDirty(ctx, after)
	return evt, nil
}

// Load seeds the store directly from an already-materialized snapshot,
// for a caller that restores state from flushed row groups before WAL
// tail events are replayed via ApplyEvent. The facade's startup path
// does not call it.
func (s *Store) Load(e *types.Entity, atSeq uint64) {
	if e == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[e.ID] = &slot{current: e.Clone(), lastSeq: atSeq}
}

// ApplyEvent replays a previously-recorded event onto current state
// without re-validating CONFLICT/NOT_FOUND — used for WAL-tail replay
// during crash recovery and for the round-trip property ("replaying
// events against an empty EntityStore reproduces the same final
// per-entity state", spec §8).
func (s *Store) ApplyEvent(e *types.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch e.Op {
	case types.OpCreate:
		if e.After == nil {
			return fmt.Errorf("entitystore: replay CREATE %s: missing after snapshot", e.Target)
		}
		s.slots[e.Target] = &slot{current: e.After.Clone(), lastSeq: e.Seq}
	case types.OpUpdate, types.OpDelete:
		if e.After == nil {
			return fmt.Errorf("entitystore: replay %s %s: missing after snapshot", e.Op, e.Target)
		}
		s.slots[e.Target] = &slot{current: e.After.Clone(), lastSeq: e.Seq}
	}
	return nil
}

// HistoryProvider supplies the ordered events that affected one entity,
// up to and including atSeq, used by Reconstruct when neither the
// current slot nor a cached reconstruction already covers the request.
type HistoryProvider interface {
	EventsUpTo(ctx context.Context, entityID string, atSeq uint64) ([]*types.Event, error)
}

// Reconstruct returns the entity's state as of atSeq (spec §4.6: "reads
// at a past sequence number reconstruct by replaying events <= that
// sequence"). If the current slot's last mutation is already at or
// before atSeq, the live slot is returned directly; otherwise events
// are replayed from scratch via hp and the result is memoized.
func (s *Store) Reconstruct(ctx context.Context, id string, atSeq uint64, hp HistoryProvider) (*types.Entity, error) {
	s.mu.RLock()
	if sl, ok := s.slots[id]; ok && sl.lastSeq <= atSeq {
		snap := sl.current.Clone()
		s.mu.RUnlock()
		return snap, nil
	}
	s.mu.RUnlock()

	if cached, ok := s.recon.get(id, atSeq); ok {
		return cached.Clone(), nil
	}

	events, err := hp.EventsUpTo(ctx, id, atSeq)
	if err != nil {
		return nil, fmt.Errorf("entitystore: reconstruct %s at seq %d: %w", id, atSeq, err)
	}
	var state *types.Entity
	for _, e := range events {
		switch e.Op {
		case types.OpCreate, types.OpUpdate, types.OpDelete:
			if e.After != nil {
				state = e.After.Clone()
			}
		}
	}
	if state == nil {
		return nil, perr.New(perr.KindEntityNotFound, fmt.Sprintf("entity %s has no state at seq %d", id, atSeq))
	}
	s.recon.put(id, atSeq, state)
	return state.Clone(), nil
}

// CurrentIfNewer returns the live snapshot for id when its version is
// strictly newer than rowVersion, satisfying query.TailSource: row
// groups are a durability and cold-start mechanism only, the live slot
// is always authoritative once it exists (spec §4.10 step 4, "merge
// with in-memory event tail").
func (s *Store) CurrentIfNewer(id string, rowVersion int) (*types.Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sl, ok := s.slots[id]
	if !ok || sl.current.Version <= rowVersion {
		return nil, false
	}
	return sl.current.Clone(), true
}

func (s *Store) newEvent(id string, op types.Op, seq uint64, actor string, before, after *types.Entity) *types.Event {
	return &types.Event{
		ID:     uuid.Must(uuid.NewV7()).String(),
		TS:     time.Now(),
		Seq:    seq,
		Op:     op,
		Target: id,
		Before: before,
		After:  after,
		Actor:  actor,
	}
}

func (s *Store) markDirty(ctx context.Context, e *types.Entity) {
	if s.meta == nil {
		return
	}
	hash, err := eventlog.ContentHash(e)
	if err != nil {
		s.log.Warn("content hash failed, skipping dirty tracking", "entity", e.ID, "error", err)
		return
	}
	if err := s.meta.MarkDirty(ctx, s.namespace, e.ID, hash); err != nil {
		s.log.Warn("mark dirty failed", "entity", e.ID, "error", err)
	}
}

func clonePayload(p map[string]any) map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// applySet merges a `$set`-style patch (dotted field paths allowed) into
// payload via tidwall/sjson, so nested paths can be set without
// unmarshaling the whole payload into typed structs.
func applySet(payload map[string]any, set map[string]any) (map[string]any, error) {
	if len(set) == 0 {
		return payload, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("entitystore: marshal payload: %w", err)
	}
	for path, value := range set {
		data, err = sjson.SetBytes(data, path, value)
		if err != nil {
			return nil, fmt.Errorf("entitystore: set %s: %w", path, err)
		}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("entitystore: unmarshal patched payload: %w", err)
	}
	return out, nil
}

// reconCache is a bounded LRU from (entityID, seq) to a reconstructed
// snapshot, mirroring the RowGroupCache's ordered-map eviction shape
// (internal/cache) but keyed on entity history rather than row groups.
type reconCache struct {
	mu      sync.Mutex
	max     int
	entries *orderedmap.OrderedMap[string, *types.Entity]
}

func newReconCache(max int) *reconCache {
	return &reconCache{max: max, entries: orderedmap.New[string, *types.Entity]()}
}

func reconKey(id string, seq uint64) string {
	return fmt.Sprintf("%s@%d", id, seq)
}

func (c *reconCache) get(id string, seq uint64) (*types.Entity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := reconKey(id, seq)
	v, ok := c.entries.Get(key)
	if !ok {
		return nil, false
	}
	c.entries.Delete(key)
	c.entries.Set(key, v)
	return v, true
}

func (c *reconCache) put(id string, seq uint64, e *types.Entity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := reconKey(id, seq)
	c.entries.Set(key, e.Clone())
	for c.entries.Len() > c.max {
		oldest := c.entries.Oldest()
		if oldest == nil {
			break
		}
		c.entries.Delete(oldest.Key)
	}
}
