// Package relstore implements the authoritative Relationship store (spec
// §3 Relationship): versioned, tombstonable typed edges, distinct from
// internal/index's edge index, which only ever holds id references derived
// from whatever this store currently considers live. Mirrors
// internal/entitystore's shape (slot map, version increments on mutation,
// ApplyEvent replay for WAL-tail recovery) applied to edges instead of
// documents.
package relstore

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dot-do/parquedb/internal/perr"
	"github.com/dot-do/parquedb/internal/types"
)

// edgeKey identifies one (from, predicate, to) relationship slot. Unit
// separator keeps the key unambiguous even if an id itself contains "-".
func edgeKey(fromID, predicate, toID string) string {
	return fromID + "\x1f" + predicate + "\x1f" + toID
}

// Store is the per-namespace relationship table. LINK creates or revives
// a relationship; UNLINK tombstones it; both bump Version (spec §3:
// "link/unlink on an existing tombstoned relationship pair re-links with
// a new version rather than erroring").
type Store struct {
	namespace string

	mu    sync.RWMutex
	edges map[string]*types.Relationship
}

// New constructs an empty Store for one namespace.
func New(namespace string) *Store {
	return &Store{namespace: namespace, edges: map[string]*types.Relationship{}}
}

// Link creates a new relationship, or re-links (version++) a previously
// tombstoned one. Fails with CONFLICT if a live relationship already
// occupies this (from, predicate, to) slot.
func (s *Store) Link(fromID, predicate, toID string, payload map[string]any, actor string, seq uint64) (*types.Relationship, *types.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := edgeKey(fromID, predicate, toID)
	version := 1
	if existing, ok := s.edges[key]; ok {
		if !existing.Tombstoned() {
			return nil, nil, perr.New(perr.KindConflict, fmt.Sprintf("relationship %s -%s-> %s already exists", fromID, predicate, toID))
		}
		version = existing.Version + 1
	}

	now := time.Now()
	rel := &types.Relationship{
		ID:        key,
		FromID:    fromID,
		ToID:      toID,
		Predicate: predicate,
		Payload:   clonePayload(payload),
		Version:   version,
		CreatedAt: now,
		CreatedBy: actor,
	}
	s.edges[key] = rel

	evt := &types.Event{
		ID:          uuid.Must(uuid.NewV7()).String(),
		TS:          now,
		Seq:         seq,
		Op:          types.OpLink,
		Target:      fromID,
		Predicate:   predicate,
		Counterpart: toID,
		Actor:       actor,
	}
	return rel.Clone(), evt, nil
}

// Unlink tombstones the (from, predicate, to) relationship. Fails with
// NOT_FOUND if no live relationship occupies the slot.
func (s *Store) Unlink(fromID, predicate, toID, actor string, seq uint64) (*types.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := edgeKey(fromID, predicate, toID)
	existing, ok := s.edges[key]
	if !ok || existing.Tombstoned() {
		return nil, perr.New(perr.KindNotFound, fmt.Sprintf("relationship %s -%s-> %s not found", fromID, predicate, toID))
	}

	now := time.Now()
	existing.DeletedAt = &now
	existing.DeletedBy = actor
	existing.Version++

	evt := &types.Event{
		ID:          uuid.Must(uuid.NewV7()).String(),
		TS:          now,
		Seq:         seq,
		Op:          types.OpUnlink,
		Target:      fromID,
		Predicate:   predicate,
		Counterpart: toID,
		Actor:       actor,
	}
	return evt, nil
}

// ApplyEvent replays a previously-recorded LINK/UNLINK event onto current
// state without re-validating CONFLICT/NOT_FOUND, used for WAL-tail replay
// during crash recovery (mirrors entitystore.Store.ApplyEvent).
func (s *Store) ApplyEvent(e *types.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := edgeKey(e.Target, e.Predicate, e.Counterpart)
	switch e.Op {
	case types.OpLink:
		version := 1
		if existing, ok := s.edges[key]; ok {
			version = existing.Version + 1
		}
		s.edges[key] = &types.Relationship{
			ID: key, FromID: e.Target, ToID: e.Counterpart, Predicate: e.Predicate,
			Version: version, CreatedAt: e.TS, CreatedBy: e.Actor,
		}
	case types.OpUnlink:
		existing, ok := s.edges[key]
		if !ok {
			return fmt.Errorf("relstore: replay UNLINK %s -%s-> %s: no prior LINK", e.Target, e.Predicate, e.Counterpart)
		}
		ts := e.TS
		existing.DeletedAt = &ts
		existing.DeletedBy = e.Actor
		existing.Version++
	default:
		return fmt.Errorf("relstore: unsupported op %q", e.Op)
	}
	return nil
}

// Get returns the live relationship for an exact (from, predicate, to)
// triple, excluding tombstoned slots.
func (s *Store) Get(fromID, predicate, toID string) (*types.Relationship, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rel, ok := s.edges[edgeKey(fromID, predicate, toID)]
	if !ok || rel.Tombstoned() {
		return nil, false
	}
	return rel.Clone(), true
}

// GetRelationships returns every live relationship out of fromID, optionally
// narrowed to one predicate ("" means every predicate), ordered by
// (predicate, toID) for deterministic pagination (spec §4.11 getRelationships).
func (s *Store) GetRelationships(fromID, predicate string) []*types.Relationship {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Relationship
	for _, rel := range s.edges {
		if rel.Tombstoned() || rel.FromID != fromID {
			continue
		}
		if predicate != "" && rel.Predicate != predicate {
			continue
		}
		out = append(out, rel.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Predicate != out[j].Predicate {
			return out[i].Predicate < out[j].Predicate
		}
		return out[i].ToID < out[j].ToID
	})
	return out
}

func clonePayload(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
