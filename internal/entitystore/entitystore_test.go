package entitystore

import (
	"context"
	"testing"

	"github.com/dot-do/parquedb/internal/perr"
	"github.com/dot-do/parquedb/internal/types"
)

func newStore() *Store {
	return New(Options{Namespace: "issues"})
}

func TestCreateThenGet(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	e, evt, err := s.Create(ctx, "issues/1", "Issue", map[string]any{"title": "hi"}, "alice", 1)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if e.Version != 1 {
		t.Errorf("expected new entity at version 1, got %d", e.Version)
	}
	if evt.Op != types.OpCreate || evt.Target != "issues/1" {
		t.Errorf("unexpected event %+v", evt)
	}

	got, ok := s.Get("issues/1")
	if !ok {
		t.Fatal("expected Get to find the created entity")
	}
	if got.Payload["title"] != "hi" {
		t.Errorf("expected payload round trip, got %+v", got.Payload)
	}
}

func TestCreateDuplicateIDConflicts(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	if _, _, err := s.Create(ctx, "issues/1", "Issue", nil, "alice", 1); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	_, _, err := s.Create(ctx, "issues/1", "Issue", nil, "alice", 2)
	if err == nil {
		t.Fatal("expected CONFLICT creating a duplicate id")
	}
	if !perr.Is(err, perr.KindConflict) {
		t.Errorf("expected KindConflict, got %v", perr.Of(err))
	}
}

func TestCreateAfterTombstoneIsAllowed(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	if _, _, err := s.Create(ctx, "issues/1", "Issue", nil, "alice", 1); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Delete(ctx, "issues/1", "alice", 2); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, _, err := s.Create(ctx, "issues/1", "Issue", nil, "bob", 3); err != nil {
		t.Fatalf("expected re-Create over a tombstoned id to succeed, got %v", err)
	}
}

func TestUpdateMissingIsNotFound(t *testing.T) {
	s := newStore()
	_, _, err := s.Update(context.Background(), "issues/404", map[string]any{"x": 1}, "alice", 1)
	if err == nil || !perr.Is(err, perr.KindNotFound) {
		t.Fatalf("expected NOT_FOUND updating a missing entity, got %v", err)
	}
}

func TestUpdateIncrementsVersionAndMergesPayload(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	if _, _, err := s.Create(ctx, "issues/1", "Issue", map[string]any{"title": "a", "status": "open"}, "alice", 1); err != nil {
		t.Fatalf("Create: %v", err)
	}
	after, evt, err := s.Update(ctx, "issues/1", map[string]any{"status": "closed"}, "bob", 2)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if after.Version != 2 {
		t.Errorf("expected version incremented to 2, got %d", after.Version)
	}
	if after.Payload["status"] != "closed" {
		t.Errorf("expected status merged to closed, got %v", after.Payload["status"])
	}
	if after.Payload["title"] != "a" {
		t.Errorf("expected untouched fields preserved, got %v", after.Payload["title"])
	}
	if evt.Before.Payload["status"] != "open" || evt.After.Payload["status"] != "closed" {
		t.Errorf("expected event to carry before/after snapshots, got %+v", evt)
	}
}

func TestUpdateOnTombstonedIsNotFound(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	if _, _, err := s.Create(ctx, "issues/1", "Issue", nil, "alice", 1); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Delete(ctx, "issues/1", "alice", 2); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, _, err := s.Update(ctx, "issues/1", map[string]any{"x": 1}, "alice", 3); err == nil || !perr.Is(err, perr.KindNotFound) {
		t.Fatalf("expected NOT_FOUND updating a tombstoned entity, got %v", err)
	}
}

func TestDeleteMissingIsNotFound(t *testing.T) {
	s := newStore()
	if _, err := s.Delete(context.Background(), "issues/404", "alice", 1); err == nil || !perr.Is(err, perr.KindNotFound) {
		t.Fatal("expected NOT_FOUND deleting a missing entity")
	}
}

func TestDeleteTwiceIsNotFound(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	if _, _, err := s.Create(ctx, "issues/1", "Issue", nil, "alice", 1); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Delete(ctx, "issues/1", "alice", 2); err != nil {
		t.Fatalf("first Delete: %v", err)
	}
	if _, err := s.Delete(ctx, "issues/1", "alice", 3); err == nil || !perr.Is(err, perr.KindNotFound) {
		t.Fatal("expected NOT_FOUND on double delete")
	}
}

func TestGetExcludesTombstonedButSnapshotIncludesIt(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	if _, _, err := s.Create(ctx, "issues/1", "Issue", nil, "alice", 1); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Delete(ctx, "issues/1", "alice", 2); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := s.Get("issues/1"); ok {
		t.Error("expected Get to exclude a tombstoned entity")
	}
	if e, ok := s.Snapshot("issues/1"); !ok || !e.Tombstoned() {
		t.Error("expected Snapshot to still return the tombstoned entity")
	}
}

func TestApplyEventReplayReproducesFinalState(t *testing.T) {
	live := newStore()
	ctx := context.Background()
	_, createEvt, _ := live.Create(ctx, "issues/1", "Issue", map[string]any{"title": "a"}, "alice", 1)
	_, updateEvt, _ := live.Update(ctx, "issues/1", map[string]any{"title": "b"}, "alice", 2)
	deleteEvt, _ := live.Delete(ctx, "issues/1", "alice", 3)

	replay := newStore()
	for _, evt := range []*types.Event{createEvt, updateEvt, deleteEvt} {
		if err := replay.ApplyEvent(evt); err != nil {
			t.Fatalf("ApplyEvent: %v", err)
		}
	}

	want, _ := live.Snapshot("issues/1")
	got, _ := replay.Snapshot("issues/1")
	if got.Version != want.Version || got.Payload["title"] != want.Payload["title"] || got.Tombstoned() != want.Tombstoned() {
		t.Errorf("replay diverged from live state: got %+v want %+v", got, want)
	}
}

func TestCurrentIfNewer(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	if _, _, err := s.Create(ctx, "issues/1", "Issue", nil, "alice", 1); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, ok := s.CurrentIfNewer("issues/1", 1); ok {
		t.Error("expected no newer version than the row group's own version 1")
	}
	if e, ok := s.CurrentIfNewer("issues/1", 0); !ok || e.Version != 1 {
		t.Error("expected live slot to be newer than a stale row group version 0")
	}
}
