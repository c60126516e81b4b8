package relstore

import (
	"testing"

	"github.com/dot-do/parquedb/internal/perr"
	"github.com/dot-do/parquedb/internal/types"
)

func TestLinkThenGetRelationships(t *testing.T) {
	s := New("issues")
	rel, evt, err := s.Link("issues/1", "blocks", "issues/2", map[string]any{"note": "x"}, "alice", 1)
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	if rel.Version != 1 {
		t.Errorf("expected new relationship at version 1, got %d", rel.Version)
	}
	if evt.Op != types.OpLink || evt.Target != "issues/1" || evt.Counterpart != "issues/2" {
		t.Errorf("unexpected event %+v", evt)
	}

	got := s.GetRelationships("issues/1", "")
	if len(got) != 1 || got[0].ToID != "issues/2" {
		t.Fatalf("expected one relationship to issues/2, got %+v", got)
	}
}

func TestLinkDuplicateConflicts(t *testing.T) {
	s := New("issues")
	if _, _, err := s.Link("issues/1", "blocks", "issues/2", nil, "alice", 1); err != nil {
		t.Fatalf("first Link: %v", err)
	}
	_, _, err := s.Link("issues/1", "blocks", "issues/2", nil, "alice", 2)
	if err == nil || !perr.Is(err, perr.KindConflict) {
		t.Fatalf("expected CONFLICT re-linking a live pair, got %v", err)
	}
}

func TestUnlinkThenRelinkBumpsVersion(t *testing.T) {
	s := New("issues")
	if _, _, err := s.Link("issues/1", "blocks", "issues/2", nil, "alice", 1); err != nil {
		t.Fatalf("Link: %v", err)
	}
	if _, err := s.Unlink("issues/1", "blocks", "issues/2", "alice", 2); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if got := s.GetRelationships("issues/1", "blocks"); len(got) != 0 {
		t.Fatalf("expected tombstoned relationship excluded, got %+v", got)
	}

	rel, _, err := s.Link("issues/1", "blocks", "issues/2", nil, "bob", 3)
	if err != nil {
		t.Fatalf("expected re-Link over a tombstoned pair to succeed, got %v", err)
	}
	if rel.Version != 2 {
		t.Errorf("expected re-Link to bump version to 2, got %d", rel.Version)
	}
}

func TestUnlinkMissingIsNotFound(t *testing.T) {
	s := New("issues")
	_, err := s.Unlink("issues/1", "blocks", "issues/2", "alice", 1)
	if err == nil || !perr.Is(err, perr.KindNotFound) {
		t.Fatalf("expected NOT_FOUND unlinking a pair that was never linked, got %v", err)
	}
}

func TestUnlinkTwiceIsNotFound(t *testing.T) {
	s := New("issues")
	if _, _, err := s.Link("issues/1", "blocks", "issues/2", nil, "alice", 1); err != nil {
		t.Fatalf("Link: %v", err)
	}
	if _, err := s.Unlink("issues/1", "blocks", "issues/2", "alice", 2); err != nil {
		t.Fatalf("first Unlink: %v", err)
	}
	if _, err := s.Unlink("issues/1", "blocks", "issues/2", "alice", 3); err == nil || !perr.Is(err, perr.KindNotFound) {
		t.Fatal("expected NOT_FOUND on double unlink")
	}
}

func TestGetRelationshipsFiltersByPredicateAndOrdersDeterministically(t *testing.T) {
	s := New("issues")
	if _, _, err := s.Link("issues/1", "blocks", "issues/3", nil, "alice", 1); err != nil {
		t.Fatalf("Link: %v", err)
	}
	if _, _, err := s.Link("issues/1", "blocks", "issues/2", nil, "alice", 2); err != nil {
		t.Fatalf("Link: %v", err)
	}
	if _, _, err := s.Link("issues/1", "relates", "issues/9", nil, "alice", 3); err != nil {
		t.Fatalf("Link: %v", err)
	}

	blocks := s.GetRelationships("issues/1", "blocks")
	if len(blocks) != 2 || blocks[0].ToID != "issues/2" || blocks[1].ToID != "issues/3" {
		t.Fatalf("expected blocks sorted by toID, got %+v", blocks)
	}

	all := s.GetRelationships("issues/1", "")
	if len(all) != 3 {
		t.Fatalf("expected every predicate returned when predicate filter is empty, got %d", len(all))
	}
}

func TestApplyEventReplayReproducesFinalState(t *testing.T) {
	live := New("issues")
	_, linkEvt, _ := live.Link("issues/1", "blocks", "issues/2", nil, "alice", 1)
	unlinkEvt, _ := live.Unlink("issues/1", "blocks", "issues/2", "alice", 2)

	replay := New("issues")
	if err := replay.ApplyEvent(linkEvt); err != nil {
		t.Fatalf("ApplyEvent link: %v", err)
	}
	if err := replay.ApplyEvent(unlinkEvt); err != nil {
		t.Fatalf("ApplyEvent unlink: %v", err)
	}

	if got := replay.GetRelationships("issues/1", "blocks"); len(got) != 0 {
		t.Fatalf("expected replay to reproduce the tombstoned state, got %+v", got)
	}
}

func TestGetExcludesTombstoned(t *testing.T) {
	s := New("issues")
	if _, _, err := s.Link("issues/1", "blocks", "issues/2", map[string]any{"k": "v"}, "alice", 1); err != nil {
		t.Fatalf("Link: %v", err)
	}
	if _, ok := s.Get("issues/1", "blocks", "issues/2"); !ok {
		t.Fatal("expected Get to find the live relationship")
	}
	if _, err := s.Unlink("issues/1", "blocks", "issues/2", "alice", 2); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if _, ok := s.Get("issues/1", "blocks", "issues/2"); ok {
		t.Error("expected Get to exclude a tombstoned relationship")
	}
}
