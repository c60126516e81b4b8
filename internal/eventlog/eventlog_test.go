package eventlog

import (
	"context"
	"testing"

	"github.com/dot-do/parquedb/internal/config"
	"github.com/dot-do/parquedb/internal/entitystore"
	"github.com/dot-do/parquedb/internal/router"
	"github.com/dot-do/parquedb/internal/storage"
	"github.com/dot-do/parquedb/internal/storage/sqlitemeta"
	"github.com/dot-do/parquedb/internal/types"
)

// harness bundles one namespace's collaborators against a shared backend
// and control-plane store, so a test can open a second EventLog against
// the same durable state to simulate a process restart.
type harness struct {
	backend storage.Backend
	meta    *sqlitemeta.Store
	router  *router.Router
	flush   config.FlushConfig
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	meta, err := sqlitemeta.Open(":memory:")
	if err != nil {
		t.Fatalf("sqlitemeta.Open: %v", err)
	}
	t.Cleanup(func() { _ = meta.Close() })
	return &harness{
		backend: storage.NewMemory(),
		meta:    meta,
		router:  router.New(config.RouterConfig{}),
		flush:   config.FlushConfig{EntryThreshold: 0, ByteThreshold: 0, MaxWait: 0, HardLimit: 0},
	}
}

func (h *harness) open(t *testing.T, ns string, entities *entitystore.Store) *EventLog {
	t.Helper()
	el := New(Options{
		Namespace: ns,
		Backend:   h.backend,
		Meta:      h.meta,
		Router:    h.router,
		Snapshots: entities,
		Flush:     h.flush,
	})
	t.Cleanup(el.Close)
	return el
}

// createEvent stamps and applies a CREATE through entitystore, mirroring
// how the facade sequences a write: get a seq from the EventLog, mutate
// the entitystore, then append the resulting event.
func createEvent(t *testing.T, ctx context.Context, el *EventLog, entities *entitystore.Store, id string) *types.Event {
	t.Helper()
	seq, err := el.NextSeq(ctx)
	if err != nil {
		t.Fatalf("NextSeq: %v", err)
	}
	_, evt, err := entities.Create(ctx, id, "Issue", map[string]any{"title": id}, "alice", seq)
	if err != nil {
		t.Fatalf("entitystore.Create: %v", err)
	}
	return evt
}

func TestAppendThenFlushWritesRowGroupAndClearsBuffer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	entities := entitystore.New(entitystore.Options{Namespace: "issues"})
	el := h.open(t, "issues", entities)

	evt := createEvent(t, ctx, el, entities, "issues/1")
	if err := el.Append(ctx, evt); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if status := el.FlushStatus(); status.UnflushedCount != 1 {
		t.Fatalf("expected 1 unflushed event before flush, got %d", status.UnflushedCount)
	}

	if err := el.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if status := el.FlushStatus(); status.UnflushedCount != 0 {
		t.Fatalf("expected buffer cleared after flush, got %d unflushed", status.UnflushedCount)
	}
	if len(el.Tail()) != 0 {
		t.Fatalf("expected empty tail after flush, got %d", len(el.Tail()))
	}

	prefix := router.RowGroupDir(h.router.BasePath("issues"))
	listing, err := h.backend.List(ctx, prefix)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(listing) != 1 {
		t.Fatalf("expected exactly one committed row group under %s, got %d", prefix, len(listing))
	}
}

func TestFlushOnEmptyBufferIsANoOp(t *testing.T) {
	h := newHarness(t)
	entities := entitystore.New(entitystore.Options{Namespace: "issues"})
	el := h.open(t, "issues", entities)
	if err := el.Flush(context.Background()); err != nil {
		t.Fatalf("expected flushing an empty buffer to be a no-op, got %v", err)
	}
}

func TestOnFlushedHookFiresWithRowGroupPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	entities := entitystore.New(entitystore.Options{Namespace: "issues"})

	var gotNamespace, gotPath string
	el := New(Options{
		Namespace: "issues",
		Backend:   h.backend,
		Meta:      h.meta,
		Router:    h.router,
		Snapshots: entities,
		Flush:     h.flush,
		OnFlushed: func(namespace, path string) { gotNamespace, gotPath = namespace, path },
	})
	defer el.Close()

	evt := createEvent(t, ctx, el, entities, "issues/1")
	if err := el.Append(ctx, evt); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := el.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if gotNamespace != "issues" {
		t.Errorf("expected OnFlushed namespace 'issues', got %q", gotNamespace)
	}
	if gotPath == "" {
		t.Error("expected OnFlushed to receive a non-empty row group path")
	}
}

func TestRecoverReplaysUnflushedWALAfterRestart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	entities := entitystore.New(entitystore.Options{Namespace: "issues"})
	el := h.open(t, "issues", entities)

	evt1 := createEvent(t, ctx, el, entities, "issues/1")
	if err := el.Append(ctx, evt1); err != nil {
		t.Fatalf("Append: %v", err)
	}
	evt2 := createEvent(t, ctx, el, entities, "issues/2")
	if err := el.Append(ctx, evt2); err != nil {
		t.Fatalf("Append: %v", err)
	}
	// Simulate a crash: no Flush call, the WAL segments are the only
	// durable record of these two events.

	restartedEntities := entitystore.New(entitystore.Options{Namespace: "issues"})
	restarted := h.open(t, "issues", restartedEntities)
	if err := restarted.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	tail := restarted.Tail()
	if len(tail) != 2 {
		t.Fatalf("expected 2 events recovered from the WAL, got %d", len(tail))
	}

	nextSeq, err := restarted.NextSeq(ctx)
	if err != nil {
		t.Fatalf("NextSeq: %v", err)
	}
	if nextSeq <= evt2.Seq {
		t.Fatalf("expected sequence counter bumped past the recovered tail (last=%d), got next=%d", evt2.Seq, nextSeq)
	}
}

func TestRecoverAfterFullFlushStartsWithEmptyTail(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	entities := entitystore.New(entitystore.Options{Namespace: "issues"})
	el := h.open(t, "issues", entities)

	evt := createEvent(t, ctx, el, entities, "issues/1")
	if err := el.Append(ctx, evt); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := el.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	restartedEntities := entitystore.New(entitystore.Options{Namespace: "issues"})
	restarted := h.open(t, "issues", restartedEntities)
	if err := restarted.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(restarted.Tail()) != 0 {
		t.Fatalf("expected nothing left to replay after a committed flush, got %d", len(restarted.Tail()))
	}

	nextSeq, err := restarted.NextSeq(ctx)
	if err != nil {
		t.Fatalf("NextSeq: %v", err)
	}
	if nextSeq <= evt.Seq {
		t.Fatalf("expected sequence counter preserved across restart (last=%d), got next=%d", evt.Seq, nextSeq)
	}
}
