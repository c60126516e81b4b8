// Package ctxstore holds the process-wide registries keyed by storage
// backend identity (spec §5 Shared resources, §9 DESIGN NOTES: "process-
// wide stores are keyed by storage backend identity, not by DB instance,
// so two DB facades opened against the same backend share state instead
// of silently diverging"). A facade acquires a Handle on Open and
// releases it on Close; the registry for a given identity is torn down
// once its last lease is released.
package ctxstore

import (
	"sync"

	"github.com/dot-do/parquedb/internal/entitystore"
	"github.com/dot-do/parquedb/internal/eventlog"
	"github.com/dot-do/parquedb/internal/index"
	"github.com/dot-do/parquedb/internal/relstore"
)

// Namespace bundles one namespace's shared, backend-identity-scoped
// components: the authoritative entity/relationship stores, the event
// log, and the index manager. Every DB facade opened against the same
// backend identity shares the same *Namespace for a given name, rather
// than each constructing its own and racing the others' writes.
type Namespace struct {
	Entities      *entitystore.Store
	Events        *eventlog.EventLog
	Relationships *relstore.Store
	Indexes       *index.Manager
}

type registry struct {
	mu         sync.Mutex
	namespaces map[string]*Namespace
	refs       int
}

var (
	mu         sync.Mutex
	registries = map[string]*registry{}
)

// Handle is one facade's lease on a backend identity's shared registry.
type Handle struct {
	identity string
	r        *registry
}

// Acquire returns the shared registry for a backend identity, creating an
// empty one on first use, and increments its reference count. Call
// Release exactly once per Acquire, normally from the facade's Close.
func Acquire(identity string) *Handle {
	mu.Lock()
	defer mu.Unlock()
	r, ok := registries[identity]
	if !ok {
		r = &registry{namespaces: map[string]*Namespace{}}
		registries[identity] = r
	}
	r.refs++
	return &Handle{identity: identity, r: r}
}

// Namespace returns the shared Namespace for name under this handle's
// backend identity, invoking build to construct it the first time any
// facade asks for this name against this backend.
func (h *Handle) Namespace(name string, build func() *Namespace) *Namespace {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	if ns, ok := h.r.namespaces[name]; ok {
		return ns
	}
	ns := build()
	h.r.namespaces[name] = ns
	return ns
}

// Count reports how many namespaces are currently registered under this
// handle's backend identity.
func (h *Handle) Count() int {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	return len(h.r.namespaces)
}

// Release decrements the handle's reference count. Once the last facade
// sharing this backend identity releases, the entire registry (every
// namespace's entity/event/relationship/index state) is discarded (spec
// §4.11 lifecycle: "clear process-wide stores keyed by backend identity").
func (h *Handle) Release() {
	mu.Lock()
	defer mu.Unlock()
	h.r.refs--
	if h.r.refs <= 0 {
		delete(registries, h.identity)
	}
}

// activeRegistries reports the number of distinct backend identities
// currently holding live state, exposed for tests.
func activeRegistries() int {
	mu.Lock()
	defer mu.Unlock()
	return len(registries)
}
