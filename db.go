// Package parquedb is the public facade over the event-sourced document
// store implemented by the internal/* packages: it wires together the
// Router, EventLog, EntityStore, relationship store, IndexManager,
// QueryOptimizer, MVRouter, and QueryExecutor per namespace and exposes
// the operations spec'd for a collection (find, get, create, createMany,
// update, delete, count, exists, link, unlink, getRelationships,
// ingestStream, flush, getFlushStatus) plus process lifecycle (Open/Close).
package parquedb

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dot-do/parquedb/internal/cache"
	"github.com/dot-do/parquedb/internal/config"
	"github.com/dot-do/parquedb/internal/ctxstore"
	"github.com/dot-do/parquedb/internal/entitystore"
	"github.com/dot-do/parquedb/internal/eventlog"
	"github.com/dot-do/parquedb/internal/index"
	"github.com/dot-do/parquedb/internal/logging"
	"github.com/dot-do/parquedb/internal/query"
	"github.com/dot-do/parquedb/internal/relstore"
	"github.com/dot-do/parquedb/internal/router"
	"github.com/dot-do/parquedb/internal/storage"
	"github.com/dot-do/parquedb/internal/storage/sqlitemeta"
	"github.com/dot-do/parquedb/internal/types"
)

// DB is one open handle onto a backend. Multiple DBs opened against
// backends that report the same Identity() share the same process-wide
// entity/event/relationship/index state via internal/ctxstore (spec §5,
// §9 DESIGN NOTES); each DB still holds its own cache, router, and
// optimizer config, since those are tuning knobs rather than authoritative
// state.
type DB struct {
	cfg      *config.Config
	backend  storage.Backend // breaker-wrapped
	identity string
	meta     *sqlitemeta.Store
	router   *router.Router
	rgCache  *cache.RowGroupCache
	log      *logging.Logger
	handle   *ctxstore.Handle
	mvrouter *query.MVRouter

	mu          sync.Mutex
	collections map[string]*Collection
	views       map[string]*types.MaterializedViewState

	statsMu sync.Mutex
	stats   map[string]*types.Statistics

	closeOnce sync.Once
	closed    bool
}

// Open constructs a DB from opts, building (or adopting) a storage
// backend, the control-plane sqlitemeta store, and the shared registries
// keyed by the backend's identity.
func Open(ctx context.Context, opts Options) (*DB, error) {
	cfg := opts.config()
	log := logging.OrDefault(opts.Logger)

	raw := opts.Backend
	if raw == nil {
		var err error
		raw, err = buildBackend(cfg.Storage)
		if err != nil {
			return nil, err
		}
	}
	backend := wrapBreaker(raw, cfg.Breaker, log)

	meta, err := sqlitemeta.Open(opts.metaPath())
	if err != nil {
		return nil, fmt.Errorf("parquedb: open control-plane store: %w", err)
	}

	db := &DB{
		cfg:         cfg,
		backend:     backend,
		identity:    raw.Identity(),
		meta:        meta,
		router:      router.New(cfg.Router),
		rgCache:     cache.New(cfg.Cache.MaxEntries, cfg.Cache.MaxBytes, cfg.Cache.TTL),
		log:         log,
		handle:      ctxstore.Acquire(raw.Identity()),
		collections: map[string]*Collection{},
		views:       map[string]*types.MaterializedViewState{},
		stats:       map[string]*types.Statistics{},
	}
	db.mvrouter = query.NewMVRouter(db.views)
	return db, nil
}

// Collection returns the Collection for name, constructing and recovering
// its namespace's EventLog/EntityStore/relationship/index state on first
// access — shared with any other open DB against the same backend
// identity (spec §5 Shared resources).
func (db *DB) Collection(ctx context.Context, name string) (*Collection, error) {
	db.mu.Lock()
	if c, ok := db.collections[name]; ok {
		db.mu.Unlock()
		return c, nil
	}
	db.mu.Unlock()

	var buildErr error
	ns := db.handle.Namespace(name, func() *ctxstore.Namespace {
		entities := entitystore.New(entitystore.Options{Namespace: name, Meta: db.meta, Logger: db.log})
		rels := relstore.New(name)
		idx := index.New(name, db.meta, db.log)
		el := eventlog.New(eventlog.Options{
			Namespace: name,
			Backend:   db.backend,
			Meta:      db.meta,
			Router:    db.router,
			Snapshots: entities,
			OnFlushed: db.onFlushed,
			Logger:    db.log,
			Flush:     db.cfg.Flush,
		})
		if err := el.Recover(ctx); err != nil {
			buildErr = fmt.Errorf("parquedb: recover namespace %s: %w", name, err)
		}
		return &ctxstore.Namespace{Entities: entities, Events: el, Relationships: rels, Indexes: idx}
	})
	if buildErr != nil {
		return nil, buildErr
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if c, ok := db.collections[name]; ok {
		return c, nil
	}
	c := newCollection(db, name, ns)
	db.collections[name] = c
	return c, nil
}

// onFlushed is EventLog's post-commit hook (spec §4.4/§4.5/§4.9): it
// invalidates the cached copy of the just-replaced path and folds the
// freshly written row group's stats into the namespace's running
// Statistics, which QueryOptimizer.Compile consumes on the next query.
func (db *DB) onFlushed(namespace, path string) {
	db.rgCache.InvalidateFile(path)

	group, err := eventlog.ReadRowGroup(context.Background(), db.backend, path)
	if err != nil {
		db.log.Warn("onFlushed: read row group for stats", "path", path, "error", err)
		return
	}

	db.statsMu.Lock()
	defer db.statsMu.Unlock()
	st, ok := db.stats[namespace]
	if !ok {
		st = &types.Statistics{ColumnCardinality: map[string]int{}, ColumnNullCount: map[string]int{}}
		db.stats[namespace] = st
	}
	st.TotalRows += group.Stats.RowCount
	st.RowGroupCount++
	st.RowGroups = append(st.RowGroups, group.Stats)
	for col, cs := range group.Stats.Columns {
		st.ColumnNullCount[col] += cs.NullCount
	}
}

// statisticsFor returns a copy of the namespace's running statistics,
// safe to hand to QueryOptimizer.Compile without holding db.statsMu.
func (db *DB) statisticsFor(namespace string) types.Statistics {
	db.statsMu.Lock()
	defer db.statsMu.Unlock()
	st, ok := db.stats[namespace]
	if !ok {
		return types.Statistics{}
	}
	cp := *st
	cp.RowGroups = append([]types.RowGroupStats(nil), st.RowGroups...)
	return cp
}

// Flush flushes every open namespace's unflushed events, stopping at the
// first error.
func (db *DB) Flush(ctx context.Context) error {
	db.mu.Lock()
	collections := make([]*Collection, 0, len(db.collections))
	for _, c := range db.collections {
		collections = append(collections, c)
	}
	db.mu.Unlock()
	for _, c := range collections {
		if err := c.Flush(ctx); err != nil {
			return fmt.Errorf("parquedb: flush %s: %w", c.name, err)
		}
	}
	return nil
}

// GetFlushStatus reports every open namespace's unflushed backlog.
func (db *DB) GetFlushStatus() map[string]types.FlushStatus {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make(map[string]types.FlushStatus, len(db.collections))
	for name, c := range db.collections {
		out[name] = c.FlushStatus()
	}
	return out
}

// CacheStats exposes the shared RowGroupCache's stats (spec §4.4).
func (db *DB) CacheStats() cache.Stats { return db.rgCache.Stats() }

// Close disposes the DB (spec §4.11 lifecycle): every open namespace's
// background flush timer is cancelled, a best-effort final flush runs
// within cfg.Flush.DisposeBudget, the shared backend-identity-scoped
// registries are released (torn down once every sharing DB has closed),
// the cache is cleared, and the logger's rotating sink is closed.
func (db *DB) Close(ctx context.Context) error {
	var closeErr error
	db.closeOnce.Do(func() {
		budget := db.cfg.Flush.DisposeBudget
		if budget <= 0 {
			budget = 5 * time.Second
		}
		flushCtx, cancel := context.WithTimeout(ctx, budget)
		defer cancel()

		db.mu.Lock()
		collections := make([]*Collection, 0, len(db.collections))
		for _, c := range db.collections {
			collections = append(collections, c)
		}
		db.mu.Unlock()

		for _, c := range collections {
			if err := c.ns.Events.Flush(flushCtx); err != nil {
				db.log.Warn("dispose: final flush failed", "namespace", c.name, "error", err)
				if closeErr == nil {
					closeErr = err
				}
			}
			c.ns.Events.Close()
		}

		db.rgCache.Clear()
		db.handle.Release()
		if err := db.log.Close(); err != nil && closeErr == nil {
			closeErr = err
		}
		db.closed = true
	})
	return closeErr
}
