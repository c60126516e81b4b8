// Package sqlitemeta is the control-plane store backing EventLog and
// IndexManager: per-namespace sequence counters, the pending-row-group
// promotion table used for crash recovery (spec §4.5), and FTS5 virtual
// tables backing the full-text index (spec §4.7). It is pure-Go SQLite
// (github.com/ncruces/go-sqlite3, hosted by tetratelabs/wazero), the
// same driver the teacher uses for its authoritative store, so it needs
// no cgo toolchain.
package sqlitemeta

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"golang.org/x/mod/semver"
)

// schemaVersion is this build's control-plane schema version. Bumped
// whenever the schema const below gains/changes a table in a way older
// builds can't read.
const schemaVersion = "v1.0.0"

const schema = `
CREATE TABLE IF NOT EXISTS sequence_counters (
	namespace TEXT PRIMARY KEY,
	last_seq  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS pending_row_groups (
	id         TEXT PRIMARY KEY,
	namespace  TEXT NOT NULL,
	path       TEXT NOT NULL,
	first_seq  INTEGER NOT NULL,
	last_seq   INTEGER NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	committed  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_pending_row_groups_namespace ON pending_row_groups(namespace);

CREATE TABLE IF NOT EXISTS dirty_entities (
	id         TEXT PRIMARY KEY,
	namespace  TEXT NOT NULL,
	content_hash TEXT,
	marked_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_dirty_entities_namespace ON dirty_entities(namespace);

CREATE TABLE IF NOT EXISTS export_hashes (
	entity_id    TEXT PRIMARY KEY,
	content_hash TEXT NOT NULL,
	exported_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE VIRTUAL TABLE IF NOT EXISTS fulltext_index USING fts5(
	entity_id UNINDEXED,
	namespace UNINDEXED,
	field UNINDEXED,
	content
);

CREATE TABLE IF NOT EXISTS schema_version (
	id      INTEGER PRIMARY KEY CHECK (id = 1),
	version TEXT NOT NULL
);
`

// Store wraps a *sql.DB opened against the pure-Go SQLite driver.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the control-plane database at path.
// Use ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitemeta: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single-writer, matching the teacher's withTx serialization
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitemeta: apply schema: %w", err)
	}
	if err := checkSchemaVersion(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// checkSchemaVersion records schemaVersion on first open, or rejects
// opening a control-plane database stamped with a newer major version
// than this build understands (golang.org/x/mod/semver is also the
// teacher's module-compatibility comparator, reused here for the
// on-disk schema's own compatibility check rather than a go.mod's).
func checkSchemaVersion(db *sql.DB) error {
	var have string
	err := db.QueryRow(`SELECT version FROM schema_version WHERE id = 1`).Scan(&have)
	switch {
	case err == sql.ErrNoRows:
		_, err := db.Exec(`INSERT INTO schema_version(id, version) VALUES (1, ?)`, schemaVersion)
		if err != nil {
			return fmt.Errorf("sqlitemeta: stamp schema version: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("sqlitemeta: read schema version: %w", err)
	}
	if !semver.IsValid(have) {
		return fmt.Errorf("sqlitemeta: control-plane db has unparseable schema version %q", have)
	}
	if semver.Major(have) != semver.Major(schemaVersion) && semver.Compare(have, schemaVersion) > 0 {
		return fmt.Errorf("sqlitemeta: control-plane db schema %s is newer than this build's %s", have, schemaVersion)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// withTx mirrors the teacher's transaction helper (internal/storage/sqlite):
// begin (SQLite's default deferred BEGIN), commit on success, rollback on
// error or panic.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitemeta: begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	err = fn(tx)
	return err
}

// NextSeq atomically increments and returns the namespace's sequence
// counter, initializing it to 1 on first use (spec §4.5: "initialized on
// startup from MAX(last_seq) across WAL and pending row groups" — callers
// that recover from existing WAL/pending state call Bump instead).
func (s *Store) NextSeq(ctx context.Context, namespace string) (uint64, error) {
	var next uint64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sequence_counters(namespace, last_seq) VALUES(?, 1)
			ON CONFLICT(namespace) DO UPDATE SET last_seq = last_seq + 1
		`, namespace)
		if err != nil {
			return fmt.Errorf("advance sequence counter: %w", err)
		}
		return tx.QueryRowContext(ctx,
			`SELECT last_seq FROM sequence_counters WHERE namespace = ?`, namespace,
		).Scan(&next)
	})
	return next, err
}

// Bump raises the namespace's counter to at least seq, used on recovery
// to seed from the max sequence observed across WAL and pending row
// groups; it never regresses the counter.
func (s *Store) Bump(ctx context.Context, namespace string, seq uint64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sequence_counters(namespace, last_seq) VALUES(?, ?)
			ON CONFLICT(namespace) DO UPDATE SET last_seq = MAX(last_seq, excluded.last_seq)
		`, namespace, seq)
		return err
	})
}

// CurrentSeq returns the namespace's current sequence counter (0 if unset).
func (s *Store) CurrentSeq(ctx context.Context, namespace string) (uint64, error) {
	var seq uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_seq FROM sequence_counters WHERE namespace = ?`, namespace,
	).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

// PendingRowGroupRow mirrors types.PendingRowGroup for storage round-trips.
type PendingRowGroupRow struct {
	ID        string
	Namespace string
	Path      string
	FirstSeq  uint64
	LastSeq   uint64
	Committed bool
}

// RecordPending inserts a newly written, not-yet-committed row group
// (flush pipeline step 3, spec §4.5).
func (s *Store) RecordPending(ctx context.Context, row PendingRowGroupRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_row_groups(id, namespace, path, first_seq, last_seq, committed)
		VALUES (?, ?, ?, ?, ?, 0)
	`, row.ID, row.Namespace, row.Path, row.FirstSeq, row.LastSeq)
	if err != nil {
		return fmt.Errorf("sqlitemeta: record pending row group: %w", err)
	}
	return nil
}

// Commit marks a pending row group committed (flush pipeline step 5).
func (s *Store) Commit(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE pending_row_groups SET committed = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlitemeta: commit pending row group %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("sqlitemeta: commit pending row group %s: not found", id)
	}
	return nil
}

// Discard removes a pending row group record without marking it committed,
// used when a flush fails after step (2) (§7 "the pending row group is
// discarded; the next flush retries").
func (s *Store) Discard(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_row_groups WHERE id = ?`, id)
	return err
}

// UncommittedPending lists not-yet-committed pending row groups for a
// namespace, used at startup to decide promote-vs-discard (spec §3
// Pending row group, crash recovery).
func (s *Store) UncommittedPending(ctx context.Context, namespace string) ([]PendingRowGroupRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, namespace, path, first_seq, last_seq, committed
		FROM pending_row_groups WHERE namespace = ? AND committed = 0
		ORDER BY first_seq
	`, namespace)
	if err != nil {
		return nil, fmt.Errorf("sqlitemeta: list uncommitted pending row groups: %w", err)
	}
	defer rows.Close()
	var out []PendingRowGroupRow
	for rows.Next() {
		var r PendingRowGroupRow
		if err := rows.Scan(&r.ID, &r.Namespace, &r.Path, &r.FirstSeq, &r.LastSeq, &r.Committed); err != nil {
			return nil, fmt.Errorf("sqlitemeta: scan pending row group: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CommittedUnderPrefix lists committed row groups whose path starts with
// prefix, letting QueryExecutor enumerate the row groups that belong to
// a router-resolved logical path without touching storage.Backend.List
// (spec §4.10 step 1, "read committed row groups under the resolved
// paths").
func (s *Store) CommittedUnderPrefix(ctx context.Context, namespace, prefix string) ([]PendingRowGroupRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, namespace, path, first_seq, last_seq, committed
		FROM pending_row_groups
		WHERE namespace = ? AND committed = 1 AND path LIKE ? || '%'
		ORDER BY first_seq
	`, namespace, prefix)
	if err != nil {
		return nil, fmt.Errorf("sqlitemeta: list committed row groups under %s: %w", prefix, err)
	}
	defer rows.Close()
	var out []PendingRowGroupRow
	for rows.Next() {
		var r PendingRowGroupRow
		if err := rows.Scan(&r.ID, &r.Namespace, &r.Path, &r.FirstSeq, &r.LastSeq, &r.Committed); err != nil {
			return nil, fmt.Errorf("sqlitemeta: scan committed row group: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkDirty records that an entity mutated since the last flush: one row
// per entity id, carrying the latest content hash (spec SUPPLEMENTED
// FEATURES: dirty/export tracking).
func (s *Store) MarkDirty(ctx context.Context, namespace, entityID, contentHash string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dirty_entities(id, namespace, content_hash) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET content_hash = excluded.content_hash, marked_at = CURRENT_TIMESTAMP
	`, entityID, namespace, contentHash)
	return err
}

// ClearDirty removes dirty markers for entities that have been durably
// flushed.
func (s *Store) ClearDirty(ctx context.Context, entityIDs []string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `DELETE FROM dirty_entities WHERE id = ?`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, id := range entityIDs {
			if _, err := stmt.ExecContext(ctx, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// DirtyCount reports how many entities of a namespace are marked dirty.
// EventLog.FlushStatus does not use it; its backlog counts buffered
// events.
func (s *Store) DirtyCount(ctx context.Context, namespace string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dirty_entities WHERE namespace = ?`, namespace,
	).Scan(&n)
	return n, err
}

// WasExported reports whether contentHash for entityID matches the hash
// last recorded by RecordExported. The flush pipeline records hashes but
// does not consult this check, so every flush re-encodes its entities.
func (s *Store) WasExported(ctx context.Context, entityID, contentHash string) (bool, error) {
	var have string
	err := s.db.QueryRowContext(ctx,
		`SELECT content_hash FROM export_hashes WHERE entity_id = ?`, entityID,
	).Scan(&have)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return have == contentHash, nil
}

// RecordExported upserts the last-exported content hash for an entity.
func (s *Store) RecordExported(ctx context.Context, entityID, contentHash string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO export_hashes(entity_id, content_hash) VALUES (?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET content_hash = excluded.content_hash, exported_at = CURRENT_TIMESTAMP
	`, entityID, contentHash)
	return err
}

// IndexText inserts or replaces a full-text document fragment for one
// entity field, backing the IndexManager's fulltext variant (spec §4.7).
func (s *Store) IndexText(ctx context.Context, namespace, entityID, field, content string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM fulltext_index WHERE entity_id = ? AND field = ?`, entityID, field,
		); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO fulltext_index(entity_id, namespace, field, content) VALUES (?, ?, ?, ?)`,
			entityID, namespace, field, content,
		)
		return err
	})
}

// RemoveText deletes every indexed fragment for an entity (DELETE, or
// UPDATE before re-indexing changed fields).
func (s *Store) RemoveText(ctx context.Context, entityID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM fulltext_index WHERE entity_id = ?`, entityID)
	return err
}

// TextSearchHit is one ranked result from SearchText.
type TextSearchHit struct {
	EntityID string
	Field    string
	Snippet  string
	Score    float64 // BM25; lower is better, as returned by sqlite's bm25()
}

// SearchText runs an FTS5 MATCH query scoped to namespace, grounded on
// the teacher's HybridSearch (internal/queries/search.go): bm25() for
// ranking, snippet() for a highlighted excerpt.
func (s *Store) SearchText(ctx context.Context, namespace, query string, limit int) ([]TextSearchHit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, field,
		       snippet(fulltext_index, 3, '<b>', '</b>', '...', 64),
		       bm25(fulltext_index)
		FROM fulltext_index
		WHERE fulltext_index MATCH ? AND namespace = ?
		ORDER BY bm25(fulltext_index)
		LIMIT ?
	`, query, namespace, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlitemeta: fts search: %w", err)
	}
	defer rows.Close()
	var out []TextSearchHit
	for rows.Next() {
		var h TextSearchHit
		if err := rows.Scan(&h.EntityID, &h.Field, &h.Snippet, &h.Score); err != nil {
			return nil, fmt.Errorf("sqlitemeta: scan fts hit: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
