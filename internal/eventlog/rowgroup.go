package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mitchellh/hashstructure/v2"

	"github.com/dot-do/parquedb/internal/storage"
	"github.com/dot-do/parquedb/internal/types"
)

// buildRowGroup assembles a RowGroup from the current snapshots of every
// entity touched by the given events, computing per-column min/max/null
// statistics for predicate pushdown (spec §3 Row group, §4.8 input).
//
// snapshots supplies the authoritative current state per entity id
// (EntityStore owns this; the event log only knows about the mutation
// stream). Tombstoned entities are still written so historical
// reconstruction and $exists queries remain correct.
func buildRowGroup(path string, index int, events []*types.Event, snapshots map[string]*types.Entity) *types.RowGroup {
	seen := map[string]bool{}
	rows := make([]*types.Entity, 0, len(events))
	for _, e := range events {
		if seen[e.Target] {
			continue
		}
		seen[e.Target] = true
		if snap, ok := snapshots[e.Target]; ok && snap != nil {
			rows = append(rows, snap)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })

	columns := map[string]types.ColumnStats{}
	for _, row := range rows {
		mergeColumnStats(columns, "$type", row.Type)
		mergeColumnStats(columns, "version", row.Version)
		for k, v := range row.Payload {
			mergeColumnStats(columns, k, v)
		}
	}

	return &types.RowGroup{
		Stats: types.RowGroupStats{
			Path:     path,
			Index:    index,
			RowCount: len(rows),
			Columns:  columns,
		},
		Rows: rows,
	}
}

func mergeColumnStats(columns map[string]types.ColumnStats, field string, value any) {
	if value == nil {
		cs := columns[field]
		cs.NullCount++
		columns[field] = cs
		return
	}
	cs, ok := columns[field]
	if !ok {
		columns[field] = types.ColumnStats{Min: value, Max: value}
		return
	}
	if lessComparable(value, cs.Min) {
		cs.Min = value
	}
	if lessComparable(cs.Max, value) {
		cs.Max = value
	}
	columns[field] = cs
}

// lessComparable compares two scalar values for min/max tracking. Only
// float64 and string pairs compare; every other pair (bool included)
// reports false so stats simply stop tightening rather than panicking on
// a type change.
func lessComparable(a, b any) bool {
	switch av := a.(type) {
	case float64:
		if bv, ok := b.(float64); ok {
			return av < bv
		}
	case string:
		if bv, ok := b.(string); ok {
			return av < bv
		}
	}
	return false
}

// ContentHash computes a stable structural hash of an entity's payload,
// used for flush-time dedup (SUPPLEMENTED FEATURES: content-hash dedup),
// grounded on the teacher's content_hash column.
func ContentHash(e *types.Entity) (string, error) {
	h, err := hashstructure.Hash(e.Payload, hashstructure.FormatV2, nil)
	if err != nil {
		return "", fmt.Errorf("eventlog: hash entity payload: %w", err)
	}
	return fmt.Sprintf("%x", h), nil
}

// encodeRowGroup serializes a row group as JSON. Row groups are opaque
// byte blobs to every StorageBackend; this module owns the encoding.
func encodeRowGroup(g *types.RowGroup) ([]byte, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("eventlog: encode row group: %w", err)
	}
	return data, nil
}

func decodeRowGroup(data []byte) (*types.RowGroup, error) {
	var g types.RowGroup
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("eventlog: decode row group: %w", err)
	}
	return &g, nil
}

// writeRowGroup atomically writes an encoded row group to path.
func writeRowGroup(ctx context.Context, backend storage.Backend, path string, g *types.RowGroup) error {
	data, err := encodeRowGroup(g)
	if err != nil {
		return err
	}
	if err := backend.WriteAtomic(ctx, path, data); err != nil {
		return fmt.Errorf("eventlog: write row group %s: %w", path, err)
	}
	return nil
}

// ReadRowGroup reads and decodes a previously written row group, used by
// QueryExecutor on a RowGroupCache miss.
func ReadRowGroup(ctx context.Context, backend storage.Backend, path string) (*types.RowGroup, error) {
	data, err := backend.Read(ctx, path)
	if err != nil {
		return nil, err
	}
	return decodeRowGroup(data)
}
