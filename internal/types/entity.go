// Package types holds the data model shared by every parquedb component:
// entities, events, relationships, row groups, WAL entries, indexes, and
// materialized view definitions (spec §3).
package types

import (
	"encoding/json"
	"time"

	"github.com/tidwall/sjson"
)

// Entity is a logical document. Attributes mirror spec §3 exactly.
type Entity struct {
	// ID is "<namespace>/<local>".
	ID   string `json:"$id"`
	Type string `json:"$type"`

	Version int `json:"version"`

	CreatedAt time.Time `json:"createdAt"`
	CreatedBy string    `json:"createdBy"`
	UpdatedAt time.Time `json:"updatedAt"`
	UpdatedBy string    `json:"updatedBy"`

	DeletedAt *time.Time `json:"deletedAt,omitempty"`
	DeletedBy string     `json:"deletedBy,omitempty"`

	// Payload is the open attribute map. Core fields above are never
	// duplicated here; projections merge them back in.
	Payload map[string]any `json:"-"`
}

// Namespace returns the entity's namespace, the portion of ID before "/".
func (e *Entity) Namespace() string {
	for i := 0; i < len(e.ID); i++ {
		if e.ID[i] == '/' {
			return e.ID[:i]
		}
	}
	return e.ID
}

// LocalID returns the portion of ID after the namespace separator.
func (e *Entity) LocalID() string {
	for i := 0; i < len(e.ID); i++ {
		if e.ID[i] == '/' {
			return e.ID[i+1:]
		}
	}
	return ""
}

// Tombstoned reports whether the entity has been soft-deleted.
func (e *Entity) Tombstoned() bool { return e.DeletedAt != nil }

// Clone returns a deep-enough copy for snapshotting into events/caches:
// the payload map is copied one level deep, which is sufficient since
// mutations always replace payload values wholesale rather than mutating
// nested structures in place.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	cp := *e
	if e.DeletedAt != nil {
		t := *e.DeletedAt
		cp.DeletedAt = &t
	}
	if e.Payload != nil {
		cp.Payload = make(map[string]any, len(e.Payload))
		for k, v := range e.Payload {
			cp.Payload[k] = v
		}
	}
	return &cp
}

// entityCore carries the fixed fields for Entity's JSON encoding; Payload
// is handled separately since it must be flattened alongside these
// fields rather than nested (spec §3: entities are flat documents of
// core fields plus open attributes, the same shape filter.ToDocument
// and IndexManager field access assume).
type entityCore struct {
	ID        string     `json:"$id"`
	Type      string     `json:"$type"`
	Version   int        `json:"version"`
	CreatedAt time.Time  `json:"createdAt"`
	CreatedBy string     `json:"createdBy"`
	UpdatedAt time.Time  `json:"updatedAt"`
	UpdatedBy string     `json:"updatedBy"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
	DeletedBy string     `json:"deletedBy,omitempty"`
}

// MarshalJSON flattens Payload alongside the core fields so WAL segments
// and row groups round-trip the entity's attributes, not just its
// metadata (Payload carries `json:"-"` above precisely so the default
// encoder never nests it under a "Payload" key).
func (e *Entity) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(entityCore{
		ID: e.ID, Type: e.Type, Version: e.Version,
		CreatedAt: e.CreatedAt, CreatedBy: e.CreatedBy,
		UpdatedAt: e.UpdatedAt, UpdatedBy: e.UpdatedBy,
		DeletedAt: e.DeletedAt, DeletedBy: e.DeletedBy,
	})
	if err != nil {
		return nil, err
	}
	for k, v := range e.Payload {
		if data, err = sjson.SetBytes(data, k, v); err != nil {
			return nil, err
		}
	}
	return data, nil
}

var coreFieldSet = map[string]bool{
	"$id": true, "$type": true, "version": true,
	"createdAt": true, "createdBy": true, "updatedAt": true, "updatedBy": true,
	"deletedAt": true, "deletedBy": true,
}

// UnmarshalJSON is MarshalJSON's inverse: core fields populate their
// struct fields, everything else becomes Payload.
func (e *Entity) UnmarshalJSON(data []byte) error {
	var core entityCore
	if err := json.Unmarshal(data, &core); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	payload := make(map[string]any, len(raw))
	for k, v := range raw {
		if coreFieldSet[k] {
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return err
		}
		payload[k] = val
	}

	e.ID, e.Type, e.Version = core.ID, core.Type, core.Version
	e.CreatedAt, e.CreatedBy = core.CreatedAt, core.CreatedBy
	e.UpdatedAt, e.UpdatedBy = core.UpdatedAt, core.UpdatedBy
	e.DeletedAt, e.DeletedBy = core.DeletedAt, core.DeletedBy
	e.Payload = payload
	return nil
}

// CoreFields enumerates the fields that projections always include,
// per spec §4.8 columnPruning.requiredColumns.
var CoreFields = []string{"$id", "$type", "version", "createdAt", "createdBy", "updatedAt", "updatedBy"}
