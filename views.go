package parquedb

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/dot-do/parquedb/internal/types"
)

// viewDefinitionsFile is the on-disk shape for a namespace's declared
// materialized views: a YAML document rather than the TOML used for
// process tunables (config.Config), since this is an operator-edited
// resource definition checked into a repo alongside query code, not a
// per-deployment runtime setting.
type viewDefinitionsFile struct {
	Views []types.MaterializedViewDefinition `yaml:"views"`
}

// LoadViewDefinitions reads a YAML file of view declarations from path
// (resolved through the DB's storage backend) and registers each as
// StalenessFresh. Registration only makes the view a candidate for
// MVRouter.Resolve; it does not compute the view's rows.
func (db *DB) LoadViewDefinitions(ctx context.Context, path string) error {
	data, err := db.backend.Read(ctx, path)
	if err != nil {
		return fmt.Errorf("parquedb: read view definitions %s: %w", path, err)
	}
	var file viewDefinitionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parquedb: parse view definitions %s: %w", path, err)
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, def := range file.Views {
		db.views[def.Name] = &types.MaterializedViewState{Definition: def, Staleness: types.StalenessFresh}
	}
	return nil
}

// SaveViewDefinitions serializes every registered view's definition back
// to YAML at path, for operators snapshotting the current registry.
func (db *DB) SaveViewDefinitions(ctx context.Context, path string) error {
	db.mu.Lock()
	file := viewDefinitionsFile{Views: make([]types.MaterializedViewDefinition, 0, len(db.views))}
	for _, state := range db.views {
		file.Views = append(file.Views, state.Definition)
	}
	db.mu.Unlock()

	data, err := yaml.Marshal(file)
	if err != nil {
		return fmt.Errorf("parquedb: marshal view definitions: %w", err)
	}
	return db.backend.WriteAtomic(ctx, path, data)
}

// RegisterView adds or replaces a single view definition directly, for
// callers that compute a definition programmatically instead of
// declaring it in a YAML file.
func (db *DB) RegisterView(def types.MaterializedViewDefinition, staleness types.Staleness) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.views[def.Name] = &types.MaterializedViewState{Definition: def, Staleness: staleness}
}

// MarkViewStale updates a registered view's staleness (spec §4.9: views
// drift from fresh to stale-but-usable to invalid as underlying data
// changes without a recompute).
func (db *DB) MarkViewStale(name string, staleness types.Staleness) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if state, ok := db.views[name]; ok {
		state.Staleness = staleness
	}
}

// ViewState returns the current state of a registered view, if any.
func (db *DB) ViewState(name string) (*types.MaterializedViewState, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	state, ok := db.views[name]
	return state, ok
}
