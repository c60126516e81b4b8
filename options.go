package parquedb

import (
	"fmt"

	"github.com/dot-do/parquedb/internal/circuitbreaker"
	"github.com/dot-do/parquedb/internal/config"
	"github.com/dot-do/parquedb/internal/logging"
	"github.com/dot-do/parquedb/internal/storage"
)

// Options configures Open. A zero Options opens an in-memory, default-
// configured database, which is enough for embedding and tests.
type Options struct {
	// Config overrides the defaults (config.Default()) for every tunable:
	// storage backend/root, cache sizing, flush thresholds, breaker
	// thresholds, optimizer constants, router/sharding declarations.
	Config *config.Config

	// Backend overrides the backend constructed from Config.Storage,
	// letting callers embed a backend they already hold open (e.g. in
	// tests sharing one storage.Memory across assertions).
	Backend storage.Backend

	// MetaPath is the sqlitemeta control-plane database path. Empty
	// means ":memory:" (ephemeral, not shared across process restarts).
	MetaPath string

	Logger *logging.Logger
}

func (o Options) config() *config.Config {
	if o.Config != nil {
		return o.Config
	}
	return config.Default()
}

func (o Options) metaPath() string {
	if o.MetaPath != "" {
		return o.MetaPath
	}
	return ":memory:"
}

func buildBackend(cfg config.StorageConfig) (storage.Backend, error) {
	switch cfg.Backend {
	case "", "memory":
		return storage.NewMemory(), nil
	case "localfs":
		return storage.NewLocalFS(cfg.Root)
	default:
		return nil, fmt.Errorf("parquedb: unknown storage backend %q", cfg.Backend)
	}
}

// wrapBreaker fronts backend with a circuitbreaker.Breaker using cfg's
// thresholds (spec §4.2). Breaker implements storage.Backend itself, so
// every downstream storage caller (EventLog's WAL and row-group writes,
// QueryExecutor's row-group reads) gets breaker protection transparently.
// EntityStore's markDirty writes go to sqlitemeta, not through it.
func wrapBreaker(backend storage.Backend, cfg config.BreakerConfig, log *logging.Logger) *circuitbreaker.Breaker {
	bc := circuitbreaker.Config{
		FailureThreshold: cfg.FailureThreshold,
		SuccessThreshold: cfg.SuccessThreshold,
		ResetTimeout:     cfg.ResetTimeout,
		BypassProbes:     cfg.ProbeBypass,
	}
	return circuitbreaker.New(backend, bc, bc, nil, log)
}
