// Package config loads parquedb's tunables (storage root, cache sizing,
// flush thresholds, circuit breaker thresholds, optimizer cost constants).
//
// Mirrors the teacher's viper-based loader, but de-globalized per the
// "Global metrics and singletons" design note: Load returns an explicit
// *Config, and LoadDefault is the only package-level convenience.
package config

import (
	"bytes"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// Config holds every tunable parameter consumed by the core components.
type Config struct {
	Storage  StorageConfig  `mapstructure:"storage"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Flush    FlushConfig    `mapstructure:"flush"`
	Breaker  BreakerConfig  `mapstructure:"breaker"`
	Optimizer OptimizerConfig `mapstructure:"optimizer"`
	Retry    RetryPolicy    `mapstructure:"retry"`
	Router   RouterConfig   `mapstructure:"router"`
	LogFile  string         `mapstructure:"log_file"`
}

// RouterConfig holds namespace layout/sharding declarations and growth
// thresholds (§4.3), keyed by namespace name.
type RouterConfig struct {
	Namespaces      map[string]NamespaceConfig `mapstructure:"namespaces"`
	GrowthBytes     int64                      `mapstructure:"growth_bytes"`
	GrowthEntities  int                        `mapstructure:"growth_entities"`
	GrowthRowGroups int                        `mapstructure:"growth_row_groups"`
}

// NamespaceConfig declares a namespace's mode and optional shard strategy.
type NamespaceConfig struct {
	Typed bool `mapstructure:"typed"`

	// ShardStrategy is one of "", "discriminator", "time", "hash".
	ShardStrategy string `mapstructure:"shard_strategy"`
	// ShardField names the discriminator/time field; unused for hash
	// sharding (hash shards on the entity id).
	ShardField string `mapstructure:"shard_field"`
	// ShardValues enumerates known discriminator values, used when a
	// filter doesn't pin the field to enumerate every shard.
	ShardValues []string `mapstructure:"shard_values"`
	// TimeBucket is one of "hour", "day", "week", "month", "year".
	TimeBucket string `mapstructure:"time_bucket"`
	// ShardCount is the modulus for hash sharding.
	ShardCount int `mapstructure:"shard_count"`
}

type StorageConfig struct {
	Backend string `mapstructure:"backend"` // "memory" | "localfs" | "http"
	Root    string `mapstructure:"root"`
}

type CacheConfig struct {
	MaxEntries int           `mapstructure:"max_entries"`
	MaxBytes   int64         `mapstructure:"max_bytes"`
	TTL        time.Duration `mapstructure:"ttl"`
	Version    int           `mapstructure:"version"`
}

type FlushConfig struct {
	EntryThreshold int           `mapstructure:"entry_threshold"`
	ByteThreshold  int64         `mapstructure:"byte_threshold"`
	MaxWait        time.Duration `mapstructure:"max_wait"`
	HardLimit      int           `mapstructure:"hard_limit"`
	DisposeBudget  time.Duration `mapstructure:"dispose_budget"`
}

type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
	ProbeBypass      bool          `mapstructure:"probe_bypass"`
}

// OptimizerConfig holds the fixed cost constants from §4.8, exposed as
// tunables rather than hardcoded so tests can exercise extreme ratios.
type OptimizerConfig struct {
	RowGroupScanCost float64 `mapstructure:"row_group_scan_cost"`
	RowReadCost      float64 `mapstructure:"row_read_cost"`
	RowFilterCost    float64 `mapstructure:"row_filter_cost"`
	BloomFilterFactor float64 `mapstructure:"bloom_filter_factor"`
	FTSSelectivityFloor float64 `mapstructure:"fts_selectivity_floor"`
	VectorSelectivityFloor float64 `mapstructure:"vector_selectivity_floor"`
}

// RetryPolicy holds retry and backoff tunables for transient I/O
// failures (§7). No component reads it; storage calls are not retried.
type RetryPolicy struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
}

// Default returns the built-in defaults used when no config file/env is
// present, grounded on the teacher's v.SetDefault(...) calls.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{Backend: "memory", Root: "."},
		Cache: CacheConfig{
			MaxEntries: 10000,
			MaxBytes:   256 << 20,
			TTL:        0,
			Version:    1,
		},
		Flush: FlushConfig{
			EntryThreshold: 500,
			ByteThreshold:  4 << 20,
			MaxWait:        2 * time.Second,
			HardLimit:      20000,
			DisposeBudget:  5 * time.Second,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			ResetTimeout:     30 * time.Second,
			ProbeBypass:      true,
		},
		Optimizer: OptimizerConfig{
			RowGroupScanCost:       100,
			RowReadCost:            1,
			RowFilterCost:          0.1,
			BloomFilterFactor:      0.05,
			FTSSelectivityFloor:    0.1,
			VectorSelectivityFloor: 0.05,
		},
		Retry: RetryPolicy{
			MaxAttempts:  3,
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     2 * time.Second,
		},
		Router: RouterConfig{
			Namespaces:      map[string]NamespaceConfig{},
			GrowthBytes:     256 << 20,
			GrowthEntities:  1_000_000,
			GrowthRowGroups: 256,
		},
	}
}

// Load reads configuration from the given TOML file paths (first match
// wins), environment variables prefixed PARQUEDB_, and falls back to
// Default() for anything unset.
func Load(paths ...string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix("PARQUEDB")
	v.AutomaticEnv()

	found := false
	for _, p := range paths {
		v.SetConfigFile(p)
		if err := v.ReadInConfig(); err == nil {
			found = true
			break
		}
	}
	if !found {
		// No file found: defaults + env only, still routed through viper
		// so PARQUEDB_* env vars are honored.
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

// LoadDefault is the thin convenience wrapper noted in the design notes:
// it never errors and always returns usable defaults.
func LoadDefault() *Config { return Default() }

// WriteTOML serializes cfg as TOML, used by tests and by operators
// bootstrapping a config file from defaults.
func WriteTOML(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return nil, fmt.Errorf("config: encode toml: %w", err)
	}
	return buf.Bytes(), nil
}
