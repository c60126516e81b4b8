// Package circuitbreaker wraps a storage.Backend with a per-direction
// (read/write) circuit breaker (spec §4.2). Configuration field naming
// (FailureThreshold, SuccessThreshold, Timeout/ResetTimeout,
// HalfOpenRequests) is grounded on the proxy layer's
// CircuitBreakerConfig seen in the pack's eve network config, adapted
// from HTTP-route breaking to storage-call breaking.
package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/dot-do/parquedb/internal/logging"
	"github.com/dot-do/parquedb/internal/perr"
	"github.com/dot-do/parquedb/internal/storage"
)

// State is one of the three circuit states (spec §4.2).
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Config tunes a single direction's breaker.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	ResetTimeout     time.Duration
	// BypassProbes skips the breaker entirely for stat/exists calls,
	// since those are cheap and routinely used as liveness probes.
	BypassProbes bool
}

func (c Config) orDefault() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	return c
}

// Metrics tracks per-direction call outcomes (spec §4.2).
type Metrics struct {
	Total     int64
	Succeeded int64
	Failed    int64
	Fallback  int64
}

type direction struct {
	mu sync.Mutex

	cfg Config

	state             State
	consecutiveFails  int
	consecutiveOK     int
	openedAt          time.Time

	metrics Metrics
}

func newDirection(cfg Config) *direction {
	return &direction{cfg: cfg.orDefault(), state: StateClosed}
}

// admit reports whether a call may proceed, transitioning OPEN → HALF_OPEN
// once the reset timeout has elapsed (spec §4.2 transitions).
func (d *direction) admit() (State, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.state {
	case StateOpen:
		if time.Since(d.openedAt) >= d.cfg.ResetTimeout {
			d.state = StateHalfOpen
			d.consecutiveOK = 0
			return StateHalfOpen, nil
		}
		return StateOpen, perr.New(perr.KindCircuitOpen, "circuit open")
	default:
		return d.state, nil
	}
}

func (d *direction) recordSuccess() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.metrics.Total++
	d.metrics.Succeeded++
	switch d.state {
	case StateHalfOpen:
		d.consecutiveOK++
		if d.consecutiveOK >= d.cfg.SuccessThreshold {
			d.state = StateClosed
			d.consecutiveFails = 0
			d.consecutiveOK = 0
		}
	case StateClosed:
		d.consecutiveFails = 0
	}
}

func (d *direction) recordFailure() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.metrics.Total++
	d.metrics.Failed++
	switch d.state {
	case StateHalfOpen:
		d.state = StateOpen
		d.openedAt = time.Now()
		d.consecutiveOK = 0
	case StateClosed:
		d.consecutiveFails++
		if d.consecutiveFails >= d.cfg.FailureThreshold {
			d.state = StateOpen
			d.openedAt = time.Now()
		}
	}
}

func (d *direction) recordFallback() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.metrics.Fallback++
}

func (d *direction) snapshot() (State, Metrics) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state, d.metrics
}

// Breaker wraps a storage.Backend, tripping independently on the read
// and write directions.
type Breaker struct {
	backend  storage.Backend
	fallback storage.Backend // optional read-side fallback

	reads  *direction
	writes *direction

	log *logging.Logger
}

// New constructs a Breaker. readCfg/writeCfg may be the same Config
// value to share thresholds across directions; fallback may be nil.
func New(backend storage.Backend, readCfg, writeCfg Config, fallback storage.Backend, log *logging.Logger) *Breaker {
	return &Breaker{
		backend:  backend,
		fallback: fallback,
		reads:    newDirection(readCfg),
		writes:   newDirection(writeCfg),
		log:      logging.OrDefault(log),
	}
}

func (b *Breaker) Identity() string { return b.backend.Identity() }

// ReadState/WriteState/ReadMetrics/WriteMetrics expose breaker status
// for operators and tests (spec §4.2 "metrics track state...").
func (b *Breaker) ReadState() State   { s, _ := b.reads.snapshot(); return s }
func (b *Breaker) WriteState() State  { s, _ := b.writes.snapshot(); return s }
func (b *Breaker) ReadMetrics() Metrics  { _, m := b.reads.snapshot(); return m }
func (b *Breaker) WriteMetrics() Metrics { _, m := b.writes.snapshot(); return m }

func (b *Breaker) doRead(ctx context.Context, bypass bool, fn func(storage.Backend) (any, error)) (any, error) {
	if bypass && b.reads.cfg.BypassProbes {
		return fn(b.backend)
	}
	state, err := b.reads.admit()
	if err != nil {
		if b.fallback != nil {
			b.reads.recordFallback()
			b.log.Warn("read circuit open, serving from fallback", "backend", b.backend.Identity())
			return fn(b.fallback)
		}
		return nil, err
	}
	_ = state
	out, callErr := fn(b.backend)
	if callErr != nil {
		b.reads.recordFailure()
		if b.fallback != nil {
			b.reads.recordFallback()
			if v, fbErr := fn(b.fallback); fbErr == nil {
				return v, nil
			}
		}
		return nil, callErr
	}
	b.reads.recordSuccess()
	return out, nil
}

func (b *Breaker) doWrite(ctx context.Context, fn func(storage.Backend) (any, error)) (any, error) {
	if _, err := b.writes.admit(); err != nil {
		return nil, err
	}
	out, err := fn(b.backend)
	if err != nil {
		b.writes.recordFailure()
		return nil, err
	}
	b.writes.recordSuccess()
	return out, nil
}

func (b *Breaker) Read(ctx context.Context, path string) ([]byte, error) {
	v, err := b.doRead(ctx, false, func(be storage.Backend) (any, error) { return be.Read(ctx, path) })
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (b *Breaker) ReadRange(ctx context.Context, path string, offset, length int64) ([]byte, error) {
	v, err := b.doRead(ctx, false, func(be storage.Backend) (any, error) { return be.ReadRange(ctx, path, offset, length) })
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (b *Breaker) Write(ctx context.Context, path string, data []byte) (storage.Meta, error) {
	v, err := b.doWrite(ctx, func(be storage.Backend) (any, error) { return be.Write(ctx, path, data) })
	if err != nil {
		return storage.Meta{}, err
	}
	return v.(storage.Meta), nil
}

func (b *Breaker) WriteAtomic(ctx context.Context, path string, data []byte) error {
	_, err := b.doWrite(ctx, func(be storage.Backend) (any, error) { return nil, be.WriteAtomic(ctx, path, data) })
	return err
}

func (b *Breaker) WriteConditional(ctx context.Context, path string, data []byte, expectedVersion string) error {
	_, err := b.doWrite(ctx, func(be storage.Backend) (any, error) { return nil, be.WriteConditional(ctx, path, data, expectedVersion) })
	return err
}

func (b *Breaker) Append(ctx context.Context, path string, data []byte) error {
	_, err := b.doWrite(ctx, func(be storage.Backend) (any, error) { return nil, be.Append(ctx, path, data) })
	return err
}

func (b *Breaker) Delete(ctx context.Context, path string) (bool, error) {
	v, err := b.doWrite(ctx, func(be storage.Backend) (any, error) { return be.Delete(ctx, path) })
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (b *Breaker) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	v, err := b.doWrite(ctx, func(be storage.Backend) (any, error) { return be.DeletePrefix(ctx, prefix) })
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (b *Breaker) List(ctx context.Context, prefix string) ([]storage.Meta, error) {
	v, err := b.doRead(ctx, false, func(be storage.Backend) (any, error) { return be.List(ctx, prefix) })
	if err != nil {
		return nil, err
	}
	return v.([]storage.Meta), nil
}

func (b *Breaker) Stat(ctx context.Context, path string) (*storage.Meta, error) {
	v, err := b.doRead(ctx, true, func(be storage.Backend) (any, error) { return be.Stat(ctx, path) })
	if err != nil {
		return nil, err
	}
	return v.(*storage.Meta), nil
}

func (b *Breaker) Exists(ctx context.Context, path string) (bool, error) {
	v, err := b.doRead(ctx, true, func(be storage.Backend) (any, error) { return be.Exists(ctx, path) })
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (b *Breaker) Copy(ctx context.Context, src, dst string) error {
	_, err := b.doWrite(ctx, func(be storage.Backend) (any, error) { return nil, be.Copy(ctx, src, dst) })
	return err
}

func (b *Breaker) Move(ctx context.Context, src, dst string) error {
	_, err := b.doWrite(ctx, func(be storage.Backend) (any, error) { return nil, be.Move(ctx, src, dst) })
	return err
}

func (b *Breaker) Rmdir(ctx context.Context, prefix string) error {
	_, err := b.doWrite(ctx, func(be storage.Backend) (any, error) { return nil, be.Rmdir(ctx, prefix) })
	return err
}

var _ storage.Backend = (*Breaker)(nil)
