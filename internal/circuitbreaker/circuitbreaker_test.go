package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dot-do/parquedb/internal/storage"
)

// flakyBackend fails its next failNext calls to whichever method is
// invoked, then succeeds.
type flakyBackend struct {
	failNext int
}

func (f *flakyBackend) fail() error {
	if f.failNext > 0 {
		f.failNext--
		return errors.New("boom")
	}
	return nil
}

func (f *flakyBackend) Read(ctx context.Context, path string) ([]byte, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return []byte("ok"), nil
}
func (f *flakyBackend) ReadRange(ctx context.Context, path string, offset, length int64) ([]byte, error) {
	return f.Read(ctx, path)
}
func (f *flakyBackend) Write(ctx context.Context, path string, data []byte) (storage.Meta, error) {
	if err := f.fail(); err != nil {
		return storage.Meta{}, err
	}
	return storage.Meta{Path: path}, nil
}
func (f *flakyBackend) WriteAtomic(ctx context.Context, path string, data []byte) error { return f.fail() }
func (f *flakyBackend) WriteConditional(ctx context.Context, path string, data []byte, expectedVersion string) error {
	return f.fail()
}
func (f *flakyBackend) Append(ctx context.Context, path string, data []byte) error { return f.fail() }
func (f *flakyBackend) Delete(ctx context.Context, path string) (bool, error) {
	if err := f.fail(); err != nil {
		return false, err
	}
	return true, nil
}
func (f *flakyBackend) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	if err := f.fail(); err != nil {
		return 0, err
	}
	return 0, nil
}
func (f *flakyBackend) List(ctx context.Context, prefix string) ([]storage.Meta, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return nil, nil
}
func (f *flakyBackend) Stat(ctx context.Context, path string) (*storage.Meta, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return &storage.Meta{Path: path}, nil
}
func (f *flakyBackend) Exists(ctx context.Context, path string) (bool, error) {
	if err := f.fail(); err != nil {
		return false, err
	}
	return true, nil
}
func (f *flakyBackend) Copy(ctx context.Context, src, dst string) error { return f.fail() }
func (f *flakyBackend) Move(ctx context.Context, src, dst string) error { return f.fail() }
func (f *flakyBackend) Rmdir(ctx context.Context, prefix string) error  { return f.fail() }
func (f *flakyBackend) Identity() string                               { return "flaky" }

func TestBreakerTripsOpenAfterFailureThreshold(t *testing.T) {
	backend := &flakyBackend{failNext: 10}
	cfg := Config{FailureThreshold: 3, SuccessThreshold: 2, ResetTimeout: time.Hour}
	b := New(backend, cfg, cfg, nil, nil)

	for i := 0; i < 3; i++ {
		if _, err := b.Read(context.Background(), "x"); err == nil {
			t.Fatalf("call %d: expected injected failure", i)
		}
	}
	if b.ReadState() != StateOpen {
		t.Fatalf("expected OPEN after %d consecutive failures, got %s", cfg.FailureThreshold, b.ReadState())
	}

	if _, err := b.Read(context.Background(), "x"); err == nil {
		t.Fatal("expected circuit-open error while tripped")
	}
}

func TestBreakerHalfOpenRecloses(t *testing.T) {
	backend := &flakyBackend{failNext: 3}
	cfg := Config{FailureThreshold: 3, SuccessThreshold: 2, ResetTimeout: 10 * time.Millisecond}
	b := New(backend, cfg, cfg, nil, nil)

	for i := 0; i < 3; i++ {
		_, _ = b.Read(context.Background(), "x")
	}
	if b.ReadState() != StateOpen {
		t.Fatalf("expected OPEN, got %s", b.ReadState())
	}

	time.Sleep(20 * time.Millisecond)

	if _, err := b.Read(context.Background(), "x"); err != nil {
		t.Fatalf("expected half-open probe to succeed (backend is done failing): %v", err)
	}
	if b.ReadState() != StateHalfOpen {
		t.Fatalf("expected HALF_OPEN after one probe success (threshold 2), got %s", b.ReadState())
	}

	if _, err := b.Read(context.Background(), "x"); err != nil {
		t.Fatalf("second probe: %v", err)
	}
	if b.ReadState() != StateClosed {
		t.Fatalf("expected CLOSED after %d consecutive successes, got %s", cfg.SuccessThreshold, b.ReadState())
	}
}

func TestBreakerHalfOpenReopensOnFailure(t *testing.T) {
	backend := &flakyBackend{failNext: 100}
	cfg := Config{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: 10 * time.Millisecond}
	b := New(backend, cfg, cfg, nil, nil)

	if _, err := b.Read(context.Background(), "x"); err == nil {
		t.Fatal("expected initial failure")
	}
	if b.ReadState() != StateOpen {
		t.Fatalf("expected OPEN, got %s", b.ReadState())
	}

	time.Sleep(20 * time.Millisecond)

	if _, err := b.Read(context.Background(), "x"); err == nil {
		t.Fatal("expected the half-open probe itself to fail (backend still flaky)")
	}
	if b.ReadState() != StateOpen {
		t.Fatalf("expected re-opened circuit after failed probe, got %s", b.ReadState())
	}
}

func TestBreakerFallsBackOnOpenCircuit(t *testing.T) {
	primary := &flakyBackend{failNext: 1}
	fallback := &flakyBackend{}
	cfg := Config{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Hour}
	b := New(primary, cfg, cfg, fallback, nil)

	// The primary call that trips the breaker is itself masked by the
	// fallback succeeding, so the caller never sees the failure.
	data, err := b.Read(context.Background(), "x")
	if err != nil {
		t.Fatalf("expected fallback to mask the tripping call's failure: %v", err)
	}
	if string(data) != "ok" {
		t.Fatalf("expected fallback's response, got %q", data)
	}
	if b.ReadState() != StateOpen {
		t.Fatalf("expected circuit OPEN after the primary's failure, got %s", b.ReadState())
	}
	if b.ReadMetrics().Fallback == 0 {
		t.Error("expected fallback metric to record the served-from-fallback call")
	}

	// Now the circuit is open and every call is served from fallback
	// without even attempting the primary.
	data, err = b.Read(context.Background(), "x")
	if err != nil {
		t.Fatalf("expected open-circuit read to serve from fallback: %v", err)
	}
	if string(data) != "ok" {
		t.Fatalf("expected fallback's response, got %q", data)
	}
}

func TestBreakerWritesAndReadsTripIndependently(t *testing.T) {
	backend := &flakyBackend{failNext: 1}
	readCfg := Config{FailureThreshold: 5, SuccessThreshold: 1, ResetTimeout: time.Hour}
	writeCfg := Config{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Hour}
	b := New(backend, readCfg, writeCfg, nil, nil)

	if err := b.WriteAtomic(context.Background(), "x", []byte("v")); err == nil {
		t.Fatal("expected injected write failure")
	}
	if b.WriteState() != StateOpen {
		t.Fatalf("expected write circuit OPEN, got %s", b.WriteState())
	}
	if b.ReadState() != StateClosed {
		t.Fatalf("expected read circuit unaffected (still CLOSED), got %s", b.ReadState())
	}
}

func TestBreakerBypassesProbesForStatAndExists(t *testing.T) {
	backend := &flakyBackend{failNext: 1}
	cfg := Config{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Hour, BypassProbes: true}
	b := New(backend, cfg, cfg, nil, nil)

	if _, err := b.Stat(context.Background(), "x"); err == nil {
		t.Fatal("expected the injected failure to still surface once")
	}
	if b.ReadState() != StateClosed {
		t.Fatalf("bypassed probe call must not affect circuit state, got %s", b.ReadState())
	}
}
