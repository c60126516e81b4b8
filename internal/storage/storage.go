// Package storage defines the byte-addressable blob store contract that
// every other component in parquedb builds on (spec §4.1), plus two
// concrete backends: an in-memory one for tests and embedding, and a
// local-filesystem one for durable single-process deployments.
//
// # Path rules
//
// Paths are forward-slash-separated, strictly relative, with no "..",
// "//", leading "/", or mixed-case duplicates. Implementations MUST
// reject anything else with a *perr.Error of Kind KindPathTraversal.
package storage

import (
	"context"
	"time"
)

// Meta is the metadata returned by Stat/List.
type Meta struct {
	Path  string
	Size  int64
	MTime time.Time
	// Version is an opaque value used by writeConditional's optimistic
	// concurrency check; backends that can't support it return "".
	Version string
}

// Backend is the byte-addressable blob store contract (spec §4.1).
//
// All operations may fail with a transient I/O error; callers in this
// module do not retry a failed call. WriteAtomic is idempotent. Every call
// takes a context; the Memory and LocalFS backends do not check it for
// cancellation (LocalFS uses it only to bound WriteConditional's lock
// wait and to stop Watch).
type Backend interface {
	Read(ctx context.Context, path string) ([]byte, error)
	ReadRange(ctx context.Context, path string, offset, length int64) ([]byte, error)
	Write(ctx context.Context, path string, data []byte) (Meta, error)
	WriteAtomic(ctx context.Context, path string, data []byte) error
	WriteConditional(ctx context.Context, path string, data []byte, expectedVersion string) error
	Append(ctx context.Context, path string, data []byte) error
	Delete(ctx context.Context, path string) (bool, error)
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	List(ctx context.Context, prefix string) ([]Meta, error)
	Stat(ctx context.Context, path string) (*Meta, error)
	Exists(ctx context.Context, path string) (bool, error)
	Copy(ctx context.Context, src, dst string) error
	Move(ctx context.Context, src, dst string) error
	Rmdir(ctx context.Context, prefix string) error

	// Identity uniquely identifies this backend instance, used to key
	// process-wide stores (spec §5 Shared resources, §9 DESIGN NOTES).
	Identity() string
}
