package storage

import (
	"strings"

	"github.com/dot-do/parquedb/internal/perr"
)

// ValidatePath enforces the path rules in spec §4.1. Grounded on the
// teacher's prefix-validation checks in internal/storage/sqlite
// (validators.go): reject anything that could escape the backend root.
func ValidatePath(p string) error {
	if p == "" {
		return perr.New(perr.KindPathTraversal, "empty path")
	}
	if strings.HasPrefix(p, "/") {
		return perr.New(perr.KindPathTraversal, "leading slash: "+p)
	}
	if strings.Contains(p, "..") {
		return perr.New(perr.KindPathTraversal, "parent reference: "+p)
	}
	if strings.Contains(p, "//") {
		return perr.New(perr.KindPathTraversal, "double slash: "+p)
	}
	if strings.Contains(p, "\\") {
		return perr.New(perr.KindPathTraversal, "backslash: "+p)
	}
	if lowered := strings.ToLower(p); lowered != p {
		// Mixed-case duplicates are rejected by requiring paths to already
		// be lowercase; callers normalize shard values via
		// router.EncodeShardValue before constructing a path.
		return perr.New(perr.KindPathTraversal, "mixed-case path: "+p)
	}
	return nil
}
