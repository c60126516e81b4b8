package types

import "time"

// WALEntry is a contiguous range of events for a single namespace,
// byte-encoded on disk (spec §3).
type WALEntry struct {
	ID       string `json:"id"`
	Namespace string `json:"namespace"`
	FirstSeq uint64 `json:"firstSeq"`
	LastSeq  uint64 `json:"lastSeq"`
	Events   []*Event `json:"events"`
}

// PendingRowGroup is a row-group file written to storage but not yet
// acknowledged as promoted into the namespace's published set (spec §3).
type PendingRowGroup struct {
	ID        string    `json:"id"` // random UUID; the file is <router.RowGroupDir(base path)>/<id>.parquet
	Namespace string    `json:"namespace"`
	Path      string    `json:"path"`
	FirstSeq  uint64    `json:"firstSeq"`
	LastSeq   uint64    `json:"lastSeq"`
	CreatedAt time.Time `json:"createdAt"`
	Committed bool      `json:"committed"`
}
