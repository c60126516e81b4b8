package types

// ColumnStats carries the per-row-group, per-column statistics used for
// predicate pushdown (spec §4.8).
type ColumnStats struct {
	Min       any  `json:"min,omitempty"`
	Max       any  `json:"max,omitempty"`
	NullCount int  `json:"nullCount"`
	// Bloom is an optional serialized bloom filter for equality pushdown;
	// nil when the column has no bloom filter.
	Bloom []byte `json:"bloom,omitempty"`
}

// RowGroupStats is the immutable metadata attached to a row group.
type RowGroupStats struct {
	Path         string                 `json:"path"`
	Index        int                    `json:"index"`
	RowCount     int                    `json:"rowCount"`
	Columns      map[string]ColumnStats `json:"columns"`
	Selectivity  map[string]float64     `json:"selectivity,omitempty"`
}

// RowGroup is a columnar block of flushed entity rows plus its stats.
// Row groups are immutable once written (spec §3).
type RowGroup struct {
	Stats RowGroupStats
	Rows  []*Entity
}

// Statistics is the aggregate, namespace-level statistics QueryOptimizer
// consumes (spec §4.8 input).
type Statistics struct {
	TotalRows      int
	RowGroupCount  int
	ColumnCardinality map[string]int
	ColumnNullCount   map[string]int
	RowGroups      []RowGroupStats
}
