package pkg

import "boulder/pkg/db"

// Option configures a Boulder instance at Open time; it is a thin alias
// over db.Option so callers never need to import the pkg/db package
// directly for configuration.
type Option = db.Option

// WithWriteMode selects the write coordinator orchestration.
func WithWriteMode(m db.WriteMode) Option {
	return db.WithWriteMode(m)
}

// WithMemtableSize sets the arena size new memtables are allocated with.
func WithMemtableSize(n uint) Option {
	return db.WithMemtableSize(n)
}

// WithMaxTotalWALSize bounds the aggregate size of alive WAL files.
func WithMaxTotalWALSize(n uint64) Option {
	return db.WithMaxTotalWALSize(n)
}

// WithMergeOperator installs a merge operator, enabling Merge.
func WithMergeOperator(fn func(key, existing, operand []byte) ([]byte, error)) Option {
	return db.WithMergeOperator(fn)
}
