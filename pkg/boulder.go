package pkg

import (
	"io"

	"boulder/pkg/db"
)

var _ ReadWriterCloser = (*Boulder)(nil)

// Boulder is the top-level embeddable handle to a database instance.
type Boulder struct {
	db *db.DB
}

// Open opens a DB whose files reside in the given directory.
func Open(directory string, options ...Option) (Boulder, error) {
	database, err := db.Open(directory, options...)
	if err != nil {
		return Boulder{}, err
	}
	return Boulder{db: database}, nil
}

// Get delegates to DB.Get, which implements no point lookups in this
// write-path core and panics. The returned Closer is a no-op.
func (b *Boulder) Get(key []byte) ([]byte, io.Closer, error) {
	value, err := b.db.Get(key)
	return value, Close(func() {}), err
}

// Set writes key/value with default write options.
func (b *Boulder) Set(key, value []byte) error {
	return b.db.Put(db.DefaultWriteOptions(), key, value)
}

// Delete removes key with default write options.
func (b *Boulder) Delete(key []byte) error {
	return b.db.Delete(db.DefaultWriteOptions(), key)
}

// DeleteRange removes every key in [start, end) with default write
// options.
func (b *Boulder) DeleteRange(start, end []byte) error {
	return b.db.DeleteRange(db.DefaultWriteOptions(), start, end)
}

// Close releases every resource Open acquired.
func (b *Boulder) Close() error {
	return b.db.Close()
}
