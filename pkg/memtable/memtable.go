// Package memtable implements the minimal in-memory table surface the write
// path drives directly: insertion, approximate sizing, creation-sequence
// tracking, and the reference counting that lets an immutable memtable
// outlive the write path while a flush or a reader still holds it. Full
// in-memory table semantics (iteration, range scans, memory accounting
// beyond arena size) are an external collaborator's concern (§1 Non-goals).
package memtable

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ncw/directio"

	"boulder/internal/arch"
	"boulder/internal/base"
	"boulder/internal/compare"
	"boulder/internal/skiplist"
)

// MemTable is a memory table that stores key-value pairs in sorted order
// using a concurrent, arena-backed skiplist.
type MemTable struct {
	// creationSeq is the sequence number at the time the memtable became
	// active. Guaranteed to be less than or equal to the sequence number of
	// any record written to it, and (invariant 4) greater than or equal to
	// the last sequence of any immutable memtable in the same column
	// family.
	creationSeq base.SeqNum

	skiplist *skiplist.Skiplist
	cmp      compare.Compare

	// references tracks the number of holders of this memtable: the active
	// writer path holds one reference while the table is active, and every
	// outstanding reader/flush holds one more. The table is only eligible
	// for reclamation once references drops to zero.
	references arch.AtomicUint

	// writers tracks in-flight Add calls so Seal can wait for them to
	// finish before treating the table as quiesced.
	writers sync.WaitGroup

	// readOnly is set once the table is sealed (marked immutable by C7) and
	// rejects subsequent Add calls.
	readOnly atomic.Bool
}

// New creates an active memtable of the given arena size (rounded up to the
// direct-I/O block size, matching the WAL's block alignment), backed by cmp
// for key ordering.
func New(size uint, cmp compare.Compare, creationSeq base.SeqNum) *MemTable {
	if size < directio.BlockSize {
		size = directio.BlockSize
	} else if rem := size % directio.BlockSize; rem != 0 {
		size += directio.BlockSize - rem
	}

	m := &MemTable{
		creationSeq: creationSeq,
		skiplist:    skiplist.New(size, cmp),
		cmp:         cmp,
	}
	// A newly created memtable starts with a single reference: the active
	// slot in its column family. Installing it as active (C7 step 6) is
	// what grants this reference; callers that keep it around past sealing
	// must Ref it themselves.
	m.references.Store(1)
	return m
}

// CreationSeq returns the sequence number in effect when this memtable
// became active (invariant 4).
func (m *MemTable) CreationSeq() base.SeqNum {
	return m.creationSeq
}

// Add inserts an internal key-value pair into the memtable. Used for every
// record kind, including deletes and single-deletes, since the trailer kind
// acts as the tombstone marker.
func (m *MemTable) Add(kv base.InternalKV) error {
	m.writers.Add(1)
	defer m.writers.Done()

	if m.readOnly.Load() {
		return ErrMemtableFlushed
	}

	if err := m.skiplist.Add(kv.K, kv.V); err != nil {
		if errors.Is(err, skiplist.ErrBufferFull) {
			return ErrMemtableFlushed
		}
		if errors.Is(err, skiplist.ErrRecordExists) {
			return ErrRecordExists
		}
		return err
	}
	return nil
}

// Size returns the byte size of the memtable's arena allocations so far.
func (m *MemTable) Size() uint {
	return m.skiplist.Size()
}

// Cap returns the byte size of the memtable's backing arena buffer.
func (m *MemTable) Cap() uint {
	return m.skiplist.Arena().Cap()
}

// Ref increments the reference count. Called by readers/flush that need the
// memtable to outlive the write path's own hold on it.
func (m *MemTable) Ref() {
	m.references.Add(1)
}

// Unref decrements the reference count and reports whether this was the
// last reference (the memtable is now eligible for reclamation).
func (m *MemTable) Unref() bool {
	return m.references.Add(^uint64(0)) == 0
}

// IsActive reports whether the memtable still has any references.
func (m *MemTable) IsActive() bool {
	return m.references.Load() != 0
}

// Seal marks the memtable read-only (C7 step 6: sealing the outgoing active
// memtable into the immutable list) and waits for in-flight Add calls to
// finish, so callers can safely begin flushing or iterating it.
func (m *MemTable) Seal() {
	if m.readOnly.CompareAndSwap(false, true) {
		m.writers.Wait()
	}
}

// IsSealed reports whether the memtable has been sealed.
func (m *MemTable) IsSealed() bool {
	return m.readOnly.Load()
}
