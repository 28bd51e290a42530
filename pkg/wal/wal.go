// Package wal implements the write-ahead log: the on-disk append-only record
// of every durable mutation, and the Appender that drives it (C2).
package wal

import (
	"os"
	"sync"
	"sync/atomic"

	"boulder/internal/base"
	"boulder/pkg/batch"
	"boulder/pkg/storage"
)

// WAL is a single append-only log file identified by a dense positive
// integer (§3). Multiple WALs may be alive at once; only the most recent is
// "active" for new appends.
type WAL struct {
	number uint64
	writer *storage.Writer

	// size tracks the logical (unpadded) byte count appended, used for
	// rotation-threshold decisions in the preprocessor (§4.5).
	size atomic.Uint64

	// gettingSynced is set by the preprocessor (§4.5 step 7) to mark this
	// log as a candidate for the appender's fsync pass, and cleared once
	// that pass completes.
	gettingSynced atomic.Bool
}

// New creates (or appends to) the WAL file at path, numbered number.
func New(path string, number uint64) (*WAL, error) {
	w, err := storage.NewWriter(path, os.O_CREATE|os.O_RDWR|os.O_APPEND)
	if err != nil {
		return nil, err
	}
	return &WAL{number: number, writer: w}, nil
}

// Number returns the WAL's dense log number.
func (w *WAL) Number() uint64 {
	return w.number
}

// Size returns the logical number of bytes appended so far.
func (w *WAL) Size() uint64 {
	return w.size.Load()
}

// Append writes data to the log and advances the byte counter. It does not
// fsync; callers needing durability must call Sync (directly, or via
// Appender's fsync pass).
func (w *WAL) Append(data []byte) error {
	if _, err := w.writer.Write(data); err != nil {
		return err
	}
	w.size.Add(uint64(len(data)))
	return nil
}

// Sync fsyncs the log file.
func (w *WAL) Sync() error {
	return w.writer.Sync()
}

// Close closes the underlying file.
func (w *WAL) Close() error {
	return w.writer.Close()
}

// MarkGettingSynced sets or clears the "getting synced" flag the
// preprocessor (§4.5 step 7) and appender (§4.4 fsync policy) coordinate
// through.
func (w *WAL) MarkGettingSynced(v bool) {
	w.gettingSynced.Store(v)
}

// IsGettingSynced reports the current "getting synced" flag.
func (w *WAL) IsGettingSynced() bool {
	return w.gettingSynced.Load()
}

// Mode selects the WAL append concurrency variant (§4.4).
type Mode int

const (
	// Exclusive: only the leader holds the virtual write slot; no mutex is
	// required around the append itself.
	Exclusive Mode = iota
	// TwoQueue: a dedicated WAL-write mutex serializes {fetch-and-add on
	// last-allocated, append}, guaranteeing WAL record order equals
	// sequence order across both the main and WAL-only queues.
	TwoQueue
)

// Appender drives WAL writes for one DB: it owns the WAL-write mutex used in
// two-queue mode and the directory-fsync bookkeeping.
type Appender struct {
	mode Mode

	// mu is the WAL-write mutex (§5): serializes {sequence allocation,
	// append} in TwoQueue mode. Unused (never locked) in Exclusive mode,
	// where the caller already holds exclusivity by virtue of being the
	// sole batch-group leader.
	mu sync.Mutex

	// walDirectory backs directory fsyncs after creating a new WAL file.
	walDirectory *os.File

	// dirSyncPending is set whenever a new WAL file was created since the
	// last directory fsync, per the "once per durability cycle" policy.
	dirSyncPending atomic.Bool
}

// NewAppender returns an Appender operating in the given mode, fsync-ing
// walDirectory when directory durability is required.
func NewAppender(mode Mode, walDirectory *os.File) *Appender {
	return &Appender{mode: mode, walDirectory: walDirectory}
}

// NotifyNewLog must be called whenever a new WAL file is created (C7 step 3)
// so the next sync cycle also fsyncs the containing directory.
func (a *Appender) NotifyNewLog() {
	a.dirSyncPending.Store(true)
}

// MergeBatch implements §4.4's batch-merging rule: if the group has exactly
// one batch with no truncation point, it is returned as-is (the "in place"
// fast path). Otherwise every batch's records are copied into a fresh
// scratch batch, in order, stamped with the group's base sequence by the
// caller via scratch.SetSeqNum.
func MergeBatch(batches []*batch.Batch) (*batch.Batch, error) {
	if len(batches) == 1 && !batches[0].HasTruncationPoint() {
		return batches[0], nil
	}

	scratch := batch.New()
	for _, b := range batches {
		if err := batch.Merge(scratch, b); err != nil {
			return nil, err
		}
	}
	return scratch, nil
}

// Append appends data (the merged batch's encoded bytes, already stamped
// with its base sequence) to active. allocate reserves count sequence
// numbers and returns the first one assigned; in TwoQueue mode the
// allocation and the append happen atomically with respect to other
// TwoQueue appenders (both the main and WAL-only queues), per §4.4's
// ordering guarantee. In Exclusive mode allocate is invoked without the
// mutex: exclusivity is already guaranteed by the caller being the sole
// batch-group leader under the global mutex.
func (a *Appender) Append(active *WAL, data []byte, count base.SeqNum, allocate func(base.SeqNum) base.SeqNum) (base.SeqNum, error) {
	if a.mode == TwoQueue {
		a.mu.Lock()
		defer a.mu.Unlock()
	}

	baseSeq := allocate(count)
	if err := active.Append(data); err != nil {
		return 0, err
	}
	return baseSeq, nil
}

// Sync implements §4.4's fsync policy: fsync every alive log still marked
// "getting synced" (clearing the flag as it goes), then fsync the WAL
// directory once if a new log file was created since the last sync.
func (a *Appender) Sync(alive []*WAL) error {
	for _, log := range alive {
		if !log.IsGettingSynced() {
			continue
		}
		if err := log.Sync(); err != nil {
			return err
		}
		log.MarkGettingSynced(false)
	}

	if a.dirSyncPending.CompareAndSwap(true, false) {
		if a.walDirectory != nil {
			if err := a.walDirectory.Sync(); err != nil {
				return err
			}
		}
	}
	return nil
}
