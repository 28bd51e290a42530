package db

import (
	"boulder/internal/base"
	"boulder/pkg/batch"
	"boulder/pkg/batchmanager"
	"boulder/pkg/manifest"
	"boulder/pkg/wal"
)

// Put builds a one-record Set batch and writes it.
func (db *DB) Put(opts WriteOptions, key, value []byte) error {
	b := batch.New()
	b.Put(key, value)
	return db.Write(opts, b)
}

// Delete builds a one-record Delete batch and writes it.
func (db *DB) Delete(opts WriteOptions, key []byte) error {
	b := batch.New()
	b.Delete(key)
	return db.Write(opts, b)
}

// SingleDelete builds a one-record SingleDelete batch and writes it.
func (db *DB) SingleDelete(opts WriteOptions, key []byte) error {
	b := batch.New()
	b.SingleDelete(key)
	return db.Write(opts, b)
}

// DeleteRange builds a one-record DeleteRange batch and writes it.
func (db *DB) DeleteRange(opts WriteOptions, start, end []byte) error {
	b := batch.New()
	b.DeleteRange(start, end)
	return db.Write(opts, b)
}

// Merge builds a one-record Merge batch and writes it. Returns
// ErrNotSupported if no merge operator is configured (§6).
func (db *DB) Merge(opts WriteOptions, key, operand []byte) error {
	if db.opts.MergeOperator == nil {
		return newError(KindNotSupported, "merge: no merge operator configured", nil)
	}
	b := batch.New()
	b.Merge(key, operand)
	return db.Write(opts, b)
}

// Write commits b under opts, returning once every record is durably and
// atomically installed (§6).
func (db *DB) Write(opts WriteOptions, b *batch.Batch) error {
	return db.WriteWithCallback(opts, b, nil)
}

// WriteWithCallback is like Write, but callback runs under the queue's
// ordering guarantee before the writer's sequence is consumed, and may
// reject the writer by returning a non-nil error — the writer then
// consumes no sequence and is excluded from batching with others (§6).
func (db *DB) WriteWithCallback(opts WriteOptions, b *batch.Batch, callback func() error) error {
	return db.writeInternal(opts, b, callback, nil)
}

// writeInternal is the common entry point behind Write/WriteWithCallback: it
// additionally accepts a pre-release callback, invoked (per writer, in group
// order, passing that writer's assigned sequence) strictly after the
// group's WAL append and strictly before any memtable apply (invariant 3).
// Exposed only to internal collaborators — a future transaction layer's
// prepare/commit path is the intended caller — ordinary writes never set
// one.
func (db *DB) writeInternal(opts WriteOptions, b *batch.Batch, preCommit func() error, preRelease func(base.SeqNum) error) error {
	if err := db.validateWriteOptions(opts); err != nil {
		return err
	}
	if b.Empty() && preCommit == nil {
		return newError(KindCorruption, "empty batch", nil)
	}

	db.mu.Lock()
	fenced := db.fenced
	db.mu.Unlock()
	if fenced {
		return newError(KindIOFenced, "database closed", nil)
	}

	w := batchmanager.NewWriter(b, batchmanager.Options{
		DisableWAL:  opts.DisableWAL,
		Sync:        opts.Sync,
		NoSlowdown:  opts.NoSlowdown,
		LowPri:      opts.LowPri,
		SeqPerBatch: opts.SeqPerBatch,
	})
	w.PreCommitCallback = preCommit
	w.PreReleaseCallback = preRelease
	w.AllowBatching = preCommit == nil && !opts.SeqPerBatch

	switch db.opts.WriteMode {
	case ModePipelined:
		return db.writePipelined(w)
	case ModeUnordered:
		return db.writeUnordered(w)
	default:
		return db.writeDefault(w)
	}
}

// validateWriteOptions implements §4.6 step 1's option-combination checks.
func (db *DB) validateWriteOptions(opts WriteOptions) error {
	if opts.Sync && opts.DisableWAL {
		return newError(KindInvalidArgument, "sync and disable_wal are mutually exclusive", nil)
	}
	if opts.SeqPerBatch && db.opts.WriteMode == ModePipelined {
		return newError(KindNotSupported, "seq_per_batch is incompatible with pipelined writes", nil)
	}
	if opts.SeqPerBatch && db.opts.WriteMode == ModeUnordered {
		return newError(KindNotSupported, "seq_per_batch is incompatible with unordered writes", nil)
	}
	return nil
}

// writeDefault implements §4.6's default mode.
func (db *DB) writeDefault(w *batchmanager.Writer) error {
	if err := db.queue.JoinBatchGroup(w); err != nil {
		return db.wrapStallError(err)
	}

	switch w.State() {
	case batchmanager.StateParallelMemtableWriter:
		return db.runParallelFollower(w)
	case batchmanager.StateCompleted:
		return w.Status
	default:
		return db.runGroupLeader(w)
	}
}

func (db *DB) wrapStallError(err error) error {
	if err == batchmanager.ErrWriteStalled {
		return newError(KindIncomplete, "write stall", err)
	}
	return err
}

// runParallelFollower applies w's own batch to the memtable and, if it wins
// CompleteParallelMemtableWriter, exits the group on everyone's behalf.
func (db *DB) runParallelFollower(w *batchmanager.Writer) error {
	err := db.applyWriterToMemtable(db.defaultCF, w)
	if err != nil {
		db.recordBackgroundError(err)
	}
	group := w.Group()
	if db.queue.CompleteParallelMemtableWriter(group) {
		db.lastPublished.Publish(group.LastSeq)
		db.queue.ExitAsBatchGroupLeader(group, nil, nil)
	}
	return err
}

// runGroupLeader implements §4.6 step 5: preprocess, assemble the group,
// append to WAL, apply to memtables (serially or in parallel), publish, and
// release the group.
func (db *DB) runGroupLeader(w *batchmanager.Writer) error {
	db.mu.Lock()
	preErr := db.preprocess(uint64(w.Batch.Len()))
	db.mu.Unlock()

	group := db.queue.EnterAsBatchGroupLeader(w)

	if preErr != nil {
		db.queue.ExitAsBatchGroupLeader(group, preErr, nil)
		return preErr
	}

	if cbErr := runPreCommitCallback(w); cbErr != nil {
		db.queue.ExitAsBatchGroupLeader(group, cbErr, nil)
		return cbErr
	}

	baseSeq, appendErr := db.appendGroupToWAL(group)
	if appendErr != nil {
		db.recordBackgroundError(appendErr)
		db.queue.ExitAsBatchGroupLeader(group, appendErr, nil)
		return appendErr
	}
	db.assignSequences(group, baseSeq)

	if err := invokePreReleaseCallbacks(group); err != nil {
		db.queue.ExitAsBatchGroupLeader(group, err, nil)
		return err
	}

	if db.canApplyInParallel(group) {
		db.queue.LaunchParallelMemtableWriters(group)
		err := db.applyWriterToMemtable(db.defaultCF, w)
		if err != nil {
			db.recordBackgroundError(err)
		}
		return w.AwaitCompletion()
	}

	var firstErr error
	for _, gw := range group.Writers {
		if err := db.applyWriterToMemtable(db.defaultCF, gw); err != nil {
			db.recordBackgroundError(err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	db.lastPublished.Publish(group.LastSeq)
	db.queue.ExitAsBatchGroupLeader(group, nil, nil)
	return firstErr
}

// canApplyInParallel reports whether group is eligible for fan-out across
// goroutines rather than serial leader apply (§4.6 step 5).
func (db *DB) canApplyInParallel(group *batchmanager.Group) bool {
	if !db.opts.AllowConcurrentMemtableWrite || len(group.Writers) <= 1 {
		return false
	}
	for _, w := range group.Writers {
		if w.Batch.HasMerge() {
			return false
		}
	}
	return true
}

// appendGroupToWAL implements §4.4: merge the group's batches (unless the
// single-writer-no-truncation-point fast path applies), allocate the
// group's sequence range, and append.
func (db *DB) appendGroupToWAL(group *batchmanager.Group) (base.SeqNum, error) {
	batches := make([]*batch.Batch, len(group.Writers))
	for i, w := range group.Writers {
		batches[i] = w.Batch
	}

	count := base.SeqNum(0)
	for _, w := range group.Writers {
		count += base.SeqNum(recordCount(w))
	}

	// Allocate returns the prior counter value, so the group's first owned
	// sequence is one past it (its own doc: "the caller owns
	// [returned+1, returned+n]").
	allAllocated := func(n base.SeqNum) base.SeqNum { return db.lastAllocated.Allocate(n) + 1 }

	disableWAL := group.Leader().Opts.DisableWAL
	if disableWAL {
		return allAllocated(count), nil
	}

	merged, err := wal.MergeBatch(batches)
	if err != nil {
		return 0, newError(KindCorruption, "merge batch group", err)
	}

	// Stamp the base sequence into the merged header between allocation and
	// append, so the WAL record carries it.
	stampAndAllocate := func(n base.SeqNum) base.SeqNum {
		s := allAllocated(n)
		merged.SetSeqNum(s)
		return s
	}
	data := merged.Data()
	baseSeq, err := db.walAppender.Append(db.activeWAL, data, count, stampAndAllocate)
	if err != nil {
		return 0, newError(KindIOError, "append wal", err)
	}

	if group.Leader().Opts.Sync {
		db.activeWAL.MarkGettingSynced(true)
		if err := db.walAppender.Sync(db.wals); err != nil {
			return 0, newError(KindIOError, "sync wal", err)
		}
	}

	return baseSeq, nil
}

// runPreCommitCallback runs w's pre-commit callback, if any. A writer with
// a non-nil callback is always a solo group leader (AllowBatching is forced
// false at construction), so running it here happens strictly before any
// sequence number is allocated for it.
func runPreCommitCallback(w *batchmanager.Writer) error {
	if w.PreCommitCallback == nil {
		return nil
	}
	return w.PreCommitCallback()
}

// invokePreReleaseCallbacks runs every writer's pre-release callback, in
// group order, passing its assigned sequence (invariant 3: no memtable apply
// may start until every callback for the affected sequences has run).
// Callers must invoke this after the group's WAL append and sequence
// assignment, and before launching any memtable apply.
func invokePreReleaseCallbacks(group *batchmanager.Group) error {
	for _, w := range group.Writers {
		if w.PreReleaseCallback == nil {
			continue
		}
		if err := w.PreReleaseCallback(w.Seq); err != nil {
			return err
		}
	}
	return nil
}

func recordCount(w *batchmanager.Writer) uint32 {
	if w.Opts.SeqPerBatch {
		return 1
	}
	return w.Batch.Count()
}

// assignSequences stamps every writer in group with its per-writer base
// sequence (baseSeq + cumulative count of earlier writers) and records the
// group's last sequence.
func (db *DB) assignSequences(group *batchmanager.Group, baseSeq base.SeqNum) {
	cur := baseSeq
	for _, w := range group.Writers {
		w.Seq = cur
		cur += base.SeqNum(recordCount(w))
	}
	group.LastSeq = cur - 1
}

// applyWriterToMemtable inserts every record of w's batch into cf's active
// memtable, stamped with w's assigned sequence range.
func (db *DB) applyWriterToMemtable(cf *manifest.ColumnFamily, w *batchmanager.Writer) error {
	if w.Opts.DisableWAL && w.Batch.Count() == 0 {
		return nil
	}
	w.Batch.SetSeqNum(w.Seq)
	reader := batch.NewReader(w.Batch)
	active := cf.Active()
	for {
		rec, ok, err := reader.Next()
		if err != nil {
			return newError(KindCorruption, "decode batch record", err)
		}
		if !ok {
			return nil
		}
		kv := base.InternalKV{
			K: base.MakeInternalKey(rec.Key, rec.Seq, rec.Kind),
			V: rec.Value,
		}
		if err := active.Add(kv); err != nil {
			return err
		}
	}
}
