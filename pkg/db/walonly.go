package db

import (
	"boulder/internal/base"
	"boulder/pkg/batch"
	"boulder/pkg/batchmanager"
	"boulder/pkg/wal"
)

// WriteWALOnly implements §4.6's WAL-only queue (two-queue mode): a
// secondary writer queue that appends b durably to the WAL and allocates
// its sequence range under the WAL-write mutex, but never applies it to any
// memtable. Intended for writes whose visibility is deferred by the caller
// (e.g. a 2PC prepare record under a write-committed policy). Only
// available when TwoWriteQueues is enabled; DisableWAL is rejected since a
// WAL-only write with no WAL would do nothing at all.
func (db *DB) WriteWALOnly(opts WriteOptions, b *batch.Batch) error {
	if !db.opts.TwoWriteQueues {
		return newError(KindNotSupported, "wal-only writes require two_write_queues", nil)
	}
	if opts.DisableWAL {
		return newError(KindInvalidArgument, "wal-only writes cannot disable the wal", nil)
	}
	if err := db.validateWriteOptions(opts); err != nil {
		return err
	}

	db.mu.Lock()
	fenced := db.fenced
	db.mu.Unlock()
	if fenced {
		return newError(KindIOFenced, "database closed", nil)
	}

	w := batchmanager.NewWriter(b, batchmanager.Options{
		Sync:        opts.Sync,
		NoSlowdown:  opts.NoSlowdown,
		LowPri:      opts.LowPri,
		SeqPerBatch: opts.SeqPerBatch,
	})

	if err := db.walQueue.JoinBatchGroup(w); err != nil {
		return db.wrapStallError(err)
	}
	if w.State() == batchmanager.StateCompleted {
		return w.Status
	}

	group := db.walQueue.EnterAsBatchGroupLeader(w)

	baseSeq, err := db.appendGroupToWALOnly(group)
	if err != nil {
		db.recordBackgroundError(err)
		db.walQueue.ExitAsBatchGroupLeader(group, err, nil)
		return err
	}
	db.assignSequences(group, baseSeq)
	db.lastPublished.Publish(group.LastSeq)

	if err := invokePreReleaseCallbacks(group); err != nil {
		db.walQueue.ExitAsBatchGroupLeader(group, err, nil)
		return err
	}

	db.walQueue.ExitAsBatchGroupLeader(group, nil, nil)
	return nil
}

// appendGroupToWALOnly is the WAL-only queue's counterpart to
// appendGroupToWAL: it merges the group's batches and appends them to the
// active WAL, allocating sequences through the same Appender and
// last-allocated counter as the main queue (so WAL record order equals
// sequence order across both queues, per §4.4), but has no memtable-apply
// counterpart — the group is released the moment the WAL append (and
// optional sync) completes.
func (db *DB) appendGroupToWALOnly(group *batchmanager.Group) (base.SeqNum, error) {
	batches := make([]*batch.Batch, len(group.Writers))
	for i, w := range group.Writers {
		batches[i] = w.Batch
	}

	count := base.SeqNum(0)
	for _, w := range group.Writers {
		count += base.SeqNum(recordCount(w))
	}

	allAllocated := func(n base.SeqNum) base.SeqNum { return db.lastAllocated.Allocate(n) + 1 }

	merged, err := wal.MergeBatch(batches)
	if err != nil {
		return 0, newError(KindCorruption, "merge batch group", err)
	}

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
