package db

import (
	"sync"

	"boulder/pkg/batchmanager"
)

// pipelineState tracks the most recently dispatched memtable-apply group so
// a new WAL leader can wait for it before taking over as memtable-writer
// leader, per §4.6's pipelined mode.
type pipelineState struct {
	mu        sync.Mutex
	lastGroup *batchmanager.Group
}

// writePipelined implements §4.6's pipelined mode as two phases run by the
// same leader: it does preprocess plus WAL append, then applies its group to
// the memtable itself via runMemtableWriterLeader. No follower is promoted
// to memtable-writer leader, and the next WAL leader is promoted only when
// this group exits after its apply, so the next group's WAL phase does not
// overlap this group's memtable-apply phase.
func (db *DB) writePipelined(w *batchmanager.Writer) error {
	if err := db.queue.JoinBatchGroup(w); err != nil {
		return db.wrapStallError(err)
	}

	switch w.State() {
	case batchmanager.StateMemtableWriterLeader:
		return db.runMemtableWriterLeader(w)
	case batchmanager.StateParallelMemtableWriter:
		return db.runParallelFollower(w)
	case batchmanager.StateCompleted:
		return w.Status
	}

	// StateGroupLeader: run the WAL phase, then act as the memtable-writer
	// leader.
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

	db.pipeline.mu.Lock()
	prev := db.pipeline.lastGroup
	db.pipeline.lastGroup = group
	db.pipeline.mu.Unlock()
	if prev != nil {
		db.queue.WaitForMemtableWriters(prev)
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

	return db.runMemtableWriterLeader(w)
}

// runMemtableWriterLeader applies the group's batches to the memtable,
// serially or fanned out, and releases the group.
func (db *DB) runMemtableWriterLeader(w *batchmanager.Writer) error {
	group := w.Group()

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

// writeUnordered implements §4.6's unordered mode: the leader writes WAL
// and publishes last-allocated as last-published before any memtable
// apply; every writer then independently applies to the memtable.
func (db *DB) writeUnordered(w *batchmanager.Writer) error {
	if err := db.queue.JoinBatchGroup(w); err != nil {
		return db.wrapStallError(err)
	}

	switch w.State() {
	case batchmanager.StateParallelMemtableWriter:
		return db.runUnorderedApply(w)
	case batchmanager.StateCompleted:
		return w.Status
	}

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

	// Publish before memtable apply, sacrificing read-visibility ordering
	// for WAL throughput.
	db.lastPublished.Publish(group.LastSeq)

	if len(group.Writers) > 1 {
		db.queue.LaunchParallelMemtableWriters(group)
	}
	err := db.applyWriterToMemtable(db.defaultCF, w)
	if err != nil {
		db.recordBackgroundError(err)
	}
	if len(group.Writers) == 1 {
		db.queue.ExitAsBatchGroupLeader(group, nil, nil)
		return err
	}
	return w.AwaitCompletion()
}

func (db *DB) runUnorderedApply(w *batchmanager.Writer) error {
	err := db.applyWriterToMemtable(db.defaultCF, w)
	if err != nil {
		db.recordBackgroundError(err)
	}
	group := w.Group()
	if db.queue.CompleteParallelMemtableWriter(group) {
		db.queue.ExitAsBatchGroupLeader(group, nil, nil)
	}
	return err
}
