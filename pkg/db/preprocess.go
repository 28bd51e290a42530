package db

import (
	"time"

	"go.uber.org/zap"

	"boulder/internal/skiplist"
	"boulder/pkg/manifest"
)

// preprocess runs the ordered checks of §4.5 on the batch group's leader
// only, before the group's WAL append. The caller must already hold db.mu
// and continues to hold it on return, except while delayWrite sleeps. It
// may switch a memtable (C7) or delay/stall the caller; it does not request
// flushes.
func (db *DB) preprocess(groupBytes uint64) error {
	if err := db.backgroundError(); err != nil {
		return newError(KindShutdownInProgress, "background error", err)
	}

	if db.totalWALSizeLocked() > db.walSizeThreshold() {
		if err := db.switchMemtable(db.defaultCF); err != nil {
			return err
		}
	}

	// Switch while the incoming group (plus one node's worth of overhead)
	// still fits, so the apply never runs the active arena out of space.
	if db.defaultCF.Active().Size()+uint(groupBytes)+skiplist.NodeSize >= uint(db.opts.MemtableSize) {
		var target *manifest.ColumnFamily
		if db.opts.AtomicFlush {
			target = db.defaultCF
		} else {
			target, _, _ = manifest.MinCreationSeq(db.manifest.ColumnFamilies())
		}
		if target != nil {
			if err := db.switchMemtable(target); err != nil {
				return err
			}
		}
	}

	db.defaultCF.TrimHistory()

	if db.needsDelayLocked(groupBytes) {
		return db.delayWrite(groupBytes)
	}

	return nil
}

// totalWALSizeLocked sums the logical byte count of every alive WAL.
// Requires db.mu held.
func (db *DB) totalWALSizeLocked() uint64 {
	var total uint64
	for _, w := range db.wals {
		total += w.Size()
	}
	return total
}

// walSizeThreshold implements §4.5 step 2's threshold: the configured
// max_total_wal_size, or 4x the memtable arena size if unset.
func (db *DB) walSizeThreshold() uint64 {
	if db.opts.MaxTotalWALSize > 0 {
		return db.opts.MaxTotalWALSize
	}
	return 4 * uint64(db.opts.MemtableSize)
}

// needsDelayLocked reports whether the write controller (modeled here as a
// simple backlog heuristic over alive WAL count) wants incoming writers
// slowed down. Requires db.mu held.
func (db *DB) needsDelayLocked(groupBytes uint64) bool {
	return len(db.wals) > db.opts.RecycleLogFileNum+2
}

// delayWrite implements §4.5's delay-write: begin a stall barrier so
// no_slowdown callers joining the queue fail fast, release db.mu and sleep
// in short ticks until the backlog heuristic clears or a deadline expires,
// then re-acquire db.mu before returning. Requires db.mu held on entry and
// returns with it held.
func (db *DB) delayWrite(groupBytes uint64) error {
	db.logger.Warn("write stall entered", zap.Uint64("group_bytes", groupBytes))
	db.queue.BeginWriteStall()
	defer func() {
		db.queue.EndWriteStall()
		db.logger.Info("write stall exited")
	}()

	deadline := time.Now().Add(100 * time.Millisecond)
	for db.needsDelayLocked(groupBytes) {
		if time.Now().After(deadline) {
			break
		}
		db.mu.Unlock()
		time.Sleep(time.Millisecond)
		db.mu.Lock()
		if err := db.backgroundError(); err != nil {
			return newError(KindIncomplete, "write stall", err)
		}
	}
	return nil
}

// switchMemtable performs C7's memtable switch for cf: seal the active
// memtable, roll the WAL if non-empty, install a fresh memtable, and
// publish a new super-version. Requires db.mu held; doSwitch manages
// releasing/reacquiring it around file-creation I/O.
func (db *DB) switchMemtable(cf *manifest.ColumnFamily) error {
	return db.doSwitch(cf)
}
