package db

import (
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"boulder/pkg/manifest"
	"boulder/pkg/memtable"
	"boulder/pkg/wal"
)

// doSwitch implements §4.7: atomically roll to a new WAL number and new
// active memtable for cf, mark the prior memtable immutable, and install a
// new super-version. Called with db.mu held by the caller's preprocess
// pass; it releases the mutex around the file-creation I/O and re-acquires
// before mutating shared state, per §4.7's "release/acquire carefully"
// step.
func (db *DB) doSwitch(cf *manifest.ColumnFamily) error {
	db.queue.EnterUnbatched()
	defer db.queue.ExitUnbatched()
	if db.opts.TwoWriteQueues {
		db.walQueue.EnterUnbatched()
		defer db.walQueue.ExitUnbatched()
	}

	needNewWAL := db.activeWAL.Size() > 0
	logNumber := db.nextLogNumber
	if needNewWAL {
		db.nextLogNumber++
	}
	creationSeq := db.lastAllocated.Load()
	memtableSize := db.opts.MemtableSize
	directory := db.directory
	cmp := db.cmp

	var (
		newWAL *wal.WAL
		err    error
	)

	// Release db.mu around file creation, matching §4.7's "release/acquire
	// carefully around I/O" step; every captured value above is immutable
	// for the duration of this call.
	db.mu.Unlock()
	if needNewWAL {
		path := filepath.Join(directory, WalDirectoryName, fmt.Sprintf("%06d.log", logNumber))
		newWAL, err = wal.New(path, logNumber)
	}
	newMemtable := memtable.New(memtableSize, cmp, creationSeq)
	db.mu.Lock()

	if err != nil {
		db.recordBackgroundError(err)
		return newError(KindIOError, "create wal", err)
	}

	if needNewWAL {
		db.wals = append(db.wals, newWAL)
		db.activeWAL = newWAL
		db.walAppender.NotifyNewLog()
		cf.SetLogNumber(logNumber)
	}

	for _, other := range db.manifest.ColumnFamilies() {
		if other != cf && other.Empty() {
			other.SetLogNumber(cf.LogNumber())
		}
	}

	sealed := cf.Active()
	cf.Switch(newMemtable)

	db.manifest.PublishSuperVersion(&manifest.SuperVersion{
		Active:     cf.Active(),
		Immutables: cf.Immutables(),
	}, sealed)

	db.logger.Info("memtable switch",
		zap.String("column_family", cf.Name),
		zap.Bool("new_wal", needNewWAL))

	return nil
}
