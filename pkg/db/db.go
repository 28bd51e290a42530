// Package db implements the group-commit write coordinator (C6) and its
// immediate collaborators: the preprocessor (C5) and the memtable switch
// (C7). Reads, iterators, snapshots, and transactions are out of scope;
// this package only guarantees that every acknowledged write is durably and
// atomically installed.
package db

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"boulder/internal/base"
	"boulder/internal/compare"
	"boulder/internal/tasklimiter"
	"boulder/pkg/batchmanager"
	"boulder/pkg/manifest"
	"boulder/pkg/memtable"
	"boulder/pkg/wal"
)

const (
	DataDirectoryName = "data"
	WalDirectoryName  = "wal"

	defaultColumnFamily = "default"
)

// DB is the write-path core of a single LSM-tree store: it owns the
// sequence allocator, the writer queue(s), the alive WAL set, and the
// column-family manifest, and coordinates every Put/Delete/Write call
// across them.
type DB struct {
	opts Options

	dataDirectory *os.File
	walDirectory  *os.File
	directory     string
	lockFile      *os.File

	// mu is the global database mutex (§5): held only while deciding
	// preprocess actions, mutating the alive-log list, or mutating the
	// manifest. Never held across a WAL append or memtable apply.
	mu sync.Mutex

	lastAllocated base.AtomicSeqNum
	lastPublished base.AtomicSeqNum

	manifest  *manifest.Manifest
	defaultCF *manifest.ColumnFamily
	cmp       compare.Compare

	wals          []*wal.WAL
	activeWAL     *wal.WAL
	walAppender   *wal.Appender
	nextLogNumber uint64

	queue    *batchmanager.Queue
	walQueue *batchmanager.Queue // non-nil only when TwoWriteQueues is set
	pipeline pipelineState

	stallMu   sync.Mutex
	stallCond *sync.Cond
	stalled   bool

	bgErrMu sync.Mutex
	bgErr   error

	fenced bool

	flushLimiter      *tasklimiter.Limiter
	compactionLimiter *tasklimiter.Limiter

	logger   *zap.Logger
	openedAt time.Time
}

// Open opens the database in read-write mode. If the database directory
// does not exist or is empty, a new database is created.
func Open(directory string, opts ...Option) (*DB, error) {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}

	dataDirectoryPath := filepath.Join(directory, DataDirectoryName)
	walDirectoryPath := filepath.Join(directory, WalDirectoryName)

	if err := os.MkdirAll(dataDirectoryPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.MkdirAll(walDirectoryPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create wal directory: %w", err)
	}

	lockFile, err := os.OpenFile(filepath.Join(directory, "db.lock"), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}
	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX); err != nil {
		_ = lockFile.Close()
		return nil, fmt.Errorf("failed to lock directory: %w", err)
	}

	dataDirectory, err := os.OpenFile(dataDirectoryPath, os.O_CREATE|os.O_RDWR, 0755)
	if err != nil {
		_ = lockFile.Close()
		return nil, fmt.Errorf("failed to open data directory: %w", err)
	}
	walDirectory, err := os.OpenFile(walDirectoryPath, os.O_CREATE|os.O_RDWR, 0755)
	if err != nil {
		_ = dataDirectory.Close()
		_ = lockFile.Close()
		return nil, fmt.Errorf("failed to open wal directory: %w", err)
	}

	db := &DB{
		opts:          o,
		dataDirectory: dataDirectory,
		walDirectory:  walDirectory,
		directory:     directory,
		lockFile:      lockFile,
		cmp:           compare.Compare(bytes.Compare),
		manifest:      manifest.New(),
		queue:         batchmanager.New(),
		logger:        zap.NewNop(),
		openedAt:      time.Now(),
		nextLogNumber: 1,
	}
	db.stallCond = sync.NewCond(&db.stallMu)
	db.flushLimiter = tasklimiter.New("flush", o.FlushLimiterCap)
	db.compactionLimiter = tasklimiter.New("compaction", o.CompactionLimiterCap)
	if o.TwoWriteQueues {
		db.walQueue = batchmanager.New()
	}

	logNumber := db.nextLogNumber
	db.nextLogNumber++
	logPath := filepath.Join(walDirectoryPath, fmt.Sprintf("%06d.log", logNumber))
	activeWAL, err := wal.New(logPath, logNumber)
	if err != nil {
		_ = walDirectory.Close()
		_ = dataDirectory.Close()
		_ = lockFile.Close()
		return nil, fmt.Errorf("failed to create initial wal: %w", err)
	}
	db.activeWAL = activeWAL
	db.wals = []*wal.WAL{activeWAL}
	db.walAppender = wal.NewAppender(appenderMode(o), walDirectory)

	initial := memtable.New(o.MemtableSize, db.cmp, db.lastAllocated.Load())
	db.defaultCF = manifest.NewColumnFamily(defaultColumnFamily, initial, logNumber)
	db.manifest.AddColumnFamily(db.defaultCF)
	db.manifest.PublishSuperVersion(&manifest.SuperVersion{Active: initial}, nil)

	return db, nil
}

func appenderMode(o Options) wal.Mode {
	if o.TwoWriteQueues {
		return wal.TwoQueue
	}
	return wal.Exclusive
}

// OpenReadOnly always returns ErrNotSupported and no DB: read-only mode,
// recovery and read-only iteration are out of scope for this write-path
// core.
func OpenReadOnly(directory string, opts ...Option) (*DB, error) {
	return nil, ErrNotSupported
}

// SetLogger installs l as the coordinator's structured logger, replacing
// the no-op default.
func (db *DB) SetLogger(l *zap.Logger) {
	db.logger = l
}

// Close fences the DB, so later writes fail with IOFenced, and closes the
// active WAL, the data and WAL directories, and the lock file. It does not
// wait for writes already in flight, and it does not close retired WAL
// files still in the alive set.
func (db *DB) Close() error {
	db.mu.Lock()
	db.fenced = true
	db.mu.Unlock()

	var errs []error
	if err := db.activeWAL.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close active wal: %w", err))
	}
	if err := db.dataDirectory.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close data directory: %w", err))
	}
	if err := db.walDirectory.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close wal directory: %w", err))
	}
	if err := db.lockFile.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close lock file: %w", err))
	}
	return aggregate(errs...)
}

// recordBackgroundError stores err as the sticky background error, fencing
// all subsequent writes (§7's IOError/ShutdownInProgress propagation
// policy), and logs it.
func (db *DB) recordBackgroundError(err error) {
	if err == nil {
		return
	}
	db.bgErrMu.Lock()
	if db.bgErr == nil {
		db.bgErr = err
	}
	db.bgErrMu.Unlock()
	db.logger.Error("background error recorded", zap.Error(err))
}

func (db *DB) backgroundError() error {
	db.bgErrMu.Lock()
	defer db.bgErrMu.Unlock()
	return db.bgErr
}

// Get is a named external-collaborator contract (§1 Non-goals: "public
// APIs for reads, iterators, snapshots, transactions"). This write-path
// core does not itself implement point lookups.
func (db *DB) Get(key []byte) ([]byte, error) {
	panic("not implemented: reads are outside the write-path core")
}
