package db

// WriteMode selects which of the three write coordinator orchestrations
// (§4.6) a DB runs under.
type WriteMode int

const (
	// ModeDefault: the group leader does everything — WAL append, sequence
	// allocation, and memtable apply (optionally fanned out to parallel
	// memtable writers) — before exiting the group.
	ModeDefault WriteMode = iota
	// ModePipelined: the group leader runs a WAL phase and then a
	// memtable-apply phase for its own group (enable_pipelined_write). The
	// next leader is promoted only after that apply, so the phases of
	// successive groups do not overlap.
	ModePipelined
	// ModeUnordered: writers apply to the memtable concurrently and
	// immediately after allocating their own sequence range, with no
	// memtable-apply ordering guarantee (unordered_write).
	ModeUnordered
)

// Options configures a DB at Open time. The zero value is never used
// directly; Open always starts from defaultOptions and layers Option values
// on top, matching the functional-options pattern used throughout this
// module.
type Options struct {
	WriteMode WriteMode

	// TwoWriteQueues splits sequence allocation/WAL append into a second,
	// independent queue for WAL-only writers (disable_memtable batches used
	// by transaction prepare), per §4.4's two-queue ordering guarantee.
	TwoWriteQueues bool

	// AllowConcurrentMemtableWrite permits LaunchParallelMemtableWriters to
	// fan a group out across goroutines instead of having the leader apply
	// every member serially. Per the resolved open question, this never
	// implicitly forces SeqPerBatch on — memtables accepting overlapping
	// inserts is an orthogonal capability from how sequence numbers are
	// assigned.
	AllowConcurrentMemtableWrite bool

	// ManualWALFlush is stored but not read by the write path: a group's
	// WAL append is fsynced exactly when its leader set WriteOptions.Sync,
	// whatever this value, and DB has no explicit WAL-flush method.
	ManualWALFlush bool

	// AtomicFlush requires every column family's memtable switch triggered
	// by write-buffer pressure to happen together, rather than picking the
	// single column family with the oldest active memtable.
	AtomicFlush bool

	// MemtableSize is the arena size each memtable is allocated with before
	// it is considered full and a switch is triggered.
	MemtableSize uint

	// MaxTotalWALSize bounds the aggregate size of alive WAL files; once
	// exceeded, the preprocessor forces a memtable switch on the column
	// family with the oldest active memtable to let old logs retire.
	MaxTotalWALSize uint64

	// UseFsync selects fsync over fdatasync-equivalent durability; plumbed
	// through to storage.Writer.Sync, which always does a full fsync, so
	// this is recorded for parity with the taxonomy but does not change
	// behavior in this implementation.
	UseFsync bool

	// RecycleLogFileNum raises the number of alive WAL files the
	// preprocessor tolerates before delaying writes: a delay starts once
	// more than RecycleLogFileNum+2 are alive. Retired WAL files are not
	// kept for reuse.
	RecycleLogFileNum int

	// CompactionLimiterCap and FlushLimiterCap cap concurrent background
	// compaction/flush tasks (C1). A negative cap is unbounded.
	CompactionLimiterCap int32
	FlushLimiterCap      int32

	// MergeOperator combines an existing value with a merge operand. A nil
	// MergeOperator makes Merge return ErrNotSupported (§6).
	MergeOperator func(key, existing, operand []byte) ([]byte, error)
}

func defaultOptions() Options {
	return Options{
		WriteMode:            ModeDefault,
		MemtableSize:         64 << 20,
		MaxTotalWALSize:      0,
		CompactionLimiterCap: -1,
		FlushLimiterCap:      -1,
	}
}

// Option mutates an Options value at DB construction time.
type Option func(*Options)

// WithWriteMode selects the write coordinator orchestration.
func WithWriteMode(m WriteMode) Option {
	return func(o *Options) { o.WriteMode = m }
}

// WithTwoWriteQueues enables the WAL-only second queue.
func WithTwoWriteQueues(v bool) Option {
	return func(o *Options) { o.TwoWriteQueues = v }
}

// WithAllowConcurrentMemtableWrite permits fanning a group's apply phase out
// across goroutines.
func WithAllowConcurrentMemtableWrite(v bool) Option {
	return func(o *Options) { o.AllowConcurrentMemtableWrite = v }
}

// WithManualWALFlush sets ManualWALFlush, which the write path does not
// read.
func WithManualWALFlush(v bool) Option {
	return func(o *Options) { o.ManualWALFlush = v }
}

// WithAtomicFlush requires column-family memtable switches to happen
// together under write-buffer pressure.
func WithAtomicFlush(v bool) Option {
	return func(o *Options) { o.AtomicFlush = v }
}

// WithMemtableSize sets the arena size new memtables are allocated with.
func WithMemtableSize(n uint) Option {
	return func(o *Options) { o.MemtableSize = n }
}

// WithMaxTotalWALSize bounds the aggregate size of alive WAL files.
func WithMaxTotalWALSize(n uint64) Option {
	return func(o *Options) { o.MaxTotalWALSize = n }
}

// WithUseFsync selects fsync-grade durability.
func WithUseFsync(v bool) Option {
	return func(o *Options) { o.UseFsync = v }
}

// WithRecycleLogFileNum sets RecycleLogFileNum, the alive-WAL allowance
// above which writes are delayed.
func WithRecycleLogFileNum(n int) Option {
	return func(o *Options) { o.RecycleLogFileNum = n }
}

// WithCompactionLimiterCap sets the concurrent compaction task cap (n<0:
// unbounded).
func WithCompactionLimiterCap(n int32) Option {
	return func(o *Options) { o.CompactionLimiterCap = n }
}

// WithFlushLimiterCap sets the concurrent flush task cap (n<0: unbounded).
func WithFlushLimiterCap(n int32) Option {
	return func(o *Options) { o.FlushLimiterCap = n }
}

// WithMergeOperator installs a merge operator, enabling Merge.
func WithMergeOperator(fn func(key, existing, operand []byte) ([]byte, error)) Option {
	return func(o *Options) { o.MergeOperator = fn }
}

// WriteOptions configures a single write call (§6).
type WriteOptions struct {
	// Sync requests the group's WAL append be fsynced before the call
	// returns.
	Sync bool

	// DisableWAL skips the WAL append entirely for this writer; it still
	// participates in sequence allocation and memtable apply.
	DisableWAL bool

	// NoSlowdown fails immediately with an Incomplete error (KindIncomplete)
	// instead of joining the queue while a write stall is in progress.
	NoSlowdown bool

	// LowPri is copied into the writer's queue options but changes nothing:
	// low-priority writers are neither deferred nor rate-limited.
	LowPri bool

	// IgnoreMissingColumnFamilies is accepted but has no effect: batches
	// carry no column-family field, and every record is applied to the
	// default column family.
	IgnoreMissingColumnFamilies bool

	// SeqPerBatch assigns the whole batch a single sequence number rather
	// than one per record, and disqualifies the writer from being folded
	// into a group with others.
	SeqPerBatch bool
}

// DefaultWriteOptions returns the zero-value WriteOptions: WAL enabled, no
// sync, no throttle overrides.
func DefaultWriteOptions() WriteOptions {
	return WriteOptions{}
}
