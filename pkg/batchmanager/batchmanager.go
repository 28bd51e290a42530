// Package batchmanager implements the writer queue and batch-group state
// machine (C4): a lock-free linked list of writers plus a mutex/condvar used
// only for parking suspended writers. It admits writers, elects leaders,
// assembles batch groups, and fans work out to followers.
package batchmanager

import (
	"runtime"
	"sync"
	"sync/atomic"

	"boulder/internal/base"
	"boulder/pkg/batch"
)

// State is a Writer's position in the group-commit state machine (§4.2).
type State int32

const (
	StateInit State = iota
	StateGroupLeader
	StateMemtableWriterLeader
	StateParallelMemtableWriter
	StateLockedWaiting
	StateCompleted
)

const (
	minBatchBytes  = 1 << 20         // 1 MiB
	maxWriterBytes = 128 * (1 << 10) // 128 KiB
)

// Options is the subset of write options the queue itself must reason
// about: batching eligibility, WAL policy, and throttle behavior. The
// coordinator (pkg/db) owns the full WriteOptions and narrows it to this
// shape when constructing a Writer, avoiding an import cycle back into
// pkg/db.
type Options struct {
	DisableWAL  bool
	Sync        bool
	NoSlowdown  bool
	LowPri      bool
	SeqPerBatch bool
}

// Writer is a single client's attempt to commit a batch (§3). It is owned
// by the submitting goroutine for its whole lifetime; the queue only ever
// reads and parks it.
type Writer struct {
	Batch *batch.Batch
	Opts  Options

	// PreCommitCallback runs before a sequence is consumed, and is allowed
	// to reject the writer out of the batch (WriteWithCallback). A nil
	// callback always allows batching.
	PreCommitCallback func() error

	// PreReleaseCallback runs after the group's WAL append and sequence
	// assignment but strictly before any memtable apply, passing this
	// writer's assigned sequence. Used by callers (e.g. transaction commit)
	// that need to observe a durable sequence before records become visible
	// to readers.
	PreReleaseCallback func(seq base.SeqNum) error

	// AllowBatching reports whether this writer may be folded into a group
	// with others. WriteWithCallback callers with side effects typically
	// set this false, forcing a group of one.
	AllowBatching bool

	// The following are set by the coordinator as the writer is processed.
	Seq       base.SeqNum
	LogNumber uint64
	Status    error

	state atomic.Int32

	// linkOlder is fixed at join time: the writer that was newest just
	// before this one joined. linkNewer is fixed lazily, by
	// createMissingNewerLinks, once a leader needs to walk forward.
	linkOlder *Writer
	linkNewer atomic.Pointer[Writer]

	mu   sync.Mutex
	cond *sync.Cond

	// group is stamped by EnterAsBatchGroupLeader for every member of the
	// assembled group, before any follower is woken — a follower promoted
	// to PARALLEL_MEMTABLE_WRITER uses it to reach CompleteParallelMemtableWriter.
	group *Group
}

// Group returns the batch group this writer was assembled into. Valid only
// once the writer has left StateLockedWaiting/StateInit.
func (w *Writer) Group() *Group { return w.group }

// NewWriter constructs a Writer for b under opts.
func NewWriter(b *batch.Batch, opts Options) *Writer {
	w := &Writer{Batch: b, Opts: opts, AllowBatching: true}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// State returns the writer's current state.
func (w *Writer) State() State {
	return State(w.state.Load())
}

func (w *Writer) setState(s State) {
	w.mu.Lock()
	w.state.Store(int32(s))
	w.mu.Unlock()
	w.cond.Broadcast()
}

// AwaitCompletion blocks until the writer's state reaches StateCompleted
// and returns its final status. Used by a group leader that has launched
// parallel followers and must wait for whichever of them wins
// CompleteParallelMemtableWriter to exit the group on everyone's behalf.
func (w *Writer) AwaitCompletion() error {
	w.awaitStates(StateCompleted)
	return w.Status
}

// awaitStates blocks until the writer's state is one of the given states,
// then returns that state. This is the parking primitive behind §5's
// suspension point (1).
func (w *Writer) awaitStates(states ...State) State {
	w.mu.Lock()
	defer w.mu.Unlock()
	for {
		cur := State(w.state.Load())
		for _, s := range states {
			if cur == s {
				return cur
			}
		}
		w.cond.Wait()
	}
}

// Group is a leader plus a consecutive prefix of queued followers chosen to
// commit together (§3).
type Group struct {
	Writers   []*Writer
	SizeBytes uint64

	// LastSeq is the sequence number assigned to the last record in the
	// group, stamped by the coordinator's assignSequences.
	LastSeq base.SeqNum

	lastWriter *Writer

	// running counts outstanding parallel memtable writers; initialized by
	// LaunchParallelMemtableWriters to len(Writers)-1.
	running atomic.Int32

	// mu/cond back WaitForMemtableWriters: signaled whenever running drops
	// to zero.
	mu   sync.Mutex
	cond *sync.Cond
}

func newGroup(leader *Writer) *Group {
	g := &Group{Writers: []*Writer{leader}}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Leader returns the group's leader writer.
func (g *Group) Leader() *Writer { return g.Writers[0] }

// Queue is the lock-free writer queue. New writers are appended by CAS on
// the tail pointer (named newest, matching the direction writers are added
// in); forward (older→newer) links are only materialized lazily, when a
// leader needs to walk the queue to assemble a group, mirroring RocksDB's
// WriteThread::CreateMissingNewerLinks.
type Queue struct {
	newest atomic.Pointer[Writer]

	// length is an approximate count of writers currently queued, used for
	// the byte-budget formula's writers-in-queue term (§4.2).
	length atomic.Int64

	// lastGroupBytes remembers the previous group's aggregate size for the
	// byte-budget formula.
	lastGroupBytes atomic.Uint64

	// stalled, when true, makes every NoSlowdown writer fail admission
	// immediately (begin-write-stall / end-write-stall, §4.2).
	stalled atomic.Bool

	// unbatched serializes enter-unbatched/exit-unbatched passage among its
	// callers (e.g. the memtable switch). Batchable writers never take it,
	// so holding it does not exclude them.
	unbatched sync.Mutex
}

// New returns an empty Queue.
func New() *Queue {
	return &Queue{}
}

// StallError is returned to NoSlowdown writers that hit an active stall.
type StallError struct{}

func (*StallError) Error() string { return "Incomplete: write stalled" }

// ErrWriteStalled is returned by JoinBatchGroup when the queue is stalled
// and the writer requested NoSlowdown.
var ErrWriteStalled error = &StallError{}

// JoinBatchGroup appends w to the queue. If w becomes the new tail with no
// predecessor, it is the leader and returns immediately in StateGroupLeader.
// Otherwise it is parked in StateLockedWaiting until promoted to one of
// {GROUP_LEADER, PARALLEL_MEMTABLE_WRITER, MEMTABLE_WRITER_LEADER,
// COMPLETED}. Returns
// ErrWriteStalled immediately, without joining, if the queue is stalled and
// w requested NoSlowdown.
func (q *Queue) JoinBatchGroup(w *Writer) error {
	if w.Opts.NoSlowdown && q.stalled.Load() {
		return ErrWriteStalled
	}

	w.state.Store(int32(StateInit))
	q.length.Add(1)

	old := q.newest.Swap(w)
	if old == nil {
		w.setState(StateGroupLeader)
		return nil
	}
	w.linkOlder = old
	old.linkNewer.Store(w)
	// A leader may already have promoted w through the link just stored, so
	// only move to LockedWaiting if nothing has changed w's state yet.
	w.state.CompareAndSwap(int32(StateInit), int32(StateLockedWaiting))

	w.awaitStates(StateGroupLeader, StateParallelMemtableWriter, StateMemtableWriterLeader, StateCompleted)
	return nil
}

// createMissingNewerLinks walks backward from the tail to head, fixing
// forward (older→newer) links that haven't been set yet, stopping once it
// reaches head.
func (q *Queue) createMissingNewerLinks(head *Writer) {
	current := q.newest.Load()
	for current != head {
		older := current.linkOlder
		older.linkNewer.Store(current)
		current = older
	}
}

// byteBudget implements §4.2's formula:
// max(1 MiB, min(1 MiB + last_group_bytes/8, 128 KiB * writers_in_queue)).
func (q *Queue) byteBudget() uint64 {
	queued := q.length.Load()
	if queued < 1 {
		queued = 1
	}
	cap1 := minBatchBytes + q.lastGroupBytes.Load()/8
	cap2 := uint64(queued) * maxWriterBytes
	budget := cap1
	if cap2 < budget {
		budget = cap2
	}
	if budget < minBatchBytes {
		budget = minBatchBytes
	}
	return budget
}

// EnterAsBatchGroupLeader walks the queue forward from leader, accumulating
// consecutive eligible followers into a Group (§4.2). A follower is eligible
// iff its DisableWAL policy matches the leader's, it allows batching, and
// admitting it keeps the group under budget. A leader that disallows
// batching (or requests seq-per-batch numbering) leads a group of one.
func (q *Queue) EnterAsBatchGroupLeader(leader *Writer) *Group {
	group := newGroup(leader)
	size := uint64(leader.Batch.Len())
	budget := q.byteBudget()
	last := leader

	if leader.AllowBatching && !leader.Opts.SeqPerBatch {
		q.createMissingNewerLinks(leader)
		for w := leader.linkNewer.Load(); w != nil; w = w.linkNewer.Load() {
			if w.Opts.DisableWAL != leader.Opts.DisableWAL {
				break
			}
			if !w.AllowBatching {
				break
			}
			next := size + uint64(w.Batch.Len())
			if next > budget {
				break
			}
			size = next
			group.Writers = append(group.Writers, w)
			last = w
		}
	}

	group.SizeBytes = size
	group.lastWriter = last
	for _, w := range group.Writers {
		w.group = group
	}
	q.lastGroupBytes.Store(size)
	q.length.Add(-int64(len(group.Writers)))
	return group
}

// LaunchParallelMemtableWriters promotes every non-leader member of group to
// StateParallelMemtableWriter and wakes them, initializing the shared
// completion counter to len(group.Writers)-1 (§4.2).
func (q *Queue) LaunchParallelMemtableWriters(group *Group) {
	group.running.Store(int32(len(group.Writers) - 1))
	for _, w := range group.Writers[1:] {
		w.setState(StateParallelMemtableWriter)
	}
}

// CompleteParallelMemtableWriter atomically decrements the group's running
// counter and reports whether this call was the last to finish — the
// winner is responsible for exiting the group.
func (q *Queue) CompleteParallelMemtableWriter(group *Group) bool {
	n := group.running.Add(-1)
	if n == 0 {
		group.mu.Lock()
		group.cond.Broadcast()
		group.mu.Unlock()
		return true
	}
	return false
}

// ExitAsBatchGroupLeader marks every writer in group COMPLETED, stamps
// perWriterStatus (falling back to status for writers with no override),
// wakes them, and promotes the next queued writer (if any) to leadership of
// the following group. perWriterStatus may be nil, or may hold entries only
// for writers whose outcome differs from the group's overall status (e.g. a
// pre-commit callback that rejected one writer before any sequence was
// consumed).
func (q *Queue) ExitAsBatchGroupLeader(group *Group, status error, perWriterStatus map[*Writer]error) {
	for _, w := range group.Writers {
		if s, ok := perWriterStatus[w]; ok {
			w.Status = s
		} else {
			w.Status = status
		}
		w.setState(StateCompleted)
	}

	last := group.lastWriter
	if q.newest.CompareAndSwap(last, nil) {
		// No writer joined behind the group: the queue is empty again, so
		// the next JoinBatchGroup caller becomes leader on its own.
		return
	}
	// A newer writer has swapped itself in; wait until it has linked itself
	// behind the group, then promote it.
	for {
		if next := last.linkNewer.Load(); next != nil {
			next.setState(StateGroupLeader)
			return
		}
		runtime.Gosched()
	}
}

// BeginWriteStall marks the queue stalled: subsequent NoSlowdown joiners
// fail immediately instead of blocking.
func (q *Queue) BeginWriteStall() {
	q.stalled.Store(true)
}

// EndWriteStall clears the stall barrier.
func (q *Queue) EndWriteStall() {
	q.stalled.Store(false)
}

// IsStalled reports the current stall barrier state.
func (q *Queue) IsStalled() bool {
	return q.stalled.Load()
}

// EnterUnbatched blocks until no other EnterUnbatched caller holds unbatched
// passage. It serializes unbatched operations (e.g. a memtable switch)
// against each other only; writers keep joining the queue and leading batch
// groups while it is held.
func (q *Queue) EnterUnbatched() {
	q.unbatched.Lock()
}

// ExitUnbatched releases unbatched passage.
func (q *Queue) ExitUnbatched() {
	q.unbatched.Unlock()
}

// WaitForMemtableWriters blocks until the given group's memtable-apply
// phase has fully drained — used in pipelined mode so a new WAL leader does
// not outrun earlier memtable-writer leaders still applying to the active
// memtable (§4.2).
func (q *Queue) WaitForMemtableWriters(group *Group) {
	group.mu.Lock()
	defer group.mu.Unlock()
	for group.running.Load() > 0 {
		group.cond.Wait()
	}
}
