// Package tasklimiter implements a named counting semaphore used to cap the
// number of outstanding background tasks (e.g. compactions) running at once.
// It is grounded directly on RocksDB's ConcurrentTaskLimiter: an atomic cap
// updated with relaxed ordering (rarely contended, rarely changed) and an
// atomic outstanding count updated with a sequentially-consistent CAS retry
// loop on acquire and a sequentially-consistent decrement on release.
package tasklimiter

import "sync/atomic"

// Limiter is a named counting semaphore with an optional bypass.
type Limiter struct {
	name string

	// max is the outstanding task cap. A negative value means unbounded.
	// Updated with relaxed ordering in the source this is grounded on;
	// sync/atomic in Go is always sequentially consistent, so this is a
	// plain atomic.Int32 rather than a weaker-ordered primitive.
	max atomic.Int32

	// outstanding is the number of live tokens. CAS retry loop on acquire,
	// plain decrement on release; must never go negative (invariant 5).
	outstanding atomic.Int32
}

// New returns a Limiter named name with the given initial cap (n<0 means
// unbounded).
func New(name string, max int32) *Limiter {
	l := &Limiter{name: name}
	l.max.Store(max)
	return l
}

// Name returns the limiter's name.
func (l *Limiter) Name() string {
	return l.name
}

// SetMax sets the cap. n<0 means unbounded.
func (l *Limiter) SetMax(n int32) {
	l.max.Store(n)
}

// ResetMax is equivalent to SetMax(-1): unbounded.
func (l *Limiter) ResetMax() {
	l.max.Store(-1)
}

// Outstanding returns the current number of live tokens.
func (l *Limiter) Outstanding() int32 {
	return l.outstanding.Load()
}

// Token represents permission to run one task. The caller must call Release
// exactly once when the task completes.
type Token struct {
	limiter *Limiter
	// force records whether this token bypassed the cap, purely for
	// diagnostics; it does not change Release's behavior.
	force bool
}

// GetToken attempts to acquire a token. It returns (token, true) iff force is
// set, the cap is unbounded (max<0), or outstanding<max. The increment is a
// CAS retry loop so concurrent acquirers never overshoot the cap (barring
// force). Returns (nil, false) when the caller should be throttled — no
// state changes on that path (invariant 5: "creation without a token
// returned never decrements").
func (l *Limiter) GetToken(force bool) (*Token, bool) {
	for {
		max := l.max.Load()
		tasks := l.outstanding.Load()
		if !(force || max < 0 || tasks < max) {
			return nil, false
		}
		if l.outstanding.CompareAndSwap(tasks, tasks+1) {
			return &Token{limiter: l, force: force}, true
		}
	}
}

// Release returns the token to the limiter, decrementing the outstanding
// count. Release is idempotent-unsafe: calling it more than once for the
// same token will under-count and is a caller bug, matching the C++
// destructor semantics this is grounded on (called exactly once, on token
// destruction).
func (t *Token) Release() {
	if t == nil {
		return
	}
	n := t.limiter.outstanding.Add(-1)
	if n < 0 {
		panic("tasklimiter: outstanding count went negative")
	}
}
