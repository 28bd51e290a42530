// Package manifest tracks the minimal slice of durable-state bookkeeping
// the write path itself mutates: per-column-family log numbers and the
// super-version bundle handed to readers. Full manifest/version-set
// persistence (on-disk version edits, compaction inputs/outputs) is an
// external collaborator's concern (§1 Non-goals) — this package only models
// the in-memory shape C7's memtable switch needs to install atomically.
package manifest

import (
	"sync"

	"boulder/internal/base"
	"boulder/pkg/memtable"
)

// ColumnFamily tracks one namespace's memtable state: the active memtable,
// the ordered list of immutables awaiting flush, and the log number below
// which its data is fully covered by flushed sstables.
type ColumnFamily struct {
	Name string

	mu sync.Mutex

	active     *memtable.MemTable
	immutables []*memtable.MemTable

	// logNumber is the smallest WAL number whose records still need to be
	// replayed to reconstruct this column family's unflushed state (§4.7
	// step 5).
	logNumber uint64
}

// NewColumnFamily returns a column family seeded with the given active
// memtable and log number.
func NewColumnFamily(name string, active *memtable.MemTable, logNumber uint64) *ColumnFamily {
	return &ColumnFamily{Name: name, active: active, logNumber: logNumber}
}

// Active returns the current active memtable.
func (cf *ColumnFamily) Active() *memtable.MemTable {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	return cf.active
}

// LogNumber returns the column family's tracked log number.
func (cf *ColumnFamily) LogNumber() uint64 {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	return cf.logNumber
}

// SetLogNumber advances the tracked log number (§4.7 step 5). The memtable
// switch calls it for the switched column family and for every other column
// family whose active memtable is still empty and which has no unflushed
// immutables, permitting old WAL files to retire without manifest churn.
func (cf *ColumnFamily) SetLogNumber(n uint64) {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	cf.logNumber = n
}

// Empty reports whether the active memtable has no records yet and there
// are no unflushed immutables — the condition under which the switch
// advances a non-switched column family's log number.
func (cf *ColumnFamily) Empty() bool {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	return cf.active.Size() == 0 && len(cf.immutables) == 0
}

// Immutables returns a snapshot of the ordered immutable-memtable list.
func (cf *ColumnFamily) Immutables() []*memtable.MemTable {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	out := make([]*memtable.MemTable, len(cf.immutables))
	copy(out, cf.immutables)
	return out
}

// Switch seals the active memtable into the immutable list and installs
// next as the new active memtable (§4.7 step 6). It does not check
// invariant 4 (next's creation sequence against the highest sequence
// recorded by any existing immutable).
func (cf *ColumnFamily) Switch(next *memtable.MemTable) {
	cf.mu.Lock()
	defer cf.mu.Unlock()

	cf.active.Seal()
	cf.active.Ref()
	cf.immutables = append(cf.immutables, cf.active)
	next.Ref()
	cf.active = next
}

// TrimHistory drops every immutable memtable, at any position in the list,
// for which IsActive reports false, keeping the immutable list bounded (§4.5
// step 4's "trim-history scheduler").
func (cf *ColumnFamily) TrimHistory() {
	cf.mu.Lock()
	defer cf.mu.Unlock()

	kept := cf.immutables[:0]
	for _, m := range cf.immutables {
		if m.IsActive() {
			kept = append(kept, m)
		}
	}
	cf.immutables = kept
}

// SuperVersion is the immutable snapshot bundle of (active memtable,
// immutable list snapshot) handed to readers. A new SuperVersion is
// published every time the active memtable or immutable list changes so
// readers always observe a point-in-time-consistent view.
type SuperVersion struct {
	Active     *memtable.MemTable
	Immutables []*memtable.MemTable
}

// Manifest is the top-level registry of column families and the currently
// published super-version.
type Manifest struct {
	mu sync.Mutex

	columnFamilies map[string]*ColumnFamily
	superVersion   *SuperVersion

	// listeners are notified outside the mutex whenever a memtable is
	// sealed (§4.7 step 7).
	listeners []func(sealed *memtable.MemTable)
}

// New returns an empty Manifest.
func New() *Manifest {
	return &Manifest{columnFamilies: make(map[string]*ColumnFamily)}
}

// AddColumnFamily registers cf.
func (m *Manifest) AddColumnFamily(cf *ColumnFamily) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.columnFamilies[cf.Name] = cf
}

// ColumnFamily returns the named column family, or nil if unknown.
func (m *Manifest) ColumnFamily(name string) *ColumnFamily {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.columnFamilies[name]
}

// ColumnFamilies returns a snapshot of all registered column families.
func (m *Manifest) ColumnFamilies() []*ColumnFamily {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ColumnFamily, 0, len(m.columnFamilies))
	for _, cf := range m.columnFamilies {
		out = append(out, cf)
	}
	return out
}

// AddListener registers fn to be invoked, outside any internal lock,
// whenever a memtable is sealed.
func (m *Manifest) AddListener(fn func(sealed *memtable.MemTable)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// PublishSuperVersion installs sv as the current super-version and notifies
// listeners about sealed (the just-sealed memtable, or nil if none). Per
// §4.7 step 7, notification happens outside the manifest's own mutex.
func (m *Manifest) PublishSuperVersion(sv *SuperVersion, sealed *memtable.MemTable) {
	m.mu.Lock()
	m.superVersion = sv
	listeners := make([]func(*memtable.MemTable), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	if sealed == nil {
		return
	}
	for _, fn := range listeners {
		fn(sealed)
	}
}

// CurrentSuperVersion returns the most recently published super-version.
func (m *Manifest) CurrentSuperVersion() *SuperVersion {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.superVersion
}

// MinCreationSeq returns the smallest active-memtable creation sequence
// across every registered column family, used by the preprocessor to pick
// a column family to switch under write-buffer pressure (§4.5 step 3) when
// not in atomic-flush mode.
func MinCreationSeq(cfs []*ColumnFamily) (*ColumnFamily, base.SeqNum, bool) {
	var (
		best    *ColumnFamily
		bestSeq base.SeqNum
		found   bool
	)
	for _, cf := range cfs {
		seq := cf.Active().CreationSeq()
		if !found || seq < bestSeq {
			best, bestSeq, found = cf, seq, true
		}
	}
	return best, bestSeq, found
}
