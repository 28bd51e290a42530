package manifest

import (
	"bytes"
	"testing"

	"github.com/ncw/directio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boulder/internal/base"
	"boulder/pkg/memtable"
)

func newTestMemtable(seq base.SeqNum) *memtable.MemTable {
	return memtable.New(directio.BlockSize, bytes.Compare, seq)
}

func TestColumnFamilySwitchSealsAndInstalls(t *testing.T) {
	active := newTestMemtable(1)
	cf := NewColumnFamily("default", active, 1)

	assert.True(t, cf.Empty())
	assert.Same(t, active, cf.Active())

	next := newTestMemtable(2)
	cf.Switch(next)

	assert.Same(t, next, cf.Active())
	require.Len(t, cf.Immutables(), 1)
	assert.Same(t, active, cf.Immutables()[0])
	assert.True(t, active.IsSealed())
}

func TestColumnFamilySetLogNumber(t *testing.T) {
	cf := NewColumnFamily("default", newTestMemtable(1), 1)
	cf.SetLogNumber(5)
	assert.Equal(t, uint64(5), cf.LogNumber())
}

func TestColumnFamilyTrimHistoryDropsUnreferenced(t *testing.T) {
	active := newTestMemtable(1)
	cf := NewColumnFamily("default", active, 1)

	next := newTestMemtable(2)
	cf.Switch(next)
	require.Len(t, cf.Immutables(), 1)

	sealed := cf.Immutables()[0]
	// Drop every outstanding reference: Switch left it at refcount 2
	// (one from New, one from Switch's Ref); simulate the flush path
	// releasing both.
	sealed.Unref()
	sealed.Unref()

	cf.TrimHistory()
	assert.Empty(t, cf.Immutables())
}

func TestManifestPublishSuperVersionNotifiesListeners(t *testing.T) {
	m := New()

	var notified *memtable.MemTable
	m.AddListener(func(sealed *memtable.MemTable) {
		notified = sealed
	})

	sealed := newTestMemtable(1)
	sv := &SuperVersion{Active: newTestMemtable(2)}
	m.PublishSuperVersion(sv, sealed)

	assert.Same(t, sealed, notified)
	assert.Same(t, sv, m.CurrentSuperVersion())
}

func TestManifestPublishSuperVersionNilSealedSkipsListeners(t *testing.T) {
	m := New()
	called := false
	m.AddListener(func(sealed *memtable.MemTable) { called = true })

	m.PublishSuperVersion(&SuperVersion{}, nil)
	assert.False(t, called)
}

func TestManifestColumnFamilyRegistration(t *testing.T) {
	m := New()
	cf := NewColumnFamily("default", newTestMemtable(1), 1)
	m.AddColumnFamily(cf)

	assert.Same(t, cf, m.ColumnFamily("default"))
	assert.Nil(t, m.ColumnFamily("missing"))
	assert.Len(t, m.ColumnFamilies(), 1)
}

func TestMinCreationSeqPicksSmallest(t *testing.T) {
	cf1 := NewColumnFamily("a", newTestMemtable(10), 1)
	cf2 := NewColumnFamily("b", newTestMemtable(3), 1)
	cf3 := NewColumnFamily("c", newTestMemtable(7), 1)

	best, seq, found := MinCreationSeq([]*ColumnFamily{cf1, cf2, cf3})
	require.True(t, found)
	assert.Same(t, cf2, best)
	assert.Equal(t, cf2.Active().CreationSeq(), seq)
}

func TestMinCreationSeqEmptyInput(t *testing.T) {
	_, _, found := MinCreationSeq(nil)
	assert.False(t, found)
}
