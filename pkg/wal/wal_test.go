package wal

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boulder/internal/base"
	"boulder/pkg/batch"
)

func TestWALAppendAdvancesSize(t *testing.T) {
	dir := t.TempDir()
	w, err := New(filepath.Join(dir, "000001.log"), 1)
	require.NoError(t, err)
	defer w.Close()

	assert.Equal(t, uint64(1), w.Number())
	assert.Equal(t, uint64(0), w.Size())

	require.NoError(t, w.Append([]byte("hello")))
	assert.Equal(t, uint64(5), w.Size())

	require.NoError(t, w.Append([]byte("world!")))
	assert.Equal(t, uint64(11), w.Size())
}

func TestWALGettingSyncedFlag(t *testing.T) {
	dir := t.TempDir()
	w, err := New(filepath.Join(dir, "000001.log"), 1)
	require.NoError(t, err)
	defer w.Close()

	assert.False(t, w.IsGettingSynced())
	w.MarkGettingSynced(true)
	assert.True(t, w.IsGettingSynced())
	w.MarkGettingSynced(false)
	assert.False(t, w.IsGettingSynced())
}

func TestMergeBatchSingleNoTruncationIsInPlace(t *testing.T) {
	b := batch.New()
	b.Put([]byte("k"), []byte("v"))

	merged, err := MergeBatch([]*batch.Batch{b})
	require.NoError(t, err)
	assert.Same(t, b, merged)
}

func TestMergeBatchMultipleFlattens(t *testing.T) {
	b1 := batch.New()
	b1.Put([]byte("a"), []byte("1"))
	b2 := batch.New()
	b2.Put([]byte("b"), []byte("2"))

	merged, err := MergeBatch([]*batch.Batch{b1, b2})
	require.NoError(t, err)
	assert.NotSame(t, b1, merged)
	assert.Equal(t, uint32(2), merged.Count())
}

func TestAppenderExclusiveAppendAllocatesAndWrites(t *testing.T) {
	dir := t.TempDir()
	w, err := New(filepath.Join(dir, "000001.log"), 1)
	require.NoError(t, err)
	defer w.Close()

	a := NewAppender(Exclusive, nil)

	var allocated base.SeqNum
	allocate := func(n base.SeqNum) base.SeqNum {
		first := allocated + 1
		allocated += n
		return first
	}

	seq, err := a.Append(w, []byte("payload"), 3, allocate)
	require.NoError(t, err)
	assert.Equal(t, base.SeqNum(1), seq)
	assert.Equal(t, uint64(7), w.Size())
}

func TestAppenderSyncClearsGettingSyncedAndFsyncsDirOnce(t *testing.T) {
	dir := t.TempDir()
	w, err := New(filepath.Join(dir, "000001.log"), 1)
	require.NoError(t, err)
	defer w.Close()

	a := NewAppender(Exclusive, nil)
	w.MarkGettingSynced(true)
	a.NotifyNewLog()

	require.NoError(t, a.Sync([]*WAL{w}))
	assert.False(t, w.IsGettingSynced())
	assert.False(t, a.dirSyncPending.Load())
}
