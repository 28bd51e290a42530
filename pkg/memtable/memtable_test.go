package memtable

import (
	"bytes"
	"testing"

	"github.com/ncw/directio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boulder/internal/base"
)

func TestMemtableFillsUp(t *testing.T) {
	var err error
	m := New(directio.BlockSize*8, bytes.Compare, 1)

	for i := 0; i < directio.BlockSize*64; i++ {
		key := base.MakeInternalKey([]byte{byte(i), byte(i >> 8), byte(i >> 16)}, base.SeqNum(i+10), base.InternalKeyKindSet)
		kv := base.InternalKV{
			K: key,
			V: []byte{1, 0, 1, 0, 1, 0, 1},
		}

		err = m.Add(kv)
		if err != nil {
			break
		}
	}

	assert.ErrorIs(t, err, ErrMemtableFlushed)
}

func TestMemtableDuplicateKey(t *testing.T) {
	m := New(directio.BlockSize, bytes.Compare, 1)

	key := base.MakeInternalKey([]byte("k"), 10, base.InternalKeyKindSet)
	require.NoError(t, m.Add(base.InternalKV{K: key, V: []byte("v")}))

	err := m.Add(base.InternalKV{K: key, V: []byte("v2")})
	assert.ErrorIs(t, err, ErrRecordExists)
}

func TestMemtableSealRejectsWrites(t *testing.T) {
	m := New(directio.BlockSize, bytes.Compare, 1)
	m.Seal()

	key := base.MakeInternalKey([]byte("k"), 10, base.InternalKeyKindSet)
	err := m.Add(base.InternalKV{K: key, V: []byte("v")})
	assert.ErrorIs(t, err, ErrMemtableFlushed)
	assert.True(t, m.IsSealed())
}

func TestMemtableRefCounting(t *testing.T) {
	m := New(directio.BlockSize, bytes.Compare, 1)
	assert.True(t, m.IsActive())

	m.Ref()
	assert.False(t, m.Unref())
	assert.True(t, m.Unref())
	assert.False(t, m.IsActive())
}

func TestMemtableCreationSeq(t *testing.T) {
	m := New(directio.BlockSize, bytes.Compare, 42)
	assert.Equal(t, base.SeqNum(42), m.CreationSeq())
}
