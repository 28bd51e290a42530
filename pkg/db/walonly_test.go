package db

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boulder/internal/base"
	"boulder/pkg/batch"
)

func TestWriteWALOnlyRequiresTwoWriteQueues(t *testing.T) {
	database := openTestDB(t)

	b := batch.New()
	b.Put([]byte("k"), []byte("v"))
	err := database.WriteWALOnly(DefaultWriteOptions(), b)

	var dbErr *Error
	require.True(t, errors.As(err, &dbErr))
	assert.Equal(t, KindNotSupported, dbErr.Kind)
}

func TestWriteWALOnlyRejectsDisableWAL(t *testing.T) {
	database := openTestDB(t, WithTwoWriteQueues(true))

	b := batch.New()
	b.Put([]byte("k"), []byte("v"))
	err := database.WriteWALOnly(WriteOptions{DisableWAL: true}, b)

	var dbErr *Error
	require.True(t, errors.As(err, &dbErr))
	assert.Equal(t, KindInvalidArgument, dbErr.Kind)
}

func TestWriteWALOnlyAppendsWithoutMemtableApply(t *testing.T) {
	database := openTestDB(t, WithTwoWriteQueues(true))

	sizeBefore := database.defaultCF.Active().Size()

	b := batch.New()
	b.Put([]byte("k"), []byte("v"))
	err := database.WriteWALOnly(DefaultWriteOptions(), b)
	require.NoError(t, err)

	assert.Equal(t, sizeBefore, database.defaultCF.Active().Size())
	assert.Greater(t, database.activeWAL.Size(), uint64(0))
	assert.Equal(t, database.lastAllocated.Load(), database.lastPublished.Load())
}

func TestWriteWALOnlySharesSequenceCounterWithMainQueue(t *testing.T) {
	database := openTestDB(t, WithTwoWriteQueues(true))

	b1 := batch.New()
	b1.Put([]byte("a"), []byte("1"))
	require.NoError(t, database.Put(DefaultWriteOptions(), []byte("a"), []byte("1")))

	b2 := batch.New()
	b2.Put([]byte("b"), []byte("2"))
	require.NoError(t, database.WriteWALOnly(DefaultWriteOptions(), b2))

	// The Put took sequence 1 and the WAL-only write sequence 2 from the
	// same counter.
	assert.Equal(t, base.SeqNum(2), database.lastAllocated.Load())
	assert.Equal(t, database.lastAllocated.Load(), database.lastPublished.Load())
}
