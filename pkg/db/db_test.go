package db

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boulder/internal/base"
	"boulder/pkg/batch"
)

func openTestDB(t *testing.T, opts ...Option) *DB {
	t.Helper()
	dir := t.TempDir()
	database, err := Open(dir, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	return database
}

func TestSoloWriterCommits(t *testing.T) {
	database := openTestDB(t)

	err := database.Put(DefaultWriteOptions(), []byte("k"), []byte("v"))
	require.NoError(t, err)

	assert.Greater(t, database.defaultCF.Active().Size(), uint(0))
}

func TestTwoConcurrentWritersAreGrouped(t *testing.T) {
	database := openTestDB(t)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = database.Put(DefaultWriteOptions(), []byte{byte(i)}, []byte("v"))
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
}

func TestNoSlowdownFailsUnderStall(t *testing.T) {
	database := openTestDB(t, WithRecycleLogFileNum(0))

	database.queue.BeginWriteStall()
	defer database.queue.EndWriteStall()

	opts := DefaultWriteOptions()
	opts.NoSlowdown = true
	err := database.Put(opts, []byte("k"), []byte("v"))

	var dbErr *Error
	require.True(t, errors.As(err, &dbErr))
	assert.Equal(t, KindIncomplete, dbErr.Kind)
}

func TestMergeWithoutOperatorFails(t *testing.T) {
	database := openTestDB(t)

	err := database.Merge(DefaultWriteOptions(), []byte("k"), []byte("delta"))
	assert.ErrorIs(t, err, ErrNotSupported)
}

func TestMergeWithOperatorSucceeds(t *testing.T) {
	database := openTestDB(t, WithMergeOperator(func(key, existing, operand []byte) ([]byte, error) {
		return operand, nil
	}))

	err := database.Merge(DefaultWriteOptions(), []byte("k"), []byte("delta"))
	assert.NoError(t, err)
}

func TestDisableWALSkipsLogButAppliesMemtable(t *testing.T) {
	database := openTestDB(t)

	opts := DefaultWriteOptions()
	opts.DisableWAL = true
	before := database.activeWAL.Size()

	err := database.Put(opts, []byte("k"), []byte("v"))
	require.NoError(t, err)
	assert.Equal(t, before, database.activeWAL.Size())
}

func TestSyncAndDisableWALAreMutuallyExclusive(t *testing.T) {
	database := openTestDB(t)

	opts := WriteOptions{Sync: true, DisableWAL: true}
	err := database.Put(opts, []byte("k"), []byte("v"))

	var dbErr *Error
	require.True(t, errors.As(err, &dbErr))
	assert.Equal(t, KindInvalidArgument, dbErr.Kind)
}

func TestWriteAfterCloseIsFenced(t *testing.T) {
	dir := t.TempDir()
	database, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, database.Close())

	err = database.Put(DefaultWriteOptions(), []byte("k"), []byte("v"))
	var dbErr *Error
	require.True(t, errors.As(err, &dbErr))
	assert.Equal(t, KindIOFenced, dbErr.Kind)
}

func TestMemtableSwitchUnderPressure(t *testing.T) {
	database := openTestDB(t, WithMemtableSize(4096))

	for i := 0; i < 200; i++ {
		key := []byte{byte(i), byte(i >> 8)}
		val := make([]byte, 64)
		err := database.Put(DefaultWriteOptions(), key, val)
		if err != nil {
			break
		}
	}

	require.NotEmpty(t, database.defaultCF.Immutables())
}

func TestPipelinedModeCommits(t *testing.T) {
	database := openTestDB(t, WithWriteMode(ModePipelined))

	err := database.Put(DefaultWriteOptions(), []byte("k"), []byte("v"))
	require.NoError(t, err)
}

func TestUnorderedModeCommits(t *testing.T) {
	database := openTestDB(t, WithWriteMode(ModeUnordered))

	err := database.Put(DefaultWriteOptions(), []byte("k"), []byte("v"))
	require.NoError(t, err)
}

func TestSeqPerBatchIncompatibleWithPipelined(t *testing.T) {
	database := openTestDB(t, WithWriteMode(ModePipelined))

	opts := DefaultWriteOptions()
	opts.SeqPerBatch = true
	err := database.Put(opts, []byte("k"), []byte("v"))

	var dbErr *Error
	require.True(t, errors.As(err, &dbErr))
	assert.Equal(t, KindNotSupported, dbErr.Kind)
}

func TestEmptyBatchWithoutCallbackIsCorruption(t *testing.T) {
	database := openTestDB(t)

	err := database.Write(DefaultWriteOptions(), batch.New())
	var dbErr *Error
	require.True(t, errors.As(err, &dbErr))
	assert.Equal(t, KindCorruption, dbErr.Kind)
}

func TestWriteWithCallbackRejection(t *testing.T) {
	database := openTestDB(t)

	b := batch.New()
	b.Put([]byte("k"), []byte("v"))

	sentinel := errors.New("rejected")
	err := database.WriteWithCallback(DefaultWriteOptions(), b, func() error {
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
}

func TestPreReleaseCallbackRunsAfterWALBeforePublish(t *testing.T) {
	database := openTestDB(t)

	b := batch.New()
	b.Put([]byte("k"), []byte("v"))

	var sawSeq base.SeqNum
	var publishedAtCallTime base.SeqNum
	err := database.writeInternal(DefaultWriteOptions(), b, nil, func(seq base.SeqNum) error {
		sawSeq = seq
		publishedAtCallTime = database.lastPublished.Load()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, base.SeqNum(1), sawSeq)
	assert.Equal(t, base.SeqNum(0), publishedAtCallTime)
	assert.Equal(t, base.SeqNum(1), database.lastPublished.Load())
}

func TestPreReleaseCallbackRejectionStopsMemtableApply(t *testing.T) {
	database := openTestDB(t)

	b := batch.New()
	b.Put([]byte("k"), []byte("v"))

	sizeBefore := database.defaultCF.Active().Size()

	sentinel := errors.New("pre-release rejected")
	err := database.writeInternal(DefaultWriteOptions(), b, nil, func(seq base.SeqNum) error {
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, base.SeqNum(0), database.lastPublished.Load())
	assert.Equal(t, sizeBefore, database.defaultCF.Active().Size())
}

func TestOpenCreatesDataAndWALDirectories(t *testing.T) {
	dir := t.TempDir()
	database, err := Open(dir)
	require.NoError(t, err)
	defer database.Close()

	assert.DirExists(t, filepath.Join(dir, DataDirectoryName))
	assert.DirExists(t, filepath.Join(dir, WalDirectoryName))
}
