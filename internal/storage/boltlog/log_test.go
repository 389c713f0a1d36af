package boltlog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/promoter/internal/model"
)

func createTempLog(t *testing.T) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "replica.db")
	l, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, path
}

func appendHandles(t *testing.T, l *Log, partition model.PartitionID, handles ...model.Handle) {
	t.Helper()
	for _, h := range handles {
		ok, err := l.Append(partition, model.NewTransactionRecord(h, []byte("txn-"+h.String())))
		require.NoError(t, err)
		require.True(t, ok, "handle %d should be appended", h)
	}
}

func tailHandles(t *testing.T, l *Log, partition model.PartitionID) ([]model.Handle, model.Handle) {
	t.Helper()
	records, max, err := l.Tail(partition)
	require.NoError(t, err)
	handles := make([]model.Handle, 0, len(records))
	for _, r := range records {
		assert.True(t, r.Verify(), "record %d failed checksum", r.Handle)
		handles = append(handles, r.Handle)
	}
	return handles, max
}

func TestLog_OpenFailsWithInvalidPath(t *testing.T) {
	l, err := Open("/invalid/path/that/does/not/exist/replica.db", zap.NewNop())
	assert.Error(t, err)
	assert.Nil(t, l)
}

func TestLog_AppendAndTail(t *testing.T) {
	l, _ := createTempLog(t)

	t.Run("empty partition", func(t *testing.T) {
		handles, max := tailHandles(t, l, 1)
		assert.Empty(t, handles)
		assert.Equal(t, model.NoHandle, max)
	})

	t.Run("appends in order", func(t *testing.T) {
		appendHandles(t, l, 1, 1, 2, 3, 10)
		handles, max := tailHandles(t, l, 1)
		assert.Equal(t, []model.Handle{1, 2, 3, 10}, handles)
		assert.Equal(t, model.Handle(10), max)
	})

	t.Run("skips already applied handles", func(t *testing.T) {
		ok, err := l.Append(1, model.NewTransactionRecord(3, []byte("late")))
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = l.Append(1, model.NewTransactionRecord(10, []byte("dup")))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("partitions are independent", func(t *testing.T) {
		appendHandles(t, l, 2, 5)
		handles, max := tailHandles(t, l, 2)
		assert.Equal(t, []model.Handle{5}, handles)
		assert.Equal(t, model.Handle(5), max)

		max1, err := l.MaxHandle(1)
		require.NoError(t, err)
		assert.Equal(t, model.Handle(10), max1)
	})
}

func TestLog_Checkpoint(t *testing.T) {
	l, _ := createTempLog(t)
	appendHandles(t, l, 1, 1, 2, 3, 4, 5)

	require.NoError(t, l.SetCheckpoint(1, 3))
	handles, max := tailHandles(t, l, 1)
	assert.Equal(t, []model.Handle{4, 5}, handles)
	assert.Equal(t, model.Handle(5), max)

	cp, err := l.Checkpoint(1)
	require.NoError(t, err)
	assert.Equal(t, model.Handle(3), cp)

	// never moves backwards
	require.NoError(t, l.SetCheckpoint(1, 2))
	cp, _ = l.Checkpoint(1)
	assert.Equal(t, model.Handle(3), cp)

	assert.ErrorIs(t, l.SetCheckpoint(1, 6), ErrCheckpointBeyondMax)

	// checkpoint at max leaves an empty tail but keeps max
	require.NoError(t, l.SetCheckpoint(1, 5))
	handles, max = tailHandles(t, l, 1)
	assert.Empty(t, handles)
	assert.Equal(t, model.Handle(5), max)
}

func TestLog_ReopenKeepsState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replica.db")
	l, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	appendHandles(t, l, 3, 1, 2, 3)
	require.NoError(t, l.SetCheckpoint(3, 1))
	_, _, err = l.ObserveEpoch(3, 4)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l, err = Open(path, zap.NewNop())
	require.NoError(t, err)
	defer l.Close()

	handles, max := tailHandles(t, l, 3)
	assert.Equal(t, []model.Handle{2, 3}, handles)
	assert.Equal(t, model.Handle(3), max)

	ok, current, err := l.ObserveEpoch(3, 3)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, model.Epoch(4), current)
}

func TestLog_ObserveEpoch(t *testing.T) {
	l, _ := createTempLog(t)

	ok, current, err := l.ObserveEpoch(1, 2)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, model.Epoch(2), current)

	ok, _, err = l.ObserveEpoch(1, 2)
	require.NoError(t, err)
	assert.True(t, ok, "the current epoch is accepted again")

	ok, current, err = l.ObserveEpoch(1, 1)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, model.Epoch(2), current)

	ok, current, err = l.ObserveEpoch(1, 7)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, model.Epoch(7), current)
}
