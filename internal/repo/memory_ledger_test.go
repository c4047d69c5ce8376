package repo

import (
	"Go_Upload/model"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testChunk = 4

// Initiate creates the upload once and returns the same id afterwards.
func TestMemoryLedgerInitiateReuses(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	allocs := 0
	alloc := func(*model.Upload) error { allocs++; return nil }

	first, err := l.Initiate(ctx, "a.zip", 10, testChunk, alloc)
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.Equal(t, 3, first.Upload.TotalChunks)
	assert.Empty(t, first.Received)

	second, err := l.Initiate(ctx, "a.zip", 10, testChunk, alloc)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Upload.ID, second.Upload.ID)
	assert.Equal(t, 1, allocs)

	other, err := l.Initiate(ctx, "a.zip", 11, testChunk, alloc)
	require.NoError(t, err)
	assert.NotEqual(t, first.Upload.ID, other.Upload.ID)
}

// A failed allocation leaves no upload behind.
func TestMemoryLedgerInitiateAllocFailure(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	boom := errors.New("disk full")
	_, err := l.Initiate(ctx, "a.zip", 10, testChunk, func(*model.Upload) error { return boom })
	require.ErrorIs(t, err, boom)

	res, err := l.Initiate(ctx, "a.zip", 10, testChunk, nil)
	require.NoError(t, err)
	assert.True(t, res.Created)
}

func TestMemoryLedgerReceiveChunk(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	res, err := l.Initiate(ctx, "a.zip", 10, testChunk, nil)
	require.NoError(t, err)
	id := res.Upload.ID

	writes := 0
	write := func(u *model.Upload) error {
		assert.Equal(t, id, u.ID)
		writes++
		return nil
	}

	already, err := l.ReceiveChunk(ctx, id, 1, write)
	require.NoError(t, err)
	assert.False(t, already)

	already, err = l.ReceiveChunk(ctx, id, 1, write)
	require.NoError(t, err)
	assert.True(t, already)
	assert.Equal(t, 1, writes)

	_, err = l.ReceiveChunk(ctx, id, 3, write)
	assert.ErrorIs(t, err, ErrChunkNotFound)
	_, err = l.ReceiveChunk(ctx, id+100, 0, write)
	assert.ErrorIs(t, err, ErrChunkNotFound)

	again, err := l.Initiate(ctx, "a.zip", 10, testChunk, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, again.Received)
}

// A failed write or commit keeps the chunk PENDING.
func TestMemoryLedgerReceiveFailureKeepsPending(t *testing.T) {
	ctx := context.Background()
	var failCommit atomic.Bool
	l := NewMemoryLedger(WithCommitHook(func(op string) error {
		if op == "receive" && failCommit.Load() {
			return errors.New("commit lost")
		}
		return nil
	}))
	res, err := l.Initiate(ctx, "a.zip", 8, testChunk, nil)
	require.NoError(t, err)
	id := res.Upload.ID

	_, err = l.ReceiveChunk(ctx, id, 0, func(*model.Upload) error { return errors.New("io") })
	require.Error(t, err)

	failCommit.Store(true)
	_, err = l.ReceiveChunk(ctx, id, 0, func(*model.Upload) error { return nil })
	require.Error(t, err)

	n, err := l.CountReceived(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, n)

	failCommit.Store(false)
	already, err := l.ReceiveChunk(ctx, id, 0, func(*model.Upload) error { return nil })
	require.NoError(t, err)
	assert.False(t, already)
}

// Concurrent deliveries of one chunk write it exactly once.
func TestMemoryLedgerConcurrentReceive(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	res, err := l.Initiate(ctx, "a.zip", 8, testChunk, nil)
	require.NoError(t, err)

	var writes, fresh atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			already, err := l.ReceiveChunk(ctx, res.Upload.ID, 0, func(*model.Upload) error {
				writes.Add(1)
				time.Sleep(time.Millisecond)
				return nil
			})
			assert.NoError(t, err)
			if !already {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, writes.Load())
	assert.EqualValues(t, 1, fresh.Load())
}

func TestMemoryLedgerCheckReadyAndComplete(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	res, err := l.Initiate(ctx, "a.zip", 8, testChunk, nil)
	require.NoError(t, err)
	id := res.Upload.ID

	state, err := l.CheckReady(ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, 2, state.Pending)

	for i := 0; i < 2; i++ {
		_, err := l.ReceiveChunk(ctx, id, i, func(*model.Upload) error { return nil })
		require.NoError(t, err)
	}
	state, err = l.CheckReady(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, state.Pending)

	done, err := l.Complete(ctx, id, "h1", []string{"x"}, time.Now())
	require.NoError(t, err)
	assert.True(t, done.IsCompleted())
	require.NotNil(t, done.FinalHash)
	assert.Equal(t, "h1", *done.FinalHash)

	again, err := l.Complete(ctx, id, "h2", nil, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "h1", *again.FinalHash)
	assert.Equal(t, model.EntryList{"x"}, again.VerificationEntries)

	reinit, err := l.Initiate(ctx, "a.zip", 8, testChunk, nil)
	require.NoError(t, err)
	assert.Equal(t, id, reinit.Upload.ID)
	assert.Empty(t, reinit.Received)
	assert.True(t, reinit.Upload.IsCompleted())

	_, err = l.CheckReady(ctx, id+1)
	assert.ErrorIs(t, err, ErrUploadNotFound)
}
