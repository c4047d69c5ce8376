package service

import (
	"Go_Upload/internal/apperr"
	"Go_Upload/internal/protocol"
	"Go_Upload/internal/repo"
	"Go_Upload/internal/storage"
	"Go_Upload/model"
	"Go_Upload/utils"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const testChunkSize = 4

type fixture struct {
	coord  *Coordinator
	ledger *repo.MemoryLedger
	blobs  *storage.BlobStore
}

func newFixture(t *testing.T, ledger *repo.MemoryLedger, opts ...Option) *fixture {
	t.Helper()
	if ledger == nil {
		ledger = repo.NewMemoryLedger()
	}
	blobs := storage.NewBlobStore(memfs.New(), "")
	base := []Option{
		WithChunkSize(testChunkSize),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	return &fixture{
		coord:  NewCoordinator(ledger, blobs, append(base, opts...)...),
		ledger: ledger,
		blobs:  blobs,
	}
}

// upload sends every chunk of data except those listed in skip.
func (f *fixture) upload(t *testing.T, id uint64, data []byte, skip ...int) {
	t.Helper()
	skipped := map[int]bool{}
	for _, s := range skip {
		skipped[s] = true
	}
	total := protocol.TotalChunks(int64(len(data)), testChunkSize)
	for i := 0; i < total; i++ {
		if skipped[i] {
			continue
		}
		off, n, err := protocol.ChunkRange(i, int64(len(data)), testChunkSize)
		require.NoError(t, err)
		status, err := f.coord.IngestChunk(context.Background(), id, i, bytes.NewReader(data[off:off+n]))
		require.NoError(t, err)
		require.Equal(t, protocol.StatusOK, status)
	}
}

func sha(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestInitiateValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.coord.Initiate(ctx, "", 10)
	assert.True(t, apperr.Is(err, apperr.CodeInvalidRequest))
	_, err = f.coord.Initiate(ctx, "   ", 10)
	assert.True(t, apperr.Is(err, apperr.CodeInvalidRequest))
	_, err = f.coord.Initiate(ctx, "a.zip", 0)
	assert.True(t, apperr.Is(err, apperr.CodeInvalidRequest))
	_, err = f.coord.Initiate(ctx, "a.zip", -5)
	assert.True(t, apperr.Is(err, apperr.CodeInvalidRequest))
}

func TestInitiateDefaultChunkSize(t *testing.T) {
	coord := NewCoordinator(repo.NewMemoryLedger(), storage.NewBlobStore(memfs.New(), ""),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	res, err := coord.Initiate(context.Background(), "big.zip", 12*1024*1024)
	require.NoError(t, err)
	assert.Equal(t, 3, res.TotalChunks)
	assert.Equal(t, protocol.StatusUploading, res.Status)
}

// A second Initiate returns the same id and does not reallocate the blob.
func TestInitiateIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.coord.Initiate(ctx, "a.zip", 10)
	require.NoError(t, err)
	assert.Equal(t, 3, first.TotalChunks)
	assert.Empty(t, first.UploadedChunks)
	assert.NotNil(t, first.UploadedChunks)

	status, err := f.coord.IngestChunk(ctx, first.UploadID, 1, bytes.NewReader([]byte("efgh")))
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOK, status)

	second, err := f.coord.Initiate(ctx, "a.zip", 10)
	require.NoError(t, err)
	assert.Equal(t, first.UploadID, second.UploadID)
	assert.Equal(t, []int{1}, second.UploadedChunks)

	blob, err := f.blobs.Open(first.UploadID)
	require.NoError(t, err)
	defer blob.Close()
	data, err := io.ReadAll(blob)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x00\x00\x00\x00efgh\x00\x00"), data)
}

func TestIngestChunkIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	res, err := f.coord.Initiate(ctx, "a.zip", 10)
	require.NoError(t, err)

	status, err := f.coord.IngestChunk(ctx, res.UploadID, 2, bytes.NewReader([]byte("ij")))
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOK, status)

	status, err = f.coord.IngestChunk(ctx, res.UploadID, 2, bytes.NewReader([]byte("zz")))
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusAlreadyReceived, status)

	blob, err := f.blobs.Open(res.UploadID)
	require.NoError(t, err)
	defer blob.Close()
	tail := make([]byte, 2)
	_, err = blob.ReadAt(tail, 8)
	if err != nil {
		require.ErrorIs(t, err, io.EOF)
	}
	assert.Equal(t, []byte("ij"), tail)
}

func TestIngestChunkRejectsWrongLength(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	res, err := f.coord.Initiate(ctx, "a.zip", 10)
	require.NoError(t, err)

	cases := map[int][]byte{
		0: []byte("abc"),
		1: []byte("abcde"),
		2: []byte("abc"),
	}
	for idx, body := range cases {
		_, err := f.coord.IngestChunk(ctx, res.UploadID, idx, bytes.NewReader(body))
		assert.True(t, apperr.Is(err, apperr.CodeInvalidRequest), "chunk %d: %v", idx, err)
	}
	n, err := f.ledger.CountReceived(ctx, res.UploadID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIngestChunkUnknown(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	res, err := f.coord.Initiate(ctx, "a.zip", 10)
	require.NoError(t, err)

	_, err = f.coord.IngestChunk(ctx, res.UploadID, 3, bytes.NewReader([]byte("ab")))
	assert.True(t, apperr.Is(err, apperr.CodeUnknownChunk))
	_, err = f.coord.IngestChunk(ctx, res.UploadID+7, 0, bytes.NewReader([]byte("abcd")))
	assert.True(t, apperr.Is(err, apperr.CodeUnknownChunk))
	_, err = f.coord.IngestChunk(ctx, res.UploadID, -1, bytes.NewReader(nil))
	assert.True(t, apperr.Is(err, apperr.CodeInvalidRequest))
}

func TestIngestChunkDiskFailureStaysPending(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	res, err := f.coord.Initiate(ctx, "a.zip", 8)
	require.NoError(t, err)
	require.NoError(t, f.blobs.Remove(res.UploadID))

	_, err = f.coord.IngestChunk(ctx, res.UploadID, 0, bytes.NewReader([]byte("abcd")))
	require.True(t, apperr.Is(err, apperr.CodeDiskWriteFailed), "%v", err)
	assert.True(t, apperr.IsRetryable(err))

	n, err := f.ledger.CountReceived(ctx, res.UploadID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIngestChunkLedgerFailureIsRetryable(t *testing.T) {
	var fail atomic.Bool
	ledger := repo.NewMemoryLedger(repo.WithCommitHook(func(op string) error {
		if op == "receive" && fail.Load() {
			return errors.New("connection lost")
		}
		return nil
	}))
	f := newFixture(t, ledger)
	ctx := context.Background()
	res, err := f.coord.Initiate(ctx, "a.zip", 8)
	require.NoError(t, err)

	fail.Store(true)
	_, err = f.coord.IngestChunk(ctx, res.UploadID, 0, bytes.NewReader([]byte("abcd")))
	require.True(t, apperr.Is(err, apperr.CodeLedgerUpdateFailed), "%v", err)

	fail.Store(false)
	status, err := f.coord.IngestChunk(ctx, res.UploadID, 0, bytes.NewReader([]byte("abcd")))
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOK, status)
}

// N concurrent deliveries of one chunk: exactly one ok, the rest already_received.
func TestIngestChunkConcurrent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	res, err := f.coord.Initiate(ctx, "a.zip", 8)
	require.NoError(t, err)

	const n = 12
	var mu sync.Mutex
	counts := map[string]int{}
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			status, err := f.coord.IngestChunk(ctx, res.UploadID, 1, bytes.NewReader([]byte("wxyz")))
			if err != nil {
				return err
			}
			mu.Lock()
			counts[status]++
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 1, counts[protocol.StatusOK])
	assert.Equal(t, n-1, counts[protocol.StatusAlreadyReceived])
}

func TestFinalizeLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	data := []byte("0123456789")
	res, err := f.coord.Initiate(ctx, "a.bin", int64(len(data)))
	require.NoError(t, err)

	f.upload(t, res.UploadID, data, 1)
	out, err := f.coord.Finalize(ctx, res.UploadID)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusNotReady, out.Status)

	resumed, err := f.coord.Initiate(ctx, "a.bin", int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, resumed.UploadedChunks)

	_, err = f.coord.IngestChunk(ctx, res.UploadID, 1, bytes.NewReader(data[4:8]))
	require.NoError(t, err)

	out, err = f.coord.Finalize(ctx, res.UploadID)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusCompleted, out.Status)
	assert.Equal(t, sha(data), out.Hash)
	assert.Equal(t, []string{}, out.Entries)

	again, err := f.coord.Finalize(ctx, res.UploadID)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusAlreadyCompleted, again.Status)
	assert.Equal(t, out.Hash, again.Hash)

	reinit, err := f.coord.Initiate(ctx, "a.bin", int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, res.UploadID, reinit.UploadID)
	assert.Equal(t, protocol.StatusAlreadyCompleted, reinit.Status)
	assert.Empty(t, reinit.UploadedChunks)

	status, err := f.coord.IngestChunk(ctx, res.UploadID, 0, bytes.NewReader(data[:4]))
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusAlreadyReceived, status)
}

func TestFinalizeZipEntries(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	data := buildZip(t, "a.txt", "dir/", "dir/b.txt")
	res, err := f.coord.Initiate(ctx, "bundle.zip", int64(len(data)))
	require.NoError(t, err)
	f.upload(t, res.UploadID, data)

	out, err := f.coord.Finalize(ctx, res.UploadID)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusCompleted, out.Status)
	assert.Equal(t, []string{"a.txt", "dir/", "dir/b.txt"}, out.Entries)
	assert.Equal(t, sha(data), out.Hash)
}

func TestFinalizeUnknownUpload(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.coord.Finalize(context.Background(), 42)
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
	_, err = f.coord.Finalize(context.Background(), 0)
	assert.True(t, apperr.Is(err, apperr.CodeInvalidRequest))
}

// While another caller holds the finalize lock the upload reports not_ready.
func TestFinalizeLockBusy(t *testing.T) {
	locker := repo.NewLocalLocker()
	f := newFixture(t, nil, WithLocker(locker))
	ctx := context.Background()
	data := []byte("abcdefgh")
	res, err := f.coord.Initiate(ctx, "a.bin", int64(len(data)))
	require.NoError(t, err)
	f.upload(t, res.UploadID, data)

	held := locker.NewLock(finalizeLockKey(res.UploadID), time.Minute)
	require.NoError(t, held.Lock(ctx))
	out, err := f.coord.Finalize(ctx, res.UploadID)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusNotReady, out.Status)

	require.NoError(t, held.Unlock(ctx))
	out, err = f.coord.Finalize(ctx, res.UploadID)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusCompleted, out.Status)
}

type countingVerifier struct {
	calls atomic.Int32
	err   error
	delay time.Duration
}

func (v *countingVerifier) Verify(ctx context.Context, blob io.ReaderAt, size int64) (*Verification, error) {
	v.calls.Add(1)
	time.Sleep(v.delay)
	if v.err != nil {
		return nil, v.err
	}
	return ZipVerifier{}.Verify(ctx, blob, size)
}

func TestFinalizeVerifyFailureIsRetryable(t *testing.T) {
	verifier := &countingVerifier{err: errors.New("read error")}
	f := newFixture(t, nil, WithVerifier(verifier))
	ctx := context.Background()
	data := []byte("abcdefgh")
	res, err := f.coord.Initiate(ctx, "a.bin", int64(len(data)))
	require.NoError(t, err)
	f.upload(t, res.UploadID, data)

	_, err = f.coord.Finalize(ctx, res.UploadID)
	require.True(t, apperr.Is(err, apperr.CodeFinalizeFailed))
	u, err := f.ledger.GetUpload(ctx, res.UploadID)
	require.NoError(t, err)
	assert.False(t, u.IsCompleted())

	verifier.err = nil
	out, err := f.coord.Finalize(ctx, res.UploadID)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusCompleted, out.Status)
}

// Concurrent Finalize calls hash the blob once and agree on the result.
func TestFinalizeConcurrentVerifiesOnce(t *testing.T) {
	verifier := &countingVerifier{delay: 20 * time.Millisecond}
	f := newFixture(t, nil, WithVerifier(verifier))
	ctx := context.Background()
	data := []byte("abcdefgh")
	res, err := f.coord.Initiate(ctx, "a.bin", int64(len(data)))
	require.NoError(t, err)
	f.upload(t, res.UploadID, data)

	var g errgroup.Group
	results := make([]*FinalizeResult, 8)
	for i := range results {
		g.Go(func() error {
			out, err := f.coord.Finalize(ctx, res.UploadID)
			results[i] = out
			return err
		})
	}
	require.NoError(t, g.Wait())

	completed := 0
	for _, r := range results {
		switch r.Status {
		case protocol.StatusCompleted:
			completed++
			assert.Equal(t, sha(data), r.Hash)
		case protocol.StatusAlreadyCompleted:
			assert.Equal(t, sha(data), r.Hash)
		default:
			assert.Equal(t, protocol.StatusNotReady, r.Status)
		}
	}
	assert.Equal(t, 1, completed)
	assert.EqualValues(t, 1, verifier.calls.Load())
}

type recordingQueue struct {
	mu       sync.Mutex
	calls    int
	enqueued []uint64
	// failures is how many Enqueue calls fail before one succeeds.
	failures     int
	sawCancelled bool
	task         *model.ArchiveTask
}

func (q *recordingQueue) Enqueue(ctx context.Context, u *model.Upload) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	if ctx.Err() != nil {
		q.sawCancelled = true
		return ctx.Err()
	}
	if q.failures > 0 {
		q.failures--
		return errors.New("broker down")
	}
	q.enqueued = append(q.enqueued, u.ID)
	return nil
}

func (q *recordingQueue) attempts() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.calls
}

func (q *recordingQueue) Lookup(context.Context, uint64) (*model.ArchiveTask, error) {
	return q.task, nil
}

// An archive enqueue that fails is retried by the next Finalize, whether
// the result comes from the cache or the ledger.
func TestFinalizeRedrivesArchiveEnqueue(t *testing.T) {
	queue := &recordingQueue{failures: 1}
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	cache := NewRedisResultCache(utils.NewRedisCache(rdb), time.Hour, nil)
	f := newFixture(t, nil, WithArchiveQueue(queue), WithResultCache(cache))
	ctx := context.Background()
	data := []byte("abcdefgh")
	res, err := f.coord.Initiate(ctx, "a.bin", int64(len(data)))
	require.NoError(t, err)
	f.upload(t, res.UploadID, data)

	out, err := f.coord.Finalize(ctx, res.UploadID)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusCompleted, out.Status)
	assert.Equal(t, 1, queue.attempts())
	assert.Empty(t, queue.enqueued)

	again, err := f.coord.Finalize(ctx, res.UploadID)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusAlreadyCompleted, again.Status)
	assert.Equal(t, 2, queue.attempts())
	assert.Equal(t, []uint64{res.UploadID}, queue.enqueued)

	mr.FlushAll()
	_, err = f.coord.Finalize(ctx, res.UploadID)
	require.NoError(t, err)
	assert.Equal(t, 3, queue.attempts())
}

// cancellingLedger cancels the request right after the upload is committed.
type cancellingLedger struct {
	*repo.MemoryLedger
	cancel context.CancelFunc
}

func (l cancellingLedger) Complete(ctx context.Context, uploadID uint64, hash string, entries []string, at time.Time) (*model.Upload, error) {
	u, err := l.MemoryLedger.Complete(ctx, uploadID, hash, entries, at)
	l.cancel()
	return u, err
}

func TestFinalizeEnqueuesArchiveAfterClientLeaves(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ledger := cancellingLedger{MemoryLedger: repo.NewMemoryLedger(), cancel: cancel}
	queue := &recordingQueue{}
	coord := NewCoordinator(ledger, storage.NewBlobStore(memfs.New(), ""),
		WithChunkSize(testChunkSize),
		WithArchiveQueue(queue),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	data := []byte("abcdef")
	res, err := coord.Initiate(ctx, "a.bin", int64(len(data)))
	require.NoError(t, err)
	for i := 0; i < res.TotalChunks; i++ {
		_, err := coord.IngestChunk(ctx, res.UploadID, i, bytes.NewReader(data[i*testChunkSize:min((i+1)*testChunkSize, len(data))]))
		require.NoError(t, err)
	}

	out, err := coord.Finalize(ctx, res.UploadID)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusCompleted, out.Status)
	assert.Equal(t, []uint64{res.UploadID}, queue.enqueued)
	assert.False(t, queue.sawCancelled)
}

func TestFinalizeUsesResultCache(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	cache := NewRedisResultCache(utils.NewRedisCache(rdb), time.Hour, nil)

	f := newFixture(t, nil, WithResultCache(cache))
	ctx := context.Background()
	data := buildZip(t, "x.txt")
	res, err := f.coord.Initiate(ctx, "x.zip", int64(len(data)))
	require.NoError(t, err)
	f.upload(t, res.UploadID, data)

	out, err := f.coord.Finalize(ctx, res.UploadID)
	require.NoError(t, err)

	cached, ok := cache.Load(ctx, res.UploadID)
	require.True(t, ok)
	assert.Equal(t, out.Hash, cached.Hash)
	assert.Equal(t, []string{"x.txt"}, cached.Entries)

	// Served from the cache even if the ledger becomes unreachable.
	cold := NewCoordinator(repo.NewMemoryLedger(), f.blobs, WithResultCache(cache), WithChunkSize(testChunkSize))
	again, err := cold.Finalize(ctx, res.UploadID)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusAlreadyCompleted, again.Status)
	assert.Equal(t, out.Hash, again.Hash)
}

type linkStore struct{}

func (linkStore) PutObject(context.Context, string, string, io.Reader, int64, storage.PutOptions) error {
	return nil
}

func (linkStore) StatObject(context.Context, string, string) (storage.ObjectInfo, error) {
	return storage.ObjectInfo{}, nil
}

func (linkStore) RemoveObject(context.Context, string, string) error { return nil }

func (linkStore) PresignedGetObject(_ context.Context, _, object string, expiry time.Duration) (string, error) {
	return "https://archive.example/" + object + "?ttl=" + expiry.String(), nil
}

func TestArchiveLinkerPendingTask(t *testing.T) {
	l := NewArchiveLinker(linkStore{}, 0)
	url, err := l.DownloadURL(context.Background(), &model.ArchiveTask{Status: model.ArchiveStatusRunning})
	require.NoError(t, err)
	assert.Empty(t, url)

	_, err = NewArchiveLinker(nil, time.Minute).DownloadURL(context.Background(), &model.ArchiveTask{Status: model.ArchiveStatusCompleted})
	assert.Error(t, err)
}

func TestStatus(t *testing.T) {
	queue := &recordingQueue{task: &model.ArchiveTask{Status: model.ArchiveStatusCompleted, ObjectName: "uploads/1/a.bin"}}
	f := newFixture(t, nil, WithArchiveQueue(queue), WithArchiveLinker(NewArchiveLinker(linkStore{}, time.Minute)))
	ctx := context.Background()
	data := []byte("abcdefghij")
	res, err := f.coord.Initiate(ctx, "a.bin", int64(len(data)))
	require.NoError(t, err)
	f.upload(t, res.UploadID, data, 0)

	st, err := f.coord.Status(ctx, res.UploadID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, st.ReceivedChunks)
	assert.Nil(t, st.Archive)

	_, err = f.coord.IngestChunk(ctx, res.UploadID, 0, bytes.NewReader(data[:4]))
	require.NoError(t, err)
	_, err = f.coord.Finalize(ctx, res.UploadID)
	require.NoError(t, err)

	st, err = f.coord.Status(ctx, res.UploadID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, st.ReceivedChunks)
	assert.True(t, st.Upload.IsCompleted())
	require.NotNil(t, st.Archive)
	assert.Equal(t, "uploads/1/a.bin", st.Archive.ObjectName)
	assert.Equal(t, "https://archive.example/uploads/1/a.bin?ttl=1m0s", st.ArchiveURL)

	_, err = f.coord.Status(ctx, 999)
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
}
