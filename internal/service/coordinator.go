package service

import (
	"Go_Upload/internal/apperr"
	"Go_Upload/internal/bufpool"
	"Go_Upload/internal/protocol"
	"Go_Upload/internal/repo"
	"Go_Upload/internal/storage"
	"Go_Upload/model"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

const maxFilenameLen = 255

// ResultCache remembers the verification of completed uploads.
type ResultCache interface {
	Load(ctx context.Context, uploadID uint64) (*Verification, bool)
	Store(ctx context.Context, uploadID uint64, v *Verification)
}

// ArchiveQueue schedules completed uploads for archiving and reports on them.
type ArchiveQueue interface {
	Enqueue(ctx context.Context, upload *model.Upload) error
	Lookup(ctx context.Context, uploadID uint64) (*model.ArchiveTask, error)
}

// InitiateResult is returned by Initiate.
type InitiateResult struct {
	UploadID       uint64
	TotalChunks    int
	UploadedChunks []int
	Status         string
}

// FinalizeResult is returned by Finalize. Hash and Entries are empty when
// Status is not_ready.
type FinalizeResult struct {
	Status  string
	Hash    string
	Entries []string
}

// StatusResult describes an upload for the status endpoint.
type StatusResult struct {
	Upload         model.Upload
	ReceivedChunks int64
	Archive        *model.ArchiveTask
	ArchiveURL     string
}

// Coordinator runs the server side of the transfer: Initiate, IngestChunk
// and Finalize over a Ledger and a BlobStore.
type Coordinator struct {
	ledger    repo.Ledger
	blobs     *storage.BlobStore
	verifier  Verifier
	locker    repo.Locker
	results   ResultCache
	archive   ArchiveQueue
	links     *ArchiveLinker
	chunkSize int64
	lockTTL   time.Duration
	bodies    *bufpool.Pool
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithVerifier(v Verifier) Option {
	return func(c *Coordinator) { c.verifier = v }
}

// WithLocker sets the locker that serializes Finalize per upload.
func WithLocker(l repo.Locker) Option {
	return func(c *Coordinator) { c.locker = l }
}

func WithResultCache(rc ResultCache) Option {
	return func(c *Coordinator) { c.results = rc }
}

func WithArchiveQueue(q ArchiveQueue) Option {
	return func(c *Coordinator) { c.archive = q }
}

// WithArchiveLinker adds presigned download links of archived uploads to Status.
func WithArchiveLinker(l *ArchiveLinker) Option {
	return func(c *Coordinator) { c.links = l }
}

// WithChunkSize overrides protocol.ChunkSize. Tests use small chunks.
func WithChunkSize(n int64) Option {
	return func(c *Coordinator) { c.chunkSize = n }
}

func WithLockTTL(d time.Duration) Option {
	return func(c *Coordinator) { c.lockTTL = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func NewCoordinator(ledger repo.Ledger, blobs *storage.BlobStore, opts ...Option) *Coordinator {
	c := &Coordinator{
		ledger:    ledger,
		blobs:     blobs,
		verifier:  ZipVerifier{},
		locker:    repo.NewLocalLocker(),
		chunkSize: protocol.ChunkSize,
		lockTTL:   10 * time.Minute,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	// One spare byte detects oversized bodies.
	c.bodies = bufpool.New(int(c.chunkSize) + 1)
	return c
}

// ChunkSize returns the chunk size this coordinator splits uploads by.
func (c *Coordinator) ChunkSize() int64 {
	return c.chunkSize
}

// Initiate creates or resumes the upload identified by (filename, totalSize).
func (c *Coordinator) Initiate(ctx context.Context, filename string, totalSize int64) (*InitiateResult, error) {
	if strings.TrimSpace(filename) == "" {
		return nil, apperr.New(apperr.CodeInvalidRequest, "filename is required")
	}
	if len(filename) > maxFilenameLen {
		return nil, apperr.Newf(apperr.CodeInvalidRequest, "filename longer than %d bytes", maxFilenameLen)
	}
	if totalSize <= 0 {
		return nil, apperr.New(apperr.CodeInvalidRequest, "totalSize must be positive")
	}

	res, err := c.ledger.Initiate(ctx, filename, totalSize, c.chunkSize, func(u *model.Upload) error {
		return apperr.Wrap(apperr.CodeDiskWriteFailed, "allocate blob", c.blobs.Allocate(u.ID, u.TotalSize))
	})
	if err != nil {
		var coded *apperr.Error
		if errors.As(err, &coded) {
			return nil, err
		}
		return nil, apperr.Wrap(apperr.CodeLedgerUpdateFailed, "initiate upload", err)
	}

	out := &InitiateResult{
		UploadID:       res.Upload.ID,
		TotalChunks:    res.Upload.TotalChunks,
		UploadedChunks: res.Received,
		Status:         protocol.StatusUploading,
	}
	if out.UploadedChunks == nil {
		out.UploadedChunks = []int{}
	}
	if res.Upload.IsCompleted() {
		out.Status = protocol.StatusAlreadyCompleted
	}
	c.logger.Info("upload initiated",
		"upload_id", out.UploadID,
		"filename", filename,
		"total_size", totalSize,
		"total_chunks", out.TotalChunks,
		"received", len(out.UploadedChunks),
		"created", res.Created,
		"status", out.Status,
	)
	return out, nil
}

// IngestChunk applies one chunk body exactly once. Repeated deliveries of a
// received chunk report already_received and leave the blob untouched.
func (c *Coordinator) IngestChunk(ctx context.Context, uploadID uint64, chunkIndex int, body io.Reader) (string, error) {
	if uploadID == 0 || chunkIndex < 0 {
		return "", apperr.New(apperr.CodeInvalidRequest, "upload id and chunk index are required")
	}

	buf := c.bodies.Get()
	defer c.bodies.Put(buf)
	n, err := bufpool.Fill(body, buf)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeInvalidRequest, "read chunk body", err)
	}
	if int64(n) > c.chunkSize {
		return "", apperr.Newf(apperr.CodeInvalidRequest, "chunk body exceeds %d bytes", c.chunkSize)
	}
	data := buf[:n]

	already, err := c.ledger.ReceiveChunk(ctx, uploadID, chunkIndex, func(u *model.Upload) error {
		offset, length, err := protocol.ChunkRange(chunkIndex, u.TotalSize, c.chunkSize)
		if err != nil {
			return apperr.Wrap(apperr.CodeUnknownChunk, "chunk range", err)
		}
		if int64(len(data)) != length {
			return apperr.Newf(apperr.CodeInvalidRequest, "chunk %d expects %d bytes, got %d", chunkIndex, length, len(data))
		}
		return apperr.Wrap(apperr.CodeDiskWriteFailed, "write chunk", c.blobs.WriteAt(uploadID, offset, data))
	})
	if err != nil {
		return "", classifyIngestError(err, uploadID, chunkIndex)
	}
	if already {
		c.logger.Debug("chunk already received", "upload_id", uploadID, "chunk", chunkIndex)
		return protocol.StatusAlreadyReceived, nil
	}
	c.logger.Debug("chunk received", "upload_id", uploadID, "chunk", chunkIndex, "bytes", n)
	return protocol.StatusOK, nil
}

func classifyIngestError(err error, uploadID uint64, chunkIndex int) error {
	if errors.Is(err, repo.ErrChunkNotFound) {
		return apperr.Wrap(apperr.CodeUnknownChunk, fmt.Sprintf("upload %d has no chunk %d", uploadID, chunkIndex), err)
	}
	var coded *apperr.Error
	if errors.As(err, &coded) {
		return err
	}
	return apperr.Wrap(apperr.CodeLedgerUpdateFailed, "mark chunk received", err)
}

// Finalize verifies a fully received upload once and marks it COMPLETED.
func (c *Coordinator) Finalize(ctx context.Context, uploadID uint64) (*FinalizeResult, error) {
	if uploadID == 0 {
		return nil, apperr.New(apperr.CodeInvalidRequest, "uploadId is required")
	}
	if v, ok := c.loadResult(ctx, uploadID); ok {
		c.redriveArchive(ctx, uploadID)
		return &FinalizeResult{Status: protocol.StatusAlreadyCompleted, Hash: v.Hash, Entries: v.Entries}, nil
	}

	state, err := c.ledger.CheckReady(ctx, uploadID)
	if err != nil {
		return nil, classifyLookupError(err, apperr.CodeFinalizeFailed, uploadID)
	}
	if state.Upload.IsCompleted() {
		c.enqueueArchive(ctx, &state.Upload)
		return c.completedResult(ctx, &state.Upload, protocol.StatusAlreadyCompleted), nil
	}
	if state.Pending > 0 {
		c.logger.Debug("finalize not ready", "upload_id", uploadID, "pending", state.Pending)
		return &FinalizeResult{Status: protocol.StatusNotReady}, nil
	}

	lock := c.locker.NewLock(finalizeLockKey(uploadID), c.lockTTL)
	if err := lock.Lock(ctx); err != nil {
		if errors.Is(err, repo.ErrLockBusy) {
			return &FinalizeResult{Status: protocol.StatusNotReady}, nil
		}
		return nil, apperr.Wrap(apperr.CodeFinalizeFailed, "acquire finalize lock", err)
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := lock.Unlock(unlockCtx); err != nil {
			c.logger.Warn("release finalize lock", "upload_id", uploadID, "err", err)
		}
	}()

	upload, err := c.ledger.GetUpload(ctx, uploadID)
	if err != nil {
		return nil, classifyLookupError(err, apperr.CodeFinalizeFailed, uploadID)
	}
	if upload.IsCompleted() {
		c.enqueueArchive(ctx, upload)
		return c.completedResult(ctx, upload, protocol.StatusAlreadyCompleted), nil
	}

	started := c.now()
	v, err := c.verify(ctx, upload)
	if err != nil {
		c.logger.Error("finalize verification failed", "upload_id", uploadID, "err", err)
		return nil, apperr.Wrap(apperr.CodeFinalizeFailed, "verify blob", err)
	}
	done, err := c.ledger.Complete(ctx, uploadID, v.Hash, v.Entries, c.now())
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeFinalizeFailed, "mark upload completed", err)
	}

	res := c.completedResult(ctx, done, protocol.StatusCompleted)
	c.logger.Info("upload completed",
		"upload_id", uploadID,
		"hash", res.Hash,
		"entries", len(res.Entries),
		"elapsed", c.now().Sub(started),
	)
	c.enqueueArchive(ctx, done)
	return res, nil
}

// enqueueArchive hands a completed upload to the archive queue. The queue
// ignores uploads it already handled, so every Finalize of a completed upload
// calls it and an earlier failed enqueue is retried. It outlives the request
// because the upload is already committed.
func (c *Coordinator) enqueueArchive(ctx context.Context, upload *model.Upload) {
	if c.archive == nil {
		return
	}
	if err := c.archive.Enqueue(context.WithoutCancel(ctx), upload); err != nil {
		c.logger.Warn("enqueue archive task", "upload_id", upload.ID, "err", err)
	}
}

// redriveArchive is enqueueArchive for the cached path, which has no row.
func (c *Coordinator) redriveArchive(ctx context.Context, uploadID uint64) {
	if c.archive == nil {
		return
	}
	upload, err := c.ledger.GetUpload(context.WithoutCancel(ctx), uploadID)
	if err != nil {
		c.logger.Warn("load upload for archive", "upload_id", uploadID, "err", err)
		return
	}
	c.enqueueArchive(ctx, upload)
}

func (c *Coordinator) verify(ctx context.Context, upload *model.Upload) (*Verification, error) {
	blob, err := c.blobs.Open(upload.ID)
	if err != nil {
		return nil, err
	}
	defer blob.Close()
	if blob.Size() != upload.TotalSize {
		return nil, fmt.Errorf("blob is %d bytes, want %d", blob.Size(), upload.TotalSize)
	}
	return c.verifier.Verify(ctx, blob, upload.TotalSize)
}

// completedResult builds the response from the stored row so every caller
// sees the values of the first completion.
func (c *Coordinator) completedResult(ctx context.Context, upload *model.Upload, status string) *FinalizeResult {
	v := &Verification{Entries: []string{}}
	if upload.FinalHash != nil {
		v.Hash = *upload.FinalHash
	}
	if upload.VerificationEntries != nil {
		v.Entries = []string(upload.VerificationEntries)
	}
	if c.results != nil {
		c.results.Store(ctx, upload.ID, v)
	}
	return &FinalizeResult{Status: status, Hash: v.Hash, Entries: v.Entries}
}

func (c *Coordinator) loadResult(ctx context.Context, uploadID uint64) (*Verification, bool) {
	if c.results == nil {
		return nil, false
	}
	return c.results.Load(ctx, uploadID)
}

// Status reports the upload's progress, its verification and archive state.
func (c *Coordinator) Status(ctx context.Context, uploadID uint64) (*StatusResult, error) {
	if uploadID == 0 {
		return nil, apperr.New(apperr.CodeInvalidRequest, "upload id is required")
	}
	upload, err := c.ledger.GetUpload(ctx, uploadID)
	if err != nil {
		return nil, classifyLookupError(err, apperr.CodeInternal, uploadID)
	}
	out := &StatusResult{Upload: *upload, ReceivedChunks: int64(upload.TotalChunks)}
	if !upload.IsCompleted() {
		n, err := c.ledger.CountReceived(ctx, uploadID)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeInternal, "count received chunks", err)
		}
		out.ReceivedChunks = n
	}
	if c.archive != nil && upload.IsCompleted() {
		task, err := c.archive.Lookup(ctx, uploadID)
		if err != nil {
			c.logger.Warn("lookup archive task", "upload_id", uploadID, "err", err)
		}
		out.Archive = task
		if c.links != nil && task != nil {
			url, err := c.links.DownloadURL(ctx, task)
			if err != nil {
				c.logger.Warn("sign archive link", "upload_id", uploadID, "err", err)
			}
			out.ArchiveURL = url
		}
	}
	return out, nil
}

func classifyLookupError(err error, fallback apperr.Code, uploadID uint64) error {
	if errors.Is(err, repo.ErrUploadNotFound) {
		return apperr.Wrap(apperr.CodeNotFound, fmt.Sprintf("upload %d", uploadID), err)
	}
	return apperr.Wrap(fallback, "read upload", err)
}

func finalizeLockKey(uploadID uint64) string {
	return fmt.Sprintf("lock:finalize:%d", uploadID)
}
