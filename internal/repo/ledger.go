package repo

import (
	"context"
	"errors"
	"time"

	"Go_Upload/model"
)

var (
	ErrUploadNotFound = errors.New("upload not found")
	ErrChunkNotFound  = errors.New("chunk not registered")
)

// InitResult is what Initiate found or created.
type InitResult struct {
	Upload   model.Upload
	Created  bool
	Received []int
}

// ReadyState is the upload row read under lock plus the number of chunks not yet received.
type ReadyState struct {
	Upload  model.Upload
	Pending int64
}

// Allocator runs inside the Initiate transaction, once, right after a new
// upload row and its chunk rows have been inserted. An error rolls them back.
type Allocator func(upload *model.Upload) error

// ChunkWriter runs while the chunk row is locked and still PENDING. The row
// flips to RECEIVED only if it returns nil.
type ChunkWriter func(upload *model.Upload) error

// Ledger is the durable record of upload and chunk progress.
type Ledger interface {
	// Initiate returns the most recent upload for (filename, totalSize),
	// creating it with all chunk rows PENDING when none exists. Received is
	// empty for a completed upload.
	Initiate(ctx context.Context, filename string, totalSize, chunkSize int64, allocate Allocator) (*InitResult, error)

	// ReceiveChunk locks one chunk row. It reports alreadyReceived without
	// calling write when the row is RECEIVED.
	ReceiveChunk(ctx context.Context, uploadID uint64, chunkIndex int, write ChunkWriter) (alreadyReceived bool, err error)

	// CheckReady reads the upload under lock and counts chunks not RECEIVED.
	CheckReady(ctx context.Context, uploadID uint64) (*ReadyState, error)

	// Complete moves an UPLOADING upload to COMPLETED with its hash and
	// entries and returns the stored row. A row that is already COMPLETED is
	// returned unchanged.
	Complete(ctx context.Context, uploadID uint64, hash string, entries []string, at time.Time) (*model.Upload, error)

	GetUpload(ctx context.Context, uploadID uint64) (*model.Upload, error)
	CountReceived(ctx context.Context, uploadID uint64) (int64, error)
}
