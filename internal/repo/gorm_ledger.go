package repo

import (
	"Go_Upload/internal/protocol"
	"Go_Upload/model"
	"context"
	"errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"time"
)

// initiateAttempts bounds retries of Initiate when two first-time
// initiations of the same file collide on the gap lock.
const initiateAttempts = 3

const chunkInsertBatch = 500

// GormLedger keeps the ledger in MySQL. Row locks are taken with SELECT ... FOR UPDATE.
type GormLedger struct {
	db *gorm.DB
}

// NewGormLedger wraps db. A nil db falls back to the package-level Db.
func NewGormLedger(db *gorm.DB) *GormLedger {
	if db == nil {
		db = Db
	}
	return &GormLedger{db: db}
}

func forUpdate() clause.Locking {
	return clause.Locking{Strength: clause.LockingStrengthUpdate}
}

func (l *GormLedger) Initiate(ctx context.Context, filename string, totalSize, chunkSize int64, allocate Allocator) (*InitResult, error) {
	var (
		res *InitResult
		err error
	)
	for attempt := 0; attempt < initiateAttempts; attempt++ {
		res, err = l.initiateOnce(ctx, filename, totalSize, chunkSize, allocate)
		if err == nil || !isLockConflict(err) {
			return res, err
		}
	}
	return nil, err
}

func (l *GormLedger) initiateOnce(ctx context.Context, filename string, totalSize, chunkSize int64, allocate Allocator) (*InitResult, error) {
	res := &InitResult{Received: []int{}}
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.Upload
		err := tx.Clauses(forUpdate()).
			Where("filename = ? AND total_size = ?", filename, totalSize).
			Order("id DESC").
			Take(&existing).Error
		switch {
		case err == nil:
			res.Upload = existing
			if existing.IsCompleted() {
				return nil
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			upload, createErr := createUpload(tx, filename, totalSize, chunkSize)
			if createErr != nil {
				return createErr
			}
			if allocate != nil {
				if allocErr := allocate(upload); allocErr != nil {
					return allocErr
				}
			}
			res.Upload = *upload
			res.Created = true
			return nil
		default:
			return err
		}

		var received []int
		if err := tx.Model(&model.Chunk{}).
			Where("upload_id = ? AND status = ?", existing.ID, model.ChunkStatusReceived).
			Order("chunk_index ASC").
			Pluck("chunk_index", &received).Error; err != nil {
			return err
		}
		if received != nil {
			res.Received = received
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func createUpload(tx *gorm.DB, filename string, totalSize, chunkSize int64) (*model.Upload, error) {
	upload := &model.Upload{
		Filename:    filename,
		TotalSize:   totalSize,
		TotalChunks: protocol.TotalChunks(totalSize, chunkSize),
		Status:      model.UploadStatusUploading,
	}
	if err := tx.Create(upload).Error; err != nil {
		return nil, err
	}
	if upload.TotalChunks == 0 {
		return upload, nil
	}
	chunks := make([]model.Chunk, upload.TotalChunks)
	for i := range chunks {
		chunks[i] = model.Chunk{
			UploadID:   upload.ID,
			ChunkIndex: i,
			Status:     model.ChunkStatusPending,
		}
	}
	if err := tx.CreateInBatches(chunks, chunkInsertBatch).Error; err != nil {
		return nil, err
	}
	return upload, nil
}

func (l *GormLedger) ReceiveChunk(ctx context.Context, uploadID uint64, chunkIndex int, write ChunkWriter) (bool, error) {
	already := false
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var chunk model.Chunk
		err := tx.Clauses(forUpdate()).
			Where("upload_id = ? AND chunk_index = ?", uploadID, chunkIndex).
			Take(&chunk).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrChunkNotFound
		}
		if err != nil {
			return err
		}
		if chunk.Status == model.ChunkStatusReceived {
			already = true
			return nil
		}

		var upload model.Upload
		if err := tx.Where("id = ?", uploadID).Take(&upload).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrChunkNotFound
			}
			return err
		}
		if err := write(&upload); err != nil {
			return err
		}
		now := time.Now()
		return tx.Model(&model.Chunk{}).
			Where("id = ?", chunk.ID).
			Updates(map[string]interface{}{
				"status":      model.ChunkStatusReceived,
				"received_at": now,
			}).Error
	})
	if err != nil {
		return false, err
	}
	return already, nil
}

func (l *GormLedger) CheckReady(ctx context.Context, uploadID uint64) (*ReadyState, error) {
	state := &ReadyState{}
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(forUpdate()).Where("id = ?", uploadID).Take(&state.Upload).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUploadNotFound
		}
		if err != nil {
			return err
		}
		if state.Upload.IsCompleted() {
			return nil
		}
		return tx.Model(&model.Chunk{}).
			Where("upload_id = ? AND status <> ?", uploadID, model.ChunkStatusReceived).
			Count(&state.Pending).Error
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (l *GormLedger) Complete(ctx context.Context, uploadID uint64, hash string, entries []string, at time.Time) (*model.Upload, error) {
	var upload model.Upload
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if entries == nil {
			entries = []string{}
		}
		if err := tx.Model(&model.Upload{}).
			Where("id = ? AND status = ?", uploadID, model.UploadStatusUploading).
			Updates(map[string]interface{}{
				"status":               model.UploadStatusCompleted,
				"final_hash":           hash,
				"verification_entries": model.EntryList(entries),
				"completed_at":         at,
			}).Error; err != nil {
			return err
		}
		err := tx.Where("id = ?", uploadID).Take(&upload).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUploadNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &upload, nil
}

func (l *GormLedger) GetUpload(ctx context.Context, uploadID uint64) (*model.Upload, error) {
	var upload model.Upload
	err := l.db.WithContext(ctx).Where("id = ?", uploadID).Take(&upload).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUploadNotFound
	}
	if err != nil {
		return nil, err
	}
	return &upload, nil
}

func (l *GormLedger) CountReceived(ctx context.Context, uploadID uint64) (int64, error) {
	var n int64
	err := l.db.WithContext(ctx).
		Model(&model.Chunk{}).
		Where("upload_id = ? AND status = ?", uploadID, model.ChunkStatusReceived).
		Count(&n).Error
	return n, err
}
