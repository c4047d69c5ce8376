package service

import (
	"Go_Upload/internal/storage"
	"Go_Upload/model"
	"context"
	"errors"
	"time"
)

// ArchiveLinker signs download URLs for uploads that reached the archive.
type ArchiveLinker struct {
	store  storage.Store
	expiry time.Duration
}

func NewArchiveLinker(store storage.Store, expiry time.Duration) *ArchiveLinker {
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}
	return &ArchiveLinker{store: store, expiry: expiry}
}

// DownloadURL returns a presigned URL for the archived object, or "" while
// the task has not completed.
func (l *ArchiveLinker) DownloadURL(ctx context.Context, task *model.ArchiveTask) (string, error) {
	if task == nil || task.Status != model.ArchiveStatusCompleted {
		return "", nil
	}
	if l.store == nil {
		return "", errors.New("archive storage not initialized")
	}
	return l.store.PresignedGetObject(ctx, task.Bucket, task.ObjectName, l.expiry)
}
