package storage

import (
	"context"
	"io"
	"time"
)

// PutOptions describes upload options for object storage.
type PutOptions struct {
	ContentType  string
	UserMetadata map[string]string
}

// ObjectInfo is the subset of object metadata the archive path reads.
type ObjectInfo struct {
	ObjectName string
	Size       int64
	ETag       string
}

// Store abstracts the object storage that receives archived uploads.
type Store interface {
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts PutOptions) error
	StatObject(ctx context.Context, bucket, object string) (ObjectInfo, error)
	RemoveObject(ctx context.Context, bucket, object string) error
	PresignedGetObject(ctx context.Context, bucket, object string, expiry time.Duration) (string, error)
}

// Default is the archive object store instance.
var Default Store
