package storage

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
)

// BlobStore keeps one preallocated file per upload. Chunks are written in
// place at their offsets; the file is never truncated after allocation.
type BlobStore struct {
	fs      billy.Filesystem
	pattern string
}

// Blob is an open blob file for reading.
type Blob interface {
	io.ReaderAt
	io.Reader
	io.Closer
	Size() int64
}

// NewBlobStore stores blobs on fs, naming them with pattern (for example "upload_%d.data").
func NewBlobStore(fs billy.Filesystem, pattern string) *BlobStore {
	if pattern == "" {
		pattern = "upload_%d.data"
	}
	return &BlobStore{fs: fs, pattern: pattern}
}

// NewLocalBlobStore stores blobs under dir on the local disk.
func NewLocalBlobStore(dir, pattern string) (*BlobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return NewBlobStore(osfs.New(dir, osfs.WithBoundOS()), pattern), nil
}

// Name returns the blob's file name relative to the store root.
func (s *BlobStore) Name(uploadID uint64) string {
	return fmt.Sprintf(s.pattern, uploadID)
}

// Allocate creates or resets the blob and sizes it to size bytes.
func (s *BlobStore) Allocate(uploadID uint64, size int64) error {
	f, err := s.fs.OpenFile(s.Name(uploadID), os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("allocate blob %d: %w", uploadID, err)
	}
	if err := f.Truncate(size); err != nil {
		_ = f.Close()
		return fmt.Errorf("allocate blob %d: %w", uploadID, err)
	}
	return f.Close()
}

type syncer interface {
	Sync() error
}

// WriteAt writes data at offset and flushes it to stable storage when the
// filesystem supports it. The blob must already exist.
func (s *BlobStore) WriteAt(uploadID uint64, offset int64, data []byte) (err error) {
	f, err := s.fs.OpenFile(s.Name(uploadID), os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open blob %d: %w", uploadID, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close blob %d: %w", uploadID, cerr)
		}
	}()

	var n int
	if w, ok := f.(io.WriterAt); ok {
		n, err = w.WriteAt(data, offset)
	} else {
		if _, err = f.Seek(offset, io.SeekStart); err != nil {
			return fmt.Errorf("seek blob %d: %w", uploadID, err)
		}
		n, err = f.Write(data)
	}
	if err != nil {
		return fmt.Errorf("write blob %d at %d: %w", uploadID, offset, err)
	}
	if n != len(data) {
		return fmt.Errorf("write blob %d at %d: %w", uploadID, offset, io.ErrShortWrite)
	}
	if sf, ok := f.(syncer); ok {
		if err = sf.Sync(); err != nil {
			return fmt.Errorf("sync blob %d: %w", uploadID, err)
		}
	}
	return nil
}

type blobFile struct {
	billy.File
	size int64
}

func (b *blobFile) Size() int64 { return b.size }

// Open opens the blob for reading.
func (s *BlobStore) Open(uploadID uint64) (Blob, error) {
	name := s.Name(uploadID)
	info, err := s.fs.Stat(name)
	if err != nil {
		return nil, fmt.Errorf("stat blob %d: %w", uploadID, err)
	}
	f, err := s.fs.Open(name)
	if err != nil {
		return nil, fmt.Errorf("open blob %d: %w", uploadID, err)
	}
	return &blobFile{File: f, size: info.Size()}, nil
}

// Remove deletes the blob. A missing blob is not an error.
func (s *BlobStore) Remove(uploadID uint64) error {
	err := s.fs.Remove(s.Name(uploadID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
