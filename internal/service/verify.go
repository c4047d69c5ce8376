package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zip"
)

// Verification is the one-time result of inspecting an assembled blob.
type Verification struct {
	Hash    string
	Entries []string
}

// Verifier hashes and indexes a fully assembled blob.
type Verifier interface {
	Verify(ctx context.Context, blob io.ReaderAt, size int64) (*Verification, error)
}

// ZipVerifier computes the SHA-256 of the blob and lists the entry names of
// the zip archive it contains. Content that is not a zip archive yields an
// empty entry list.
type ZipVerifier struct{}

func (ZipVerifier) Verify(ctx context.Context, blob io.ReaderAt, size int64) (*Verification, error) {
	hash, err := hashBlob(ctx, io.NewSectionReader(blob, 0, size))
	if err != nil {
		return nil, err
	}
	entries, err := zipEntries(blob, size)
	if err != nil {
		return nil, err
	}
	return &Verification{Hash: hash, Entries: entries}, nil
}

const hashBlockSize = 1 << 20

func hashBlob(ctx context.Context, r io.Reader) (string, error) {
	h := sha256.New()
	buf := make([]byte, hashBlockSize)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, err := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("hash blob: %w", err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func zipEntries(blob io.ReaderAt, size int64) ([]string, error) {
	zr, err := zip.NewReader(blob, size)
	if errors.Is(err, zip.ErrFormat) {
		return []string{}, nil
	}
	// Names are only listed, never extracted, so non-local paths are fine.
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return nil, fmt.Errorf("read zip directory: %w", err)
	}
	entries := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		entries = append(entries, f.Name)
	}
	return entries, nil
}
