// Package protocol holds the constants and chunk arithmetic shared by the
// upload server and the reference client. Both sides must agree on ChunkSize;
// it is never negotiated at runtime.
package protocol

import "fmt"

// ChunkSize is the fixed size of every chunk except possibly the last.
const ChunkSize int64 = 5 * 1024 * 1024

// Request headers carrying the chunk address on POST /upload/chunk.
const (
	HeaderUploadID   = "upload-id"
	HeaderChunkIndex = "chunk-index"
)

// Endpoint paths.
const (
	PathInit     = "/upload/init"
	PathChunk    = "/upload/chunk"
	PathFinalize = "/upload/finalize"
	PathStatus   = "/upload/:id"
)

// Response status values.
const (
	StatusOK               = "ok"
	StatusAlreadyReceived  = "already_received"
	StatusUploading        = "uploading"
	StatusCompleted        = "completed"
	StatusAlreadyCompleted = "already_completed"
	StatusNotReady         = "not_ready"
)

// TotalChunks returns ceil(totalSize / chunkSize).
func TotalChunks(totalSize, chunkSize int64) int {
	if totalSize <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((totalSize + chunkSize - 1) / chunkSize)
}

// ChunkRange returns the byte offset and length owned by chunk index.
func ChunkRange(index int, totalSize, chunkSize int64) (offset, length int64, err error) {
	total := TotalChunks(totalSize, chunkSize)
	if index < 0 || index >= total {
		return 0, 0, fmt.Errorf("chunk index %d out of range [0,%d)", index, total)
	}
	offset = int64(index) * chunkSize
	length = chunkSize
	if offset+length > totalSize {
		length = totalSize - offset
	}
	return offset, length, nil
}
