package dto

import "time"

type InitUploadResponse struct {
	UploadID       uint64 `json:"uploadId"`
	TotalChunks    int    `json:"totalChunks"`
	UploadedChunks []int  `json:"uploadedChunks"`
	Status         string `json:"status"`
}

type ChunkResponse struct {
	Status string `json:"status"`
}

// FinalizeResponse is returned once the upload is completed.
type FinalizeResponse struct {
	Status     string   `json:"status"`
	Hash       string   `json:"hash"`
	ZipEntries []string `json:"zipEntries"`
}

// NotReadyResponse is returned while chunks are missing or another
// finalize is running.
type NotReadyResponse struct {
	Status string `json:"status"`
}

type ArchiveStatus struct {
	Status     string     `json:"status"`
	Bucket     string     `json:"bucket"`
	Object     string     `json:"object"`
	RetryCount int        `json:"retryCount"`
	Error      string     `json:"error,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	// DownloadURL is a presigned link, set once the object is archived.
	DownloadURL string `json:"downloadUrl,omitempty"`
}

// UploadStatusResponse is the body of GET /upload/:id.
type UploadStatusResponse struct {
	UploadID       uint64         `json:"uploadId"`
	Filename       string         `json:"filename"`
	TotalSize      int64          `json:"totalSize"`
	TotalChunks    int            `json:"totalChunks"`
	ReceivedChunks int64          `json:"receivedChunks"`
	Status         string         `json:"status"`
	Hash           string         `json:"hash,omitempty"`
	ZipEntries     []string       `json:"zipEntries,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	CompletedAt    *time.Time     `json:"completedAt,omitempty"`
	Archive        *ArchiveStatus `json:"archive,omitempty"`
}
