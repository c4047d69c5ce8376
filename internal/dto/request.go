package dto

// InitUploadRequest is the body of POST /upload/init.
type InitUploadRequest struct {
	Filename  string `json:"filename"`
	TotalSize int64  `json:"totalSize"`
}

// FinalizeRequest is the body of POST /upload/finalize.
type FinalizeRequest struct {
	UploadID uint64 `json:"uploadId"`
}
