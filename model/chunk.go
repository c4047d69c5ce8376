package model

import "time"

const (
	ChunkStatusPending  = "PENDING"
	ChunkStatusReceived = "RECEIVED"
)

type Chunk struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"`

	UploadID   uint64 `gorm:"column:upload_id;not null;uniqueIndex:idx_upload_chunk,priority:1"`
	ChunkIndex int    `gorm:"column:chunk_index;not null;uniqueIndex:idx_upload_chunk,priority:2"`

	Status     string     `gorm:"column:status;type:varchar(16);not null;default:'PENDING'"`
	ReceivedAt *time.Time `gorm:"column:received_at"`
}

// TableName returns the database table name.
func (Chunk) TableName() string {
	return "chunks"
}
