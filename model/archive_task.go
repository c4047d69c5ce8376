package model

import "time"

const (
	ArchiveStatusPending   = "pending"
	ArchiveStatusRunning   = "running"
	ArchiveStatusRetrying  = "retrying"
	ArchiveStatusCompleted = "completed"
	ArchiveStatusFailed    = "failed"
)

type ArchiveTask struct {
	ID uint64 `gorm:"primaryKey;autoIncrement" json:"id"`

	UploadID uint64 `gorm:"column:upload_id;uniqueIndex;not null" json:"upload_id"`

	Bucket     string `gorm:"column:bucket;type:varchar(64);not null" json:"bucket"`
	ObjectName string `gorm:"column:object_name;type:varchar(512);not null" json:"object_name"`

	Status      string     `gorm:"column:status;type:varchar(32);index;not null" json:"status"`
	ErrorMsg    string     `gorm:"column:error_msg;type:text" json:"error_msg"`
	RetryCount  int        `gorm:"column:retry_count;default:0" json:"retry_count"`
	NextRetryAt *time.Time `gorm:"column:next_retry_at" json:"next_retry_at"`
	StartedAt   *time.Time `gorm:"column:started_at" json:"started_at"`
	FinishedAt  *time.Time `gorm:"column:finished_at" json:"finished_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name.
func (ArchiveTask) TableName() string {
	return "archive_task"
}
