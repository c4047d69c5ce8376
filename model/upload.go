package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	UploadStatusUploading = "UPLOADING"
	UploadStatusCompleted = "COMPLETED"
)

type Upload struct {
	ID uint64 `gorm:"primaryKey;autoIncrement" json:"id"`

	Filename  string `gorm:"column:filename;size:255;not null;index:idx_upload_name_size,priority:1" json:"filename"`
	TotalSize int64  `gorm:"column:total_size;not null;index:idx_upload_name_size,priority:2" json:"total_size"`

	TotalChunks int `gorm:"column:total_chunks;not null" json:"total_chunks"`

	Status string `gorm:"column:status;type:varchar(16);not null;default:'UPLOADING'" json:"status"`

	FinalHash           *string   `gorm:"column:final_hash;size:64" json:"final_hash,omitempty"`
	VerificationEntries EntryList `gorm:"column:verification_entries;type:json" json:"verification_entries,omitempty"`

	CompletedAt *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TableName returns the database table name.
func (Upload) TableName() string {
	return "uploads"
}

// IsCompleted reports whether the upload reached its terminal state.
func (u *Upload) IsCompleted() bool {
	return u.Status == UploadStatusCompleted
}

// EntryList is the ordered list of item names found by verification.
// A nil list is stored as SQL NULL.
type EntryList []string

// Value implements driver.Valuer.
func (l EntryList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	data, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner. Rows written before the column held a JSON
// array may contain a bare name; those are read as a one-element list.
func (l *EntryList) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("entry list: unsupported column type %T", src)
	}
	*l = decodeEntries(raw)
	return nil
}

func decodeEntries(raw []byte) EntryList {
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return EntryList{}
	}
	var list []string
	if err := json.Unmarshal([]byte(text), &list); err == nil {
		if list == nil {
			return EntryList{}
		}
		return EntryList(list)
	}
	var single string
	if err := json.Unmarshal([]byte(text), &single); err == nil {
		return EntryList{single}
	}
	return EntryList{text}
}
