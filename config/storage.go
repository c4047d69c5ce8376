package config

import (
	"path/filepath"
	"sync"
)

// StorageConfig holds blob and archive storage settings.
type StorageConfig struct {
	UploadDir     string             `json:"upload_dir"`     // root of the per-upload blob files
	BlobPattern   string             `json:"blob_pattern"`   // fmt pattern keyed on upload id
	Archive       ArchiveStoreConfig `json:"archive"`        // where completed blobs are copied
	ArchivePrefix string             `json:"archive_prefix"` // object key prefix inside the bucket
}

// ArchiveStoreConfig describes the MinIO endpoint that receives archived uploads.
type ArchiveStoreConfig struct {
	Name     string `json:"name"`
	Host     string `json:"host"`
	Port     string `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	UseSSL   bool   `json:"use_ssl"`
	Bucket   string `json:"bucket"`
	Enabled  bool   `json:"enabled"`
}

var StorageConfigInstance *StorageConfig
var storageConfigOnce sync.Once

// InitStorageConfig initializes storage config.
func InitStorageConfig() {
	storageConfigOnce.Do(func() {
		StorageConfigInstance = &StorageConfig{
			UploadDir:   filepath.Clean(AppConfig.UploadDir),
			BlobPattern: "upload_%d.data",
			Archive: ArchiveStoreConfig{
				Name:     "archive",
				Host:     AppConfig.MinioHost,
				Port:     AppConfig.MinioPort,
				Username: AppConfig.MinioUsername,
				Password: AppConfig.MinioPassword,
				UseSSL:   AppConfig.MinioUseSSL,
				Bucket:   AppConfig.ArchiveBucket,
				Enabled:  AppConfig.ArchiveEnabled,
			},
			ArchivePrefix: "uploads",
		}
	})
}
