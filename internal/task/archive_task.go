package task

import (
	"Go_Upload/internal/storage"
	"Go_Upload/model"
	"Go_Upload/utils"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrPermanent marks failures that retrying cannot fix.
var ErrPermanent = errors.New("permanent archive failure")

// ArchiveMessage is the payload sent to the worker.
type ArchiveMessage struct {
	TaskID  uint64 `json:"task_id"`
	Attempt int    `json:"attempt"`
}

// Publisher puts archive messages on the task queue.
type Publisher interface {
	PublishTask(ctx context.Context, body []byte) error
}

// Archiver records archive tasks and publishes them.
type Archiver struct {
	db        *gorm.DB
	publisher func() (Publisher, error)
	bucket    string
	prefix    string
}

func NewArchiver(db *gorm.DB, publisher func() (Publisher, error), bucket, prefix string) *Archiver {
	return &Archiver{db: db, publisher: publisher, bucket: bucket, prefix: prefix}
}

// ObjectName is where an upload's blob lands inside the archive bucket.
func ObjectName(prefix string, upload *model.Upload) string {
	return path.Join(prefix, strconv.FormatUint(upload.ID, 10), utils.SanitizeObjectName(upload.Filename))
}

// Enqueue creates the archive task for a completed upload and publishes it.
// It is safe to call repeatedly: an existing task that is still pending or
// has failed is published again, any other task is left alone. The worker
// claims tasks by status, so a duplicate message is dropped there.
func (a *Archiver) Enqueue(ctx context.Context, upload *model.Upload) error {
	t := &model.ArchiveTask{
		UploadID:   upload.ID,
		Bucket:     a.bucket,
		ObjectName: ObjectName(a.prefix, upload),
		Status:     model.ArchiveStatusPending,
	}
	res := a.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(t)
	if res.Error != nil {
		return fmt.Errorf("create archive task: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		existing, err := a.redrivable(ctx, upload.ID)
		if err != nil || existing == nil {
			return err
		}
		t = existing
	}
	return a.publish(ctx, t.ID)
}

// redrivable returns the upload's existing task when it should be published
// again. A failed task is reset to pending first.
func (a *Archiver) redrivable(ctx context.Context, uploadID uint64) (*model.ArchiveTask, error) {
	t, err := a.Lookup(ctx, uploadID)
	if err != nil {
		return nil, fmt.Errorf("load archive task: %w", err)
	}
	if t == nil {
		return nil, nil
	}
	switch t.Status {
	case model.ArchiveStatusPending:
		return t, nil
	case model.ArchiveStatusFailed:
		res := a.db.WithContext(ctx).Model(&model.ArchiveTask{}).
			Where("id = ? AND status = ?", t.ID, model.ArchiveStatusFailed).
			Updates(map[string]interface{}{
				"status":      model.ArchiveStatusPending,
				"error_msg":   "",
				"retry_count": 0,
				"finished_at": nil,
			})
		if res.Error != nil {
			return nil, fmt.Errorf("reset archive task: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil, nil
		}
		return t, nil
	}
	return nil, nil
}

func (a *Archiver) publish(ctx context.Context, taskID uint64) error {
	body, err := json.Marshal(ArchiveMessage{TaskID: taskID})
	if err != nil {
		a.markFailed(ctx, taskID, err)
		return err
	}
	pub, err := a.publisher()
	if err != nil {
		a.markFailed(ctx, taskID, err)
		return fmt.Errorf("archive publisher: %w", err)
	}
	if err := pub.PublishTask(ctx, body); err != nil {
		a.markFailed(ctx, taskID, err)
		return fmt.Errorf("publish archive task: %w", err)
	}
	return nil
}

// Lookup returns the archive task of an upload, or nil when there is none.
func (a *Archiver) Lookup(ctx context.Context, uploadID uint64) (*model.ArchiveTask, error) {
	var t model.ArchiveTask
	err := a.db.WithContext(ctx).Where("upload_id = ?", uploadID).Take(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (a *Archiver) markFailed(ctx context.Context, taskID uint64, err error) {
	MarkArchiveTaskFailed(ctx, a.db, taskID, err)
}

// MarkArchiveTaskFailed records a terminal failure on the task row.
func MarkArchiveTaskFailed(ctx context.Context, db *gorm.DB, taskID uint64, cause error) {
	finishedAt := time.Now()
	if err := db.WithContext(ctx).Model(&model.ArchiveTask{}).
		Where("id = ?", taskID).
		Updates(map[string]interface{}{
			"status":      model.ArchiveStatusFailed,
			"error_msg":   cause.Error(),
			"finished_at": &finishedAt,
		}).Error; err != nil {
		slog.Warn("mark archive task failed", "task_id", taskID, "err", err)
	}
}

// Notifier sends the archive notification mail.
type Notifier func(to []string, notice utils.ArchiveNotice) error

// Processor copies completed blobs into the archive store.
type Processor struct {
	DB       *gorm.DB
	Blobs    *storage.BlobStore
	Store    storage.Store
	NotifyTo []string
	Notify   Notifier
	Logger   *slog.Logger
}

func (p *Processor) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// ProcessArchiveTask executes one archive task. Tasks that are already
// completed or claimed by another worker are skipped.
func (p *Processor) ProcessArchiveTask(ctx context.Context, taskID uint64) error {
	var t model.ArchiveTask
	if err := p.DB.WithContext(ctx).Where("id = ?", taskID).Take(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("archive task %d: %w", taskID, ErrPermanent)
		}
		return err
	}
	if t.Status == model.ArchiveStatusCompleted {
		return nil
	}

	startedAt := time.Now()
	res := p.DB.WithContext(ctx).Model(&model.ArchiveTask{}).
		Where("id = ? AND status IN ?", taskID, []string{model.ArchiveStatusPending, model.ArchiveStatusRetrying}).
		Updates(map[string]interface{}{
			"status":     model.ArchiveStatusRunning,
			"started_at": &startedAt,
			"error_msg":  "",
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return nil
	}

	var upload model.Upload
	if err := p.DB.WithContext(ctx).Where("id = ?", t.UploadID).Take(&upload).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("upload %d: %w", t.UploadID, ErrPermanent)
		}
		return err
	}
	if !upload.IsCompleted() {
		return fmt.Errorf("upload %d is not completed: %w", upload.ID, ErrPermanent)
	}

	if err := p.copyBlob(ctx, &t, &upload); err != nil {
		return err
	}

	finishedAt := time.Now()
	if err := p.DB.WithContext(ctx).Model(&model.ArchiveTask{}).
		Where("id = ?", taskID).
		Updates(map[string]interface{}{
			"status":      model.ArchiveStatusCompleted,
			"finished_at": &finishedAt,
		}).Error; err != nil {
		return err
	}
	p.logger().Info("upload archived",
		"upload_id", upload.ID,
		"bucket", t.Bucket,
		"object", t.ObjectName,
		"size", humanize.IBytes(uint64(upload.TotalSize)),
		"elapsed", finishedAt.Sub(startedAt),
	)
	p.notify(&t, &upload)
	return nil
}

func (p *Processor) copyBlob(ctx context.Context, t *model.ArchiveTask, upload *model.Upload) error {
	blob, err := p.Blobs.Open(upload.ID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPermanent, err)
	}
	defer blob.Close()

	meta := map[string]string{"upload-id": strconv.FormatUint(upload.ID, 10)}
	if upload.FinalHash != nil {
		meta["sha256"] = *upload.FinalHash
	}
	err = p.Store.PutObject(ctx, t.Bucket, t.ObjectName, blob, blob.Size(), storage.PutOptions{
		ContentType:  "application/octet-stream",
		UserMetadata: meta,
	})
	if err != nil {
		return err
	}

	info, err := p.Store.StatObject(ctx, t.Bucket, t.ObjectName)
	if err != nil {
		return fmt.Errorf("stat archived object: %w", err)
	}
	if info.Size != upload.TotalSize {
		if rmErr := p.Store.RemoveObject(ctx, t.Bucket, t.ObjectName); rmErr != nil {
			p.logger().Warn("remove truncated archive object", "object", t.ObjectName, "err", rmErr)
		}
		return fmt.Errorf("archived object is %d bytes, want %d", info.Size, upload.TotalSize)
	}
	return nil
}

func (p *Processor) notify(t *model.ArchiveTask, upload *model.Upload) {
	if p.Notify == nil || len(p.NotifyTo) == 0 {
		return
	}
	notice := utils.ArchiveNotice{
		UploadID: upload.ID,
		Filename: upload.Filename,
		Size:     humanize.IBytes(uint64(upload.TotalSize)),
		Bucket:   t.Bucket,
		Object:   t.ObjectName,
	}
	if upload.FinalHash != nil {
		notice.Hash = *upload.FinalHash
	}
	if err := p.Notify(p.NotifyTo, notice); err != nil {
		p.logger().Warn("archive notification", "upload_id", upload.ID, "err", err)
	}
}
