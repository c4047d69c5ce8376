package worker

import (
	"Go_Upload/internal/mq"
	"Go_Upload/internal/task"
	"Go_Upload/model"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

type dlqMessage struct {
	TaskID   uint64    `json:"task_id"`
	Attempt  int       `json:"attempt"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// Options tunes the archive worker.
type Options struct {
	Prefetch    int
	Concurrency int
	Rate        float64
	Burst       int
	RetryMax    int
	RetryDelays []time.Duration
}

// retryPublisher is the part of mq.Client used after a failed attempt.
type retryPublisher interface {
	PublishRetry(ctx context.Context, body []byte, delay time.Duration) error
	PublishDLQ(ctx context.Context, body []byte) error
}

type archiveWorker struct {
	proc    *task.Processor
	db      *gorm.DB
	client  retryPublisher
	limiter *rate.Limiter
	opts    Options
	logger  *slog.Logger
}

func newLimiter(r float64, burst int) *rate.Limiter {
	if burst <= 0 {
		burst = 1
	}
	if r <= 0 {
		return rate.NewLimiter(rate.Inf, burst)
	}
	return rate.NewLimiter(rate.Limit(r), burst)
}

// RunArchiveWorker consumes archive tasks from RabbitMQ until ctx is done.
func RunArchiveWorker(ctx context.Context, proc *task.Processor, opts Options, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := mq.Dial()
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.DeclareTopology(); err != nil {
		return err
	}

	prefetch := opts.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := client.Channel.Qos(prefetch, 0, false); err != nil {
		return err
	}

	deliveries, err := client.Channel.Consume(
		mq.QueueTasks,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return err
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)

	w := &archiveWorker{
		proc:    proc,
		db:      proc.DB,
		client:  client,
		limiter: newLimiter(opts.Rate, opts.Burst),
		opts:    opts,
		logger:  logger,
	}
	logger.Info("archive worker consuming", "queue", mq.QueueTasks, "concurrency", concurrency, "prefetch", prefetch)

	for {
		select {
		case <-ctx.Done():
			// Let running tasks finish their ack before the channel closes.
			for i := 0; i < cap(sem); i++ {
				sem <- struct{}{}
			}
			return nil
		case delivery, ok := <-deliveries:
			if !ok {
				return errors.New("archive worker: delivery channel closed")
			}
			sem <- struct{}{}
			go func(d amqp.Delivery) {
				defer func() { <-sem }()
				w.handle(ctx, d)
			}(delivery)
		}
	}
}

// acker is the part of amqp.Delivery the handler needs.
type acker interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

func (w *archiveWorker) handle(ctx context.Context, d amqp.Delivery) {
	w.handleBody(ctx, d.Body, deliveryAcker{d})
}

type deliveryAcker struct{ d amqp.Delivery }

func (a deliveryAcker) Ack(multiple bool) error           { return a.d.Ack(multiple) }
func (a deliveryAcker) Nack(multiple, requeue bool) error { return a.d.Nack(multiple, requeue) }

func (w *archiveWorker) handleBody(ctx context.Context, body []byte, ack acker) {
	var msg task.ArchiveMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		w.logger.Warn("archive worker: invalid message", "err", err)
		_ = ack.Ack(false)
		return
	}

	if err := w.limiter.Wait(ctx); err != nil {
		_ = ack.Nack(false, true)
		return
	}

	if err := w.proc.ProcessArchiveTask(ctx, msg.TaskID); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			_ = ack.Nack(false, true)
			return
		}
		w.logger.Warn("archive task failed", "task_id", msg.TaskID, "attempt", msg.Attempt, "err", err)
		var handleErr error
		if shouldRetry(err) {
			handleErr = w.scheduleRetry(ctx, msg, err)
		} else {
			handleErr = w.markFailed(ctx, msg, err)
		}
		if handleErr != nil {
			w.logger.Error("archive worker: failure handling", "task_id", msg.TaskID, "err", handleErr)
			_ = ack.Nack(false, true)
			return
		}
	}

	_ = ack.Ack(false)
}

func shouldRetry(err error) bool {
	if errors.Is(err, task.ErrPermanent) || errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	return true
}

func (w *archiveWorker) scheduleRetry(ctx context.Context, msg task.ArchiveMessage, procErr error) error {
	maxRetry := w.opts.RetryMax
	if maxRetry < 0 {
		maxRetry = 0
	}
	nextAttempt := msg.Attempt + 1
	if maxRetry == 0 || nextAttempt > maxRetry {
		return w.markFailed(ctx, msg, procErr)
	}

	delay := pickRetryDelay(nextAttempt, w.opts.RetryDelays)
	nextRetryAt := time.Now().Add(delay)
	if err := w.db.WithContext(ctx).Model(&model.ArchiveTask{}).
		Where("id = ?", msg.TaskID).
		Updates(map[string]interface{}{
			"status":        model.ArchiveStatusRetrying,
			"error_msg":     procErr.Error(),
			"retry_count":   nextAttempt,
			"next_retry_at": &nextRetryAt,
		}).Error; err != nil {
		return err
	}

	msg.Attempt = nextAttempt
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return w.client.PublishRetry(ctx, body, delay)
}

func (w *archiveWorker) markFailed(ctx context.Context, msg task.ArchiveMessage, procErr error) error {
	finishedAt := time.Now()
	if err := w.db.WithContext(ctx).Model(&model.ArchiveTask{}).
		Where("id = ?", msg.TaskID).
		Updates(map[string]interface{}{
			"status":      model.ArchiveStatusFailed,
			"error_msg":   procErr.Error(),
			"finished_at": &finishedAt,
		}).Error; err != nil {
		return err
	}

	body, err := json.Marshal(dlqMessage{
		TaskID:   msg.TaskID,
		Attempt:  msg.Attempt,
		Error:    procErr.Error(),
		FailedAt: finishedAt,
	})
	if err != nil {
		return err
	}
	if err := w.client.PublishDLQ(ctx, body); err != nil {
		w.logger.Warn("archive worker: dlq publish failed", "task_id", msg.TaskID, "err", err)
	}
	return nil
}

func pickRetryDelay(attempt int, delays []time.Duration) time.Duration {
	if len(delays) == 0 {
		return 0
	}
	index := attempt - 1
	if index < 0 {
		index = 0
	}
	if index >= len(delays) {
		return delays[len(delays)-1]
	}
	return delays[index]
}
