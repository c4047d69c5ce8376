// Package scheduler drives the client side of a resumable upload: it sends
// the chunks a server is missing with bounded concurrency, retries transient
// failures with exponential backoff and can be paused and resumed.
package scheduler

import (
	"Go_Upload/internal/bufpool"
	"Go_Upload/internal/progress"
	"Go_Upload/internal/protocol"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrPaused is returned by Run when the session was paused before all chunks were sent.
	ErrPaused = errors.New("upload paused")
	// ErrIncomplete is returned by Run when some chunks ran out of retries.
	ErrIncomplete = errors.New("upload incomplete")
)

// Sender delivers one chunk to the server.
type Sender interface {
	SendChunk(ctx context.Context, uploadID uint64, index int, data []byte) (string, error)
}

// Progress is reported after every chunk that reaches the server.
type Progress struct {
	Completed int
	Total     int
	Stats     progress.Stats
}

// Reporter receives per-chunk states and progress. ChunkState may be called
// from several goroutines at once.
type Reporter interface {
	ChunkState(index int, state ChunkState, err error)
	Progress(p Progress)
}

type nopReporter struct{}

func (nopReporter) ChunkState(int, ChunkState, error) {}
func (nopReporter) Progress(Progress)                 {}

type Config struct {
	MaxConcurrency int
	MaxRetries     int
	ChunkSize      int64
	// BackoffUnit is the wait before the first retry; each further retry doubles it.
	BackoffUnit time.Duration
	// Limiter, when set, paces chunk sends.
	Limiter *rate.Limiter
}

type Scheduler struct {
	sender   Sender
	cfg      Config
	reporter Reporter
	bufs     *bufpool.Pool
	now      func() time.Time
}

func New(sender Sender, cfg Config, reporter Reporter) *Scheduler {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = protocol.ChunkSize
	}
	if cfg.BackoffUnit <= 0 {
		cfg.BackoffUnit = time.Second
	}
	if reporter == nil {
		reporter = nopReporter{}
	}
	return &Scheduler{
		sender:   sender,
		cfg:      cfg,
		reporter: reporter,
		bufs:     bufpool.New(int(cfg.ChunkSize)),
		now:      time.Now,
	}
}

type outcome struct {
	index   int
	length  int64
	err     error
	requeue bool
}

// Run sends every pending chunk of sess and returns nil once all chunks are
// on the server. It returns ErrPaused if sess was paused, ErrIncomplete if
// some chunks failed for good, or the context error. Calling Run again on
// the same session retries its failed chunks; a paused session must be
// Resumed first or Run returns ErrPaused without sending. Run never
// finalizes the upload.
func (s *Scheduler) Run(ctx context.Context, sess *Session) error {
	if sess.chunkSize != s.cfg.ChunkSize {
		return fmt.Errorf("scheduler: session chunk size %d does not match %d", sess.chunkSize, s.cfg.ChunkSize)
	}
	sess.retryFailed()
	meter := progress.NewMeterWithNow(s.now)
	meter.Start(sess.size, sess.doneBytes())

	results := make(chan outcome)
	for {
		for ctx.Err() == nil {
			idx, ok := sess.next(s.cfg.MaxConcurrency)
			if !ok {
				break
			}
			go func() { results <- s.transmit(ctx, sess, idx) }()
		}
		if sess.idle() {
			break
		}
		s.settle(sess, meter, <-results)
	}

	switch {
	case sess.Done():
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case sess.Paused():
		return ErrPaused
	default:
		return fmt.Errorf("%w: chunks %v failed", ErrIncomplete, sess.Failed())
	}
}

func (s *Scheduler) settle(sess *Session, meter *progress.Meter, r outcome) {
	sess.mu.Lock()
	sess.inFlight--
	switch {
	case r.requeue:
		sess.pending = append(sess.pending, r.index)
	case r.err != nil:
		sess.failed[r.index] = r.err
	default:
		sess.completed++
	}
	completed := sess.completed
	sess.mu.Unlock()

	switch {
	case r.requeue:
		s.reporter.ChunkState(r.index, StatePending, nil)
	case r.err != nil:
		s.reporter.ChunkState(r.index, StateError, r.err)
	default:
		meter.Add(r.length)
		s.reporter.ChunkState(r.index, StateSuccess, nil)
		s.reporter.Progress(Progress{Completed: completed, Total: sess.total, Stats: meter.Snapshot()})
	}
}

// transmit sends one chunk, retrying until it succeeds, its retries run out
// or the session is paused.
func (s *Scheduler) transmit(ctx context.Context, sess *Session, idx int) outcome {
	offset, length, err := protocol.ChunkRange(idx, sess.size, sess.chunkSize)
	if err != nil {
		return outcome{index: idx, err: err}
	}
	buf := s.bufs.Get()
	defer s.bufs.Put(buf)
	data := buf[:length]
	n, err := bufpool.Fill(io.NewSectionReader(sess.file, offset, length), data)
	if err != nil {
		return outcome{index: idx, err: fmt.Errorf("read chunk %d: %w", idx, err)}
	}
	if int64(n) != length {
		return outcome{index: idx, err: fmt.Errorf("read chunk %d: got %d of %d bytes", idx, n, length)}
	}

	requeue := outcome{index: idx, requeue: true}
	for attempt := 0; ; attempt++ {
		if s.cfg.Limiter != nil {
			if err := s.cfg.Limiter.Wait(ctx); err != nil {
				return requeue
			}
		}
		s.reporter.ChunkState(idx, StateUploading, nil)
		_, err := s.sender.SendChunk(ctx, sess.UploadID, idx, data)
		if err == nil {
			return outcome{index: idx, length: length}
		}
		if ctx.Err() != nil {
			return requeue
		}
		if attempt >= s.cfg.MaxRetries || !retryable(err) {
			return outcome{index: idx, err: err}
		}
		if sess.Paused() {
			return requeue
		}
		if sleep(ctx, sess.pauseSignal(), s.backoff(attempt)) != nil || sess.Paused() {
			return requeue
		}
	}
}

// backoff is the wait after the given zero-based failed attempt.
func (s *Scheduler) backoff(attempt int) time.Duration {
	return s.cfg.BackoffUnit << min(attempt, 16)
}

// retryable treats errors without a Retryable method as transient.
func retryable(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}

// sleep waits for d, returning early when ctx ends or wake is closed.
func sleep(ctx context.Context, wake <-chan struct{}, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wake:
		return ErrPaused
	case <-t.C:
		return nil
	}
}
