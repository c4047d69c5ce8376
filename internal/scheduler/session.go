package scheduler

import (
	"Go_Upload/internal/protocol"
	"errors"
	"io"
	"sort"
	"sync"
)

// ChunkState is what a Reporter is told about one chunk.
type ChunkState string

const (
	StatePending   ChunkState = "pending"
	StateUploading ChunkState = "uploading"
	StateSuccess   ChunkState = "success"
	StateError     ChunkState = "error"
)

// Session is the transfer state of one upload. It outlives Scheduler.Run so
// a paused or partially failed transfer can be resumed with the same state.
type Session struct {
	UploadID  uint64
	file      io.ReaderAt
	size      int64
	chunkSize int64
	total     int

	mu        sync.Mutex
	pending   []int
	completed int
	inFlight  int
	paused    bool
	// wake is closed by Pause so retries sleeping in backoff return early.
	wake   chan struct{}
	failed map[int]error
}

// NewSession plans the chunks of file that are not in received. Indices out
// of range or repeated in received are ignored.
func NewSession(uploadID uint64, file io.ReaderAt, size, chunkSize int64, received []int) (*Session, error) {
	if size <= 0 || chunkSize <= 0 {
		return nil, errors.New("scheduler: size and chunk size must be positive")
	}
	s := &Session{
		UploadID:  uploadID,
		file:      file,
		size:      size,
		chunkSize: chunkSize,
		total:     protocol.TotalChunks(size, chunkSize),
		wake:      make(chan struct{}),
		failed:    make(map[int]error),
	}
	have := make(map[int]bool, len(received))
	for _, idx := range received {
		if idx >= 0 && idx < s.total {
			have[idx] = true
		}
	}
	s.completed = len(have)
	for i := 0; i < s.total; i++ {
		if !have[i] {
			s.pending = append(s.pending, i)
		}
	}
	return s, nil
}

// Pause stops new sends and retries. Sends already in flight finish and
// still count. A paused session stays paused until Resume.
func (s *Session) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		s.paused = true
		close(s.wake)
	}
}

// Resume clears a pause so the next Scheduler.Run sends the remaining chunks.
func (s *Session) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		s.paused = false
		s.wake = make(chan struct{})
	}
}

func (s *Session) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *Session) Total() int {
	return s.total
}

func (s *Session) Completed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

// Done reports whether every chunk is on the server.
func (s *Session) Done() bool {
	return s.Completed() == s.total
}

// Failed lists the chunks whose retries ran out, in index order.
func (s *Session) Failed() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.failed))
	for idx := range s.failed {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// FailureOf returns the last error seen for a failed chunk.
func (s *Session) FailureOf(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed[index]
}

// pauseSignal returns a channel that is closed once the session is paused.
func (s *Session) pauseSignal() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wake
}

// retryFailed puts failed chunks back on the worklist.
func (s *Session) retryFailed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for idx := range s.failed {
		s.pending = append(s.pending, idx)
	}
	sort.Ints(s.pending)
	clear(s.failed)
}

func (s *Session) doneBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending int64
	for _, idx := range s.pending {
		_, n, _ := protocol.ChunkRange(idx, s.size, s.chunkSize)
		pending += n
	}
	for idx := range s.failed {
		_, n, _ := protocol.ChunkRange(idx, s.size, s.chunkSize)
		pending += n
	}
	return s.size - pending
}

// next pops the next chunk to send when a slot is free and the session is
// not paused.
func (s *Session) next(limit int) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused || s.inFlight >= limit || len(s.pending) == 0 {
		return 0, false
	}
	idx := s.pending[0]
	s.pending = s.pending[1:]
	s.inFlight++
	return idx, true
}

func (s *Session) idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight == 0
}
