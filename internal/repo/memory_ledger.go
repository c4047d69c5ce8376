package repo

import (
	"Go_Upload/internal/protocol"
	"Go_Upload/model"
	"context"
	"sort"
	"sync"
	"time"
)

type chunkKey struct {
	uploadID uint64
	index    int
}

// MemoryLedger is an in-process Ledger. Each chunk row has its own mutex so
// writes to different chunks run in parallel, as they do under InnoDB row locks.
type MemoryLedger struct {
	mu      sync.Mutex
	nextID  uint64
	uploads map[uint64]*model.Upload
	chunks  map[chunkKey]string
	rowMu   map[chunkKey]*sync.Mutex

	// initMu serializes Initiate the way the FOR UPDATE lookup does.
	initMu sync.Mutex

	commitHook func(op string) error
}

// MemoryOption configures a MemoryLedger.
type MemoryOption func(*MemoryLedger)

// WithCommitHook installs a hook consulted right before a state change is
// committed. A non-nil return aborts the change.
func WithCommitHook(hook func(op string) error) MemoryOption {
	return func(l *MemoryLedger) {
		l.commitHook = hook
	}
}

func NewMemoryLedger(opts ...MemoryOption) *MemoryLedger {
	l := &MemoryLedger{
		uploads: make(map[uint64]*model.Upload),
		chunks:  make(map[chunkKey]string),
		rowMu:   make(map[chunkKey]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *MemoryLedger) commit(op string) error {
	if l.commitHook == nil {
		return nil
	}
	return l.commitHook(op)
}

func (l *MemoryLedger) Initiate(ctx context.Context, filename string, totalSize, chunkSize int64, allocate Allocator) (*InitResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.initMu.Lock()
	defer l.initMu.Unlock()

	l.mu.Lock()
	var latest *model.Upload
	for _, u := range l.uploads {
		if u.Filename == filename && u.TotalSize == totalSize {
			if latest == nil || u.ID > latest.ID {
				latest = u
			}
		}
	}
	if latest != nil {
		res := &InitResult{Upload: *latest, Received: []int{}}
		if !latest.IsCompleted() {
			res.Received = l.receivedLocked(latest.ID, latest.TotalChunks)
		}
		l.mu.Unlock()
		return res, nil
	}
	l.mu.Unlock()

	now := time.Now()
	upload := &model.Upload{
		ID:          l.peekID(),
		Filename:    filename,
		TotalSize:   totalSize,
		TotalChunks: protocol.TotalChunks(totalSize, chunkSize),
		Status:      model.UploadStatusUploading,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if allocate != nil {
		if err := allocate(upload); err != nil {
			return nil, err
		}
	}
	if err := l.commit("initiate"); err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.nextID = upload.ID
	stored := *upload
	l.uploads[upload.ID] = &stored
	for i := 0; i < upload.TotalChunks; i++ {
		l.chunks[chunkKey{upload.ID, i}] = model.ChunkStatusPending
	}
	l.mu.Unlock()
	return &InitResult{Upload: *upload, Created: true, Received: []int{}}, nil
}

func (l *MemoryLedger) peekID() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextID + 1
}

func (l *MemoryLedger) receivedLocked(uploadID uint64, total int) []int {
	out := []int{}
	for i := 0; i < total; i++ {
		if l.chunks[chunkKey{uploadID, i}] == model.ChunkStatusReceived {
			out = append(out, i)
		}
	}
	sort.Ints(out)
	return out
}

func (l *MemoryLedger) rowLock(key chunkKey) (*sync.Mutex, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.chunks[key]; !ok {
		return nil, false
	}
	m, ok := l.rowMu[key]
	if !ok {
		m = &sync.Mutex{}
		l.rowMu[key] = m
	}
	return m, true
}

func (l *MemoryLedger) ReceiveChunk(ctx context.Context, uploadID uint64, chunkIndex int, write ChunkWriter) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	key := chunkKey{uploadID, chunkIndex}
	row, ok := l.rowLock(key)
	if !ok {
		return false, ErrChunkNotFound
	}
	row.Lock()
	defer row.Unlock()

	l.mu.Lock()
	status := l.chunks[key]
	upload := *l.uploads[uploadID]
	l.mu.Unlock()
	if status == model.ChunkStatusReceived {
		return true, nil
	}

	if err := write(&upload); err != nil {
		return false, err
	}
	if err := l.commit("receive"); err != nil {
		return false, err
	}

	l.mu.Lock()
	l.chunks[key] = model.ChunkStatusReceived
	l.mu.Unlock()
	return false, nil
}

func (l *MemoryLedger) CheckReady(ctx context.Context, uploadID uint64) (*ReadyState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	u, ok := l.uploads[uploadID]
	if !ok {
		return nil, ErrUploadNotFound
	}
	state := &ReadyState{Upload: *u}
	if u.IsCompleted() {
		return state, nil
	}
	for i := 0; i < u.TotalChunks; i++ {
		if l.chunks[chunkKey{uploadID, i}] != model.ChunkStatusReceived {
			state.Pending++
		}
	}
	return state, nil
}

func (l *MemoryLedger) Complete(ctx context.Context, uploadID uint64, hash string, entries []string, at time.Time) (*model.Upload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := l.commit("complete"); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	u, ok := l.uploads[uploadID]
	if !ok {
		return nil, ErrUploadNotFound
	}
	if !u.IsCompleted() {
		if entries == nil {
			entries = []string{}
		}
		h := hash
		completedAt := at
		u.Status = model.UploadStatusCompleted
		u.FinalHash = &h
		u.VerificationEntries = append(model.EntryList{}, entries...)
		u.CompletedAt = &completedAt
		u.UpdatedAt = at
	}
	out := *u
	return &out, nil
}

func (l *MemoryLedger) GetUpload(ctx context.Context, uploadID uint64) (*model.Upload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	u, ok := l.uploads[uploadID]
	if !ok {
		return nil, ErrUploadNotFound
	}
	out := *u
	return &out, nil
}

func (l *MemoryLedger) CountReceived(ctx context.Context, uploadID uint64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	u, ok := l.uploads[uploadID]
	if !ok {
		return 0, nil
	}
	return int64(len(l.receivedLocked(uploadID, u.TotalChunks))), nil
}
