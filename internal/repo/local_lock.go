package repo

import (
	"context"
	"sync"
	"time"
)

// LocalLocker is a Locker for a single process. Locks do not expire; they
// are released by Unlock or when the process exits.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]uint64
	seq  uint64
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]uint64)}
}

func (l *LocalLocker) NewLock(key string, _ time.Duration) Lock {
	return &localLock{owner: l, key: key}
}

type localLock struct {
	owner *LocalLocker
	key   string
	token uint64
}

func (k *localLock) Lock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k.owner.mu.Lock()
	defer k.owner.mu.Unlock()
	if _, busy := k.owner.held[k.key]; busy {
		return ErrLockBusy
	}
	k.owner.seq++
	k.token = k.owner.seq
	k.owner.held[k.key] = k.token
	return nil
}

func (k *localLock) Unlock(context.Context) error {
	if k.token == 0 {
		return nil
	}
	k.owner.mu.Lock()
	defer k.owner.mu.Unlock()
	if k.owner.held[k.key] == k.token {
		delete(k.owner.held, k.key)
	}
	k.token = 0
	return nil
}
