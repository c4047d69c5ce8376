package repo

import (
	"Go_Upload/config"
	"context"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"log/slog"
	"time"
)

var Redis *redis.Client

// ErrLockBusy is returned by Lock when another holder owns the key.
var ErrLockBusy = errors.New("lock is busy")

// Lock is a non-blocking mutual exclusion handle.
type Lock interface {
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
}

// Locker hands out locks by key.
type Locker interface {
	NewLock(key string, ttl time.Duration) Lock
}

type RedisLock struct {
	rdb   *redis.Client
	key   string
	token string
	ttl   time.Duration
}

// InitRedis initializes the Redis client.
func InitRedis() error {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", config.AppConfig.RedisHost, config.AppConfig.RedisPort),
		Password: config.AppConfig.RedisPassword,
		DB:       config.AppConfig.RedisDB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return fmt.Errorf("init redis: %w", err)
	}
	slog.Info("init redis success", "addr", client.Options().Addr)
	Redis = client
	return nil
}

// NewRedisLock creates a Redis lock helper.
func NewRedisLock(rdb *redis.Client, key string, ttl time.Duration) *RedisLock {
	return &RedisLock{
		rdb: rdb,
		key: key,
		ttl: ttl,
	}
}

// Lock acquires a Redis-based lock.
func (l *RedisLock) Lock(ctx context.Context) error {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrLockBusy
	}
	l.token = token
	return nil
}

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Unlock releases the lock if this handle still owns it.
func (l *RedisLock) Unlock(ctx context.Context) error {
	if l.token == "" {
		return nil
	}
	_, err := unlockScript.Run(
		ctx,
		l.rdb,
		[]string{l.key},
		l.token,
	).Result()
	l.token = ""
	return err
}

// RedisLocker hands out RedisLocks on one client.
type RedisLocker struct {
	rdb *redis.Client
}

func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{rdb: rdb}
}

func (r *RedisLocker) NewLock(key string, ttl time.Duration) Lock {
	return NewRedisLock(r.rdb, key, ttl)
}
