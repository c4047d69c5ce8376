package service

import (
	"Go_Upload/utils"
	"context"
	"log/slog"
	"time"
)

// RedisResultCache keeps finalize results in a utils.Cache. Entries never
// change once written, so nothing invalidates them; the TTL only bounds memory.
type RedisResultCache struct {
	cache  utils.Cache
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisResultCache(cache utils.Cache, ttl time.Duration, logger *slog.Logger) *RedisResultCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisResultCache{cache: cache, ttl: ttl, logger: logger}
}

func (r *RedisResultCache) Load(ctx context.Context, uploadID uint64) (*Verification, bool) {
	cached, ok := utils.GetUploadResultFromCache(ctx, r.cache, uploadID)
	if !ok {
		return nil, false
	}
	entries := cached.Entries
	if entries == nil {
		entries = []string{}
	}
	return &Verification{Hash: cached.Hash, Entries: entries}, true
}

func (r *RedisResultCache) Store(ctx context.Context, uploadID uint64, v *Verification) {
	err := utils.SetUploadResultToCache(ctx, r.cache, uploadID, &utils.UploadResultCache{
		Hash:    v.Hash,
		Entries: v.Entries,
	}, r.ttl)
	if err != nil {
		r.logger.Warn("cache finalize result", "upload_id", uploadID, "err", err)
	}
}
