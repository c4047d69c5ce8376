package utils

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss is returned by Get when the key does not exist.
var ErrCacheMiss = errors.New("cache miss")

type Cache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
}

var _ Cache = (*RedisCache)(nil)

type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a Redis cache client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{
		client: client,
	}
}

// Get reads a JSON value into dest.
func (c *RedisCache) Get(ctx context.Context, key string, dest interface{}) error {
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return ErrCacheMiss
	}
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(val), dest)
}

// Set writes value as JSON.
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, string(data), expiration).Err()
}

// BuildCacheKey builds a cache key.
func BuildCacheKey(prefix string, params ...interface{}) string {
	key := prefix
	for _, param := range params {
		key += fmt.Sprintf(":%v", param)
	}
	return key
}

const CacheKeyUploadResult = "upload:result"

// UploadResultCache is the cached verification of a completed upload.
type UploadResultCache struct {
	Hash    string   `json:"hash"`
	Entries []string `json:"entries"`
}

// GetUploadResultFromCache reads a cached verification result.
func GetUploadResultFromCache(ctx context.Context, cache Cache, uploadID uint64) (*UploadResultCache, bool) {
	var result UploadResultCache
	if err := cache.Get(ctx, BuildCacheKey(CacheKeyUploadResult, uploadID), &result); err != nil {
		return nil, false
	}
	return &result, true
}

// SetUploadResultToCache writes a verification result.
func SetUploadResultToCache(ctx context.Context, cache Cache, uploadID uint64, data *UploadResultCache, expiration time.Duration) error {
	return cache.Set(ctx, BuildCacheKey(CacheKeyUploadResult, uploadID), data, expiration)
}
