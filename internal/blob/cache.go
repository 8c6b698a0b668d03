package blob

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/catherinevee/syncmgr/internal/logger"
)

// CachedStore fronts a backend with Redis. Retrieval hydrates the same
// blobs repeatedly inside a conversation; the cache keeps those reads
// off the backend.
type CachedStore struct {
	backend Store
	client  *redis.Client
	ttl     time.Duration
	log     logger.Logger
}

// NewCachedStore wraps backend with a Redis cache at addr.
func NewCachedStore(backend Store, addr string, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CachedStore{
		backend: backend,
		client:  redis.NewClient(&redis.Options{Addr: addr}),
		ttl:     ttl,
		log:     logger.New("blobcache"),
	}
}

// NewCachedStoreWithClient injects a prebuilt client, used by tests.
func NewCachedStoreWithClient(backend Store, client *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{backend: backend, client: client, ttl: ttl, log: logger.New("blobcache")}
}

func cacheKey(key string) string { return "blob:" + key }

// Put writes through to the backend and refreshes the cache.
func (c *CachedStore) Put(ctx context.Context, key string, data []byte) error {
	if err := c.backend.Put(ctx, key, data); err != nil {
		return err
	}
	if err := c.client.Set(ctx, cacheKey(key), data, c.ttl).Err(); err != nil {
		// Cache failures never fail the write.
		c.log.WithError(err).Warn("cache set failed", logger.String("key", key))
	}
	return nil
}

// Get serves from Redis when possible and falls back to the backend.
func (c *CachedStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := c.client.Get(ctx, cacheKey(key)).Bytes()
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, redis.Nil) {
		c.log.WithError(err).Warn("cache get failed", logger.String("key", key))
	}

	data, err = c.backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := c.client.Set(ctx, cacheKey(key), data, c.ttl).Err(); err != nil {
		c.log.WithError(err).Warn("cache fill failed", logger.String("key", key))
	}
	return data, nil
}

// Delete invalidates the cache entry before removing the blob.
func (c *CachedStore) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, cacheKey(key)).Err(); err != nil {
		c.log.WithError(err).Warn("cache delete failed", logger.String("key", key))
	}
	return c.backend.Delete(ctx, key)
}

func (c *CachedStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, cacheKey(key)).Result()
	if err == nil && n > 0 {
		return true, nil
	}
	return c.backend.Exists(ctx, key)
}
