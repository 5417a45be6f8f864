package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Query results are keyed by (operation, parameters, generation). Since every
// rebuild bumps the generation and keys embed it, invalidation is wholesale
// and implicit: stale keys stop being read and expire on their own TTL.
const DefaultCacheTTL = time.Hour

// CacheGet loads a cached JSON value into out. The second return is false on
// a miss. Redis failures degrade to a miss, the query falls through to
// ClickHouse.
func (c *Client) CacheGet(ctx context.Context, key string, out interface{}) (bool, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		c.logger.Warn("Cache read failed", zap.String("key", key), zap.Error(err))
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, err
	}
	return true, nil
}

// CacheSet stores a JSON value with a TTL. Best-effort.
func (c *Client) CacheSet(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	raw, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("Cache value not serializable", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		c.logger.Warn("Cache write failed", zap.String("key", key), zap.Error(err))
	}
}
