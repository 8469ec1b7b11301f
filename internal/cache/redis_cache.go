package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func runKey(tenantID string) string {
	return fmt.Sprintf("run:last:%s", tenantID)
}

func (c *RedisCache) StoreLastRun(ctx context.Context, tenantID string, s RunSummary) error {
	s.FinishedAt = s.FinishedAt.UTC()

	b, err := json.Marshal(s)
	if err != nil {
		return err
	}

	return c.rdb.Set(ctx, runKey(tenantID), b, c.ttl).Err()
}

func (c *RedisCache) LastRun(ctx context.Context, tenantID string) (*RunSummary, bool, error) {
	raw, err := c.rdb.Get(ctx, runKey(tenantID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var s RunSummary
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, false, err
	}
	return &s, true, nil
}
