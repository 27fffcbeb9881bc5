package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"tokokita/backend/internal/domain"
)

// RedisEligibleCache stores listings under a per-kind generation counter.
// Invalidation bumps the counter, which orphans every key of the old
// generation; the orphans expire with their TTL.
type RedisEligibleCache struct {
	client *redis.Client
}

func NewRedisEligibleCache(addr string, password string, db int) *RedisEligibleCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisEligibleCache{client: client}
}

func (c *RedisEligibleCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisEligibleCache) Close() error {
	return c.client.Close()
}

func (c *RedisEligibleCache) Get(ctx context.Context, kind string, key string) ([]domain.EligibleTransactionSummary, bool, error) {
	full, err := c.versionedKey(ctx, kind, key)
	if err != nil {
		return nil, false, err
	}
	val, err := c.client.Get(ctx, full).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var rows []domain.EligibleTransactionSummary
	if err := json.Unmarshal([]byte(val), &rows); err != nil {
		return nil, false, err
	}
	return rows, true, nil
}

func (c *RedisEligibleCache) Set(ctx context.Context, kind string, key string, value []domain.EligibleTransactionSummary, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	full, err := c.versionedKey(ctx, kind, key)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, full, payload, ttl).Err()
}

func (c *RedisEligibleCache) Invalidate(ctx context.Context, kind string) error {
	return c.client.Incr(ctx, genKey(kind)).Err()
}

func (c *RedisEligibleCache) versionedKey(ctx context.Context, kind string, key string) (string, error) {
	gen, err := c.client.Get(ctx, genKey(kind)).Result()
	if err == redis.Nil {
		gen = "0"
	} else if err != nil {
		return "", err
	}
	return fmt.Sprintf("eligible:%s:%s:%s", kind, gen, key), nil
}

func genKey(kind string) string {
	return "eligible:gen:" + kind
}
