package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"ouka/pkg/types"
)

const redisKeyPrefix = "ouka:actor:"

// RedisCache is an actor cache shared between node processes. Entries are
// stored without expiry; freshness stays the reader's decision.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache wraps an existing client. The caller owns its lifecycle.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// DialRedis parses a redis:// URL and checks the server is reachable.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) (types.CachedActor, bool, error) {
	raw, err := c.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return types.CachedActor{}, false, nil
		}
		return types.CachedActor{}, false, fmt.Errorf("failed to read actor cache: %w", err)
	}

	var entry types.CachedActor
	if err := json.Unmarshal(raw, &entry); err != nil {
		return types.CachedActor{}, false, fmt.Errorf("failed to decode cached actor: %w", err)
	}
	return entry, true, nil
}

func (c *RedisCache) Put(ctx context.Context, key string, entry types.CachedActor) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode cached actor: %w", err)
	}
	if err := c.client.Set(ctx, redisKeyPrefix+key, raw, 0).Err(); err != nil {
		return fmt.Errorf("failed to write actor cache: %w", err)
	}
	return nil
}
