// Package redis provides the derived-summary cache. Cached values are pure
// projections of Postgres state, so every error is safe to treat as a miss
// and every write is best-effort.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wavey0x/auction-curves-sub002/internal/domain/model"
)

type Cache struct {
	client *redis.Client
}

func NewCache(url string) (*Cache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Cache{client: client}, nil
}

func (c *Cache) Close() error {
	return c.client.Close()
}

func (c *Cache) Client() *redis.Client {
	return c.client
}

// GetJSON reads a cached value into dst. The bool reports whether the key
// was present and decodable.
func (c *Cache) GetJSON(ctx context.Context, key string, dst any) (bool, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("cache decode %s: %w", key, err)
	}
	return true, nil
}

func (c *Cache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	if err := c.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

// Key builders. Invalidation after a write targets these exact keys.

func RoundSummaryKey(chain model.Chain, auction string, roundID int64) string {
	return fmt.Sprintf("auction:summary:%s:%s:%d", chain, auction, roundID)
}

func CurrentRoundKey(chain model.Chain, auction string) string {
	return fmt.Sprintf("auction:current:%s:%s", chain, auction)
}

func ParticipantKey(taker string) string {
	return fmt.Sprintf("auction:participant:%s", taker)
}

func LeaderboardKey(limit int) string {
	return fmt.Sprintf("auction:leaderboard:%d", limit)
}
