// Package cache holds a small Redis-backed cache for wait estimates, which
// are recomputed from queue counts and can tolerate short staleness.
package cache

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type WaitCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewWaitCache returns nil when addr is empty; a nil cache is safe to use and
// simply misses on every lookup.
func NewWaitCache(addr, password string, db int, ttl time.Duration) *WaitCache {
	if addr == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &WaitCache{client: client, ttl: ttl}
}

func (c *WaitCache) Get(ctx context.Context, salonID string) (int, bool) {
	if c == nil {
		return 0, false
	}
	value, err := c.client.Get(ctx, key(salonID)).Result()
	if err != nil {
		return 0, false
	}
	minutes, err := strconv.Atoi(value)
	if err != nil {
		return 0, false
	}
	return minutes, true
}

func (c *WaitCache) Set(ctx context.Context, salonID string, minutes int) {
	if c == nil {
		return
	}
	_ = c.client.Set(ctx, key(salonID), strconv.Itoa(minutes), c.ttl).Err()
}

func (c *WaitCache) Invalidate(ctx context.Context, salonID string) {
	if c == nil {
		return
	}
	_ = c.client.Del(ctx, key(salonID)).Err()
}

func (c *WaitCache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}

func key(salonID string) string {
	return "salonq:wait:" + salonID
}
