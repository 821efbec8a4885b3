// Package quota tracks per-user daily action counters on Redis. Counters
// are keyed by UTC day so they reset at midnight without any sweeper.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Families group actions that share one daily ceiling.
const (
	FamilyMutate = "mutate"
	FamilyExport = "export"
)

type Counter struct {
	client *redis.Client
	now    func() time.Time
}

func NewCounter(client *redis.Client) *Counter {
	return &Counter{client: client, now: time.Now}
}

func (c *Counter) key(family, userID string, day time.Time) string {
	return fmt.Sprintf("quota:%s:%s:%s", family, userID, day.UTC().Format("2006-01-02"))
}

// Bump increments the counter and returns the new count. The key expires
// at the next UTC midnight, so a fresh day always starts at zero.
func (c *Counter) Bump(ctx context.Context, family, userID string) (int64, error) {
	now := c.now().UTC()
	key := c.key(family, userID, now)

	count, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("bump quota %s: %w", key, err)
	}
	if count == 1 {
		midnight := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
		if err := c.client.ExpireAt(ctx, key, midnight).Err(); err != nil {
			return count, fmt.Errorf("expire quota %s: %w", key, err)
		}
	}
	return count, nil
}

// Peek returns the current count without incrementing.
func (c *Counter) Peek(ctx context.Context, family, userID string) (int64, error) {
	key := c.key(family, userID, c.now().UTC())
	count, err := c.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("peek quota %s: %w", key, err)
	}
	return count, nil
}
