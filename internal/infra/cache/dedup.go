package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// DedupCache fronts the completed-bill image hash lookup with Redis.
// It is an accelerator only: a miss or a Redis outage falls through to
// the database check, so entries can expire freely.
type DedupCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewDedupCache(client *redis.Client, ttl time.Duration, logger *slog.Logger) *DedupCache {
	return &DedupCache{
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

func dedupKey(userID uuid.UUID, imageHash string) string {
	return fmt.Sprintf("dedup:%s:%s", userID, imageHash)
}

// Lookup returns the completed bill previously recorded for this user
// and image content, if any.
func (c *DedupCache) Lookup(ctx context.Context, userID uuid.UUID, imageHash string) (uuid.UUID, bool) {
	val, err := c.client.Get(ctx, dedupKey(userID, imageHash)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("Dedup cache lookup failed", "error", err)
		}
		return uuid.Nil, false
	}

	billID, err := uuid.Parse(val)
	if err != nil {
		c.logger.Warn("Dedup cache held an unparseable bill id", "value", val)
		return uuid.Nil, false
	}

	return billID, true
}

// Remember records a completed bill for this user and image content.
func (c *DedupCache) Remember(ctx context.Context, userID uuid.UUID, imageHash string, billID uuid.UUID) {
	if err := c.client.Set(ctx, dedupKey(userID, imageHash), billID.String(), c.ttl).Err(); err != nil {
		c.logger.Warn("Dedup cache write failed", "error", err)
	}
}
