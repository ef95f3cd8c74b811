package forecaster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cache fronts the prediction path with a short-TTL redis layer so repeated
// dashboard loads do not re-run inference. Cache failures degrade to a miss;
// predictions must never fail because redis is down.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.SugaredLogger
}

func NewCache(client *redis.Client, ttl time.Duration, logger *zap.SugaredLogger) *Cache {
	return &Cache{client: client, ttl: ttl, logger: logger}
}

func consumptionKey(workspaceID, metric string, horizonDays int) string {
	return fmt.Sprintf("prediction:consumption:%s:%s:%d", workspaceID, metric, horizonDays)
}

func churnKey(workspaceID string) string {
	return fmt.Sprintf("prediction:churn:%s", workspaceID)
}

func growthKey(workspaceID, metric string, horizonDays int) string {
	return fmt.Sprintf("prediction:growth:%s:%s:%d", workspaceID, metric, horizonDays)
}

// Get loads a cached prediction into out. Returns false on miss or error.
func (c *Cache) Get(ctx context.Context, key string, out any) bool {
	if c == nil || c.client == nil {
		return false
	}
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false
	}
	if err != nil {
		c.logger.Warnw("prediction cache read failed", "key", key, "error", err)
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		c.logger.Warnw("dropping malformed cache entry", "key", key, "error", err)
		return false
	}
	return true
}

// Set stores a prediction with the configured TTL. Best effort.
func (c *Cache) Set(ctx context.Context, key string, value any) {
	if c == nil || c.client == nil {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Warnw("failed to encode cache entry", "key", key, "error", err)
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Warnw("prediction cache write failed", "key", key, "error", err)
	}
}

// InvalidateWorkspace drops every cached prediction for a workspace. Called
// after a promotion so the new champion serves immediately.
func (c *Cache) InvalidateWorkspace(ctx context.Context, workspaceID string) {
	if c == nil || c.client == nil {
		return
	}
	patterns := []string{
		fmt.Sprintf("prediction:consumption:%s:*", workspaceID),
		fmt.Sprintf("prediction:growth:%s:*", workspaceID),
		churnKey(workspaceID),
	}
	for _, pattern := range patterns {
		iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
				c.logger.Warnw("cache invalidation failed", "key", iter.Val(), "error", err)
			}
		}
		if err := iter.Err(); err != nil {
			c.logger.Warnw("cache scan failed", "pattern", pattern, "error", err)
		}
	}
}
