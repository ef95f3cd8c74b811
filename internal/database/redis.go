package database

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/pulsedesk/analytics-engine/internal/config"
)

// NewRedisClient creates a new Redis client for the prediction cache
func NewRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}
