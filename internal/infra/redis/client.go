// Package redis wraps the Redis operations shared across worker processes:
// short-lived refresh locks and notification throttle windows.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps Redis operations for cross-process coordination.
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
}

// NewClient creates a new Redis client.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Key helpers
func refreshLockKey(userID, provider string) string {
	return fmt.Sprintf("refresh_lock:%s:%s", userID, provider)
}

func throttleKey(userID, provider, condition string) string {
	return fmt.Sprintf("notified:%s:%s:%s", userID, provider, condition)
}

// AcquireRefreshLock attempts to take the per-credential refresh lock. The
// TTL bounds lock lifetime so a crashed worker cannot wedge a credential.
func (c *Client) AcquireRefreshLock(
	ctx context.Context,
	userID, provider string,
	ttl time.Duration,
) (bool, error) {
	key := refreshLockKey(userID, provider)
	ok, err := c.rdb.SetNX(ctx, key, "locked", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx failed: %w", err)
	}
	return ok, nil
}

// ReleaseRefreshLock releases the per-credential refresh lock.
func (c *Client) ReleaseRefreshLock(ctx context.Context, userID, provider string) error {
	return c.rdb.Del(ctx, refreshLockKey(userID, provider)).Err()
}

// MarkNotified opens a throttle window for (user, provider, condition).
// Returns false if a window is already open, in which case nothing is written.
func (c *Client) MarkNotified(
	ctx context.Context,
	userID, provider, condition string,
	window time.Duration,
) (bool, error) {
	key := throttleKey(userID, provider, condition)
	ok, err := c.rdb.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), window).Result()
	if err != nil {
		return false, fmt.Errorf("setnx failed: %w", err)
	}
	return ok, nil
}
