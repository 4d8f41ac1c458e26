// Package redis wraps go-redis with the operations the task store
// needs, plus debug-level instrumentation on every call.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Client wraps redis.Client with common operations and instrumentation
type Client struct {
	redis  *redis.Client
	logger Logger
}

// NewClient creates a new Redis client wrapper
func NewClient(redisClient *redis.Client, logger Logger) *Client {
	return &Client{
		redis:  redisClient,
		logger: logger,
	}
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, addr, password string, db int, logger Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}

	logger.Info("redis connected", "addr", addr, "db", db)
	return NewClient(rdb, logger), nil
}

// GetUnderlying returns the underlying redis.Client for advanced operations
func (c *Client) GetUnderlying() *redis.Client {
	return c.redis
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.redis.Close()
}

// Set sets a key with optional expiration (0 = no expiry)
func (c *Client) Set(ctx context.Context, key, value string, expiry time.Duration) error {
	err := c.redis.Set(ctx, key, value, expiry).Err()
	if err != nil {
		c.logger.Error("redis SET failed", "key", key, "error", err)
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	c.logger.Debug("redis SET", "key", key)
	return nil
}

// Get retrieves a value by key. Missing keys return redis.Nil.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		c.logger.Debug("redis GET key not found", "key", key)
		return "", err
	}
	if err != nil {
		c.logger.Error("redis GET failed", "key", key, "error", err)
		return "", fmt.Errorf("failed to get key %s: %w", key, err)
	}
	c.logger.Debug("redis GET", "key", key)
	return val, nil
}

// Delete removes keys
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	err := c.redis.Del(ctx, keys...).Err()
	if err != nil {
		c.logger.Error("redis DEL failed", "keys", keys, "error", err)
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	c.logger.Debug("redis DEL", "keys", keys)
	return nil
}

// ZAdd adds a scored member to a sorted set
func (c *Client) ZAdd(ctx context.Context, key string, score float64, member string) error {
	err := c.redis.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	if err != nil {
		c.logger.Error("redis ZADD failed", "key", key, "error", err)
		return fmt.Errorf("failed to zadd %s: %w", key, err)
	}
	c.logger.Debug("redis ZADD", "key", key, "member", member, "score", score)
	return nil
}

// ZRem removes a member from a sorted set
func (c *Client) ZRem(ctx context.Context, key, member string) error {
	err := c.redis.ZRem(ctx, key, member).Err()
	if err != nil {
		c.logger.Error("redis ZREM failed", "key", key, "error", err)
		return fmt.Errorf("failed to zrem %s: %w", key, err)
	}
	c.logger.Debug("redis ZREM", "key", key, "member", member)
	return nil
}

// ZRangeAsc returns every member of a sorted set in ascending score order
func (c *Client) ZRangeAsc(ctx context.Context, key string) ([]string, error) {
	members, err := c.redis.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		c.logger.Error("redis ZRANGE failed", "key", key, "error", err)
		return nil, fmt.Errorf("failed to zrange %s: %w", key, err)
	}
	c.logger.Debug("redis ZRANGE", "key", key, "count", len(members))
	return members, nil
}

// SAdd adds members to a set
func (c *Client) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	err := c.redis.SAdd(ctx, key, args...).Err()
	if err != nil {
		c.logger.Error("redis SADD failed", "key", key, "error", err)
		return fmt.Errorf("failed to sadd %s: %w", key, err)
	}
	c.logger.Debug("redis SADD", "key", key, "count", len(members))
	return nil
}

// SMembers returns every member of a set
func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := c.redis.SMembers(ctx, key).Result()
	if err != nil {
		c.logger.Error("redis SMEMBERS failed", "key", key, "error", err)
		return nil, fmt.Errorf("failed to smembers %s: %w", key, err)
	}
	c.logger.Debug("redis SMEMBERS", "key", key, "count", len(members))
	return members, nil
}

// Watch runs fn inside an optimistic WATCH/MULTI transaction over the
// given keys, retrying on conflict.
func (c *Client) Watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	const maxRetries = 5
	for attempt := 0; attempt < maxRetries; attempt++ {
		err := c.redis.Watch(ctx, fn, keys...)
		if err == nil {
			return nil
		}
		if err == redis.TxFailedErr {
			c.logger.Debug("redis WATCH conflict, retrying", "keys", keys, "attempt", attempt+1)
			continue
		}
		return err
	}
	return fmt.Errorf("watch transaction on %v failed after retries: %w", keys, redis.TxFailedErr)
}
