package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/guild-monitor/internal/config"
	"github.com/redis/go-redis/v9"
)

// RedisCache is the production Cache backed by Redis. Expiry is enforced
// server-side via SET with expiration, so entries vanish exactly at TTL.
type RedisCache struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewRedisCache creates a Redis-backed cache
func NewRedisCache(cfg *config.RedisConfig, logger *slog.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &RedisCache{
		client: client,
		prefix: "gamedata:",
		logger: logger,
	}, nil
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Client returns the underlying Redis client
func (c *RedisCache) Client() *redis.Client {
	return c.client
}

func (c *RedisCache) key(key string) string {
	return c.prefix + key
}

// Get returns the cached value for key, or a miss if absent or expired
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("getting cache entry: %w", err)
	}
	return val, true, nil
}

// Set stores value under key with the given TTL
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("setting cache entry: %w", err)
	}
	return nil
}

// ClearExpired is a no-op for Redis; the server expires keys itself.
func (c *RedisCache) ClearExpired(ctx context.Context) (int, error) {
	return 0, nil
}

// Ping verifies the Redis connection
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
