package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/redis/go-redis/v9"
)

// RedisCache is the shared cache for multi-node deployments. A
// comma-separated RedisAddr selects cluster mode.
type RedisCache struct {
	client redis.UniversalClient
}

// NewRedisCache connects and verifies the connection.
func NewRedisCache(cfg domain.CacheConfig) (*RedisCache, error) {
	client := redis.NewUniversalClient(redisOptions(cfg))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisCache{client: client}, nil
}

func redisOptions(cfg domain.CacheConfig) *redis.UniversalOptions {
	var addrs []string
	for _, a := range strings.Split(cfg.RedisAddr, ",") {
		if a = strings.TrimSpace(a); a != "" {
			addrs = append(addrs, a)
		}
	}
	if len(addrs) == 0 {
		addrs = []string{"localhost:6379"}
	}
	return &redis.UniversalOptions{
		Addrs:        addrs,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	}
}

// redisKey wraps the tenant in a hash tag so one tenant's keys share a
// cluster slot, e.g. heron:{tenant-001}:assign:exp-1:cust-9.
func redisKey(tenantID, key string) string {
	return "heron:{" + tenantID + "}:" + key
}

// Get returns nil, nil on a miss.
func (c *RedisCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	val, _, err := c.GetWithTTL(ctx, tenantID, key)
	return val, err
}

// GetWithTTL returns the value and its remaining lifetime in one round
// trip. A key without expiry reports a ttl of zero.
func (c *RedisCache) GetWithTTL(ctx context.Context, tenantID string, key string) ([]byte, time.Duration, error) {
	if tenantID == "" {
		return nil, 0, fmt.Errorf("tenantID is required")
	}
	k := redisKey(tenantID, key)

	pipe := c.client.Pipeline()
	get := pipe.Get(ctx, k)
	ttl := pipe.PTTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, 0, err
	}

	val, err := get.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}

	remaining := ttl.Val()
	if remaining < 0 {
		remaining = 0
	}
	return val, remaining, nil
}

// Set stores value. A ttl of zero or less never expires.
func (c *RedisCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}
	if ttl < 0 {
		ttl = 0
	}
	return c.client.Set(ctx, redisKey(tenantID, key), value, ttl).Err()
}

// Delete removes key.
func (c *RedisCache) Delete(ctx context.Context, tenantID string, key string) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}
	return c.client.Del(ctx, redisKey(tenantID, key)).Err()
}

// Ping checks connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
