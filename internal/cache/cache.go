package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
)

// New builds the cache selected by cfg.Type. With EnableTwoPhase, Redis is
// fronted by a local LRU.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory", "":
		return NewLRUCache(cfg.LocalMaxSize), nil
	case "redis":
		remote, err := NewRedisCache(cfg)
		if err != nil {
			return nil, err
		}
		if !cfg.EnableTwoPhase {
			return remote, nil
		}
		return NewTwoPhaseCache(NewLRUCache(cfg.LocalMaxSize), remote, cfg.LocalTTL), nil
	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

// ttlGetter is implemented by remotes that can report how long a value has
// left to live.
type ttlGetter interface {
	GetWithTTL(ctx context.Context, tenantID, key string) ([]byte, time.Duration, error)
}

// TwoPhaseCache reads through a local LRU (L1) to a shared remote (L2).
// Writes go to both. An entry copied into L1 never outlives its L2 copy or
// the L1 ceiling.
type TwoPhaseCache struct {
	local   *LRUCache
	remote  domain.Cache
	ceiling time.Duration
}

// NewTwoPhaseCache layers local over remote. ceiling bounds L1 lifetimes
// and defaults to five minutes.
func NewTwoPhaseCache(local *LRUCache, remote domain.Cache, ceiling time.Duration) *TwoPhaseCache {
	if ceiling <= 0 {
		ceiling = 5 * time.Minute
	}
	return &TwoPhaseCache{local: local, remote: remote, ceiling: ceiling}
}

// Get checks L1, then L2, copying L2 hits into L1.
func (c *TwoPhaseCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	val, err := c.local.Get(ctx, tenantID, key)
	if err != nil || val != nil {
		return val, err
	}

	var remaining time.Duration
	if tg, ok := c.remote.(ttlGetter); ok {
		val, remaining, err = tg.GetWithTTL(ctx, tenantID, key)
	} else {
		val, err = c.remote.Get(ctx, tenantID, key)
	}
	if err != nil || val == nil {
		return nil, err
	}

	_ = c.local.Set(ctx, tenantID, key, val, c.localTTL(remaining))
	return val, nil
}

// Set writes L1 then L2.
func (c *TwoPhaseCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if err := c.local.Set(ctx, tenantID, key, value, c.localTTL(ttl)); err != nil {
		return err
	}
	return c.remote.Set(ctx, tenantID, key, value, ttl)
}

// localTTL caps ttl at the ceiling. Zero means the remote copy never
// expires, so the ceiling applies.
func (c *TwoPhaseCache) localTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 || ttl > c.ceiling {
		return c.ceiling
	}
	return ttl
}

// Delete removes the key from both layers.
func (c *TwoPhaseCache) Delete(ctx context.Context, tenantID string, key string) error {
	if err := c.local.Delete(ctx, tenantID, key); err != nil {
		return err
	}
	return c.remote.Delete(ctx, tenantID, key)
}

// Ping checks both layers.
func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.local.Ping(ctx); err != nil {
		return fmt.Errorf("L1 ping failed: %w", err)
	}
	if err := c.remote.Ping(ctx); err != nil {
		return fmt.Errorf("L2 ping failed: %w", err)
	}
	return nil
}

// Close closes both layers.
func (c *TwoPhaseCache) Close() error {
	_ = c.local.Close()
	return c.remote.Close()
}

// Stats reports the L1 layer.
func (c *TwoPhaseCache) Stats() domain.CacheStats {
	return c.local.Stats()
}

// StatsOf returns the local statistics of c, if it keeps any.
func StatsOf(c domain.Cache) (func() domain.CacheStats, bool) {
	s, ok := c.(interface{ Stats() domain.CacheStats })
	if !ok {
		return nil, false
	}
	return s.Stats, true
}

// GetJSON reads key and decodes it into a new T. It returns nil, nil on a
// miss or when the cached bytes no longer decode.
func GetJSON[T any](ctx context.Context, c domain.Cache, tenantID, key string) (*T, error) {
	data, err := c.Get(ctx, tenantID, key)
	if err != nil || data == nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		_ = c.Delete(ctx, tenantID, key)
		return nil, nil
	}
	return &v, nil
}

// SetJSON encodes v and stores it under key.
func SetJSON(ctx context.Context, c domain.Cache, tenantID, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode cache value: %w", err)
	}
	return c.Set(ctx, tenantID, key, data, ttl)
}
