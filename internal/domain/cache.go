package domain

import (
	"context"
	"time"
)

// Cache is a tenant-scoped byte cache. Heron keeps customer features and
// variant assignments in it; the repository stays the source of truth.
type Cache interface {
	// Get returns nil, nil on a miss.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)

	// Set stores value. A ttl of zero or less never expires.
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error

	Delete(ctx context.Context, tenantID string, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// CacheStats is a point-in-time view of a local cache.
type CacheStats struct {
	Size     int
	Capacity int
	Hits     uint64
	Misses   uint64
}

// HitRatio returns hits / (hits + misses), or 0 before any lookup.
func (s CacheStats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// CacheConfig selects the cache tier.
type CacheConfig struct {
	// Type is "memory" (in-process LRU) or "redis".
	Type string `json:"type" yaml:"type"`

	LocalMaxSize int           `json:"localMaxSize" yaml:"local_max_size"`
	LocalTTL     time.Duration `json:"localTtl" yaml:"local_ttl"`

	// RedisAddr is one address, or a comma-separated list for a cluster.
	RedisAddr     string `json:"redisAddr" yaml:"redis_addr"`
	RedisPassword string `json:"-" yaml:"redis_password"`
	RedisDB       int    `json:"redisDb" yaml:"redis_db"`

	// EnableTwoPhase puts the local LRU in front of Redis.
	EnableTwoPhase bool `json:"enableTwoPhase" yaml:"enable_two_phase"`

	FeatureTTL    time.Duration `json:"featureTtl" yaml:"feature_ttl"`
	AssignmentTTL time.Duration `json:"assignmentTtl" yaml:"assignment_ttl"`
}
