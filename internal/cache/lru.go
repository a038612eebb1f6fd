// Package cache holds the feature and assignment caches: an in-process LRU,
// Redis, and a two-phase cache layering the first over the second.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
)

// LRUCache is a bounded in-process cache with per-entry expiry.
type LRUCache struct {
	mu      sync.Mutex
	maxSize int
	items   map[entryKey]*list.Element
	order   *list.List // front is most recently used
	hits    uint64
	misses  uint64
	now     func() time.Time
}

// entryKey keeps tenants apart without relying on a separator that could
// appear in either part.
type entryKey struct {
	tenantID string
	key      string
}

type entry struct {
	key       entryKey
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// NewLRUCache creates a cache holding at most maxSize entries.
func NewLRUCache(maxSize int) *LRUCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &LRUCache{
		maxSize: maxSize,
		items:   make(map[entryKey]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
}

// Get returns the value, or nil, nil on a miss or after expiry.
func (c *LRUCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[entryKey{tenantID, key}]
	if !ok {
		c.misses++
		return nil, nil
	}
	e := elem.Value.(*entry)
	if !e.expiresAt.IsZero() && c.now().After(e.expiresAt) {
		c.evict(elem)
		c.misses++
		return nil, nil
	}

	c.order.MoveToFront(elem)
	c.hits++
	return e.value, nil
}

// Set stores value, evicting the least recently used entries over capacity.
func (c *LRUCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}

	k := entryKey{tenantID, key}
	if elem, ok := c.items[k]; ok {
		e := elem.Value.(*entry)
		e.value, e.expiresAt = value, expiresAt
		c.order.MoveToFront(elem)
		return nil
	}

	c.items[k] = c.order.PushFront(&entry{key: k, value: value, expiresAt: expiresAt})
	for c.order.Len() > c.maxSize {
		c.evict(c.order.Back())
	}
	return nil
}

// Delete removes key if present.
func (c *LRUCache) Delete(ctx context.Context, tenantID string, key string) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[entryKey{tenantID, key}]; ok {
		c.evict(elem)
	}
	return nil
}

// Ping always succeeds.
func (c *LRUCache) Ping(ctx context.Context) error {
	return nil
}

// Close drops every entry.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[entryKey]*list.Element)
	c.order.Init()
	return nil
}

// Stats reports size and lookup counters.
func (c *LRUCache) Stats() domain.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.CacheStats{
		Size:     c.order.Len(),
		Capacity: c.maxSize,
		Hits:     c.hits,
		Misses:   c.misses,
	}
}

func (c *LRUCache) evict(elem *list.Element) {
	c.order.Remove(elem)
	delete(c.items, elem.Value.(*entry).key)
}
