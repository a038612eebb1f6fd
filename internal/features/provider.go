package features

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opensource-finance/heron/internal/cache"
	"github.com/opensource-finance/heron/internal/domain"
)

// ProviderFunc adapts a function to domain.FeatureProvider.
type ProviderFunc func(ctx context.Context, tenantID, customerID string, names []string) (map[string]any, error)

// GetFeatures calls f.
func (f ProviderFunc) GetFeatures(ctx context.Context, tenantID, customerID string, names []string) (map[string]any, error) {
	return f(ctx, tenantID, customerID, names)
}

// StaticProvider serves features registered in memory. Unknown customers
// get an empty map.
type StaticProvider struct {
	mu       sync.RWMutex
	features map[string]map[string]any
}

// NewStaticProvider creates an empty provider.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{features: make(map[string]map[string]any)}
}

// Put replaces the features stored for a customer.
func (p *StaticProvider) Put(tenantID, customerID string, features map[string]any) {
	cp := make(map[string]any, len(features))
	for k, v := range features {
		cp[k] = v
	}

	p.mu.Lock()
	p.features[tenantID+":"+customerID] = cp
	p.mu.Unlock()
}

// GetFeatures returns the stored features, filtered to names when given.
func (p *StaticProvider) GetFeatures(ctx context.Context, tenantID, customerID string, names []string) (map[string]any, error) {
	p.mu.RLock()
	stored := p.features[tenantID+":"+customerID]
	p.mu.RUnlock()

	out := make(map[string]any, len(stored))
	if len(names) == 0 {
		for k, v := range stored {
			out[k] = v
		}
		return out, nil
	}
	for _, n := range names {
		if v, ok := stored[n]; ok {
			out[n] = v
		}
	}
	return out, nil
}

// CachedProvider reads through a cache in front of another provider.
// Provider errors are returned uncached.
type CachedProvider struct {
	next  domain.FeatureProvider
	cache domain.Cache
	ttl   time.Duration
}

// NewCachedProvider wraps next with cache.
func NewCachedProvider(next domain.FeatureProvider, c domain.Cache, ttl time.Duration) *CachedProvider {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachedProvider{next: next, cache: c, ttl: ttl}
}

// GetFeatures serves from cache when possible.
func (p *CachedProvider) GetFeatures(ctx context.Context, tenantID, customerID string, names []string) (map[string]any, error) {
	key := featureKey(customerID, names)

	if cached, err := cache.GetJSON[map[string]any](ctx, p.cache, tenantID, key); err == nil && cached != nil {
		return *cached, nil
	}

	features, err := p.next.GetFeatures(ctx, tenantID, customerID, names)
	if err != nil {
		return nil, err
	}

	_ = cache.SetJSON(ctx, p.cache, tenantID, key, features, p.ttl)
	return features, nil
}

// Invalidate drops the cached full feature set for a customer.
func (p *CachedProvider) Invalidate(ctx context.Context, tenantID, customerID string) error {
	return p.cache.Delete(ctx, tenantID, featureKey(customerID, nil))
}

func featureKey(customerID string, names []string) string {
	if len(names) == 0 {
		return "features:" + customerID
	}
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	return "features:" + customerID + ":" + strings.Join(sorted, ",")
}
