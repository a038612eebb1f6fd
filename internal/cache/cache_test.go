package cache

import (
	"context"
	"testing"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
)

// fakeClock drives LRU expiry without sleeping.
type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newClockedLRU(size int) (*LRUCache, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewLRUCache(size)
	c.now = clock.now
	return c, clock
}

func TestLRUCache(t *testing.T) {
	ctx := context.Background()
	const tenantID = "tenant-001"

	t.Run("SetGetDelete", func(t *testing.T) {
		c := NewLRUCache(10)
		if err := c.Set(ctx, tenantID, "features:cust-001", []byte(`{"churn_risk":0.8}`), time.Minute); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		val, err := c.Get(ctx, tenantID, "features:cust-001")
		if err != nil || string(val) != `{"churn_risk":0.8}` {
			t.Fatalf("unexpected Get result %q, %v", val, err)
		}

		c.Delete(ctx, tenantID, "features:cust-001")
		if val, _ := c.Get(ctx, tenantID, "features:cust-001"); val != nil {
			t.Error("expected miss after delete")
		}
		if val, err := c.Get(ctx, tenantID, "never-set"); val != nil || err != nil {
			t.Errorf("expected nil, nil on miss, got %q, %v", val, err)
		}
	})

	t.Run("Expiry", func(t *testing.T) {
		c, clock := newClockedLRU(10)
		c.Set(ctx, tenantID, "short", []byte("v"), time.Second)
		c.Set(ctx, tenantID, "forever", []byte("v"), 0)

		clock.advance(500 * time.Millisecond)
		if val, _ := c.Get(ctx, tenantID, "short"); val == nil {
			t.Error("expected value before expiry")
		}

		clock.advance(time.Second)
		if val, _ := c.Get(ctx, tenantID, "short"); val != nil {
			t.Error("expected miss after expiry")
		}
		if val, _ := c.Get(ctx, tenantID, "forever"); val == nil {
			t.Error("expected zero ttl entry to persist")
		}
		if s := c.Stats(); s.Size != 1 {
			t.Errorf("expected expired entry to be evicted, size %d", s.Size)
		}
	})

	t.Run("Eviction", func(t *testing.T) {
		c := NewLRUCache(3)
		for _, k := range []string{"a", "b", "c"} {
			c.Set(ctx, tenantID, k, []byte(k), time.Minute)
		}
		c.Get(ctx, tenantID, "a")
		c.Set(ctx, tenantID, "d", []byte("d"), time.Minute)

		if val, _ := c.Get(ctx, tenantID, "b"); val != nil {
			t.Error("expected least recently used entry to be evicted")
		}
		if val, _ := c.Get(ctx, tenantID, "a"); val == nil {
			t.Error("expected recently read entry to survive")
		}
	})

	t.Run("OverwriteRefreshesTTL", func(t *testing.T) {
		c, clock := newClockedLRU(10)
		c.Set(ctx, tenantID, "k", []byte("old"), time.Second)
		clock.advance(900 * time.Millisecond)
		c.Set(ctx, tenantID, "k", []byte("new"), time.Second)
		clock.advance(900 * time.Millisecond)

		if val, _ := c.Get(ctx, tenantID, "k"); string(val) != "new" {
			t.Errorf("expected refreshed value, got %q", val)
		}
	})

	t.Run("TenantsDoNotCollide", func(t *testing.T) {
		c := NewLRUCache(10)
		c.Set(ctx, "a", "b:c", []byte("first"), time.Minute)
		c.Set(ctx, "a:b", "c", []byte("second"), time.Minute)

		if val, _ := c.Get(ctx, "a", "b:c"); string(val) != "first" {
			t.Errorf("expected first, got %q", val)
		}
		if val, _ := c.Get(ctx, "tenant-002", "b:c"); val != nil {
			t.Error("expected other tenant to miss")
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		c := NewLRUCache(10)
		if err := c.Set(ctx, "", "k", nil, 0); err == nil {
			t.Error("expected Set error")
		}
		if _, err := c.Get(ctx, "", "k"); err == nil {
			t.Error("expected Get error")
		}
		if err := c.Delete(ctx, "", "k"); err == nil {
			t.Error("expected Delete error")
		}
	})

	t.Run("Stats", func(t *testing.T) {
		c := NewLRUCache(50)
		if r := c.Stats().HitRatio(); r != 0 {
			t.Errorf("expected 0 before lookups, got %f", r)
		}
		c.Set(ctx, tenantID, "k", []byte("v"), time.Minute)
		c.Get(ctx, tenantID, "k")
		c.Get(ctx, tenantID, "missing")

		s := c.Stats()
		if s.Size != 1 || s.Capacity != 50 || s.Hits != 1 || s.Misses != 1 {
			t.Errorf("unexpected stats %+v", s)
		}
		if s.HitRatio() != 0.5 {
			t.Errorf("expected hit ratio 0.5, got %f", s.HitRatio())
		}
	})

	t.Run("Close", func(t *testing.T) {
		c := NewLRUCache(10)
		c.Set(ctx, tenantID, "k", []byte("v"), time.Minute)
		if err := c.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
		if val, _ := c.Get(ctx, tenantID, "k"); val != nil {
			t.Error("expected cache to be empty after close")
		}
		c.Set(ctx, tenantID, "k2", []byte("v"), time.Minute)
		if val, _ := c.Get(ctx, tenantID, "k2"); val == nil {
			t.Error("expected cache to stay usable after close")
		}
	})
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	c := NewLRUCache(10)
	const tenantID = "tenant-001"

	a := domain.VariantAssignment{ExperimentID: "exp-001", CustomerID: "cust-001", VariantID: "B", Eligible: true}
	if err := SetJSON(ctx, c, tenantID, "assign:exp-001:cust-001", a, time.Minute); err != nil {
		t.Fatalf("SetJSON failed: %v", err)
	}

	got, err := GetJSON[domain.VariantAssignment](ctx, c, tenantID, "assign:exp-001:cust-001")
	if err != nil || got == nil || got.VariantID != "B" || !got.Eligible {
		t.Fatalf("unexpected decoded value %+v, %v", got, err)
	}

	if missing, err := GetJSON[domain.VariantAssignment](ctx, c, tenantID, "assign:none"); missing != nil || err != nil {
		t.Errorf("expected nil, nil on miss, got %v, %v", missing, err)
	}

	c.Set(ctx, tenantID, "corrupt", []byte("{not json"), time.Minute)
	if bad, err := GetJSON[domain.VariantAssignment](ctx, c, tenantID, "corrupt"); bad != nil || err != nil {
		t.Errorf("expected corrupt entry to read as a miss, got %v, %v", bad, err)
	}
	if val, _ := c.Get(ctx, tenantID, "corrupt"); val != nil {
		t.Error("expected corrupt entry to be dropped")
	}
}

func TestNew(t *testing.T) {
	c, err := New(domain.CacheConfig{Type: "memory", LocalMaxSize: 100})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Close()

	if _, ok := c.(*LRUCache); !ok {
		t.Errorf("expected LRUCache, got %T", c)
	}
	if stats, ok := StatsOf(c); !ok || stats().Capacity != 100 {
		t.Error("expected LRU stats to be exposed")
	}

	if _, err := New(domain.CacheConfig{Type: "memcached"}); err == nil {
		t.Error("expected error for unsupported type")
	}
}

// ttlRemote is an L2 stand-in that reports a fixed remaining lifetime.
type ttlRemote struct {
	*LRUCache
	remaining time.Duration
}

func (r *ttlRemote) GetWithTTL(ctx context.Context, tenantID, key string) ([]byte, time.Duration, error) {
	val, err := r.Get(ctx, tenantID, key)
	return val, r.remaining, err
}

func TestTwoPhaseCache(t *testing.T) {
	ctx := context.Background()
	const tenantID = "tenant-001"

	t.Run("WritesThrough", func(t *testing.T) {
		remote := NewLRUCache(100)
		tp := NewTwoPhaseCache(NewLRUCache(10), remote, time.Minute)

		if err := tp.Set(ctx, tenantID, "k", []byte("v"), time.Hour); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		if val, _ := remote.Get(ctx, tenantID, "k"); string(val) != "v" {
			t.Errorf("expected value in L2, got %q", val)
		}
	})

	t.Run("PopulatesL1FromL2", func(t *testing.T) {
		remote := NewLRUCache(100)
		tp := NewTwoPhaseCache(NewLRUCache(10), remote, time.Minute)

		remote.Set(ctx, tenantID, "l2-only", []byte("x"), time.Hour)
		if val, err := tp.Get(ctx, tenantID, "l2-only"); err != nil || string(val) != "x" {
			t.Fatalf("expected L2 hit, got %q, %v", val, err)
		}

		remote.Delete(ctx, tenantID, "l2-only")
		if val, _ := tp.Get(ctx, tenantID, "l2-only"); string(val) != "x" {
			t.Errorf("expected L1 to serve after population, got %q", val)
		}
	})

	t.Run("L1FollowsRemainingTTL", func(t *testing.T) {
		local, clock := newClockedLRU(10)
		remote := &ttlRemote{LRUCache: NewLRUCache(10), remaining: 2 * time.Second}
		tp := NewTwoPhaseCache(local, remote, time.Minute)

		remote.Set(ctx, tenantID, "features:cust-001", []byte("f"), time.Hour)
		tp.Get(ctx, tenantID, "features:cust-001")

		clock.advance(3 * time.Second)
		if val, _ := local.Get(ctx, tenantID, "features:cust-001"); val != nil {
			t.Error("expected L1 copy to expire with the remote ttl")
		}
	})

	t.Run("CeilingBoundsL1", func(t *testing.T) {
		tp := NewTwoPhaseCache(NewLRUCache(10), NewLRUCache(10), time.Minute)
		for _, tt := range []struct{ in, want time.Duration }{
			{0, time.Minute},
			{time.Hour, time.Minute},
			{10 * time.Second, 10 * time.Second},
		} {
			if got := tp.localTTL(tt.in); got != tt.want {
				t.Errorf("localTTL(%v) = %v, want %v", tt.in, got, tt.want)
			}
		}
	})

	t.Run("DeleteBoth", func(t *testing.T) {
		remote := NewLRUCache(10)
		tp := NewTwoPhaseCache(NewLRUCache(10), remote, time.Minute)
		tp.Set(ctx, tenantID, "gone", []byte("v"), time.Hour)
		tp.Delete(ctx, tenantID, "gone")

		if val, _ := tp.Get(ctx, tenantID, "gone"); val != nil {
			t.Error("expected miss after delete")
		}
		if err := tp.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})
}

func TestRedisKeys(t *testing.T) {
	if got := redisKey("tenant-001", "assign:exp-1:cust-9"); got != "heron:{tenant-001}:assign:exp-1:cust-9" {
		t.Errorf("unexpected key %q", got)
	}

	opts := redisOptions(domain.CacheConfig{RedisAddr: "r1:6379, r2:6379,"})
	if len(opts.Addrs) != 2 || opts.Addrs[1] != "r2:6379" {
		t.Errorf("unexpected addrs %v", opts.Addrs)
	}
	if opts := redisOptions(domain.CacheConfig{}); len(opts.Addrs) != 1 || opts.Addrs[0] != "localhost:6379" {
		t.Errorf("unexpected default addrs %v", opts.Addrs)
	}
}
