package experiment

import (
	"hash/fnv"
	"strings"
	"sync"

	"github.com/opensource-finance/heron/internal/domain"
)

// hashUnit maps the joined parts to [0,1) with 32-bit FNV-1a. The value is
// stable across processes and releases.
func hashUnit(parts ...string) float64 {
	h := fnv.New32a()
	h.Write([]byte(strings.Join(parts, ":")))
	return float64(h.Sum32()) / (1 << 32)
}

// Eligible reports whether a customer is sampled into the experiment's
// traffic.
func Eligible(exp *domain.Experiment, tenantID, customerID string) bool {
	return hashUnit(tenantID, customerID, exp.ID) < exp.Audience.TrafficAllocation
}

// Bucket deterministically selects a variant for a customer by walking the
// cumulative allocations. A gap left by rounding falls back to the first
// variant.
func Bucket(exp *domain.Experiment, customerID string) string {
	if len(exp.Variants) == 0 {
		return ""
	}
	point := hashUnit(customerID, exp.ID)

	var cumulative float64
	for _, v := range exp.Variants {
		cumulative += exp.AllocationFor(v)
		if point < cumulative {
			return v.ID
		}
	}
	return exp.Variants[0].ID
}

// BucketUniform deterministically selects a variant with every variant
// equally likely, ignoring the configured allocations. It uses the same
// hash point as Bucket.
func BucketUniform(exp *domain.Experiment, customerID string) string {
	n := len(exp.Variants)
	if n == 0 {
		return ""
	}
	i := int(hashUnit(customerID, exp.ID) * float64(n))
	return exp.Variants[min(i, n-1)].ID
}

const lockStripes = 256

// stripedLock serializes work per key with a fixed set of mutexes.
type stripedLock struct {
	stripes [lockStripes]sync.Mutex
}

func (l *stripedLock) lock(key string) (unlock func()) {
	h := fnv.New32a()
	h.Write([]byte(key))
	m := &l.stripes[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}
