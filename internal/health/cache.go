package health

import (
	"math"
	"sync/atomic"
	"time"

	"payment-relay/pkg/payments"
)

type Source uint8

const (
	SourceOK Source = iota
	SourceError
)

// LatencyUnknown marks a record produced by a failed poll; it biases
// routing against the route until a poll succeeds again.
const LatencyUnknown int64 = math.MaxInt64

type Record struct {
	Failing         bool      `json:"failing"`
	MinResponseTime int64     `json:"minResponseTime"`
	CheckedAt       time.Time `json:"checkedAt"`
	Source          Source    `json:"-"`
}

// Snapshot is immutable once installed; the poller replaces it whole, so
// readers never observe a partially-updated pair.
type Snapshot struct {
	Default  Record `json:"default"`
	Fallback Record `json:"fallback"`
}

func (s Snapshot) Route(route string) Record {
	if route == payments.FallbackProcessor {
		return s.Fallback
	}
	return s.Default
}

// Cache holds the current snapshot behind a single atomic pointer.
type Cache struct {
	snap       atomic.Pointer[Snapshot]
	healthyMax int64
}

// NewCache starts optimistic: both routes healthy with zero latency, so
// dispatch is willing to run before the first poll lands.
func NewCache(healthyMaxMs int64) *Cache {
	c := &Cache{healthyMax: healthyMaxMs}
	optimistic := Record{CheckedAt: time.Now(), Source: SourceOK}
	c.snap.Store(&Snapshot{Default: optimistic, Fallback: optimistic})
	return c
}

func (c *Cache) Snapshot() Snapshot {
	return *c.snap.Load()
}

func (c *Cache) Replace(s Snapshot) {
	c.snap.Store(&s)
}

// SetRoute swaps in a new record for one route, keeping the other.
func (c *Cache) SetRoute(route string, r Record) {
	for {
		old := c.snap.Load()
		next := *old
		if route == payments.FallbackProcessor {
			next.Fallback = r
		} else {
			next.Default = r
		}
		if c.snap.CompareAndSwap(old, &next) {
			return
		}
	}
}

// IsHealthy is pure over the given record: not failing and responding
// under the configured latency ceiling.
func (c *Cache) IsHealthy(r Record) bool {
	return !r.Failing && r.MinResponseTime < c.healthyMax
}
