package router

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/vietddude/relayd/internal/infra/relayer"
	"github.com/vietddude/relayd/internal/relaying/metrics"
)

// PendingUnknown is the pending-count sentinel for an endpoint whose probe
// failed. It sorts worse than any real load.
const PendingUnknown = math.MaxInt32

// Prober fetches the relayer state behind an endpoint. Implemented by the
// relayer pool client with its bounded probe timeout.
type Prober interface {
	Probe(ctx context.Context, endpoint string) (*relayer.Info, error)
}

// Entry is the cached health state for one endpoint. Owned by the health
// cache; callers get copies.
type Entry struct {
	Endpoint     string    `json:"endpoint"`
	RelayerID    string    `json:"relayer_id,omitempty"`
	PendingCount int       `json:"pending_count"`
	Healthy      bool      `json:"healthy"`
	ProbedAt     time.Time `json:"probed_at"`
}

// HealthCache caches per-endpoint probe results for a fixed TTL. A failed
// probe caches a negative entry for the same TTL so a dead endpoint is not
// hammered once per routing decision.
type HealthCache struct {
	prober Prober
	ttl    time.Duration

	mu      sync.Mutex
	entries map[string]Entry
}

// NewHealthCache creates a health cache with the given TTL.
func NewHealthCache(prober Prober, ttl time.Duration) *HealthCache {
	if ttl == 0 {
		ttl = 10 * time.Second
	}
	return &HealthCache{
		prober:  prober,
		ttl:     ttl,
		entries: make(map[string]Entry),
	}
}

// Get returns the cached entry for endpoint, probing on miss or expiry.
// Concurrent misses for the same endpoint may probe twice; the cache state
// stays consistent either way.
func (c *HealthCache) Get(ctx context.Context, endpoint string) Entry {
	c.mu.Lock()
	if e, ok := c.entries[endpoint]; ok && time.Since(e.ProbedAt) < c.ttl {
		c.mu.Unlock()
		return e
	}
	c.mu.Unlock()

	entry := c.probe(ctx, endpoint)

	c.mu.Lock()
	c.entries[endpoint] = entry
	c.mu.Unlock()
	return entry
}

func (c *HealthCache) probe(ctx context.Context, endpoint string) Entry {
	entry := Entry{Endpoint: endpoint, ProbedAt: time.Now()}

	info, err := c.prober.Probe(ctx, endpoint)
	if err != nil {
		metrics.ProbeFailuresTotal.WithLabelValues(endpoint).Inc()
		entry.Healthy = false
		entry.PendingCount = PendingUnknown
		return entry
	}

	entry.RelayerID = info.ID
	entry.PendingCount = info.PendingTransactions
	// Anything but "active" (e.g. "paused") is not dispatchable.
	entry.Healthy = info.Status == relayer.StatusActive
	metrics.EndpointPending.WithLabelValues(endpoint).Set(float64(info.PendingTransactions))
	return entry
}

// Invalidate drops one cached entry, forcing a fresh probe on next use.
// Called after a dispatch failure attributable to that endpoint.
func (c *HealthCache) Invalidate(endpoint string) {
	c.mu.Lock()
	delete(c.entries, endpoint)
	c.mu.Unlock()
}

// Snapshot returns a copy of all cached entries.
func (c *HealthCache) Snapshot() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	return entries
}
