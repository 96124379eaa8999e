package router

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/relayd/internal/relaying/metrics"
)

// PlaceholderRelayerID is returned when the fallback target could not be
// probed; dispatch against it will fail and redeliver, which beats refusing
// to route at all.
const PlaceholderRelayerID = "unknown"

// ErrNoEndpoints is returned only when discovery yields zero candidates,
// meaning no static endpoints were configured either.
var ErrNoEndpoints = errors.New("no relayer endpoints available")

// Selection is a dispatch target.
type Selection struct {
	Endpoint  string
	RelayerID string
}

// Router picks the least-loaded healthy relayer endpoint using cached health
// data, with deterministic round-robin tie-breaking and a full round-robin
// fallback when every candidate looks unhealthy.
type Router struct {
	discovery *Discovery
	health    *HealthCache
	log       *slog.Logger

	mu     sync.Mutex
	cursor int
}

// New creates a Router over the given discovery and health caches.
func New(discovery *Discovery, health *HealthCache) *Router {
	return &Router{
		discovery: discovery,
		health:    health,
		log:       slog.Default().With("component", "router"),
	}
}

// SelectEndpoint picks a dispatch target. It only errors when there are zero
// candidates; any probing failure degrades to round-robin instead.
func (r *Router) SelectEndpoint(ctx context.Context) (Selection, error) {
	start := time.Now()
	defer func() {
		metrics.RoutingDuration.Observe(time.Since(start).Seconds())
	}()

	candidates := r.discovery.Endpoints(ctx)
	if len(candidates) == 0 {
		return Selection{}, ErrNoEndpoints
	}

	entries := make([]Entry, len(candidates))
	healthy := make([]Entry, 0, len(candidates))
	for i, endpoint := range candidates {
		entries[i] = r.health.Get(ctx, endpoint)
		if entries[i].Healthy {
			healthy = append(healthy, entries[i])
		}
	}

	if len(healthy) == 0 {
		// Round-robin across the full candidate list; a redelivered message
		// beats one stuck behind a throwing router.
		idx := r.advance(len(candidates))
		picked := entries[idx]
		relayerID := picked.RelayerID
		if relayerID == "" {
			relayerID = PlaceholderRelayerID
		}
		r.log.Warn("No healthy endpoints, falling back to round-robin",
			"endpoint", picked.Endpoint, "relayerId", relayerID)
		metrics.RoutingFallbacksTotal.Inc()
		return Selection{Endpoint: picked.Endpoint, RelayerID: relayerID}, nil
	}

	min := healthy[0].PendingCount
	for _, e := range healthy[1:] {
		if e.PendingCount < min {
			min = e.PendingCount
		}
	}

	tied := make([]Entry, 0, len(healthy))
	for _, e := range healthy {
		if e.PendingCount == min {
			tied = append(tied, e)
		}
	}

	// Ties rotate through the tied subset only, so equal-load endpoints get
	// even distribution across repeated calls.
	picked := tied[r.advance(len(tied))]
	return Selection{Endpoint: picked.Endpoint, RelayerID: picked.RelayerID}, nil
}

// advance returns the shared cursor modulo n and steps it. Modulo arithmetic
// keeps it safe across overflow.
func (r *Router) advance(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cursor < 0 {
		r.cursor = 0
	}
	idx := r.cursor % n
	r.cursor++
	return idx
}

// Invalidate drops the cached health entry for one endpoint.
func (r *Router) Invalidate(endpoint string) {
	r.health.Invalidate(endpoint)
}

// Candidates returns the current candidate endpoint list.
func (r *Router) Candidates(ctx context.Context) []string {
	return r.discovery.Endpoints(ctx)
}

// Snapshot returns the current health cache contents.
func (r *Router) Snapshot() []Entry {
	return r.health.Snapshot()
}
