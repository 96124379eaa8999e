package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/relayd/internal/core/timeutil"
)

// Registry is the shared membership store endpoints are discovered from.
// Implemented by the redis client's set lookup.
type Registry interface {
	Members(ctx context.Context, key string) ([]string, error)
}

// DiscoveryConfig holds endpoint discovery settings.
type DiscoveryConfig struct {
	RegistryKey     string            `yaml:"registry_key"`
	Port            int               `yaml:"port"`
	StaticEndpoints []string          `yaml:"static_endpoints"`
	TTL             timeutil.Duration `yaml:"ttl"`
}

// Discovery caches the active endpoint set with a short TTL. On registry
// errors or an empty set it serves the last-known list, and before any
// successful refresh, the static configured list.
type Discovery struct {
	registry Registry
	cfg      DiscoveryConfig
	log      *slog.Logger

	mu        sync.Mutex
	cached    []string
	cachedAt  time.Time
	lastKnown []string
}

// NewDiscovery creates the discovery cache.
func NewDiscovery(registry Registry, cfg DiscoveryConfig) *Discovery {
	if cfg.TTL == 0 {
		cfg.TTL = timeutil.Duration(2 * time.Second)
	}
	return &Discovery{
		registry: registry,
		cfg:      cfg,
		log:      slog.Default().With("component", "discovery"),
	}
}

// Endpoints returns the current candidate endpoint list, refreshing from the
// registry when the cache is stale. Never returns an error; fallback order is
// cached -> last-known -> static.
func (d *Discovery) Endpoints(ctx context.Context) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	if time.Since(d.cachedAt) < d.cfg.TTL.Std() {
		return d.serve()
	}

	endpoints, err := d.refresh(ctx)
	// A failed attempt advances the clock too, so an outage costs one
	// registry round trip per TTL window, not one per routing decision.
	d.cachedAt = time.Now()
	if err != nil || len(endpoints) == 0 {
		if err != nil {
			d.log.Warn("Registry lookup failed, using fallback", "error", err)
		}
		d.cached = nil
		return d.serve()
	}

	d.cached = endpoints
	d.lastKnown = endpoints
	return append([]string(nil), endpoints...)
}

// serve returns the best list already on hand: the fresh cache, then the
// last-known registry result, then the static configuration.
func (d *Discovery) serve() []string {
	if len(d.cached) > 0 {
		return append([]string(nil), d.cached...)
	}
	if len(d.lastKnown) > 0 {
		return append([]string(nil), d.lastKnown...)
	}
	return append([]string(nil), d.cfg.StaticEndpoints...)
}

func (d *Discovery) refresh(ctx context.Context) ([]string, error) {
	if d.registry == nil {
		return nil, nil
	}

	// Members come back sorted, so endpoint ordering is deterministic.
	members, err := d.registry.Members(ctx, d.cfg.RegistryKey)
	if err != nil {
		return nil, err
	}

	endpoints := make([]string, 0, len(members))
	for _, host := range members {
		endpoints = append(endpoints, fmt.Sprintf("http://%s:%d", host, d.cfg.Port))
	}
	return endpoints, nil
}
