package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/relayd/internal/infra/relayer"
)

// fakeProber implements Prober with canned per-endpoint results
type fakeProber struct {
	mu    sync.Mutex
	infos map[string]relayer.Info
	errs  map[string]error
	calls map[string]int
}

func newFakeProber() *fakeProber {
	return &fakeProber{
		infos: make(map[string]relayer.Info),
		errs:  make(map[string]error),
		calls: make(map[string]int),
	}
}

func (f *fakeProber) set(endpoint, id string, pending int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.infos[endpoint] = relayer.Info{ID: id, PendingTransactions: pending, Status: relayer.StatusActive}
	delete(f.errs, endpoint)
}

func (f *fakeProber) fail(endpoint string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[endpoint] = errors.New("probe failed")
}

func (f *fakeProber) Probe(ctx context.Context, endpoint string) (*relayer.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[endpoint]++
	if err, ok := f.errs[endpoint]; ok {
		return nil, err
	}
	info, ok := f.infos[endpoint]
	if !ok {
		return nil, errors.New("unknown endpoint")
	}
	return &info, nil
}

func (f *fakeProber) callCount(endpoint string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[endpoint]
}

func newTestRouter(endpoints []string, prober Prober, ttl time.Duration) *Router {
	discovery := NewDiscovery(nil, DiscoveryConfig{StaticEndpoints: endpoints})
	return New(discovery, NewHealthCache(prober, ttl))
}

func TestSelectEndpoint_PicksLowestPending(t *testing.T) {
	endpoints := []string{"http://r1:8090", "http://r2:8090", "http://r3:8090", "http://r4:8090"}
	prober := newFakeProber()
	prober.set(endpoints[0], "relayer-1", 5)
	prober.set(endpoints[1], "relayer-2", 2)
	prober.set(endpoints[2], "relayer-3", 2)
	prober.set(endpoints[3], "relayer-4", 8)

	rtr := newTestRouter(endpoints, prober, 10*time.Second)

	sel, err := rtr.SelectEndpoint(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sel.Endpoint != endpoints[1] && sel.Endpoint != endpoints[2] {
		t.Errorf("expected an endpoint with pending=2, got %s", sel.Endpoint)
	}
}

func TestSelectEndpoint_TieBreakCyclesTiedSubset(t *testing.T) {
	endpoints := []string{"http://r1:8090", "http://r2:8090", "http://r3:8090"}
	prober := newFakeProber()
	for _, ep := range endpoints {
		prober.set(ep, "relayer", 3)
	}

	rtr := newTestRouter(endpoints, prober, 10*time.Second)

	seen := make(map[string]int)
	for i := 0; i < 3; i++ {
		sel, err := rtr.SelectEndpoint(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		seen[sel.Endpoint]++
	}

	if len(seen) != 3 {
		t.Errorf("expected all 3 tied endpoints before repeating, got %v", seen)
	}

	// Fourth call wraps around
	sel, err := rtr.SelectEndpoint(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen[sel.Endpoint] != 1 {
		t.Errorf("expected wrap-around onto an already-seen endpoint, got %s", sel.Endpoint)
	}
}

func TestSelectEndpoint_TieBreakIgnoresNonTied(t *testing.T) {
	endpoints := []string{"http://r1:8090", "http://r2:8090", "http://r3:8090", "http://r4:8090"}
	prober := newFakeProber()
	prober.set(endpoints[0], "relayer-1", 5)
	prober.set(endpoints[1], "relayer-2", 2)
	prober.set(endpoints[2], "relayer-3", 2)
	prober.set(endpoints[3], "relayer-4", 8)

	rtr := newTestRouter(endpoints, prober, 10*time.Second)

	for i := 0; i < 6; i++ {
		sel, err := rtr.SelectEndpoint(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if sel.Endpoint == endpoints[0] || sel.Endpoint == endpoints[3] {
			t.Errorf("call %d: selected non-minimum endpoint %s", i, sel.Endpoint)
		}
	}
}

func TestSelectEndpoint_FallbackWhenAllUnhealthy(t *testing.T) {
	endpoints := []string{"http://r1:8090", "http://r2:8090"}
	prober := newFakeProber()
	prober.fail(endpoints[0])
	prober.fail(endpoints[1])

	rtr := newTestRouter(endpoints, prober, 10*time.Second)

	seen := make(map[string]bool)
	for i := 0; i < 2; i++ {
		sel, err := rtr.SelectEndpoint(context.Background())
		if err != nil {
			t.Fatalf("routing must not fail when all probes fail: %v", err)
		}
		if sel.Endpoint == "" {
			t.Fatal("expected a non-empty fallback endpoint")
		}
		if sel.RelayerID != PlaceholderRelayerID {
			t.Errorf("expected placeholder relayer id, got %q", sel.RelayerID)
		}
		seen[sel.Endpoint] = true
	}
	if len(seen) != 2 {
		t.Errorf("expected fallback to rotate across candidates, got %v", seen)
	}
}

func TestSelectEndpoint_PausedIsUnhealthy(t *testing.T) {
	endpoints := []string{"http://r1:8090", "http://r2:8090"}
	prober := newFakeProber()
	prober.set(endpoints[0], "relayer-1", 0)
	prober.mu.Lock()
	prober.infos[endpoints[0]] = relayer.Info{ID: "relayer-1", PendingTransactions: 0, Status: "paused"}
	prober.mu.Unlock()
	prober.set(endpoints[1], "relayer-2", 50)

	rtr := newTestRouter(endpoints, prober, 10*time.Second)

	sel, err := rtr.SelectEndpoint(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sel.Endpoint != endpoints[1] {
		t.Errorf("expected the active endpoint despite higher load, got %s", sel.Endpoint)
	}
}

func TestSelectEndpoint_NoCandidates(t *testing.T) {
	rtr := newTestRouter(nil, newFakeProber(), 10*time.Second)

	_, err := rtr.SelectEndpoint(context.Background())
	if !errors.Is(err, ErrNoEndpoints) {
		t.Errorf("expected ErrNoEndpoints, got %v", err)
	}
}

func TestSelectEndpoint_CacheTTL(t *testing.T) {
	endpoints := []string{"http://r1:8090", "http://r2:8090"}
	prober := newFakeProber()
	prober.set(endpoints[0], "relayer-1", 1)
	prober.set(endpoints[1], "relayer-2", 2)

	rtr := newTestRouter(endpoints, prober, 100*time.Millisecond)

	for i := 0; i < 2; i++ {
		if _, err := rtr.SelectEndpoint(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	for _, ep := range endpoints {
		if got := prober.callCount(ep); got != 1 {
			t.Errorf("expected 1 probe for %s within TTL, got %d", ep, got)
		}
	}

	time.Sleep(150 * time.Millisecond)

	if _, err := rtr.SelectEndpoint(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, ep := range endpoints {
		if got := prober.callCount(ep); got != 2 {
			t.Errorf("expected fresh probe for %s after TTL, got %d", ep, got)
		}
	}
}

func TestInvalidate_ForcesFreshProbe(t *testing.T) {
	endpoints := []string{"http://r1:8090", "http://r2:8090"}
	prober := newFakeProber()
	prober.set(endpoints[0], "relayer-1", 1)
	prober.set(endpoints[1], "relayer-2", 2)

	rtr := newTestRouter(endpoints, prober, 10*time.Second)

	if _, err := rtr.SelectEndpoint(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rtr.Invalidate(endpoints[0])

	if _, err := rtr.SelectEndpoint(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := prober.callCount(endpoints[0]); got != 2 {
		t.Errorf("expected invalidated endpoint reprobed, got %d probes", got)
	}
	if got := prober.callCount(endpoints[1]); got != 1 {
		t.Errorf("expected untouched endpoint still cached, got %d probes", got)
	}
}

func TestSnapshot_FailedProbeCachesNegative(t *testing.T) {
	endpoints := []string{"http://r1:8090"}
	prober := newFakeProber()
	prober.fail(endpoints[0])

	cache := NewHealthCache(prober, 10*time.Second)
	rtr := New(NewDiscovery(nil, DiscoveryConfig{StaticEndpoints: endpoints}), cache)

	if _, err := rtr.SelectEndpoint(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Second call must reuse the negative entry instead of hammering a dead
	// endpoint.
	if _, err := rtr.SelectEndpoint(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := prober.callCount(endpoints[0]); got != 1 {
		t.Errorf("expected negative result cached, got %d probes", got)
	}

	snap := rtr.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected 1 snapshot entry, got %d", len(snap))
	}
	if snap[0].Healthy {
		t.Error("expected unhealthy entry")
	}
	if snap[0].PendingCount != PendingUnknown {
		t.Errorf("expected PendingUnknown sentinel, got %d", snap[0].PendingCount)
	}
}
