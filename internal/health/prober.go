// Package health actively probes route backends on their configured
// health_check_path and publishes per-backend up/down state to the
// backend selector and the metrics registry.
package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/l8e-harbor/l8e-harbor/internal/logging"
	"github.com/l8e-harbor/l8e-harbor/internal/metrics"
	"github.com/l8e-harbor/l8e-harbor/internal/model"
)

// Probe state constants. Unknown counts as healthy for selection so a
// fresh backend takes traffic before its first probe completes.
const (
	stateUnknown int32 = iota
	stateHealthy
	stateUnhealthy
)

const (
	// passesToHealthy consecutive successful probes flip a backend up.
	passesToHealthy = 2
	// failsToUnhealthy consecutive failed probes flip a backend down.
	failsToUnhealthy = 3

	probeTimeout = 5 * time.Second
)

type target struct {
	routeID string
	url     string
	path    string

	mu     sync.Mutex
	state  int32
	passes int
	fails  int

	cancel context.CancelFunc
}

func (t *target) key() string { return t.routeID + "|" + t.url }

// Prober runs one probe loop per (route, backend) pair. Update diffs the
// desired set against running loops on every route-index rebuild.
type Prober struct {
	client   *http.Client
	interval time.Duration
	logger   *zap.Logger

	mu      sync.RWMutex
	targets map[string]*target
	stopped bool
}

// NewProber creates a prober. interval zero defaults to 10s.
func NewProber(interval time.Duration) *Prober {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Prober{
		client:   &http.Client{Timeout: probeTimeout},
		interval: interval,
		logger:   logging.Global().With(zap.String("component", "health_prober")),
		targets:  make(map[string]*target),
	}
}

// Update reconciles probe loops with the given route set. New pairs get
// a loop; pairs that vanished are stopped and forgotten.
func (p *Prober) Update(routes []*model.Route) {
	desired := make(map[string]*target)
	for _, r := range routes {
		for _, b := range r.Backends {
			t := &target{routeID: r.ID, url: b.URL, path: b.HealthCheckPath}
			if t.path == "" {
				t.path = "/healthz"
			}
			desired[t.key()] = t
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}

	for k, t := range p.targets {
		if _, ok := desired[k]; !ok {
			t.cancel()
			delete(p.targets, k)
			metrics.BackendUp.DeleteLabelValues(t.url, t.routeID)
		}
	}
	for k, t := range desired {
		if _, ok := p.targets[k]; ok {
			continue
		}
		ctx, cancel := context.WithCancel(context.Background())
		t.cancel = cancel
		p.targets[k] = t
		go p.loop(ctx, t)
	}
}

// Healthy reports whether the pair should receive traffic. Unknown
// pairs and pairs without a probe loop count as healthy.
func (p *Prober) Healthy(routeID, backendURL string) bool {
	p.mu.RLock()
	t, ok := p.targets[routeID+"|"+backendURL]
	p.mu.RUnlock()
	if !ok {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state != stateUnhealthy
}

// BackendStatus is one row of the admin status snapshot.
type BackendStatus struct {
	RouteID string `json:"route_id"`
	Backend string `json:"backend"`
	Healthy bool   `json:"healthy"`
}

// Statuses returns the probed pairs sorted by (route, backend).
func (p *Prober) Statuses() []BackendStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]BackendStatus, 0, len(p.targets))
	for _, t := range p.targets {
		t.mu.Lock()
		healthy := t.state != stateUnhealthy
		t.mu.Unlock()
		out = append(out, BackendStatus{RouteID: t.routeID, Backend: t.url, Healthy: healthy})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RouteID != out[j].RouteID {
			return out[i].RouteID < out[j].RouteID
		}
		return out[i].Backend < out[j].Backend
	})
	return out
}

// Stop terminates every probe loop.
func (p *Prober) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	for k, t := range p.targets {
		t.cancel()
		delete(p.targets, k)
	}
}

func (p *Prober) loop(ctx context.Context, t *target) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.probe(ctx, t)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probe(ctx, t)
		}
	}
}

func (p *Prober) probe(ctx context.Context, t *target) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url+t.path, nil)
	if err != nil {
		p.record(t, false)
		return
	}

	resp, err := p.client.Do(req)
	ok := false
	if err == nil {
		ok = resp.StatusCode >= 200 && resp.StatusCode < 400
		resp.Body.Close()
	}
	p.record(t, ok)
}

func (p *Prober) record(t *target, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ok {
		t.passes++
		t.fails = 0
		if t.state != stateHealthy && t.passes >= passesToHealthy {
			t.state = stateHealthy
			metrics.SetBackendUp(t.url, t.routeID, true)
			p.logger.Info("Backend healthy",
				zap.String("route_id", t.routeID),
				zap.String("backend", t.url),
			)
		}
		return
	}

	t.fails++
	t.passes = 0
	if t.state != stateUnhealthy && t.fails >= failsToUnhealthy {
		t.state = stateUnhealthy
		metrics.SetBackendUp(t.url, t.routeID, false)
		p.logger.Warn("Backend unhealthy",
			zap.String("route_id", t.routeID),
			zap.String("backend", t.url),
		)
	}
}
