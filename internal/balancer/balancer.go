// Package balancer selects one backend per proxy attempt. Selection is
// weighted deterministic round-robin keyed by a per-route counter, or a
// hash of the client address when the route pins sessions.
package balancer

import (
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/l8e-harbor/l8e-harbor/internal/model"
)

// HealthFunc reports whether a backend is currently healthy. A nil
// HealthFunc treats every backend as healthy.
type HealthFunc func(routeID, backendURL string) bool

// Selector holds the per-route round-robin counters. Counters survive
// route updates so weight changes take effect on the next selection
// without a reset.
type Selector struct {
	mu       sync.Mutex
	counters map[string]*atomic.Uint64
	healthy  HealthFunc
}

// New creates a selector. healthy may be nil.
func New(healthy HealthFunc) *Selector {
	return &Selector{
		counters: make(map[string]*atomic.Uint64),
		healthy:  healthy,
	}
}

func (s *Selector) counter(routeID string) *atomic.Uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[routeID]
	if !ok {
		c = &atomic.Uint64{}
		s.counters[routeID] = c
	}
	return c
}

// Forget drops the counter for a removed route.
func (s *Selector) Forget(routeID string) {
	s.mu.Lock()
	delete(s.counters, routeID)
	s.mu.Unlock()
}

// Pick chooses a backend for one attempt. It prefers healthy backends;
// when every backend is unhealthy it falls open and selects among all
// of them. Returns nil only when no backend carries weight.
func (s *Selector) Pick(route *model.Route, r *http.Request) *model.Backend {
	candidates := route.Backends
	if s.healthy != nil {
		healthy := make([]model.Backend, 0, len(candidates))
		for _, b := range candidates {
			if s.healthy(route.ID, b.URL) {
				healthy = append(healthy, b)
			}
		}
		if len(healthy) > 0 {
			candidates = healthy
		}
	}

	total := 0
	for _, b := range candidates {
		total += b.Weight
	}
	if total <= 0 {
		return nil
	}

	var point uint64
	if route.StickySession && r != nil {
		if ip := ClientIP(r); ip != "" {
			point = xxhash.Sum64String(ip) % uint64(total)
			return pickAt(candidates, point)
		}
	}
	tick := s.counter(route.ID).Add(1) - 1
	point = tick % uint64(total)
	return pickAt(candidates, point)
}

// pickAt returns the backend whose cumulative weight range covers point.
// Zero-weight backends occupy no range and are never selected.
func pickAt(backends []model.Backend, point uint64) *model.Backend {
	var cumulative uint64
	for i := range backends {
		cumulative += uint64(backends[i].Weight)
		if point < cumulative {
			b := backends[i]
			return &b
		}
	}
	return nil
}

// ClientIP extracts the client address used for sticky hashing. The
// first X-Forwarded-For hop wins when present.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for i := 0; i < len(xff); i++ {
			if xff[i] == ',' {
				return trimSpace(xff[:i])
			}
		}
		return trimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func trimSpace(s string) string {
	for len(s) > 0 && (s[0] == ' ' || s[0] == '\t') {
		s = s[1:]
	}
	for len(s) > 0 && (s[len(s)-1] == ' ' || s[len(s)-1] == '\t') {
		s = s[:len(s)-1]
	}
	return s
}
