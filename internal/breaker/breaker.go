// Package breaker keeps one circuit breaker per (route, backend) pair.
// The state machines themselves come from sony/gobreaker; this package
// owns keying, lazy creation, pruning, and the failure classification
// the dataplane needs.
package breaker

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/l8e-harbor/l8e-harbor/internal/logging"
	"github.com/l8e-harbor/l8e-harbor/internal/metrics"
	"github.com/l8e-harbor/l8e-harbor/internal/model"
)

// ErrOpen is returned when the breaker denies a call. Denials are not
// counted as failures and are never retried.
var ErrOpen = errors.New("circuit breaker open")

// UpstreamStatusError marks a completed upstream exchange whose status
// counts as a failure (5xx). The response is still usable by the caller.
type UpstreamStatusError struct {
	StatusCode int
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("upstream returned %d", e.StatusCode)
}

type entry struct {
	cb   *gobreaker.CircuitBreaker[*http.Response]
	spec model.BreakerSpec
}

// Registry holds the per-(route-id, backend-origin) breakers. Entries are
// created lazily on first use and survive route updates while the pair
// remains in the route table.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	logger  *zap.Logger
}

// NewRegistry creates an empty breaker registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		logger:  logging.Global().With(zap.String("component", "circuit_breaker")),
	}
}

// key normalizes the backend URL down to scheme://host so that backends
// differing only in path or query share one breaker per route.
func key(routeID, backendURL string) string {
	return routeID + "|" + backendOrigin(backendURL)
}

func backendOrigin(backendURL string) string {
	u, err := url.Parse(backendURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return backendURL
	}
	return u.Scheme + "://" + u.Host
}

func (r *Registry) get(routeID, backendURL string, spec model.BreakerSpec) *entry {
	k := key(routeID, backendURL)

	r.mu.RLock()
	e, ok := r.entries[k]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[k]; ok {
		return e
	}

	minRequests := uint32(spec.MinimumRequests)
	ratio := float64(spec.FailureThreshold) / 100.0
	settings := gobreaker.Settings{
		Name:        k,
		MaxRequests: 1, // single half-open probe
		Interval:    time.Duration(spec.IntervalMS) * time.Millisecond,
		Timeout:     time.Duration(spec.TimeoutMS) * time.Millisecond,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < minRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= ratio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Info("Circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			metrics.SetCircuitBreakerState(backendOrigin(backendURL), routeID, metricState(to))
		},
	}
	e = &entry{cb: gobreaker.NewCircuitBreaker[*http.Response](settings), spec: spec}
	r.entries[k] = e
	return e
}

// Execute runs fn under the breaker for (route, backendURL). When the
// route disables its breaker, fn runs directly. A denial returns
// ErrOpen; fn's own result and error pass through otherwise, so a 5xx
// response reported via UpstreamStatusError is still returned for
// streaming.
func (r *Registry) Execute(route *model.Route, backendURL string, fn func() (*http.Response, error)) (*http.Response, error) {
	if !route.Breaker.Enabled {
		return fn()
	}

	e := r.get(route.ID, backendURL, route.Breaker)
	resp, err := e.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrOpen
	}
	return resp, err
}

// State returns the breaker state for a pair, or "closed" when no
// breaker exists yet.
func (r *Registry) State(routeID, backendURL string) string {
	r.mu.RLock()
	e, ok := r.entries[key(routeID, backendURL)]
	r.mu.RUnlock()
	if !ok {
		return gobreaker.StateClosed.String()
	}
	return e.cb.State().String()
}

// Prune drops breakers whose (route, backend) pair is no longer present
// in the route table. Called on every index rebuild.
func (r *Registry) Prune(routes []*model.Route) {
	live := make(map[string]bool)
	for _, rt := range routes {
		for _, b := range rt.Backends {
			live[key(rt.ID, b.URL)] = true
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.entries {
		if !live[k] {
			delete(r.entries, k)
		}
	}
}

// BreakerStatus is one row of the admin status snapshot.
type BreakerStatus struct {
	RouteID  string `json:"route_id"`
	Backend  string `json:"backend"`
	State    string `json:"state"`
	Requests uint32 `json:"requests"`
	Failures uint32 `json:"failures"`
}

// Snapshot returns the current state of every breaker, sorted by key
// for stable output.
func (r *Registry) Snapshot() []BreakerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]BreakerStatus, 0, len(r.entries))
	for k, e := range r.entries {
		routeID, backend := splitKey(k)
		counts := e.cb.Counts()
		out = append(out, BreakerStatus{
			RouteID:  routeID,
			Backend:  backend,
			State:    e.cb.State().String(),
			Requests: counts.Requests,
			Failures: counts.TotalFailures,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RouteID != out[j].RouteID {
			return out[i].RouteID < out[j].RouteID
		}
		return out[i].Backend < out[j].Backend
	})
	return out
}

func splitKey(k string) (routeID, backend string) {
	for i := 0; i < len(k); i++ {
		if k[i] == '|' {
			return k[:i], k[i+1:]
		}
	}
	return k, ""
}

// metricState maps gobreaker states onto the exported gauge convention:
// 0 closed, 1 open, 2 half-open.
func metricState(s gobreaker.State) int {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}
