// Package index maintains the dataplane's hot view of the route table:
// an immutable, priority-sorted snapshot published through an atomic
// pointer. Readers never block writers; writers replace the snapshot
// wholesale on every store event.
package index

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/l8e-harbor/l8e-harbor/internal/logging"
	"github.com/l8e-harbor/l8e-harbor/internal/matcher"
	"github.com/l8e-harbor/l8e-harbor/internal/metrics"
	"github.com/l8e-harbor/l8e-harbor/internal/model"
	"github.com/l8e-harbor/l8e-harbor/internal/store"
)

// CompiledRoute is one route with its predicates and middleware config
// resolved ahead of the hot path.
type CompiledRoute struct {
	Route    *model.Route
	matchers []matcher.Compiled

	// Auth is non-nil when the route declares the auth middleware.
	Auth *AuthRequirement
	// LogLevel is set when the route declares the logging middleware.
	LogLevel string
	// Rewrite is non-nil when the route declares header-rewrite; multiple
	// declarations merge in order.
	Rewrite *HeaderRewrite
}

// AuthRequirement is the compiled form of the auth middleware config.
type AuthRequirement struct {
	RequireRoles []string
}

// HeaderRewrite is the compiled form of the header-rewrite middleware.
type HeaderRewrite struct {
	Set    map[string]string
	Remove []string
}

// Matches reports whether the request passes every compiled matcher.
func (c *CompiledRoute) Matches(r *http.Request) bool {
	return matcher.MatchAll(c.matchers, r)
}

type snapshot struct {
	sorted []*CompiledRoute
}

// Index is the MVCC route cache. Start launches the watch loop; Lookup
// reads the current snapshot with a single atomic load.
type Index struct {
	store  store.RouteStore
	resync time.Duration
	logger *zap.Logger

	snap atomic.Pointer[snapshot]

	mu        sync.Mutex
	onRebuild []func(routes []*model.Route)

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an index over the store. resync is the belt-and-braces
// reconcile interval; zero disables it.
func New(st store.RouteStore, resync time.Duration) *Index {
	idx := &Index{
		store:  st,
		resync: resync,
		logger: logging.Global().With(zap.String("component", "route_index")),
		done:   make(chan struct{}),
	}
	idx.snap.Store(&snapshot{})
	return idx
}

// OnRebuild registers a hook invoked with the full route list after
// every snapshot publish. Used by the breaker registry and the health
// prober to track the live backend set. Register before Start.
func (i *Index) OnRebuild(fn func(routes []*model.Route)) {
	i.mu.Lock()
	i.onRebuild = append(i.onRebuild, fn)
	i.mu.Unlock()
}

// Start performs the initial load and launches the watch loop. The
// subscription is opened before the initial List so that writes landing
// between the two are delivered as events rather than lost; applying an
// event already reflected in the List result is a no-op.
func (i *Index) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.Background())
	events, unsub := i.store.Watch(loopCtx)

	routes, err := i.store.List(ctx)
	if err != nil {
		unsub()
		cancel()
		return err
	}
	byID := make(map[string]*model.Route, len(routes))
	for _, r := range routes {
		byID[r.ID] = r
	}
	i.publish(byID)

	i.cancel = cancel
	go i.run(loopCtx, byID, events, unsub)
	return nil
}

// Stop terminates the watch loop and waits for it to exit.
func (i *Index) Stop() {
	if i.cancel != nil {
		i.cancel()
		<-i.done
	}
}

// Lookup returns the best route for the request: highest priority,
// then longest path, then oldest, among routes whose path prefix,
// method set, and matchers all accept the request. Nil when none do.
func (i *Index) Lookup(r *http.Request) *CompiledRoute {
	snap := i.snap.Load()
	for _, cr := range snap.sorted {
		if !pathPrefixMatch(cr.Route.Path, r.URL.Path) {
			continue
		}
		if !cr.Route.HasMethod(r.Method) {
			continue
		}
		if !cr.Matches(r) {
			continue
		}
		return cr
	}
	return nil
}

// Routes returns the routes in the current snapshot in sorted order.
func (i *Index) Routes() []*model.Route {
	snap := i.snap.Load()
	out := make([]*model.Route, len(snap.sorted))
	for j, cr := range snap.sorted {
		out[j] = cr.Route
	}
	return out
}

// Len returns the number of routes in the current snapshot.
func (i *Index) Len() int {
	return len(i.snap.Load().sorted)
}

// pathPrefixMatch implements segment-aware prefix matching: /x matches
// /x and /x/anything but not /xy.
func pathPrefixMatch(routePath, reqPath string) bool {
	if !strings.HasPrefix(reqPath, routePath) {
		return false
	}
	if len(reqPath) == len(routePath) {
		return true
	}
	if strings.HasSuffix(routePath, "/") {
		return true
	}
	return reqPath[len(routePath)] == '/'
}

// run consumes store events, applying them to its private route map and
// republishing. The loop owns byID exclusively; no lock is needed.
func (i *Index) run(ctx context.Context, byID map[string]*model.Route, events <-chan store.ChangeEvent, cancel func()) {
	defer close(i.done)
	defer func() { cancel() }()

	var ticker *time.Ticker
	var tick <-chan time.Time
	if i.resync > 0 {
		ticker = time.NewTicker(i.resync)
		tick = ticker.C
		defer ticker.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			return

		case <-tick:
			if routes, err := i.store.List(ctx); err == nil {
				byID = make(map[string]*model.Route, len(routes))
				for _, r := range routes {
					byID[r.ID] = r
				}
				i.publish(byID)
			} else {
				i.logger.Warn("Route resync failed", zap.Error(err))
			}

		case ev, ok := <-events:
			if !ok {
				// Evicted or store restarted: resubscribe with backoff and
				// resync from List, since events were lost.
				cancel()
				events, cancel = i.resubscribe(ctx)
				if events == nil {
					return
				}
				if routes, err := i.store.List(ctx); err == nil {
					byID = make(map[string]*model.Route, len(routes))
					for _, r := range routes {
						byID[r.ID] = r
					}
					i.publish(byID)
				}
				continue
			}
			switch ev.Type {
			case store.EventPut:
				byID[ev.ID] = ev.Route
			case store.EventDelete:
				delete(byID, ev.ID)
			}
			i.publish(byID)
		}
	}
}

// resubscribe retries store.Watch until a live subscription is obtained
// or ctx ends. Returns (nil, nil) on cancellation.
func (i *Index) resubscribe(ctx context.Context) (<-chan store.ChangeEvent, func()) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0

	for {
		events, cancel := i.store.Watch(ctx)
		select {
		case ev, ok := <-events:
			if !ok {
				// Closed immediately; the store is shutting down or
				// refusing subscribers. Back off and try again.
				cancel()
				i.logger.Warn("Watch subscription closed, retrying")
				select {
				case <-time.After(bo.NextBackOff()):
					continue
				case <-ctx.Done():
					return nil, nil
				}
			}
			// An event arrived before we could return the channel; apply
			// it via the resync the caller performs anyway.
			_ = ev
			return events, cancel
		default:
			return events, cancel
		}
	}
}

// publish compiles and sorts the route set, swaps the snapshot, and
// notifies rebuild hooks.
func (i *Index) publish(byID map[string]*model.Route) {
	compiled := make([]*CompiledRoute, 0, len(byID))
	for _, r := range byID {
		cr, err := compile(r)
		if err != nil {
			// Ingest validation normally prevents this; a raced write or a
			// historical store entry can still carry a bad pattern.
			i.logger.Error("Skipping route with uncompilable matchers",
				zap.String("route_id", r.ID),
				zap.Error(err),
			)
			continue
		}
		compiled = append(compiled, cr)
	}

	sort.SliceStable(compiled, func(a, b int) bool {
		ra, rb := compiled[a].Route, compiled[b].Route
		if ra.Priority != rb.Priority {
			return ra.Priority > rb.Priority
		}
		if len(ra.Path) != len(rb.Path) {
			return len(ra.Path) > len(rb.Path)
		}
		if !ra.CreatedAt.Equal(rb.CreatedAt) {
			return ra.CreatedAt.Before(rb.CreatedAt)
		}
		return ra.ID < rb.ID
	})

	i.snap.Store(&snapshot{sorted: compiled})
	metrics.RoutesTotal.Set(float64(len(compiled)))

	routes := make([]*model.Route, len(compiled))
	for j, cr := range compiled {
		routes[j] = cr.Route
	}
	i.mu.Lock()
	hooks := make([]func([]*model.Route), len(i.onRebuild))
	copy(hooks, i.onRebuild)
	i.mu.Unlock()
	for _, fn := range hooks {
		fn(routes)
	}
}

// compile resolves matchers and middleware configs for one route.
func compile(r *model.Route) (*CompiledRoute, error) {
	compiledMatchers, err := matcher.Compile(r.Matchers)
	if err != nil {
		return nil, err
	}

	cr := &CompiledRoute{Route: r, matchers: compiledMatchers}
	for _, mw := range r.Middleware {
		switch mw.Name {
		case model.MiddlewareAuth:
			cr.Auth = &AuthRequirement{RequireRoles: stringSlice(mw.Config["require_role"])}
		case model.MiddlewareLogging:
			if level, ok := mw.Config["level"].(string); ok {
				cr.LogLevel = level
			}
		case model.MiddlewareHeaderRewrite:
			if cr.Rewrite == nil {
				cr.Rewrite = &HeaderRewrite{Set: make(map[string]string)}
			}
			for name, v := range stringMap(mw.Config["set"]) {
				cr.Rewrite.Set[name] = v
			}
			cr.Rewrite.Remove = append(cr.Rewrite.Remove, stringSlice(mw.Config["remove"])...)
		default:
			// Unknown names are tolerated for forward compatibility.
			logging.Warn("Ignoring unknown middleware",
				zap.String("route_id", r.ID),
				zap.String("middleware", mw.Name),
			)
		}
	}
	return cr, nil
}

func stringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func stringMap(v any) map[string]string {
	switch vv := v.(type) {
	case map[string]string:
		return vv
	case map[string]any:
		out := make(map[string]string, len(vv))
		for k, item := range vv {
			if s, ok := item.(string); ok {
				out[k] = s
			}
		}
		return out
	}
	return nil
}
