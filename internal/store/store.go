package store

import (
	"context"
	"sync"

	"github.com/l8e-harbor/l8e-harbor/internal/model"
)

// EventType identifies the kind of route change carried by a ChangeEvent.
type EventType string

const (
	EventPut    EventType = "PUT"
	EventDelete EventType = "DELETE"
)

// ChangeEvent describes a single route mutation.
type ChangeEvent struct {
	Type  EventType
	ID    string
	Route *model.Route // nil for deletes
}

// RouteStore is the persistence interface for routes.
type RouteStore interface {
	List(ctx context.Context) ([]*model.Route, error)
	Get(ctx context.Context, id string) (*model.Route, error)

	// Put inserts or replaces a route, reporting whether a new route
	// was created.
	Put(ctx context.Context, route *model.Route) (bool, error)

	Delete(ctx context.Context, id string) error

	// Watch subscribes to route changes. The returned cancel func
	// releases the subscription. The channel is closed on cancel, on
	// store Close, or when the subscriber falls too far behind; a
	// consumer seeing a closed channel must resubscribe and resync.
	Watch(ctx context.Context) (<-chan ChangeEvent, func())

	Close() error
}

// subscriberBuffer is the per-subscriber event buffer. A subscriber that
// falls this far behind is disconnected rather than blocking writers.
const subscriberBuffer = 64

// Hub fans change events out to watch subscribers. It is shared by the
// store implementations.
type Hub struct {
	mu     sync.Mutex
	subs   map[uint64]chan ChangeEvent
	nextID uint64
	closed bool
}

// NewHub creates an empty subscriber hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]chan ChangeEvent)}
}

// Subscribe registers a watch subscriber tied to ctx.
func (h *Hub) Subscribe(ctx context.Context) (<-chan ChangeEvent, func()) {
	if ctx == nil {
		ctx = context.Background()
	}

	h.mu.Lock()
	ch := make(chan ChangeEvent, subscriberBuffer)
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	remove := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}

	stop := context.AfterFunc(ctx, remove)
	cancel := func() {
		stop()
		remove()
	}
	return ch, cancel
}

// Broadcast delivers ev to every subscriber. Subscribers with full
// buffers are dropped and their channels closed.
func (h *Hub) Broadcast(ev ChangeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			delete(h.subs, id)
			close(ch)
		}
	}
}

// Close drops all subscribers and closes their channels. Further
// broadcasts are no-ops and further subscriptions get a closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
