package memory

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	herrors "github.com/l8e-harbor/l8e-harbor/internal/errors"
	"github.com/l8e-harbor/l8e-harbor/internal/logging"
	"github.com/l8e-harbor/l8e-harbor/internal/metrics"
	"github.com/l8e-harbor/l8e-harbor/internal/model"
	"github.com/l8e-harbor/l8e-harbor/internal/store"
	"go.uber.org/zap"
)

// snapshot is the on-disk JSON layout.
type snapshot struct {
	Timestamp time.Time      `json:"timestamp"`
	Routes    []*model.Route `json:"routes"`
}

// Store keeps routes in memory, mirrored to a JSON snapshot on disk so
// restarts do not lose state. An empty path disables persistence.
type Store struct {
	mu     sync.RWMutex
	routes map[string]*model.Route
	hub    *store.Hub
	path   string
	logger *zap.Logger
}

// New creates a memory route store. When path is non-empty an existing
// snapshot is loaded from it and every mutation rewrites it.
func New(path string) (*Store, error) {
	s := &Store{
		routes: make(map[string]*model.Route),
		hub:    store.NewHub(),
		path:   path,
		logger: logging.Global().With(zap.String("component", "route_store")),
	}
	if path != "" {
		if err := s.load(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return herrors.StoreIO(err, "load snapshot")
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		// A corrupt snapshot must not keep the proxy from starting.
		s.logger.Warn("Route snapshot is corrupt, starting empty",
			zap.String("path", s.path),
			zap.Error(err),
		)
		return nil
	}

	for _, r := range snap.Routes {
		s.routes[r.ID] = r
	}
	s.logger.Info("Loaded route snapshot",
		zap.String("path", s.path),
		zap.Int("routes", len(snap.Routes)),
	)
	return nil
}

// persistLocked writes the snapshot. Callers must hold s.mu. Persistence
// failures are logged but do not fail the mutation; memory stays the
// source of truth.
func (s *Store) persistLocked() {
	if s.path == "" {
		return
	}

	snap := snapshot{Timestamp: time.Now().UTC(), Routes: make([]*model.Route, 0, len(s.routes))}
	for _, r := range s.routes {
		snap.Routes = append(snap.Routes, r)
	}
	sort.Slice(snap.Routes, func(i, j int) bool { return snap.Routes[i].ID < snap.Routes[j].ID })

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		s.logger.Error("Failed to marshal route snapshot", zap.Error(err))
		return
	}
	if err := atomicWrite(s.path, data); err != nil {
		s.logger.Error("Failed to write route snapshot",
			zap.String("path", s.path),
			zap.Error(err),
		)
	}
}

// List returns all routes in unspecified order.
func (s *Store) List(ctx context.Context) ([]*model.Route, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.Route, 0, len(s.routes))
	for _, r := range s.routes {
		out = append(out, r.Clone())
	}
	metrics.RecordStoreOperation("list", nil)
	return out, nil
}

// Get returns the route with the given id.
func (s *Store) Get(ctx context.Context, id string) (*model.Route, error) {
	s.mu.RLock()
	r, ok := s.routes[id]
	s.mu.RUnlock()

	if !ok {
		metrics.RecordStoreOperation("get", herrors.ErrNotFound)
		return nil, herrors.NotFound("Route '%s' not found", id)
	}
	metrics.RecordStoreOperation("get", nil)
	return r.Clone(), nil
}

// Put inserts or replaces a route. created_at survives replacement.
func (s *Store) Put(ctx context.Context, route *model.Route) (bool, error) {
	r := route.Clone()
	now := time.Now().UTC()

	s.mu.Lock()
	existing, ok := s.routes[r.ID]
	if ok {
		r.CreatedAt = existing.CreatedAt
	} else if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	s.routes[r.ID] = r
	s.persistLocked()
	s.mu.Unlock()

	s.hub.Broadcast(store.ChangeEvent{Type: store.EventPut, ID: r.ID, Route: r.Clone()})
	metrics.RecordStoreOperation("put", nil)
	return !ok, nil
}

// Delete removes a route.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	_, ok := s.routes[id]
	if !ok {
		s.mu.Unlock()
		metrics.RecordStoreOperation("delete", herrors.ErrNotFound)
		return herrors.NotFound("Route '%s' not found", id)
	}
	delete(s.routes, id)
	s.persistLocked()
	s.mu.Unlock()

	s.hub.Broadcast(store.ChangeEvent{Type: store.EventDelete, ID: id})
	metrics.RecordStoreOperation("delete", nil)
	return nil
}

// Watch subscribes to change events.
func (s *Store) Watch(ctx context.Context) (<-chan store.ChangeEvent, func()) {
	return s.hub.Subscribe(ctx)
}

// Close drops all watch subscribers.
func (s *Store) Close() error {
	s.hub.Close()
	return nil
}

// atomicWrite writes data to a file atomically using tmp+fsync+rename.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	return os.Rename(tmp, path)
}
