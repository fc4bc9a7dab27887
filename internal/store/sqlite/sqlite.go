package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	herrors "github.com/l8e-harbor/l8e-harbor/internal/errors"
	"github.com/l8e-harbor/l8e-harbor/internal/logging"
	"github.com/l8e-harbor/l8e-harbor/internal/metrics"
	"github.com/l8e-harbor/l8e-harbor/internal/model"
	"github.com/l8e-harbor/l8e-harbor/internal/store"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS routes (
	id TEXT PRIMARY KEY,
	spec TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_routes_path
	ON routes(json_extract(spec, '$.path'));
CREATE INDEX IF NOT EXISTS idx_routes_priority
	ON routes(json_extract(spec, '$.priority'));
`

// Store persists routes in a SQLite database.
type Store struct {
	db     *sqlx.DB
	hub    *store.Hub
	logger *zap.Logger
}

// New opens (creating if needed) the database at path and ensures the
// schema exists.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, herrors.StoreIO(err, "create database directory")
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, herrors.StoreIO(err, "open database")
	}
	// SQLite serializes writers anyway; a single connection sidesteps
	// SQLITE_BUSY under concurrent mutation.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, herrors.StoreIO(err, "initialize schema")
	}

	return &Store{
		db:     db,
		hub:    store.NewHub(),
		logger: logging.Global().With(zap.String("component", "route_store")),
	}, nil
}

// List returns all routes ordered by id.
func (s *Store) List(ctx context.Context) ([]*model.Route, error) {
	var specs []string
	err := s.db.SelectContext(ctx, &specs, "SELECT spec FROM routes ORDER BY id")
	metrics.RecordStoreOperation("list", err)
	if err != nil {
		return nil, herrors.StoreIO(err, "list routes")
	}

	routes := make([]*model.Route, 0, len(specs))
	for _, raw := range specs {
		var r model.Route
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			s.logger.Warn("Skipping undecodable route row", zap.Error(err))
			continue
		}
		routes = append(routes, &r)
	}
	return routes, nil
}

// Get returns the route with the given id.
func (s *Store) Get(ctx context.Context, id string) (*model.Route, error) {
	var raw string
	err := s.db.GetContext(ctx, &raw, "SELECT spec FROM routes WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		metrics.RecordStoreOperation("get", herrors.ErrNotFound)
		return nil, herrors.NotFound("Route '%s' not found", id)
	}
	metrics.RecordStoreOperation("get", err)
	if err != nil {
		return nil, herrors.StoreIO(err, "get route")
	}

	var r model.Route
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, herrors.StoreIO(err, "decode route")
	}
	return &r, nil
}

// Put inserts or replaces a route inside a transaction. The stored
// created_at survives replacement.
func (s *Store) Put(ctx context.Context, route *model.Route) (bool, error) {
	r := route.Clone()
	now := time.Now().UTC()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		metrics.RecordStoreOperation("put", err)
		return false, herrors.StoreIO(err, "begin put")
	}
	defer tx.Rollback()

	var createdAt time.Time
	err = tx.GetContext(ctx, &createdAt, "SELECT created_at FROM routes WHERE id = ?", r.ID)
	created := errors.Is(err, sql.ErrNoRows)
	if err != nil && !created {
		metrics.RecordStoreOperation("put", err)
		return false, herrors.StoreIO(err, "read existing route")
	}

	if created {
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
	} else {
		r.CreatedAt = createdAt.UTC()
	}
	r.UpdatedAt = now

	spec, err := json.Marshal(r)
	if err != nil {
		metrics.RecordStoreOperation("put", err)
		return false, herrors.StoreIO(err, "encode route")
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO routes (id, spec, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET spec = excluded.spec, updated_at = excluded.updated_at`,
		r.ID, string(spec), r.CreatedAt, r.UpdatedAt,
	)
	if err == nil {
		err = tx.Commit()
	}
	metrics.RecordStoreOperation("put", err)
	if err != nil {
		return false, herrors.StoreIO(err, "write route")
	}

	s.hub.Broadcast(store.ChangeEvent{Type: store.EventPut, ID: r.ID, Route: r})
	return created, nil
}

// Delete removes a route.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM routes WHERE id = ?", id)
	if err != nil {
		metrics.RecordStoreOperation("delete", err)
		return herrors.StoreIO(err, "delete route")
	}
	n, err := res.RowsAffected()
	if err != nil {
		metrics.RecordStoreOperation("delete", err)
		return herrors.StoreIO(err, "delete route")
	}
	if n == 0 {
		metrics.RecordStoreOperation("delete", herrors.ErrNotFound)
		return herrors.NotFound("Route '%s' not found", id)
	}

	metrics.RecordStoreOperation("delete", nil)
	s.hub.Broadcast(store.ChangeEvent{Type: store.EventDelete, ID: id})
	return nil
}

// Watch subscribes to change events.
func (s *Store) Watch(ctx context.Context) (<-chan store.ChangeEvent, func()) {
	return s.hub.Subscribe(ctx)
}

// Close drops all watch subscribers and closes the database.
func (s *Store) Close() error {
	s.hub.Close()
	return s.db.Close()
}
