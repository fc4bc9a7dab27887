package memory

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	herrors "github.com/l8e-harbor/l8e-harbor/internal/errors"
	"github.com/l8e-harbor/l8e-harbor/internal/model"
	"github.com/l8e-harbor/l8e-harbor/internal/store"
)

func testRoute(id string) *model.Route {
	return &model.Route{
		ID:          id,
		Path:        "/" + id,
		Methods:     []string{"GET"},
		Backends:    []model.Backend{{URL: "http://127.0.0.1:9000", Weight: 100}},
		TimeoutMS:   5000,
		StripPrefix: true,
	}
}

func TestPutGetDelete(t *testing.T) {
	s, err := New("")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()

	created, err := s.Put(ctx, testRoute("api"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if !created {
		t.Error("first put should report created")
	}

	got, err := s.Get(ctx, "api")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Path != "/api" {
		t.Errorf("path = %q", got.Path)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("timestamps not set on create")
	}

	// Replacement keeps created_at and reports created=false.
	first := got.CreatedAt
	time.Sleep(10 * time.Millisecond)
	r2 := testRoute("api")
	r2.Priority = 5
	created, err = s.Put(ctx, r2)
	if err != nil {
		t.Fatalf("put update: %v", err)
	}
	if created {
		t.Error("replacement should report created=false")
	}
	got, _ = s.Get(ctx, "api")
	if !got.CreatedAt.Equal(first) {
		t.Errorf("created_at changed on update: %v -> %v", first, got.CreatedAt)
	}
	if !got.UpdatedAt.After(first) {
		t.Error("updated_at not advanced")
	}
	if got.Priority != 5 {
		t.Errorf("priority = %d, want 5", got.Priority)
	}

	if err := s.Delete(ctx, "api"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, "api"); !herrors.Is(err, herrors.ErrNotFound) {
		t.Errorf("get after delete = %v, want not found", err)
	}
	if err := s.Delete(ctx, "api"); !herrors.Is(err, herrors.ErrNotFound) {
		t.Errorf("double delete = %v, want not found", err)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s, _ := New("")
	defer s.Close()
	ctx := context.Background()

	s.Put(ctx, testRoute("api"))
	got, _ := s.Get(ctx, "api")
	got.Backends[0].URL = "http://mutated:1"

	again, _ := s.Get(ctx, "api")
	if again.Backends[0].URL != "http://127.0.0.1:9000" {
		t.Error("store handed out a shared route")
	}
}

func TestWatchEvents(t *testing.T) {
	s, _ := New("")
	defer s.Close()
	ctx := context.Background()

	ch, cancel := s.Watch(ctx)
	defer cancel()

	s.Put(ctx, testRoute("api"))
	ev := <-ch
	if ev.Type != store.EventPut || ev.ID != "api" || ev.Route == nil {
		t.Errorf("put event = %+v", ev)
	}

	s.Delete(ctx, "api")
	ev = <-ch
	if ev.Type != store.EventDelete || ev.ID != "api" || ev.Route != nil {
		t.Errorf("delete event = %+v", ev)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.db.snapshot.json")
	ctx := context.Background()

	s, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	s.Put(ctx, testRoute("api"))
	s.Put(ctx, testRoute("web"))
	s.Delete(ctx, "web")
	s.Close()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("snapshot not written: %v", err)
	}

	s2, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	routes, _ := s2.List(ctx)
	if len(routes) != 1 || routes[0].ID != "api" {
		t.Errorf("reloaded routes = %+v", routes)
	}
}

func TestCorruptSnapshotStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.db.snapshot.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := New(path)
	if err != nil {
		t.Fatalf("corrupt snapshot should not fail startup: %v", err)
	}
	defer s.Close()

	routes, _ := s.List(context.Background())
	if len(routes) != 0 {
		t.Errorf("expected empty store, got %d routes", len(routes))
	}
}
