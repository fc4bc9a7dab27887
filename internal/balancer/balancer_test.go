package balancer

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/l8e-harbor/l8e-harbor/internal/model"
)

func route(id string, sticky bool, backends ...model.Backend) *model.Route {
	return &model.Route{ID: id, Path: "/", StickySession: sticky, Backends: backends}
}

func TestWeightedRoundRobinDistribution(t *testing.T) {
	s := New(nil)
	r := route("r1", false,
		model.Backend{URL: "http://a", Weight: 2},
		model.Backend{URL: "http://b", Weight: 1},
	)

	counts := map[string]int{}
	for i := 0; i < 9; i++ {
		b := s.Pick(r, nil)
		if b == nil {
			t.Fatal("Pick returned nil")
		}
		counts[b.URL]++
	}
	if counts["http://a"] != 6 || counts["http://b"] != 3 {
		t.Errorf("distribution = %v, want a:6 b:3", counts)
	}
}

func TestDeterministicSequence(t *testing.T) {
	s := New(nil)
	r := route("r1", false,
		model.Backend{URL: "http://a", Weight: 1},
		model.Backend{URL: "http://b", Weight: 1},
	)

	want := []string{"http://a", "http://b", "http://a", "http://b"}
	for i, w := range want {
		if got := s.Pick(r, nil).URL; got != w {
			t.Errorf("pick %d = %s, want %s", i, got, w)
		}
	}
}

func TestZeroWeightNeverSelected(t *testing.T) {
	s := New(nil)
	r := route("r1", false,
		model.Backend{URL: "http://a", Weight: 0},
		model.Backend{URL: "http://b", Weight: 1},
	)

	for i := 0; i < 10; i++ {
		if b := s.Pick(r, nil); b.URL != "http://b" {
			t.Fatalf("zero-weight backend selected on pick %d", i)
		}
	}
}

func TestAllZeroWeightsReturnsNil(t *testing.T) {
	s := New(nil)
	r := route("r1", false, model.Backend{URL: "http://a", Weight: 0})
	if b := s.Pick(r, nil); b != nil {
		t.Errorf("expected nil, got %v", b.URL)
	}
}

func TestWeightChangeUsesNewWeightsWithoutReset(t *testing.T) {
	s := New(nil)
	r := route("r1", false,
		model.Backend{URL: "http://a", Weight: 1},
		model.Backend{URL: "http://b", Weight: 1},
	)

	s.Pick(r, nil) // a
	s.Pick(r, nil) // b, counter now 2

	// Reweight: sum becomes 3, counter keeps counting. Tick 2 mod 3 = 2,
	// a covers [0,2) and b covers [2,3).
	r.Backends[0].Weight = 2
	if got := s.Pick(r, nil).URL; got != "http://b" {
		t.Errorf("after reweight pick = %s, want http://b", got)
	}
}

func TestStickySessionSameClientSameBackend(t *testing.T) {
	s := New(nil)
	r := route("r1", true,
		model.Backend{URL: "http://a", Weight: 1},
		model.Backend{URL: "http://b", Weight: 1},
		model.Backend{URL: "http://c", Weight: 1},
	)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.RemoteAddr = "10.1.2.3:55001"

	first := s.Pick(r, req).URL
	for i := 0; i < 20; i++ {
		req.RemoteAddr = "10.1.2.3:55002" // port must not matter
		if got := s.Pick(r, req).URL; got != first {
			t.Fatalf("sticky pick %d = %s, want %s", i, got, first)
		}
	}
}

func TestStickyUsesForwardedFor(t *testing.T) {
	s := New(nil)
	r := route("r1", true,
		model.Backend{URL: "http://a", Weight: 1},
		model.Backend{URL: "http://b", Weight: 1},
	)

	req1 := httptest.NewRequest(http.MethodGet, "/x", nil)
	req1.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	req1.RemoteAddr = "10.0.0.1:1"

	req2 := httptest.NewRequest(http.MethodGet, "/x", nil)
	req2.Header.Set("X-Forwarded-For", "203.0.113.9")
	req2.RemoteAddr = "10.0.0.2:2"

	if s.Pick(r, req1).URL != s.Pick(r, req2).URL {
		t.Error("same forwarded client must map to the same backend")
	}
}

func TestUnhealthyBackendSkipped(t *testing.T) {
	down := map[string]bool{"http://a": true}
	s := New(func(routeID, url string) bool { return !down[url] })
	r := route("r1", false,
		model.Backend{URL: "http://a", Weight: 1},
		model.Backend{URL: "http://b", Weight: 1},
	)

	for i := 0; i < 5; i++ {
		if got := s.Pick(r, nil).URL; got != "http://b" {
			t.Fatalf("unhealthy backend selected: %s", got)
		}
	}
}

func TestAllUnhealthyFailsOpen(t *testing.T) {
	s := New(func(routeID, url string) bool { return false })
	r := route("r1", false, model.Backend{URL: "http://a", Weight: 1})
	if b := s.Pick(r, nil); b == nil || b.URL != "http://a" {
		t.Error("expected fail-open selection when every backend is unhealthy")
	}
}

func TestStickyUnhealthyFallsThrough(t *testing.T) {
	down := map[string]bool{}
	s := New(func(routeID, url string) bool { return !down[url] })
	r := route("r1", true,
		model.Backend{URL: "http://a", Weight: 1},
		model.Backend{URL: "http://b", Weight: 1},
	)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.RemoteAddr = "10.1.2.3:55001"

	pinned := s.Pick(r, req).URL
	down[pinned] = true

	other := s.Pick(r, req).URL
	if other == pinned {
		t.Errorf("sticky selection did not fall through from unhealthy backend %s", pinned)
	}
}
