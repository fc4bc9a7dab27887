package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/l8e-harbor/l8e-harbor/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.SecretPath = t.TempDir()
	cfg.RouteStorePath = ""
	cfg.Server.Port = 0
	return cfg
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := testConfig(t)
	cfg.Server.Port = 8443
	s, err := New(cfg, "test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Shutdown(time.Second) })
	return s
}

func TestIsReserved(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/", true},
		{"/api/v1", true},
		{"/api/v1/routes", true},
		{"/api/v1/routes:bulk-apply", true},
		{"/api/v1/auth/login", true},
		{"/health", true},
		{"/healthz", true},
		{"/readyz", true},
		{"/metrics", true},
		{"/.well-known/jwks.json", true},
		{"/svc/users", false},
		{"/apiv1", false},
		{"/api/v2/routes", false},
		{"/healthz/extra", false},
	}
	for _, tt := range tests {
		if got := isReserved(tt.path); got != tt.want {
			t.Errorf("isReserved(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestHandlerSplitsManagementAndProxy(t *testing.T) {
	s := newTestServer(t)

	// Root banner comes from the management plane.
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("root status = %d", w.Code)
	}
	var banner map[string]string
	json.Unmarshal(w.Body.Bytes(), &banner)
	if banner["service"] != "l8e-harbor" {
		t.Errorf("banner = %s", w.Body.String())
	}

	// Management endpoints require a token.
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/routes", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("routes without token status = %d", w.Code)
	}

	// Anything else falls through to the proxy; with no routes loaded
	// that is a 404.
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/svc/users", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("proxy path status = %d", w.Code)
	}
	var body map[string]string
	json.Unmarshal(w.Body.Bytes(), &body)
	if body["detail"] != "No matching route found" {
		t.Errorf("proxy 404 detail = %q", body["detail"])
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.RouteStore = "etcd"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected invalid route_store to fail validation")
	}
}
