// Package mgmt is the management plane: authentication, route CRUD,
// user administration, and operational endpoints under /api/v1 plus the
// reserved root paths (health, metrics, JWKS, service banner).
package mgmt

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/l8e-harbor/l8e-harbor/internal/auth"
	"github.com/l8e-harbor/l8e-harbor/internal/breaker"
	herrors "github.com/l8e-harbor/l8e-harbor/internal/errors"
	"github.com/l8e-harbor/l8e-harbor/internal/health"
	"github.com/l8e-harbor/l8e-harbor/internal/index"
	"github.com/l8e-harbor/l8e-harbor/internal/logging"
	"github.com/l8e-harbor/l8e-harbor/internal/metrics"
	"github.com/l8e-harbor/l8e-harbor/internal/model"
	"github.com/l8e-harbor/l8e-harbor/internal/store"
)

// ReservedPaths are never proxied; the server routes them here.
var ReservedPaths = []string{
	"/api/v1/",
	"/health",
	"/healthz",
	"/readyz",
	"/metrics",
	"/.well-known/jwks.json",
	"/",
}

// API serves the management REST surface.
type API struct {
	adapter  auth.Adapter
	store    store.RouteStore
	idx      *index.Index
	breakers *breaker.Registry
	prober   *health.Prober
	jwtTTL   time.Duration
	version  string
	logger   *zap.Logger
}

// Config assembles an API.
type Config struct {
	Adapter  auth.Adapter
	Store    store.RouteStore
	Index    *index.Index
	Breakers *breaker.Registry
	Prober   *health.Prober
	JWTTTL   time.Duration
	Version  string
}

// New creates the management API.
func New(cfg Config) *API {
	ttl := cfg.JWTTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	return &API{
		adapter:  cfg.Adapter,
		store:    cfg.Store,
		idx:      cfg.Index,
		breakers: cfg.Breakers,
		prober:   cfg.Prober,
		jwtTTL:   ttl,
		version:  version,
		logger:   logging.Global().With(zap.String("component", "mgmt")),
	}
}

// Handler builds the management handler: httprouter for the parameterized
// paths, explicit dispatch for the colon-verb paths httprouter cannot
// express, all behind the auth middleware.
func (a *API) Handler() http.Handler {
	router := httprouter.New()

	router.POST("/api/v1/auth/login", a.handleLogin)
	router.POST("/api/v1/auth/logout", a.handleLogout)
	router.GET("/.well-known/jwks.json", a.handleJWKS)

	router.GET("/api/v1/routes", a.handleListRoutes)
	router.GET("/api/v1/routes/:id", a.handleGetRoute)
	router.PUT("/api/v1/routes/:id", a.handlePutRoute)
	router.DELETE("/api/v1/routes/:id", a.handleDeleteRoute)

	router.POST("/api/v1/bootstrap", a.handleBootstrap)
	router.POST("/api/v1/admin/users", a.handleCreateUser)
	router.GET("/api/v1/admin/users", a.handleListUsers)
	router.GET("/api/v1/admin/users/:username", a.handleGetUser)
	router.PUT("/api/v1/admin/users/:username", a.handleUpdateUser)
	router.DELETE("/api/v1/admin/users/:username", a.handleDeleteUser)
	router.GET("/api/v1/admin/status", a.handleAdminStatus)

	router.GET("/health", a.handleHealth)
	router.GET("/healthz", a.handleHealth)
	router.GET("/readyz", a.handleReady)
	router.Handler(http.MethodGet, "/metrics", metrics.Handler())
	router.GET("/", a.handleRoot)

	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		herrors.ErrNotFound.WriteJSON(w)
	})
	router.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"detail": "Method not allowed"})
	})

	// The bulk-apply and export verbs carry a ':' inside the final path
	// segment, which httprouter reads as a wildcard marker.
	mux := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/routes:bulk-apply":
			if r.Method != http.MethodPost {
				writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"detail": "Method not allowed"})
				return
			}
			a.handleBulkApply(w, r)
		case "/api/v1/routes:export":
			if r.Method != http.MethodGet {
				writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"detail": "Method not allowed"})
				return
			}
			a.handleExport(w, r)
		default:
			router.ServeHTTP(w, r)
		}
	})

	return a.authMiddleware(mux)
}

// exemptFromAuth lists paths reachable without a token. Bootstrap gates
// itself on the bootstrapped state.
func exemptFromAuth(r *http.Request) bool {
	switch r.URL.Path {
	case "/api/v1/auth/login", "/api/v1/bootstrap", "/.well-known/jwks.json",
		"/health", "/healthz", "/readyz", "/metrics", "/":
		return true
	}
	return false
}

// authMiddleware authenticates every request except the exempt paths.
// While the system is unbootstrapped, "X-Admin-Init: true" substitutes a
// synthetic harbor-master identity so the first users can be created.
func (a *API) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if exemptFromAuth(r) {
			next.ServeHTTP(w, r)
			return
		}

		if r.Header.Get("X-Admin-Init") == "true" {
			if um, ok := a.adapter.(auth.UserManager); ok {
				if bootstrapped, err := um.IsBootstrapped(r.Context()); err == nil && !bootstrapped {
					ac := &model.AuthContext{
						Subject: "system-init",
						Role:    model.RoleHarborMaster,
						Meta:    map[string]any{"init": true},
					}
					next.ServeHTTP(w, r.WithContext(auth.NewContext(r.Context(), ac)))
					return
				}
			}
		}

		ac := a.adapter.Authenticate(r.Context(), r)
		if ac == nil {
			herrors.ErrUnauthorized.WriteJSON(w)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.NewContext(r.Context(), ac)))
	})
}

// requireHarborMaster enforces the mutating-role rule. detail matches
// the wire contract of the surface it guards.
func requireHarborMaster(w http.ResponseWriter, r *http.Request, detail string) (*model.AuthContext, bool) {
	ac, ok := auth.FromContext(r.Context())
	if !ok {
		herrors.ErrUnauthorized.WriteJSON(w)
		return nil, false
	}
	if !ac.IsHarborMaster() {
		writeJSON(w, http.StatusForbidden, map[string]string{"detail": detail})
		return nil, false
	}
	return ac, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeErr renders any error as {"detail": ...} with its status; errors
// without a status become 500s.
func (a *API) writeErr(w http.ResponseWriter, err error) {
	if he, ok := herrors.AsHarborError(err); ok {
		he.WriteJSON(w)
		return
	}
	a.logger.Error("Unhandled management error", zap.Error(err))
	herrors.ErrInternal.WriteJSON(w)
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if _, err := a.store.List(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (a *API) handleRoot(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "l8e-harbor",
		"version": a.version,
		"status":  "running",
	})
}
