// Package server assembles the daemon: secret provider, auth adapter,
// route store, route index, health prober, proxy engine, and management
// API, all behind a single listener.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/l8e-harbor/l8e-harbor/internal/auth"
	"github.com/l8e-harbor/l8e-harbor/internal/auth/k8ssa"
	"github.com/l8e-harbor/l8e-harbor/internal/auth/local"
	"github.com/l8e-harbor/l8e-harbor/internal/balancer"
	"github.com/l8e-harbor/l8e-harbor/internal/breaker"
	"github.com/l8e-harbor/l8e-harbor/internal/config"
	"github.com/l8e-harbor/l8e-harbor/internal/health"
	"github.com/l8e-harbor/l8e-harbor/internal/index"
	"github.com/l8e-harbor/l8e-harbor/internal/logging"
	"github.com/l8e-harbor/l8e-harbor/internal/mgmt"
	"github.com/l8e-harbor/l8e-harbor/internal/model"
	"github.com/l8e-harbor/l8e-harbor/internal/proxy"
	"github.com/l8e-harbor/l8e-harbor/internal/secret"
	"github.com/l8e-harbor/l8e-harbor/internal/secret/kubernetes"
	"github.com/l8e-harbor/l8e-harbor/internal/secret/localfs"
	"github.com/l8e-harbor/l8e-harbor/internal/store"
	"github.com/l8e-harbor/l8e-harbor/internal/store/memory"
	"github.com/l8e-harbor/l8e-harbor/internal/store/sqlite"
	"github.com/l8e-harbor/l8e-harbor/internal/tracing"
)

// Server wires every component of the daemon together and owns their
// lifecycles.
type Server struct {
	cfg     *config.Config
	version string

	secrets  secret.Provider
	adapter  auth.Adapter
	store    store.RouteStore
	idx      *index.Index
	prober   *health.Prober
	breakers *breaker.Registry
	tracer   *tracing.Tracer
	engine   *proxy.Engine
	api      *mgmt.API

	httpServer *http.Server
	logger     *zap.Logger
	startTime  time.Time
}

// New builds a server from a resolved configuration. Components are
// created but nothing listens until Run.
func New(cfg *config.Config, version string) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		version:   version,
		logger:    logging.Global().With(zap.String("component", "server")),
		startTime: time.Now(),
	}

	if err := s.initSecrets(); err != nil {
		return nil, err
	}
	if err := s.initAdapter(); err != nil {
		return nil, err
	}
	if err := s.initStore(); err != nil {
		return nil, err
	}

	s.breakers = breaker.NewRegistry()
	s.prober = health.NewProber(0)
	s.idx = index.New(s.store, cfg.ResyncInterval())
	s.idx.OnRebuild(func(routes []*model.Route) {
		s.breakers.Prune(routes)
		s.prober.Update(routes)
	})

	tracer, err := tracing.New(tracing.Config{
		Enabled:  cfg.EnableTracing,
		Endpoint: cfg.TracingEndpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("tracing init: %w", err)
	}
	s.tracer = tracer

	s.engine = proxy.New(proxy.Config{
		Index:    s.idx,
		Selector: balancer.New(s.prober.Healthy),
		Breakers: s.breakers,
		Adapter:  s.adapter,
	})
	s.api = mgmt.New(mgmt.Config{
		Adapter:  s.adapter,
		Store:    s.store,
		Index:    s.idx,
		Breakers: s.breakers,
		Prober:   s.prober,
		JWTTTL:   cfg.JWTTTL(),
		Version:  version,
	})

	handler := s.handler()
	if cfg.EnableTracing {
		handler = s.tracer.Middleware()(handler)
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Address(),
		Handler:           handler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
	}

	return s, nil
}

func (s *Server) initSecrets() error {
	switch s.cfg.SecretProvider {
	case "kubernetes":
		p, err := kubernetes.New(s.cfg.K8sNamespace)
		if err != nil {
			return fmt.Errorf("kubernetes secret provider: %w", err)
		}
		s.secrets = p
	default:
		p, err := localfs.New(s.cfg.SecretPath)
		if err != nil {
			return fmt.Errorf("localfs secret provider: %w", err)
		}
		if err := p.EnsureDefaults(context.Background()); err != nil {
			return fmt.Errorf("seed default secrets: %w", err)
		}
		s.secrets = p
	}
	return nil
}

func (s *Server) initAdapter() error {
	switch s.cfg.AuthAdapter {
	case "k8s_sa":
		a, err := k8ssa.New(s.cfg.K8sRolesMap)
		if err != nil {
			return fmt.Errorf("k8s_sa auth adapter: %w", err)
		}
		s.adapter = a
	default:
		watchDir := ""
		if s.cfg.SecretProvider == "localfs" {
			watchDir = s.cfg.SecretPath
		}
		a, err := local.New(s.secrets, s.cfg.JWTTTL(), watchDir)
		if err != nil {
			return fmt.Errorf("local auth adapter: %w", err)
		}
		s.adapter = a
	}
	return nil
}

func (s *Server) initStore() error {
	switch s.cfg.RouteStore {
	case "sqlite":
		st, err := sqlite.New(s.cfg.RouteStorePath)
		if err != nil {
			return fmt.Errorf("sqlite route store: %w", err)
		}
		s.store = st
	default:
		st, err := memory.New(s.cfg.RouteStorePath)
		if err != nil {
			return fmt.Errorf("memory route store: %w", err)
		}
		s.store = st
	}
	return nil
}

// handler splits traffic between the management plane and the proxy
// engine. Reserved paths never reach a backend.
func (s *Server) handler() http.Handler {
	mgmtHandler := s.api.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isReserved(r.URL.Path) {
			mgmtHandler.ServeHTTP(w, r)
			return
		}
		s.engine.ServeHTTP(w, r)
	})
}

// isReserved reports whether a path belongs to the management plane.
// "/" is reserved only as an exact match so prefix routes under it still
// proxy.
func isReserved(path string) bool {
	if path == "/" {
		return true
	}
	if strings.HasPrefix(path, "/api/v1/") || path == "/api/v1" {
		return true
	}
	switch path {
	case "/health", "/healthz", "/readyz", "/metrics", "/.well-known/jwks.json":
		return true
	}
	// The colon-verb forms share the /api/v1 prefix and are caught above.
	return false
}

// Run starts the listener and blocks until a shutdown signal arrives or
// the listener fails.
func (s *Server) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.RunContext(ctx)
}

// RunContext is Run with caller-controlled cancellation.
func (s *Server) RunContext(ctx context.Context) error {
	if err := s.idx.Start(ctx); err != nil {
		return fmt.Errorf("route index: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("Listening",
			zap.String("address", s.httpServer.Addr),
			zap.Bool("tls", s.cfg.TLS.Enabled()),
			zap.String("mode", s.cfg.Mode),
			zap.String("version", s.version),
		)
		var err error
		if s.cfg.TLS.Enabled() {
			err = s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("Shutting down gracefully")
		return s.Shutdown(30 * time.Second)
	})

	return g.Wait()
}

// Shutdown drains in-flight requests, then stops the background
// components in dependency order.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Listener shutdown error", zap.Error(err))
	}

	s.idx.Stop()
	s.prober.Stop()

	if closer, ok := s.adapter.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			s.logger.Error("Auth adapter close error", zap.Error(err))
		}
	}
	if err := s.tracer.Close(); err != nil {
		s.logger.Error("Tracer close error", zap.Error(err))
	}
	if err := s.store.Close(); err != nil {
		s.logger.Error("Route store close error", zap.Error(err))
	}

	s.logger.Info("Shutdown complete", zap.Duration("uptime", time.Since(s.startTime).Round(time.Second)))
	logging.Sync()
	return nil
}

// Handler exposes the combined handler for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }
