package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Proxy metrics
	ProxyRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "l8e_proxy_requests_total",
			Help: "Total number of proxied requests by route, method, status, and backend",
		},
		[]string{"route_id", "method", "status_code", "backend"},
	)

	ProxyRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "l8e_proxy_request_duration_seconds",
			Help:    "Proxied request duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		},
		[]string{"route_id", "backend"},
	)

	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "l8e_active_connections",
			Help: "Number of requests currently in flight",
		},
	)

	// Route metrics
	RoutesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "l8e_routes_total",
			Help: "Total number of routes in the index",
		},
	)

	BackendUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "l8e_backend_up",
			Help: "Backend health status (1 = healthy, 0 = unhealthy)",
		},
		[]string{"backend", "route_id"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "l8e_circuit_breaker_state",
			Help: "Circuit breaker state (0 = closed, 1 = open, 2 = half-open)",
		},
		[]string{"backend", "route_id"},
	)

	// Control plane metrics
	AuthAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "l8e_auth_attempts_total",
			Help: "Total number of authentication attempts by adapter and outcome",
		},
		[]string{"adapter_type", "status"},
	)

	RouteStoreOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "l8e_route_store_operations_total",
			Help: "Total number of route store operations by type and outcome",
		},
		[]string{"operation", "status"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ProxyRequestsTotal)
	prometheus.MustRegister(ProxyRequestDuration)
	prometheus.MustRegister(ActiveConnections)
	prometheus.MustRegister(RoutesTotal)
	prometheus.MustRegister(BackendUp)
	prometheus.MustRegister(CircuitBreakerState)
	prometheus.MustRegister(AuthAttemptsTotal)
	prometheus.MustRegister(RouteStoreOperationsTotal)
}

// RecordProxyRequest records one completed proxy attempt.
func RecordProxyRequest(routeID, method string, statusCode int, backend string, elapsed time.Duration) {
	ProxyRequestsTotal.WithLabelValues(routeID, method, strconv.Itoa(statusCode), backend).Inc()
	ProxyRequestDuration.WithLabelValues(routeID, backend).Observe(elapsed.Seconds())
}

// SetBackendUp records a backend health transition.
func SetBackendUp(backend, routeID string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	BackendUp.WithLabelValues(backend, routeID).Set(v)
}

// SetCircuitBreakerState records a breaker state transition.
// State follows the convention 0 closed, 1 open, 2 half-open.
func SetCircuitBreakerState(backend, routeID string, state int) {
	CircuitBreakerState.WithLabelValues(backend, routeID).Set(float64(state))
}

// RecordAuthAttempt records one authentication attempt.
func RecordAuthAttempt(adapterType string, success bool) {
	status := "failure"
	if success {
		status = "success"
	}
	AuthAttemptsTotal.WithLabelValues(adapterType, status).Inc()
}

// RecordStoreOperation records one route store operation.
func RecordStoreOperation(operation string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	RouteStoreOperationsTotal.WithLabelValues(operation, status).Inc()
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
