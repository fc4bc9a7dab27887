// Package proxy is the dataplane: it matches requests against the route
// index, applies route middleware, selects a backend, and streams the
// exchange with retries and circuit breaking.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/l8e-harbor/l8e-harbor/internal/auth"
	"github.com/l8e-harbor/l8e-harbor/internal/balancer"
	"github.com/l8e-harbor/l8e-harbor/internal/breaker"
	herrors "github.com/l8e-harbor/l8e-harbor/internal/errors"
	"github.com/l8e-harbor/l8e-harbor/internal/index"
	"github.com/l8e-harbor/l8e-harbor/internal/logging"
	"github.com/l8e-harbor/l8e-harbor/internal/metrics"
	"github.com/l8e-harbor/l8e-harbor/internal/model"
	"github.com/l8e-harbor/l8e-harbor/internal/tracing"
)

// Failure classes for retry decisions.
const (
	class5xx          = model.Retry5xx
	classGatewayError = model.RetryGatewayError
	classTimeout      = model.RetryTimeout
)

// Engine is the proxying http.Handler mounted under every non-reserved
// path.
type Engine struct {
	index     *index.Index
	selector  *balancer.Selector
	breakers  *breaker.Registry
	adapter   auth.Adapter
	transport http.RoundTripper
	// insecure serves backends that opt out of upstream cert checks.
	insecure http.RoundTripper
	logger   *zap.Logger
}

// Config assembles an Engine.
type Config struct {
	Index    *index.Index
	Selector *balancer.Selector
	Breakers *breaker.Registry
	Adapter  auth.Adapter
	// Transport overrides the default shared transport. Used by tests.
	Transport http.RoundTripper
}

// New creates the proxy engine.
func New(cfg Config) *Engine {
	transport := cfg.Transport
	if transport == nil {
		transport = newTransport(false)
	}
	return &Engine{
		index:     cfg.Index,
		selector:  cfg.Selector,
		breakers:  cfg.Breakers,
		adapter:   cfg.Adapter,
		transport: transport,
		insecure:  newTransport(true),
		logger:    logging.Global().With(zap.String("component", "proxy")),
	}
}

func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := r.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = uuid.NewString()
	}

	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()

	cr := e.index.Lookup(r)
	if cr == nil {
		e.writeError(w, herrors.ErrNoRoute, start, requestID)
		metrics.RecordProxyRequest("", r.Method, http.StatusNotFound, "", time.Since(start))
		return
	}
	route := cr.Route

	if span := trace.SpanFromContext(r.Context()); span.IsRecording() {
		span.SetAttributes(attribute.String("harbor.route_id", route.ID))
	}

	if cr.LogLevel == "debug" {
		e.logger.Debug("Dataplane request",
			zap.String("request_id", requestID),
			zap.String("route_id", route.ID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote", r.RemoteAddr),
		)
	}

	ctx := r.Context()
	if cr.Auth != nil {
		ac := e.adapter.Authenticate(ctx, r)
		if ac == nil {
			e.writeError(w, herrors.ErrUnauthorized, start, requestID)
			e.logAccess(route.ID, "", r, http.StatusUnauthorized, start, 0, requestID)
			return
		}
		if len(cr.Auth.RequireRoles) > 0 && !roleAllowed(ac.Role, cr.Auth.RequireRoles) {
			e.writeError(w, herrors.ErrForbidden, start, requestID)
			e.logAccess(route.ID, "", r, http.StatusForbidden, start, 0, requestID)
			return
		}
		ctx = auth.NewContext(ctx, ac)
		r = r.WithContext(ctx)
	}

	e.dispatch(w, r, cr, start, requestID)
}

// dispatch runs the select-send-retry loop for a matched route.
func (e *Engine) dispatch(w http.ResponseWriter, r *http.Request, cr *index.CompiledRoute, start time.Time, requestID string) {
	route := cr.Route
	ctx := r.Context()
	timeout := time.Duration(route.TimeoutMS) * time.Millisecond
	maxAttempts := route.RetryPolicy.MaxRetries + 1

	// A consumed request body cannot be replayed on a later attempt;
	// server requests carry no GetBody, so any body disables retry.
	hasBody := r.Body != nil && r.Body != http.NoBody && r.ContentLength != 0
	retryBlocked := false

	for attempt := 1; ; attempt++ {
		backend := e.selector.Pick(route, r)
		if backend == nil {
			e.writeError(w, herrors.ErrNoBackends, start, requestID)
			e.logAccess(route.ID, "", r, http.StatusServiceUnavailable, start, attempt, requestID)
			return
		}

		if span := trace.SpanFromContext(ctx); span.IsRecording() {
			span.SetAttributes(attribute.String("harbor.backend", backend.URL))
		}

		target, err := url.Parse(backend.URL)
		if err != nil {
			e.writeError(w, herrors.ErrBadGateway, start, requestID)
			e.logAccess(route.ID, backend.URL, r, http.StatusBadGateway, start, attempt, requestID)
			return
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		upstream := e.buildUpstreamRequest(attemptCtx, r, target, cr, requestID)

		transport := e.transport
		if backend.TLS != nil && backend.TLS.InsecureSkipVerify {
			transport = e.insecure
		}

		resp, err := e.breakers.Execute(route, backend.URL, func() (*http.Response, error) {
			resp, rtErr := transport.RoundTrip(upstream)
			if rtErr != nil {
				return nil, rtErr
			}
			if resp.StatusCode >= 500 {
				// The breaker counts this as a failure; the response itself
				// still reaches the client unless a retry consumes it.
				return resp, &breaker.UpstreamStatusError{StatusCode: resp.StatusCode}
			}
			return resp, nil
		})

		if err == nil {
			status := e.writeResponse(w, resp, start, requestID)
			cancel()
			metrics.RecordProxyRequest(route.ID, r.Method, status, backend.URL, time.Since(start))
			e.logAccess(route.ID, backend.URL, r, status, start, attempt, requestID)
			return
		}

		if errors.Is(err, breaker.ErrOpen) {
			cancel()
			e.writeError(w, herrors.ErrBreakerOpen, start, requestID)
			metrics.RecordProxyRequest(route.ID, r.Method, http.StatusServiceUnavailable, backend.URL, time.Since(start))
			e.logAccess(route.ID, backend.URL, r, http.StatusServiceUnavailable, start, attempt, requestID)
			return
		}

		var upstreamStatus *breaker.UpstreamStatusError
		if errors.As(err, &upstreamStatus) {
			// 5xx from the backend with a live response in hand.
			classes := []string{class5xx}
			if isGatewayStatus(upstreamStatus.StatusCode) {
				classes = append(classes, classGatewayError)
			}
			if attempt < maxAttempts && coversAny(&route.RetryPolicy, classes) {
				if hasBody {
					if !retryBlocked {
						retryBlocked = true
						e.logger.Warn("Retry skipped, request body is not replayable",
							zap.String("request_id", requestID),
							zap.String("route_id", route.ID),
						)
					}
				} else {
					resp.Body.Close()
					cancel()
					if !e.backoff(ctx, route.RetryPolicy.BackoffMS) {
						e.abort(route.ID, backend.URL, r, start, attempt, requestID)
						return
					}
					continue
				}
			}
			status := e.writeResponse(w, resp, start, requestID)
			cancel()
			metrics.RecordProxyRequest(route.ID, r.Method, status, backend.URL, time.Since(start))
			e.logAccess(route.ID, backend.URL, r, status, start, attempt, requestID)
			return
		}

		// Transport-level failure; no response to stream.
		cancel()

		if ctx.Err() == context.Canceled {
			e.abort(route.ID, backend.URL, r, start, attempt, requestID)
			return
		}

		timedOut := isTimeout(err)
		class := classGatewayError
		if timedOut {
			class = classTimeout
		}

		// Transport failures without a status are only retried under their
		// own class; retry_on [5xx] applies to status-bearing responses.
		retryable := route.RetryPolicy.Covers(class)
		if retryable && attempt < maxAttempts && !hasBody {
			if e.backoff(ctx, route.RetryPolicy.BackoffMS) {
				continue
			}
			e.abort(route.ID, backend.URL, r, start, attempt, requestID)
			return
		}
		if retryable && attempt < maxAttempts && hasBody && !retryBlocked {
			retryBlocked = true
			e.logger.Warn("Retry skipped, request body is not replayable",
				zap.String("request_id", requestID),
				zap.String("route_id", route.ID),
			)
		}

		finalErr := herrors.ErrBadGateway
		if timedOut {
			finalErr = herrors.ErrGatewayTimeout
		}
		e.writeError(w, finalErr, start, requestID)
		metrics.RecordProxyRequest(route.ID, r.Method, finalErr.Status, backend.URL, time.Since(start))
		e.logger.Warn("Upstream request failed",
			zap.String("request_id", requestID),
			zap.String("route_id", route.ID),
			zap.String("backend", backend.URL),
			zap.Int("attempts", attempt),
			zap.Error(err),
		)
		e.logAccess(route.ID, backend.URL, r, finalErr.Status, start, attempt, requestID)
		return
	}
}

// buildUpstreamRequest constructs the outbound request by hand: joined
// target path, forwarded headers, hop-by-hop removal, rewrite edits.
func (e *Engine) buildUpstreamRequest(ctx context.Context, r *http.Request, target *url.URL, cr *index.CompiledRoute, requestID string) *http.Request {
	route := cr.Route

	targetURL := *target
	if route.StripPrefix {
		targetURL.Path = singleJoiningSlash(target.Path, stripPrefix(route.Path, r.URL.Path))
	} else {
		targetURL.Path = singleJoiningSlash(target.Path, r.URL.Path)
	}
	targetURL.RawQuery = r.URL.RawQuery

	upstream := (&http.Request{
		Method:        r.Method,
		URL:           &targetURL,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          r.Body,
		ContentLength: r.ContentLength,
		Host:          target.Host,
	}).WithContext(ctx)

	upstream.Header = make(http.Header, len(r.Header)+4)
	for k, vv := range r.Header {
		upstream.Header[k] = append([]string(nil), vv...)
	}
	removeHopHeaders(upstream.Header)

	// Append the direct peer, not the derived client IP: an existing
	// X-Forwarded-For chain already names the original client.
	if peer := peerIP(r.RemoteAddr); peer != "" {
		if prior := upstream.Header.Get("X-Forwarded-For"); prior != "" {
			upstream.Header.Set("X-Forwarded-For", prior+", "+peer)
		} else {
			upstream.Header.Set("X-Forwarded-For", peer)
		}
	}
	if r.TLS != nil {
		upstream.Header.Set("X-Forwarded-Proto", "https")
	} else {
		upstream.Header.Set("X-Forwarded-Proto", "http")
	}
	upstream.Header.Set("X-Forwarded-Host", r.Host)
	upstream.Header.Set("X-Request-Id", requestID)

	if cr.Rewrite != nil {
		for name, value := range cr.Rewrite.Set {
			upstream.Header.Set(name, value)
		}
		for _, name := range cr.Rewrite.Remove {
			upstream.Header.Del(name)
		}
	}

	tracing.InjectHeaders(r, upstream)
	return upstream
}

// writeResponse relays status, headers, and body. The body streams in
// 32KiB slices with a flush per slice when the writer supports it.
func (e *Engine) writeResponse(w http.ResponseWriter, resp *http.Response, start time.Time, requestID string) int {
	defer resp.Body.Close()

	header := w.Header()
	for k, vv := range resp.Header {
		header[k] = append(header[k][:0:0], vv...)
	}
	removeHopHeaders(header)
	header.Set("X-Request-Id", requestID)
	header.Set("X-Process-Time", processTime(start))

	w.WriteHeader(resp.StatusCode)
	copyBody(w, resp.Body)
	return resp.StatusCode
}

func copyBody(w http.ResponseWriter, body io.Reader) {
	flusher, canFlush := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

func (e *Engine) writeError(w http.ResponseWriter, he *herrors.HarborError, start time.Time, requestID string) {
	w.Header().Set("X-Request-Id", requestID)
	w.Header().Set("X-Process-Time", processTime(start))
	he.WriteJSON(w)
}

// abort handles a client disconnect: nothing is written, the access log
// records status 0.
func (e *Engine) abort(routeID, backendURL string, r *http.Request, start time.Time, attempts int, requestID string) {
	e.logAccess(routeID, backendURL, r, 0, start, attempts, requestID)
}

// backoff sleeps between attempts; returns false when the client went
// away first.
func (e *Engine) backoff(ctx context.Context, backoffMS int) bool {
	if backoffMS <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(time.Duration(backoffMS) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (e *Engine) logAccess(routeID, backendURL string, r *http.Request, status int, start time.Time, attempts int, requestID string) {
	e.logger.Info("Request completed",
		zap.String("request_id", requestID),
		zap.String("route_id", routeID),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("backend", backendURL),
		zap.Int("status", status),
		zap.Int("attempts", attempts),
		zap.Duration("duration", time.Since(start)),
	)
}

func processTime(start time.Time) string {
	return fmt.Sprintf("%.6f", time.Since(start).Seconds())
}

func roleAllowed(role string, allowed []string) bool {
	for _, a := range allowed {
		if role == a {
			return true
		}
	}
	return false
}

func isGatewayStatus(status int) bool {
	return status == http.StatusBadGateway ||
		status == http.StatusServiceUnavailable ||
		status == http.StatusGatewayTimeout
}

func coversAny(p *model.RetryPolicy, classes []string) bool {
	for _, c := range classes {
		if p.Covers(c) {
			return true
		}
	}
	return false
}

// peerIP extracts the host part of a RemoteAddr. Addresses without a
// port come back unchanged.
func peerIP(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Hop-by-hop headers stripped in both directions, plus any tokens the
// Connection header names.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(header http.Header) {
	for _, token := range header.Values("Connection") {
		for _, name := range strings.Split(token, ",") {
			if name = strings.TrimSpace(name); name != "" {
				header.Del(name)
			}
		}
	}
	for _, h := range hopHeaders {
		header.Del(h)
	}
}

// singleJoiningSlash joins two URL paths with exactly one slash.
func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

// stripPrefix removes the route path from the request path, yielding at
// minimum "/".
func stripPrefix(pattern, path string) string {
	pattern = strings.Trim(pattern, "/")
	path = strings.Trim(path, "/")

	if pattern == "" {
		return "/" + path
	}

	patternParts := strings.Split(pattern, "/")
	pathParts := strings.Split(path, "/")

	if len(pathParts) <= len(patternParts) {
		return "/"
	}

	suffix := strings.Join(pathParts[len(patternParts):], "/")
	if suffix == "" {
		return "/"
	}
	return "/" + suffix
}
