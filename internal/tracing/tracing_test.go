package tracing

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMiddlewareEmitsTraceID(t *testing.T) {
	tracer, err := New(Config{Enabled: true, SampleRate: 1.0})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	handler := tracer.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	id := w.Header().Get("X-Trace-ID")
	if len(id) != 32 {
		t.Errorf("X-Trace-ID = %q, want 32 hex chars", id)
	}
}

func TestMiddlewareContinuesIncomingTrace(t *testing.T) {
	tracer, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const incoming = "4bf92f3577b34da6a3ce929d0e0e4736"

	handler := tracer.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	r.Header.Set("traceparent", "00-"+incoming+"-00f067aa0ba902b7-01")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if got := w.Header().Get("X-Trace-ID"); got != incoming {
		t.Errorf("X-Trace-ID = %q, want incoming trace %q", got, incoming)
	}
}

func TestDisabledTracerIsInert(t *testing.T) {
	tracer, err := New(Config{Enabled: false})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if tracer.IsEnabled() {
		t.Error("IsEnabled = true for disabled tracer")
	}

	handler := tracer.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d", w.Code)
	}
	if w.Header().Get("X-Trace-ID") != "" {
		t.Error("disabled tracer set X-Trace-ID")
	}
}

func TestInjectHeadersCopiesRawContext(t *testing.T) {
	src := httptest.NewRequest(http.MethodGet, "/", nil)
	src.Header.Set("traceparent", "00-abc-def-01")
	src.Header.Set("tracestate", "vendor=value")

	dst := httptest.NewRequest(http.MethodGet, "http://upstream/", nil)
	InjectHeaders(src, dst)

	if dst.Header.Get("traceparent") != "00-abc-def-01" {
		t.Error("traceparent not propagated")
	}
	if dst.Header.Get("tracestate") != "vendor=value" {
		t.Error("tracestate not propagated")
	}
}
