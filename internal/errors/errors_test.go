package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	e := New(http.StatusBadRequest, "bad request")
	if e.Status != http.StatusBadRequest {
		t.Errorf("Status = %d, want %d", e.Status, http.StatusBadRequest)
	}
	if e.Detail != "bad request" {
		t.Errorf("Detail = %q, want %q", e.Detail, "bad request")
	}
	if e.Error() != "bad request" {
		t.Errorf("Error() = %q, want %q", e.Error(), "bad request")
	}
}

func TestNewf(t *testing.T) {
	e := Newf(http.StatusConflict, "route %s already exists", "api-v1")
	if e.Status != http.StatusConflict {
		t.Errorf("Status = %d, want %d", e.Status, http.StatusConflict)
	}
	want := "route api-v1 already exists"
	if e.Detail != want {
		t.Errorf("Detail = %q, want %q", e.Detail, want)
	}
}

func TestWrap(t *testing.T) {
	inner := fmt.Errorf("connection refused")
	e := Wrap(inner, http.StatusBadGateway, "upstream error")

	if e.Status != http.StatusBadGateway {
		t.Errorf("Status = %d, want %d", e.Status, http.StatusBadGateway)
	}
	if e.Detail != "upstream error" {
		t.Errorf("Detail = %q, want %q", e.Detail, "upstream error")
	}
	want := "upstream error: connection refused"
	if e.Error() != want {
		t.Errorf("Error() = %q, want %q", e.Error(), want)
	}
	if !Is(e, inner) {
		t.Error("wrapped error should match the inner error via Is")
	}
}

func TestIsMatchesByStatus(t *testing.T) {
	e := Wrap(fmt.Errorf("missing"), http.StatusNotFound, "route not found")
	if !Is(e, ErrNotFound) {
		t.Error("a 404 HarborError should match ErrNotFound")
	}
	if Is(e, ErrUnauthorized) {
		t.Error("a 404 HarborError should not match ErrUnauthorized")
	}
}

func TestAsHarborError(t *testing.T) {
	base := NotFound("route %s not found", "api-v1")
	wrapped := fmt.Errorf("handling request: %w", base)

	he, ok := AsHarborError(wrapped)
	if !ok {
		t.Fatal("AsHarborError should find the HarborError in the chain")
	}
	if he.Status != http.StatusNotFound {
		t.Errorf("Status = %d, want %d", he.Status, http.StatusNotFound)
	}
	if he.Detail != "route api-v1 not found" {
		t.Errorf("Detail = %q", he.Detail)
	}

	if _, ok := AsHarborError(fmt.Errorf("plain")); ok {
		t.Error("AsHarborError should not match a plain error")
	}
}

func TestValidation(t *testing.T) {
	e := Validation("path", "must start with /")
	if e.Status != http.StatusBadRequest {
		t.Errorf("Status = %d, want %d", e.Status, http.StatusBadRequest)
	}
	if e.Detail != "path: must start with /" {
		t.Errorf("Detail = %q", e.Detail)
	}
}

func TestStoreIO(t *testing.T) {
	inner := fmt.Errorf("disk full")
	e := StoreIO(inner, "put")
	if e.Status != http.StatusInternalServerError {
		t.Errorf("Status = %d, want %d", e.Status, http.StatusInternalServerError)
	}
	if e.Detail != "Route store put failed" {
		t.Errorf("Detail = %q", e.Detail)
	}
	if !Is(e, inner) {
		t.Error("StoreIO should wrap the underlying error")
	}
	if strings.Contains(e.Detail, "disk full") {
		t.Error("client-facing detail must not leak the underlying error")
	}
}

func TestSingletonContract(t *testing.T) {
	tests := []struct {
		name   string
		err    *HarborError
		status int
		detail string
	}{
		{"no_route", ErrNoRoute, http.StatusNotFound, "No matching route found"},
		{"unauthorized", ErrUnauthorized, http.StatusUnauthorized, "Authentication required"},
		{"forbidden", ErrForbidden, http.StatusForbidden, "Insufficient role"},
		{"bad_gateway", ErrBadGateway, http.StatusBadGateway, "Backend request failed"},
		{"no_backends", ErrNoBackends, http.StatusServiceUnavailable, "No available backends"},
		{"breaker_open", ErrBreakerOpen, http.StatusServiceUnavailable, "Circuit breaker open"},
		{"gateway_timeout", ErrGatewayTimeout, http.StatusGatewayTimeout, "Upstream request timed out"},
		{"unsupported", ErrUnsupported, http.StatusNotImplemented, "Operation not supported by this adapter"},
		{"internal", ErrInternal, http.StatusInternalServerError, "Internal server error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Status != tt.status {
				t.Errorf("Status = %d, want %d", tt.err.Status, tt.status)
			}
			if tt.err.Detail != tt.detail {
				t.Errorf("Detail = %q, want %q", tt.err.Detail, tt.detail)
			}
		})
	}
}

func TestWriteJSONSingleton(t *testing.T) {
	w := httptest.NewRecorder()
	ErrNoRoute.WriteJSON(w)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var body struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
	if body.Detail != "No matching route found" {
		t.Errorf("detail = %q", body.Detail)
	}
}

func TestWriteJSONDerived(t *testing.T) {
	w := httptest.NewRecorder()
	Newf(http.StatusConflict, "route %s already exists", "api-v1").WriteJSON(w)

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", w.Code, http.StatusConflict)
	}
	var body struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
	if body.Detail != "route api-v1 already exists" {
		t.Errorf("detail = %q", body.Detail)
	}
}

func TestWriteJSONSingletonMatchesEncoder(t *testing.T) {
	// Pre-serialized bytes must be indistinguishable from a live encode.
	pre := httptest.NewRecorder()
	ErrBadGateway.WriteJSON(pre)

	live := httptest.NewRecorder()
	New(ErrBadGateway.Status, ErrBadGateway.Detail).WriteJSON(live)

	if pre.Body.String() != live.Body.String() {
		t.Errorf("pre-serialized body %q differs from encoded body %q",
			pre.Body.String(), live.Body.String())
	}
}
