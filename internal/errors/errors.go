package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// HarborError represents an error that can be returned to clients.
// The wire shape is {"detail": <message>} with the HTTP status carried
// out of band.
type HarborError struct {
	Status     int    `json:"-"`
	Detail     string `json:"detail"`
	underlying error
}

func (e *HarborError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Detail, e.underlying)
	}
	return e.Detail
}

func (e *HarborError) Unwrap() error {
	return e.underlying
}

// Is matches HarborErrors by status so callers can test error kinds with
// errors.Is against the singletons below.
func (e *HarborError) Is(target error) bool {
	t, ok := target.(*HarborError)
	if !ok {
		return false
	}
	return e.Status == t.Status
}

// WriteJSON writes the error as JSON to the response.
// Base singletons use pre-serialized JSON to avoid allocations on the
// dataplane hot path.
func (e *HarborError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// Common errors. Detail strings are part of the wire contract.
var (
	ErrNoRoute = &HarborError{
		Status: http.StatusNotFound,
		Detail: "No matching route found",
	}

	ErrNotFound = &HarborError{
		Status: http.StatusNotFound,
		Detail: "Not found",
	}

	ErrUnauthorized = &HarborError{
		Status: http.StatusUnauthorized,
		Detail: "Authentication required",
	}

	ErrForbidden = &HarborError{
		Status: http.StatusForbidden,
		Detail: "Insufficient role",
	}

	ErrBadRequest = &HarborError{
		Status: http.StatusBadRequest,
		Detail: "Bad request",
	}

	ErrConflict = &HarborError{
		Status: http.StatusConflict,
		Detail: "Conflict",
	}

	ErrBadGateway = &HarborError{
		Status: http.StatusBadGateway,
		Detail: "Backend request failed",
	}

	ErrNoBackends = &HarborError{
		Status: http.StatusServiceUnavailable,
		Detail: "No available backends",
	}

	ErrBreakerOpen = &HarborError{
		Status: http.StatusServiceUnavailable,
		Detail: "Circuit breaker open",
	}

	ErrGatewayTimeout = &HarborError{
		Status: http.StatusGatewayTimeout,
		Detail: "Upstream request timed out",
	}

	ErrUnsupported = &HarborError{
		Status: http.StatusNotImplemented,
		Detail: "Operation not supported by this adapter",
	}

	ErrInternal = &HarborError{
		Status: http.StatusInternalServerError,
		Detail: "Internal server error",
	}
)

// preSerialized holds JSON-encoded bytes for base error singletons.
var preSerialized map[*HarborError][]byte

func init() {
	bases := []*HarborError{
		ErrNoRoute, ErrNotFound, ErrUnauthorized, ErrForbidden,
		ErrBadRequest, ErrConflict, ErrBadGateway, ErrNoBackends,
		ErrBreakerOpen, ErrGatewayTimeout, ErrUnsupported, ErrInternal,
	}
	preSerialized = make(map[*HarborError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a new HarborError.
func New(status int, detail string) *HarborError {
	return &HarborError{
		Status: status,
		Detail: detail,
	}
}

// Newf creates a new HarborError with a formatted detail message.
func Newf(status int, format string, args ...any) *HarborError {
	return &HarborError{
		Status: status,
		Detail: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an error with a status and client-safe detail.
func Wrap(err error, status int, detail string) *HarborError {
	return &HarborError{
		Status:     status,
		Detail:     detail,
		underlying: err,
	}
}

// Validation builds a 400 naming the offending field.
func Validation(field, problem string) *HarborError {
	return &HarborError{
		Status: http.StatusBadRequest,
		Detail: fmt.Sprintf("%s: %s", field, problem),
	}
}

// NotFound builds a 404 with a formatted detail message.
func NotFound(format string, args ...any) *HarborError {
	return Newf(http.StatusNotFound, format, args...)
}

// StoreIO wraps a persistence failure as a management-plane 500.
func StoreIO(err error, op string) *HarborError {
	return &HarborError{
		Status:     http.StatusInternalServerError,
		Detail:     fmt.Sprintf("Route store %s failed", op),
		underlying: err,
	}
}

// AsHarborError extracts a HarborError from err's chain.
func AsHarborError(err error) (*HarborError, bool) {
	var he *HarborError
	if errors.As(err, &he) {
		return he, true
	}
	return nil, false
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain matching target's type.
func As(err error, target any) bool {
	return errors.As(err, target)
}
