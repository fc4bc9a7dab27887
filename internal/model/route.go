package model

import (
	"encoding/json"
	"time"
)

// Matcher sources and operations.
const (
	MatcherHeader = "header"
	MatcherQuery  = "query"
	MatcherCookie = "cookie"

	OpEquals   = "equals"
	OpContains = "contains"
	OpRegex    = "regex"
	OpExists   = "exists"
)

// Middleware names recognised by the dataplane. Unknown names are
// accepted and ignored at dispatch.
const (
	MiddlewareAuth          = "auth"
	MiddlewareLogging       = "logging"
	MiddlewareHeaderRewrite = "header-rewrite"
)

// RetryOn tokens.
const (
	Retry5xx          = "5xx"
	RetryGatewayError = "gateway-error"
	RetryTimeout      = "timeout"
)

func defaultMethods() []string {
	return []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"}
}

// Route is a declarative rule mapping a request predicate to one or more
// upstream backends.
type Route struct {
	ID            string           `json:"id" yaml:"id" validate:"required,route_id"`
	Description   string           `json:"description,omitempty" yaml:"description,omitempty"`
	Path          string           `json:"path" yaml:"path" validate:"required,startswith=/"`
	Methods       []string         `json:"methods" yaml:"methods" validate:"dive,oneof=GET POST PUT DELETE PATCH OPTIONS HEAD TRACE"`
	Backends      []Backend        `json:"backends" yaml:"backends" validate:"required,min=1,dive"`
	Priority      int              `json:"priority" yaml:"priority" validate:"gte=0"`
	StripPrefix   bool             `json:"strip_prefix" yaml:"strip_prefix"`
	StickySession bool             `json:"sticky_session" yaml:"sticky_session"`
	TimeoutMS     int              `json:"timeout_ms" yaml:"timeout_ms" validate:"gte=100,lte=300000"`
	RetryPolicy   RetryPolicy      `json:"retry_policy" yaml:"retry_policy"`
	Breaker       BreakerSpec      `json:"circuit_breaker" yaml:"circuit_breaker"`
	Middleware    []MiddlewareSpec `json:"middleware,omitempty" yaml:"middleware,omitempty" validate:"dive"`
	Matchers      []Matcher        `json:"matchers,omitempty" yaml:"matchers,omitempty" validate:"dive"`
	CreatedAt     time.Time        `json:"created_at" yaml:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at" yaml:"updated_at"`
}

// UnmarshalJSON applies field defaults before decoding so that omitted
// fields land on their documented defaults rather than Go zero values.
func (r *Route) UnmarshalJSON(data []byte) error {
	type alias Route
	a := alias{
		StripPrefix: true,
		TimeoutMS:   5000,
		RetryPolicy: DefaultRetryPolicy(),
		Breaker:     DefaultBreakerSpec(),
	}
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	if a.Methods == nil {
		a.Methods = defaultMethods()
	}
	*r = Route(a)
	return nil
}

// Clone returns a deep copy of the route. Stores hand out clones so
// callers cannot mutate shared state.
func (r *Route) Clone() *Route {
	c := *r
	c.Methods = append([]string(nil), r.Methods...)
	c.Backends = append([]Backend(nil), r.Backends...)
	for i := range c.Backends {
		if r.Backends[i].TLS != nil {
			tls := *r.Backends[i].TLS
			c.Backends[i].TLS = &tls
		}
	}
	if r.Middleware != nil {
		c.Middleware = make([]MiddlewareSpec, len(r.Middleware))
		for i, m := range r.Middleware {
			c.Middleware[i] = m.clone()
		}
	}
	c.Matchers = append([]Matcher(nil), r.Matchers...)
	return &c
}

// HasMethod reports whether the route accepts the given HTTP method.
func (r *Route) HasMethod(method string) bool {
	for _, m := range r.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// TotalWeight returns the sum of backend weights.
func (r *Route) TotalWeight() int {
	total := 0
	for _, b := range r.Backends {
		total += b.Weight
	}
	return total
}

// Backend is one upstream target of a route.
type Backend struct {
	URL             string      `json:"url" yaml:"url" validate:"required"`
	Weight          int         `json:"weight" yaml:"weight" validate:"gte=0,lte=1000"`
	HealthCheckPath string      `json:"health_check_path" yaml:"health_check_path"`
	TLS             *BackendTLS `json:"tls,omitempty" yaml:"tls,omitempty"`
}

func (b *Backend) UnmarshalJSON(data []byte) error {
	type alias Backend
	a := alias{
		Weight:          100,
		HealthCheckPath: "/healthz",
	}
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*b = Backend(a)
	return nil
}

// BackendTLS controls the upstream TLS client behaviour for one backend.
type BackendTLS struct {
	InsecureSkipVerify bool   `json:"insecure_skip_verify" yaml:"insecure_skip_verify"`
	CACertSecret       string `json:"ca_cert_secret,omitempty" yaml:"ca_cert_secret,omitempty"`
	CertSecret         string `json:"cert_secret,omitempty" yaml:"cert_secret,omitempty"`
}

// RetryPolicy controls per-route retry behaviour.
type RetryPolicy struct {
	MaxRetries int      `json:"max_retries" yaml:"max_retries" validate:"gte=0,lte=10"`
	BackoffMS  int      `json:"backoff_ms" yaml:"backoff_ms" validate:"gte=0"`
	RetryOn    []string `json:"retry_on" yaml:"retry_on" validate:"dive,oneof=5xx gateway-error timeout"`
}

// DefaultRetryPolicy returns the policy applied when a route omits one:
// no retries.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 0,
		BackoffMS:  100,
		RetryOn:    []string{},
	}
}

func (p *RetryPolicy) UnmarshalJSON(data []byte) error {
	type alias RetryPolicy
	a := alias{BackoffMS: 100}
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	if a.RetryOn == nil {
		a.RetryOn = []string{}
	}
	*p = RetryPolicy(a)
	return nil
}

// Covers reports whether the policy retries the given failure class.
func (p *RetryPolicy) Covers(class string) bool {
	for _, c := range p.RetryOn {
		if c == class {
			return true
		}
	}
	return false
}

// BreakerSpec configures the per-backend circuit breaker of a route.
type BreakerSpec struct {
	Enabled          bool `json:"enabled" yaml:"enabled"`
	FailureThreshold int  `json:"failure_threshold" yaml:"failure_threshold" validate:"gte=1,lte=100"` // percent
	MinimumRequests  int  `json:"minimum_requests" yaml:"minimum_requests" validate:"gte=1"`
	IntervalMS       int  `json:"interval_ms" yaml:"interval_ms" validate:"gte=1000"`
	TimeoutMS        int  `json:"timeout_ms" yaml:"timeout_ms" validate:"gte=1000"`
}

// DefaultBreakerSpec returns the breaker applied when a route omits one.
// Disabled by default.
func DefaultBreakerSpec() BreakerSpec {
	return BreakerSpec{
		Enabled:          false,
		FailureThreshold: 50,
		MinimumRequests:  20,
		IntervalMS:       60000,
		TimeoutMS:        30000,
	}
}

func (s *BreakerSpec) UnmarshalJSON(data []byte) error {
	type alias BreakerSpec
	a := alias(DefaultBreakerSpec())
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*s = BreakerSpec(a)
	return nil
}

// MiddlewareSpec names one request-processing step with its config.
type MiddlewareSpec struct {
	Name   string         `json:"name" yaml:"name" validate:"required"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

func (m MiddlewareSpec) clone() MiddlewareSpec {
	c := MiddlewareSpec{Name: m.Name}
	if m.Config != nil {
		c.Config = make(map[string]any, len(m.Config))
		for k, v := range m.Config {
			c.Config[k] = v
		}
	}
	return c
}

// Matcher is a per-route predicate over a header, query parameter, or
// cookie. All matchers of a route must hold in addition to path and
// method.
type Matcher struct {
	Name  string `json:"name" yaml:"name" validate:"required,oneof=header query cookie"`
	Key   string `json:"key" yaml:"key" validate:"required,matcher_key"`
	Op    string `json:"op" yaml:"op" validate:"required,oneof=equals contains regex exists"`
	Value string `json:"value,omitempty" yaml:"value,omitempty"`
}

func (m *Matcher) UnmarshalJSON(data []byte) error {
	type alias Matcher
	a := alias{Op: OpEquals}
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*m = Matcher(a)
	return nil
}

// RouteList is the export document shape.
type RouteList struct {
	APIVersion string         `json:"apiVersion" yaml:"apiVersion"`
	Kind       string         `json:"kind" yaml:"kind"`
	Metadata   ExportMetadata `json:"metadata" yaml:"metadata"`
	Items      []*Route       `json:"items" yaml:"items"`
}

// ExportMetadata records who exported a RouteList and when.
type ExportMetadata struct {
	ExportedAt string `json:"exported_at" yaml:"exported_at"`
	ExportedBy string `json:"exported_by" yaml:"exported_by"`
}
