// Package matcher compiles per-route request predicates over headers,
// query parameters, and cookies. Compilation happens once per route
// rebuild; evaluation is allocation-free on the hot path.
package matcher

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/l8e-harbor/l8e-harbor/internal/model"
)

// Compiled is one route predicate with its regex pre-compiled.
type Compiled struct {
	source string // header, query, cookie
	key    string
	op     string
	value  string
	regex  *regexp.Regexp
}

// Compile turns the matcher documents of a route into evaluable
// predicates. A regex that does not compile fails the whole set; the
// error names the matcher index so ingest can surface it as a 400.
func Compile(specs []model.Matcher) ([]Compiled, error) {
	if len(specs) == 0 {
		return nil, nil
	}

	out := make([]Compiled, 0, len(specs))
	for i, m := range specs {
		c := Compiled{source: m.Name, key: m.Key, op: m.Op, value: m.Value}
		if m.Op == model.OpRegex {
			re, err := regexp.Compile(anchor(m.Value))
			if err != nil {
				return nil, fmt.Errorf("matchers[%d]: invalid regex %q: %w", i, m.Value, err)
			}
			c.regex = re
		}
		out = append(out, c)
	}
	return out, nil
}

// anchor wraps a pattern so it must match the whole value, unless the
// author anchored it already.
func anchor(pattern string) string {
	if strings.HasPrefix(pattern, "^") || strings.HasPrefix(pattern, `\A`) {
		return pattern
	}
	return `\A(?:` + pattern + `)\z`
}

// MatchAll reports whether every predicate holds for the request. An
// empty set is trivially true.
func MatchAll(matchers []Compiled, r *http.Request) bool {
	for i := range matchers {
		if !matchers[i].Match(r) {
			return false
		}
	}
	return true
}

// Match evaluates one predicate against the request.
func (c *Compiled) Match(r *http.Request) bool {
	value, present := c.extract(r)
	switch c.op {
	case model.OpExists:
		return present
	case model.OpEquals:
		return present && value == c.value
	case model.OpContains:
		return present && strings.Contains(value, c.value)
	case model.OpRegex:
		return present && c.regex.MatchString(value)
	}
	return false
}

func (c *Compiled) extract(r *http.Request) (string, bool) {
	switch c.source {
	case model.MatcherHeader:
		values, ok := r.Header[http.CanonicalHeaderKey(c.key)]
		if !ok || len(values) == 0 {
			return "", false
		}
		return values[0], true
	case model.MatcherQuery:
		values, ok := r.URL.Query()[c.key]
		if !ok || len(values) == 0 {
			return "", false
		}
		return values[0], true
	case model.MatcherCookie:
		cookie, err := r.Cookie(c.key)
		if err != nil {
			return "", false
		}
		return cookie.Value, true
	}
	return "", false
}
