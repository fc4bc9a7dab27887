package matcher

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/l8e-harbor/l8e-harbor/internal/model"
)

func newRequest(t *testing.T, target string, headers map[string]string, cookies map[string]string) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	for k, v := range cookies {
		r.AddCookie(&http.Cookie{Name: k, Value: v})
	}
	return r
}

func TestCompileRejectsBadRegex(t *testing.T) {
	_, err := Compile([]model.Matcher{
		{Name: model.MatcherHeader, Key: "X-Env", Op: model.OpRegex, Value: "("},
	})
	if err == nil {
		t.Fatal("expected error for unbalanced regex")
	}
}

func TestMatchOps(t *testing.T) {
	tests := []struct {
		name    string
		matcher model.Matcher
		request *http.Request
		want    bool
	}{
		{
			name:    "header equals match",
			matcher: model.Matcher{Name: model.MatcherHeader, Key: "X-Env", Op: model.OpEquals, Value: "prod"},
			request: newRequest(t, "/x", map[string]string{"X-Env": "prod"}, nil),
			want:    true,
		},
		{
			name:    "header equals is case sensitive on value",
			matcher: model.Matcher{Name: model.MatcherHeader, Key: "X-Env", Op: model.OpEquals, Value: "prod"},
			request: newRequest(t, "/x", map[string]string{"X-Env": "PROD"}, nil),
			want:    false,
		},
		{
			name:    "header name lookup is case insensitive",
			matcher: model.Matcher{Name: model.MatcherHeader, Key: "x-env", Op: model.OpEquals, Value: "prod"},
			request: newRequest(t, "/x", map[string]string{"X-Env": "prod"}, nil),
			want:    true,
		},
		{
			name:    "header exists",
			matcher: model.Matcher{Name: model.MatcherHeader, Key: "X-Env", Op: model.OpExists},
			request: newRequest(t, "/x", map[string]string{"X-Env": ""}, nil),
			want:    true,
		},
		{
			name:    "header exists absent",
			matcher: model.Matcher{Name: model.MatcherHeader, Key: "X-Env", Op: model.OpExists},
			request: newRequest(t, "/x", nil, nil),
			want:    false,
		},
		{
			name:    "header contains",
			matcher: model.Matcher{Name: model.MatcherHeader, Key: "User-Agent", Op: model.OpContains, Value: "curl"},
			request: newRequest(t, "/x", map[string]string{"User-Agent": "curl/8.0"}, nil),
			want:    true,
		},
		{
			name:    "header regex is anchored",
			matcher: model.Matcher{Name: model.MatcherHeader, Key: "X-Ver", Op: model.OpRegex, Value: `v[0-9]+`},
			request: newRequest(t, "/x", map[string]string{"X-Ver": "xv12y"}, nil),
			want:    false,
		},
		{
			name:    "header regex full match",
			matcher: model.Matcher{Name: model.MatcherHeader, Key: "X-Ver", Op: model.OpRegex, Value: `v[0-9]+`},
			request: newRequest(t, "/x", map[string]string{"X-Ver": "v12"}, nil),
			want:    true,
		},
		{
			name:    "query exists",
			matcher: model.Matcher{Name: model.MatcherQuery, Key: "v", Op: model.OpExists},
			request: newRequest(t, "/x?v=1", nil, nil),
			want:    true,
		},
		{
			name:    "query equals",
			matcher: model.Matcher{Name: model.MatcherQuery, Key: "v", Op: model.OpEquals, Value: "1"},
			request: newRequest(t, "/x?v=1", nil, nil),
			want:    true,
		},
		{
			name:    "query absent",
			matcher: model.Matcher{Name: model.MatcherQuery, Key: "v", Op: model.OpExists},
			request: newRequest(t, "/x", nil, nil),
			want:    false,
		},
		{
			name:    "cookie equals",
			matcher: model.Matcher{Name: model.MatcherCookie, Key: "session", Op: model.OpEquals, Value: "abc"},
			request: newRequest(t, "/x", nil, map[string]string{"session": "abc"}),
			want:    true,
		},
		{
			name:    "cookie contains miss",
			matcher: model.Matcher{Name: model.MatcherCookie, Key: "session", Op: model.OpContains, Value: "xyz"},
			request: newRequest(t, "/x", nil, map[string]string{"session": "abc"}),
			want:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			compiled, err := Compile([]model.Matcher{tt.matcher})
			if err != nil {
				t.Fatalf("Compile: %v", err)
			}
			if got := compiled[0].Match(tt.request); got != tt.want {
				t.Errorf("Match = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatchAllANDSemantics(t *testing.T) {
	compiled, err := Compile([]model.Matcher{
		{Name: model.MatcherHeader, Key: "X-Env", Op: model.OpEquals, Value: "prod"},
		{Name: model.MatcherQuery, Key: "v", Op: model.OpExists},
	})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	both := newRequest(t, "/x?v=1", map[string]string{"X-Env": "prod"}, nil)
	if !MatchAll(compiled, both) {
		t.Error("expected match when both predicates hold")
	}

	noQuery := newRequest(t, "/x", map[string]string{"X-Env": "prod"}, nil)
	if MatchAll(compiled, noQuery) {
		t.Error("expected no match when query predicate fails")
	}
}

func TestMatchAllEmptyIsTrue(t *testing.T) {
	if !MatchAll(nil, newRequest(t, "/x", nil, nil)) {
		t.Error("empty matcher list must match")
	}
}
