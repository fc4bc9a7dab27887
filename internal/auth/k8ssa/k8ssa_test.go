package k8ssa

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	authv1 "k8s.io/api/authentication/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	herrors "github.com/l8e-harbor/l8e-harbor/internal/errors"
	"github.com/l8e-harbor/l8e-harbor/internal/model"
)

// reviewClient builds a fake clientset whose TokenReview endpoint maps
// token strings to usernames. Unknown tokens come back unauthenticated.
func reviewClient(tokens map[string]string) *fake.Clientset {
	client := fake.NewSimpleClientset()
	client.Fake.PrependReactor("create", "tokenreviews",
		func(action k8stesting.Action) (bool, runtime.Object, error) {
			review := action.(k8stesting.CreateAction).GetObject().(*authv1.TokenReview)
			username, ok := tokens[review.Spec.Token]
			result := review.DeepCopy()
			result.Status = authv1.TokenReviewStatus{
				Authenticated: ok,
				User: authv1.UserInfo{
					Username: username,
					Groups:   []string{"system:serviceaccounts"},
				},
			}
			return true, result, nil
		})
	return client
}

func bearerRequest(token string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/api/v1/routes", nil)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}

func TestAuthenticateMapsServiceAccounts(t *testing.T) {
	client := reviewClient(map[string]string{
		"tok-admin":  "system:serviceaccount:infra:l8e-harbor-admin",
		"tok-app":    "system:serviceaccount:apps:web",
		"tok-mapped": "system:serviceaccount:apps:deployer",
		"tok-user":   "kubernetes-admin",
	})
	a := NewWithClient(client, map[string]string{
		"apps:deployer": model.RoleHarborMaster,
	})
	ctx := context.Background()

	tests := []struct {
		token    string
		wantRole string
		wantNil  bool
	}{
		{"tok-admin", model.RoleHarborMaster, false},
		{"tok-app", model.RoleCaptain, false},
		{"tok-mapped", model.RoleHarborMaster, false},
		{"tok-user", "", true},  // not a service account
		{"tok-bogus", "", true}, // unauthenticated
		{"", "", true},          // no header
	}
	for _, tt := range tests {
		ac := a.Authenticate(ctx, bearerRequest(tt.token))
		if tt.wantNil {
			if ac != nil {
				t.Errorf("token %q: got %+v, want nil", tt.token, ac)
			}
			continue
		}
		if ac == nil {
			t.Errorf("token %q: got nil", tt.token)
			continue
		}
		if ac.Role != tt.wantRole {
			t.Errorf("token %q: role = %q, want %q", tt.token, ac.Role, tt.wantRole)
		}
	}
}

func TestAuthenticateRecordsSubjectAndMeta(t *testing.T) {
	client := reviewClient(map[string]string{
		"tok": "system:serviceaccount:apps:web",
	})
	a := NewWithClient(client, nil)

	ac := a.Authenticate(context.Background(), bearerRequest("tok"))
	if ac == nil {
		t.Fatal("Authenticate returned nil")
	}
	if ac.Subject != "system:serviceaccount:apps:web" {
		t.Errorf("Subject = %q", ac.Subject)
	}
	if ac.Meta["namespace"] != "apps" || ac.Meta["service_account"] != "web" {
		t.Errorf("Meta = %v", ac.Meta)
	}
}

func TestTokenLifecycleUnsupported(t *testing.T) {
	a := NewWithClient(fake.NewSimpleClientset(), nil)
	ctx := context.Background()

	if _, err := a.IssueToken(ctx, "s", "r", 0); !herrors.Is(err, herrors.ErrUnsupported) {
		t.Errorf("IssueToken err = %v", err)
	}
	if _, err := a.RevokeToken(ctx, "jti"); !herrors.Is(err, herrors.ErrUnsupported) {
		t.Errorf("RevokeToken err = %v", err)
	}
	if _, err := a.VerifyCredentials(ctx, "u", "p"); !herrors.Is(err, herrors.ErrUnsupported) {
		t.Errorf("VerifyCredentials err = %v", err)
	}
	if _, err := a.JWKS(ctx); !herrors.Is(err, herrors.ErrUnsupported) {
		t.Errorf("JWKS err = %v", err)
	}
}
