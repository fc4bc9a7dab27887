// Package auth defines the authentication adapter contract and the
// request-context plumbing shared by the proxy and management planes.
package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/l8e-harbor/l8e-harbor/internal/model"
)

// Adapter verifies request identities and, where the backing system
// allows it, mints tokens of its own. Pure verifiers return
// errors.ErrUnsupported from the issuing methods.
type Adapter interface {
	// Type identifies the adapter in logs and metrics ("local", "k8s_sa").
	Type() string

	// Authenticate inspects the Authorization header and returns the
	// identity it proves, or nil on any negative outcome: no token,
	// bad signature, expired, revoked. It never returns an error; the
	// caller decides whether anonymity is fatal.
	Authenticate(ctx context.Context, r *http.Request) *model.AuthContext

	// IssueToken mints a bearer token for subject with the given role.
	IssueToken(ctx context.Context, subject, role string, ttl time.Duration) (string, error)

	// RevokeToken invalidates a token by its jti. The bool reports
	// whether the revocation is durable; an in-memory-only revocation
	// returns true with a non-nil error describing the persist failure.
	RevokeToken(ctx context.Context, tokenID string) (bool, error)

	// VerifyCredentials checks a username/password pair. A nil context
	// with nil error means the credentials are simply wrong.
	VerifyCredentials(ctx context.Context, username, password string) (*model.AuthContext, error)

	// JWKS returns the public key set for token verification as a
	// serialized JWKS document.
	JWKS(ctx context.Context) (json.RawMessage, error)
}

// UserManager is the account surface behind the management API. Only
// the local adapter implements it; handlers probe with a type assertion
// and answer 400 when the assertion fails.
type UserManager interface {
	CreateUser(ctx context.Context, req model.UserCreateRequest) (*model.User, error)
	GetUser(ctx context.Context, username string) (*model.User, error)
	ListUsers(ctx context.Context) ([]*model.User, error)
	UpdateUser(ctx context.Context, username string, update model.UserUpdateRequest) (*model.User, error)
	DeleteUser(ctx context.Context, username string) error

	// IsBootstrapped reports whether any user exists yet.
	IsBootstrapped(ctx context.Context) (bool, error)

	// ConfigureJWTKeys replaces the signing keypair. Both arguments are
	// PEM, raw or base64-encoded.
	ConfigureJWTKeys(ctx context.Context, privateKey, publicKey string) error
}

type ctxKey struct{}

// NewContext returns a copy of ctx carrying the authenticated identity.
func NewContext(ctx context.Context, ac *model.AuthContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, ac)
}

// FromContext returns the identity stored by NewContext, if any.
func FromContext(ctx context.Context) (*model.AuthContext, bool) {
	ac, ok := ctx.Value(ctxKey{}).(*model.AuthContext)
	return ac, ok && ac != nil
}

// BearerToken extracts the credential from an "Authorization: Bearer"
// header. The scheme comparison is case-insensitive.
func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}
	return token, true
}
