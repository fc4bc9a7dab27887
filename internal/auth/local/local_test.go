package local

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	herrors "github.com/l8e-harbor/l8e-harbor/internal/errors"
	"github.com/l8e-harbor/l8e-harbor/internal/model"
	"github.com/l8e-harbor/l8e-harbor/internal/secret"
)

// fakeProvider is an in-memory secret.Provider for adapter tests.
type fakeProvider struct {
	mu   sync.Mutex
	data map[string]map[string]any
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{data: make(map[string]map[string]any)}
}

func (f *fakeProvider) Get(_ context.Context, path string) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if payload, ok := f.data[path]; ok {
		return payload, nil
	}
	return nil, herrors.NotFound("Secret '%s' not found", path)
}

func (f *fakeProvider) Put(_ context.Context, path string, payload map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[path] = payload
	return nil
}

func (f *fakeProvider) Delete(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[path]; !ok {
		return herrors.NotFound("Secret '%s' not found", path)
	}
	delete(f.data, path)
	return nil
}

func (f *fakeProvider) List(_ context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.data))
	for k := range f.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func genKeyPair(t *testing.T) (privPEM, pubPEM string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("MarshalPKCS8PrivateKey: %v", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	privPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}))
	pubPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}))
	return privPEM, pubPEM
}

func newTestAdapter(t *testing.T) (*Adapter, *fakeProvider) {
	t.Helper()
	provider := newFakeProvider()
	privPEM, pubPEM := genKeyPair(t)
	provider.Put(context.Background(), secret.PathJWTKeysRaw, map[string]any{
		"private_key": privPEM,
		"public_key":  pubPEM,
	})

	a, err := New(provider, 15*time.Minute, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a, provider
}

func bearerRequest(token string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/api/v1/routes", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	return r
}

func TestIssueAndAuthenticateRoundtrip(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	token, err := a.IssueToken(ctx, "alice", model.RoleHarborMaster, time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	ac := a.Authenticate(ctx, bearerRequest(token))
	if ac == nil {
		t.Fatal("Authenticate returned nil for a freshly issued token")
	}
	if ac.Subject != "alice" || ac.Role != model.RoleHarborMaster {
		t.Errorf("identity = %s/%s", ac.Subject, ac.Role)
	}
	if !strings.HasPrefix(ac.TokenID, "alice_") {
		t.Errorf("jti = %q, want alice_<unix>", ac.TokenID)
	}
	if ac.ExpiresAt <= time.Now().Unix() {
		t.Errorf("ExpiresAt = %d not in the future", ac.ExpiresAt)
	}
}

func TestAuthenticateNegatives(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	if ac := a.Authenticate(ctx, httptest.NewRequest(http.MethodGet, "/", nil)); ac != nil {
		t.Error("no Authorization header must yield nil")
	}
	if ac := a.Authenticate(ctx, bearerRequest("not-a-jwt")); ac != nil {
		t.Error("garbage token must yield nil")
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	private, _, err := a.loadKeys(ctx)
	if err != nil {
		t.Fatalf("loadKeys: %v", err)
	}
	claims := jwt.MapClaims{
		"sub":  "alice",
		"role": model.RoleCaptain,
		"iat":  time.Now().Add(-2 * time.Hour).Unix(),
		"exp":  time.Now().Add(-time.Hour).Unix(),
		"iss":  issuer,
		"jti":  "alice_0",
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(private)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if ac := a.Authenticate(ctx, bearerRequest(token)); ac != nil {
		t.Error("expired token must yield nil")
	}
}

func TestWrongIssuerRejected(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	private, _, _ := a.loadKeys(ctx)
	claims := jwt.MapClaims{
		"sub":  "alice",
		"role": model.RoleCaptain,
		"iat":  time.Now().Unix(),
		"exp":  time.Now().Add(time.Hour).Unix(),
		"iss":  "someone-else",
		"jti":  "alice_1",
	}
	token, _ := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(private)

	if ac := a.Authenticate(ctx, bearerRequest(token)); ac != nil {
		t.Error("foreign issuer must yield nil")
	}
}

func TestRevokedTokenRejectedAndPersisted(t *testing.T) {
	a, provider := newTestAdapter(t)
	ctx := context.Background()

	token, err := a.IssueToken(ctx, "bob", model.RoleCaptain, time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	ac := a.Authenticate(ctx, bearerRequest(token))
	if ac == nil {
		t.Fatal("token should verify before revocation")
	}

	durable, err := a.RevokeToken(ctx, ac.TokenID)
	if !durable || err != nil {
		t.Fatalf("RevokeToken = (%v, %v)", durable, err)
	}

	// The cached verification must not outlive the revocation.
	if a.Authenticate(ctx, bearerRequest(token)) != nil {
		t.Error("revoked token still authenticates")
	}

	payload, err := provider.Get(ctx, secret.PathRevokedTokens)
	if err != nil {
		t.Fatalf("revoked_tokens secret missing: %v", err)
	}
	list, _ := payload["revoked_tokens"].([]any)
	found := false
	for _, item := range list {
		if item == ac.TokenID {
			found = true
		}
	}
	if !found {
		t.Errorf("jti %q not persisted: %v", ac.TokenID, list)
	}
}

func TestRevocationSetLoadsAtStartup(t *testing.T) {
	a, provider := newTestAdapter(t)
	ctx := context.Background()

	token, _ := a.IssueToken(ctx, "eve", model.RoleCaptain, time.Minute)
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		t.Fatalf("ParseUnverified: %v", err)
	}
	jti, _ := parsed.Claims.(jwt.MapClaims)["jti"].(string)

	provider.Put(ctx, secret.PathRevokedTokens, map[string]any{
		"revoked_tokens": []any{jti},
	})

	// A fresh adapter over the same provider sees the persisted set.
	replica, err := New(provider, 15*time.Minute, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer replica.Close()

	if replica.Authenticate(ctx, bearerRequest(token)) != nil {
		t.Error("replica accepted a token revoked before it started")
	}
}

func TestVerifyCredentials(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	if _, err := a.CreateUser(ctx, model.UserCreateRequest{
		Username: "admin",
		Password: "correct-horse",
		Role:     model.RoleHarborMaster,
	}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	ac, err := a.VerifyCredentials(ctx, "admin", "correct-horse")
	if err != nil || ac == nil {
		t.Fatalf("VerifyCredentials = (%v, %v)", ac, err)
	}
	if ac.Role != model.RoleHarborMaster {
		t.Errorf("role = %q", ac.Role)
	}

	if ac, err := a.VerifyCredentials(ctx, "admin", "wrong"); err != nil || ac != nil {
		t.Errorf("wrong password = (%v, %v), want (nil, nil)", ac, err)
	}
	if ac, err := a.VerifyCredentials(ctx, "ghost", "whatever"); err != nil || ac != nil {
		t.Errorf("unknown user = (%v, %v), want (nil, nil)", ac, err)
	}
}

func TestUserLifecycle(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	if ok, _ := a.IsBootstrapped(ctx); ok {
		t.Fatal("fresh adapter reports bootstrapped")
	}

	if _, err := a.CreateUser(ctx, model.UserCreateRequest{
		Username: "admin", Password: "longenough", Role: model.RoleHarborMaster,
	}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if ok, _ := a.IsBootstrapped(ctx); !ok {
		t.Error("adapter not bootstrapped after first user")
	}

	_, err := a.CreateUser(ctx, model.UserCreateRequest{
		Username: "admin", Password: "longenough", Role: model.RoleCaptain,
	})
	var he *herrors.HarborError
	if !herrors.As(err, &he) || he.Status != http.StatusConflict {
		t.Errorf("duplicate create = %v, want 409", err)
	}

	a.CreateUser(ctx, model.UserCreateRequest{
		Username: "viewer", Password: "longenough", Role: model.RoleCaptain,
	})
	users, err := a.ListUsers(ctx)
	if err != nil || len(users) != 2 {
		t.Fatalf("ListUsers = %d users, %v", len(users), err)
	}
	if users[0].Username != "admin" || users[1].Username != "viewer" {
		t.Errorf("list order = [%s %s]", users[0].Username, users[1].Username)
	}

	newRole := model.RoleHarborMaster
	updated, err := a.UpdateUser(ctx, "viewer", model.UserUpdateRequest{Role: &newRole})
	if err != nil || updated.Role != model.RoleHarborMaster {
		t.Errorf("UpdateUser = (%+v, %v)", updated, err)
	}

	newPassword := "even-longer-secret"
	if _, err := a.UpdateUser(ctx, "viewer", model.UserUpdateRequest{Password: &newPassword}); err != nil {
		t.Fatalf("UpdateUser password: %v", err)
	}
	if ac, _ := a.VerifyCredentials(ctx, "viewer", newPassword); ac == nil {
		t.Error("updated password does not verify")
	}
	if ac, _ := a.VerifyCredentials(ctx, "viewer", "longenough"); ac != nil {
		t.Error("old password still verifies")
	}

	if err := a.DeleteUser(ctx, "viewer"); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if err := a.DeleteUser(ctx, "viewer"); !herrors.Is(err, herrors.ErrNotFound) {
		t.Errorf("second delete = %v, want 404", err)
	}
	if _, err := a.GetUser(ctx, "viewer"); !herrors.Is(err, herrors.ErrNotFound) {
		t.Errorf("GetUser after delete = %v, want 404", err)
	}
}

func TestShortPasswordRejected(t *testing.T) {
	a, _ := newTestAdapter(t)

	_, err := a.CreateUser(context.Background(), model.UserCreateRequest{
		Username: "admin", Password: "short", Role: model.RoleHarborMaster,
	})
	var he *herrors.HarborError
	if !herrors.As(err, &he) || he.Status != http.StatusBadRequest {
		t.Errorf("short password = %v, want 400", err)
	}
}

func TestJWKSDocument(t *testing.T) {
	a, _ := newTestAdapter(t)

	raw, err := a.JWKS(context.Background())
	if err != nil {
		t.Fatalf("JWKS: %v", err)
	}

	var doc struct {
		Keys []map[string]any `json:"keys"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(doc.Keys) != 1 {
		t.Fatalf("keys = %d, want 1", len(doc.Keys))
	}
	key := doc.Keys[0]
	if key["kid"] != keyID || key["use"] != "sig" || key["alg"] != "RS256" || key["kty"] != "RSA" {
		t.Errorf("key attributes = %v", key)
	}
}

func TestConfigureJWTKeysRotates(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	oldToken, err := a.IssueToken(ctx, "alice", model.RoleCaptain, time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	privPEM, pubPEM := genKeyPair(t)
	if err := a.ConfigureJWTKeys(ctx, privPEM, pubPEM); err != nil {
		t.Fatalf("ConfigureJWTKeys: %v", err)
	}

	if a.Authenticate(ctx, bearerRequest(oldToken)) != nil {
		t.Error("token signed with the rotated-out key still verifies")
	}

	newToken, err := a.IssueToken(ctx, "alice", model.RoleCaptain, time.Minute)
	if err != nil {
		t.Fatalf("IssueToken after rotation: %v", err)
	}
	if a.Authenticate(ctx, bearerRequest(newToken)) == nil {
		t.Error("token signed with the new key does not verify")
	}
}

func TestConfigureJWTKeysRejectsGarbage(t *testing.T) {
	a, _ := newTestAdapter(t)
	if err := a.ConfigureJWTKeys(context.Background(), "nope", "nope"); err == nil {
		t.Error("garbage keys accepted")
	}
}

func TestKeyLoadingFromPathReferences(t *testing.T) {
	provider := newFakeProvider()
	privPEM, pubPEM := genKeyPair(t)

	dir := t.TempDir()
	privPath := filepath.Join(dir, "jwt_private.pem")
	pubPath := filepath.Join(dir, "jwt_public.pem")
	if err := os.WriteFile(privPath, []byte(privPEM), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(pubPath, []byte(pubPEM), 0o600); err != nil {
		t.Fatal(err)
	}
	provider.Put(context.Background(), secret.PathJWTKeys, map[string]any{
		"private_key_path": privPath,
		"public_key_path":  pubPath,
	})

	a, err := New(provider, 15*time.Minute, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	token, err := a.IssueToken(context.Background(), "alice", model.RoleCaptain, time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if a.Authenticate(context.Background(), bearerRequest(token)) == nil {
		t.Error("token does not verify with path-referenced keys")
	}
}
