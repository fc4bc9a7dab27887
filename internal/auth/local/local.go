// Package local implements the built-in auth adapter: RS256 JWTs signed
// with a keypair held by the secret provider, bcrypt-hashed users, and
// an in-process revocation set mirrored to the provider best-effort.
package local

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.uber.org/zap"

	"github.com/l8e-harbor/l8e-harbor/internal/auth"
	herrors "github.com/l8e-harbor/l8e-harbor/internal/errors"
	"github.com/l8e-harbor/l8e-harbor/internal/logging"
	"github.com/l8e-harbor/l8e-harbor/internal/metrics"
	"github.com/l8e-harbor/l8e-harbor/internal/model"
	"github.com/l8e-harbor/l8e-harbor/internal/secret"
)

const (
	issuer = "l8e-harbor"
	keyID  = "l8e-harbor-key-1"

	// tokenCacheSize bounds the verified-token cache; tokenCacheTTL caps
	// how long a verification result is reused before the signature is
	// checked again.
	tokenCacheSize = 1024
	tokenCacheTTL  = 60 * time.Second
)

// Adapter is the local JWT auth adapter. It implements auth.Adapter and
// auth.UserManager.
type Adapter struct {
	secrets secret.Provider
	ttl     time.Duration
	logger  *zap.Logger

	keyMu   sync.Mutex
	private *rsa.PrivateKey
	public  *rsa.PublicKey

	revokedMu sync.Mutex
	revoked   map[string]struct{}

	cache *expirable.LRU[string, *model.AuthContext]

	watcher *fsnotify.Watcher
}

var _ auth.Adapter = (*Adapter)(nil)
var _ auth.UserManager = (*Adapter)(nil)

// New creates the adapter. watchDir, when non-empty, is the localfs
// secret directory; changes to the revoked-token file there are picked
// up without a restart (another replica or an operator editing secrets).
func New(secrets secret.Provider, ttl time.Duration, watchDir string) (*Adapter, error) {
	a := &Adapter{
		secrets: secrets,
		ttl:     ttl,
		logger:  logging.Global().With(zap.String("component", "auth_local")),
		revoked: make(map[string]struct{}),
		cache:   expirable.NewLRU[string, *model.AuthContext](tokenCacheSize, nil, tokenCacheTTL),
	}

	a.loadRevoked(context.Background())

	if watchDir != "" {
		if err := a.watchSecrets(watchDir); err != nil {
			// Watch is an optimisation; revocations still load at start.
			a.logger.Warn("Secret directory watch unavailable", zap.Error(err))
		}
	}
	return a, nil
}

// Type identifies the adapter in logs and metrics.
func (a *Adapter) Type() string { return "local" }

// Close releases the secret watcher.
func (a *Adapter) Close() error {
	if a.watcher != nil {
		return a.watcher.Close()
	}
	return nil
}

func (a *Adapter) watchSecrets(dir string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return err
	}
	a.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				if strings.Contains(ev.Name, secret.PathRevokedTokens) {
					a.loadRevoked(context.Background())
					a.cache.Purge()
					a.logger.Info("Reloaded revoked tokens", zap.String("file", ev.Name))
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				a.logger.Warn("Secret watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

// loadRevoked pulls the persisted revocation set. Absence is normal on
// a fresh install.
func (a *Adapter) loadRevoked(ctx context.Context) {
	payload, err := a.secrets.Get(ctx, secret.PathRevokedTokens)
	if err != nil {
		if !herrors.Is(err, herrors.ErrNotFound) {
			a.logger.Warn("Failed to load revoked tokens", zap.Error(err))
		}
		return
	}

	set := make(map[string]struct{})
	if list, ok := payload["revoked_tokens"].([]any); ok {
		for _, item := range list {
			if jti, ok := item.(string); ok {
				set[jti] = struct{}{}
			}
		}
	}
	a.revokedMu.Lock()
	a.revoked = set
	a.revokedMu.Unlock()
}

func (a *Adapter) isRevoked(jti string) bool {
	a.revokedMu.Lock()
	defer a.revokedMu.Unlock()
	_, ok := a.revoked[jti]
	return ok
}

// loadKeys parses and caches the RSA pair from the secret provider.
// Precedence matches the layout EnsureDefaults seeds: inline PEM first
// (jwt_keys_raw, or pem fields on jwt_keys), then file references.
func (a *Adapter) loadKeys(ctx context.Context) (*rsa.PrivateKey, *rsa.PublicKey, error) {
	a.keyMu.Lock()
	defer a.keyMu.Unlock()
	if a.private != nil && a.public != nil {
		return a.private, a.public, nil
	}

	privPEM, pubPEM, err := a.readKeyMaterial(ctx)
	if err != nil {
		return nil, nil, err
	}

	private, err := parsePrivateKey(privPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("parse private key: %w", err)
	}
	public, err := parsePublicKey(pubPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("parse public key: %w", err)
	}

	a.private, a.public = private, public
	return private, public, nil
}

func (a *Adapter) readKeyMaterial(ctx context.Context) (priv, pub []byte, err error) {
	if raw, err := a.secrets.Get(ctx, secret.PathJWTKeysRaw); err == nil {
		privStr, _ := raw["private_key"].(string)
		pubStr, _ := raw["public_key"].(string)
		if privStr != "" && pubStr != "" {
			return decodePEM(privStr), decodePEM(pubStr), nil
		}
	}

	keys, err := a.secrets.Get(ctx, secret.PathJWTKeys)
	if err != nil {
		return nil, nil, fmt.Errorf("load jwt_keys secret: %w", err)
	}

	if privStr, ok := keys["private_key_pem"].(string); ok {
		pubStr, _ := keys["public_key_pem"].(string)
		return decodePEM(privStr), decodePEM(pubStr), nil
	}

	privPath, _ := keys["private_key_path"].(string)
	pubPath, _ := keys["public_key_path"].(string)
	if privPath == "" || pubPath == "" {
		return nil, nil, fmt.Errorf("jwt_keys secret carries neither inline PEM nor key paths")
	}
	priv, err = os.ReadFile(privPath)
	if err != nil {
		return nil, nil, fmt.Errorf("read private key: %w", err)
	}
	pub, err = os.ReadFile(pubPath)
	if err != nil {
		return nil, nil, fmt.Errorf("read public key: %w", err)
	}
	return priv, pub, nil
}

// decodePEM accepts raw PEM or base64-wrapped PEM.
func decodePEM(s string) []byte {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "-----BEGIN") {
		return []byte(s)
	}
	if decoded, err := base64.StdEncoding.DecodeString(s); err == nil {
		return decoded
	}
	return []byte(s)
}

func parsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		if rsaKey, ok := key.(*rsa.PrivateKey); ok {
			return rsaKey, nil
		}
		return nil, fmt.Errorf("private key is not RSA")
	}
	return x509.ParsePKCS1PrivateKey(block.Bytes)
}

func parsePublicKey(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if key, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		if rsaKey, ok := key.(*rsa.PublicKey); ok {
			return rsaKey, nil
		}
		return nil, fmt.Errorf("public key is not RSA")
	}
	return x509.ParsePKCS1PublicKey(block.Bytes)
}

// Authenticate verifies the Bearer token and returns the identity it
// proves, or nil on any negative outcome.
func (a *Adapter) Authenticate(ctx context.Context, r *http.Request) *model.AuthContext {
	token, ok := auth.BearerToken(r)
	if !ok {
		return nil
	}

	if ac, ok := a.cache.Get(token); ok {
		if a.contextStillValid(ac) {
			metrics.RecordAuthAttempt(a.Type(), true)
			return ac
		}
		a.cache.Remove(token)
	}

	ac := a.verify(ctx, token)
	metrics.RecordAuthAttempt(a.Type(), ac != nil)
	if ac != nil {
		a.cache.Add(token, ac)
	}
	return ac
}

func (a *Adapter) contextStillValid(ac *model.AuthContext) bool {
	if ac.ExpiresAt > 0 && ac.ExpiresAt <= time.Now().Unix() {
		return false
	}
	return !a.isRevoked(ac.TokenID)
}

func (a *Adapter) verify(ctx context.Context, token string) *model.AuthContext {
	_, public, err := a.loadKeys(ctx)
	if err != nil {
		a.logger.Error("JWT keys unavailable", zap.Error(err))
		return nil
	}

	parsed, err := jwt.Parse(token,
		func(t *jwt.Token) (any, error) { return public, nil },
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return nil
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil
	}
	subject, _ := claims["sub"].(string)
	role, _ := claims["role"].(string)
	if subject == "" || role == "" {
		return nil
	}

	jti, _ := claims["jti"].(string)
	if jti != "" && a.isRevoked(jti) {
		return nil
	}

	var expiresAt int64
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		expiresAt = exp.Unix()
	}

	meta := map[string]any{"iss": issuer}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		meta["iat"] = iat.Unix()
	}

	return &model.AuthContext{
		Subject:   subject,
		Role:      role,
		Meta:      meta,
		TokenID:   jti,
		ExpiresAt: expiresAt,
	}
}

// IssueToken mints a signed token for subject with the given role. A
// zero ttl falls back to the adapter default.
func (a *Adapter) IssueToken(ctx context.Context, subject, role string, ttl time.Duration) (string, error) {
	private, _, err := a.loadKeys(ctx)
	if err != nil {
		return "", herrors.Wrap(err, http.StatusInternalServerError, "Failed to load JWT keys")
	}
	if ttl <= 0 {
		ttl = a.ttl
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": role,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
		"iss":  issuer,
		"jti":  fmt.Sprintf("%s_%d", subject, now.Unix()),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(private)
	if err != nil {
		return "", herrors.Wrap(err, http.StatusInternalServerError, "Failed to sign token")
	}
	return token, nil
}

// RevokeToken adds the jti to the in-process set and mirrors the set to
// the secret provider. The revocation itself always succeeds; a persist
// failure is reported alongside so callers can log it.
func (a *Adapter) RevokeToken(ctx context.Context, tokenID string) (bool, error) {
	a.revokedMu.Lock()
	a.revoked[tokenID] = struct{}{}
	list := make([]any, 0, len(a.revoked))
	for jti := range a.revoked {
		list = append(list, jti)
	}
	a.revokedMu.Unlock()

	// Drop cached verifications carrying this jti.
	for _, key := range a.cache.Keys() {
		if ac, ok := a.cache.Peek(key); ok && ac.TokenID == tokenID {
			a.cache.Remove(key)
		}
	}

	if err := a.secrets.Put(ctx, secret.PathRevokedTokens, map[string]any{"revoked_tokens": list}); err != nil {
		a.logger.Warn("Failed to persist revoked tokens", zap.Error(err))
		return true, err
	}
	return true, nil
}

// VerifyCredentials checks a username/password pair against the bcrypt
// hashes in the users secret. Wrong credentials return (nil, nil).
func (a *Adapter) VerifyCredentials(ctx context.Context, username, password string) (*model.AuthContext, error) {
	user, err := a.loadUser(ctx, username)
	if err != nil || user == nil {
		metrics.RecordAuthAttempt(a.Type(), false)
		return nil, err
	}
	if !checkPassword(password, user.PasswordHash) {
		metrics.RecordAuthAttempt(a.Type(), false)
		return nil, nil
	}

	metrics.RecordAuthAttempt(a.Type(), true)
	return &model.AuthContext{
		Subject: user.Username,
		Role:    user.Role,
		Meta:    map[string]any{"login_time": time.Now().Unix()},
	}, nil
}

// JWKS renders the verification key set.
func (a *Adapter) JWKS(ctx context.Context) (json.RawMessage, error) {
	_, public, err := a.loadKeys(ctx)
	if err != nil {
		return nil, herrors.Wrap(err, http.StatusInternalServerError, "Failed to load JWT keys")
	}

	key, err := jwk.FromRaw(public)
	if err != nil {
		return nil, herrors.Wrap(err, http.StatusInternalServerError, "Failed to build JWK")
	}
	key.Set(jwk.KeyIDKey, keyID)
	key.Set(jwk.KeyUsageKey, "sig")
	key.Set(jwk.AlgorithmKey, "RS256")

	set := jwk.NewSet()
	set.AddKey(key)
	return json.Marshal(set)
}
