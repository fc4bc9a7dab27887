package local

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"golang.org/x/crypto/bcrypt"

	herrors "github.com/l8e-harbor/l8e-harbor/internal/errors"
	"github.com/l8e-harbor/l8e-harbor/internal/model"
	"github.com/l8e-harbor/l8e-harbor/internal/secret"
)

// hashPassword produces a bcrypt hash at the default cost.
func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func checkPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// loadUsers reads the users secret into typed records. A missing secret
// yields an empty map.
func (a *Adapter) loadUsers(ctx context.Context) (map[string]*model.User, error) {
	payload, err := a.secrets.Get(ctx, secret.PathUsers)
	if err != nil {
		if herrors.Is(err, herrors.ErrNotFound) {
			return map[string]*model.User{}, nil
		}
		return nil, err
	}

	users := make(map[string]*model.User, len(payload))
	for username, entry := range payload {
		raw, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		var u model.User
		if err := json.Unmarshal(raw, &u); err != nil {
			a.logger.Warn("Skipping malformed user record")
			continue
		}
		if u.Username == "" {
			u.Username = username
		}
		users[username] = &u
	}
	return users, nil
}

func (a *Adapter) saveUsers(ctx context.Context, users map[string]*model.User) error {
	payload := make(map[string]any, len(users))
	for username, u := range users {
		raw, err := json.Marshal(u)
		if err != nil {
			return err
		}
		var entry map[string]any
		if err := json.Unmarshal(raw, &entry); err != nil {
			return err
		}
		payload[username] = entry
	}
	return a.secrets.Put(ctx, secret.PathUsers, payload)
}

func (a *Adapter) loadUser(ctx context.Context, username string) (*model.User, error) {
	users, err := a.loadUsers(ctx)
	if err != nil {
		return nil, err
	}
	return users[username], nil
}

// CreateUser adds an account. Duplicate usernames conflict.
func (a *Adapter) CreateUser(ctx context.Context, req model.UserCreateRequest) (*model.User, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	users, err := a.loadUsers(ctx)
	if err != nil {
		return nil, err
	}
	if _, exists := users[req.Username]; exists {
		return nil, herrors.Newf(http.StatusConflict, "User '%s' already exists", req.Username)
	}

	hash, err := hashPassword(req.Password)
	if err != nil {
		return nil, herrors.Wrap(err, http.StatusInternalServerError, "Failed to hash password")
	}

	now := time.Now().UTC()
	user := &model.User{
		Username:     req.Username,
		PasswordHash: hash,
		Role:         req.Role,
		Meta:         req.Meta,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	users[req.Username] = user
	if err := a.saveUsers(ctx, users); err != nil {
		return nil, err
	}
	return user, nil
}

// GetUser returns the account or a 404 error.
func (a *Adapter) GetUser(ctx context.Context, username string) (*model.User, error) {
	user, err := a.loadUser(ctx, username)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, herrors.NotFound("User '%s' not found", username)
	}
	return user, nil
}

// ListUsers returns every account sorted by username.
func (a *Adapter) ListUsers(ctx context.Context) ([]*model.User, error) {
	users, err := a.loadUsers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*model.User, 0, len(users))
	for _, u := range users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

// UpdateUser applies a partial update; nil fields are untouched.
func (a *Adapter) UpdateUser(ctx context.Context, username string, update model.UserUpdateRequest) (*model.User, error) {
	if err := update.Validate(); err != nil {
		return nil, err
	}

	users, err := a.loadUsers(ctx)
	if err != nil {
		return nil, err
	}
	user, ok := users[username]
	if !ok {
		return nil, herrors.NotFound("User '%s' not found", username)
	}

	if update.Password != nil {
		hash, err := hashPassword(*update.Password)
		if err != nil {
			return nil, herrors.Wrap(err, http.StatusInternalServerError, "Failed to hash password")
		}
		user.PasswordHash = hash
	}
	if update.Role != nil {
		user.Role = *update.Role
	}
	if update.Meta != nil {
		user.Meta = update.Meta
	}
	user.UpdatedAt = time.Now().UTC()

	if err := a.saveUsers(ctx, users); err != nil {
		return nil, err
	}
	return user, nil
}

// DeleteUser removes the account or reports 404.
func (a *Adapter) DeleteUser(ctx context.Context, username string) error {
	users, err := a.loadUsers(ctx)
	if err != nil {
		return err
	}
	if _, ok := users[username]; !ok {
		return herrors.NotFound("User '%s' not found", username)
	}
	delete(users, username)
	return a.saveUsers(ctx, users)
}

// IsBootstrapped reports whether any account exists yet.
func (a *Adapter) IsBootstrapped(ctx context.Context) (bool, error) {
	users, err := a.loadUsers(ctx)
	if err != nil {
		return false, err
	}
	return len(users) > 0, nil
}

// ConfigureJWTKeys replaces the signing pair with operator-supplied PEM
// (raw or base64). The parsed cache resets so the next issue or verify
// sees the new keys.
func (a *Adapter) ConfigureJWTKeys(ctx context.Context, privateKey, publicKey string) error {
	privPEM := decodePEM(privateKey)
	pubPEM := decodePEM(publicKey)

	if _, err := parsePrivateKey(privPEM); err != nil {
		return herrors.Validation("jwt_private_key", "not a valid RSA private key PEM")
	}
	if _, err := parsePublicKey(pubPEM); err != nil {
		return herrors.Validation("jwt_public_key", "not a valid RSA public key PEM")
	}

	err := a.secrets.Put(ctx, secret.PathJWTKeysRaw, map[string]any{
		"private_key": string(privPEM),
		"public_key":  string(pubPEM),
	})
	if err != nil {
		return err
	}

	a.keyMu.Lock()
	a.private, a.public = nil, nil
	a.keyMu.Unlock()
	a.cache.Purge()
	return nil
}
