package model

import "time"

// Built-in roles. harbor-master may mutate routes and users; captain is
// read-only. Comparison is exact equality, no hierarchy.
const (
	RoleHarborMaster = "harbor-master"
	RoleCaptain      = "captain"
)

// User is the stored form of an account. Password hashes are bcrypt and
// never leave the management plane.
type User struct {
	Username     string         `json:"username"`
	PasswordHash string         `json:"password_hash"`
	Role         string         `json:"role"`
	Meta         map[string]any `json:"meta"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// UserDTO is the API response shape for a user; it omits the hash.
type UserDTO struct {
	Username  string         `json:"username"`
	Role      string         `json:"role"`
	Meta      map[string]any `json:"meta"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// DTO converts a stored user to its response shape.
func (u *User) DTO() UserDTO {
	meta := u.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	return UserDTO{
		Username:  u.Username,
		Role:      u.Role,
		Meta:      meta,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}

// UserCreateRequest carries a plaintext password; handlers hash it
// before it reaches any store.
type UserCreateRequest struct {
	Username string         `json:"username" validate:"required,min=1,max=64"`
	Password string         `json:"password" validate:"required,min=8"`
	Role     string         `json:"role" validate:"required"`
	Meta     map[string]any `json:"meta"`
}

// Validate checks a user create/update request.
func (r *UserCreateRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return translateValidatorError(err)
	}
	return nil
}

// UserUpdateRequest carries a partial update; nil fields are left alone.
type UserUpdateRequest struct {
	Password *string        `json:"password,omitempty" validate:"omitempty,min=8"`
	Role     *string        `json:"role,omitempty"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// Validate checks a partial user update.
func (r *UserUpdateRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return translateValidatorError(err)
	}
	return nil
}

// LoginRequest is the credential payload for POST /auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse is the token payload returned on successful login.
type LoginResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// BootstrapRequest creates the first harbor-master user. JWT keys may be
// supplied base64-encoded to replace the generated pair.
type BootstrapRequest struct {
	AdminUsername string `json:"admin_username"`
	AdminPassword string `json:"admin_password"`
	JWTPrivateKey string `json:"jwt_private_key,omitempty"`
	JWTPublicKey  string `json:"jwt_public_key,omitempty"`
}

// BootstrapResponse reports what bootstrap changed.
type BootstrapResponse struct {
	AdminUserCreated  bool   `json:"admin_user_created"`
	JWTKeysConfigured bool   `json:"jwt_keys_configured"`
	Message           string `json:"message"`
}
