package secret

import "context"

// Well-known secret paths used by the auth adapters and bootstrap flow.
const (
	PathUsers         = "users"
	PathTokens        = "tokens"
	PathJWTKeys       = "jwt_keys"
	PathJWTKeysRaw    = "jwt_keys_raw"
	PathRevokedTokens = "revoked_tokens"
)

// Provider is the pluggable secret storage interface. Payloads are JSON
// object shaped: values may be strings, numbers, or nested objects.
type Provider interface {
	// Get returns the payload stored at path, or a not-found error.
	Get(ctx context.Context, path string) (map[string]any, error)

	// Put stores the payload at path, replacing any existing payload.
	Put(ctx context.Context, path string, payload map[string]any) error

	// Delete removes the payload at path, or returns a not-found error.
	Delete(ctx context.Context, path string) error

	// List returns the stored paths starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}
