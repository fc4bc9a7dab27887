package model

// AuthContext is the identity attached to a request after successful
// authentication.
type AuthContext struct {
	Subject   string         `json:"subject"`
	Role      string         `json:"role"`
	Meta      map[string]any `json:"meta,omitempty"`
	TokenID   string         `json:"token_id,omitempty"`
	ExpiresAt int64          `json:"expires_at,omitempty"` // unix seconds, 0 when unknown
}

// IsHarborMaster reports whether the context carries the mutating role.
func (c *AuthContext) IsHarborMaster() bool {
	return c != nil && c.Role == RoleHarborMaster
}
