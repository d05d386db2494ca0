package oauth2

import (
	"github.com/jrsteele09/go-auth-session/internal/utils"
	"github.com/jrsteele09/go-auth-session/users"
)

// TokenPair is the credential pair issued by the login, register and refresh endpoints.
type TokenPair struct {
	// Access is the bearer credential attached to every non-public request.
	// Example: "eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9..."
	// Usage: "Authorization: Bearer <access>"
	// Lifespan: Short-lived; may be a JWT or an opaque string
	Access *string `json:"access,omitempty"`

	// Refresh is exchanged at the refresh endpoint for a new pair.
	// Servers may rotate it on every refresh, so both values are always replaced together.
	Refresh *string `json:"refresh,omitempty"`
}

// NewTokenPair builds a pair from plain strings.
func NewTokenPair(access, refresh string) TokenPair {
	return TokenPair{Access: utils.Ptr(access), Refresh: utils.Ptr(refresh)}
}

// AccessToken returns the access token or "".
func (p TokenPair) AccessToken() string {
	return utils.Value(p.Access)
}

// RefreshToken returns the refresh token or "".
func (p TokenPair) RefreshToken() string {
	return utils.Value(p.Refresh)
}

// Complete reports whether both tokens are present and non-blank.
func (p TokenPair) Complete() bool {
	return !utils.Blank(p.Access) && !utils.Blank(p.Refresh)
}

// AuthResponse is returned from the login and register endpoints.
type AuthResponse struct {
	Tokens TokenPair   `json:"tokens"`
	User   *users.User `json:"user,omitempty"`
}

// RefreshResponse is returned from the refresh endpoint.
type RefreshResponse struct {
	Tokens TokenPair `json:"tokens"`
}

// ErrorResponse is the JSON error body the auth API returns on failure.
type ErrorResponse struct {
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// Text returns the most descriptive message available.
func (e ErrorResponse) Text() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Error
}
