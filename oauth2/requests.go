package oauth2

// LoginRequest carries primary credentials to the login endpoint.
type LoginRequest struct {
	Identifier string `json:"identifier"` // Username or email
	Secret     string `json:"secret"`     // Password
}

// RegisterRequest creates an account and signs it in.
type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RefreshRequest exchanges a refresh token for a new pair.
type RefreshRequest struct {
	Refresh string `json:"refresh"`
}

// LogoutRequest revokes the given refresh token (or every session for its identity on logout-all).
type LogoutRequest struct {
	Refresh string `json:"refresh"`
}
