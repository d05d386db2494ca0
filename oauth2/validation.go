package oauth2

import (
	"fmt"
	"strings"

	apperrors "github.com/jrsteele09/go-auth-session/internal/errors"
)

const (
	minPasswordLength = 8
	maxUsernameLength = 64
)

// Validate checks login credentials before they are sent.
func (r LoginRequest) Validate() error {
	if strings.TrimSpace(r.Identifier) == "" {
		return invalid("identifier is required")
	}
	if r.Secret == "" {
		return invalid("password is required")
	}
	return nil
}

// Validate checks registration details before they are sent. The server remains the
// authority on uniqueness and password policy.
func (r RegisterRequest) Validate() error {
	username := strings.TrimSpace(r.Username)
	if username == "" {
		return invalid("username is required")
	}
	if len(username) > maxUsernameLength {
		return invalid("username must be at most %d characters", maxUsernameLength)
	}
	if strings.ContainsAny(username, " \t\r\n@") {
		return invalid("username must not contain whitespace or '@'")
	}
	if err := validateEmail(r.Email); err != nil {
		return err
	}
	if len(r.Password) < minPasswordLength {
		return invalid("password must be at least %d characters", minPasswordLength)
	}
	return nil
}

func validateEmail(email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return invalid("email is required")
	}
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 || !strings.Contains(email[at+1:], ".") {
		return invalid("invalid email format")
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{apperrors.ErrInvalidRequest}, args...)...)
}
