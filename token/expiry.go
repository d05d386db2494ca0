package token

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Status is the outcome of inspecting a token's expiry claim.
type Status int

const (
	// StatusUnparseable means the value is not a decodable JWT. It may be an opaque token.
	StatusUnparseable Status = iota
	// StatusValid means a well-formed JWT whose exp is in the future, or which carries no exp.
	StatusValid
	// StatusExpired means a well-formed JWT whose exp has passed.
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusExpired:
		return "expired"
	default:
		return "unparseable"
	}
}

// Inspection is the decoded expiry information for a raw token.
type Inspection struct {
	Status    Status
	ExpiresAt time.Time // Zero when the token is unparseable or has no exp claim
}

// Inspect decodes rawToken without verifying its signature and classifies its expiry
// relative to now. Signature verification is the server's job; the client only needs exp.
func Inspect(rawToken string, now time.Time) Inspection {
	if strings.TrimSpace(rawToken) == "" {
		return Inspection{Status: StatusUnparseable}
	}

	parsed, _, err := jwt.NewParser().ParseUnverified(rawToken, jwt.MapClaims{})
	if err != nil {
		return Inspection{Status: StatusUnparseable}
	}

	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil {
		// exp present but not numeric
		return Inspection{Status: StatusUnparseable}
	}
	if exp == nil {
		return Inspection{Status: StatusValid}
	}

	if !now.Before(exp.Time) {
		return Inspection{Status: StatusExpired, ExpiresAt: exp.Time}
	}
	return Inspection{Status: StatusValid, ExpiresAt: exp.Time}
}

// Expired is a shorthand for Inspect(rawToken, now).Status == StatusExpired.
func Expired(rawToken string, now time.Time) bool {
	return Inspect(rawToken, now).Status == StatusExpired
}
