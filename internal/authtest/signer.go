package authtest

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// HMACSigner signs and verifies HS256 tokens with a shared secret.
type HMACSigner struct {
	secret []byte
}

func NewHMACSigner(secret string) *HMACSigner {
	return &HMACSigner{
		secret: []byte(secret),
	}
}

func (h *HMACSigner) Sign(claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signedToken, err := token.SignedString(h.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token with HMAC: %w", err)
	}
	return signedToken, nil
}

// Verify checks the signature and exp of raw and that it is of the wanted type.
func (h *HMACSigner) Verify(raw, tokenType string, now func() time.Time) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, h.verificationKey,
		jwt.WithTimeFunc(now),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	if claims["typ"] != tokenType {
		return nil, fmt.Errorf("unexpected token type %v", claims["typ"])
	}
	return claims, nil
}

func (h *HMACSigner) verificationKey(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return h.secret, nil
}

// Mint signs a token of the given type for subject, expiring ttl after issuedAt.
// A negative ttl yields a token that is already expired.
func (h *HMACSigner) Mint(subject, tokenType string, issuedAt time.Time, ttl time.Duration) (string, error) {
	return h.Sign(jwt.MapClaims{
		"sub": subject,
		"typ": tokenType,
		"jti": uuid.NewString(),
		"iat": issuedAt.Unix(),
		"exp": issuedAt.Add(ttl).Unix(),
	})
}
