// Package auth validates bearer credentials and extracts the caller
// identity. It is side-effect-free; a bad credential is permanent for the
// request that carried it.
package auth

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken indicates a token is malformed or fails signature
	// validation.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken indicates a token has expired.
	ErrExpiredToken = errors.New("token expired")
	// ErrMissingSubject indicates a token without the subject claim used as
	// the caller identity.
	ErrMissingSubject = errors.New("token missing subject claim")
)

// Verifier validates HMAC-signed JWTs against the configured signing secret.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates a raw bearer token and returns the caller
// identity from the subject claim.
func (v *Verifier) Verify(raw string) (string, error) {
	token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", ErrInvalidToken
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid {
		return "", ErrInvalidToken
	}
	if claims.Subject == "" {
		return "", ErrMissingSubject
	}
	return claims.Subject, nil
}

// Sign issues a token for the given caller. Used by tests and local tooling;
// the gateway itself never mints credentials.
func Sign(secret, caller string, claims jwt.RegisteredClaims) (string, error) {
	claims.Subject = caller
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
