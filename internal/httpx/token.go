package httpx

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// PrincipalClaims carries the authenticated principal identity inside an
// issuer-signed token. The identity-proving layer (challenge/response) lives
// outside this service; it hands callers one of these tokens.
type PrincipalClaims struct {
	jwt.RegisteredClaims
	Principal string `json:"prn"`
}

// TokenVerifier validates principal tokens with the shared issuer secret.
type TokenVerifier struct {
	Secret []byte
}

// IssueToken signs a principal token. Exposed for the external authenticator
// and for tests.
func IssueToken(principal string, secret []byte, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, PrincipalClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Principal: principal,
	})
	return token.SignedString(secret)
}

// Verify parses and validates a token, returning the principal identifier.
func (v TokenVerifier) Verify(raw string) (string, error) {
	claims := &PrincipalClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return v.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	if !token.Valid || claims.Principal == "" {
		return "", fmt.Errorf("invalid principal token")
	}
	return claims.Principal, nil
}
