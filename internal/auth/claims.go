package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var errNoClaimsSecret = errors.New("no access token secret configured")

// accessClaims are the claims read from an HS256-signed access token.
type accessClaims struct {
	Email       string      `json:"email"`
	AppMetadata AppMetadata `json:"app_metadata"`
	jwt.RegisteredClaims
}

// ClaimsVerifier verifies access tokens signed with a shared secret and
// reads the app-level role from them.
type ClaimsVerifier struct {
	secret []byte
}

// NewClaimsVerifier returns a verifier for the given HS256 secret. An empty
// secret disables access-token verification.
func NewClaimsVerifier(secret string) ClaimsVerifier {
	return ClaimsVerifier{secret: []byte(secret)}
}

// Enabled reports whether a secret is configured.
func (v ClaimsVerifier) Enabled() bool {
	return len(v.secret) > 0
}

// Role verifies rawToken and returns its app_metadata role.
func (v ClaimsVerifier) Role(rawToken string) (string, error) {
	if !v.Enabled() {
		return "", errNoClaimsSecret
	}

	var claims accessClaims
	_, err := jwt.ParseWithClaims(rawToken, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("parse access token: %w", err)
	}

	return claims.AppMetadata.Role, nil
}
