package auth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// AppleIssuer is the iss claim of Sign in with Apple identity tokens
	AppleIssuer = "https://appleid.apple.com"
	// AppleKeysURL publishes the keys that sign Apple identity tokens
	AppleKeysURL = "https://appleid.apple.com/auth/keys"
)

// AppleVerifier verifies Sign in with Apple identity tokens for one app
type AppleVerifier struct {
	keys     *KeySet
	bundleID string
}

// NewAppleVerifier creates a verifier that checks the audience against bundleID
func NewAppleVerifier(keys *KeySet, bundleID string) (*AppleVerifier, error) {
	if bundleID == "" {
		return nil, fmt.Errorf("apple bundle id is required")
	}
	return &AppleVerifier{keys: keys, bundleID: bundleID}, nil
}

type appleClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Verify checks the signature, issuer, audience and expiry of the token
func (a *AppleVerifier) Verify(ctx context.Context, token string) (*Identity, error) {
	var claims appleClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return a.keys.Key(ctx, kid)
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(AppleIssuer),
		jwt.WithAudience(a.bundleID),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.keys.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidIdentity)
	}
	return &Identity{Subject: claims.Subject, Email: claims.Email}, nil
}
