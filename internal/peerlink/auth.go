package peerlink

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenAudience = "eventrouter-peerlink"

// ErrUnauthenticated is returned when a peer handshake carries an invalid token.
var ErrUnauthenticated = errors.New("peer authentication failed")

// TokenAuth issues and verifies the HS256 tokens exchanged in the stream handshake.
// Both sides of a link must share the same secret.
type TokenAuth struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenAuth creates token authentication over a shared secret.
func NewTokenAuth(secret string, ttl time.Duration) *TokenAuth {
	return &TokenAuth{secret: []byte(secret), ttl: ttl}
}

// Issue creates a token asserting nodeID.
func (a *TokenAuth) Issue(nodeID string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   nodeID,
		Audience:  jwt.ClaimStrings{tokenAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to create token: %w", err)
	}
	return token, nil
}

// Verify checks that token is valid and asserts nodeID.
func (a *TokenAuth) Verify(token, nodeID string) error {
	if token == "" {
		return fmt.Errorf("%w: missing token", ErrUnauthenticated)
	}
	_, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{},
		func(*jwt.Token) (interface{}, error) {
			return a.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(tokenAudience),
		jwt.WithSubject(nodeID),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	return nil
}
