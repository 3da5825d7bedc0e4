// Package auth issues and verifies the bearer tokens used by both the REST
// API and the WebSocket auth frame, and manages user accounts in PostgreSQL.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL is the validity window of issued tokens.
const DefaultTokenTTL = 30 * time.Minute

// ErrInvalidToken is returned when a token fails verification for any
// reason: bad signature, expiry, or a missing subject.
var ErrInvalidToken = errors.New("auth: invalid token")

// TokenConfig holds signing parameters.
type TokenConfig struct {
	Secret []byte        // HMAC signing key
	TTL    time.Duration // token lifetime; DefaultTokenTTL when zero
}

// IssueToken creates a signed HS256 token with the username as subject.
func IssueToken(cfg TokenConfig, username string) (string, error) {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := time.Now()

	claims := jwt.MapClaims{
		"sub": username,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken validates a token and returns its subject (the username). Only
// HMAC-signed tokens are accepted.
func VerifyToken(cfg TokenConfig, tokenString string) (string, error) {
	parsed, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return cfg.Secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", ErrInvalidToken
	}

	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", ErrInvalidToken
	}
	return sub, nil
}
