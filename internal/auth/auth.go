// Package auth provides the credential service and user directory backing
// the chat server: HS256 bearer tokens carrying a user's identity, and a
// file-persisted username/password store.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credential errors. Callers treat any of them as an authentication
// rejection; the distinction only matters for logging and client messages.
var (
	ErrTokenExpired = errors.New("auth: token expired")
	ErrTokenInvalid = errors.New("auth: token invalid")
)

// Identity is the stable user identity embedded in every issued token.
type Identity struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Nickname string `json:"nickname"`
}

type tokenClaims struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Nickname string `json:"nickname"`
	jwt.RegisteredClaims
}

// TokenService issues and verifies bearer credentials.
type TokenService struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenService creates a TokenService signing with secret. Tokens expire
// after ttl; a non-positive ttl falls back to seven days.
func NewTokenService(secret []byte, ttl time.Duration) (*TokenService, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: signing secret is required")
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &TokenService{secret: secret, ttl: ttl}, nil
}

// Issue signs a new bearer token for the given identity.
func (s *TokenService) Issue(identity Identity) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		ID:       identity.ID,
		Username: identity.Username,
		Nickname: identity.Nickname,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify checks a bearer token's signature and expiry and returns the
// embedded identity. Expired tokens yield ErrTokenExpired; every other
// failure yields ErrTokenInvalid.
func (s *TokenService) Verify(tokenString string) (Identity, error) {
	if tokenString == "" {
		return Identity{}, ErrTokenInvalid
	}

	var claims tokenClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrTokenExpired
		}
		return Identity{}, ErrTokenInvalid
	}
	if !token.Valid {
		return Identity{}, ErrTokenInvalid
	}

	identity := Identity{ID: claims.ID, Username: claims.Username, Nickname: claims.Nickname}
	if identity.Nickname == "" {
		identity.Nickname = identity.Username
	}
	return identity, nil
}
