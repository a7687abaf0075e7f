// Package auth verifies bearer tokens and resolves the caller identity for
// every request. Tokens are normally issued by an external identity service;
// Generate signs tokens for tests and operator tooling.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrAuthDisabled = errors.New("auth disabled: no secret configured")
)

// Identity is what a verified token asserts about the caller.
type Identity struct {
	UserID string
	Email  string
	Admin  bool
}

// Service signs and verifies HMAC JWTs.
type Service struct {
	secret []byte
	method jwt.SigningMethod
	expiry time.Duration
}

func NewService(secret, algorithm string, expiry time.Duration) (*Service, error) {
	var method jwt.SigningMethod
	switch strings.ToUpper(algorithm) {
	case "", "HS256":
		method = jwt.SigningMethodHS256
	case "HS384":
		method = jwt.SigningMethodHS384
	case "HS512":
		method = jwt.SigningMethodHS512
	default:
		return nil, fmt.Errorf("unsupported JWT algorithm %q", algorithm)
	}
	return &Service{secret: []byte(secret), method: method, expiry: expiry}, nil
}

type claims struct {
	Email string `json:"email,omitempty"`
	Admin bool   `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// Generate issues a signed token; used by tests and operator tooling.
func (s *Service) Generate(id Identity) (string, error) {
	if len(s.secret) == 0 {
		return "", ErrAuthDisabled
	}
	if strings.TrimSpace(id.UserID) == "" {
		return "", errors.New("user id required")
	}
	c := claims{
		Email: strings.TrimSpace(id.Email),
		Admin: id.Admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  id.UserID,
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	if s.expiry != 0 {
		c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(s.expiry))
	}
	return jwt.NewWithClaims(s.method, c).SignedString(s.secret)
}

// Validate parses and verifies a token, returning the identity it asserts.
func (s *Service) Validate(token string) (Identity, error) {
	if len(s.secret) == 0 {
		return Identity{}, ErrAuthDisabled
	}
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return Identity{}, ErrInvalidToken
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid || strings.TrimSpace(c.Subject) == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{
		UserID: c.Subject,
		Email:  strings.TrimSpace(c.Email),
		Admin:  c.Admin,
	}, nil
}
