// SPDX-License-Identifier: MIT

// Package auth verifies bearer tokens and resolves the calling principal.
// Tokens are HS256 JWTs carrying the subject and a user type claim.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Role is the caller's coarse authorization class.
type Role string

const (
	RoleStudent  Role = "student"
	RoleLecturer Role = "lecturer"
	RoleStaff    Role = "staff"
	RoleAdmin    Role = "admin"
)

var validRoles = map[Role]bool{
	RoleStudent:  true,
	RoleLecturer: true,
	RoleStaff:    true,
	RoleAdmin:    true,
}

// Principal is the authenticated identity attached to a request.
type Principal struct {
	ID   string
	Role Role
}

// IsAdmin reports whether the principal may act on any student's behalf.
func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

var (
	// ErrNoToken reports a request without a bearer token.
	ErrNoToken = errors.New("auth: no bearer token")
	// ErrInvalidToken reports a token that failed verification.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// claims is the JWT payload this service issues and accepts.
type claims struct {
	UserType string `json:"user_type"`
	jwt.RegisteredClaims
}

// Verifier checks tokens against a shared HS256 secret.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewVerifier builds a verifier for the given secret.
func NewVerifier(secret []byte) *Verifier {
	return &Verifier{
		secret: secret,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
}

// Verify parses and validates the token string and returns its principal.
func (v *Verifier) Verify(tokenString string) (Principal, error) {
	var c claims
	_, err := v.parser.ParseWithClaims(tokenString, &c, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if c.Subject == "" {
		return Principal{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	role := Role(c.UserType)
	if !validRoles[role] {
		return Principal{}, fmt.Errorf("%w: unknown user type %q", ErrInvalidToken, c.UserType)
	}
	return Principal{ID: c.Subject, Role: role}, nil
}

// Issue mints a token for the principal, valid for ttl. Used by tests and by
// the token-minting admin endpoint.
func (v *Verifier) Issue(p Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		UserType: string(p.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// FromRequest extracts and verifies the bearer token on r.
func (v *Verifier) FromRequest(r *http.Request) (Principal, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return Principal{}, ErrNoToken
	}
	return v.Verify(strings.TrimSpace(header[len("Bearer "):]))
}
