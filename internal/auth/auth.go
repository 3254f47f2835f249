// Package auth verifies the bearer tokens that name the acting user.
//
// Authentication model:
//   - Health and metrics endpoints: no auth
//   - Everything under /v1: HS256 JWT with sub = user id and role = user|arbiter
//   - Tokens are minted elsewhere (cmd/tokengen for development)
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Errors
var (
	ErrNoToken      = errors.New("bearer token required")
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrInvalidRole  = errors.New("invalid role claim")
	ErrReservedUser = errors.New("user id is reserved")
)

// ReservedUserID is the id background workers act as. No token may carry it.
const ReservedUserID = "system"

// Role is the coarse permission level carried in a token.
type Role string

const (
	RoleUser    Role = "user"
	RoleArbiter Role = "arbiter"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleArbiter
}

// Claims are the token claims peerex reads.
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// Principal is the authenticated caller.
type Principal struct {
	UserID string
	Role   Role
}

const issuer = "peerex"

// Manager signs and verifies tokens with a shared secret.
type Manager struct {
	secret []byte
	now    func() time.Time
}

// NewManager creates a manager for the given HMAC secret.
func NewManager(secret string) *Manager {
	return &Manager{secret: []byte(secret), now: time.Now}
}

// Issue mints a token for userID with role, valid for ttl.
func (m *Manager) Issue(userID string, role Role, ttl time.Duration) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("user id is required")
	}
	if userID == ReservedUserID {
		return "", ErrReservedUser
	}
	if !role.Valid() {
		return "", ErrInvalidRole
	}
	now := m.now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Verify parses a raw token (with or without the "Bearer " prefix).
func (m *Manager) Verify(raw string) (*Principal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrNoToken
	}
	if len(raw) > 7 && strings.EqualFold(raw[:7], "bearer ") {
		raw = strings.TrimSpace(raw[7:])
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	if claims.Subject == ReservedUserID {
		return nil, ErrReservedUser
	}
	if !claims.Role.Valid() {
		return nil, ErrInvalidRole
	}
	return &Principal{UserID: claims.Subject, Role: claims.Role}, nil
}
