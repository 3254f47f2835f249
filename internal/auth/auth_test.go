package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestIssueVerify_RoundTrip(t *testing.T) {
	m := NewManager(testSecret)
	tok, err := m.Issue("usr_alice", RoleUser, time.Hour)
	require.NoError(t, err)

	p, err := m.Verify("Bearer " + tok)
	require.NoError(t, err)
	assert.Equal(t, "usr_alice", p.UserID)
	assert.Equal(t, RoleUser, p.Role)
}

func TestVerify_Expired(t *testing.T) {
	m := NewManager(testSecret)
	m.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	tok, err := m.Issue("usr_alice", RoleUser, time.Hour)
	require.NoError(t, err)

	m.now = time.Now
	_, err = m.Verify(tok)
	assert.True(t, errors.Is(err, ErrInvalidToken))
}

func TestVerify_WrongSecret(t *testing.T) {
	tok, err := NewManager(testSecret).Issue("usr_alice", RoleArbiter, time.Hour)
	require.NoError(t, err)

	_, err = NewManager("another-secret-another-secret-xx").Verify(tok)
	assert.True(t, errors.Is(err, ErrInvalidToken))
}

func TestVerify_RejectsOtherAlgorithms(t *testing.T) {
	claims := Claims{
		Role: RoleArbiter,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "usr_mallory",
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = NewManager(testSecret).Verify(tok)
	assert.Error(t, err)
}

func TestVerify_UnknownRole(t *testing.T) {
	m := NewManager(testSecret)
	claims := Claims{
		Role: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "usr_x",
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = m.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidRole)
}

func TestIssue_Validation(t *testing.T) {
	m := NewManager(testSecret)
	_, err := m.Issue("", RoleUser, time.Hour)
	assert.Error(t, err)
	_, err = m.Issue("usr_x", Role("root"), time.Hour)
	assert.ErrorIs(t, err, ErrInvalidRole)
}

func TestVerify_Empty(t *testing.T) {
	_, err := NewManager(testSecret).Verify("  ")
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestReservedUserID(t *testing.T) {
	m := NewManager(testSecret)
	_, err := m.Issue(ReservedUserID, RoleUser, time.Hour)
	assert.ErrorIs(t, err, ErrReservedUser)

	// A token minted elsewhere with the same secret is still refused.
	claims := Claims{
		Role: RoleUser,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ReservedUserID,
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	_, err = m.Verify(tok)
	assert.ErrorIs(t, err, ErrReservedUser)
}
