package jwt

import (
	"context"
	"testing"
	"time"

	"github.com/bissquit/post-scheduler/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAuthenticator(t *testing.T) *Authenticator {
	t.Helper()
	a, err := NewAuthenticator(Config{SecretKey: "test-secret", TokenDuration: time.Hour})
	require.NoError(t, err)
	return a
}

func TestNewAuthenticator_RequiresSecret(t *testing.T) {
	_, err := NewAuthenticator(Config{})
	assert.ErrorIs(t, err, ErrNoSecret)
}

func TestIssueAndValidate(t *testing.T) {
	a := newTestAuthenticator(t)

	token, err := a.IssueToken("user-1", domain.RoleVerifier)
	require.NoError(t, err)

	userID, role, err := a.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)
	assert.Equal(t, domain.RoleVerifier, role)
}

func TestIssueToken_Validation(t *testing.T) {
	a := newTestAuthenticator(t)

	_, err := a.IssueToken("", domain.RoleUser)
	assert.ErrorIs(t, err, ErrEmptySubject)

	_, err = a.IssueToken("user-1", "root")
	assert.ErrorIs(t, err, ErrInvalidRole)
}

func TestValidateToken_Rejects(t *testing.T) {
	a := newTestAuthenticator(t)
	other, err := NewAuthenticator(Config{SecretKey: "other-secret"})
	require.NoError(t, err)

	foreign, err := other.IssueToken("user-1", domain.RoleUser)
	require.NoError(t, err)

	expiredAuth := newTestAuthenticator(t)
	expiredAuth.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, err := expiredAuth.IssueToken("user-1", domain.RoleUser)
	require.NoError(t, err)

	badRole, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		Role: "root",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		Role:             domain.RoleUser,
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1", Issuer: issuer},
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{name: "garbage", token: "not-a-token"},
		{name: "wrong secret", token: foreign},
		{name: "expired", token: expired},
		{name: "unknown role", token: badRole},
		{name: "no expiry", token: noExpiry},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := a.ValidateToken(context.Background(), tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}
