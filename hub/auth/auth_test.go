package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amurg-ai/remotectl/hub/config"
)

const testSecret = "test-secret-at-least-32-chars-long"

func newTestService(t *testing.T) *Service {
	t.Helper()
	hash, err := HashPassword("admin-password")
	require.NoError(t, err)
	return NewService(config.AuthConfig{
		JWTSecret: testSecret,
		JWTExpiry: config.Duration{Duration: time.Hour},
		Admin:     &config.AdminEntry{Username: "admin", PasswordHash: hash},
	})
}

func TestLoginAndValidate(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	token, err := svc.Login(ctx, "admin", "admin-password")
	require.NoError(t, err)

	id, err := svc.ValidateToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "admin", id.Username)
	assert.Equal(t, "admin", id.Role)
	assert.Equal(t, "admin", id.Subject)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Login(ctx, "admin", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.Login(ctx, "nobody", "admin-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	noAdmin := NewService(config.AuthConfig{JWTSecret: testSecret})
	_, err = noAdmin.Login(ctx, "admin", "admin-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestValidateTokenRejects(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.ValidateToken(ctx, "not-a-jwt")
	assert.ErrorIs(t, err, ErrUnauthorized)

	other := NewService(config.AuthConfig{JWTSecret: strings.Repeat("x", 40), JWTExpiry: config.Duration{Duration: time.Hour}})
	foreign, err := other.IssueToken("admin", "admin")
	require.NoError(t, err)
	_, err = svc.ValidateToken(ctx, foreign)
	assert.ErrorIs(t, err, ErrUnauthorized)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "admin"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = svc.ValidateToken(ctx, unsigned)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestValidateTokenExpired(t *testing.T) {
	svc := newTestService(t)
	issued := time.Now().Add(-2 * time.Hour)
	svc.now = func() time.Time { return issued }
	token, err := svc.IssueToken("admin", "admin")
	require.NoError(t, err)

	svc.now = time.Now
	_, err = svc.ValidateToken(context.Background(), token)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAPIKeys(t *testing.T) {
	key, prefix, err := GenerateAPIKey()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, APIKeyPrefix))
	assert.True(t, strings.HasPrefix(key, prefix))
	assert.Len(t, prefix, apiKeyDisplayLen)

	again, _, err := GenerateAPIKey()
	require.NoError(t, err)
	assert.NotEqual(t, key, again)

	assert.Equal(t, HashAPIKey(key), HashAPIKey(key))
	assert.NotEqual(t, HashAPIKey(key), HashAPIKey(again))
	assert.Len(t, HashAPIKey(key), 64)
}

func TestHashPasswordEmpty(t *testing.T) {
	_, err := HashPassword("")
	assert.Error(t, err)
}

func TestNewProvider(t *testing.T) {
	p, err := NewProvider(context.Background(), config.AuthConfig{JWTSecret: testSecret})
	require.NoError(t, err)
	assert.Equal(t, "builtin", p.Name())
	_, ok := p.(LoginProvider)
	assert.True(t, ok)

	_, err = NewProvider(context.Background(), config.AuthConfig{Provider: "saml"})
	assert.Error(t, err)
}
