package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateValidateRoundTrip(t *testing.T) {
	svc, err := NewService("test-secret", "HS256", time.Hour)
	require.NoError(t, err)

	token, err := svc.Generate(Identity{UserID: "u1", Email: "u1@example.com", Admin: true})
	require.NoError(t, err)

	id, err := svc.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", id.UserID)
	assert.Equal(t, "u1@example.com", id.Email)
	assert.True(t, id.Admin)
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	issuer, _ := NewService("secret-a", "HS256", time.Hour)
	verifier, _ := NewService("secret-b", "HS256", time.Hour)

	token, err := issuer.Generate(Identity{UserID: "u1"})
	require.NoError(t, err)

	_, err = verifier.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsExpired(t *testing.T) {
	svc, _ := NewService("s", "HS256", -time.Minute)
	token, err := svc.Generate(Identity{UserID: "u1"})
	require.NoError(t, err)

	_, err = svc.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsGarbage(t *testing.T) {
	svc, _ := NewService("s", "HS256", time.Hour)
	_, err := svc.Validate("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestGenerateRequiresUserID(t *testing.T) {
	svc, _ := NewService("s", "HS256", time.Hour)
	_, err := svc.Generate(Identity{})
	assert.Error(t, err)
}

func TestUnsupportedAlgorithm(t *testing.T) {
	_, err := NewService("s", "RS256", time.Hour)
	assert.Error(t, err)
}
