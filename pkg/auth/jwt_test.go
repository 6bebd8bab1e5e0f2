package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	s := NewSigner("secret", time.Hour)
	tok, err := s.Generate(7, "ops", true)
	require.NoError(t, err)

	c, err := s.Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, uint(7), c.UserID)
	assert.Equal(t, "ops", c.Username)
	assert.True(t, c.Admin)
}

func TestRejects(t *testing.T) {
	s := NewSigner("secret", time.Hour)
	tok, err := s.Generate(1, "ops", false)
	require.NoError(t, err)

	_, err = NewSigner("other", time.Hour).Parse(tok)
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = s.Parse("not-a-token")
	assert.ErrorIs(t, err, ErrInvalid)

	past := time.Now().Add(-time.Hour)
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID: 1,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(past),
		},
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = s.Parse(expired)
	assert.ErrorIs(t, err, ErrInvalid)
}
