package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func TestGenerateAndValidateToken(t *testing.T) {
	token, err := GenerateToken("ops@example.com", RoleAdmin, testSecret, time.Hour)
	require.NoError(t, err)

	claims, err := ValidateToken(token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", claims.Subject)
	assert.Equal(t, RoleAdmin, claims.Role)
	assert.Equal(t, "funnelsync", claims.Issuer)
}

func TestValidateToken_Errors(t *testing.T) {
	t.Run("Error - wrong secret", func(t *testing.T) {
		token, err := GenerateToken("ops", RoleAdmin, testSecret, time.Hour)
		require.NoError(t, err)
		_, err = ValidateToken(token, "other")
		assert.Error(t, err)
	})

	t.Run("Error - expired", func(t *testing.T) {
		token, err := GenerateToken("ops", RoleAdmin, testSecret, -time.Minute)
		require.NoError(t, err)
		_, err = ValidateToken(token, testSecret)
		assert.ErrorIs(t, err, jwt.ErrTokenExpired)
	})

	t.Run("Error - none algorithm", func(t *testing.T) {
		claims := &Claims{Role: RoleAdmin, RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}}
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = ValidateToken(token, testSecret)
		assert.Error(t, err)
	})

	t.Run("Error - foreign issuer", func(t *testing.T) {
		claims := &Claims{Role: RoleAdmin, RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
		require.NoError(t, err)
		_, err = ValidateToken(token, testSecret)
		assert.Error(t, err)
	})

	t.Run("Error - garbage", func(t *testing.T) {
		_, err := ValidateToken("not-a-token", testSecret)
		assert.Error(t, err)
	})
}

func TestGenerateToken_EmptySecret(t *testing.T) {
	_, err := GenerateToken("ops", RoleAdmin, "", time.Hour)
	assert.Error(t, err)
}
