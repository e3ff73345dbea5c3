package api

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acuervo/go-watchparty/internal/testutil"
)

func Test_userIdFromToken(t *testing.T) {
	key := []byte("test-signing-key")
	s := &Server{log: testutil.TestLogger(t), signingKey: key}

	sign := func(t *testing.T, claims jwt.MapClaims, key []byte) string {
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
		require.NoError(t, err)
		return signed
	}

	t.Run("valid token", func(t *testing.T) {
		token := sign(t, jwt.MapClaims{userIdClaim: 42, "exp": time.Now().Add(time.Hour).Unix()}, key)

		userId, err := s.userIdFromToken(token)
		assert.NoError(t, err, "expected no error for a valid token")
		assert.Equal(t, 42, userId)
	})

	t.Run("empty token", func(t *testing.T) {
		_, err := s.userIdFromToken("")
		assert.Error(t, err, "expected an error for an empty token")
	})

	t.Run("wrong signing key", func(t *testing.T) {
		token := sign(t, jwt.MapClaims{userIdClaim: 42}, []byte("other-key"))

		_, err := s.userIdFromToken(token)
		assert.Error(t, err, "expected an error for a forged token")
	})

	t.Run("expired token", func(t *testing.T) {
		token := sign(t, jwt.MapClaims{userIdClaim: 42, "exp": time.Now().Add(-time.Hour).Unix()}, key)

		_, err := s.userIdFromToken(token)
		assert.Error(t, err, "expected an error for an expired token")
	})

	t.Run("missing user id claim", func(t *testing.T) {
		token := sign(t, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()}, key)

		_, err := s.userIdFromToken(token)
		assert.Error(t, err, "expected an error when the claim is absent")
	})
}
