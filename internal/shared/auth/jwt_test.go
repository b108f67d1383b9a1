package auth_test

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/adred-codev/pushline/internal/shared/auth"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func sign(t *testing.T, key string, method jwt.SigningMethod, claims jwt.RegisteredClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString([]byte(key))
	require.NoError(t, err)
	return token
}

func validClaims(subject string) jwt.RegisteredClaims {
	now := time.Now()
	return jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}
}

func TestTokenDecoder_UserID(t *testing.T) {
	decoder := auth.NewTokenDecoder(secret)

	t.Run("valid token", func(t *testing.T) {
		token := sign(t, secret, jwt.SigningMethodHS256, validClaims("42"))

		userID, err := decoder.UserID(token)

		require.NoError(t, err)
		assert.Equal(t, int64(42), userID)
	})

	t.Run("wrong secret", func(t *testing.T) {
		token := sign(t, "other-secret", jwt.SigningMethodHS256, validClaims("42"))

		_, err := decoder.UserID(token)

		assert.ErrorIs(t, err, auth.ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		claims := validClaims("42")
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
		token := sign(t, secret, jwt.SigningMethodHS256, claims)

		_, err := decoder.UserID(token)

		assert.ErrorIs(t, err, auth.ErrInvalidToken)
	})

	t.Run("non numeric subject", func(t *testing.T) {
		token := sign(t, secret, jwt.SigningMethodHS256, validClaims("alice"))

		_, err := decoder.UserID(token)

		assert.ErrorIs(t, err, auth.ErrInvalidSubject)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := decoder.UserID("not-a-jwt")

		assert.ErrorIs(t, err, auth.ErrInvalidToken)
	})
}

func TestExtractTokenFromHeader(t *testing.T) {
	testCases := []struct {
		name    string
		header  string
		want    string
		wantErr error
	}{
		{"bearer", "Bearer abc.def.ghi", "abc.def.ghi", nil},
		{"missing", "", "", auth.ErrMissingToken},
		{"wrong scheme", "Basic dXNlcjpwYXNz", "", auth.ErrMalformedToken},
		{"empty bearer", "Bearer   ", "", auth.ErrMalformedToken},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/ws", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}

			got, err := auth.ExtractTokenFromHeader(req)

			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
