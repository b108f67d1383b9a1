// Package auth validates the bearer tokens clients present on the WebSocket
// handshake. Tokens are issued elsewhere; this package only verifies them.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken   = errors.New("authorization header missing")
	ErrMalformedToken = errors.New("invalid authorization header format")
	ErrInvalidToken   = errors.New("invalid token")
	ErrInvalidSubject = errors.New("token subject is not a user id")
)

// Claims carried by gateway tokens. The subject is the decimal user id.
type Claims struct {
	jwt.RegisteredClaims
}

// TokenDecoder verifies HS256 tokens and yields the authenticated user id
type TokenDecoder struct {
	secretKey []byte
	leeway    time.Duration
}

func NewTokenDecoder(secretKey string) *TokenDecoder {
	return &TokenDecoder{
		secretKey: []byte(secretKey),
		leeway:    30 * time.Second,
	}
}

// Verify validates the token signature and time claims and returns the claims
func (d *TokenDecoder) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return d.secretKey, nil
		},
		jwt.WithLeeway(d.leeway),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: invalid token claims", ErrInvalidToken)
	}

	return claims, nil
}

// UserID verifies the token and parses its subject into a user id
func (d *TokenDecoder) UserID(tokenString string) (int64, error) {
	claims, err := d.Verify(tokenString)
	if err != nil {
		return 0, err
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSubject, claims.Subject)
	}
	return userID, nil
}

// ExtractTokenFromHeader extracts the bearer token from the Authorization header
func ExtractTokenFromHeader(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", ErrMissingToken
	}

	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return "", ErrMalformedToken
	}

	token := strings.TrimSpace(strings.TrimPrefix(authHeader, bearerPrefix))
	if token == "" {
		return "", ErrMalformedToken
	}
	return token, nil
}
