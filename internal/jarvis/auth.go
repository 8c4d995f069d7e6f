// Package jarvis serves the voice assistant device surface: secret-based
// device authentication issuing session JWTs, a reduced agent API and
// the SSE event stream.
package jarvis

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jarvishq/jarvisd/internal/common/apperr"
)

// SessionCookie is the cookie carrying the device session token.
const SessionCookie = "jarvis_session"

type sessionClaims struct {
	jwt.RegisteredClaims
}

// TokenService issues and validates device session tokens.
type TokenService struct {
	deviceSecret []byte
	jwtSecret    []byte
	duration     time.Duration
}

// NewTokenService builds the token helper. deviceSecret gates the auth
// endpoint; jwtSecret signs the issued session tokens.
func NewTokenService(deviceSecret, jwtSecret string, duration time.Duration) *TokenService {
	return &TokenService{
		deviceSecret: []byte(deviceSecret),
		jwtSecret:    []byte(jwtSecret),
		duration:     duration,
	}
}

// Enabled reports whether device auth is configured at all.
func (s *TokenService) Enabled() bool {
	return len(s.deviceSecret) > 0
}

// CheckDeviceSecret compares the presented secret in constant time.
func (s *TokenService) CheckDeviceSecret(secret string) error {
	if !s.Enabled() {
		return apperr.Unauthorizedf("device auth is not configured")
	}
	if subtle.ConstantTimeCompare([]byte(secret), s.deviceSecret) != 1 {
		return apperr.Unauthorizedf("invalid device secret")
	}
	return nil
}

// Issue signs a session token for the given user id.
func (s *TokenService) Issue(userID string) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, errors.New("user id required")
	}
	now := time.Now()
	expiry := now.Add(s.duration)
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiry, nil
}

// Validate parses a session token and returns the user id it carries.
func (s *TokenService) Validate(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &sessionClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return "", apperr.Unauthorizedf("invalid session token")
	}
	claims, ok := parsed.Claims.(*sessionClaims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return "", apperr.Unauthorizedf("invalid session token")
	}
	return claims.Subject, nil
}
