package trigger

import (
	"context"
	"crypto/subtle"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jarvishq/jarvisd/internal/common/apperr"
)

// StaticTokenVerifier accepts a single pre-shared push token, compared
// in constant time. Used when the push subscription is configured with
// a shared secret instead of OIDC.
type StaticTokenVerifier struct {
	token string
}

// NewStaticTokenVerifier creates a pre-shared token verifier.
func NewStaticTokenVerifier(token string) *StaticTokenVerifier {
	return &StaticTokenVerifier{token: token}
}

func (v *StaticTokenVerifier) Verify(ctx context.Context, token string) error {
	if v.token == "" {
		return apperr.Unauthorizedf("push token not configured")
	}
	if subtle.ConstantTimeCompare([]byte(v.token), []byte(token)) != 1 {
		return apperr.Unauthorizedf("push token mismatch")
	}
	return nil
}

// OIDCAudienceVerifier checks the audience claim on provider-signed
// push JWTs. Signature verification is delegated to the keyfunc, which
// resolves the provider's current signing keys.
type OIDCAudienceVerifier struct {
	audience string
	keyfunc  jwt.Keyfunc
}

// NewOIDCAudienceVerifier creates a JWT audience verifier.
func NewOIDCAudienceVerifier(audience string, keyfunc jwt.Keyfunc) *OIDCAudienceVerifier {
	return &OIDCAudienceVerifier{audience: audience, keyfunc: keyfunc}
}

func (v *OIDCAudienceVerifier) Verify(ctx context.Context, token string) error {
	parsed, err := jwt.Parse(token, v.keyfunc,
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return apperr.Unauthorizedf("push token rejected: %v", err)
	}
	if !parsed.Valid {
		return apperr.Unauthorizedf("push token invalid")
	}
	return nil
}
