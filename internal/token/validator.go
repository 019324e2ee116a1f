package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// clockSkew is the leeway applied to expiry and issued-at checks, per
// the usual few-seconds tolerance between issuer and validator clocks.
const clockSkew = 5 * time.Second

// Validator verifies bearer tokens against the injected key set.
type Validator struct {
	keys     *KeySet
	issuer   string
	audience string
}

// NewValidator constructs a validator pinned to one issuer and audience.
func NewValidator(keys *KeySet, issuer, audience string) *Validator {
	return &Validator{keys: keys, issuer: issuer, audience: audience}
}

type tokenClaims struct {
	Email  string              `json:"email,omitempty"`
	Grants map[string][]string `json:"grants,omitempty"`
	Roles  []string            `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Validate verifies the token's signature, expiry, issuer, and audience
// and returns the claim set. Every failure is terminal for the request.
func (v *Validator) Validate(ctx context.Context, raw string) (ClaimSet, error) {
	claims := &tokenClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, v.keyFunc(ctx),
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwt.WithLeeway(clockSkew),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return ClaimSet{}, classify(err)
	}

	out := ClaimSet{
		Subject: claims.Subject,
		Issuer:  claims.Issuer,
		Email:   claims.Email,
		Grants:  claims.Grants,
		Roles:   claims.Roles,
	}
	if len(claims.Audience) > 0 {
		out.Audience = claims.Audience[0]
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	return out, nil
}

func (v *Validator) keyFunc(ctx context.Context) jwt.Keyfunc {
	return func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("%w: token has no key id", ErrSignatureInvalid)
		}
		return v.keys.Key(ctx, kid)
	}
}

// classify maps jwt library errors onto the package's taxonomy. The
// mapping keeps the first matching category; anything else is a
// signature failure (fail closed).
func classify(err error) error {
	switch {
	case errors.Is(err, ErrRemoteUnavailable):
		return err
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrTokenExpired, err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return fmt.Errorf("%w: %v", ErrIssuerMismatch, err)
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return fmt.Errorf("%w: %v", ErrAudienceMismatch, err)
	case errors.Is(err, ErrSignatureInvalid):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
}
