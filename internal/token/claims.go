// Package token verifies bearer tokens against the issuer's published
// key set and extracts the claim set every access decision starts from.
package token

import (
	"context"
	"errors"
	"time"
)

// Validation failures. All of them fail closed: no claim set is
// produced and the request is rejected as unauthenticated.
var (
	ErrSignatureInvalid = errors.New("token: signature invalid")
	ErrTokenExpired     = errors.New("token: expired")
	ErrIssuerMismatch   = errors.New("token: issuer mismatch")
	ErrAudienceMismatch = errors.New("token: audience mismatch")
	// ErrRemoteUnavailable means the key-set endpoint could not be
	// reached and no usable cached keys exist.
	ErrRemoteUnavailable = errors.New("token: key set unavailable and nothing cached")
)

// ClaimSet is the verified content of a bearer token. It is derived per
// request and never persisted.
type ClaimSet struct {
	Subject   string
	Issuer    string
	Audience  string
	Email     string
	ExpiresAt time.Time
	IssuedAt  time.Time
	// Grants maps repository identifiers to the role names the issuer
	// recorded for this identity at token issuance.
	Grants map[string][]string
	// Roles are the identity's roles on its home repository.
	Roles []string
}

type claimsKey struct{}

// ContextWithClaims stores a verified claim set in the request context.
func ContextWithClaims(ctx context.Context, claims ClaimSet) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// ClaimsFromContext retrieves the claim set placed by the auth
// middleware. The second return is false for unauthenticated contexts.
func ClaimsFromContext(ctx context.Context) (ClaimSet, bool) {
	claims, ok := ctx.Value(claimsKey{}).(ClaimSet)
	return claims, ok
}
