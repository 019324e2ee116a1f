package token

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const (
	testIssuer   = "https://issuer.duratio.dev"
	testAudience = "rtmx-trust"
	testKid      = "test-key-1"
)

type issuerFixture struct {
	key    *rsa.PrivateKey
	server *httptest.Server
	hits   atomic.Int64
	fail   atomic.Bool
}

func newIssuer(t *testing.T) *issuerFixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	f := &issuerFixture{key: key}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		if f.fail.Load() {
			http.Error(w, "issuer down", http.StatusServiceUnavailable)
			return
		}
		pub := key.Public().(*rsa.PublicKey)
		doc := map[string]any{
			"keys": []map[string]string{{
				"kty": "RSA",
				"kid": testKid,
				"alg": "RS256",
				"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
			}},
		}
		json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(f.server.Close)
	return f
}

type signOption func(*jwt.Token, *tokenClaims)

func withKid(kid string) signOption {
	return func(t *jwt.Token, _ *tokenClaims) { t.Header["kid"] = kid }
}

func withExpiry(at time.Time) signOption {
	return func(_ *jwt.Token, c *tokenClaims) { c.ExpiresAt = jwt.NewNumericDate(at) }
}

func withIssuer(iss string) signOption {
	return func(_ *jwt.Token, c *tokenClaims) { c.Issuer = iss }
}

func withAudience(aud string) signOption {
	return func(_ *jwt.Token, c *tokenClaims) { c.Audience = jwt.ClaimStrings{aud} }
}

func (f *issuerFixture) sign(t *testing.T, opts ...signOption) string {
	t.Helper()
	claims := &tokenClaims{
		Email:  "alice@duratio.dev",
		Grants: map[string][]string{"vendor/lib": {"status_observer"}},
		Roles:  []string{"admin"},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice@duratio.dev",
			Issuer:    testIssuer,
			Audience:  jwt.ClaimStrings{testAudience},
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = testKid
	for _, opt := range opts {
		opt(tok, claims)
	}
	raw, err := tok.SignedString(f.key)
	require.NoError(t, err)
	return raw
}

func (f *issuerFixture) validator() *Validator {
	keys := NewKeySet(KeySetConfig{URL: f.server.URL, TTL: time.Minute})
	return NewValidator(keys, testIssuer, testAudience)
}

func TestValidateAcceptsSignedToken(t *testing.T) {
	iss := newIssuer(t)
	v := iss.validator()

	claims, err := v.Validate(context.Background(), iss.sign(t))
	require.NoError(t, err)
	require.Equal(t, "alice@duratio.dev", claims.Subject)
	require.Equal(t, testIssuer, claims.Issuer)
	require.Equal(t, testAudience, claims.Audience)
	require.Equal(t, []string{"status_observer"}, claims.Grants["vendor/lib"])
	require.Equal(t, []string{"admin"}, claims.Roles)
}

func TestValidateRejectsForeignSignature(t *testing.T) {
	iss := newIssuer(t)
	forger, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, &tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "mallory@duratio.dev",
			Issuer:    testIssuer,
			Audience:  jwt.ClaimStrings{testAudience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	tok.Header["kid"] = testKid
	raw, err := tok.SignedString(forger)
	require.NoError(t, err)

	_, err = iss.validator().Validate(context.Background(), raw)
	require.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	iss := newIssuer(t)

	raw := iss.sign(t, withExpiry(time.Now().Add(-time.Hour)))
	_, err := iss.validator().Validate(context.Background(), raw)
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestValidateRejectsIssuerMismatch(t *testing.T) {
	iss := newIssuer(t)

	raw := iss.sign(t, withIssuer("https://rogue.example.com"))
	_, err := iss.validator().Validate(context.Background(), raw)
	require.ErrorIs(t, err, ErrIssuerMismatch)
}

func TestValidateRejectsAudienceMismatch(t *testing.T) {
	iss := newIssuer(t)

	raw := iss.sign(t, withAudience("other-service"))
	_, err := iss.validator().Validate(context.Background(), raw)
	require.ErrorIs(t, err, ErrAudienceMismatch)
}

func TestValidateRejectsUnknownKeyID(t *testing.T) {
	iss := newIssuer(t)

	raw := iss.sign(t, withKid("retired-key"))
	_, err := iss.validator().Validate(context.Background(), raw)
	require.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestKeySetServesStaleCacheWhenIssuerDown(t *testing.T) {
	iss := newIssuer(t)
	keys := NewKeySet(KeySetConfig{URL: iss.server.URL, TTL: time.Minute})
	v := NewValidator(keys, testIssuer, testAudience)

	_, err := v.Validate(context.Background(), iss.sign(t))
	require.NoError(t, err)

	// Issuer goes down; cached keys keep validation working for tokens
	// signed with a known key.
	iss.fail.Store(true)
	_, err = v.Validate(context.Background(), iss.sign(t))
	require.NoError(t, err)
}

func TestKeySetFailsClosedWithEmptyCache(t *testing.T) {
	iss := newIssuer(t)
	iss.fail.Store(true)
	keys := NewKeySet(KeySetConfig{URL: iss.server.URL, TTL: time.Minute})
	v := NewValidator(keys, testIssuer, testAudience)

	_, err := v.Validate(context.Background(), iss.sign(t))
	require.ErrorIs(t, err, ErrRemoteUnavailable)
}

func TestKeySetCachesAcrossValidations(t *testing.T) {
	iss := newIssuer(t)
	v := iss.validator()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := v.Validate(ctx, iss.sign(t))
		require.NoError(t, err)
	}
	require.Equal(t, int64(1), iss.hits.Load())
}

func TestKeySetStale(t *testing.T) {
	iss := newIssuer(t)
	keys := NewKeySet(KeySetConfig{URL: iss.server.URL, TTL: 10 * time.Millisecond})

	require.True(t, keys.Stale())
	require.NoError(t, keys.Refresh(context.Background()))
	require.False(t, keys.Stale())
	time.Sleep(20 * time.Millisecond)
	require.True(t, keys.Stale())
}
