package token

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"time"
)

// KeySet caches the issuer's published signing keys. It is an explicit
// object injected into the Validator, never ambient state: construction,
// TTL refresh, and teardown are all owned by the caller.
//
// Refresh discipline: the background worker refreshes proactively before
// the TTL lapses, so the request path almost always hits the local map.
// A request only fetches synchronously on first use or when it asks for
// a key ID the cache has never seen. A failed fetch with cached keys
// degrades to the stale cache with a warning; a failed fetch with an
// empty cache fails closed.
type KeySet struct {
	url     string
	ttl     time.Duration
	timeout time.Duration
	client  *http.Client
	logger  *slog.Logger

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

// KeySetConfig configures the cache.
type KeySetConfig struct {
	URL     string
	TTL     time.Duration
	Timeout time.Duration
	Client  *http.Client
	Logger  *slog.Logger
}

// NewKeySet constructs the cache. No fetch happens until first use or
// an explicit Refresh.
func NewKeySet(cfg KeySetConfig) *KeySet {
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &KeySet{
		url:     cfg.URL,
		ttl:     ttl,
		timeout: timeout,
		client:  client,
		logger:  logger,
	}
}

// Key returns the public key for the given key ID. The common case is a
// read-locked map lookup; network I/O only happens when the cache is
// empty or the key ID is unknown.
func (ks *KeySet) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	ks.mu.RLock()
	key, ok := ks.keys[kid]
	populated := len(ks.keys) > 0
	ks.mu.RUnlock()
	if ok {
		return key, nil
	}

	if err := ks.Refresh(ctx); err != nil {
		if !populated {
			return nil, err
		}
		ks.logger.Warn("token: key set refresh failed, serving cached keys", slog.Any("error", err))
	}

	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if key, ok := ks.keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: unknown key id %q", ErrSignatureInvalid, kid)
}

// Stale reports whether the cache is past its TTL. The background
// refresher polls this to refresh ahead of expiry.
func (ks *KeySet) Stale() bool {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.fetchedAt.IsZero() || time.Since(ks.fetchedAt) >= ks.ttl
}

// Refresh fetches the key-set endpoint with a bounded timeout and
// replaces the cached keys on success. On failure the existing cache is
// left untouched.
func (ks *KeySet) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, ks.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ks.url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	resp, err := ks.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: key-set endpoint returned %d", ErrRemoteUnavailable, resp.StatusCode)
	}

	var doc jwksDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("%w: decode key set: %v", ErrRemoteUnavailable, err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, jwk := range doc.Keys {
		if jwk.Kty != "RSA" || jwk.Kid == "" {
			continue
		}
		key, err := jwk.publicKey()
		if err != nil {
			ks.logger.Warn("token: skipping unparsable key", slog.String("kid", jwk.Kid), slog.Any("error", err))
			continue
		}
		keys[jwk.Kid] = key
	}
	if len(keys) == 0 {
		return fmt.Errorf("%w: key set contains no usable keys", ErrRemoteUnavailable)
	}

	ks.mu.Lock()
	ks.keys = keys
	ks.fetchedAt = time.Now()
	ks.mu.Unlock()
	return nil
}

type jwksDocument struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (k jwk) publicKey() (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("exponent: %w", err)
	}
	e := new(big.Int).SetBytes(eBytes)
	if !e.IsInt64() || e.Int64() <= 0 {
		return nil, fmt.Errorf("exponent out of range")
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(e.Int64()),
	}, nil
}
