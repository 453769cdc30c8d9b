package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultKeySetTTL is how long fetched keys are trusted before a refetch
const DefaultKeySetTTL = time.Hour

// MinKeySetRefresh is the shortest gap between fetches triggered by unknown key ids
const MinKeySetRefresh = time.Minute

const keyFetchTimeout = 10 * time.Second

// ErrUnknownKey is returned when no key matches a token's kid after a refresh
var ErrUnknownKey = errors.New("signing key not found")

// KeySet caches the RSA keys published at a JWKS endpoint. Concurrent
// refreshes share a single fetch, and an unknown key id refetches at most
// once per minRefresh.
type KeySet struct {
	url        string
	client     *http.Client
	ttl        time.Duration
	minRefresh time.Duration
	now        func() time.Time

	mu      sync.RWMutex
	keys    map[string]*rsa.PublicKey
	fetched time.Time

	group singleflight.Group
}

// NewKeySet creates a key set for the JWKS url. A non-positive ttl uses DefaultKeySetTTL.
func NewKeySet(url string, ttl time.Duration) *KeySet {
	if ttl <= 0 {
		ttl = DefaultKeySetTTL
	}
	return &KeySet{
		url:        url,
		client:     &http.Client{Timeout: keyFetchTimeout},
		ttl:        ttl,
		minRefresh: min(MinKeySetRefresh, ttl),
		now:        time.Now,
	}
}

// Key returns the key with the given id, fetching the set when it is stale or
// does not contain the id.
func (k *KeySet) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	key, fresh := k.lookup(kid)
	if key != nil && fresh {
		return key, nil
	}
	if fresh && k.recentlyFetched() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKey, kid)
	}

	if err := k.refresh(ctx); err != nil {
		return nil, err
	}

	if key, _ := k.lookup(kid); key != nil {
		return key, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKey, kid)
}

// Invalidate drops the cached keys so the next lookup refetches
func (k *KeySet) Invalidate() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys = nil
	k.fetched = time.Time{}
}

func (k *KeySet) lookup(kid string) (*rsa.PublicKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	fresh := !k.fetched.IsZero() && k.now().Sub(k.fetched) < k.ttl
	return k.keys[kid], fresh
}

func (k *KeySet) recentlyFetched() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return !k.fetched.IsZero() && k.now().Sub(k.fetched) < k.minRefresh
}

// refresh ignores the caller's cancellation; waiters share its result
func (k *KeySet) refresh(ctx context.Context) error {
	_, err, _ := k.group.Do("refresh", func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), keyFetchTimeout)
		defer cancel()

		keys, err := k.fetch(fetchCtx)
		if err != nil {
			return nil, err
		}
		k.mu.Lock()
		k.keys = keys
		k.fetched = k.now()
		k.mu.Unlock()
		slog.Info("Fetched signing keys", "url", k.url, "count", len(keys))
		return nil, nil
	})
	return err
}

type jwks struct {
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

func (k *KeySet) fetch(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := k.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching keys: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("fetching keys (status %d): %s", resp.StatusCode, string(body))
	}

	var set jwks
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, fmt.Errorf("decoding keys: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, entry := range set.Keys {
		if entry.Kty != "RSA" {
			continue
		}
		key, err := entry.publicKey()
		if err != nil {
			slog.Warn("Skipping malformed signing key", "kid", entry.Kid, "error", err)
			continue
		}
		keys[entry.Kid] = key
	}
	return keys, nil
}

func (j jwk) publicKey() (*rsa.PublicKey, error) {
	n, err := base64.RawURLEncoding.DecodeString(j.N)
	if err != nil {
		return nil, fmt.Errorf("decoding modulus: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(j.E)
	if err != nil {
		return nil, fmt.Errorf("decoding exponent: %w", err)
	}
	exponent := new(big.Int).SetBytes(e)
	if len(n) == 0 || !exponent.IsInt64() || exponent.Int64() < 2 {
		return nil, fmt.Errorf("invalid key parameters")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(exponent.Int64())}, nil
}
