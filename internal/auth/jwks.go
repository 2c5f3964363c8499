package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"
)

// DefaultAuthority is the Entra ID public cloud login host.
const DefaultAuthority = "https://login.microsoftonline.com"

// TenantKeysURL returns the v2.0 signing key document of an Entra ID tenant.
func TenantKeysURL(authority, tenantID string) string {
	if authority == "" {
		authority = DefaultAuthority
	}
	return strings.TrimRight(authority, "/") + "/" + tenantID + "/discovery/v2.0/keys"
}

// signingKey is one RSA key published by the tenant. issuer is the optional
// per-key issuer Entra ID attaches to v2.0 keys; it may carry a "{tenantid}"
// placeholder on multi-tenant endpoints.
type signingKey struct {
	pub    *rsa.PublicKey
	issuer string
}

// TenantKeySet caches the signing keys an Entra ID tenant uses for the access
// tokens it issues to b1gate. Keys are replaced as a set on every refresh so
// keys retired by the tenant stop verifying tokens.
type TenantKeySet struct {
	url        string
	ttl        time.Duration
	minRefresh time.Duration
	client     *http.Client

	mu        sync.RWMutex
	keys      map[string]signingKey
	fetchedAt time.Time
}

// NewTenantKeySet creates a key set that trusts the document at url for ttl.
// A kid missing from the cache forces a refresh at most once per minRefresh.
func NewTenantKeySet(url string, ttl, minRefresh time.Duration) *TenantKeySet {
	return &TenantKeySet{
		url:        url,
		ttl:        ttl,
		minRefresh: minRefresh,
		client:     &http.Client{Timeout: 10 * time.Second},
		keys:       make(map[string]signingKey),
	}
}

// GetKey returns the RSA public key for kid, refreshing the set when it has
// expired or when the tenant has rotated to a kid not yet cached.
func (s *TenantKeySet) GetKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	k, err := s.lookup(ctx, kid)
	if err != nil {
		return nil, err
	}
	return k.pub, nil
}

func (s *TenantKeySet) lookup(ctx context.Context, kid string) (signingKey, error) {
	s.mu.RLock()
	key, ok := s.keys[kid]
	age := time.Since(s.fetchedAt)
	fetched := !s.fetchedAt.IsZero()
	s.mu.RUnlock()

	switch {
	case ok && age < s.ttl:
		return key, nil
	case !ok && fetched && age < s.ttl && age < s.minRefresh:
		return signingKey{}, fmt.Errorf("key %q not published by tenant", kid)
	}

	if err := s.refresh(ctx); err != nil {
		return signingKey{}, fmt.Errorf("fetching tenant signing keys: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok = s.keys[kid]
	if !ok {
		return signingKey{}, fmt.Errorf("key %q not published by tenant", kid)
	}
	return key, nil
}

func (s *TenantKeySet) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return fmt.Errorf("creating request for %s: %w", s.url, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", s.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", s.url, resp.StatusCode)
	}

	var doc struct {
		Keys []struct {
			Kid    string `json:"kid"`
			Kty    string `json:"kty"`
			Use    string `json:"use"`
			N      string `json:"n"`
			E      string `json:"e"`
			Issuer string `json:"issuer"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("decoding key document: %w", err)
	}

	keys := make(map[string]signingKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, err := parseRSAPublicKey(k.N, k.E)
		if err != nil {
			continue
		}
		keys[k.Kid] = signingKey{pub: pub, issuer: k.Issuer}
	}

	s.mu.Lock()
	s.keys = keys
	s.fetchedAt = time.Now()
	s.mu.Unlock()
	return nil
}

// matchesIssuer reports whether iss is the issuer the tenant bound this key
// to. Keys without an issuer accept any.
func (k signingKey) matchesIssuer(iss, tenantID string) bool {
	if k.issuer == "" {
		return true
	}
	return strings.ReplaceAll(k.issuer, "{tenantid}", tenantID) == iss
}

func parseRSAPublicKey(nStr, eStr string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(nStr)
	if err != nil {
		return nil, fmt.Errorf("decoding n: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(eStr)
	if err != nil {
		return nil, fmt.Errorf("decoding e: %w", err)
	}
	e := new(big.Int).SetBytes(eBytes)
	if !e.IsInt64() || e.Int64() < 3 {
		return nil, fmt.Errorf("invalid exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: int(e.Int64())}, nil
}
