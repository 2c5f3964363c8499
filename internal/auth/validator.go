package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Validator turns a raw bearer token into verified claims.
type Validator interface {
	Validate(ctx context.Context, token string) (*Claims, error)
}

// TokenValidatorConfig holds configuration for validating identity provider
// access tokens.
// JWKSUrl overrides the key document derived from Authority and TenantID.
type TokenValidatorConfig struct {
	JWKSUrl   string
	Authority string
	TenantID  string
	Issuer    string
	Audience  string
	CacheTTL  time.Duration
	// KeyRefreshInterval bounds how often an unknown kid refetches keys.
	KeyRefreshInterval time.Duration
	Mapping            ClaimMapping
}

// TokenValidator validates RS256 tokens against the tenant's signing keys.
type TokenValidator struct {
	keys     *TenantKeySet
	issuer   string
	audience string
	mapping  ClaimMapping
}

// NewTokenValidator creates a validator for identity provider tokens.
func NewTokenValidator(cfg TokenValidatorConfig) *TokenValidator {
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = 1 * time.Hour
	}
	mapping := cfg.Mapping
	if mapping.ObjectIDClaim == "" && len(mapping.EmailClaims) == 0 {
		mapping = DefaultClaimMapping()
	}
	keysURL := cfg.JWKSUrl
	if keysURL == "" {
		keysURL = TenantKeysURL(cfg.Authority, cfg.TenantID)
	}
	return &TokenValidator{
		keys:     NewTenantKeySet(keysURL, ttl, cfg.KeyRefreshInterval),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		mapping:  mapping,
	}
}

// Validate parses and verifies tokenString and extracts its identity claims.
func (v *TokenValidator) Validate(ctx context.Context, tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		kid, ok := t.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("missing kid in token header")
		}
		key, err := v.keys.lookup(ctx, kid)
		if err != nil {
			return nil, err
		}
		mc, _ := t.Claims.(jwt.MapClaims)
		iss, _ := mc["iss"].(string)
		tid, _ := mc["tid"].(string)
		if !key.matchesIssuer(iss, tid) {
			return nil, fmt.Errorf("issuer %q not bound to key %q", iss, kid)
		}
		return key.pub, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	raw, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}

	claims := v.mapping.Extract(raw)
	if claims.ObjectID == "" && claims.Email == "" {
		return nil, fmt.Errorf("%w: no object id or email claim", ErrTokenInvalid)
	}
	return &claims, nil
}
