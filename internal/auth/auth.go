package auth

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrTokenMissing = errors.New("missing bearer token")
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("token invalid")
)

// Claims is the identity asserted by a validated bearer token. It carries no
// organization or role: those are resolved from the onboarded user record.
type Claims struct {
	Subject  string `json:"sub"`
	ObjectID string `json:"oid"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	TenantID string `json:"tid"`
	Issuer   string `json:"iss"`
}

// ClaimMapping names the token claims that carry the stable object id and,
// in priority order, the email address.
type ClaimMapping struct {
	ObjectIDClaim string
	EmailClaims   []string
}

// DefaultEmailClaims is the candidate order used by Entra ID v1 and v2 tokens.
var DefaultEmailClaims = []string{"email", "preferred_username", "upn", "unique_name", "emails"}

// DefaultClaimMapping returns the mapping for Entra ID tokens.
func DefaultClaimMapping() ClaimMapping {
	return ClaimMapping{ObjectIDClaim: "oid", EmailClaims: DefaultEmailClaims}
}

// Extract builds Claims from a raw claim set. The first non-empty email
// candidate wins; array valued claims contribute their first string element.
func (m ClaimMapping) Extract(raw map[string]any) Claims {
	c := Claims{
		Subject:  stringClaim(raw, "sub"),
		Name:     stringClaim(raw, "name"),
		TenantID: stringClaim(raw, "tid"),
		Issuer:   stringClaim(raw, "iss"),
	}

	oidClaim := m.ObjectIDClaim
	if oidClaim == "" {
		oidClaim = "oid"
	}
	c.ObjectID = stringClaim(raw, oidClaim)

	candidates := m.EmailClaims
	if len(candidates) == 0 {
		candidates = DefaultEmailClaims
	}
	for _, name := range candidates {
		if v := stringClaim(raw, name); v != "" && strings.Contains(v, "@") {
			c.Email = strings.ToLower(v)
			break
		}
	}
	return c
}

func stringClaim(raw map[string]any, name string) string {
	switch v := raw[name].(type) {
	case string:
		return strings.TrimSpace(v)
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	case []string:
		for _, s := range v {
			if strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

type claimsContextKey struct{}

// WithClaims returns a copy of ctx carrying c.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, c)
}

// GetClaims retrieves the validated token claims from the request context.
func GetClaims(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsContextKey{}).(*Claims)
	return c
}
