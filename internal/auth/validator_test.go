package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testIssuer   = "https://login.microsoftonline.com/11111111-2222-3333-4444-555555555555/v2.0"
	testAudience = "api://b1gate"
)

func setupTokenValidator(t *testing.T) (*TokenValidator, *rsa.PrivateKey, string) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	kid := "test-kid"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(buildJWKS(t, kid, &priv.PublicKey))
	}))
	t.Cleanup(srv.Close)

	v := NewTokenValidator(TokenValidatorConfig{
		JWKSUrl:  srv.URL,
		Issuer:   testIssuer,
		Audience: testAudience,
		CacheTTL: 1 * time.Hour,
	})
	return v, priv, kid
}

func signToken(t *testing.T, priv *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(priv)
	require.NoError(t, err)
	return signed
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"iss":                testIssuer,
		"aud":                testAudience,
		"sub":                "sub-abc",
		"oid":                "0d7c6d5e-1111-2222-3333-444444444444",
		"tid":                "11111111-2222-3333-4444-555555555555",
		"preferred_username": "Ada@Contoso.com",
		"name":               "Ada Lovelace",
		"exp":                time.Now().Add(1 * time.Hour).Unix(),
		"iat":                time.Now().Unix(),
	}
}

func TestTokenValidator_ValidToken(t *testing.T) {
	v, priv, kid := setupTokenValidator(t)

	claims, err := v.Validate(context.Background(), signToken(t, priv, kid, validClaims()))
	require.NoError(t, err)
	assert.Equal(t, "0d7c6d5e-1111-2222-3333-444444444444", claims.ObjectID)
	assert.Equal(t, "ada@contoso.com", claims.Email)
	assert.Equal(t, "Ada Lovelace", claims.Name)
	assert.Equal(t, "sub-abc", claims.Subject)
	assert.Equal(t, testIssuer, claims.Issuer)
}

func TestTokenValidator_Rejections(t *testing.T) {
	v, priv, kid := setupTokenValidator(t)

	tests := []struct {
		name   string
		mutate func(jwt.MapClaims)
		target error
		msg    string
	}{
		{"expired", func(c jwt.MapClaims) { c["exp"] = time.Now().Add(-1 * time.Hour).Unix() }, ErrTokenExpired, "expired"},
		{"wrong issuer", func(c jwt.MapClaims) { c["iss"] = "https://evil.example.com" }, ErrTokenInvalid, "issuer"},
		{"wrong audience", func(c jwt.MapClaims) { c["aud"] = "wrong_client" }, ErrTokenInvalid, "audience"},
		{"missing exp", func(c jwt.MapClaims) { delete(c, "exp") }, ErrTokenInvalid, "exp"},
		{"no identity", func(c jwt.MapClaims) {
			delete(c, "oid")
			delete(c, "preferred_username")
		}, ErrTokenInvalid, "no object id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validClaims()
			tt.mutate(c)

			_, err := v.Validate(context.Background(), signToken(t, priv, kid, c))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.target)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestTokenValidator_RejectsHS256(t *testing.T) {
	v, _, kid := setupTokenValidator(t)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims())
	token.Header["kid"] = kid
	signed, err := token.SignedString([]byte("shared-secret-shared-secret-1234"))
	require.NoError(t, err)

	_, err = v.Validate(context.Background(), signed)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestTokenValidator_UnknownKey(t *testing.T) {
	v, _, _ := setupTokenValidator(t)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	_, err = v.Validate(context.Background(), signToken(t, other, "rotated-away", validClaims()))
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestTokenValidator_KeyBoundIssuer(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		doc := map[string]any{"keys": []map[string]any{{
			"kty":    "RSA",
			"kid":    "k1",
			"use":    "sig",
			"n":      base64.RawURLEncoding.EncodeToString(priv.PublicKey.N.Bytes()),
			"e":      base64.RawURLEncoding.EncodeToString(big.NewInt(int64(priv.PublicKey.E)).Bytes()),
			"issuer": "https://login.microsoftonline.com/{tenantid}/v2.0",
		}}}
		_ = json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(srv.Close)

	v := NewTokenValidator(TokenValidatorConfig{JWKSUrl: srv.URL, Audience: testAudience})

	claims := validClaims()
	claims["iss"] = "https://login.microsoftonline.com/11111111-2222-3333-4444-555555555555/v2.0"
	_, err = v.Validate(context.Background(), signToken(t, priv, "k1", claims))
	require.NoError(t, err)

	claims["tid"] = "99999999-2222-3333-4444-555555555555"
	_, err = v.Validate(context.Background(), signToken(t, priv, "k1", claims))
	assert.ErrorIs(t, err, ErrTokenInvalid)
}
