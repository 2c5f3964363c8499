package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// MiddlewareOption configures the authentication middleware.
type MiddlewareOption func(*middlewareConfig)

type middlewareConfig struct {
	devClaims *Claims
}

// WithDevClaims makes the middleware accept "Bearer dev" as the given
// identity. Only for local development.
func WithDevClaims(c *Claims) MiddlewareOption {
	return func(mc *middlewareConfig) {
		mc.devClaims = c
	}
}

// Middleware returns HTTP middleware that validates bearer tokens and stores
// the resulting claims in the request context.
func Middleware(v Validator, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	var mc middlewareConfig
	for _, opt := range opts {
		opt(&mc)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := extractBearerToken(r)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, err.Error())
				return
			}

			if token == "dev" && mc.devClaims != nil {
				dev := *mc.devClaims
				next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), &dev)))
				return
			}

			if v == nil {
				writeAuthError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			claims, err := v.Validate(r.Context(), token)
			if err != nil {
				msg := "invalid token"
				if errors.Is(err, ErrTokenExpired) {
					msg = "token expired"
				}
				slog.Debug("bearer token rejected", "error", err)
				writeAuthError(w, http.StatusUnauthorized, msg)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

func extractBearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", ErrTokenMissing
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", errors.New("invalid authorization header format")
	}

	return strings.TrimSpace(parts[1]), nil
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="b1gate"`)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
