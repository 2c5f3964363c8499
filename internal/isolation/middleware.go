package isolation

import (
	"encoding/json"
	"net/http"

	"github.com/b1gate/b1gate/internal/auth"
	"github.com/b1gate/b1gate/internal/rbac"
)

// Middleware resolves the actor for the validated token in the request and
// stores it in the context. Requests whose organization cannot be resolved
// are rejected with 403.
func Middleware(v *Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := auth.GetClaims(r.Context())
			if claims == nil {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
				return
			}

			actor, err := v.ResolveActor(r.Context(), claims)
			if err != nil {
				writeJSON(w, http.StatusForbidden, map[string]string{"error": ErrOrganizationUnresolved.Error()})
				return
			}

			next.ServeHTTP(w, r.WithContext(rbac.WithActor(r.Context(), actor)))
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
