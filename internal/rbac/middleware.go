package rbac

import (
	"context"
	"encoding/json"
	"net/http"
)

// AuditLogger is the audit interface for RBAC denial logging.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent)
}

// AuditEvent captures an auditable action.
type AuditEvent struct {
	OrganizationID string
	ActorID        string
	Action         string
	ResourceType   string
	Metadata       map[string]any
	Source         string
}

// MiddlewareOption configures RBAC middleware behavior.
type MiddlewareOption func(*middlewareConfig)

type middlewareConfig struct {
	audit AuditLogger
}

// WithAuditLogger attaches an audit logger to log RBAC denials.
func WithAuditLogger(logger AuditLogger) MiddlewareOption {
	return func(c *middlewareConfig) {
		c.audit = logger
	}
}

// RequireRole returns middleware that checks the resolved actor holds the
// required role or one that satisfies it.
func RequireRole(required Role, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	var mc middlewareConfig
	for _, opt := range opts {
		opt(&mc)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := GetActor(r.Context())
			if actor == nil {
				writeError(w, http.StatusUnauthorized, map[string]string{
					"error": "authentication required",
				})
				return
			}

			decision := Decide(actor.Role, required, true)
			if !decision.Allowed {
				if mc.audit != nil {
					mc.audit.Log(r.Context(), AuditEvent{
						OrganizationID: actor.OrganizationID,
						ActorID:        actor.UserID,
						Action:         "access.denied",
						Metadata: map[string]any{
							"required_role": required.String(),
							"actor_role":    actor.Role.String(),
							"path":          r.URL.Path,
						},
						Source: "api",
					})
				}
				writeError(w, http.StatusForbidden, map[string]string{
					"error":  "forbidden",
					"reason": decision.Reason,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, body map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
