package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/b1gate/b1gate/internal/audit"
	"github.com/b1gate/b1gate/internal/auth"
	"github.com/b1gate/b1gate/internal/credentials"
	"github.com/b1gate/b1gate/internal/isolation"
	"github.com/b1gate/b1gate/internal/platform/database"
	"github.com/b1gate/b1gate/internal/platform/middleware"
	"github.com/b1gate/b1gate/internal/platform/telemetry"
	"github.com/b1gate/b1gate/internal/rbac"
	"github.com/b1gate/b1gate/internal/revocation"
	"github.com/b1gate/b1gate/internal/tenant"
)

// Dependencies holds all injected dependencies for the server.
type Dependencies struct {
	Pool               *database.Pool
	Auth               auth.Validator
	DevClaims          *auth.Claims
	Isolation          *isolation.Validator
	Metrics            *telemetry.Metrics
	TenantHandler      *tenant.Handler
	UserHandler        *tenant.UserHandler
	CredentialHandler  *credentials.Handler
	RevocationHandler  *revocation.Handler
	AuditHandler       *audit.Handler
	RBACAuditLogger    rbac.AuditLogger
	Logger             *slog.Logger
	CORSAllowedOrigins []string
}

type Server struct {
	httpServer   *http.Server
	protectedMux *http.ServeMux
	pool         *database.Pool
	handler      http.Handler
}

func New(addr string, deps Dependencies) *Server {
	protectedMux := http.NewServeMux()

	// Token validation first, then actor resolution.
	var protectedHandler http.Handler = protectedMux
	if deps.Isolation != nil {
		protectedHandler = isolation.Middleware(deps.Isolation)(protectedHandler)
	}
	if deps.Auth != nil {
		var authOpts []auth.MiddlewareOption
		if deps.DevClaims != nil {
			authOpts = append(authOpts, auth.WithDevClaims(deps.DevClaims))
		}
		protectedHandler = auth.Middleware(deps.Auth, authOpts...)(protectedHandler)
	}

	topMux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		protectedMux: protectedMux,
		pool:         deps.Pool,
	}

	// Public routes
	topMux.HandleFunc("GET /healthz", s.handleHealth)
	topMux.HandleFunc("GET /readyz", s.handleReadiness)
	if deps.Metrics != nil {
		topMux.Handle("GET /metrics", deps.Metrics.Handler())
	}

	var rbacOpts []rbac.MiddlewareOption
	if deps.RBACAuditLogger != nil {
		rbacOpts = append(rbacOpts, rbac.WithAuditLogger(deps.RBACAuditLogger))
	}

	if deps.TenantHandler != nil {
		deps.TenantHandler.RegisterRoutes(protectedMux, rbac.RequireRole(rbac.RoleSuperAdmin, rbacOpts...))
	}
	if deps.UserHandler != nil {
		deps.UserHandler.RegisterRoutes(protectedMux)
	}
	if deps.CredentialHandler != nil {
		deps.CredentialHandler.RegisterRoutes(protectedMux)
	}
	if deps.RevocationHandler != nil {
		deps.RevocationHandler.RegisterRoutes(protectedMux)
	}
	if deps.AuditHandler != nil {
		protectedMux.Handle("GET /api/v1/audit/events",
			rbac.RequireRole(rbac.RoleOrgAdmin, rbacOpts...)(
				http.HandlerFunc(deps.AuditHandler.HandleListEvents),
			),
		)
	}

	topMux.Handle("/", protectedHandler)

	var handler http.Handler = topMux
	handler = middleware.Metrics(deps.Metrics)(handler)
	if deps.Logger != nil {
		handler = middleware.Logging(deps.Logger)(handler)
	}
	handler = middleware.RequestID(handler)
	if len(deps.CORSAllowedOrigins) > 0 {
		handler = middleware.CORS(deps.CORSAllowedOrigins)(handler)
	}

	s.handler = handler
	s.httpServer.Handler = handler
	return s
}

// Handler returns the full middleware-wrapped handler chain (for testing).
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ProtectedMux returns the mux for authenticated routes.
func (s *Server) ProtectedMux() *http.ServeMux {
	return s.protectedMux
}

func (s *Server) Start(ctx context.Context) error {
	lc := net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.httpServer.Addr, err)
	}

	slog.Info("server starting", "addr", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "database not connected",
		})
		return
	}

	if err := s.pool.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "database ping failed",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
