package tenant

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/b1gate/b1gate/internal/directory"
	"github.com/b1gate/b1gate/internal/isolation"
	"github.com/b1gate/b1gate/internal/rbac"
)

const maxBodyBytes = 10 << 10

// Handler handles organization HTTP endpoints.
type Handler struct {
	orgs *OrganizationService
}

// NewHandler creates a new organization handler.
func NewHandler(orgs *OrganizationService) *Handler {
	return &Handler{orgs: orgs}
}

// RegisterRoutes registers organization routes on the given mux. Actor
// resolution is applied externally via middleware.
func (h *Handler) RegisterRoutes(mux *http.ServeMux, requireOperator func(http.Handler) http.Handler) {
	mux.Handle("POST /api/v1/organizations", requireOperator(http.HandlerFunc(h.HandleCreate)))
	mux.HandleFunc("GET /api/v1/organizations", h.HandleList)
	mux.HandleFunc("GET /api/v1/organizations/{id}", h.HandleGet)
	mux.HandleFunc("PATCH /api/v1/organizations/{id}", h.HandleUpdate)
}

// HandleCreate provisions a new organization.
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req CreateOrganizationParams
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	org, err := h.orgs.Create(r.Context(), rbac.GetActor(r.Context()), req)
	if err != nil {
		if errors.Is(err, ErrSecretPrefixTaken) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, org)
}

// HandleList returns the organizations visible to the actor.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	orgs, err := h.orgs.List(r.Context(), rbac.GetActor(r.Context()))
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orgs)
}

// HandleGet returns an organization by ID.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	org, err := h.orgs.Get(r.Context(), rbac.GetActor(r.Context()), r.PathValue("id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, org)
}

// HandleUpdate applies a partial update to an organization.
func (h *Handler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req UpdateOrganizationParams
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	org, err := h.orgs.Update(r.Context(), rbac.GetActor(r.Context()), r.PathValue("id"), req)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, org)
}

// StatusFor maps domain errors to HTTP status codes and a client-safe
// message. Denials never say whether the target exists.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, isolation.ErrOrganizationUnresolved):
		return http.StatusForbidden, "no organization context"
	case errors.Is(err, isolation.ErrAccessDenied):
		return http.StatusForbidden, "access denied"
	case errors.Is(err, rbac.ErrSelfRoleChangeForbidden),
		errors.Is(err, rbac.ErrRoleGrantNotPermitted),
		errors.Is(err, rbac.ErrInsufficientRole),
		errors.Is(err, ErrSelfModification),
		errors.Is(err, ErrInvitationsDisabled):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, ErrOrganizationNotFound), errors.Is(err, ErrUserNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, ErrEmailDuplicate), errors.Is(err, ErrUserDeleted),
		errors.Is(err, ErrOrganizationInactive):
		return http.StatusConflict, err.Error()
	case errors.Is(err, ErrEmailInvalid), errors.Is(err, ErrInvalidSecretPrefix),
		errors.Is(err, rbac.ErrUnknownRole), errors.Is(err, ErrCredentialNotInOrg):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, directory.ErrExternalService):
		return http.StatusBadGateway, "identity provider request failed"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// WriteError writes err as a JSON error response.
func WriteError(w http.ResponseWriter, err error) {
	status, msg := StatusFor(err)
	if status >= http.StatusInternalServerError || status == http.StatusBadGateway {
		slog.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
