package credentials

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/b1gate/b1gate/internal/rbac"
	"github.com/b1gate/b1gate/internal/secrets"
	"github.com/b1gate/b1gate/internal/tenant"
)

// Handler handles database credential HTTP endpoints.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers credential routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/organizations/{id}/credentials", h.HandleCreate)
	mux.HandleFunc("GET /api/v1/organizations/{id}/credentials", h.HandleList)
	mux.HandleFunc("GET /api/v1/credentials/{id}", h.HandleGet)
	mux.HandleFunc("DELETE /api/v1/credentials/{id}", h.HandleDeactivate)
}

// HandleCreate registers a credential for an organization.
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 10<<10)

	var req CreateParams
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	cred, err := h.svc.Create(r.Context(), rbac.GetActor(r.Context()), r.PathValue("id"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cred)
}

// HandleList returns an organization's credentials.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	creds, err := h.svc.List(r.Context(), rbac.GetActor(r.Context()), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, creds)
}

// HandleGet returns a credential by ID.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	cred, err := h.svc.Get(r.Context(), rbac.GetActor(r.Context()), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cred)
}

// HandleDeactivate disables a credential.
func (h *Handler) HandleDeactivate(w http.ResponseWriter, r *http.Request) {
	if _, err := h.svc.Deactivate(r.Context(), rbac.GetActor(r.Context()), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrNameTaken):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrNameInvalid), errors.Is(err, ErrConnectionInvalid), errors.Is(err, secrets.ErrInvalidName):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, secrets.ErrBackend):
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "secret store request failed"})
	default:
		tenant.WriteError(w, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
