package tenant

import (
	"encoding/json"
	"net/http"

	"github.com/b1gate/b1gate/internal/rbac"
)

// UserHandler handles onboarded user HTTP endpoints.
type UserHandler struct {
	users *UserService
}

// NewUserHandler creates a new user handler.
func NewUserHandler(users *UserService) *UserHandler {
	return &UserHandler{users: users}
}

// RegisterRoutes registers user routes on the given mux.
func (h *UserHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/organizations/{id}/users", h.HandleList)
	mux.HandleFunc("POST /api/v1/organizations/{id}/invitations", h.HandleInvite)
	mux.HandleFunc("GET /api/v1/users/{id}", h.HandleGet)
	mux.HandleFunc("DELETE /api/v1/users/{id}", h.HandleDelete)
	mux.HandleFunc("POST /api/v1/users/{id}/deactivate", h.HandleDeactivate)
	mux.HandleFunc("GET /api/v1/users/{id}/role", h.HandleGetRole)
	mux.HandleFunc("PUT /api/v1/users/{id}/role", h.HandleChangeRole)
	mux.HandleFunc("PUT /api/v1/users/{id}/credentials", h.HandleAssignCredentials)
}

// HandleList returns the users of an organization.
func (h *UserHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	users, err := h.users.ListUsers(r.Context(), rbac.GetActor(r.Context()), r.PathValue("id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

// HandleInvite invites a user into an organization.
func (h *UserHandler) HandleInvite(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req InviteParams
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	req.OrganizationID = r.PathValue("id")

	user, err := h.users.Invite(r.Context(), rbac.GetActor(r.Context()), req)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

// HandleGet returns a user by ID.
func (h *UserHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	user, err := h.users.GetUser(r.Context(), rbac.GetActor(r.Context()), r.PathValue("id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// HandleDelete soft-deletes a user.
func (h *UserHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.users.Delete(r.Context(), rbac.GetActor(r.Context()), r.PathValue("id")); err != nil {
		WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleDeactivate blocks a user from signing in.
func (h *UserHandler) HandleDeactivate(w http.ResponseWriter, r *http.Request) {
	user, err := h.users.Deactivate(r.Context(), rbac.GetActor(r.Context()), r.PathValue("id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

type roleBody struct {
	Role           rbac.Role   `json:"role"`
	GrantableRoles []rbac.Role `json:"grantable_roles"`
}

// HandleGetRole returns the user's assigned role and the roles the caller
// may assign to them.
func (h *UserHandler) HandleGetRole(w http.ResponseWriter, r *http.Request) {
	actor := rbac.GetActor(r.Context())
	userID := r.PathValue("id")
	role, err := h.users.GetUserRole(r.Context(), actor, userID)
	if err != nil {
		WriteError(w, err)
		return
	}
	grantable := []rbac.Role{}
	if rbac.CheckSelfRoleChange(actor.UserID, userID) == nil && rbac.Satisfies(actor.Role, role) {
		grantable = rbac.GrantableRoles(actor.Role)
	}
	writeJSON(w, http.StatusOK, roleBody{Role: role, GrantableRoles: grantable})
}

// HandleChangeRole promotes or demotes a user.
func (h *UserHandler) HandleChangeRole(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req struct {
		Role string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Role == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "role is required"})
		return
	}
	role, err := rbac.ParseRole(req.Role)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	user, err := h.users.ChangeRole(r.Context(), rbac.GetActor(r.Context()), r.PathValue("id"), role)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// HandleAssignCredentials replaces the user's database credential
// assignments.
func (h *UserHandler) HandleAssignCredentials(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req struct {
		CredentialIDs []string `json:"credential_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.CredentialIDs == nil {
		req.CredentialIDs = []string{}
	}

	user, err := h.users.AssignCredentials(r.Context(), rbac.GetActor(r.Context()), r.PathValue("id"), req.CredentialIDs)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}
