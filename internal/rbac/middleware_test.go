package rbac_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/b1gate/b1gate/internal/rbac"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingAudit struct {
	events []rbac.AuditEvent
}

func (r *recordingAudit) Log(_ context.Context, e rbac.AuditEvent) {
	r.events = append(r.events, e)
}

func withActor(r *http.Request, actor *rbac.Actor) *http.Request {
	return r.WithContext(rbac.WithActor(r.Context(), actor))
}

func TestRequireRole_Allowed(t *testing.T) {
	handler := rbac.RequireRole(rbac.RoleOrgAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = withActor(req, &rbac.Actor{UserID: "u1", OrganizationID: "o1", Role: rbac.RoleDeveloper})
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequireRole_DeniedIsAudited(t *testing.T) {
	audit := &recordingAudit{}
	handler := rbac.RequireRole(rbac.RoleOrgAdmin, rbac.WithAuditLogger(audit))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not reach handler")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/organizations/o1/users", nil)
	req = withActor(req, &rbac.Actor{UserID: "u1", OrganizationID: "o1", Role: rbac.RoleUser})
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "forbidden", body["error"])

	require.Len(t, audit.events, 1)
	assert.Equal(t, "access.denied", audit.events[0].Action)
	assert.Equal(t, "o1", audit.events[0].OrganizationID)
}

func TestRequireRole_NoActor(t *testing.T) {
	handler := rbac.RequireRole(rbac.RoleUser)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not reach handler")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
