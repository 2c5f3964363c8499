package directory_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/b1gate/b1gate/internal/directory"
	"github.com/b1gate/b1gate/internal/platform/telemetry"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGraph(t *testing.T, handler http.Handler, opts ...directory.GraphOption) *directory.GraphClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	opts = append([]directory.GraphOption{directory.WithHTTPClient(srv.Client())}, opts...)
	c, err := directory.NewGraphClient(directory.GraphConfig{
		BaseURL:        srv.URL,
		CallTimeout:    time.Second,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
	}, opts...)
	require.NoError(t, err)
	return c
}

func writeGraphError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": "Request_BadRequest", "message": message},
	})
}

func TestNewGraphClient_RequiresCredentials(t *testing.T) {
	_, err := directory.NewGraphClient(directory.GraphConfig{TenantID: "t"})
	require.Error(t, err)
}

func TestGraphClient_InviteUser(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /invitations", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "guest@example.com", body["invitedUserEmailAddress"])
		assert.Equal(t, true, body["sendInvitationMessage"])
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":          "PendingAcceptance",
			"inviteRedeemUrl": "https://redeem",
			"invitedUser":     map[string]string{"id": "oid-1"},
		})
	})
	c := newTestGraph(t, mux)

	inv, err := c.InviteUser(context.Background(), "guest@example.com", "Guest")
	require.NoError(t, err)
	assert.Equal(t, "oid-1", inv.ObjectID)
	assert.Equal(t, "https://redeem", inv.RedeemURL)
}

func TestGraphClient_ListGroupMemberships_ClassifiesAndPaginates(t *testing.T) {
	var srvURL string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /users/oid-1/memberOf/microsoft.graph.group", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"value": []map[string]any{
					{"id": "g3", "displayName": "Mail only", "groupTypes": []string{}, "securityEnabled": false},
				},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"value": []map[string]any{
				{"id": "g1", "displayName": "Finance", "groupTypes": []string{}, "securityEnabled": true},
				{"id": "g2", "displayName": "Team", "groupTypes": []string{"Unified"}, "securityEnabled": false},
			},
			"@odata.nextLink": srvURL + "/users/oid-1/memberOf/microsoft.graph.group?page=2",
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	srvURL = srv.URL

	c, err := directory.NewGraphClient(directory.GraphConfig{BaseURL: srv.URL},
		directory.WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	groups, err := c.ListGroupMemberships(context.Background(), "oid-1")
	require.NoError(t, err)
	assert.Equal(t, []directory.Group{
		{ID: "g1", DisplayName: "Finance", Kind: directory.GroupKindSecurity},
		{ID: "g2", DisplayName: "Team", Kind: directory.GroupKindM365},
	}, groups)
}

func TestGraphClient_IdempotentMutations(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /groups/g1/members/$ref", func(w http.ResponseWriter, r *http.Request) {
		writeGraphError(w, http.StatusBadRequest, "One or more added object references already exist for the following modified properties: 'members'.")
	})
	mux.HandleFunc("DELETE /groups/g1/members/oid-1/$ref", func(w http.ResponseWriter, r *http.Request) {
		writeGraphError(w, http.StatusNotFound, "Resource does not exist.")
	})
	mux.HandleFunc("DELETE /users/oid-1/appRoleAssignments/a1", func(w http.ResponseWriter, r *http.Request) {
		writeGraphError(w, http.StatusNotFound, "Resource does not exist.")
	})
	c := newTestGraph(t, mux)
	ctx := context.Background()

	assert.NoError(t, c.AddToGroup(ctx, "oid-1", "g1"))
	assert.NoError(t, c.RemoveFromGroup(ctx, "oid-1", "g1"))
	assert.NoError(t, c.RevokeAppRole(ctx, "oid-1", "a1"))
}

func TestGraphClient_GrantAppRole_ExistingReturnsCurrentAssignment(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /users/oid-1/appRoleAssignments", func(w http.ResponseWriter, r *http.Request) {
		writeGraphError(w, http.StatusBadRequest, "Permission being assigned already exists on the object")
	})
	mux.HandleFunc("GET /users/oid-1/appRoleAssignments", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"value": []map[string]string{
				{"id": "a9", "resourceId": "res-1", "appRoleId": "role-1", "resourceDisplayName": "B1 Portal"},
			},
		})
	})
	c := newTestGraph(t, mux)

	got, err := c.GrantAppRole(context.Background(), "oid-1",
		directory.AppRoleAssignment{ResourceID: "res-1", AppRoleID: "role-1"})
	require.NoError(t, err)
	assert.Equal(t, "a9", got.ID)
}

func TestGraphClient_RetriesThrottling(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /groups/g1/members/oid-1/$ref", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			writeGraphError(w, http.StatusTooManyRequests, "throttled")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	m := telemetry.NewMetrics()
	c := newTestGraph(t, mux, directory.WithMetrics(m))

	require.NoError(t, c.RemoveFromGroup(context.Background(), "oid-1", "g1"))
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DirectoryCalls.WithLabelValues("remove_from_group", "success")))
}

func TestGraphClient_GivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /groups/g1/members/$ref", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeGraphError(w, http.StatusServiceUnavailable, "unavailable")
	})
	c := newTestGraph(t, mux)

	err := c.AddToGroup(context.Background(), "oid-1", "g1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, directory.ErrExternalService))
	assert.Equal(t, int32(3), calls.Load())
}

func TestGraphClient_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /groups/g1/members/$ref", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeGraphError(w, http.StatusForbidden, "Insufficient privileges")
	})
	c := newTestGraph(t, mux)

	err := c.AddToGroup(context.Background(), "oid-1", "g1")
	assert.ErrorIs(t, err, directory.ErrExternalService)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGraphClient_CallTimeout(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /users/oid-1/appRoleAssignments", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c, err := directory.NewGraphClient(directory.GraphConfig{
		BaseURL:        srv.URL,
		CallTimeout:    20 * time.Millisecond,
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
	}, directory.WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	_, err = c.ListAppRoleAssignments(context.Background(), "oid-1")
	assert.ErrorIs(t, err, directory.ErrExternalService)
}
