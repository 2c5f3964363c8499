package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/b1gate/b1gate/internal/platform/database"
	"github.com/b1gate/b1gate/internal/rbac"
	"github.com/google/uuid"
)

// Handler serves audit query endpoints.
type Handler struct {
	pool  *database.Pool
	store *Store
}

// NewHandler creates an audit query handler.
func NewHandler(pool *database.Pool, store *Store) *Handler {
	return &Handler{pool: pool, store: store}
}

// HandleListEvents returns audit events for the actor's organization.
// GET /api/v1/audit/events?limit=50&action=access.denied&before=<RFC3339>
func (h *Handler) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	actor := rbac.GetActor(r.Context())
	if actor == nil {
		writeAuditJSON(w, http.StatusForbidden, map[string]string{"error": "no organization context"})
		return
	}
	orgID, err := uuid.Parse(actor.OrganizationID)
	if err != nil {
		writeAuditJSON(w, http.StatusForbidden, map[string]string{"error": "no organization context"})
		return
	}

	params := ListEventsParams{OrganizationID: orgID, Limit: 50}
	q := r.URL.Query()

	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			params.Limit = n
		}
	}
	for key, dst := range map[string]**string{
		"action":        &params.Action,
		"resource_type": &params.ResourceType,
		"outcome":       &params.Outcome,
		"source":        &params.Source,
	} {
		if v := q.Get(key); v != "" {
			*dst = &v
		}
	}
	if raw := q.Get("actor_id"); raw != "" {
		if _, err := uuid.Parse(raw); err != nil {
			writeAuditJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid actor_id"})
			return
		}
		params.ActorID = &raw
	}
	for key, dst := range map[string]**time.Time{"after": &params.After, "before": &params.Before} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeAuditJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid " + key + " timestamp"})
			return
		}
		*dst = &t
	}

	if h.pool == nil {
		writeAuditJSON(w, http.StatusOK, map[string]any{"events": []any{}, "count": 0})
		return
	}

	var events []StoredEvent
	err = database.WithOrganizationScope(r.Context(), h.pool, orgID.String(), false, func(ctx context.Context, q database.Querier) error {
		var listErr error
		events, listErr = h.store.List(ctx, q, params)
		return listErr
	})
	if err != nil {
		writeAuditJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}

	writeAuditJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func writeAuditJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
