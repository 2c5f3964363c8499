package revocation

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/b1gate/b1gate/internal/rbac"
	"github.com/b1gate/b1gate/internal/tenant"
)

// Handler exposes revoke, restore and the revocation history over HTTP.
type Handler struct {
	recorder *Recorder
}

func NewHandler(recorder *Recorder) *Handler {
	return &Handler{recorder: recorder}
}

// RegisterRoutes registers revocation routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/users/{id}/revocations", h.HandleRevoke)
	mux.HandleFunc("GET /api/v1/organizations/{id}/revocations", h.HandleList)
	mux.HandleFunc("GET /api/v1/revocations/{id}", h.HandleGet)
	mux.HandleFunc("POST /api/v1/revocations/{id}/restore", h.HandleRestore)
}

// HandleRevoke strips the user's directory access.
func (h *Handler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 10<<10)

	var req RevokeParams
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	outcome, err := h.recorder.Revoke(r.Context(), rbac.GetActor(r.Context()), r.PathValue("id"), req)
	writeOutcome(w, outcome, err)
}

// HandleRestore replays a revocation record.
func (h *Handler) HandleRestore(w http.ResponseWriter, r *http.Request) {
	outcome, err := h.recorder.Restore(r.Context(), rbac.GetActor(r.Context()), r.PathValue("id"))
	writeOutcome(w, outcome, err)
}

// HandleGet returns one record.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := h.recorder.Get(r.Context(), rbac.GetActor(r.Context()), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// HandleList returns an organization's records. Supports status, user_id
// and limit query parameters.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ListFilter{
		UserID: q.Get("user_id"),
		Status: Status(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		f.Limit = n
	}

	records, err := h.recorder.List(r.Context(), rbac.GetActor(r.Context()), r.PathValue("id"), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// writeOutcome answers 200 for complete operations and 207 for partial
// ones. Failures that still produced a record carry it in the body.
func writeOutcome(w http.ResponseWriter, outcome Outcome, err error) {
	if err != nil {
		if outcome.Record == nil {
			writeError(w, err)
			return
		}
		status, msg := statusFor(err)
		if status >= http.StatusInternalServerError {
			slog.Error("revocation operation failed", "record_id", outcome.Record.ID, "error", err)
		}
		writeJSON(w, status, map[string]any{"error": msg, "record": outcome.Record})
		return
	}
	if errors.Is(outcome.Err(), ErrPartialOperationFailure) {
		writeJSON(w, http.StatusMultiStatus, outcome)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrRecordNotFound):
		return http.StatusNotFound, ErrRecordNotFound.Error()
	case errors.Is(err, ErrAlreadyRestored), errors.Is(err, ErrRecordNotRestorable),
		errors.Is(err, ErrConcurrentModification), errors.Is(err, ErrNoDirectoryIdentity):
		return http.StatusConflict, err.Error()
	case errors.Is(err, ErrUnknownStatus):
		return http.StatusBadRequest, err.Error()
	default:
		return tenant.StatusFor(err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		tenant.WriteError(w, err)
		return
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
