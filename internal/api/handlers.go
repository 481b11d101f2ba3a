package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/starford/heirloom/internal/apperr"
	"github.com/starford/heirloom/internal/keyring"
	"github.com/starford/heirloom/internal/session"
	"github.com/starford/heirloom/internal/store"
	"github.com/starford/heirloom/internal/syncsched"
	"github.com/starford/heirloom/internal/vault"
)

// Handler holds API route handlers.
type Handler struct {
	svc     *vault.Service
	keys    *keyring.Manager
	sched   *syncsched.Scheduler
	monitor *session.Monitor
	audit   *store.AuditLog
}

// NewHandler creates a new Handler.
func NewHandler(svc *vault.Service, keys *keyring.Manager, sched *syncsched.Scheduler, monitor *session.Monitor, audit *store.AuditLog) *Handler {
	return &Handler{svc: svc, keys: keys, sched: sched, monitor: monitor, audit: audit}
}

// StoreRecord handles POST /records.
func (h *Handler) StoreRecord(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 10<<20)
	var req StoreRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if req.Category == "" || req.Payload == nil {
		writeJSON(w, http.StatusBadRequest, errorBody("category and payload are required"))
		return
	}
	rec, err := h.svc.Store(r.Context(), req.Category, req.Payload)
	if err != nil {
		slog.Error("store record failed", slog.String("category", req.Category), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// GetRecord handles GET /records/{id}.
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := h.svc.Retrieve(r.Context(), id)
	if err != nil {
		slog.Error("get record failed", slog.String("id", id), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	if rec == nil {
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// UpdateRecord handles PUT /records/{id}.
func (h *Handler) UpdateRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	r.Body = http.MaxBytesReader(w, r.Body, 10<<20)
	var req UpdateRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if req.Payload == nil {
		writeJSON(w, http.StatusBadRequest, errorBody("payload is required"))
		return
	}
	rec, err := h.svc.Update(r.Context(), id, req.Payload)
	if err != nil {
		slog.Error("update record failed", slog.String("id", id), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	if rec == nil {
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// DeleteRecord handles DELETE /records/{id}.
func (h *Handler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.Delete(r.Context(), id); err != nil {
		slog.Error("delete record failed", slog.String("id", id), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// QueryRecords handles POST /records/query.
func (h *Handler) QueryRecords(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	recs, err := h.svc.Query(r.Context(), vault.QueryOptions{
		Category: req.Category,
		Filter:   req.Filter,
		Limit:    req.Limit,
		Offset:   req.Offset,
	})
	if err != nil {
		slog.Error("query records failed", slog.String("category", req.Category), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, RecordListResponse{Records: recs, Total: len(recs)})
}

// Export handles GET /export.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	data, err := h.svc.Export(r.Context())
	if err != nil {
		if errors.Is(err, apperr.ErrLocked) {
			writeJSON(w, http.StatusLocked, errorBody("keyring is locked"))
			return
		}
		slog.Error("export failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="heirloom-export.json"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// SessionStatus handles GET /session.
func (h *Handler) SessionStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, SessionStatusResponse{
		Unlocked:     h.keys.Unlocked(),
		LastActivity: h.monitor.LastActivity(),
		SyncMode:     h.sched.Mode(),
	})
}

// Unlock handles POST /session/unlock: loads (or creates) the user's
// persisted key pair into memory.
func (h *Handler) Unlock(w http.ResponseWriter, r *http.Request) {
	var req UnlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("user_id is required"))
		return
	}
	if _, err := h.keys.GetOrCreateUserKeys(r.Context(), req.UserID); err != nil {
		slog.Error("unlock failed", slog.String("user_id", req.UserID), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	if err := h.audit.Append(r.Context(), "session", "unlock", map[string]string{
		"user_id": req.UserID,
	}); err != nil {
		slog.Error("audit append failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, SessionStatusResponse{
		Unlocked:     true,
		LastActivity: h.monitor.LastActivity(),
		SyncMode:     h.sched.Mode(),
	})
}

// Lock handles POST /session/lock: an explicit user-requested lock.
func (h *Handler) Lock(w http.ResponseWriter, r *http.Request) {
	h.keys.Lock()
	h.sched.Pause()
	if err := h.audit.Append(r.Context(), "session", "manual_lock", nil); err != nil {
		slog.Error("audit append failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, SessionStatusResponse{
		Unlocked:     false,
		LastActivity: h.monitor.LastActivity(),
		SyncMode:     h.sched.Mode(),
	})
}

// SetSyncMode handles PUT /sync/mode.
func (h *Handler) SetSyncMode(w http.ResponseWriter, r *http.Request) {
	var req SyncModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if err := h.sched.SetSyncMode(r.Context(), req.Mode); err != nil {
		if errors.Is(err, apperr.ErrInvalidSyncMode) {
			writeJSON(w, http.StatusBadRequest, errorBody("invalid sync mode"))
			return
		}
		slog.Error("set sync mode failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"mode": string(req.Mode)})
}

// ListAudit handles GET /audit.
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	filter := store.AuditFilter{
		Category: q.Get("category"),
		Action:   q.Get("action"),
		Limit:    limit,
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("invalid since timestamp"))
			return
		}
		filter.Since = t
	}
	events, err := h.audit.List(r.Context(), filter)
	if err != nil {
		slog.Error("list audit failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, AuditListResponse{Events: events})
}
