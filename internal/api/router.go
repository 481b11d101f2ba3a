package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// monitor may be nil to disable activity tracking; sseHandler, if non-nil,
// is mounted at GET /events inside the auth group.
func NewRouter(h *Handler, authEnabled bool, token string, monitor activitySource, sseHandler http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))
	r.Use(ActivityMiddleware(monitor))

	// Records CRUD.
	r.Post("/records", h.StoreRecord)
	r.Post("/records/query", h.QueryRecords)
	r.Get("/records/{id}", h.GetRecord)
	r.Put("/records/{id}", h.UpdateRecord)
	r.Delete("/records/{id}", h.DeleteRecord)

	// Snapshot export.
	r.Get("/export", h.Export)

	// Session.
	r.Get("/session", h.SessionStatus)
	r.Post("/session/unlock", h.Unlock)
	r.Post("/session/lock", h.Lock)

	// Sync mode.
	r.Put("/sync/mode", h.SetSyncMode)

	// Audit log.
	r.Get("/audit", h.ListAudit)

	// SSE change feed (protected by the same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
