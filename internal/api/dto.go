package api

import (
	"time"

	"github.com/starford/heirloom/internal/models"
)

// StoreRecordRequest is the request body for creating a record.
type StoreRecordRequest struct {
	Category string         `json:"category"`
	Payload  map[string]any `json:"payload"`
}

// UpdateRecordRequest is the request body for updating a record.
type UpdateRecordRequest struct {
	Payload map[string]any `json:"payload"`
}

// QueryRequest is the request body for querying records.
type QueryRequest struct {
	Category string         `json:"category"`
	Filter   map[string]any `json:"filter,omitempty"`
	Limit    int            `json:"limit,omitempty"`
	Offset   int            `json:"offset,omitempty"`
}

// RecordListResponse wraps query results.
type RecordListResponse struct {
	Records []*models.StorageRecord `json:"records"`
	Total   int                     `json:"total"`
}

// SessionStatusResponse describes the current session.
type SessionStatusResponse struct {
	Unlocked     bool            `json:"unlocked"`
	LastActivity time.Time       `json:"last_activity"`
	SyncMode     models.SyncMode `json:"sync_mode"`
}

// UnlockRequest is the request body for loading a user's keys.
type UnlockRequest struct {
	UserID string `json:"user_id"`
}

// SyncModeRequest is the request body for changing the sync mode.
type SyncModeRequest struct {
	Mode models.SyncMode `json:"mode"`
}

// AuditListResponse wraps audit log listings.
type AuditListResponse struct {
	Events []models.AuditEvent `json:"events"`
}
