// Package models defines the domain types for Heirloom.
package models

import "time"

// SyncStatus marks whether a record still needs reconciliation with a remote store.
type SyncStatus string

const (
	SyncStatusLocal   SyncStatus = "local"
	SyncStatusPending SyncStatus = "pending"
	SyncStatusSynced  SyncStatus = "synced"
)

// SyncMode controls whether the periodic sync trigger runs and which
// SyncStatus newly written records receive.
type SyncMode string

const (
	SyncModeLocalOnly SyncMode = "local_only"
	SyncModeHybrid    SyncMode = "hybrid"
	SyncModeFullSync  SyncMode = "full_sync"
)

// Valid reports whether m is one of the defined sync modes.
func (m SyncMode) Valid() bool {
	switch m {
	case SyncModeLocalOnly, SyncModeHybrid, SyncModeFullSync:
		return true
	}
	return false
}

// RecordMetadata carries the bookkeeping fields of a stored record.
type RecordMetadata struct {
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	Version     uint64     `json:"version"`
	IsEncrypted bool       `json:"is_encrypted"`
	SyncStatus  SyncStatus `json:"sync_status"`
}

// StorageRecord is one object in the local vault.
//
// Retrieval decrypts in place when it can. A record that could not be
// decrypted comes back with Payload nil and Ciphertext holding the sealed
// bytes; callers must treat it as unreadable until the keyring is unlocked
// again.
type StorageRecord struct {
	ID         string         `json:"id"`
	Category   string         `json:"category"`
	Payload    map[string]any `json:"payload,omitempty"`
	Ciphertext []byte         `json:"ciphertext,omitempty"`
	Metadata   RecordMetadata `json:"metadata"`
}

// AuditEvent is one append-only entry in the audit log.
type AuditEvent struct {
	Sequence  int64             `json:"sequence"`
	Timestamp time.Time         `json:"timestamp"`
	Category  string            `json:"category"`
	Action    string            `json:"action"`
	Details   map[string]string `json:"details,omitempty"`
	SyncMode  SyncMode          `json:"sync_mode"`
	Hash      string            `json:"hash"`
}
