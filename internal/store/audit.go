package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/starford/heirloom/internal/models"
)

// AuditLog appends forensic events to the audit_log table. Entries are
// hash-chained: each hash covers the previous hash plus the entry fields, so
// a tampered or removed entry breaks verification of everything after it.
//
// Append follows the explicit-failure policy: a write that cannot be
// persisted returns an error to the caller. This is deliberately stricter
// than the silent-null behavior of the crypto layer and must stay that way.
type AuditLog struct {
	db   *DB
	mode func() models.SyncMode

	mu       sync.Mutex
	lastHash string
}

// AuditFilter narrows List results.
type AuditFilter struct {
	Category string
	Action   string
	Since    time.Time
	Limit    int
}

// NewAuditLog creates an AuditLog over db. mode supplies the sync-mode
// snapshot stamped on every entry; nil means LocalOnly. The chain resumes
// from the last persisted entry.
func NewAuditLog(db *DB, mode func() models.SyncMode) (*AuditLog, error) {
	if mode == nil {
		mode = func() models.SyncMode { return models.SyncModeLocalOnly }
	}
	l := &AuditLog{db: db, mode: mode}

	var last string
	err := db.conn.QueryRow(`SELECT hash FROM audit_log ORDER BY sequence DESC LIMIT 1`).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: load audit chain head: %w", err)
	}
	l.lastHash = last
	return l, nil
}

// chainHash computes the hash for one entry given its predecessor's hash.
func chainHash(prev string, ts time.Time, category, action string, details []byte, mode models.SyncMode) string {
	h := sha256.New()
	h.Write([]byte(prev))
	h.Write([]byte(ts.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte(category))
	h.Write([]byte(action))
	h.Write(details)
	h.Write([]byte(mode))
	return hex.EncodeToString(h.Sum(nil))
}

// Append writes a new entry with the next auto-increment sequence.
func (l *AuditLog) Append(ctx context.Context, category, action string, details map[string]string) error {
	detailsJSON := []byte("{}")
	if len(details) > 0 {
		var err error
		detailsJSON, err = json.Marshal(details)
		if err != nil {
			return fmt.Errorf("store: marshal audit details: %w", err)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	ts := time.Now().UTC()
	mode := l.mode()
	hash := chainHash(l.lastHash, ts, category, action, detailsJSON, mode)

	_, err := l.db.conn.ExecContext(ctx, `
		INSERT INTO audit_log (timestamp, category, action, details, sync_mode, hash)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ts, category, action, string(detailsJSON), string(mode), hash)
	if err != nil {
		return fmt.Errorf("store: append audit event: %w", err)
	}
	l.lastHash = hash
	return nil
}

// List returns audit events matching the filter, oldest first.
func (l *AuditLog) List(ctx context.Context, f AuditFilter) ([]models.AuditEvent, error) {
	var conditions []string
	var args []any
	if f.Category != "" {
		conditions = append(conditions, "category = ?")
		args = append(args, f.Category)
	}
	if f.Action != "" {
		conditions = append(conditions, "action = ?")
		args = append(args, f.Action)
	}
	if !f.Since.IsZero() {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, f.Since.UTC())
	}

	query := `SELECT sequence, timestamp, category, action, details, sync_mode, hash FROM audit_log`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY sequence"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := l.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list audit events: %w", err)
	}
	defer rows.Close()

	var out []models.AuditEvent
	for rows.Next() {
		var ev models.AuditEvent
		var detailsJSON, mode string
		if err := rows.Scan(&ev.Sequence, &ev.Timestamp, &ev.Category, &ev.Action, &detailsJSON, &mode, &ev.Hash); err != nil {
			return nil, fmt.Errorf("store: scan audit event: %w", err)
		}
		ev.SyncMode = models.SyncMode(mode)
		if detailsJSON != "" && detailsJSON != "{}" {
			if err := json.Unmarshal([]byte(detailsJSON), &ev.Details); err != nil {
				return nil, fmt.Errorf("store: decode audit details: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Verify walks the full chain and reports the first broken link.
func (l *AuditLog) Verify(ctx context.Context) error {
	rows, err := l.db.conn.QueryContext(ctx, `
		SELECT sequence, timestamp, category, action, details, sync_mode, hash
		FROM audit_log ORDER BY sequence
	`)
	if err != nil {
		return fmt.Errorf("store: verify audit chain: %w", err)
	}
	defer rows.Close()

	prev := ""
	for rows.Next() {
		var seq int64
		var ts time.Time
		var category, action, detailsJSON, mode, hash string
		if err := rows.Scan(&seq, &ts, &category, &action, &detailsJSON, &mode, &hash); err != nil {
			return fmt.Errorf("store: verify audit chain: %w", err)
		}
		want := chainHash(prev, ts, category, action, []byte(detailsJSON), models.SyncMode(mode))
		if want != hash {
			return fmt.Errorf("store: audit chain broken at sequence %d", seq)
		}
		prev = hash
	}
	return rows.Err()
}
