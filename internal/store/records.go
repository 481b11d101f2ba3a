package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/starford/heirloom/internal/models"
)

// RecordRow is the raw row shape of the encrypted_data table. Payload holds
// serialized bytes: an encrypted blob when IsEncrypted is set, a plain JSON
// object otherwise. The service layer above decides which.
type RecordRow struct {
	ID          string
	Category    string
	Payload     []byte
	IsEncrypted bool
	Version     uint64
	SyncStatus  models.SyncStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// InsertRecord writes a new record row.
func (db *DB) InsertRecord(ctx context.Context, r *RecordRow) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO encrypted_data (id, category, payload, is_encrypted, version, sync_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Category, r.Payload, r.IsEncrypted, r.Version, string(r.SyncStatus), r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: insert record: %w", err)
	}
	return nil
}

// GetRecord returns the row for id, or nil when absent.
func (db *DB) GetRecord(ctx context.Context, id string) (*RecordRow, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT id, category, payload, is_encrypted, version, sync_status, created_at, updated_at
		FROM encrypted_data WHERE id = ?
	`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get record: %w", err)
	}
	return r, nil
}

// UpdateRecord replaces the mutable columns of an existing row.
func (db *DB) UpdateRecord(ctx context.Context, r *RecordRow) error {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE encrypted_data
		SET payload = ?, is_encrypted = ?, version = ?, sync_status = ?, updated_at = ?
		WHERE id = ?
	`, r.Payload, r.IsEncrypted, r.Version, string(r.SyncStatus), r.UpdatedAt, r.ID)
	if err != nil {
		return fmt.Errorf("store: update record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update record: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("store: update record %s: no such row", r.ID)
	}
	return nil
}

// DeleteRecord removes the row for id and reports whether it existed.
func (db *DB) DeleteRecord(ctx context.Context, id string) (bool, error) {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM encrypted_data WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("store: delete record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: delete record: %w", err)
	}
	return n > 0, nil
}

// ListRecords returns rows scoped to category through its index, or every
// row when category is empty, ordered by creation time.
func (db *DB) ListRecords(ctx context.Context, category string) ([]*RecordRow, error) {
	query := `
		SELECT id, category, payload, is_encrypted, version, sync_status, created_at, updated_at
		FROM encrypted_data`
	var args []any
	if category != "" {
		query += ` WHERE category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY created_at, id`

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list records: %w", err)
	}
	defer rows.Close()

	var out []*RecordRow
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list records: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountBySyncStatus returns how many records carry each sync status.
func (db *DB) CountBySyncStatus(ctx context.Context) (map[models.SyncStatus]int, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT sync_status, count(*) FROM encrypted_data GROUP BY sync_status
	`)
	if err != nil {
		return nil, fmt.Errorf("store: count by sync status: %w", err)
	}
	defer rows.Close()

	out := make(map[models.SyncStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[models.SyncStatus(status)] = n
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(s rowScanner) (*RecordRow, error) {
	var r RecordRow
	var status string
	if err := s.Scan(&r.ID, &r.Category, &r.Payload, &r.IsEncrypted, &r.Version, &status, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.SyncStatus = models.SyncStatus(status)
	return &r, nil
}
