// Package vault implements CRUD over the local encrypted record store.
// Payloads are encrypted through the keyring when it is unlocked; every
// mutation is recorded in the audit log and, outside LocalOnly mode,
// schedules a reconciliation pass.
package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/starford/heirloom/internal/keyring"
	"github.com/starford/heirloom/internal/models"
	"github.com/starford/heirloom/internal/notify"
	"github.com/starford/heirloom/internal/store"
	"github.com/starford/heirloom/internal/syncsched"
)

// QueryOptions narrows Query results. Filter matches shallow payload fields
// by exact equality and only applies to records that could be decrypted.
type QueryOptions struct {
	Category string
	Filter   map[string]any
	Limit    int
	Offset   int
}

// Service coordinates the record store, keyring, audit log, and scheduler.
type Service struct {
	db     *store.DB
	keys   *keyring.Manager
	audit  *store.AuditLog
	sched  *syncsched.Scheduler
	feed   *notify.Broker
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a vault Service. feed may be nil when no change feed is wired.
func New(db *store.DB, keys *keyring.Manager, audit *store.AuditLog, sched *syncsched.Scheduler, feed *notify.Broker, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		db:     db,
		keys:   keys,
		audit:  audit,
		sched:  sched,
		feed:   feed,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

// lockFor returns the mutex serializing read-modify-write on one record id.
func (s *Service) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// newSyncStatus is the status assigned to a record written under the
// current mode. Only an external reconciler moves records to Synced.
func (s *Service) newSyncStatus() models.SyncStatus {
	if s.sched.Mode() == models.SyncModeLocalOnly {
		return models.SyncStatusLocal
	}
	return models.SyncStatusPending
}

// encodePayload serializes data for storage, encrypting when the keyring is
// unlocked. When it is locked the record is written in plaintext with
// IsEncrypted=false — a degrade, not a rejection. That behavior is part of
// the external contract this store reproduces; the Warn below exists so the
// degrade never happens invisibly.
func (s *Service) encodePayload(data map[string]any, category string) ([]byte, bool, error) {
	plain, err := json.Marshal(data)
	if err != nil {
		return nil, false, fmt.Errorf("vault: encode payload: %w", err)
	}
	blob := s.keys.EncryptText(string(plain))
	if blob == nil {
		s.logger.Warn("keyring locked, record stored without encryption",
			slog.String("category", category))
		return plain, false, nil
	}
	raw, err := json.Marshal(blob)
	if err != nil {
		return nil, false, fmt.Errorf("vault: encode blob: %w", err)
	}
	return raw, true, nil
}

// recordFromRow converts a stored row, decrypting in place when possible.
// An encrypted row that cannot be decrypted right now comes back with
// Ciphertext set and Payload nil; no explicit locked signal is raised.
func (s *Service) recordFromRow(r *store.RecordRow) (*models.StorageRecord, error) {
	rec := &models.StorageRecord{
		ID:       r.ID,
		Category: r.Category,
		Metadata: models.RecordMetadata{
			CreatedAt:   r.CreatedAt,
			UpdatedAt:   r.UpdatedAt,
			Version:     r.Version,
			IsEncrypted: r.IsEncrypted,
			SyncStatus:  r.SyncStatus,
		},
	}
	if !r.IsEncrypted {
		if err := json.Unmarshal(r.Payload, &rec.Payload); err != nil {
			return nil, fmt.Errorf("vault: decode payload %s: %w", r.ID, err)
		}
		return rec, nil
	}

	var blob keyring.EncryptedBlob
	if err := json.Unmarshal(r.Payload, &blob); err != nil {
		return nil, fmt.Errorf("vault: decode blob %s: %w", r.ID, err)
	}
	plain, ok := s.keys.DecryptText(&blob)
	if !ok {
		rec.Ciphertext = r.Payload
		return rec, nil
	}
	if err := json.Unmarshal([]byte(plain), &rec.Payload); err != nil {
		return nil, fmt.Errorf("vault: decode decrypted payload %s: %w", r.ID, err)
	}
	return rec, nil
}

// Store writes a new record under category.
func (s *Service) Store(ctx context.Context, category string, data map[string]any) (*models.StorageRecord, error) {
	if category == "" {
		return nil, fmt.Errorf("vault: category is required")
	}

	payload, encrypted, err := s.encodePayload(data, category)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	row := &store.RecordRow{
		ID:          uuid.NewString(),
		Category:    category,
		Payload:     payload,
		IsEncrypted: encrypted,
		Version:     1,
		SyncStatus:  s.newSyncStatus(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.InsertRecord(ctx, row); err != nil {
		return nil, err
	}
	if err := s.audit.Append(ctx, "vault", "store", map[string]string{
		"record_id": row.ID,
		"category":  category,
		"encrypted": fmt.Sprintf("%t", encrypted),
	}); err != nil {
		return nil, err
	}

	s.publish("created", row.ID, category)
	s.sched.TriggerSync()

	return &models.StorageRecord{
		ID:       row.ID,
		Category: category,
		Payload:  data,
		Metadata: models.RecordMetadata{
			CreatedAt:   now,
			UpdatedAt:   now,
			Version:     1,
			IsEncrypted: encrypted,
			SyncStatus:  row.SyncStatus,
		},
	}, nil
}

// Retrieve returns the record for id, or nil when absent.
func (s *Service) Retrieve(ctx context.Context, id string) (*models.StorageRecord, error) {
	row, err := s.db.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	return s.recordFromRow(row)
}

// Query returns records in a category matching opts.Filter. Offset and
// limit apply after filtering. Records that cannot be decrypted are
// returned as-is when no filter is set, and excluded otherwise since their
// fields cannot be compared.
func (s *Service) Query(ctx context.Context, opts QueryOptions) ([]*models.StorageRecord, error) {
	rows, err := s.db.ListRecords(ctx, opts.Category)
	if err != nil {
		return nil, err
	}

	var matched []*models.StorageRecord
	for _, row := range rows {
		rec, err := s.recordFromRow(row)
		if err != nil {
			return nil, err
		}
		if len(opts.Filter) > 0 {
			if rec.Payload == nil || !matchesFilter(rec.Payload, opts.Filter) {
				continue
			}
		}
		matched = append(matched, rec)
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(matched) {
		matched = matched[:opts.Limit]
	}
	return matched, nil
}

// matchesFilter reports whether every filter field equals the corresponding
// shallow payload field. Values are compared through their JSON encoding so
// numbers decoded as float64 match the caller's literals.
func matchesFilter(payload, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := payload[k]
		if !ok || !jsonEqual(got, want) {
			return false
		}
	}
	return true
}

func jsonEqual(a, b any) bool {
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(aj, bj)
}

// Update replaces the payload of an existing record, bumping its version.
// Returns nil when id is unknown.
func (s *Service) Update(ctx context.Context, id string, data map[string]any) (*models.StorageRecord, error) {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	row, err := s.db.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}

	payload, encrypted, err := s.encodePayload(data, row.Category)
	if err != nil {
		return nil, err
	}

	row.Payload = payload
	row.IsEncrypted = encrypted
	row.Version++
	row.SyncStatus = s.newSyncStatus()
	row.UpdatedAt = time.Now().UTC()

	if err := s.db.UpdateRecord(ctx, row); err != nil {
		return nil, err
	}
	if err := s.audit.Append(ctx, "vault", "update", map[string]string{
		"record_id": id,
		"category":  row.Category,
		"version":   fmt.Sprintf("%d", row.Version),
		"encrypted": fmt.Sprintf("%t", encrypted),
	}); err != nil {
		return nil, err
	}

	s.publish("updated", id, row.Category)
	s.sched.TriggerSync()

	return &models.StorageRecord{
		ID:       id,
		Category: row.Category,
		Payload:  data,
		Metadata: models.RecordMetadata{
			CreatedAt:   row.CreatedAt,
			UpdatedAt:   row.UpdatedAt,
			Version:     row.Version,
			IsEncrypted: encrypted,
			SyncStatus:  row.SyncStatus,
		},
	}, nil
}

// Delete removes the record for id. Deleting an unknown id is a no-op, but
// the attempt is still written to the audit log.
func (s *Service) Delete(ctx context.Context, id string) error {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	existed, err := s.db.DeleteRecord(ctx, id)
	if err != nil {
		return err
	}
	if err := s.audit.Append(ctx, "vault", "delete", map[string]string{
		"record_id": id,
		"found":     fmt.Sprintf("%t", existed),
	}); err != nil {
		return err
	}
	if existed {
		s.publish("deleted", id, "")
		s.sched.TriggerSync()
	}
	s.dropLock(id)
	return nil
}

// dropLock forgets the per-record mutex once the record is gone, keeping the
// lock map from growing without bound. A caller already blocked on the old
// mutex proceeds against an absent row, which Update and Delete both handle.
func (s *Service) dropLock(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, id)
}

func (s *Service) publish(kind, id, category string) {
	if s.feed != nil {
		s.feed.PublishRecordEvent(kind, id, category)
	}
}
