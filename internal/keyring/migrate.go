package keyring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/starford/heirloom/internal/apperr"
	"github.com/starford/heirloom/internal/securestore"
)

const (
	// legacyKeyName is the fixed key older installs used for the raw,
	// unsealed master key string.
	legacyKeyName = "legacy_encryption_key"
	// migratedKeyName holds the hardened representation.
	migratedKeyName = "secure_encryption_key"

	migratedSchemaVersion = 1
	migratedKeyTTLDays    = 365
)

// migratedKey is the new-format record written by Migrate.
type migratedKey struct {
	Key        *EncryptedBlob `json:"key"`
	Version    int            `json:"version"`
	MigratedAt time.Time      `json:"migratedAt"`
}

// auditor is the slice of the audit log the migrator needs.
type auditor interface {
	Append(ctx context.Context, category, action string, details map[string]string) error
}

// Migrator moves the legacy plain key into the sealed new-format record.
// Each operation is independently idempotent; nothing destructive happens
// before Cleanup, and Cleanup re-verifies before deleting.
type Migrator struct {
	keys   *Manager
	store  securestore.Store
	audit  auditor
	logger *slog.Logger
}

// NewMigrator creates a Migrator. audit may not be nil: migration outcomes
// are forensic events.
func NewMigrator(keys *Manager, store securestore.Store, audit auditor, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{keys: keys, store: store, audit: audit, logger: logger}
}

// IsMigrationNeeded reports whether a legacy key exists and no new-format
// key has been written yet.
func (g *Migrator) IsMigrationNeeded(ctx context.Context) (bool, error) {
	if _, err := g.store.GetLocal(ctx, legacyKeyName); err != nil {
		if errors.Is(err, apperr.ErrNotFound) || errors.Is(err, apperr.ErrExpired) {
			return false, nil
		}
		return false, err
	}
	if _, err := g.store.GetSecureLocal(ctx, migratedKeyName); err == nil {
		return false, nil
	} else if !errors.Is(err, apperr.ErrNotFound) && !errors.Is(err, apperr.ErrExpired) {
		return false, err
	}
	return true, nil
}

// Migrate encrypts the legacy key into the new-format record. Returns true
// on success (including when the migration already happened). On failure the
// legacy key is left in place.
func (g *Migrator) Migrate(ctx context.Context) (bool, error) {
	// Re-running after a completed migration must not rewrite the record:
	// a second encrypt would produce a different nonce and ciphertext.
	if _, err := g.store.GetSecureLocal(ctx, migratedKeyName); err == nil {
		return true, nil
	}

	legacy, err := g.store.GetLocal(ctx, legacyKeyName)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) || errors.Is(err, apperr.ErrExpired) {
			auditErr := g.audit.Append(ctx, "migration", "migrate_failed", map[string]string{
				"error": apperr.ErrLegacyKeyMissing.Error(),
			})
			if auditErr != nil {
				return false, auditErr
			}
			return false, nil
		}
		return false, err
	}

	blob := g.keys.EncryptText(string(legacy))
	if blob == nil {
		auditErr := g.audit.Append(ctx, "migration", "migrate_failed", map[string]string{
			"error": "encryption unavailable",
		})
		if auditErr != nil {
			return false, auditErr
		}
		g.logger.Warn("key migration failed, legacy key kept")
		return false, nil
	}

	record, err := json.Marshal(migratedKey{
		Key:        blob,
		Version:    migratedSchemaVersion,
		MigratedAt: time.Now().UTC(),
	})
	if err != nil {
		return false, fmt.Errorf("keyring: encode migrated key: %w", err)
	}
	if err := g.store.SetSecureLocal(ctx, migratedKeyName, record, migratedKeyTTLDays); err != nil {
		auditErr := g.audit.Append(ctx, "migration", "migrate_failed", map[string]string{
			"error": err.Error(),
		})
		if auditErr != nil {
			return false, auditErr
		}
		return false, nil
	}

	if err := g.audit.Append(ctx, "migration", "migrate_success", nil); err != nil {
		return false, err
	}
	g.logger.Info("legacy key migrated to secure storage")
	return true, nil
}

// VerifyMigration independently re-decrypts the new-format key and compares
// it byte for byte against the still-present legacy key.
func (g *Migrator) VerifyMigration(ctx context.Context) (bool, error) {
	record, err := g.store.GetSecureLocal(ctx, migratedKeyName)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) || errors.Is(err, apperr.ErrExpired) {
			return false, nil
		}
		return false, err
	}
	var mk migratedKey
	if err := json.Unmarshal(record, &mk); err != nil {
		return false, fmt.Errorf("keyring: decode migrated key: %w", err)
	}
	plain, ok := g.keys.DecryptText(mk.Key)
	if !ok {
		return false, nil
	}
	legacy, err := g.store.GetLocal(ctx, legacyKeyName)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) || errors.Is(err, apperr.ErrExpired) {
			return false, nil
		}
		return false, err
	}
	return bytes.Equal([]byte(plain), legacy), nil
}

// Cleanup deletes the legacy key. It re-runs verification itself rather than
// trusting the caller to have done so; when the new-format key is missing or
// does not round-trip, nothing is deleted and ErrMigrationIncomplete is
// returned.
func (g *Migrator) Cleanup(ctx context.Context) error {
	ok, err := g.VerifyMigration(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.ErrMigrationIncomplete
	}
	if err := g.store.Delete(ctx, legacyKeyName); err != nil {
		return err
	}
	if err := g.audit.Append(ctx, "migration", "cleanup", nil); err != nil {
		return err
	}
	g.logger.Info("legacy key removed after verified migration")
	return nil
}
