// Package testutil provides shared test helpers for setting up databases,
// key stores, and unlocked keyrings.
package testutil

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/starford/heirloom/internal/keyring"
	"github.com/starford/heirloom/internal/models"
	"github.com/starford/heirloom/internal/securestore"
	"github.com/starford/heirloom/internal/store"
)

// TestUserID is the user every test keyring belongs to.
const TestUserID = "test-user"

// TestDB creates a temporary SQLite database that is automatically cleaned up.
func TestDB(t *testing.T) *store.DB {
	t.Helper()
	dbFile, err := os.CreateTemp("", "heirloom-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	db, err := store.Open(dbFile.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestAuditLog creates an audit log on a fresh database with a fixed
// local-only mode snapshot.
func TestAuditLog(t *testing.T) *store.AuditLog {
	t.Helper()
	db := TestDB(t)
	audit, err := store.NewAuditLog(db, func() models.SyncMode { return models.SyncModeLocalOnly })
	if err != nil {
		t.Fatal(err)
	}
	return audit
}

// TestKeyring creates an unlocked in-memory keyring together with its
// backing secure store.
func TestKeyring(t *testing.T) (*keyring.Manager, *securestore.Memory) {
	t.Helper()
	sec := securestore.NewMemory()
	keys := keyring.New(sec, DiscardLogger())
	if _, err := keys.GetOrCreateUserKeys(context.Background(), TestUserID); err != nil {
		t.Fatal(err)
	}
	return keys, sec
}

// DiscardLogger returns a logger that swallows all output.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
