package vault

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/starford/heirloom/internal/apperr"
	"github.com/starford/heirloom/internal/keyring"
	"github.com/starford/heirloom/internal/models"
	"github.com/starford/heirloom/internal/store"
	"github.com/starford/heirloom/internal/syncsched"
	"github.com/starford/heirloom/internal/testutil"
)

type vaultFixture struct {
	svc   *Service
	keys  *keyring.Manager
	sched *syncsched.Scheduler
	audit *store.AuditLog
}

func newFixture(t *testing.T) *vaultFixture {
	t.Helper()
	db := testutil.TestDB(t)
	keys, _ := testutil.TestKeyring(t)
	sched := syncsched.New(time.Hour, nil, testutil.DiscardLogger())
	audit, err := store.NewAuditLog(db, sched.Mode)
	if err != nil {
		t.Fatal(err)
	}
	sched.SetAuditLog(audit)
	return &vaultFixture{
		svc:   New(db, keys, audit, sched, nil, testutil.DiscardLogger()),
		keys:  keys,
		sched: sched,
		audit: audit,
	}
}

func TestStoreRetrieve_Encrypted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stored, err := f.svc.Store(ctx, "documents", map[string]any{"title": "will", "year": 2024})
	if err != nil {
		t.Fatal(err)
	}
	if !stored.Metadata.IsEncrypted {
		t.Error("record not encrypted with an unlocked keyring")
	}
	if stored.Metadata.Version != 1 {
		t.Errorf("version = %d, want 1", stored.Metadata.Version)
	}
	if stored.Metadata.SyncStatus != models.SyncStatusLocal {
		t.Errorf("sync status = %q, want local", stored.Metadata.SyncStatus)
	}

	got, err := f.svc.Retrieve(ctx, stored.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("stored record not retrievable")
	}
	if got.Payload["title"] != "will" {
		t.Errorf("payload title = %v, want will", got.Payload["title"])
	}
	if got.Ciphertext != nil {
		t.Error("decrypted record still carries ciphertext")
	}
}

func TestStore_DegradesToPlaintextWhenLocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.keys.Lock()
	stored, err := f.svc.Store(ctx, "contacts", map[string]any{"name": "Ana"})
	if err != nil {
		t.Fatal(err)
	}
	if stored.Metadata.IsEncrypted {
		t.Error("record marked encrypted while keyring locked")
	}

	// Plaintext records stay readable regardless of lock state.
	got, err := f.svc.Retrieve(ctx, stored.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Payload["name"] != "Ana" {
		t.Errorf("payload = %v", got.Payload)
	}
}

func TestRetrieve_UndecryptableKeepsCiphertext(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stored, err := f.svc.Store(ctx, "documents", map[string]any{"title": "deed"})
	if err != nil {
		t.Fatal(err)
	}

	f.keys.Lock()
	got, err := f.svc.Retrieve(ctx, stored.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Payload != nil {
		t.Error("locked retrieve returned a decrypted payload")
	}
	if got.Ciphertext == nil {
		t.Error("locked retrieve dropped the ciphertext")
	}
	if !got.Metadata.IsEncrypted {
		t.Error("metadata lost the encrypted flag")
	}
}

func TestRetrieve_Absent(t *testing.T) {
	f := newFixture(t)
	got, err := f.svc.Retrieve(context.Background(), "no-such-id")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("absent record = %+v, want nil", got)
	}
}

func TestStore_RequiresCategory(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Store(context.Background(), "", map[string]any{"x": 1}); err == nil {
		t.Fatal("empty category accepted")
	}
}

func TestUpdate_BumpsVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stored, err := f.svc.Store(ctx, "documents", map[string]any{"title": "v1"})
	if err != nil {
		t.Fatal(err)
	}

	updated, err := f.svc.Update(ctx, stored.ID, map[string]any{"title": "v2"})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Metadata.Version != 2 {
		t.Errorf("version = %d, want 2", updated.Metadata.Version)
	}

	again, err := f.svc.Update(ctx, stored.ID, map[string]any{"title": "v3"})
	if err != nil {
		t.Fatal(err)
	}
	if again.Metadata.Version != 3 {
		t.Errorf("version = %d, want 3", again.Metadata.Version)
	}

	got, err := f.svc.Retrieve(ctx, stored.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Payload["title"] != "v3" {
		t.Errorf("payload = %v, want v3", got.Payload["title"])
	}
}

func TestUpdate_Absent(t *testing.T) {
	f := newFixture(t)
	got, err := f.svc.Update(context.Background(), "ghost", map[string]any{"x": 1})
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("update of absent record = %+v, want nil", got)
	}
}

func TestDelete_AbsentStillAudited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.svc.Delete(ctx, "ghost"); err != nil {
		t.Fatal(err)
	}

	events, err := f.audit.List(ctx, store.AuditFilter{Category: "vault", Action: "delete"})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("delete audit events = %d, want 1", len(events))
	}
	if events[0].Details["found"] != "false" {
		t.Errorf("details = %v", events[0].Details)
	}
}

func TestDelete_RemovesRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stored, err := f.svc.Store(ctx, "documents", map[string]any{"title": "x"})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.svc.Delete(ctx, stored.ID); err != nil {
		t.Fatal(err)
	}
	got, err := f.svc.Retrieve(ctx, stored.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("record still retrievable after delete")
	}
}

func TestDelete_ReleasesRecordLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stored, err := f.svc.Store(ctx, "documents", map[string]any{"title": "x"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Update(ctx, stored.ID, map[string]any{"title": "y"}); err != nil {
		t.Fatal(err)
	}

	f.svc.mu.Lock()
	_, held := f.svc.locks[stored.ID]
	f.svc.mu.Unlock()
	if !held {
		t.Fatal("update did not register a record lock")
	}

	if err := f.svc.Delete(ctx, stored.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.Delete(ctx, "ghost"); err != nil {
		t.Fatal(err)
	}

	f.svc.mu.Lock()
	remaining := len(f.svc.locks)
	f.svc.mu.Unlock()
	if remaining != 0 {
		t.Errorf("record locks after delete = %d, want 0", remaining)
	}
}

func TestQuery_FilterAndPaging(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, payload := range []map[string]any{
		{"title": "a", "kind": "deed"},
		{"title": "b", "kind": "deed"},
		{"title": "c", "kind": "letter"},
	} {
		if _, err := f.svc.Store(ctx, "documents", payload); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := f.svc.Store(ctx, "contacts", map[string]any{"name": "Ana"}); err != nil {
		t.Fatal(err)
	}

	all, err := f.svc.Query(ctx, QueryOptions{Category: "documents"})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("documents = %d, want 3", len(all))
	}

	deeds, err := f.svc.Query(ctx, QueryOptions{Category: "documents", Filter: map[string]any{"kind": "deed"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(deeds) != 2 {
		t.Errorf("deeds = %d, want 2", len(deeds))
	}

	paged, err := f.svc.Query(ctx, QueryOptions{Category: "documents", Offset: 1, Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(paged) != 1 {
		t.Fatalf("paged = %d, want 1", len(paged))
	}
	if paged[0].Payload["title"] != "b" {
		t.Errorf("paged title = %v, want b", paged[0].Payload["title"])
	}

	past, err := f.svc.Query(ctx, QueryOptions{Category: "documents", Offset: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(past) != 0 {
		t.Errorf("offset past end = %d records, want 0", len(past))
	}
}

func TestQuery_FilterExcludesUndecryptable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Store(ctx, "documents", map[string]any{"kind": "deed"}); err != nil {
		t.Fatal(err)
	}
	f.keys.Lock()

	// Without a filter the sealed record is still listed.
	all, err := f.svc.Query(ctx, QueryOptions{Category: "documents"})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("unfiltered = %d, want 1", len(all))
	}

	// With a filter it cannot be compared and is excluded.
	filtered, err := f.svc.Query(ctx, QueryOptions{Category: "documents", Filter: map[string]any{"kind": "deed"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(filtered) != 0 {
		t.Errorf("filtered = %d, want 0", len(filtered))
	}
}

func TestQuery_NumericFilterValues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Store(ctx, "accounts", map[string]any{"year": 2024}); err != nil {
		t.Fatal(err)
	}
	got, err := f.svc.Query(ctx, QueryOptions{Category: "accounts", Filter: map[string]any{"year": 2024}})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("int literal did not match stored number: %d records", len(got))
	}
}

func TestSyncStatus_FollowsMode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.sched.SetSyncMode(ctx, models.SyncModeHybrid); err != nil {
		t.Fatal(err)
	}
	stored, err := f.svc.Store(ctx, "documents", map[string]any{"title": "x"})
	if err != nil {
		t.Fatal(err)
	}
	if stored.Metadata.SyncStatus != models.SyncStatusPending {
		t.Errorf("sync status = %q, want pending", stored.Metadata.SyncStatus)
	}
}

func TestExport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Store(ctx, "documents", map[string]any{"title": "will"}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Store(ctx, "contacts", map[string]any{"name": "Ana"}); err != nil {
		t.Fatal(err)
	}

	data, err := f.svc.Export(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatal(err)
	}
	if len(snap.Records) != 2 {
		t.Errorf("exported records = %d, want 2", len(snap.Records))
	}
	for _, rec := range snap.Records {
		if rec.Payload == nil {
			t.Errorf("record %s exported without decrypted payload", rec.ID)
		}
	}
}

func TestExport_LockedFailsHard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Store(ctx, "documents", map[string]any{"title": "will"}); err != nil {
		t.Fatal(err)
	}
	f.keys.Lock()

	if _, err := f.svc.Export(ctx); !errors.Is(err, apperr.ErrLocked) {
		t.Fatalf("export error = %v, want ErrLocked", err)
	}
}
