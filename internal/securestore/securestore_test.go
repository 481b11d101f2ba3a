package securestore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/starford/heirloom/internal/apperr"
)

func newTestFS(t *testing.T) (*FS, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := NewFS(dir)
	if err != nil {
		t.Fatal(err)
	}
	return s, dir
}

// withFrozenClock pins the store clock and restores it on cleanup.
func withFrozenClock(t *testing.T, at time.Time) func(time.Time) {
	t.Helper()
	current := at
	timeNow = func() time.Time { return current }
	t.Cleanup(func() { timeNow = time.Now })
	return func(next time.Time) { current = next }
}

func TestFS_SecureRoundTrip(t *testing.T) {
	s, _ := newTestFS(t)
	ctx := context.Background()

	if err := s.SetSecureLocal(ctx, "api_key", []byte("s3cret"), 0); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetSecureLocal(ctx, "api_key")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "s3cret" {
		t.Errorf("value = %q, want %q", got, "s3cret")
	}
}

func TestFS_SealedValueNotPlaintextOnDisk(t *testing.T) {
	s, dir := newTestFS(t)
	ctx := context.Background()

	if err := s.SetSecureLocal(ctx, "api_key", []byte("findme-plaintext"), 0); err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(filepath.Join(dir, "api_key.json"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "findme-plaintext") {
		t.Error("sealed entry contains the plaintext on disk")
	}
}

func TestFS_SealSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, err := NewFS(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := first.SetSecureLocal(ctx, "k", []byte("persisted"), 0); err != nil {
		t.Fatal(err)
	}

	// A new store over the same directory derives the same seal key from
	// the persisted master secret.
	second, err := NewFS(dir)
	if err != nil {
		t.Fatal(err)
	}
	got, err := second.GetSecureLocal(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "persisted" {
		t.Errorf("value = %q, want %q", got, "persisted")
	}
}

func TestFS_MasterSecretPermissions(t *testing.T) {
	_, dir := newTestFS(t)
	info, err := os.Stat(filepath.Join(dir, secretFilename))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("master secret permissions = %o, want 600", perm)
	}
}

func TestFS_PlainAndSealedAreDistinct(t *testing.T) {
	s, _ := newTestFS(t)
	ctx := context.Background()

	if err := s.SetLocal(ctx, "plain", []byte("v"), 0); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetSecureLocal(ctx, "plain"); err == nil {
		t.Error("GetSecureLocal read a plain entry")
	}

	if err := s.SetSecureLocal(ctx, "sealed", []byte("v"), 0); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetLocal(ctx, "sealed"); err == nil {
		t.Error("GetLocal read a sealed entry")
	}
}

func TestFS_TTLExpiry(t *testing.T) {
	s, _ := newTestFS(t)
	ctx := context.Background()
	advance := withFrozenClock(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	if err := s.SetSecureLocal(ctx, "short", []byte("v"), 7); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetSecureLocal(ctx, "short"); err != nil {
		t.Fatalf("fresh entry unreadable: %v", err)
	}

	advance(time.Date(2026, 1, 9, 0, 0, 0, 0, time.UTC))
	if _, err := s.GetSecureLocal(ctx, "short"); !errors.Is(err, apperr.ErrExpired) {
		t.Errorf("expired entry error = %v, want ErrExpired", err)
	}
	// Expired entries are removed on read.
	if _, err := s.GetSecureLocal(ctx, "short"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("second read error = %v, want ErrNotFound", err)
	}
}

func TestFS_ZeroTTLNeverExpires(t *testing.T) {
	s, _ := newTestFS(t)
	ctx := context.Background()
	advance := withFrozenClock(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	if err := s.SetLocal(ctx, "forever", []byte("v"), 0); err != nil {
		t.Fatal(err)
	}
	advance(time.Date(2036, 1, 1, 0, 0, 0, 0, time.UTC))
	if _, err := s.GetLocal(ctx, "forever"); err != nil {
		t.Errorf("zero-TTL entry expired: %v", err)
	}
}

func TestFS_DeleteAbsentKey(t *testing.T) {
	s, _ := newTestFS(t)
	if err := s.Delete(context.Background(), "never-written"); err != nil {
		t.Errorf("deleting absent key: %v", err)
	}
}

func TestFS_RejectsPathEscapes(t *testing.T) {
	s, _ := newTestFS(t)
	ctx := context.Background()

	for _, key := range []string{"", "../outside", "a/b", "/etc/passwd"} {
		if err := s.SetLocal(ctx, key, []byte("v"), 0); err == nil {
			t.Errorf("key %q accepted", key)
		}
	}
}

func TestMemory_MatchesStoreContract(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	advance := withFrozenClock(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	if _, err := m.GetSecureLocal(ctx, "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("missing key error = %v, want ErrNotFound", err)
	}

	if err := m.SetSecureLocal(ctx, "k", []byte("v"), 1); err != nil {
		t.Fatal(err)
	}
	if got, err := m.GetSecureLocal(ctx, "k"); err != nil || string(got) != "v" {
		t.Errorf("get = (%q, %v)", got, err)
	}

	advance(time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC))
	if _, err := m.GetSecureLocal(ctx, "k"); !errors.Is(err, apperr.ErrExpired) {
		t.Errorf("expired entry error = %v, want ErrExpired", err)
	}

	if err := m.Delete(ctx, "k"); err != nil {
		t.Fatal(err)
	}
}
