package securestore

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/starford/heirloom/internal/apperr"
)

const (
	secretFilename = "master.secret"
	nonceSize      = 24
)

// FS implements Store backed by one JSON envelope file per entry.
// Sealed values are encrypted with a secretbox key derived from the
// daemon master secret via HKDF-SHA256.
type FS struct {
	dir     string
	sealKey [32]byte
}

// NewFS creates an FS store rooted at dir, creating it if needed, and loads
// (or generates) the master secret used to derive the sealing key.
func NewFS(dir string) (*FS, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("securestore: resolve dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("securestore: create dir: %w", err)
	}
	secret, err := loadOrGenerateSecret(filepath.Join(abs, secretFilename))
	if err != nil {
		return nil, err
	}
	s := &FS{dir: abs}
	hk := hkdf.New(sha256.New, secret, nil, []byte("securestore-seal"))
	if _, err := io.ReadFull(hk, s.sealKey[:]); err != nil {
		return nil, fmt.Errorf("securestore: derive seal key: %w", err)
	}
	return s, nil
}

// Dir returns the directory holding the store's entry files.
func (s *FS) Dir() string {
	return s.dir
}

// loadOrGenerateSecret reads the hex-encoded master secret from path, or
// generates a fresh 32-byte secret and writes it with 0600 permissions.
func loadOrGenerateSecret(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		secret, decErr := hex.DecodeString(strings.TrimSpace(string(data)))
		if decErr != nil {
			return nil, fmt.Errorf("securestore: malformed master secret: %w", decErr)
		}
		return secret, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("securestore: read master secret: %w", err)
	}

	secret := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, fmt.Errorf("securestore: generate master secret: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(secret)+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("securestore: write master secret: %w", err)
	}
	return secret, nil
}

// entryPath maps a logical key to its file, rejecting keys that would
// escape the store directory.
func (s *FS) entryPath(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("securestore: empty key")
	}
	cleaned := filepath.Clean(key)
	if filepath.IsAbs(cleaned) || strings.Contains(cleaned, string(os.PathSeparator)) || strings.HasPrefix(cleaned, "..") {
		return "", fmt.Errorf("securestore: invalid key: %s", key)
	}
	return filepath.Join(s.dir, cleaned+".json"), nil
}

// GetSecureLocal reads and unseals the entry for key.
func (s *FS) GetSecureLocal(ctx context.Context, key string) ([]byte, error) {
	env, err := s.read(key)
	if err != nil {
		return nil, err
	}
	if !env.Sealed {
		return nil, fmt.Errorf("securestore: entry %s is not sealed", key)
	}
	if len(env.Value) < nonceSize {
		return nil, fmt.Errorf("securestore: entry %s too short", key)
	}
	var nonce [nonceSize]byte
	copy(nonce[:], env.Value[:nonceSize])
	plain, ok := secretbox.Open(nil, env.Value[nonceSize:], &nonce, &s.sealKey)
	if !ok {
		return nil, fmt.Errorf("securestore: unseal %s failed", key)
	}
	return plain, nil
}

// SetSecureLocal seals value under a fresh random nonce and persists it.
func (s *FS) SetSecureLocal(ctx context.Context, key string, value []byte, ttlDays int) error {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return fmt.Errorf("securestore: nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], value, &nonce, &s.sealKey)
	return s.write(key, &envelope{
		Sealed:    true,
		Value:     sealed,
		ExpiresAt: ttlDeadline(timeNow(), ttlDays),
	})
}

// GetLocal reads a plain entry.
func (s *FS) GetLocal(ctx context.Context, key string) ([]byte, error) {
	env, err := s.read(key)
	if err != nil {
		return nil, err
	}
	if env.Sealed {
		return nil, fmt.Errorf("securestore: entry %s is sealed", key)
	}
	return env.Value, nil
}

// SetLocal persists a plain entry.
func (s *FS) SetLocal(ctx context.Context, key string, value []byte, ttlDays int) error {
	return s.write(key, &envelope{
		Value:     value,
		ExpiresAt: ttlDeadline(timeNow(), ttlDays),
	})
}

// Delete removes the entry file for key.
func (s *FS) Delete(ctx context.Context, key string) error {
	path, err := s.entryPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("securestore: delete %s: %w", key, err)
	}
	return nil
}

func (s *FS) read(key string) (*envelope, error) {
	path, err := s.entryPath(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, apperr.ErrNotFound
		}
		return nil, fmt.Errorf("securestore: read %s: %w", key, err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("securestore: decode %s: %w", key, err)
	}
	if env.expired(timeNow()) {
		_ = os.Remove(path)
		return nil, apperr.ErrExpired
	}
	return &env, nil
}

// write persists an envelope atomically: tmp file, fsync, rename.
func (s *FS) write(key string, env *envelope) error {
	path, err := s.entryPath(key)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("securestore: encode %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(s.dir, ".heirloom-tmp-*")
	if err != nil {
		return fmt.Errorf("securestore: create temp: %w", err)
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if err := tmp.Chmod(0o600); err != nil {
		return fmt.Errorf("securestore: chmod temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("securestore: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("securestore: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("securestore: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("securestore: rename: %w", err)
	}
	success = true
	return nil
}
