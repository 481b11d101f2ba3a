// Package keyring manages the per-user asymmetric key pair and the text
// encryption primitives built on the NaCl box construction.
package keyring

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/crypto/nacl/box"

	"github.com/starford/heirloom/internal/apperr"
	"github.com/starford/heirloom/internal/securestore"
)

const (
	// NonceSize is the box nonce length. A fresh random nonce is drawn for
	// every encryption call; a nonce is never cached or derived.
	NonceSize = 24

	keyTTLDays = 365
)

// KeyPair is one user's asymmetric encryption key pair.
type KeyPair struct {
	PublicKey [32]byte
	SecretKey [32]byte
}

// persistedKeys is the serialized form written to the secure store.
type persistedKeys struct {
	PublicKey []byte `json:"publicKey"`
	SecretKey []byte `json:"secretKey"`
}

// EncryptedBlob is the output of EncryptText: nonce plus box ciphertext.
type EncryptedBlob struct {
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// cryptoStatus distinguishes failure causes internally. The public methods
// collapse locked and auth-failure into one "cannot proceed" signal; callers
// outside the package only see nil/false.
type cryptoStatus int

const (
	cryptoOK cryptoStatus = iota
	cryptoLocked
	cryptoAuthFailure
	cryptoEntropyFailure
)

// Manager owns the in-memory key pair for the active user. The in-memory
// copy is the sole decryption capability: Lock discards it without touching
// the persisted copy, and every encrypted record becomes unreadable until
// the pair is loaded again.
type Manager struct {
	store  securestore.Store
	logger *slog.Logger

	mu     sync.RWMutex
	userID string
	pair   *KeyPair
}

// New creates a Manager persisting key pairs through store.
func New(store securestore.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, logger: logger}
}

// GenerateKeyPair produces a fresh box key pair. No side effects beyond
// randomness consumption.
func GenerateKeyPair() (*KeyPair, error) {
	pub, sec, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keyring: generate key pair: %w", err)
	}
	return &KeyPair{PublicKey: *pub, SecretKey: *sec}, nil
}

// userKeyName returns the secure-store key for a user's persisted pair.
func userKeyName(userID string) string {
	return "encryption_keys_" + userID
}

// GetOrCreateUserKeys returns the cached pair when present, loads the
// persisted pair otherwise, and generates, persists, and caches a new pair
// when the user has none yet.
func (m *Manager) GetOrCreateUserKeys(ctx context.Context, userID string) (*KeyPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pair != nil && m.userID == userID {
		return m.pair, nil
	}

	data, err := m.store.GetSecureLocal(ctx, userKeyName(userID))
	switch {
	case err == nil:
		var pk persistedKeys
		if err := json.Unmarshal(data, &pk); err != nil {
			return nil, fmt.Errorf("keyring: decode persisted keys: %w", err)
		}
		if len(pk.PublicKey) != 32 || len(pk.SecretKey) != 32 {
			return nil, fmt.Errorf("keyring: persisted keys have wrong length")
		}
		pair := &KeyPair{}
		copy(pair.PublicKey[:], pk.PublicKey)
		copy(pair.SecretKey[:], pk.SecretKey)
		m.pair = pair
		m.userID = userID
		return pair, nil

	case errors.Is(err, apperr.ErrNotFound), errors.Is(err, apperr.ErrExpired):
		pair, err := GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(persistedKeys{
			PublicKey: pair.PublicKey[:],
			SecretKey: pair.SecretKey[:],
		})
		if err != nil {
			return nil, fmt.Errorf("keyring: encode keys: %w", err)
		}
		if err := m.store.SetSecureLocal(ctx, userKeyName(userID), data, keyTTLDays); err != nil {
			return nil, fmt.Errorf("keyring: persist keys: %w", err)
		}
		m.pair = pair
		m.userID = userID
		m.logger.Info("generated new key pair", slog.String("user_id", userID))
		return pair, nil

	default:
		return nil, fmt.Errorf("keyring: load keys: %w", err)
	}
}

// Unlocked reports whether a key pair currently resides in memory.
func (m *Manager) Unlocked() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pair != nil
}

// Lock purges the in-memory key pair. The persisted copy is untouched.
// Idempotent. Encryption calls already in flight complete with the pair
// they captured; Lock only prevents new operations.
func (m *Manager) Lock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pair == nil {
		return
	}
	for i := range m.pair.SecretKey {
		m.pair.SecretKey[i] = 0
	}
	m.pair = nil
	m.logger.Info("keyring locked", slog.String("user_id", m.userID))
}

// currentPair snapshots the active pair by value. The copy keeps in-flight
// seal/open calls working on their own key bytes, so a concurrent Lock can
// zero the manager-owned array without corrupting an operation that already
// started.
func (m *Manager) currentPair() (KeyPair, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.pair == nil {
		return KeyPair{}, false
	}
	return *m.pair, true
}

// seal encrypts msg under the active pair with a fresh random nonce.
func (m *Manager) seal(msg []byte) (*EncryptedBlob, cryptoStatus) {
	pair, ok := m.currentPair()
	if !ok {
		return nil, cryptoLocked
	}
	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		// Randomness failure is unrecoverable for this call; surfacing it
		// through the silent-null contract keeps the caller-facing behavior
		// uniform.
		m.logger.Error("nonce generation failed", slog.String("error", err.Error()))
		return nil, cryptoEntropyFailure
	}
	ct := box.Seal(nil, msg, &nonce, &pair.PublicKey, &pair.SecretKey)
	return &EncryptedBlob{Nonce: nonce[:], Ciphertext: ct}, cryptoOK
}

// open decrypts blob under the active pair.
func (m *Manager) open(blob *EncryptedBlob) ([]byte, cryptoStatus) {
	pair, ok := m.currentPair()
	if !ok {
		return nil, cryptoLocked
	}
	if blob == nil || len(blob.Nonce) != NonceSize {
		return nil, cryptoAuthFailure
	}
	var nonce [NonceSize]byte
	copy(nonce[:], blob.Nonce)
	plain, ok := box.Open(nil, blob.Ciphertext, &nonce, &pair.PublicKey, &pair.SecretKey)
	if !ok {
		return nil, cryptoAuthFailure
	}
	return plain, cryptoOK
}

// EncryptText encrypts plaintext under the active pair. Returns nil when the
// keyring is locked: callers must check and decide how to degrade.
func (m *Manager) EncryptText(plaintext string) *EncryptedBlob {
	blob, status := m.seal([]byte(plaintext))
	if status != cryptoOK {
		return nil
	}
	return blob
}

// DecryptText is the inverse of EncryptText. The false return conflates
// locked, tampered ciphertext, and wrong key; that indistinguishability is
// part of the contract relied on by callers that only check the flag.
func (m *Manager) DecryptText(blob *EncryptedBlob) (string, bool) {
	plain, status := m.open(blob)
	if status != cryptoOK {
		return "", false
	}
	return string(plain), true
}
