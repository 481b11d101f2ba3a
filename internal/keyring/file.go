package keyring

import (
	"crypto/rand"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/nacl/box"
)

// FileMetadata describes one encrypted file payload. The ephemeral public
// key is recorded for audit and debugging only; decryption uses the
// long-lived pair passed to DecryptFile. Do not repurpose it without a
// matching change on the decrypt side.
type FileMetadata struct {
	EphemeralPublicKey []byte    `json:"ephemeral_public_key"`
	Size               int       `json:"size"`
	EncryptedAt        time.Time `json:"encrypted_at"`
}

// FileEnvelope is the output of EncryptFile.
type FileEnvelope struct {
	Ciphertext []byte       `json:"ciphertext"`
	Nonce      []byte       `json:"nonce"`
	Metadata   FileMetadata `json:"metadata"`
}

// EncryptFile seals data from senderSecret to recipientPub under a fresh
// random nonce.
func EncryptFile(data []byte, recipientPub, senderSecret *[32]byte) (*FileEnvelope, error) {
	ephemeralPub, _, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keyring: ephemeral pair: %w", err)
	}
	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("keyring: nonce: %w", err)
	}
	ct := box.Seal(nil, data, &nonce, recipientPub, senderSecret)
	return &FileEnvelope{
		Ciphertext: ct,
		Nonce:      nonce[:],
		Metadata: FileMetadata{
			EphemeralPublicKey: ephemeralPub[:],
			Size:               len(data),
			EncryptedAt:        time.Now().UTC(),
		},
	}, nil
}

// DecryptFile is the inverse of EncryptFile. Returns false on any
// authentication failure.
func DecryptFile(env *FileEnvelope, senderPub, recipientSecret *[32]byte) ([]byte, bool) {
	if env == nil || len(env.Nonce) != NonceSize {
		return nil, false
	}
	var nonce [NonceSize]byte
	copy(nonce[:], env.Nonce)
	return box.Open(nil, env.Ciphertext, &nonce, senderPub, recipientSecret)
}
