package agent

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
)

// CredentialVault seals connector credentials with AES-256-GCM so they are
// never held in plaintext between connector creation and client construction.
// The key lives only in process memory; connectors are not persisted, so
// neither are their credentials.
type CredentialVault struct {
	key []byte // 32 bytes for AES-256
}

// NewCredentialVault creates a vault with the given 32-byte key.
func NewCredentialVault(key []byte) (*CredentialVault, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("vault key must be 32 bytes for AES-256, got %d", len(key))
	}
	return &CredentialVault{key: key}, nil
}

// NewCredentialVaultFromPassphrase derives the key from a passphrase with
// SHA-256.
func NewCredentialVaultFromPassphrase(passphrase string) (*CredentialVault, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("vault passphrase cannot be empty")
	}
	hash := sha256.Sum256([]byte(passphrase))
	return NewCredentialVault(hash[:])
}

// NewEphemeralVault creates a vault with a random per-process key. Sealed
// credentials die with the process, which matches the lifetime of the
// connectors they belong to.
func NewEphemeralVault() (*CredentialVault, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generating vault key: %w", err)
	}
	return NewCredentialVault(key)
}

// Seal encrypts a credential map. The nonce is prepended to the ciphertext.
func (v *CredentialVault) Seal(credentials map[string]string) ([]byte, error) {
	if len(credentials) == 0 {
		return nil, fmt.Errorf("cannot seal empty credentials")
	}

	plaintext, err := json.Marshal(credentials)
	if err != nil {
		return nil, fmt.Errorf("encoding credentials: %w", err)
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a sealed credential map.
func (v *CredentialVault) Open(sealed []byte) (map[string]string, error) {
	if len(sealed) == 0 {
		return nil, fmt.Errorf("cannot open empty ciphertext")
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	var credentials map[string]string
	if err := json.Unmarshal(plaintext, &credentials); err != nil {
		return nil, fmt.Errorf("decoding credentials: %w", err)
	}
	return credentials, nil
}
