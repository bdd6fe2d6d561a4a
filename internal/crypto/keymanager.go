// Package crypto provides the encryption and hashing primitives shared by
// the tenant, license and ledger components.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// NonceSize is the size of the AES-GCM nonce (12 bytes standard).
	NonceSize = 12

	// KeySize is the size of the AES-256 key (32 bytes).
	KeySize = 32
)

var (
	// ErrInvalidKeySize indicates the encryption key is not the correct size.
	ErrInvalidKeySize = errors.New("encryption key must be 32 bytes")
	// ErrInvalidCiphertext indicates the ciphertext is too short or malformed.
	ErrInvalidCiphertext = errors.New("ciphertext too short")
	// ErrDecryptionFailed indicates the decryption operation failed.
	ErrDecryptionFailed = errors.New("decryption failed")
)

// KeyManager performs authenticated encryption with a single AES-256 key.
type KeyManager struct {
	key []byte
}

// NewKeyManager creates a new KeyManager with the given master key.
// The master key must be exactly 32 bytes (256 bits) for AES-256.
func NewKeyManager(masterKey []byte) (*KeyManager, error) {
	if len(masterKey) != KeySize {
		return nil, ErrInvalidKeySize
	}
	key := make([]byte, KeySize)
	copy(key, masterKey)
	return &KeyManager{key: key}, nil
}

// Derive returns a KeyManager holding a sub-key bound to purpose.
// Sub-keys are derived with HKDF-SHA256 so the master key never encrypts data directly.
func (km *KeyManager) Derive(purpose string) (*KeyManager, error) {
	if purpose == "" {
		return nil, errors.New("derive: empty purpose")
	}
	r := hkdf.New(sha256.New, km.key, nil, []byte("custodia/"+purpose))
	sub := make([]byte, KeySize)
	if _, err := io.ReadFull(r, sub); err != nil {
		return nil, fmt.Errorf("derive sub-key: %w", err)
	}
	return &KeyManager{key: sub}, nil
}

// Encrypt encrypts plaintext using AES-256-GCM, authenticating additionalData
// alongside it. Returns the ciphertext with the nonce prepended.
func (km *KeyManager) Encrypt(plaintext, additionalData []byte) ([]byte, error) {
	gcm, err := km.gcm()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Seal appends the encrypted data to nonce, so the result is nonce + ciphertext + tag
	return gcm.Seal(nonce, nonce, plaintext, additionalData), nil
}

// Decrypt decrypts ciphertext produced by Encrypt with the same additionalData.
func (km *KeyManager) Decrypt(ciphertext, additionalData []byte) ([]byte, error) {
	if len(ciphertext) < NonceSize {
		return nil, ErrInvalidCiphertext
	}

	gcm, err := km.gcm()
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, ciphertext[:NonceSize], ciphertext[NonceSize:], additionalData)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func (km *KeyManager) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(km.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// GenerateMasterKey generates a new random master key for use with NewKeyManager.
func GenerateMasterKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	return key, nil
}

// MasterKeyFromBase64 decodes a base64-encoded master key.
func MasterKeyFromBase64(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode master key: %w", err)
	}
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	return key, nil
}

// MasterKeyFromHex decodes a hex-encoded master key.
func MasterKeyFromHex(encoded string) ([]byte, error) {
	key, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode master key: %w", err)
	}
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	return key, nil
}
