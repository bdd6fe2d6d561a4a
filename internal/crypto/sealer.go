package crypto

import (
	"encoding/json"
	"fmt"
)

// Sealer turns structured records into opaque authenticated tokens and back.
// The purpose label is bound into every token, so a token sealed for one
// purpose never opens under another.
type Sealer struct {
	km      *KeyManager
	purpose []byte
}

// NewSealer creates a Sealer using a sub-key of km derived for purpose.
func NewSealer(km *KeyManager, purpose string) (*Sealer, error) {
	sub, err := km.Derive(purpose)
	if err != nil {
		return nil, err
	}
	return &Sealer{km: sub, purpose: []byte(purpose)}, nil
}

// Seal JSON-encodes record and encrypts it.
func (s *Sealer) Seal(record any) ([]byte, error) {
	plaintext, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return s.km.Encrypt(plaintext, s.purpose)
}

// Open decrypts token and decodes it into out. A token that was modified in
// any way fails with ErrDecryptionFailed.
func (s *Sealer) Open(token []byte, out any) error {
	plaintext, err := s.km.Decrypt(token, s.purpose)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plaintext, out); err != nil {
		return fmt.Errorf("unmarshal record: %w", err)
	}
	return nil
}
