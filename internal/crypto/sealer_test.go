package crypto

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sealedRecord struct {
	TenantID  string    `json:"tenant_id"`
	Modules   []string  `json:"modules"`
	ExpiresAt time.Time `json:"expires_at"`
}

func TestSealer_RoundTrip(t *testing.T) {
	km := newTestKeyManager(t)
	s, err := NewSealer(km, "license-code")
	require.NoError(t, err)

	in := sealedRecord{
		TenantID:  "acme",
		Modules:   []string{"MOD-1", "MOD-3"},
		ExpiresAt: time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	token, err := s.Seal(in)
	require.NoError(t, err)

	var out sealedRecord
	require.NoError(t, s.Open(token, &out))
	assert.Equal(t, in.TenantID, out.TenantID)
	assert.Equal(t, in.Modules, out.Modules)
	assert.True(t, in.ExpiresAt.Equal(out.ExpiresAt))
}

func TestSealer_PurposeIsolation(t *testing.T) {
	km := newTestKeyManager(t)
	licenses, err := NewSealer(km, "license-code")
	require.NoError(t, err)
	sessions, err := NewSealer(km, "session")
	require.NoError(t, err)

	token, err := licenses.Seal(sealedRecord{TenantID: "acme"})
	require.NoError(t, err)

	var out sealedRecord
	err = sessions.Open(token, &out)
	assert.True(t, errors.Is(err, ErrDecryptionFailed))
}

func TestSealer_BitFlip(t *testing.T) {
	km := newTestKeyManager(t)
	s, err := NewSealer(km, "license-code")
	require.NoError(t, err)

	token, err := s.Seal(sealedRecord{TenantID: "acme", Modules: []string{"MOD-1"}})
	require.NoError(t, err)

	token[len(token)/2] ^= 0x80

	var out sealedRecord
	assert.ErrorIs(t, s.Open(token, &out), ErrDecryptionFailed)
}

func TestHashHex(t *testing.T) {
	h1 := HashHex([]byte("a"), []byte("b"))
	h2 := HashHex([]byte("ab"))
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
	assert.NotEqual(t, h1, HashHex([]byte("ba")))
}
