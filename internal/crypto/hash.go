package crypto

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashHex returns the hex-encoded SHA-256 digest of the concatenated parts.
func HashHex(parts ...[]byte) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}
