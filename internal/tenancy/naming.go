package tenancy

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// tenantIDPattern is the accepted shape of an external tenant identifier.
var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{1,62}$`)

// ValidTenantID reports whether id is a well-formed tenant identifier.
func ValidTenantID(id string) bool {
	return tenantIDPattern.MatchString(id)
}

const maxPartitionNameLen = 63

// PartitionName derives the storage partition name for a tenant. The readable
// part is folded to lower-case ASCII; the hash suffix keeps names unique for
// identifiers that fold to the same text.
func PartitionName(tenantID string) string {
	folded, _, err := transform.String(
		transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC),
		tenantID,
	)
	if err != nil {
		folded = tenantID
	}

	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(folded) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}

	sum := sha256.Sum256([]byte(tenantID))
	suffix := "_" + hex.EncodeToString(sum[:])[:8]

	base := strings.Trim(b.String(), "_")
	if limit := maxPartitionNameLen - len("t_") - len(suffix); len(base) > limit {
		base = strings.TrimRight(base[:limit], "_")
	}
	if base == "" {
		return "t" + suffix
	}
	return "t_" + base + suffix
}
