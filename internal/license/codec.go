package license

import (
	"encoding/base32"
	"fmt"
	"sort"
	"strings"

	"github.com/custodia-cl/custodia/internal/crypto"
	"github.com/custodia-cl/custodia/internal/models"
)

// CodePrefix starts every license code.
const CodePrefix = "CSTD-"

const (
	codeGroupSize = 5
	sealPurpose   = "license-code"
)

var codeEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Codec converts license payloads to opaque codes and back.
type Codec struct {
	sealer *crypto.Sealer
}

// NewCodec creates a Codec sealing with a sub-key of km.
func NewCodec(km *crypto.KeyManager) (*Codec, error) {
	sealer, err := crypto.NewSealer(km, sealPurpose)
	if err != nil {
		return nil, fmt.Errorf("create license sealer: %w", err)
	}
	return &Codec{sealer: sealer}, nil
}

// NormalizeModules upper-cases, de-duplicates and sorts module codes so the
// same set always encodes identically.
func NormalizeModules(modules []string) []string {
	seen := make(map[string]struct{}, len(modules))
	out := make([]string, 0, len(modules))
	for _, m := range modules {
		m = strings.ToUpper(strings.TrimSpace(m))
		if m == "" {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Encode seals p into a license code.
func (c *Codec) Encode(p models.LicensePayload) (string, error) {
	p.Modules = NormalizeModules(p.Modules)
	token, err := c.sealer.Seal(p)
	if err != nil {
		return "", fmt.Errorf("seal license payload: %w", err)
	}

	raw := codeEncoding.EncodeToString(token)
	var b strings.Builder
	b.Grow(len(CodePrefix) + len(raw) + len(raw)/codeGroupSize)
	b.WriteString(CodePrefix)
	for i := 0; i < len(raw); i += codeGroupSize {
		if i > 0 {
			b.WriteByte('-')
		}
		b.WriteString(raw[i:min(i+codeGroupSize, len(raw))])
	}
	return b.String(), nil
}

// Decode opens a license code. Any structural or cryptographic failure is
// reported as ErrInvalidLicenseCode.
func (c *Codec) Decode(code string) (*models.LicensePayload, error) {
	body, ok := canonicalBody(code)
	if !ok {
		return nil, ErrInvalidLicenseCode
	}

	token, err := codeEncoding.DecodeString(body)
	if err != nil {
		return nil, ErrInvalidLicenseCode
	}
	// Reject non-canonical encodings, e.g. altered unused trailing bits.
	if codeEncoding.EncodeToString(token) != body {
		return nil, ErrInvalidLicenseCode
	}

	var p models.LicensePayload
	if err := c.sealer.Open(token, &p); err != nil {
		return nil, ErrInvalidLicenseCode
	}
	if p.TenantID == "" || len(p.Modules) == 0 || p.ExpiresAt.IsZero() {
		return nil, ErrInvalidLicenseCode
	}
	return &p, nil
}

// HashCode returns the lookup hash of a code. Codes that differ only in case
// or grouping hash identically.
func HashCode(code string) string {
	body, _ := canonicalBody(code)
	return crypto.HashHex([]byte(CodePrefix), []byte(body))
}

// canonicalBody strips the prefix, separators and whitespace and upper-cases
// the rest.
func canonicalBody(code string) (string, bool) {
	code = strings.ToUpper(strings.TrimSpace(code))
	rest, ok := strings.CutPrefix(code, CodePrefix)
	if !ok {
		return "", false
	}
	body := strings.Map(func(r rune) rune {
		if r == '-' || r == ' ' {
			return -1
		}
		return r
	}, rest)
	return body, body != ""
}
