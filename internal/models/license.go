package models

import (
	"time"

	"github.com/google/uuid"
)

// LicenseStatus is the derived state of a license at a point in time.
type LicenseStatus string

const (
	// LicenseStatusIssued means the license was created but never activated.
	LicenseStatusIssued LicenseStatus = "issued"
	// LicenseStatusActive means the license is activated and within its term.
	LicenseStatusActive LicenseStatus = "active"
	// LicenseStatusExpired means the license term has passed.
	LicenseStatusExpired LicenseStatus = "expired"
	// LicenseStatusRevoked means the license has been permanently revoked.
	LicenseStatusRevoked LicenseStatus = "revoked"
)

// Pricing describes the commercial terms a license was issued under.
type Pricing struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Period   string `json:"period,omitempty"`
}

// License grants a tenant access to a set of modules for a bounded time.
type License struct {
	ID            uuid.UUID  `json:"id"`
	TenantID      string     `json:"tenant_id"`
	Code          string     `json:"code,omitempty"`
	CodeHash      string     `json:"-"`
	Modules       []string   `json:"modules"`
	Pricing       Pricing    `json:"pricing"`
	IssuedAt      time.Time  `json:"issued_at"`
	ActivatedAt   *time.Time `json:"activated_at,omitempty"`
	ExpiresAt     time.Time  `json:"expires_at"`
	Active        bool       `json:"active"`
	Revoked       bool       `json:"revoked"`
	RevokedReason string     `json:"revoked_reason,omitempty"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
}

// IsExpired returns true if the license term has passed at now.
func (l *License) IsExpired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Status derives the license status at now.
func (l *License) Status(now time.Time) LicenseStatus {
	switch {
	case l.Revoked:
		return LicenseStatusRevoked
	case l.IsExpired(now):
		return LicenseStatusExpired
	case l.Active:
		return LicenseStatusActive
	default:
		return LicenseStatusIssued
	}
}

// HasModule checks if the license covers the given module code.
func (l *License) HasModule(module string) bool {
	for _, m := range l.Modules {
		if m == module {
			return true
		}
	}
	return false
}

// LicensePayload is the record sealed inside a license code.
type LicensePayload struct {
	LicenseID uuid.UUID `json:"lid"`
	TenantID  string    `json:"tid"`
	Modules   []string  `json:"mods"`
	ExpiresAt time.Time `json:"exp"`
	IssuedAt  time.Time `json:"iat"`
}
