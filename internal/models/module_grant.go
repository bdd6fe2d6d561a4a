package models

import (
	"time"

	"github.com/google/uuid"
)

// GrantCeilings holds the usage ceilings attached to a module grant.
// A zero ceiling means unlimited.
type GrantCeilings struct {
	Users        int64 `json:"users_allowed"`
	Records      int64 `json:"records_allowed"`
	StorageBytes int64 `json:"storage_allowed"`
}

// GrantUsage holds live usage counters of a module grant.
type GrantUsage struct {
	Users        int64 `json:"users_used"`
	Records      int64 `json:"records_used"`
	StorageBytes int64 `json:"storage_used"`
}

// ModuleGrant is a time-bounded permission for a tenant to use a module.
// It lives in the tenant's own partition.
type ModuleGrant struct {
	TenantID    string        `json:"tenant_id"`
	ModuleCode  string        `json:"module_code"`
	LicenseID   uuid.UUID     `json:"license_id"`
	Active      bool          `json:"active"`
	ActivatedAt time.Time     `json:"activated_at"`
	ExpiresAt   time.Time     `json:"expires_at"`
	Ceilings    GrantCeilings `json:"ceilings"`
	Usage       GrantUsage    `json:"usage"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Allows returns true if the grant is active and unexpired at now.
func (g *ModuleGrant) Allows(now time.Time) bool {
	return g != nil && g.Active && now.Before(g.ExpiresAt)
}

// OverQuota lists the counters that exceed their ceilings.
func (g *ModuleGrant) OverQuota() []string {
	var over []string
	if g.Ceilings.Users > 0 && g.Usage.Users > g.Ceilings.Users {
		over = append(over, "users")
	}
	if g.Ceilings.Records > 0 && g.Usage.Records > g.Ceilings.Records {
		over = append(over, "records")
	}
	if g.Ceilings.StorageBytes > 0 && g.Usage.StorageBytes > g.Ceilings.StorageBytes {
		over = append(over, "storage")
	}
	return over
}
