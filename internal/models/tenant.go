// Package models defines the domain models for Custodia.
package models

import (
	"time"
)

// TenantStatus represents the lifecycle state of a tenant.
type TenantStatus string

const (
	// TenantStatusPending is a tenant whose partition has not been provisioned yet.
	TenantStatusPending TenantStatus = "pending"
	// TenantStatusActive is a tenant that may serve requests.
	TenantStatusActive TenantStatus = "active"
	// TenantStatusSuspended is a temporarily disabled tenant.
	TenantStatusSuspended TenantStatus = "suspended"
	// TenantStatusExpired is a tenant whose subscription lapsed.
	TenantStatusExpired TenantStatus = "expired"
	// TenantStatusCancelled is a terminated tenant. Its partition and audit
	// history are retained.
	TenantStatusCancelled TenantStatus = "cancelled"
)

// tenantTransitions lists the allowed next states for every status.
// Transitions are one-directional except active <-> suspended.
var tenantTransitions = map[TenantStatus][]TenantStatus{
	TenantStatusPending:   {TenantStatusActive, TenantStatusCancelled},
	TenantStatusActive:    {TenantStatusSuspended, TenantStatusExpired, TenantStatusCancelled},
	TenantStatusSuspended: {TenantStatusActive, TenantStatusExpired, TenantStatusCancelled},
	TenantStatusExpired:   {TenantStatusCancelled},
	TenantStatusCancelled: {},
}

// IsValid checks if the status is a recognized value.
func (s TenantStatus) IsValid() bool {
	_, ok := tenantTransitions[s]
	return ok
}

// TenantLimits holds the resource ceilings of a tenant plan.
type TenantLimits struct {
	MaxUsers          int64 `json:"max_users"`
	MaxRecords        int64 `json:"max_records"`
	StorageQuotaBytes int64 `json:"storage_quota_bytes"`
}

// TenantUsage holds the current usage counters of a tenant.
type TenantUsage struct {
	Users        int64 `json:"users"`
	Records      int64 `json:"records"`
	StorageBytes int64 `json:"storage_bytes"`
}

// Tenant is an isolated customer organization registered in the master registry.
type Tenant struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	PartitionName string       `json:"partition_name"`
	Status        TenantStatus `json:"status"`
	Plan          string       `json:"plan"`
	Limits        TenantLimits `json:"limits"`
	Usage         TenantUsage  `json:"usage"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// NewTenant creates a pending Tenant bound to the given partition name.
func NewTenant(id, name, partitionName, plan string, limits TenantLimits) *Tenant {
	now := time.Now().UTC()
	return &Tenant{
		ID:            id,
		Name:          name,
		PartitionName: partitionName,
		Status:        TenantStatusPending,
		Plan:          plan,
		Limits:        limits,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// IsActive returns true if the tenant may serve requests.
func (t *Tenant) IsActive() bool {
	return t.Status == TenantStatusActive
}

// CanTransitionTo reports whether the tenant may move to the next status.
func (t *Tenant) CanTransitionTo(next TenantStatus) bool {
	for _, allowed := range tenantTransitions[t.Status] {
		if allowed == next {
			return true
		}
	}
	return false
}
