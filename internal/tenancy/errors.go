// Package tenancy resolves request tenants, validates them against the
// master registry, and manages per-tenant partition connections.
package tenancy

import (
	"errors"

	"github.com/custodia-cl/custodia/internal/partition"
)

var (
	// ErrTenantUnresolved means no tenant identity could be found on the request.
	ErrTenantUnresolved = errors.New("tenant unresolved")
	// ErrTenantNotFound means the tenant does not exist in the master registry.
	ErrTenantNotFound = errors.New("tenant not found")
	// ErrTenantInactive means the tenant exists but is not active.
	ErrTenantInactive = errors.New("tenant inactive")
	// ErrPartitionUnavailable means the tenant's storage cannot be reached. Retryable.
	ErrPartitionUnavailable = partition.ErrUnavailable
	// ErrConnectionBusy means a connection cannot be evicted while work is in flight.
	ErrConnectionBusy = errors.New("tenant connection busy")
	// ErrInvalidTransition means the requested status change is not allowed.
	ErrInvalidTransition = errors.New("invalid tenant status transition")
	// ErrInvalidTenantID means the identifier is not well formed.
	ErrInvalidTenantID = errors.New("invalid tenant id")
)
