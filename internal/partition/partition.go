// Package partition provides storage handles scoped to a single tenant's
// isolated partition, together with the drivers that provision and open
// those partitions.
package partition

import (
	"context"
	"errors"
	"time"

	"github.com/custodia-cl/custodia/internal/models"
	"github.com/google/uuid"
)

var (
	// ErrUnavailable is returned when a partition does not exist or its
	// storage cannot be reached. Callers may retry.
	ErrUnavailable = errors.New("partition unavailable")
	// ErrNotFound is returned when a requested row does not exist in the partition.
	ErrNotFound = errors.New("not found in partition")
)

// Handle is a live connection scoped to exactly one tenant's partition.
// Every read and write is filtered by the handle's tenant.
type Handle interface {
	TenantID() string
	Ping(ctx context.Context) error
	Close() error

	GetGrant(ctx context.Context, module string) (*models.ModuleGrant, error)
	ListGrants(ctx context.Context) ([]*models.ModuleGrant, error)
	// ExtendGrant creates the grant or pushes its expiration to the later of
	// the stored and given expiration. An inactive grant is replaced.
	ExtendGrant(ctx context.Context, g *models.ModuleGrant) (*models.ModuleGrant, error)
	DisableGrantsByLicense(ctx context.Context, licenseID uuid.UUID) ([]string, error)
	DeactivateExpiredGrants(ctx context.Context, now time.Time) (int64, error)
	AddUsage(ctx context.Context, module string, delta models.GrantUsage) (*models.ModuleGrant, error)

	// AppendAuditRecord reads the latest record and inserts the record
	// returned by build inside one transaction holding the partition's
	// chain lock. prev is nil for the first record of the chain.
	AppendAuditRecord(ctx context.Context, build func(prev *models.AuditRecord) (*models.AuditRecord, error)) (*models.AuditRecord, error)
	LatestAuditRecord(ctx context.Context) (*models.AuditRecord, error)
	ListAuditRecords(ctx context.Context, filter models.AuditFilter) ([]*models.AuditRecord, int64, error)
	// WalkAuditRecords calls fn for every record with a timestamp at or
	// before to, in chain order. A zero to walks the whole chain.
	WalkAuditRecords(ctx context.Context, to time.Time, fn func(*models.AuditRecord) error) error
}

// Driver provisions and opens tenant partitions.
type Driver interface {
	Name() string
	// Create provisions the partition and applies its migrations. It is idempotent.
	Create(ctx context.Context, partitionName string) error
	// Open returns a handle to an existing partition. It never provisions;
	// a missing partition yields ErrUnavailable.
	Open(ctx context.Context, tenantID, partitionName string) (Handle, error)
	Close() error
}
