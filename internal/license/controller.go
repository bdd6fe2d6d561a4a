package license

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/custodia-cl/custodia/internal/db"
	"github.com/custodia-cl/custodia/internal/metrics"
	"github.com/custodia-cl/custodia/internal/models"
	"github.com/custodia-cl/custodia/internal/partition"
	"github.com/custodia-cl/custodia/internal/tenancy"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Store is the master registry persistence for licenses.
type Store interface {
	CreateLicense(ctx context.Context, l *models.License) error
	GetLicenseByID(ctx context.Context, id uuid.UUID) (*models.License, error)
	GetLicenseByCodeHash(ctx context.Context, codeHash string) (*models.License, error)
	ListLicensesByTenant(ctx context.Context, tenantID string) ([]*models.License, error)
	MarkLicenseActivated(ctx context.Context, id uuid.UUID, at time.Time) (*models.License, error)
	RevokeLicense(ctx context.Context, id uuid.UUID, reason string, at time.Time) (*models.License, error)
	UpdateLicenseExpiration(ctx context.Context, id uuid.UUID, expiresAt time.Time) (*models.License, error)
	UpdateTenantUsage(ctx context.Context, id string, usage models.TenantUsage) error
}

// Tenants looks tenants up in the master registry.
type Tenants interface {
	Get(ctx context.Context, id string) (*models.Tenant, error)
	ActiveTenants(ctx context.Context) ([]*models.Tenant, error)
}

// Partitions hands out leases on tenant partition connections.
type Partitions interface {
	Acquire(ctx context.Context, tenantID string) (*tenancy.Lease, error)
}

// Config holds entitlement controller settings.
type Config struct {
	// CheckTimeout bounds a single CheckAccess call.
	CheckTimeout time.Duration
	// CacheTTL is the longest a positive access decision is cached.
	CacheTTL time.Duration
}

// IssueRequest describes a license to issue.
type IssueRequest struct {
	TenantID       string         `json:"tenant_id" validate:"required"`
	Modules        []string       `json:"modules" validate:"required,min=1,dive,required,max=64"`
	DurationMonths int            `json:"duration_months" validate:"required,min=1,max=120"`
	Pricing        models.Pricing `json:"pricing"`
}

// Controller is the entitlement controller.
type Controller struct {
	store      Store
	tenants    Tenants
	partitions Partitions
	codec      *Codec
	cache      AccessCache
	metrics    *metrics.PrometheusMetrics
	cfg        Config
	validate   *validator.Validate
	now        func() time.Time
	logger     zerolog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithCache sets the access cache. The default is an in-process cache.
func WithCache(cache AccessCache) Option {
	return func(c *Controller) { c.cache = cache }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.PrometheusMetrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// NewController creates a Controller.
func NewController(store Store, tenants Tenants, partitions Partitions, codec *Codec, cfg Config, logger zerolog.Logger, opts ...Option) *Controller {
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 500 * time.Millisecond
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Second
	}
	c := &Controller{
		store:      store,
		tenants:    tenants,
		partitions: partitions,
		codec:      codec,
		cfg:        cfg,
		validate:   validator.New(),
		now:        time.Now,
		logger:     logger.With().Str("component", "entitlement").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cache == nil {
		c.cache = NewMemoryAccessCache(c.now)
	}
	return c
}

func (c *Controller) clock() time.Time {
	return c.now().UTC().Truncate(time.Microsecond)
}

// IssueLicense creates an inactive license and its code.
func (c *Controller) IssueLicense(ctx context.Context, req IssueRequest) (lic *models.License, err error) {
	defer func() { c.metrics.RecordLicenseOperation("issue", err) }()

	if err := c.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if _, err := c.tenants.Get(ctx, req.TenantID); err != nil {
		return nil, err
	}

	now := c.clock()
	payload := models.LicensePayload{
		LicenseID: uuid.New(),
		TenantID:  req.TenantID,
		Modules:   NormalizeModules(req.Modules),
		ExpiresAt: now.AddDate(0, req.DurationMonths, 0),
		IssuedAt:  now,
	}

	code, err := c.codec.Encode(payload)
	if err != nil {
		return nil, err
	}

	lic = &models.License{
		ID:        payload.LicenseID,
		TenantID:  payload.TenantID,
		Code:      code,
		CodeHash:  HashCode(code),
		Modules:   payload.Modules,
		Pricing:   req.Pricing,
		IssuedAt:  payload.IssuedAt,
		ExpiresAt: payload.ExpiresAt,
	}
	if err := c.store.CreateLicense(ctx, lic); err != nil {
		return nil, err
	}

	c.logger.Info().
		Str("license_id", lic.ID.String()).
		Str("tenant_id", lic.TenantID).
		Strs("modules", lic.Modules).
		Time("expires_at", lic.ExpiresAt).
		Msg("license issued")
	return lic, nil
}

// ActivateLicense verifies code for tenantID, marks the license active and
// creates or extends the tenant's module grants. Grants are never shortened,
// so activating the same license again changes nothing.
func (c *Controller) ActivateLicense(ctx context.Context, code, tenantID string) (grants []*models.ModuleGrant, err error) {
	defer func() { c.metrics.RecordLicenseOperation("activate", err) }()

	payload, err := c.codec.Decode(code)
	if err != nil {
		return nil, err
	}
	if payload.TenantID != tenantID {
		return nil, ErrTenantMismatch
	}

	lic, err := c.store.GetLicenseByCodeHash(ctx, HashCode(code))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrInvalidLicenseCode
		}
		return nil, fmt.Errorf("look up license: %w", err)
	}
	if lic.ID != payload.LicenseID || lic.TenantID != payload.TenantID ||
		!slices.Equal(lic.Modules, NormalizeModules(payload.Modules)) {
		return nil, ErrInvalidLicenseCode
	}
	if lic.Revoked {
		return nil, ErrLicenseRevoked
	}

	now := c.clock()
	if lic.IsExpired(now) {
		return nil, ErrLicenseExpired
	}

	tenant, err := c.tenants.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	lic, err = c.store.MarkLicenseActivated(ctx, lic.ID, now)
	if err != nil {
		if errors.Is(err, db.ErrConflict) {
			return nil, ErrLicenseRevoked
		}
		return nil, fmt.Errorf("activate license: %w", err)
	}

	grants, err = c.applyLicense(ctx, lic, tenant, now)
	if err != nil {
		return nil, err
	}

	c.logger.Info().
		Str("license_id", lic.ID.String()).
		Str("tenant_id", tenantID).
		Strs("modules", lic.Modules).
		Msg("license activated")
	return grants, nil
}

// applyLicense extends the grant of every module in lic to lic's expiration.
func (c *Controller) applyLicense(ctx context.Context, lic *models.License, tenant *models.Tenant, now time.Time) ([]*models.ModuleGrant, error) {
	lease, err := c.partitions.Acquire(ctx, lic.TenantID)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	grants := make([]*models.ModuleGrant, 0, len(lic.Modules))
	for _, module := range lic.Modules {
		g, err := lease.Handle().ExtendGrant(ctx, &models.ModuleGrant{
			ModuleCode:  module,
			LicenseID:   lic.ID,
			ActivatedAt: now,
			ExpiresAt:   lic.ExpiresAt,
			Ceilings: models.GrantCeilings{
				Users:        tenant.Limits.MaxUsers,
				Records:      tenant.Limits.MaxRecords,
				StorageBytes: tenant.Limits.StorageQuotaBytes,
			},
		})
		if err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}

	c.invalidate(ctx, lic.TenantID)
	return grants, nil
}

func (c *Controller) invalidate(ctx context.Context, tenantID string) {
	if err := c.cache.InvalidateTenant(ctx, tenantID); err != nil {
		c.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("failed to invalidate access cache")
	}
}

// CheckAccess reports whether tenantID holds an active, unexpired grant for
// module. Every failure, including timeouts, yields false.
func (c *Controller) CheckAccess(ctx context.Context, tenantID, module string) (allowed bool) {
	module = strings.ToUpper(module)
	defer func() { c.metrics.RecordAccessCheck(module, allowed) }()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.CheckTimeout)
	defer cancel()

	if hit, err := c.cache.Allowed(ctx, tenantID, module); err == nil && hit {
		c.metrics.RecordAccessCacheLookup(true)
		return true
	}
	c.metrics.RecordAccessCacheLookup(false)

	// Read before the grant so a revocation in between stops the Put below.
	gen, genErr := c.cache.Generation(ctx, tenantID)

	lease, err := c.partitions.Acquire(ctx, tenantID)
	if err != nil {
		c.logger.Debug().Err(err).Str("tenant_id", tenantID).Msg("access check could not reach partition")
		return false
	}
	defer lease.Release()

	g, err := lease.Handle().GetGrant(ctx, module)
	if err != nil {
		if !errors.Is(err, partition.ErrNotFound) {
			c.logger.Debug().Err(err).Str("tenant_id", tenantID).Str("module", module).Msg("access check failed")
		}
		return false
	}

	now := c.now()
	if !g.Allows(now) {
		return false
	}

	if genErr != nil {
		c.logger.Debug().Err(genErr).Msg("access cache generation unavailable, decision not cached")
		return true
	}
	ttl := min(c.cfg.CacheTTL, g.ExpiresAt.Sub(now))
	if err := c.cache.Put(ctx, tenantID, module, gen, ttl); err != nil {
		c.logger.Debug().Err(err).Msg("failed to cache access decision")
	}
	return true
}

// RecordUsage adds delta to the grant's usage counters. When a ceiling is
// crossed the updated grant is returned together with an error wrapping
// ErrQuotaExceeded; the update itself has been applied.
func (c *Controller) RecordUsage(ctx context.Context, tenantID, module string, delta models.GrantUsage) (*models.ModuleGrant, error) {
	module = strings.ToUpper(module)

	lease, err := c.partitions.Acquire(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	g, err := lease.Handle().AddUsage(ctx, module, delta)
	if err != nil {
		if errors.Is(err, partition.ErrNotFound) {
			return nil, ErrGrantNotFound
		}
		return nil, err
	}

	if over := g.OverQuota(); len(over) > 0 {
		c.metrics.RecordQuotaWarning(module)
		c.logger.Warn().
			Str("tenant_id", tenantID).
			Str("module", module).
			Strs("counters", over).
			Msg("usage ceiling exceeded")
		return g, fmt.Errorf("%w: %s over %s", ErrQuotaExceeded, module, strings.Join(over, ", "))
	}
	return g, nil
}

// RevokeLicense permanently revokes a license and disables the grants it
// owns. A disabled module still covered by another valid license of the
// tenant is re-granted from that license. Revoking twice returns
// ErrLicenseRevoked.
func (c *Controller) RevokeLicense(ctx context.Context, licenseID uuid.UUID, reason string) (lic *models.License, err error) {
	defer func() { c.metrics.RecordLicenseOperation("revoke", err) }()

	now := c.clock()
	lic, err = c.store.RevokeLicense(ctx, licenseID, reason, now)
	alreadyRevoked := errors.Is(err, db.ErrConflict)
	switch {
	case errors.Is(err, db.ErrNotFound):
		return nil, ErrLicenseNotFound
	case alreadyRevoked:
		// Finish a revocation whose grant cleanup may have failed earlier.
		if lic, err = c.store.GetLicenseByID(ctx, licenseID); err != nil {
			return nil, fmt.Errorf("get license: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("revoke license: %w", err)
	}

	if err := c.disableGrants(ctx, lic, now); err != nil {
		return nil, err
	}
	if alreadyRevoked {
		return lic, ErrLicenseRevoked
	}

	c.logger.Info().
		Str("license_id", lic.ID.String()).
		Str("tenant_id", lic.TenantID).
		Str("reason", reason).
		Msg("license revoked")
	return lic, nil
}

func (c *Controller) disableGrants(ctx context.Context, lic *models.License, now time.Time) error {
	lease, err := c.partitions.Acquire(ctx, lic.TenantID)
	if err != nil {
		return err
	}
	defer lease.Release()
	defer c.invalidate(ctx, lic.TenantID)

	disabled, err := lease.Handle().DisableGrantsByLicense(ctx, lic.ID)
	if err != nil {
		return err
	}
	if len(disabled) == 0 {
		return nil
	}

	others, err := c.store.ListLicensesByTenant(ctx, lic.TenantID)
	if err != nil {
		return fmt.Errorf("list tenant licenses: %w", err)
	}
	tenant, err := c.tenants.Get(ctx, lic.TenantID)
	if err != nil {
		return err
	}

	for _, other := range others {
		if other.ID == lic.ID || other.Status(now) != models.LicenseStatusActive {
			continue
		}
		for _, module := range disabled {
			if !other.HasModule(module) {
				continue
			}
			_, err := lease.Handle().ExtendGrant(ctx, &models.ModuleGrant{
				ModuleCode:  module,
				LicenseID:   other.ID,
				ActivatedAt: now,
				ExpiresAt:   other.ExpiresAt,
				Ceilings: models.GrantCeilings{
					Users:        tenant.Limits.MaxUsers,
					Records:      tenant.Limits.MaxRecords,
					StorageBytes: tenant.Limits.StorageQuotaBytes,
				},
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// ExtendLicense pushes the expiration forward by additionalMonths, counted
// from the later of now and the current expiration, and re-activates the
// license's grants if it has been activated.
func (c *Controller) ExtendLicense(ctx context.Context, licenseID uuid.UUID, additionalMonths int) (lic *models.License, err error) {
	defer func() { c.metrics.RecordLicenseOperation("extend", err) }()

	if additionalMonths < 1 {
		return nil, fmt.Errorf("%w: additional months must be positive, got %d", ErrInvalidRequest, additionalMonths)
	}

	lic, err = c.store.GetLicenseByID(ctx, licenseID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrLicenseNotFound
		}
		return nil, fmt.Errorf("get license: %w", err)
	}
	if lic.Revoked {
		return nil, ErrLicenseRevoked
	}

	now := c.clock()
	base := lic.ExpiresAt
	if now.After(base) {
		base = now
	}

	lic, err = c.store.UpdateLicenseExpiration(ctx, licenseID, base.AddDate(0, additionalMonths, 0))
	if err != nil {
		if errors.Is(err, db.ErrConflict) {
			return nil, ErrLicenseRevoked
		}
		return nil, fmt.Errorf("extend license: %w", err)
	}

	if lic.ActivatedAt != nil {
		tenant, err := c.tenants.Get(ctx, lic.TenantID)
		if err != nil {
			return nil, err
		}
		if _, err := c.applyLicense(ctx, lic, tenant, now); err != nil {
			return nil, err
		}
	}

	c.logger.Info().
		Str("license_id", lic.ID.String()).
		Str("tenant_id", lic.TenantID).
		Time("expires_at", lic.ExpiresAt).
		Msg("license extended")
	return lic, nil
}

// GetLicense returns a license by ID.
func (c *Controller) GetLicense(ctx context.Context, licenseID uuid.UUID) (*models.License, error) {
	lic, err := c.store.GetLicenseByID(ctx, licenseID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrLicenseNotFound
	}
	return lic, err
}

// ListLicenses returns the licenses issued to a tenant.
func (c *Controller) ListLicenses(ctx context.Context, tenantID string) ([]*models.License, error) {
	return c.store.ListLicensesByTenant(ctx, tenantID)
}

// ListGrants returns the tenant's module grants.
func (c *Controller) ListGrants(ctx context.Context, tenantID string) ([]*models.ModuleGrant, error) {
	lease, err := c.partitions.Acquire(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	defer lease.Release()
	return lease.Handle().ListGrants(ctx)
}

// SweepExpired deactivates expired grants of every active tenant and returns
// how many were deactivated. Access decisions never depend on it. Each
// tenant's usage counters in the registry are refreshed from its remaining
// active grants.
func (c *Controller) SweepExpired(ctx context.Context) (int64, error) {
	tenants, err := c.tenants.ActiveTenants(ctx)
	if err != nil {
		return 0, err
	}

	now := c.now()
	var total int64
	var errs []error
	for _, t := range tenants {
		n, err := c.sweepTenant(ctx, t.ID, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", t.ID, err))
			continue
		}
		total += n
	}

	c.metrics.RecordGrantsExpired(total)
	if total > 0 {
		c.logger.Info().Int64("grants", total).Msg("expired grants deactivated")
	}
	return total, errors.Join(errs...)
}

func (c *Controller) sweepTenant(ctx context.Context, tenantID string, now time.Time) (int64, error) {
	lease, err := c.partitions.Acquire(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	defer lease.Release()

	n, err := lease.Handle().DeactivateExpiredGrants(ctx, now)
	if err != nil {
		return 0, err
	}
	grants, err := lease.Handle().ListGrants(ctx)
	if err != nil {
		return n, err
	}
	if err := c.store.UpdateTenantUsage(ctx, tenantID, rollupUsage(grants, now)); err != nil {
		return n, fmt.Errorf("update usage: %w", err)
	}
	return n, nil
}

// rollupUsage folds active grant counters into tenant usage. Users overlap
// across modules so the largest count wins; records and storage add up.
func rollupUsage(grants []*models.ModuleGrant, now time.Time) models.TenantUsage {
	var u models.TenantUsage
	for _, g := range grants {
		if !g.Allows(now) {
			continue
		}
		u.Users = max(u.Users, g.Usage.Users)
		u.Records += g.Usage.Records
		u.StorageBytes += g.Usage.StorageBytes
	}
	return u
}
