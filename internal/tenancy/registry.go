package tenancy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/custodia-cl/custodia/internal/db"
	"github.com/custodia-cl/custodia/internal/models"
	"github.com/custodia-cl/custodia/internal/partition"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// TenantStore is the master registry persistence used by Registry.
type TenantStore interface {
	CreateTenant(ctx context.Context, t *models.Tenant) error
	GetTenantByID(ctx context.Context, id string) (*models.Tenant, error)
	ListTenants(ctx context.Context, statuses ...models.TenantStatus) ([]*models.Tenant, error)
	UpdateTenantStatus(ctx context.Context, id string, from, to models.TenantStatus) error
}

// OnboardRequest describes a tenant to provision.
type OnboardRequest struct {
	ID     string              `json:"id" validate:"required"`
	Name   string              `json:"name" validate:"required,max=200"`
	Plan   string              `json:"plan" validate:"max=64"`
	Limits models.TenantLimits `json:"limits"`
}

// Registry validates tenants and manages their lifecycle in the master registry.
type Registry struct {
	store    TenantStore
	driver   partition.Driver
	timeout  time.Duration
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewRegistry creates a Registry. Validate calls are bounded by timeout.
func NewRegistry(store TenantStore, driver partition.Driver, timeout time.Duration, logger zerolog.Logger) *Registry {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Registry{
		store:    store,
		driver:   driver,
		timeout:  timeout,
		validate: validator.New(),
		logger:   logger.With().Str("component", "tenant_registry").Logger(),
	}
}

// Get returns a tenant regardless of status.
func (r *Registry) Get(ctx context.Context, id string) (*models.Tenant, error) {
	t, err := r.store.GetTenantByID(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrTenantNotFound
		}
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	return t, nil
}

// Validate returns the tenant if it exists and is active.
func (r *Registry) Validate(ctx context.Context, id string) (*models.Tenant, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	t, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.IsActive() {
		return nil, ErrTenantInactive
	}
	return t, nil
}

// ActiveTenants lists all active tenants.
func (r *Registry) ActiveTenants(ctx context.Context) ([]*models.Tenant, error) {
	tenants, err := r.store.ListTenants(ctx, models.TenantStatusActive)
	if err != nil {
		return nil, fmt.Errorf("list active tenants: %w", err)
	}
	return tenants, nil
}

// List returns all tenants.
func (r *Registry) List(ctx context.Context) ([]*models.Tenant, error) {
	return r.store.ListTenants(ctx)
}

// Onboard registers a tenant, provisions its partition and activates it.
// Repeating an onboarding that failed half-way resumes it; onboarding an
// already active tenant returns it unchanged.
func (r *Registry) Onboard(ctx context.Context, req OnboardRequest) (*models.Tenant, error) {
	if err := r.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid onboarding request: %w", err)
	}
	if !ValidTenantID(req.ID) {
		return nil, ErrInvalidTenantID
	}

	t, err := r.Get(ctx, req.ID)
	switch {
	case errors.Is(err, ErrTenantNotFound):
		t = models.NewTenant(req.ID, req.Name, PartitionName(req.ID), req.Plan, req.Limits)
		if err := r.store.CreateTenant(ctx, t); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	case t.Status == models.TenantStatusActive:
		return t, nil
	case t.Status != models.TenantStatusPending:
		return nil, fmt.Errorf("%w: tenant %s is %s", ErrInvalidTransition, t.ID, t.Status)
	}

	if err := r.driver.Create(ctx, t.PartitionName); err != nil {
		return nil, fmt.Errorf("provision partition: %w", err)
	}

	if err := r.store.UpdateTenantStatus(ctx, t.ID, models.TenantStatusPending, models.TenantStatusActive); err != nil {
		if !errors.Is(err, db.ErrConflict) {
			return nil, fmt.Errorf("activate tenant: %w", err)
		}
	}

	r.logger.Info().
		Str("tenant_id", t.ID).
		Str("partition", t.PartitionName).
		Msg("tenant onboarded")

	return r.Get(ctx, t.ID)
}

// Transition changes a tenant's status, enforcing the allowed transitions.
func (r *Registry) Transition(ctx context.Context, id string, next models.TenantStatus) (*models.Tenant, error) {
	if !next.IsValid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, next)
	}

	t, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, next)
	}

	if err := r.store.UpdateTenantStatus(ctx, id, t.Status, next); err != nil {
		if errors.Is(err, db.ErrConflict) {
			return nil, fmt.Errorf("%w: status changed concurrently", ErrInvalidTransition)
		}
		return nil, fmt.Errorf("transition tenant: %w", err)
	}

	r.logger.Info().
		Str("tenant_id", id).
		Str("from", string(t.Status)).
		Str("to", string(next)).
		Msg("tenant status changed")

	return r.Get(ctx, id)
}
