package tenancy

import (
	"context"
	"testing"
	"time"

	"github.com/custodia-cl/custodia/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(store *memoryTenantStore, driver *fakeDriver) *Registry {
	return NewRegistry(store, driver, time.Second, zerolog.Nop())
}

func TestRegistry_Validate(t *testing.T) {
	suspended := activeTenant("paused")
	suspended.Status = models.TenantStatusSuspended
	store := newMemoryTenantStore(activeTenant("acme"), suspended)
	r := newTestRegistry(store, &fakeDriver{})
	ctx := context.Background()

	got, err := r.Validate(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "acme", got.ID)

	_, err = r.Validate(ctx, "paused")
	assert.ErrorIs(t, err, ErrTenantInactive)

	_, err = r.Validate(ctx, "ghost")
	assert.ErrorIs(t, err, ErrTenantNotFound)
}

func TestRegistry_Onboard(t *testing.T) {
	store := newMemoryTenantStore()
	driver := &fakeDriver{}
	r := newTestRegistry(store, driver)
	ctx := context.Background()

	req := OnboardRequest{ID: "acme", Name: "Acme", Plan: "standard", Limits: models.TenantLimits{MaxUsers: 25}}
	tenant, err := r.Onboard(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, models.TenantStatusActive, tenant.Status)
	assert.Equal(t, PartitionName("acme"), tenant.PartitionName)
	assert.Equal(t, []string{tenant.PartitionName}, driver.created)

	again, err := r.Onboard(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, tenant.PartitionName, again.PartitionName)
	assert.Len(t, driver.created, 1)
}

func TestRegistry_OnboardResumesPending(t *testing.T) {
	pending := models.NewTenant("acme", "Acme", PartitionName("acme"), "", models.TenantLimits{})
	store := newMemoryTenantStore(pending)
	driver := &fakeDriver{}
	r := newTestRegistry(store, driver)

	tenant, err := r.Onboard(context.Background(), OnboardRequest{ID: "acme", Name: "Acme"})
	require.NoError(t, err)
	assert.True(t, tenant.IsActive())
	assert.Len(t, driver.created, 1)
}

func TestRegistry_OnboardRejectsInvalid(t *testing.T) {
	r := newTestRegistry(newMemoryTenantStore(), &fakeDriver{})
	ctx := context.Background()

	_, err := r.Onboard(ctx, OnboardRequest{ID: "acme"})
	assert.Error(t, err)

	_, err = r.Onboard(ctx, OnboardRequest{ID: "bad id", Name: "Bad"})
	assert.ErrorIs(t, err, ErrInvalidTenantID)
}

func TestRegistry_Transition(t *testing.T) {
	store := newMemoryTenantStore(activeTenant("acme"))
	r := newTestRegistry(store, &fakeDriver{})
	ctx := context.Background()

	tenant, err := r.Transition(ctx, "acme", models.TenantStatusSuspended)
	require.NoError(t, err)
	assert.Equal(t, models.TenantStatusSuspended, tenant.Status)

	tenant, err = r.Transition(ctx, "acme", models.TenantStatusActive)
	require.NoError(t, err)
	assert.Equal(t, models.TenantStatusActive, tenant.Status)

	_, err = r.Transition(ctx, "acme", models.TenantStatusPending)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = r.Transition(ctx, "acme", models.TenantStatusCancelled)
	require.NoError(t, err)

	_, err = r.Transition(ctx, "acme", models.TenantStatusActive)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = r.Transition(ctx, "acme", "bogus")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = r.Transition(ctx, "ghost", models.TenantStatusActive)
	assert.ErrorIs(t, err, ErrTenantNotFound)
}
