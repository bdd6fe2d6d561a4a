package tenancy

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/custodia-cl/custodia/internal/db"
	"github.com/custodia-cl/custodia/internal/models"
	"github.com/custodia-cl/custodia/internal/partition"
)

type memoryTenantStore struct {
	mu      sync.Mutex
	tenants map[string]*models.Tenant
}

func newMemoryTenantStore(tenants ...*models.Tenant) *memoryTenantStore {
	s := &memoryTenantStore{tenants: make(map[string]*models.Tenant)}
	for _, t := range tenants {
		s.tenants[t.ID] = t
	}
	return s
}

func (s *memoryTenantStore) CreateTenant(_ context.Context, t *models.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[t.ID]; ok {
		return db.ErrDuplicateKey
	}
	cp := *t
	s.tenants[t.ID] = &cp
	return nil
}

func (s *memoryTenantStore) GetTenantByID(_ context.Context, id string) (*models.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *memoryTenantStore) ListTenants(_ context.Context, statuses ...models.TenantStatus) ([]*models.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Tenant
	for _, t := range s.tenants {
		if len(statuses) == 0 {
			cp := *t
			out = append(out, &cp)
			continue
		}
		for _, st := range statuses {
			if t.Status == st {
				cp := *t
				out = append(out, &cp)
			}
		}
	}
	return out, nil
}

func (s *memoryTenantStore) UpdateTenantStatus(_ context.Context, id string, from, to models.TenantStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return db.ErrNotFound
	}
	if t.Status != from {
		return db.ErrConflict
	}
	t.Status = to
	return nil
}

func activeTenant(id string) *models.Tenant {
	t := models.NewTenant(id, id, PartitionName(id), "", models.TenantLimits{})
	t.Status = models.TenantStatusActive
	return t
}

// fakeHandle implements only the parts of partition.Handle the manager uses.
type fakeHandle struct {
	partition.Handle
	tenantID string
	closed   atomic.Bool
}

func (h *fakeHandle) TenantID() string { return h.tenantID }

func (h *fakeHandle) Close() error {
	h.closed.Store(true)
	return nil
}

type fakeDriver struct {
	opens   atomic.Int32
	delay   time.Duration
	mu      sync.Mutex
	handles []*fakeHandle
	created []string
}

func (d *fakeDriver) Name() string { return "fake" }

func (d *fakeDriver) Create(_ context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.created = append(d.created, name)
	return nil
}

func (d *fakeDriver) Open(_ context.Context, tenantID, _ string) (partition.Handle, error) {
	d.opens.Add(1)
	time.Sleep(d.delay)
	h := &fakeHandle{tenantID: tenantID}
	d.mu.Lock()
	d.handles = append(d.handles, h)
	d.mu.Unlock()
	return h, nil
}

func (d *fakeDriver) Close() error { return nil }
