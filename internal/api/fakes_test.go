package api

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/custodia-cl/custodia/internal/auth"
	"github.com/custodia-cl/custodia/internal/db"
	"github.com/custodia-cl/custodia/internal/models"
	"github.com/google/uuid"
)

// headerAuthenticator trusts X-Test-* headers in place of a real credential.
type headerAuthenticator struct{}

func (headerAuthenticator) Authenticate(r *http.Request) (*auth.Principal, error) {
	actor := r.Header.Get("X-Test-Actor")
	if actor == "" {
		return nil, auth.ErrUnauthenticated
	}
	var roles []string
	if v := r.Header.Get("X-Test-Roles"); v != "" {
		roles = strings.Split(v, ",")
	}
	return &auth.Principal{
		ActorID:         actor,
		TenantID:        r.Header.Get("X-Test-Tenant"),
		Roles:           roles,
		AuthenticatedAt: time.Now(),
	}, nil
}

type memTenantStore struct {
	mu      sync.Mutex
	tenants map[string]models.Tenant
}

func newMemTenantStore() *memTenantStore {
	return &memTenantStore{tenants: make(map[string]models.Tenant)}
}

func (s *memTenantStore) CreateTenant(_ context.Context, t *models.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[t.ID]; ok {
		return db.ErrDuplicateKey
	}
	s.tenants[t.ID] = *t
	return nil
}

func (s *memTenantStore) GetTenantByID(_ context.Context, id string) (*models.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return &t, nil
}

func (s *memTenantStore) ListTenants(_ context.Context, statuses ...models.TenantStatus) ([]*models.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Tenant
	for _, t := range s.tenants {
		match := len(statuses) == 0
		for _, st := range statuses {
			match = match || t.Status == st
		}
		if match {
			cp := t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memTenantStore) UpdateTenantStatus(_ context.Context, id string, from, to models.TenantStatus) error {
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
	t.UpdatedAt = time.Now().UTC()
	s.tenants[id] = t
	return nil
}

type memLicenseStore struct {
	mu       sync.Mutex
	licenses map[uuid.UUID]models.License
	usage    map[string]models.TenantUsage
}

func newMemLicenseStore() *memLicenseStore {
	return &memLicenseStore{
		licenses: make(map[uuid.UUID]models.License),
		usage:    make(map[string]models.TenantUsage),
	}
}

func (s *memLicenseStore) UpdateTenantUsage(_ context.Context, id string, usage models.TenantUsage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage[id] = usage
	return nil
}

func (s *memLicenseStore) CreateLicense(_ context.Context, l *models.License) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.licenses[l.ID]; ok {
		return db.ErrDuplicateKey
	}
	s.licenses[l.ID] = *l
	return nil
}

func (s *memLicenseStore) GetLicenseByID(_ context.Context, id uuid.UUID) (*models.License, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.licenses[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return &l, nil
}

func (s *memLicenseStore) GetLicenseByCodeHash(_ context.Context, codeHash string) (*models.License, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.licenses {
		if l.CodeHash == codeHash {
			return &l, nil
		}
	}
	return nil, db.ErrNotFound
}

func (s *memLicenseStore) ListLicensesByTenant(_ context.Context, tenantID string) ([]*models.License, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.License
	for _, l := range s.licenses {
		if l.TenantID == tenantID {
			cp := l
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memLicenseStore) update(id uuid.UUID, fn func(*models.License)) (*models.License, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.licenses[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	if l.Revoked {
		return nil, db.ErrConflict
	}
	fn(&l)
	s.licenses[id] = l
	return &l, nil
}

func (s *memLicenseStore) MarkLicenseActivated(_ context.Context, id uuid.UUID, at time.Time) (*models.License, error) {
	return s.update(id, func(l *models.License) {
		l.Active = true
		if l.ActivatedAt == nil {
			l.ActivatedAt = &at
		}
	})
}

func (s *memLicenseStore) RevokeLicense(_ context.Context, id uuid.UUID, reason string, at time.Time) (*models.License, error) {
	return s.update(id, func(l *models.License) {
		l.Revoked = true
		l.Active = false
		l.RevokedReason = reason
		l.RevokedAt = &at
	})
}

func (s *memLicenseStore) UpdateLicenseExpiration(_ context.Context, id uuid.UUID, expiresAt time.Time) (*models.License, error) {
	return s.update(id, func(l *models.License) { l.ExpiresAt = expiresAt })
}
