package tenancy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/custodia-cl/custodia/internal/models"
	"github.com/custodia-cl/custodia/internal/partition"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// TenantLookup returns the tenant record for id regardless of status.
// Status gating belongs to Registry.Validate, which request handling runs
// before Acquire; administrative work may reach suspended tenants.
type TenantLookup interface {
	Get(ctx context.Context, id string) (*models.Tenant, error)
}

// ManagerConfig configures a connection Manager.
type ManagerConfig struct {
	// IdleTimeout is how long an unused connection is kept before Reap evicts it.
	IdleTimeout time.Duration
	// OpenTimeout bounds opening a new partition connection.
	OpenTimeout time.Duration
}

type connEntry struct {
	handle   partition.Handle
	inFlight int
	lastUsed time.Time
}

// Manager caches one partition connection per tenant. Connections are opened
// on first use, shared by concurrent callers and evicted when idle.
type Manager struct {
	driver partition.Driver
	lookup TenantLookup
	cfg    ManagerConfig
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*connEntry
	closed  bool
	opening singleflight.Group
}

// NewManager creates a Manager.
func NewManager(driver partition.Driver, lookup TenantLookup, cfg ManagerConfig, logger zerolog.Logger) *Manager {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Minute
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 5 * time.Second
	}
	return &Manager{
		driver:  driver,
		lookup:  lookup,
		cfg:     cfg,
		logger:  logger.With().Str("component", "connection_manager").Logger(),
		now:     time.Now,
		entries: make(map[string]*connEntry),
	}
}

// Lease is a claim on a tenant connection. The connection is not evicted
// until every lease on it has been released.
type Lease struct {
	m        *Manager
	tenantID string
	entry    *connEntry
	once     sync.Once
}

// Handle returns the tenant-scoped partition handle.
func (l *Lease) Handle() partition.Handle { return l.entry.handle }

// TenantID returns the tenant the lease belongs to.
func (l *Lease) TenantID() string { return l.tenantID }

// Release ends the in-flight work. It is safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.m.mu.Lock()
		l.entry.inFlight--
		l.entry.lastUsed = l.m.now()
		l.m.mu.Unlock()
	})
}

// Acquire returns a lease on the tenant's partition connection, opening and
// caching it on first use. Concurrent first use opens the connection once.
func (m *Manager) Acquire(ctx context.Context, tenantID string) (*Lease, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: connection manager closed", ErrPartitionUnavailable)
		}
		if e, ok := m.entries[tenantID]; ok {
			e.inFlight++
			e.lastUsed = m.now()
			m.mu.Unlock()
			return &Lease{m: m, tenantID: tenantID, entry: e}, nil
		}
		m.mu.Unlock()

		ch := m.opening.DoChan(tenantID, func() (any, error) {
			return m.open(ctx, tenantID)
		})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}
		}
		// The entry is now cached unless it was evicted in between; loop to
		// take the lease under the lock.
	}
}

func (m *Manager) open(ctx context.Context, tenantID string) (*connEntry, error) {
	m.mu.Lock()
	if e, ok := m.entries[tenantID]; ok {
		m.mu.Unlock()
		return e, nil
	}
	m.mu.Unlock()

	// Shared by every waiting caller, so it must not die with the first one.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.OpenTimeout)
	defer cancel()

	t, err := m.lookup.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if t.Status == models.TenantStatusPending {
		return nil, fmt.Errorf("%w: tenant %s is not provisioned", ErrPartitionUnavailable, tenantID)
	}

	h, err := m.driver.Open(ctx, tenantID, t.PartitionName)
	if err != nil {
		if errors.Is(err, partition.ErrUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrPartitionUnavailable, err)
	}

	e := &connEntry{handle: h, lastUsed: m.now()}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		h.Close()
		return nil, fmt.Errorf("%w: connection manager closed", ErrPartitionUnavailable)
	}
	m.entries[tenantID] = e
	m.mu.Unlock()

	m.logger.Debug().
		Str("tenant_id", tenantID).
		Str("partition", t.PartitionName).
		Msg("tenant connection opened")
	return e, nil
}

// Release closes and evicts the tenant's connection. It fails with
// ErrConnectionBusy while leases are outstanding.
func (m *Manager) Release(tenantID string) error {
	m.mu.Lock()
	e, ok := m.entries[tenantID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if e.inFlight > 0 {
		m.mu.Unlock()
		return ErrConnectionBusy
	}
	delete(m.entries, tenantID)
	m.mu.Unlock()

	return e.handle.Close()
}

// Reap evicts connections idle for longer than the idle timeout. Connections
// with outstanding leases are never evicted. It returns the number evicted.
func (m *Manager) Reap(now time.Time) int {
	var victims []partition.Handle

	m.mu.Lock()
	for id, e := range m.entries {
		if e.inFlight == 0 && now.Sub(e.lastUsed) >= m.cfg.IdleTimeout {
			victims = append(victims, e.handle)
			delete(m.entries, id)
		}
	}
	m.mu.Unlock()

	for _, h := range victims {
		if err := h.Close(); err != nil {
			m.logger.Warn().Err(err).Str("tenant_id", h.TenantID()).Msg("failed to close reaped connection")
		}
	}
	if len(victims) > 0 {
		m.logger.Debug().Int("evicted", len(victims)).Msg("reaped idle tenant connections")
	}
	return len(victims)
}

// ManagerStats is a point-in-time view of the connection cache.
type ManagerStats struct {
	Open     int `json:"open"`
	InFlight int `json:"in_flight"`
}

// Stats returns the number of cached connections and outstanding leases.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := ManagerStats{Open: len(m.entries)}
	for _, e := range m.entries {
		s.InFlight += e.inFlight
	}
	return s
}

// Close closes every cached connection. Acquire fails afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	entries := m.entries
	m.entries = make(map[string]*connEntry)
	m.mu.Unlock()

	var errs []error
	for _, e := range entries {
		if err := e.handle.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
