package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/custodia-cl/custodia/internal/metrics"
	"github.com/custodia-cl/custodia/internal/models"
	"github.com/custodia-cl/custodia/internal/tenancy"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Partitions hands out leases on tenant partition connections.
type Partitions interface {
	Acquire(ctx context.Context, tenantID string) (*tenancy.Lease, error)
}

// Config holds ledger settings.
type Config struct {
	// WriteTimeout bounds one append, retries included. The caller's
	// cancellation does not apply once an append has started.
	WriteTimeout time.Duration
	// MaxAttempts is how many times an append is tried before failing.
	MaxAttempts int
	// RetryBackoff is the pause before the second attempt; it doubles after each failure.
	RetryBackoff time.Duration
	// MinorIssuesRatio is the largest share of corrupted records in a
	// verified range still reported as MINOR_ISSUES.
	MinorIssuesRatio float64
}

// DefaultConfig returns the default ledger settings.
func DefaultConfig() Config {
	return Config{
		WriteTimeout:     10 * time.Second,
		MaxAttempts:      3,
		RetryBackoff:     50 * time.Millisecond,
		MinorIssuesRatio: 0.10,
	}
}

// Entry is an action to record.
type Entry struct {
	TenantID     string             `json:"tenant_id" validate:"required"`
	ActorID      string             `json:"actor_id" validate:"required,max=255"`
	Action       string             `json:"action" validate:"required,max=128"`
	ResourceType string             `json:"resource_type" validate:"required,max=128"`
	ResourceID   string             `json:"resource_id" validate:"max=255"`
	Result       models.AuditResult `json:"result" validate:"omitempty,oneof=success failure denied"`
	Detail       map[string]any     `json:"detail,omitempty"`
}

// Ledger appends to and verifies tenant audit chains.
type Ledger struct {
	partitions Partitions
	cfg        Config
	policy     *SuspicionPolicy
	metrics    *metrics.PrometheusMetrics
	validate   *validator.Validate
	now        func() time.Time
	logger     zerolog.Logger

	locks tenantLocks
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithPolicy sets the suspicion policy. The default is DefaultSuspicionPolicy.
func WithPolicy(p *SuspicionPolicy) Option {
	return func(l *Ledger) { l.policy = p }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.PrometheusMetrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a Ledger.
func New(partitions Partitions, cfg Config, logger zerolog.Logger, opts ...Option) *Ledger {
	def := DefaultConfig()
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.MinorIssuesRatio <= 0 {
		cfg.MinorIssuesRatio = def.MinorIssuesRatio
	}

	l := &Ledger{
		partitions: partitions,
		cfg:        cfg,
		validate:   validator.New(),
		now:        time.Now,
		logger:     logger.With().Str("component", "audit_ledger").Logger(),
		locks:      tenantLocks{locks: make(map[string]*tenantLock)},
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.policy == nil {
		l.policy = DefaultSuspicionPolicy()
	}
	return l
}

// Append links a new record for e to the head of the tenant's chain. Appends
// for one tenant are serialized; appends for different tenants run in
// parallel. Once started, an append is not cancelled by ctx: it runs to
// completion or fails with ErrLedgerWriteFailed within the write timeout.
func (l *Ledger) Append(ctx context.Context, e Entry) (*models.AuditRecord, error) {
	if err := l.validate.Struct(e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	if e.Result == "" {
		e.Result = models.AuditResultSuccess
	}

	unlock := l.locks.lock(e.TenantID)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.WriteTimeout)
	defer cancel()

	start := time.Now()
	rec, err := l.appendWithRetry(ctx, e)
	l.metrics.RecordLedgerAppend(time.Since(start), err)
	if err != nil {
		l.logger.Error().
			Err(err).
			Str("tenant_id", e.TenantID).
			Str("actor_id", e.ActorID).
			Str("action", e.Action).
			Msg("audit record could not be persisted")
		return nil, fmt.Errorf("%w: %v", ErrLedgerWriteFailed, err)
	}

	if reasons := l.policy.Evaluate(rec); len(reasons) > 0 {
		l.metrics.RecordSuspicious(rec.Action)
		l.logger.Warn().
			Str("tenant_id", rec.TenantID).
			Str("record_id", rec.ID.String()).
			Str("actor_id", rec.ActorID).
			Str("action", rec.Action).
			Strs("reasons", reasons).
			Msg("suspicious audit record")
	}
	return rec, nil
}

// errAlreadyAppended reports that an earlier attempt committed the record
// even though it returned an error.
var errAlreadyAppended = errors.New("record already appended")

func (l *Ledger) appendWithRetry(ctx context.Context, e Entry) (*models.AuditRecord, error) {
	id := uuid.New()
	var appended *models.AuditRecord

	build := func(prev *models.AuditRecord) (*models.AuditRecord, error) {
		if prev != nil && prev.ID == id {
			appended = prev
			return nil, errAlreadyAppended
		}
		return l.link(id, e, prev), nil
	}

	backoff := l.cfg.RetryBackoff
	var lastErr error
	for attempt := 1; attempt <= l.cfg.MaxAttempts; attempt++ {
		rec, err := l.tryAppend(ctx, e.TenantID, build)
		if err == nil {
			return rec, nil
		}
		if errors.Is(err, errAlreadyAppended) {
			return appended, nil
		}
		lastErr = err

		if attempt == l.cfg.MaxAttempts {
			break
		}
		l.logger.Warn().
			Err(err).
			Str("tenant_id", e.TenantID).
			Int("attempt", attempt).
			Msg("audit append failed, retrying")

		select {
		case <-ctx.Done():
			return nil, errors.Join(lastErr, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, lastErr
}

func (l *Ledger) tryAppend(ctx context.Context, tenantID string, build func(*models.AuditRecord) (*models.AuditRecord, error)) (*models.AuditRecord, error) {
	lease, err := l.partitions.Acquire(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	defer lease.Release()
	return lease.Handle().AppendAuditRecord(ctx, build)
}

// link builds the record following prev. Timestamps never go backwards within
// a chain, so ordering by time and by sequence agree.
func (l *Ledger) link(id uuid.UUID, e Entry, prev *models.AuditRecord) *models.AuditRecord {
	ts := l.now().UTC().Truncate(time.Microsecond)
	rec := &models.AuditRecord{
		ID:           id,
		TenantID:     e.TenantID,
		Seq:          1,
		ActorID:      e.ActorID,
		Action:       e.Action,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		Result:       e.Result,
		Detail:       e.Detail,
		PreviousHash: GenesisHash,
	}
	if prev != nil {
		rec.Seq = prev.Seq + 1
		rec.PreviousHash = prev.ThisHash
		if !ts.After(prev.Timestamp) {
			ts = prev.Timestamp.Add(time.Microsecond)
		}
	}
	rec.Timestamp = ts
	rec.ThisHash = ComputeHash(rec, rec.PreviousHash)
	return rec
}

// Head returns the latest record of the tenant's chain, or nil for an empty chain.
func (l *Ledger) Head(ctx context.Context, tenantID string) (*models.AuditRecord, error) {
	lease, err := l.partitions.Acquire(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	defer lease.Release()
	return lease.Handle().LatestAuditRecord(ctx)
}

// List returns the tenant's records matching filter, newest first, and the
// total number of matches.
func (l *Ledger) List(ctx context.Context, tenantID string, filter models.AuditFilter) ([]*models.AuditRecord, int64, error) {
	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, 0, fmt.Errorf("%w: limit and offset must not be negative", ErrInvalidQuery)
	}
	lease, err := l.partitions.Acquire(ctx, tenantID)
	if err != nil {
		return nil, 0, err
	}
	defer lease.Release()
	return lease.Handle().ListAuditRecords(ctx, filter)
}

// DetectSuspicious reports whether rec matches the suspicion policy. It is
// advisory and never affects Append.
func (l *Ledger) DetectSuspicious(rec *models.AuditRecord) bool {
	return len(l.policy.Evaluate(rec)) > 0
}

type tenantLock struct {
	mu   sync.Mutex
	refs int
}

// tenantLocks is a keyed mutex. Entries exist only while held or awaited.
type tenantLocks struct {
	mu    sync.Mutex
	locks map[string]*tenantLock
}

func (t *tenantLocks) lock(key string) (unlock func()) {
	t.mu.Lock()
	lk, ok := t.locks[key]
	if !ok {
		lk = &tenantLock{}
		t.locks[key] = lk
	}
	lk.refs++
	t.mu.Unlock()

	lk.mu.Lock()
	return func() {
		lk.mu.Unlock()
		t.mu.Lock()
		lk.refs--
		if lk.refs == 0 {
			delete(t.locks, key)
		}
		t.mu.Unlock()
	}
}
