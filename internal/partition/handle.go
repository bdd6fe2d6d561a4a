package partition

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/custodia-cl/custodia/internal/models"
	"github.com/google/uuid"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// sqlHandle implements Handle over database/sql for both dialects.
type sqlHandle struct {
	db       *sql.DB
	tenantID string
	d        dialect
	onClose  func()
}

func newSQLHandle(db *sql.DB, tenantID string, d dialect, onClose func()) *sqlHandle {
	return &sqlHandle{db: db, tenantID: tenantID, d: d, onClose: onClose}
}

func (h *sqlHandle) TenantID() string { return h.tenantID }

func (h *sqlHandle) Ping(ctx context.Context) error {
	if err := h.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (h *sqlHandle) Close() error {
	err := h.db.Close()
	if h.onClose != nil {
		h.onClose()
	}
	return err
}

func micros(t time.Time) int64 { return t.UnixMicro() }

func fromMicros(v int64) time.Time { return time.UnixMicro(v).UTC() }

var grantColumns = []string{
	"tenant_id", "module_code", "license_id", "active", "activated_at", "expires_at",
	"ceil_users", "ceil_records", "ceil_storage_bytes",
	"used_users", "used_records", "used_storage_bytes", "updated_at",
}

func scanGrant(row rowScanner) (*models.ModuleGrant, error) {
	var g models.ModuleGrant
	var licenseID string
	var activatedAt, expiresAt, updatedAt int64
	err := row.Scan(
		&g.TenantID, &g.ModuleCode, &licenseID, &g.Active, &activatedAt, &expiresAt,
		&g.Ceilings.Users, &g.Ceilings.Records, &g.Ceilings.StorageBytes,
		&g.Usage.Users, &g.Usage.Records, &g.Usage.StorageBytes, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if g.LicenseID, err = uuid.Parse(licenseID); err != nil {
		return nil, fmt.Errorf("parse grant license id: %w", err)
	}
	g.ActivatedAt = fromMicros(activatedAt)
	g.ExpiresAt = fromMicros(expiresAt)
	g.UpdatedAt = fromMicros(updatedAt)
	return &g, nil
}

func (h *sqlHandle) GetGrant(ctx context.Context, module string) (*models.ModuleGrant, error) {
	query, args, err := h.d.builder.
		Select(grantColumns...).
		From("module_grants").
		Where(sq.Eq{"tenant_id": h.tenantID, "module_code": module}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get grant query: %w", err)
	}

	g, err := scanGrant(h.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get grant: %w", err)
	}
	return g, nil
}

func (h *sqlHandle) ListGrants(ctx context.Context) ([]*models.ModuleGrant, error) {
	query, args, err := h.d.builder.
		Select(grantColumns...).
		From("module_grants").
		Where(sq.Eq{"tenant_id": h.tenantID}).
		OrderBy("module_code").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list grants query: %w", err)
	}
	return h.queryGrants(ctx, h.db, query, args...)
}

func (h *sqlHandle) queryGrants(ctx context.Context, q querier, query string, args ...any) ([]*models.ModuleGrant, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query grants: %w", err)
	}
	defer rows.Close()

	var grants []*models.ModuleGrant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate grants: %w", err)
	}
	return grants, nil
}

// extendGrantConflict keeps the later expiration and its owning license.
// An inactive grant is replaced outright so that a disabled grant is never
// revived with its old owner's term.
const extendGrantConflict = `ON CONFLICT (tenant_id, module_code) DO UPDATE SET
	license_id = CASE WHEN NOT module_grants.active OR excluded.expires_at > module_grants.expires_at
		THEN excluded.license_id ELSE module_grants.license_id END,
	activated_at = CASE WHEN NOT module_grants.active OR module_grants.expires_at <= excluded.activated_at
		THEN excluded.activated_at ELSE module_grants.activated_at END,
	expires_at = CASE WHEN NOT module_grants.active OR excluded.expires_at > module_grants.expires_at
		THEN excluded.expires_at ELSE module_grants.expires_at END,
	active = excluded.active,
	ceil_users = excluded.ceil_users,
	ceil_records = excluded.ceil_records,
	ceil_storage_bytes = excluded.ceil_storage_bytes,
	updated_at = excluded.updated_at
RETURNING `

func (h *sqlHandle) ExtendGrant(ctx context.Context, g *models.ModuleGrant) (*models.ModuleGrant, error) {
	query, args, err := h.d.builder.
		Insert("module_grants").
		Columns(
			"tenant_id", "module_code", "license_id", "active", "activated_at", "expires_at",
			"ceil_users", "ceil_records", "ceil_storage_bytes", "updated_at",
		).
		Values(
			h.tenantID, g.ModuleCode, g.LicenseID.String(), true, micros(g.ActivatedAt), micros(g.ExpiresAt),
			g.Ceilings.Users, g.Ceilings.Records, g.Ceilings.StorageBytes, micros(time.Now()),
		).
		Suffix(extendGrantConflict + strings.Join(grantColumns, ", ")).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build extend grant query: %w", err)
	}

	out, err := scanGrant(h.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, fmt.Errorf("extend grant %s: %w", g.ModuleCode, err)
	}
	return out, nil
}

func (h *sqlHandle) DisableGrantsByLicense(ctx context.Context, licenseID uuid.UUID) ([]string, error) {
	query, args, err := h.d.builder.
		Update("module_grants").
		Set("active", false).
		Set("updated_at", micros(time.Now())).
		Where(sq.Eq{"tenant_id": h.tenantID, "license_id": licenseID.String(), "active": true}).
		Suffix("RETURNING module_code").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build disable grants query: %w", err)
	}

	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("disable grants: %w", err)
	}
	defer rows.Close()

	var modules []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, fmt.Errorf("scan disabled grant: %w", err)
		}
		modules = append(modules, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate disabled grants: %w", err)
	}
	return modules, nil
}

func (h *sqlHandle) DeactivateExpiredGrants(ctx context.Context, now time.Time) (int64, error) {
	query, args, err := h.d.builder.
		Update("module_grants").
		Set("active", false).
		Set("updated_at", micros(now)).
		Where(sq.Eq{"tenant_id": h.tenantID, "active": true}).
		Where(sq.LtOrEq{"expires_at": micros(now)}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build deactivate grants query: %w", err)
	}

	res, err := h.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("deactivate expired grants: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("deactivate expired grants: %w", err)
	}
	return n, nil
}

func (h *sqlHandle) AddUsage(ctx context.Context, module string, delta models.GrantUsage) (*models.ModuleGrant, error) {
	query, args, err := h.d.builder.
		Update("module_grants").
		Set("used_users", sq.Expr("used_users + ?", delta.Users)).
		Set("used_records", sq.Expr("used_records + ?", delta.Records)).
		Set("used_storage_bytes", sq.Expr("used_storage_bytes + ?", delta.StorageBytes)).
		Set("updated_at", micros(time.Now())).
		Where(sq.Eq{"tenant_id": h.tenantID, "module_code": module}).
		Suffix("RETURNING " + strings.Join(grantColumns, ", ")).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build add usage query: %w", err)
	}

	g, err := scanGrant(h.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("add usage: %w", err)
	}
	return g, nil
}
