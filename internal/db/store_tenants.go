package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/custodia-cl/custodia/internal/models"
	"github.com/jackc/pgx/v5"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const tenantColumns = `id, name, partition_name, status, plan,
	max_users, max_records, storage_quota_bytes,
	users_used, records_used, storage_used_bytes,
	created_at, updated_at`

func scanTenant(row pgx.Row) (*models.Tenant, error) {
	var t models.Tenant
	var status string
	err := row.Scan(
		&t.ID, &t.Name, &t.PartitionName, &status, &t.Plan,
		&t.Limits.MaxUsers, &t.Limits.MaxRecords, &t.Limits.StorageQuotaBytes,
		&t.Usage.Users, &t.Usage.Records, &t.Usage.StorageBytes,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = models.TenantStatus(status)
	return &t, nil
}

// CreateTenant inserts a new tenant into the master registry.
func (db *DB) CreateTenant(ctx context.Context, t *models.Tenant) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO tenants (id, name, partition_name, status, plan,
			max_users, max_records, storage_quota_bytes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, t.ID, t.Name, t.PartitionName, string(t.Status), t.Plan,
		t.Limits.MaxUsers, t.Limits.MaxRecords, t.Limits.StorageQuotaBytes,
		t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if IsDuplicateKeyError(err) {
			return fmt.Errorf("create tenant %s: %w", t.ID, ErrDuplicateKey)
		}
		return fmt.Errorf("create tenant: %w", err)
	}
	return nil
}

// GetTenantByID returns a tenant by its external identifier.
func (db *DB) GetTenantByID(ctx context.Context, id string) (*models.Tenant, error) {
	t, err := scanTenant(db.Pool.QueryRow(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	return t, nil
}

// ListTenants returns tenants, optionally restricted to the given statuses.
func (db *DB) ListTenants(ctx context.Context, statuses ...models.TenantStatus) ([]*models.Tenant, error) {
	q := psql.Select(tenantColumns).From("tenants").OrderBy("created_at", "id")
	if len(statuses) > 0 {
		values := make([]string, len(statuses))
		for i, s := range statuses {
			values[i] = string(s)
		}
		q = q.Where(sq.Eq{"status": values})
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list tenants query: %w", err)
	}

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []*models.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		tenants = append(tenants, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tenants: %w", err)
	}
	return tenants, nil
}

// UpdateTenantStatus moves a tenant from one status to another. The update
// only applies if the stored status still equals from, otherwise ErrConflict
// is returned.
func (db *DB) UpdateTenantStatus(ctx context.Context, id string, from, to models.TenantStatus) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE tenants SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2
	`, id, string(from), string(to), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update tenant status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := db.GetTenantByID(ctx, id); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

// UpdateTenantUsage stores the tenant's current usage counters.
func (db *DB) UpdateTenantUsage(ctx context.Context, id string, usage models.TenantUsage) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE tenants
		SET users_used = $2, records_used = $3, storage_used_bytes = $4, updated_at = $5
		WHERE id = $1
	`, id, usage.Users, usage.Records, usage.StorageBytes, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update tenant usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
