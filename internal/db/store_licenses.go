package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/custodia-cl/custodia/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const licenseColumns = `id, tenant_id, code, code_hash, modules,
	pricing_amount, pricing_currency, pricing_period,
	issued_at, activated_at, expires_at, active, revoked, revoked_reason, revoked_at`

func scanLicense(row pgx.Row) (*models.License, error) {
	var l models.License
	err := row.Scan(
		&l.ID, &l.TenantID, &l.Code, &l.CodeHash, &l.Modules,
		&l.Pricing.Amount, &l.Pricing.Currency, &l.Pricing.Period,
		&l.IssuedAt, &l.ActivatedAt, &l.ExpiresAt, &l.Active, &l.Revoked, &l.RevokedReason, &l.RevokedAt,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (db *DB) queryLicense(ctx context.Context, op, where string, arg any) (*models.License, error) {
	l, err := scanLicense(db.Pool.QueryRow(ctx,
		`SELECT `+licenseColumns+` FROM licenses WHERE `+where, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return l, nil
}

// CreateLicense inserts a newly issued license.
func (db *DB) CreateLicense(ctx context.Context, l *models.License) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO licenses (id, tenant_id, code, code_hash, modules,
			pricing_amount, pricing_currency, pricing_period,
			issued_at, expires_at, active, revoked)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, FALSE, FALSE)
	`, l.ID, l.TenantID, l.Code, l.CodeHash, l.Modules,
		l.Pricing.Amount, l.Pricing.Currency, l.Pricing.Period,
		l.IssuedAt, l.ExpiresAt)
	if err != nil {
		if IsDuplicateKeyError(err) {
			return fmt.Errorf("create license: %w", ErrDuplicateKey)
		}
		return fmt.Errorf("create license: %w", err)
	}
	return nil
}

// GetLicenseByID returns a license by ID.
func (db *DB) GetLicenseByID(ctx context.Context, id uuid.UUID) (*models.License, error) {
	return db.queryLicense(ctx, "get license", "id = $1", id)
}

// GetLicenseByCodeHash returns the license whose code hashes to codeHash.
func (db *DB) GetLicenseByCodeHash(ctx context.Context, codeHash string) (*models.License, error) {
	return db.queryLicense(ctx, "get license by code", "code_hash = $1", codeHash)
}

// ListLicensesByTenant returns all licenses issued to a tenant, newest first.
func (db *DB) ListLicensesByTenant(ctx context.Context, tenantID string) ([]*models.License, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+licenseColumns+` FROM licenses
		WHERE tenant_id = $1
		ORDER BY issued_at DESC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
	}
	defer rows.Close()

	var licenses []*models.License
	for rows.Next() {
		l, err := scanLicense(rows)
		if err != nil {
			return nil, fmt.Errorf("scan license: %w", err)
		}
		licenses = append(licenses, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate licenses: %w", err)
	}
	return licenses, nil
}

// MarkLicenseActivated flips a non-revoked license active. The first
// activation time is kept on repeated calls. ErrConflict is returned if the
// license is revoked.
func (db *DB) MarkLicenseActivated(ctx context.Context, id uuid.UUID, at time.Time) (*models.License, error) {
	l, err := scanLicense(db.Pool.QueryRow(ctx, `
		UPDATE licenses
		SET active = TRUE, activated_at = COALESCE(activated_at, $2)
		WHERE id = $1 AND NOT revoked
		RETURNING `+licenseColumns, id, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, getErr := db.GetLicenseByID(ctx, id); getErr != nil {
				return nil, getErr
			}
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("activate license: %w", err)
	}
	return l, nil
}

// RevokeLicense permanently revokes a license. ErrConflict is returned if it
// was already revoked.
func (db *DB) RevokeLicense(ctx context.Context, id uuid.UUID, reason string, at time.Time) (*models.License, error) {
	l, err := scanLicense(db.Pool.QueryRow(ctx, `
		UPDATE licenses
		SET revoked = TRUE, active = FALSE, revoked_reason = $2, revoked_at = $3
		WHERE id = $1 AND NOT revoked
		RETURNING `+licenseColumns, id, reason, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, getErr := db.GetLicenseByID(ctx, id); getErr != nil {
				return nil, getErr
			}
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("revoke license: %w", err)
	}
	return l, nil
}

// UpdateLicenseExpiration sets a new expiration on a non-revoked license.
// ErrConflict is returned if the license is revoked.
func (db *DB) UpdateLicenseExpiration(ctx context.Context, id uuid.UUID, expiresAt time.Time) (*models.License, error) {
	l, err := scanLicense(db.Pool.QueryRow(ctx, `
		UPDATE licenses SET expires_at = $2
		WHERE id = $1 AND NOT revoked
		RETURNING `+licenseColumns, id, expiresAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, getErr := db.GetLicenseByID(ctx, id); getErr != nil {
				return nil, getErr
			}
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("update license expiration: %w", err)
	}
	return l, nil
}
