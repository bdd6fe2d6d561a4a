package partition

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
)

// PostgresDriver keeps each tenant partition in its own schema. Every handle
// gets a dedicated pool whose search_path is pinned to the tenant schema.
type PostgresDriver struct {
	admin             *pgxpool.Pool
	dsn               string
	maxConnsPerTenant int32
	logger            zerolog.Logger
}

// NewPostgresDriver connects the administrative pool used for provisioning.
func NewPostgresDriver(ctx context.Context, dsn string, maxConnsPerTenant int32, logger zerolog.Logger) (*PostgresDriver, error) {
	admin, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create partition admin pool: %w", err)
	}
	if err := admin.Ping(ctx); err != nil {
		admin.Close()
		return nil, fmt.Errorf("ping partition database: %w", err)
	}
	if maxConnsPerTenant <= 0 {
		maxConnsPerTenant = 4
	}
	return &PostgresDriver{
		admin:             admin,
		dsn:               dsn,
		maxConnsPerTenant: maxConnsPerTenant,
		logger:            logger.With().Str("component", "partition_postgres").Logger(),
	}, nil
}

func (d *PostgresDriver) Name() string { return "postgres" }

func (d *PostgresDriver) openPool(ctx context.Context, schema string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(d.dsn)
	if err != nil {
		return nil, fmt.Errorf("parse partition DSN: %w", err)
	}
	cfg.MaxConns = d.maxConnsPerTenant
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	return pgxpool.NewWithConfig(ctx, cfg)
}

// Create provisions the tenant schema and applies migrations inside it.
func (d *PostgresDriver) Create(ctx context.Context, partitionName string) error {
	if err := checkPartitionName(partitionName); err != nil {
		return err
	}

	schema := pgx.Identifier{partitionName}.Sanitize()
	if _, err := d.admin.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+schema); err != nil {
		return fmt.Errorf("create schema %s: %w", partitionName, err)
	}

	pool, err := d.openPool(ctx, partitionName)
	if err != nil {
		return fmt.Errorf("open partition %s: %w", partitionName, err)
	}
	defer pool.Close()

	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	applied, err := postgresDialect.migrate(ctx, db)
	if err != nil {
		return fmt.Errorf("migrate partition %s: %w", partitionName, err)
	}

	d.logger.Info().
		Str("partition", partitionName).
		Int("migrations_applied", applied).
		Msg("partition provisioned")
	return nil
}

// Open returns a handle on an existing tenant schema.
func (d *PostgresDriver) Open(ctx context.Context, tenantID, partitionName string) (Handle, error) {
	if err := checkPartitionName(partitionName); err != nil {
		return nil, err
	}

	var exists bool
	err := d.admin.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.schemata WHERE schema_name = $1)`,
		partitionName).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: partition %s is not provisioned", ErrUnavailable, partitionName)
	}

	pool, err := d.openPool(ctx, partitionName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return newSQLHandle(stdlib.OpenDBFromPool(pool), tenantID, postgresDialect, pool.Close), nil
}

// Close closes the administrative pool.
func (d *PostgresDriver) Close() error {
	d.admin.Close()
	return nil
}
