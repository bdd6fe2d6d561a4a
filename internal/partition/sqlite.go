package partition

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// partitionNamePattern restricts partition names to identifiers that are
// safe both as file names and as SQL schema names.
var partitionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,63}$`)

func checkPartitionName(name string) error {
	if !partitionNamePattern.MatchString(name) {
		return fmt.Errorf("invalid partition name %q", name)
	}
	return nil
}

// SQLiteDriver keeps each tenant partition in its own database file.
type SQLiteDriver struct {
	dir    string
	logger zerolog.Logger
}

// NewSQLiteDriver creates a driver storing partition files under dir.
func NewSQLiteDriver(dir string, logger zerolog.Logger) (*SQLiteDriver, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create partition directory: %w", err)
	}
	return &SQLiteDriver{
		dir:    dir,
		logger: logger.With().Str("component", "partition_sqlite").Logger(),
	}, nil
}

func (d *SQLiteDriver) Name() string { return "sqlite" }

func (d *SQLiteDriver) path(name string) string {
	return filepath.Join(d.dir, name+".db")
}

// dsn opens writers with BEGIN IMMEDIATE so an append transaction holds the
// database write lock from its first statement.
func (d *SQLiteDriver) dsn(name string) string {
	return "file:" + d.path(name) +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
}

// Create provisions the partition file and applies migrations.
func (d *SQLiteDriver) Create(ctx context.Context, partitionName string) error {
	if err := checkPartitionName(partitionName); err != nil {
		return err
	}

	db, err := sql.Open("sqlite", d.dsn(partitionName))
	if err != nil {
		return fmt.Errorf("open partition %s: %w", partitionName, err)
	}
	defer db.Close()

	applied, err := sqliteDialect.migrate(ctx, db)
	if err != nil {
		return fmt.Errorf("migrate partition %s: %w", partitionName, err)
	}

	d.logger.Info().
		Str("partition", partitionName).
		Int("migrations_applied", applied).
		Msg("partition provisioned")
	return nil
}

// Open opens an existing partition file.
func (d *SQLiteDriver) Open(ctx context.Context, tenantID, partitionName string) (Handle, error) {
	if err := checkPartitionName(partitionName); err != nil {
		return nil, err
	}
	if _, err := os.Stat(d.path(partitionName)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: partition %s is not provisioned", ErrUnavailable, partitionName)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	db, err := sql.Open("sqlite", d.dsn(partitionName))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return newSQLHandle(db, tenantID, sqliteDialect, nil), nil
}

// Close is a no-op; handles own their files.
func (d *SQLiteDriver) Close() error { return nil }
