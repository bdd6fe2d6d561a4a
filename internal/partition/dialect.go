package partition

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	sq "github.com/Masterminds/squirrel"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// dialect captures what differs between the partition backends.
type dialect struct {
	name    string
	goose   goose.Dialect
	dir     string
	builder sq.StatementBuilderType
	// chainLock is executed at the start of an append transaction to
	// serialize writers on the audit chain. Empty when the transaction
	// itself already holds a write lock.
	chainLock string
}

var (
	postgresDialect = dialect{
		name:      "postgres",
		goose:     goose.DialectPostgres,
		dir:       "migrations/postgres",
		builder:   sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		chainLock: "LOCK TABLE audit_records IN SHARE ROW EXCLUSIVE MODE",
	}
	sqliteDialect = dialect{
		name:    "sqlite",
		goose:   goose.DialectSQLite3,
		dir:     "migrations/sqlite",
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Question),
	}
)

// migrate applies the dialect's partition migrations to db.
func (d dialect) migrate(ctx context.Context, db *sql.DB) (int, error) {
	migrations, err := fs.Sub(migrationsFS, d.dir)
	if err != nil {
		return 0, fmt.Errorf("open %s migrations: %w", d.name, err)
	}
	provider, err := goose.NewProvider(d.goose, db, migrations)
	if err != nil {
		return 0, fmt.Errorf("create migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return 0, fmt.Errorf("apply partition migrations: %w", err)
	}
	return len(results), nil
}
