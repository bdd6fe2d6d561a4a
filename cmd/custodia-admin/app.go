package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/custodia-cl/custodia/internal/config"
	"github.com/custodia-cl/custodia/internal/crypto"
	"github.com/custodia-cl/custodia/internal/db"
	"github.com/custodia-cl/custodia/internal/ledger"
	"github.com/custodia-cl/custodia/internal/license"
	"github.com/custodia-cl/custodia/internal/partition"
	"github.com/custodia-cl/custodia/internal/tenancy"
	"github.com/rs/zerolog"
)

// adminActor is recorded as the actor of audit records written by the CLI.
const adminActor = "custodia-admin"

// app holds the components a command works with.
type app struct {
	db       *db.DB
	driver   partition.Driver
	registry *tenancy.Registry
	manager  *tenancy.Manager
	licenses *license.Controller
	ledger   *ledger.Ledger
	logger   zerolog.Logger
}

func newLogger(verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// openDB connects to the master registry only.
func openDB(ctx context.Context, cfg *config.AdminConfig, logger zerolog.Logger) (*db.DB, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database URL required: use --db, CUSTODIA_DATABASE_URL or the config file")
	}
	dbCfg := db.DefaultConfig(cfg.DatabaseURL)
	dbCfg.MaxConns = 5
	dbCfg.MinConns = 1
	return db.New(ctx, dbCfg, logger)
}

// openApp connects to the registry and the tenant partitions.
func openApp(ctx context.Context, g *globalFlags) (*app, error) {
	logger := newLogger(g.verbose)

	cfg, err := g.load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	masterKey, err := crypto.MasterKeyFromHex(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	km, err := crypto.NewKeyManager(masterKey)
	if err != nil {
		return nil, err
	}
	codec, err := license.NewCodec(km)
	if err != nil {
		return nil, err
	}

	database, err := openDB(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	var driver partition.Driver
	name, dsn := cfg.Partitions()
	if name == config.PartitionDriverSQLite {
		driver, err = partition.NewSQLiteDriver(cfg.PartitionDir, logger)
	} else {
		driver, err = partition.NewPostgresDriver(ctx, dsn, 2, logger)
	}
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("open partition driver: %w", err)
	}

	registry := tenancy.NewRegistry(database, driver, 10*time.Second, logger)
	manager := tenancy.NewManager(driver, registry, tenancy.ManagerConfig{}, logger)

	return &app{
		db:       database,
		driver:   driver,
		registry: registry,
		manager:  manager,
		licenses: license.NewController(database, registry, manager, codec, license.Config{}, logger),
		ledger:   ledger.New(manager, ledger.DefaultConfig(), logger),
		logger:   logger,
	}, nil
}

func (a *app) Close() {
	if err := a.manager.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("failed to close tenant connections")
	}
	if err := a.driver.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("failed to close partition driver")
	}
	a.db.Close()
}

// audit records an administrative action in the tenant's ledger. A failed
// write is reported but does not undo the action.
func (a *app) audit(ctx context.Context, tenantID, action, resourceType, resourceID string, detail map[string]any) {
	_, err := a.ledger.Append(ctx, ledger.Entry{
		TenantID:     tenantID,
		ActorID:      adminActor,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Detail:       detail,
	})
	if err != nil {
		a.logger.Warn().Err(err).Str("tenant_id", tenantID).Str("action", action).Msg("failed to record audit entry")
	}
}

// redactURL hides the password of a connection URL.
func redactURL(raw string) string {
	if raw == "" {
		return "(not set)"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "(unparseable)"
	}
	return u.Redacted()
}
