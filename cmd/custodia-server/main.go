// Package main is the Custodia server: tenant resolution, entitlements and
// the tamper-evident audit ledger behind one HTTP API.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/custodia-cl/custodia/internal/anchor"
	"github.com/custodia-cl/custodia/internal/api"
	"github.com/custodia-cl/custodia/internal/api/middleware"
	"github.com/custodia-cl/custodia/internal/auth"
	"github.com/custodia-cl/custodia/internal/config"
	"github.com/custodia-cl/custodia/internal/crypto"
	"github.com/custodia-cl/custodia/internal/db"
	"github.com/custodia-cl/custodia/internal/ledger"
	"github.com/custodia-cl/custodia/internal/license"
	"github.com/custodia-cl/custodia/internal/maintenance"
	"github.com/custodia-cl/custodia/internal/metrics"
	"github.com/custodia-cl/custodia/internal/partition"
	"github.com/custodia-cl/custodia/internal/tenancy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("version", Version).Logger()
	if os.Getenv("CUSTODIA_ENV") != string(config.EnvProduction) {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	logger.Info().
		Str("commit", Commit).
		Str("build_date", BuildDate).
		Msg("Starting Custodia server")

	cfg, err := config.LoadServerConfig()
	if err != nil {
		logger.Error().Err(err).Msg("Invalid configuration")
		return 1
	}

	// Master registry
	database, err := db.New(ctx, db.DefaultConfig(cfg.DatabaseURL), logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to connect to database")
		return 1
	}
	defer database.Close()

	if err := database.Migrate(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to run database migrations")
		return 1
	}

	masterKey, err := crypto.MasterKeyFromHex(cfg.EncryptionKey)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to decode CUSTODIA_ENCRYPTION_KEY")
		return 1
	}
	keyManager, err := crypto.NewKeyManager(masterKey)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize key manager")
		return 1
	}
	codec, err := license.NewCodec(keyManager)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize license codec")
		return 1
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.NewPrometheusMetrics(reg)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to register metrics")
		return 1
	}

	// Tenant partitions
	driver, err := openPartitionDriver(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Str("driver", cfg.PartitionDriver).Msg("Failed to open partition driver")
		return 1
	}
	defer driver.Close()

	registry := tenancy.NewRegistry(database, driver, cfg.ResolveTimeout, logger)
	manager := tenancy.NewManager(driver, registry, tenancy.ManagerConfig{
		IdleTimeout: cfg.ConnIdleTimeout,
		OpenTimeout: cfg.ResolveTimeout,
	}, logger)
	defer manager.Close()

	connStats := func() (int, int) {
		s := manager.Stats()
		return s.Open, s.InFlight
	}
	if err := m.RegisterConnectionStats(connStats); err != nil {
		logger.Error().Err(err).Msg("Failed to register connection metrics")
		return 1
	}

	// Entitlements
	controllerOpts := []license.Option{license.WithMetrics(m)}
	var deps api.Dependencies
	if cfg.RedisURL != "" {
		cache, err := license.NewRedisAccessCache(cfg.RedisURL, cfg.AccessCacheTTL)
		if err != nil {
			logger.Error().Err(err).Msg("Invalid CUSTODIA_REDIS_URL")
			return 1
		}
		defer cache.Close()
		if err := cache.Ping(ctx); err != nil {
			logger.Warn().Err(err).Msg("Redis unreachable at startup (access checks fall back to partitions)")
		}
		controllerOpts = append(controllerOpts, license.WithCache(cache))
		deps.Cache = cache
		deps.Redis = cache.Client()
	}
	controller := license.NewController(database, registry, manager, codec, license.Config{
		CheckTimeout: cfg.EntitlementTimeout,
		CacheTTL:     cfg.AccessCacheTTL,
	}, logger, controllerOpts...)

	// Audit ledger
	ledgerOpts := []ledger.Option{ledger.WithMetrics(m)}
	if cfg.SuspicionPolicyFile != "" {
		policy, err := ledger.LoadSuspicionPolicy(cfg.SuspicionPolicyFile)
		if err != nil {
			logger.Error().Err(err).Str("file", cfg.SuspicionPolicyFile).Msg("Failed to load suspicion policy")
			return 1
		}
		ledgerOpts = append(ledgerOpts, ledger.WithPolicy(policy))
	}
	ledgerCfg := ledger.DefaultConfig()
	ledgerCfg.WriteTimeout = cfg.LedgerWriteTimeout
	ledgerCfg.MaxAttempts = cfg.LedgerMaxAttempts
	ledgerCfg.MinorIssuesRatio = cfg.MinorIssuesRatio
	auditLedger := ledger.New(manager, ledgerCfg, logger, ledgerOpts...)

	// Authentication
	sessionCfg := auth.DefaultSessionConfig([]byte(cfg.SessionSecret), cfg.SecureCookies())
	sessionCfg.MaxAge = cfg.SessionMaxAge
	sessions, err := auth.NewSessionStore(sessionCfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize session store")
		return 1
	}

	resolverCfg := tenancy.ResolverConfig{
		Header:      cfg.TenantHeader,
		Session:     sessions,
		BaseDomain:  cfg.BaseDomain,
		PublicPaths: cfg.PublicPaths,
	}
	var authenticators []middleware.Authenticator
	if cfg.OIDCIssuer != "" {
		oidc, err := auth.NewOIDC(ctx, auth.DefaultOIDCConfig(
			cfg.OIDCIssuer, cfg.OIDCClientID, cfg.OIDCClientSecret, cfg.OIDCRedirectURL,
		), logger)
		if err != nil {
			logger.Error().Err(err).Str("issuer", cfg.OIDCIssuer).Msg("Failed to initialize OIDC provider")
			return 1
		}
		bearer := auth.NewBearerAuthenticator(oidc)
		authenticators = append(authenticators, bearer)
		resolverCfg.Bearer = bearer
		if cfg.LoginEnabled() {
			deps.OIDC = oidc
			deps.Sessions = sessions
		}
		logger.Info().Str("issuer", cfg.OIDCIssuer).Bool("login", cfg.LoginEnabled()).Msg("OIDC provider initialized")
	} else {
		logger.Warn().Msg("OIDC not configured - only existing sessions can authenticate")
	}
	authenticators = append(authenticators, sessions)

	// Chain anchoring
	var anchorer maintenance.ChainAnchorer
	if cfg.AnchoringEnabled() {
		s3Client, err := anchor.NewS3Client(ctx, anchor.S3Config{
			Endpoint:        cfg.AnchorEndpoint,
			Bucket:          cfg.AnchorBucket,
			Prefix:          cfg.AnchorPrefix,
			Region:          cfg.AnchorRegion,
			AccessKeyID:     cfg.AnchorKeyID,
			SecretAccessKey: cfg.AnchorSecret,
			UseSSL:          cfg.AnchorUseSSL,
		})
		if err != nil {
			logger.Error().Err(err).Msg("Failed to initialize anchor storage")
			return 1
		}
		anchorer = anchor.NewPublisher(s3Client, cfg.AnchorBucket, cfg.AnchorPrefix, auditLedger, registry, m, logger)
	}

	// Router
	deps.DB = database
	deps.Connections = connStats
	deps.Gatherer = reg
	deps.Metrics = m
	deps.Resolver = tenancy.NewResolver(resolverCfg)
	deps.Tenants = registry
	deps.Licenses = controller
	deps.Ledger = auditLedger
	deps.Authenticators = authenticators

	routerCfg := api.DefaultConfig()
	routerCfg.ActivateRateLimit = cfg.ActivationRateLimit
	routerCfg.ActivateRatePeriod = cfg.ActivationRatePeriod
	routerCfg.MaxBodyBytes = cfg.MaxBodyBytes
	routerCfg.AuditModule = cfg.AuditModule

	router, err := api.NewRouter(routerCfg, deps, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize router")
		return 1
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router.Engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Background jobs
	scheduler := maintenance.NewScheduler(manager, controller, anchorer, maintenance.Config{
		ReapSchedule:   cfg.ReapSchedule,
		SweepSchedule:  cfg.ExpirySweepSchedule,
		AnchorSchedule: cfg.AnchorSchedule,
		JobTimeout:     cfg.JobTimeout,
	}, logger)
	if err := scheduler.Start(); err != nil {
		logger.Error().Err(err).Msg("Failed to start maintenance scheduler")
		return 1
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down server")
	case err := <-serverErr:
		logger.Error().Err(err).Msg("HTTP server error")
		exitCode = 1
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown error")
		exitCode = 1
	}

	select {
	case <-scheduler.Stop().Done():
	case <-shutdownCtx.Done():
		logger.Warn().Msg("Maintenance jobs still running at shutdown")
	}

	logger.Info().Msg("Server stopped")
	return exitCode
}

func openPartitionDriver(ctx context.Context, cfg config.ServerConfig, logger zerolog.Logger) (partition.Driver, error) {
	if cfg.PartitionDriver == config.PartitionDriverSQLite {
		return partition.NewSQLiteDriver(cfg.PartitionDir, logger)
	}
	return partition.NewPostgresDriver(ctx, cfg.PartitionDSN, cfg.MaxConnsPerTenant, logger)
}
