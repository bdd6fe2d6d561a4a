// Package api provides the HTTP API for the Custodia server.
package api

import (
	"github.com/custodia-cl/custodia/internal/api/handlers"
	"github.com/custodia-cl/custodia/internal/api/middleware"
	"github.com/custodia-cl/custodia/internal/auth"
	"github.com/custodia-cl/custodia/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Config holds configuration for the API router.
type Config struct {
	// ActivateRateLimit is the number of activation attempts allowed per
	// client within ActivateRatePeriod.
	ActivateRateLimit  int64
	ActivateRatePeriod string
	// MaxBodyBytes caps request bodies.
	MaxBodyBytes int64
	// AuditModule, when set, is the module a tenant must hold to read,
	// write or verify its audit records over the API.
	AuditModule string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ActivateRateLimit:  10,
		ActivateRatePeriod: "1m",
		MaxBodyBytes:       1 << 20,
	}
}

// TenantService validates and administers tenants.
type TenantService interface {
	middleware.TenantValidator
	handlers.TenantAdmin
}

// LicenseService is the entitlement controller.
type LicenseService interface {
	handlers.EntitlementService
	handlers.LicenseAdmin
}

// Dependencies are the components the router serves. Optional fields may be nil.
type Dependencies struct {
	DB          handlers.DatabaseHealthChecker
	Cache       handlers.CacheHealthChecker
	Connections handlers.ConnectionStats
	Gatherer    prometheus.Gatherer
	Metrics     *metrics.PrometheusMetrics

	Resolver middleware.TenantResolver
	Tenants  TenantService
	Licenses LicenseService
	Ledger   handlers.AuditLedger

	// Authenticators are tried in order on every API request.
	Authenticators []middleware.Authenticator
	// OIDC and Sessions enable the browser login flow under /auth.
	OIDC     handlers.OIDCProvider
	Sessions *auth.SessionStore
	// Redis shares rate limit counters between instances.
	Redis *redis.Client
}

// Router wraps a Gin engine with configured middleware and routes.
type Router struct {
	Engine *gin.Engine
	logger zerolog.Logger
}

// NewRouter creates a new Router with the given dependencies.
func NewRouter(cfg Config, deps Dependencies, logger zerolog.Logger) (*Router, error) {
	r := &Router{
		Engine: gin.New(),
		logger: logger.With().Str("component", "router").Logger(),
	}

	// Global middleware
	r.Engine.Use(gin.Recovery())
	r.Engine.Use(middleware.RequestLogger(logger))
	r.Engine.Use(middleware.SecurityHeaders())
	if cfg.MaxBodyBytes > 0 {
		r.Engine.Use(middleware.BodyLimit(cfg.MaxBodyBytes))
	}

	// Health check and metrics endpoints (no auth required)
	healthHandler := handlers.NewHealthHandler(deps.DB, deps.Cache, deps.Connections, deps.Gatherer, logger)
	healthHandler.RegisterPublicRoutes(r.Engine)

	// Browser login (no auth required)
	if deps.OIDC != nil && deps.Sessions != nil {
		authHandler := handlers.NewAuthHandler(deps.OIDC, deps.Sessions, logger)
		authHandler.RegisterRoutes(r.Engine.Group("/auth"))
	}

	activateLimit, err := middleware.NewRateLimiter(cfg.ActivateRateLimit, cfg.ActivateRatePeriod, deps.Redis)
	if err != nil {
		return nil, err
	}

	// API v1 routes (auth required)
	apiV1 := r.Engine.Group("/api/v1")
	apiV1.Use(middleware.AuthMiddleware(logger, deps.Authenticators...))

	// Platform administration acts on a tenant named in the request, so it
	// is not tenant-scoped.
	admin := apiV1.Group("/admin")
	admin.Use(middleware.AuditMiddleware(deps.Ledger, logger))
	adminHandler := handlers.NewAdminHandler(deps.Tenants, deps.Licenses, logger)
	adminHandler.RegisterRoutes(admin)

	// Tenant-scoped routes
	tenantScoped := apiV1.Group("")
	tenantScoped.Use(middleware.TenantMiddleware(deps.Resolver, deps.Tenants, deps.Metrics, logger))
	tenantScoped.Use(middleware.AuditMiddleware(deps.Ledger, logger))

	entitlementsHandler := handlers.NewEntitlementsHandler(deps.Licenses, logger)
	entitlementsHandler.RegisterRoutes(tenantScoped, activateLimit)

	auditGroup := tenantScoped.Group("")
	if cfg.AuditModule != "" {
		auditGroup.Use(middleware.EntitlementGate(deps.Licenses, cfg.AuditModule, logger))
	}
	auditRecordsHandler := handlers.NewAuditRecordsHandler(deps.Ledger, logger)
	auditRecordsHandler.RegisterRoutes(auditGroup)

	r.logger.Info().Msg("API router initialized")
	return r, nil
}
