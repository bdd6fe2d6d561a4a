package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// HealthStatus represents the health status of a component.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheckResult represents the result of a health check.
type HealthCheckResult struct {
	Status   HealthStatus   `json:"status"`
	Duration string         `json:"duration,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// HealthResponse is the response for health check endpoints.
type HealthResponse struct {
	Status HealthStatus                  `json:"status"`
	Checks map[string]*HealthCheckResult `json:"checks,omitempty"`
}

// DatabaseHealthChecker defines the interface for master registry health checking.
type DatabaseHealthChecker interface {
	Ping(ctx context.Context) error
	Health() map[string]any
}

// CacheHealthChecker defines the interface for the shared access cache.
type CacheHealthChecker interface {
	Ping(ctx context.Context) error
}

// ConnectionStats reports the tenant connection cache.
type ConnectionStats func() (open, inFlight int)

// HealthHandler handles health and metrics endpoints.
type HealthHandler struct {
	db       DatabaseHealthChecker
	cache    CacheHealthChecker
	conns    ConnectionStats
	gatherer prometheus.Gatherer
	logger   zerolog.Logger
}

// NewHealthHandler creates a new HealthHandler. cache and conns are optional.
func NewHealthHandler(db DatabaseHealthChecker, cache CacheHealthChecker, conns ConnectionStats, gatherer prometheus.Gatherer, logger zerolog.Logger) *HealthHandler {
	return &HealthHandler{
		db:       db,
		cache:    cache,
		conns:    conns,
		gatherer: gatherer,
		logger:   logger.With().Str("component", "health_handler").Logger(),
	}
}

// RegisterPublicRoutes registers routes that don't require authentication.
func (h *HealthHandler) RegisterPublicRoutes(r *gin.Engine) {
	r.GET("/health", h.Overall)
	if h.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}
}

// Overall returns the overall server health status.
// GET /health
func (h *HealthHandler) Overall(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	response := &HealthResponse{
		Status: HealthStatusHealthy,
		Checks: map[string]*HealthCheckResult{
			"database": h.checkDatabase(ctx),
		},
	}
	if h.cache != nil {
		response.Checks["cache"] = h.check(ctx, "cache", h.cache.Ping)
	}
	if h.conns != nil {
		open, inFlight := h.conns()
		response.Checks["tenant_connections"] = &HealthCheckResult{
			Status:  HealthStatusHealthy,
			Details: map[string]any{"open": open, "in_flight": inFlight},
		}
	}

	for _, result := range response.Checks {
		if result.Status == HealthStatusUnhealthy {
			response.Status = HealthStatusUnhealthy
			c.JSON(http.StatusServiceUnavailable, response)
			return
		}
	}
	c.JSON(http.StatusOK, response)
}

func (h *HealthHandler) checkDatabase(ctx context.Context) *HealthCheckResult {
	if h.db == nil {
		return &HealthCheckResult{Status: HealthStatusUnhealthy, Error: "database not configured"}
	}
	result := h.check(ctx, "database", h.db.Ping)
	if result.Status == HealthStatusHealthy {
		result.Details = h.db.Health()
	}
	return result
}

func (h *HealthHandler) check(ctx context.Context, name string, ping func(context.Context) error) *HealthCheckResult {
	start := time.Now()
	err := ping(ctx)
	result := &HealthCheckResult{Status: HealthStatusHealthy, Duration: time.Since(start).String()}
	if err != nil {
		result.Status = HealthStatusUnhealthy
		result.Error = name + " ping failed"
		h.logger.Warn().Err(err).Str("check", name).Msg("health check failed")
	}
	return result
}
