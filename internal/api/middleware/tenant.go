package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/custodia-cl/custodia/internal/auth"
	"github.com/custodia-cl/custodia/internal/metrics"
	"github.com/custodia-cl/custodia/internal/models"
	"github.com/custodia-cl/custodia/internal/tenancy"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// TenantResolver maps a request to a tenant identifier.
type TenantResolver interface {
	Resolve(r *http.Request) (string, error)
}

// TenantValidator checks that a tenant exists and may be served.
type TenantValidator interface {
	Validate(ctx context.Context, id string) (*models.Tenant, error)
}

// TenantMiddleware resolves the request's tenant and validates it against the
// master registry. Unresolved, unknown and inactive tenants all receive the
// same 403 body. A principal bound to another tenant is denied the same way
// unless it is a platform administrator.
func TenantMiddleware(resolver TenantResolver, validator TenantValidator, m *metrics.PrometheusMetrics, logger zerolog.Logger) gin.HandlerFunc {
	log := logger.With().Str("component", "tenant_middleware").Logger()

	deny := func(c *gin.Context, outcome, tenantID string, err error) {
		m.RecordTenantResolution(outcome)
		log.Debug().Err(err).
			Str("tenant_id", tenantID).
			Str("outcome", outcome).
			Str("path", c.Request.URL.Path).
			Msg("tenant access denied")
		c.AbortWithStatusJSON(http.StatusForbidden, tenantDenied)
	}

	return func(c *gin.Context) {
		tenantID, err := resolver.Resolve(c.Request)
		if err != nil {
			deny(c, "unresolved", "", err)
			return
		}

		if p := GetPrincipal(c); p != nil && p.TenantID != tenantID && !p.HasRole(auth.RolePlatformAdmin) {
			deny(c, "mismatch", tenantID, nil)
			return
		}

		t, err := validator.Validate(c.Request.Context(), tenantID)
		switch {
		case errors.Is(err, tenancy.ErrTenantNotFound):
			deny(c, "not_found", tenantID, err)
			return
		case errors.Is(err, tenancy.ErrTenantInactive):
			deny(c, "inactive", tenantID, err)
			return
		case err != nil:
			m.RecordTenantResolution("error")
			log.Error().Err(err).Str("tenant_id", tenantID).Msg("failed to validate tenant")
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "tenant registry unavailable"})
			return
		}

		m.RecordTenantResolution("resolved")
		c.Set(string(TenantContextKey), t)
		c.Request = c.Request.WithContext(tenancy.WithTenantID(c.Request.Context(), t.ID))
		c.Next()
	}
}
