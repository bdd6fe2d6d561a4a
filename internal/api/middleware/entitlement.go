package middleware

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// AccessChecker decides whether a tenant may use a module.
type AccessChecker interface {
	CheckAccess(ctx context.Context, tenantID, module string) bool
}

// EntitlementGate returns a Gin middleware that blocks requests unless the
// validated tenant holds an active grant for module. Must run after
// TenantMiddleware.
func EntitlementGate(checker AccessChecker, module string, logger zerolog.Logger) gin.HandlerFunc {
	log := logger.With().Str("component", "entitlement_gate").Str("module", module).Logger()

	return func(c *gin.Context) {
		t := RequireTenant(c)
		if t == nil {
			return
		}

		if !checker.CheckAccess(c.Request.Context(), t.ID, module) {
			log.Debug().Str("tenant_id", t.ID).Msg("module access denied")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "module not available"})
			return
		}
		c.Next()
	}
}
