// Package middleware provides HTTP middleware for the Custodia API.
package middleware

import (
	"net/http"

	"github.com/custodia-cl/custodia/internal/auth"
	"github.com/custodia-cl/custodia/internal/models"
	"github.com/gin-gonic/gin"
)

// ContextKey is the type for context keys used by this package.
type ContextKey string

const (
	// PrincipalContextKey is the context key for the authenticated principal.
	PrincipalContextKey ContextKey = "principal"
	// TenantContextKey is the context key for the validated tenant.
	TenantContextKey ContextKey = "tenant"
	// AuditContextKey is the context key for handler supplied audit details.
	AuditContextKey ContextKey = "audit"
)

// tenantDenied is the single response for every tenant that may not be
// served, so callers cannot tell an unknown tenant from an inactive one.
var tenantDenied = gin.H{"error": "tenant access denied"}

// GetPrincipal retrieves the authenticated principal from the Gin context.
// Returns nil if no principal is authenticated.
func GetPrincipal(c *gin.Context) *auth.Principal {
	v, exists := c.Get(string(PrincipalContextKey))
	if !exists {
		return nil
	}
	p, _ := v.(*auth.Principal)
	return p
}

// RequirePrincipal gets the authenticated principal or aborts with 401.
func RequirePrincipal(c *gin.Context) *auth.Principal {
	p := GetPrincipal(c)
	if p == nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return nil
	}
	return p
}

// GetTenant retrieves the tenant validated by TenantMiddleware.
func GetTenant(c *gin.Context) *models.Tenant {
	v, exists := c.Get(string(TenantContextKey))
	if !exists {
		return nil
	}
	t, _ := v.(*models.Tenant)
	return t
}

// RequireTenant gets the validated tenant or aborts with the tenant denial.
func RequireTenant(c *gin.Context) *models.Tenant {
	t := GetTenant(c)
	if t == nil {
		c.AbortWithStatusJSON(http.StatusForbidden, tenantDenied)
		return nil
	}
	return t
}
