package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/custodia-cl/custodia/internal/api/middleware"
	"github.com/custodia-cl/custodia/internal/auth"
	"github.com/custodia-cl/custodia/internal/license"
	"github.com/custodia-cl/custodia/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// EntitlementService is the tenant-facing part of the entitlement controller.
type EntitlementService interface {
	CheckAccess(ctx context.Context, tenantID, module string) bool
	ActivateLicense(ctx context.Context, code, tenantID string) ([]*models.ModuleGrant, error)
	RecordUsage(ctx context.Context, tenantID, module string, delta models.GrantUsage) (*models.ModuleGrant, error)
	ListGrants(ctx context.Context, tenantID string) ([]*models.ModuleGrant, error)
	ListLicenses(ctx context.Context, tenantID string) ([]*models.License, error)
}

// EntitlementsHandler handles module access, activation and grant endpoints
// for the resolved tenant.
type EntitlementsHandler struct {
	service EntitlementService
	logger  zerolog.Logger
}

// NewEntitlementsHandler creates a new EntitlementsHandler.
func NewEntitlementsHandler(service EntitlementService, logger zerolog.Logger) *EntitlementsHandler {
	return &EntitlementsHandler{
		service: service,
		logger:  logger.With().Str("component", "entitlements_handler").Logger(),
	}
}

// RegisterRoutes registers entitlement routes on a tenant-scoped group.
// activateLimit throttles activation attempts and may be nil.
func (h *EntitlementsHandler) RegisterRoutes(r *gin.RouterGroup, activateLimit gin.HandlerFunc) {
	r.GET("/access/:module", middleware.RequirePermission(auth.PermAccessCheck, h.logger), h.CheckAccess)
	r.GET("/grants", middleware.RequirePermission(auth.PermGrantRead, h.logger), h.ListGrants)
	r.POST("/grants/:module/usage", middleware.RequirePermission(auth.PermUsageRecord, h.logger), h.RecordUsage)
	r.GET("/licenses", middleware.RequirePermission(auth.PermGrantRead, h.logger), h.ListLicenses)

	activate := []gin.HandlerFunc{middleware.RequirePermission(auth.PermLicenseActivate, h.logger)}
	if activateLimit != nil {
		activate = append([]gin.HandlerFunc{activateLimit}, activate...)
	}
	r.POST("/licenses/activate", append(activate, h.Activate)...)
}

// AccessResponse is the response for an access check.
type AccessResponse struct {
	Module  string `json:"module"`
	Allowed bool   `json:"allowed"`
}

// CheckAccess reports whether the tenant may use a module.
// GET /api/v1/access/:module
func (h *EntitlementsHandler) CheckAccess(c *gin.Context) {
	t := middleware.RequireTenant(c)
	if t == nil {
		return
	}
	module := strings.ToUpper(c.Param("module"))
	c.JSON(http.StatusOK, AccessResponse{
		Module:  module,
		Allowed: h.service.CheckAccess(c.Request.Context(), t.ID, module),
	})
}

// ActivateRequest is the request body for license activation.
type ActivateRequest struct {
	Code string `json:"code" binding:"required,max=4096"`
}

// GrantsResponse lists module grants.
type GrantsResponse struct {
	Grants []*models.ModuleGrant `json:"grants"`
}

// Activate activates a license code for the tenant.
// POST /api/v1/licenses/activate
func (h *EntitlementsHandler) Activate(c *gin.Context) {
	t := middleware.RequireTenant(c)
	if t == nil {
		return
	}
	info := middleware.Audit(c)
	info.Action = "license.activate"
	info.ResourceType = "license"

	var req ActivateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	grants, err := h.service.ActivateLicense(c.Request.Context(), req.Code, t.ID)
	if err != nil {
		switch {
		case errors.Is(err, license.ErrInvalidLicenseCode):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid license code"})
		case errors.Is(err, license.ErrTenantMismatch):
			c.JSON(http.StatusForbidden, gin.H{"error": "license not valid for this tenant"})
		case errors.Is(err, license.ErrLicenseExpired):
			c.JSON(http.StatusGone, gin.H{"error": "license expired"})
		case errors.Is(err, license.ErrLicenseRevoked):
			c.JSON(http.StatusGone, gin.H{"error": "license revoked"})
		default:
			if !writePartitionError(c, err) {
				internalError(c, h.logger, err, "failed to activate license")
			}
		}
		return
	}

	modules := make([]string, 0, len(grants))
	for _, g := range grants {
		modules = append(modules, g.ModuleCode)
	}
	if len(grants) > 0 {
		info.ResourceID = grants[0].LicenseID.String()
	}
	info.Detail = map[string]any{"modules": modules}

	c.JSON(http.StatusOK, GrantsResponse{Grants: grants})
}

// ListGrants returns the tenant's module grants.
// GET /api/v1/grants
func (h *EntitlementsHandler) ListGrants(c *gin.Context) {
	t := middleware.RequireTenant(c)
	if t == nil {
		return
	}
	grants, err := h.service.ListGrants(c.Request.Context(), t.ID)
	if err != nil {
		if !writePartitionError(c, err) {
			internalError(c, h.logger, err, "failed to list grants")
		}
		return
	}
	c.JSON(http.StatusOK, GrantsResponse{Grants: grants})
}

// UsageRequest is the request body for a usage update. Values are deltas.
type UsageRequest struct {
	Users        int64 `json:"users"`
	Records      int64 `json:"records"`
	StorageBytes int64 `json:"storage_bytes"`
}

// UsageResponse is the response for a usage update.
type UsageResponse struct {
	Grant   *models.ModuleGrant `json:"grant"`
	Warning string              `json:"warning,omitempty"`
}

// RecordUsage adds to a grant's usage counters. Crossing a ceiling is
// reported as a warning and does not fail the request.
// POST /api/v1/grants/:module/usage
func (h *EntitlementsHandler) RecordUsage(c *gin.Context) {
	t := middleware.RequireTenant(c)
	if t == nil {
		return
	}
	module := strings.ToUpper(c.Param("module"))
	info := middleware.Audit(c)
	info.Action = "module_grant.usage"
	info.ResourceID = module

	var req UsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	grant, err := h.service.RecordUsage(c.Request.Context(), t.ID, module, models.GrantUsage{
		Users:        req.Users,
		Records:      req.Records,
		StorageBytes: req.StorageBytes,
	})
	resp := UsageResponse{Grant: grant}
	switch {
	case errors.Is(err, license.ErrQuotaExceeded):
		resp.Warning = err.Error()
	case errors.Is(err, license.ErrGrantNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "module grant not found"})
		return
	case err != nil:
		if !writePartitionError(c, err) {
			internalError(c, h.logger, err, "failed to record usage")
		}
		return
	}
	info.Detail = map[string]any{"users": req.Users, "records": req.Records, "storage_bytes": req.StorageBytes}
	c.JSON(http.StatusOK, resp)
}

// LicensesResponse lists licenses.
type LicensesResponse struct {
	Licenses []*models.License `json:"licenses"`
}

// ListLicenses returns the licenses issued to the tenant.
// GET /api/v1/licenses
func (h *EntitlementsHandler) ListLicenses(c *gin.Context) {
	t := middleware.RequireTenant(c)
	if t == nil {
		return
	}
	licenses, err := h.service.ListLicenses(c.Request.Context(), t.ID)
	if err != nil {
		internalError(c, h.logger, err, "failed to list licenses")
		return
	}
	out := make([]*models.License, 0, len(licenses))
	for _, l := range licenses {
		redacted := *l
		redacted.Code = ""
		out = append(out, &redacted)
	}
	c.JSON(http.StatusOK, LicensesResponse{Licenses: out})
}
