package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/custodia-cl/custodia/internal/api/middleware"
	"github.com/custodia-cl/custodia/internal/auth"
	"github.com/custodia-cl/custodia/internal/license"
	"github.com/custodia-cl/custodia/internal/models"
	"github.com/custodia-cl/custodia/internal/tenancy"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TenantAdmin manages tenants in the master registry.
type TenantAdmin interface {
	Get(ctx context.Context, id string) (*models.Tenant, error)
	List(ctx context.Context) ([]*models.Tenant, error)
	Onboard(ctx context.Context, req tenancy.OnboardRequest) (*models.Tenant, error)
	Transition(ctx context.Context, id string, next models.TenantStatus) (*models.Tenant, error)
}

// LicenseAdmin issues and manages licenses.
type LicenseAdmin interface {
	IssueLicense(ctx context.Context, req license.IssueRequest) (*models.License, error)
	GetLicense(ctx context.Context, id uuid.UUID) (*models.License, error)
	RevokeLicense(ctx context.Context, id uuid.UUID, reason string) (*models.License, error)
	ExtendLicense(ctx context.Context, id uuid.UUID, additionalMonths int) (*models.License, error)
}

// AdminHandler handles platform administration endpoints. Every mutation is
// audited in the ledger of the tenant it affects.
type AdminHandler struct {
	tenants  TenantAdmin
	licenses LicenseAdmin
	logger   zerolog.Logger
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(tenants TenantAdmin, licenses LicenseAdmin, logger zerolog.Logger) *AdminHandler {
	return &AdminHandler{
		tenants:  tenants,
		licenses: licenses,
		logger:   logger.With().Str("component", "admin_handler").Logger(),
	}
}

// RegisterRoutes registers admin routes on the given router group.
func (h *AdminHandler) RegisterRoutes(r *gin.RouterGroup) {
	tenants := r.Group("/tenants", middleware.RequirePermission(auth.PermTenantManage, h.logger))
	{
		tenants.GET("", h.ListTenants)
		tenants.POST("", h.CreateTenant)
		tenants.GET("/:id", h.GetTenant)
		tenants.PATCH("/:id/status", h.UpdateTenantStatus)
	}

	licenses := r.Group("/licenses", middleware.RequirePermission(auth.PermLicenseManage, h.logger))
	{
		licenses.POST("", h.IssueLicense)
		licenses.GET("/:id", h.GetLicense)
		licenses.POST("/:id/revoke", h.RevokeLicense)
		licenses.POST("/:id/extend", h.ExtendLicense)
	}
}

// TenantsResponse lists tenants.
type TenantsResponse struct {
	Tenants []*models.Tenant `json:"tenants"`
}

// ListTenants returns every tenant.
// GET /api/v1/admin/tenants
func (h *AdminHandler) ListTenants(c *gin.Context) {
	tenants, err := h.tenants.List(c.Request.Context())
	if err != nil {
		internalError(c, h.logger, err, "failed to list tenants")
		return
	}
	c.JSON(http.StatusOK, TenantsResponse{Tenants: tenants})
}

// GetTenant returns one tenant.
// GET /api/v1/admin/tenants/:id
func (h *AdminHandler) GetTenant(c *gin.Context) {
	t, err := h.tenants.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeTenantError(c, err, "failed to get tenant")
		return
	}
	c.JSON(http.StatusOK, t)
}

// CreateTenant onboards a tenant and provisions its partition.
// POST /api/v1/admin/tenants
func (h *AdminHandler) CreateTenant(c *gin.Context) {
	var req tenancy.OnboardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	t, err := h.tenants.Onboard(c.Request.Context(), req)
	if err != nil {
		h.writeTenantError(c, err, "failed to onboard tenant")
		return
	}

	info := middleware.Audit(c)
	info.TenantID = t.ID
	info.Action = "tenant.onboard"
	info.ResourceID = t.ID
	info.Detail = map[string]any{"partition": t.PartitionName, "plan": t.Plan}

	c.JSON(http.StatusCreated, t)
}

// UpdateTenantStatusRequest is the request body for a status change.
type UpdateTenantStatusRequest struct {
	Status models.TenantStatus `json:"status" binding:"required"`
}

// UpdateTenantStatus moves a tenant to another lifecycle status.
// PATCH /api/v1/admin/tenants/:id/status
func (h *AdminHandler) UpdateTenantStatus(c *gin.Context) {
	id := c.Param("id")

	var req UpdateTenantStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	before, err := h.tenants.Get(c.Request.Context(), id)
	if err != nil {
		h.writeTenantError(c, err, "failed to get tenant")
		return
	}

	info := middleware.Audit(c)
	info.TenantID = id
	info.Action = "tenant.status_change"
	info.ResourceID = id
	info.Detail = map[string]any{"from": string(before.Status), "to": string(req.Status)}

	t, err := h.tenants.Transition(c.Request.Context(), id, req.Status)
	if err != nil {
		h.writeTenantError(c, err, "failed to change tenant status")
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *AdminHandler) writeTenantError(c *gin.Context, err error, msg string) {
	var verrs validator.ValidationErrors
	switch {
	case errors.Is(err, tenancy.ErrTenantNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "tenant not found"})
	case errors.Is(err, tenancy.ErrInvalidTenantID), errors.As(err, &verrs):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, tenancy.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		internalError(c, h.logger, err, msg)
	}
}

// IssueLicense issues a license. The response carries the activation code.
// POST /api/v1/admin/licenses
func (h *AdminHandler) IssueLicense(c *gin.Context) {
	var req license.IssueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	lic, err := h.licenses.IssueLicense(c.Request.Context(), req)
	if err != nil {
		h.writeLicenseError(c, err, "failed to issue license")
		return
	}

	info := middleware.Audit(c)
	info.TenantID = lic.TenantID
	info.Action = "license.issue"
	info.ResourceID = lic.ID.String()
	info.Detail = map[string]any{"modules": lic.Modules, "expires_at": lic.ExpiresAt}

	c.JSON(http.StatusCreated, lic)
}

// GetLicense returns a license.
// GET /api/v1/admin/licenses/:id
func (h *AdminHandler) GetLicense(c *gin.Context) {
	id, ok := parseLicenseID(c)
	if !ok {
		return
	}
	lic, err := h.licenses.GetLicense(c.Request.Context(), id)
	if err != nil {
		h.writeLicenseError(c, err, "failed to get license")
		return
	}
	c.JSON(http.StatusOK, lic)
}

// RevokeLicenseRequest is the request body for revocation.
type RevokeLicenseRequest struct {
	Reason string `json:"reason" binding:"required,max=500"`
}

// RevokeLicense permanently revokes a license.
// POST /api/v1/admin/licenses/:id/revoke
func (h *AdminHandler) RevokeLicense(c *gin.Context) {
	id, ok := parseLicenseID(c)
	if !ok {
		return
	}
	var req RevokeLicenseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if !h.auditLicense(c, id, "license.revoke") {
		return
	}
	middleware.Audit(c).Detail = map[string]any{"reason": req.Reason}

	lic, err := h.licenses.RevokeLicense(c.Request.Context(), id, req.Reason)
	if err != nil {
		h.writeLicenseError(c, err, "failed to revoke license")
		return
	}
	c.JSON(http.StatusOK, lic)
}

// ExtendLicenseRequest is the request body for an extension.
type ExtendLicenseRequest struct {
	AdditionalMonths int `json:"additional_months" binding:"required,min=1,max=120"`
}

// ExtendLicense pushes a license's expiration forward.
// POST /api/v1/admin/licenses/:id/extend
func (h *AdminHandler) ExtendLicense(c *gin.Context) {
	id, ok := parseLicenseID(c)
	if !ok {
		return
	}
	var req ExtendLicenseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if !h.auditLicense(c, id, "license.extend") {
		return
	}

	lic, err := h.licenses.ExtendLicense(c.Request.Context(), id, req.AdditionalMonths)
	if err != nil {
		h.writeLicenseError(c, err, "failed to extend license")
		return
	}
	middleware.Audit(c).Detail = map[string]any{
		"additional_months": req.AdditionalMonths,
		"expires_at":        lic.ExpiresAt,
	}
	c.JSON(http.StatusOK, lic)
}

// auditLicense points the audit record at the license's tenant.
func (h *AdminHandler) auditLicense(c *gin.Context, id uuid.UUID, action string) bool {
	lic, err := h.licenses.GetLicense(c.Request.Context(), id)
	if err != nil {
		h.writeLicenseError(c, err, "failed to get license")
		return false
	}
	info := middleware.Audit(c)
	info.TenantID = lic.TenantID
	info.Action = action
	info.ResourceID = id.String()
	return true
}

func (h *AdminHandler) writeLicenseError(c *gin.Context, err error, msg string) {
	switch {
	case errors.Is(err, license.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, license.ErrLicenseNotFound), errors.Is(err, tenancy.ErrTenantNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, license.ErrLicenseRevoked):
		c.JSON(http.StatusConflict, gin.H{"error": "license already revoked"})
	case errors.Is(err, tenancy.ErrPartitionUnavailable):
		writePartitionError(c, err)
	default:
		internalError(c, h.logger, err, msg)
	}
}

func parseLicenseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid license ID"})
		return uuid.Nil, false
	}
	return id, true
}
