package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/custodia-cl/custodia/internal/api/middleware"
	"github.com/custodia-cl/custodia/internal/auth"
	"github.com/custodia-cl/custodia/internal/ledger"
	"github.com/custodia-cl/custodia/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const (
	defaultAuditPageSize = 50
	maxAuditPageSize     = 500
)

// AuditLedger is the audit ledger as used by the HTTP API.
type AuditLedger interface {
	Append(ctx context.Context, e ledger.Entry) (*models.AuditRecord, error)
	List(ctx context.Context, tenantID string, filter models.AuditFilter) ([]*models.AuditRecord, int64, error)
	VerifyRange(ctx context.Context, tenantID string, from, to time.Time) (*models.VerificationResult, error)
}

// AuditRecordsHandler handles audit record HTTP endpoints.
type AuditRecordsHandler struct {
	ledger AuditLedger
	logger zerolog.Logger
}

// NewAuditRecordsHandler creates a new AuditRecordsHandler.
func NewAuditRecordsHandler(l AuditLedger, logger zerolog.Logger) *AuditRecordsHandler {
	return &AuditRecordsHandler{
		ledger: l,
		logger: logger.With().Str("component", "audit_records_handler").Logger(),
	}
}

// RegisterRoutes registers audit record routes on a tenant-scoped group.
func (h *AuditRecordsHandler) RegisterRoutes(r *gin.RouterGroup) {
	records := r.Group("/audit-records")
	{
		records.GET("", middleware.RequirePermission(auth.PermAuditRead, h.logger), h.List)
		records.POST("", middleware.RequirePermission(auth.PermAuditWrite, h.logger), h.Create)
		records.GET("/verify", middleware.RequirePermission(auth.PermAuditVerify, h.logger), h.Verify)
	}
}

// AuditRecordListResponse is the response for listing audit records.
type AuditRecordListResponse struct {
	AuditRecords []*models.AuditRecord `json:"audit_records"`
	TotalCount   int64                 `json:"total_count"`
	Limit        int                   `json:"limit"`
	Offset       int                   `json:"offset"`
}

// List returns the tenant's audit records, newest first.
// GET /api/v1/audit-records
// Query params: action, actor_id, resource_type, resource_id, start, end, limit, offset
func (h *AuditRecordsHandler) List(c *gin.Context) {
	t := middleware.RequireTenant(c)
	if t == nil {
		return
	}

	filter, err := parseAuditFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	records, total, err := h.ledger.List(c.Request.Context(), t.ID, filter)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInvalidQuery):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case !writePartitionError(c, err):
			internalError(c, h.logger, err, "failed to list audit records")
		}
		return
	}

	c.JSON(http.StatusOK, AuditRecordListResponse{
		AuditRecords: records,
		TotalCount:   total,
		Limit:        filter.Limit,
		Offset:       filter.Offset,
	})
}

func parseAuditFilter(c *gin.Context) (models.AuditFilter, error) {
	filter := models.AuditFilter{
		Action:       c.Query("action"),
		ActorID:      c.Query("actor_id"),
		ResourceType: c.Query("resource_type"),
		ResourceID:   c.Query("resource_id"),
		Limit:        defaultAuditPageSize,
	}

	var err error
	if filter.Start, err = parseTimeParam(c, "start"); err != nil {
		return filter, err
	}
	if filter.End, err = parseTimeParam(c, "end"); err != nil {
		return filter, err
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return filter, errors.New("invalid limit")
		}
		filter.Limit = min(n, maxAuditPageSize)
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, errors.New("invalid offset")
		}
		filter.Offset = n
	}
	return filter, nil
}

func parseTimeParam(c *gin.Context, name string) (*time.Time, error) {
	v := c.Query(name)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, errors.New("invalid " + name + ": expected RFC 3339 timestamp")
	}
	return &t, nil
}

// CreateAuditRecordRequest is the request body for recording an action.
type CreateAuditRecordRequest struct {
	Action       string             `json:"action" binding:"required,max=128"`
	ResourceType string             `json:"resource_type" binding:"required,max=128"`
	ResourceID   string             `json:"resource_id" binding:"max=255"`
	Result       models.AuditResult `json:"result" binding:"omitempty,oneof=success failure denied"`
	Detail       map[string]any     `json:"detail"`
}

// Create appends a record for an action performed by the caller. The actor
// and tenant always come from the authenticated request.
// POST /api/v1/audit-records
func (h *AuditRecordsHandler) Create(c *gin.Context) {
	t := middleware.RequireTenant(c)
	if t == nil {
		return
	}
	p := middleware.RequirePrincipal(c)
	if p == nil {
		return
	}
	var req CreateAuditRecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	// The record below is the audit trail of this request. Rejected entries
	// fall back to the middleware's record of the failed attempt.
	info := middleware.Audit(c)
	info.Skip = true
	rec, err := h.ledger.Append(c.Request.Context(), ledger.Entry{
		TenantID:     t.ID,
		ActorID:      p.ActorID,
		Action:       req.Action,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		Result:       req.Result,
		Detail:       req.Detail,
	})
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInvalidEntry):
			info.Skip = false
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			h.logger.Error().Err(err).
				Str("tenant_id", t.ID).
				Str("actor_id", p.ActorID).
				Str("action", req.Action).
				Msg("audit record not written")
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "audit record could not be written",
				"code":  "LEDGER_WRITE_FAILED",
			})
		}
		return
	}

	c.JSON(http.StatusCreated, rec)
}

// Verify checks the integrity of the tenant's chain over a time range.
// GET /api/v1/audit-records/verify
// Query params: start, end (RFC 3339; end defaults to the chain head)
func (h *AuditRecordsHandler) Verify(c *gin.Context) {
	t := middleware.RequireTenant(c)
	if t == nil {
		return
	}

	var from, to time.Time
	start, err := parseTimeParam(c, "start")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	end, err := parseTimeParam(c, "end")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if start != nil {
		from = *start
	}
	if end != nil {
		to = *end
	}

	result, err := h.ledger.VerifyRange(c.Request.Context(), t.ID, from, to)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInvalidQuery):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case !writePartitionError(c, err):
			internalError(c, h.logger, err, "failed to verify audit chain")
		}
		return
	}

	if result.Status != models.VerificationIntact {
		h.logger.Warn().
			Str("tenant_id", t.ID).
			Str("status", string(result.Status)).
			Int("corrupted", result.CorruptedCount).
			Msg("audit chain verification found corruption")
	}
	c.JSON(http.StatusOK, result)
}
