package middleware

import (
	"bytes"
	"context"
	"net/http"
	"strings"

	"github.com/custodia-cl/custodia/internal/ledger"
	"github.com/custodia-cl/custodia/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Appender persists audit entries.
type Appender interface {
	Append(ctx context.Context, e ledger.Entry) (*models.AuditRecord, error)
}

// AuditInfo lets a handler describe the action it performed. Empty fields
// are derived from the request.
type AuditInfo struct {
	// TenantID overrides the resolved tenant, for administrative routes that
	// act on another tenant.
	TenantID     string
	Action       string
	ResourceType string
	ResourceID   string
	Detail       map[string]any
	// Skip is set by handlers that write their own audit record.
	Skip bool
}

// Audit returns the AuditInfo of the current request, creating it if needed.
func Audit(c *gin.Context) *AuditInfo {
	if v, ok := c.Get(string(AuditContextKey)); ok {
		if info, ok := v.(*AuditInfo); ok {
			return info
		}
	}
	info := &AuditInfo{}
	c.Set(string(AuditContextKey), info)
	return info
}

// AuditMiddleware returns a Gin middleware that appends every state-changing
// request to the tenant's audit ledger, whatever its outcome. The response is
// held back until the record is written. If the ledger cannot be written
// after an action succeeded, the response is replaced by a 500 carrying
// LEDGER_WRITE_FAILED, because the action now has no audit trail.
func AuditMiddleware(appender Appender, logger zerolog.Logger) gin.HandlerFunc {
	log := logger.With().Str("component", "audit_middleware").Logger()

	return func(c *gin.Context) {
		if !auditedMethod(c.Request.Method) {
			c.Next()
			return
		}

		info := Audit(c)
		buf := &bufferedWriter{ResponseWriter: c.Writer, status: http.StatusOK}
		c.Writer = buf
		c.Next()
		c.Writer = buf.ResponseWriter

		p := GetPrincipal(c)
		tenantID := info.TenantID
		if tenantID == "" {
			if t := GetTenant(c); t != nil {
				tenantID = t.ID
			}
		}
		if info.Skip || p == nil || tenantID == "" {
			buf.flush()
			return
		}

		entry := buildEntry(c, info, p.ActorID, tenantID, buf.status)
		if _, err := appender.Append(context.WithoutCancel(c.Request.Context()), entry); err != nil {
			log.Error().Err(err).
				Str("tenant_id", tenantID).
				Str("actor_id", p.ActorID).
				Str("action", entry.Action).
				Str("result", string(entry.Result)).
				Msg("audit record not written")
			if entry.Result == models.AuditResultSuccess {
				c.JSON(http.StatusInternalServerError, gin.H{
					"error": "action performed but audit record could not be written",
					"code":  "LEDGER_WRITE_FAILED",
				})
				return
			}
		}
		buf.flush()
	}
}

func auditedMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

func buildEntry(c *gin.Context, info *AuditInfo, actorID, tenantID string, status int) ledger.Entry {
	resourceType, resourceID := parseResourceFromPath(c.Request.URL.Path)
	if info.ResourceType != "" {
		resourceType = info.ResourceType
	}
	if info.ResourceID != "" {
		resourceID = info.ResourceID
	}
	action := info.Action
	if action == "" {
		action = resourceType + "." + mapMethodToAction(c.Request.Method)
	}

	detail := map[string]any{
		"method":    c.Request.Method,
		"path":      c.Request.URL.Path,
		"status":    status,
		"client_ip": c.ClientIP(),
	}
	for k, v := range info.Detail {
		detail[k] = v
	}

	return ledger.Entry{
		TenantID:     tenantID,
		ActorID:      actorID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Result:       resultForStatus(status),
		Detail:       detail,
	}
}

// resultForStatus maps a response status to an audit result.
func resultForStatus(status int) models.AuditResult {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return models.AuditResultDenied
	case status >= 400:
		return models.AuditResultFailure
	default:
		return models.AuditResultSuccess
	}
}

// mapMethodToAction maps HTTP methods to audit verbs.
func mapMethodToAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// parseResourceFromPath extracts the resource type and ID from the API path.
func parseResourceFromPath(path string) (string, string) {
	path = strings.TrimPrefix(path, "/api/v1/")
	path = strings.TrimPrefix(path, "admin/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	var resourceID string
	if len(parts) >= 2 {
		resourceID = parts[1]
	}

	switch parts[0] {
	case "licenses":
		if resourceID == "activate" {
			resourceID = ""
		}
		return "license", resourceID
	case "tenants":
		return "tenant", resourceID
	case "audit-records":
		return "audit_record", ""
	case "grants":
		return "module_grant", resourceID
	default:
		return strings.ReplaceAll(parts[0], "-", "_"), resourceID
	}
}

// bufferedWriter holds a handler's response until the audit record is written.
type bufferedWriter struct {
	gin.ResponseWriter
	status int
	wrote  bool
	body   bytes.Buffer
}

func (w *bufferedWriter) WriteHeader(code int) {
	if code > 0 {
		w.status = code
		w.wrote = true
	}
}

func (w *bufferedWriter) WriteHeaderNow() { w.wrote = true }

func (w *bufferedWriter) Write(b []byte) (int, error) {
	w.wrote = true
	return w.body.Write(b)
}

func (w *bufferedWriter) WriteString(s string) (int, error) {
	w.wrote = true
	return w.body.WriteString(s)
}

func (w *bufferedWriter) Status() int { return w.status }

func (w *bufferedWriter) Size() int {
	if !w.wrote {
		return -1
	}
	return w.body.Len()
}

func (w *bufferedWriter) Written() bool { return w.wrote }

func (w *bufferedWriter) flush() {
	w.ResponseWriter.WriteHeader(w.status)
	if w.body.Len() > 0 {
		_, _ = w.ResponseWriter.Write(w.body.Bytes())
		return
	}
	w.ResponseWriter.WriteHeaderNow()
}
