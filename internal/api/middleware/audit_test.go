package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/custodia-cl/custodia/internal/auth"
	"github.com/custodia-cl/custodia/internal/ledger"
	"github.com/custodia-cl/custodia/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// mockAppender implements Appender for testing.
type mockAppender struct {
	mu      sync.Mutex
	entries []ledger.Entry
	err     error
}

func (m *mockAppender) Append(_ context.Context, e ledger.Entry) (*models.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.entries = append(m.entries, e)
	return &models.AuditRecord{TenantID: e.TenantID, Action: e.Action}, nil
}

func (m *mockAppender) getEntries() []ledger.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ledger.Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

func withIdentity(p *auth.Principal, t *models.Tenant) gin.HandlerFunc {
	return func(c *gin.Context) {
		if p != nil {
			c.Set(string(PrincipalContextKey), p)
		}
		if t != nil {
			c.Set(string(TenantContextKey), t)
		}
		c.Next()
	}
}

func newAuditRouter(appender Appender, p *auth.Principal, t *models.Tenant) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(withIdentity(p, t))
	r.Use(AuditMiddleware(appender, zerolog.Nop()))
	return r
}

var (
	testPrincipal = &auth.Principal{ActorID: "alice", TenantID: "acme", Roles: []string{"tenant_admin"}, AuthenticatedAt: time.Now()}
	testTenant    = &models.Tenant{ID: "acme", Status: models.TenantStatusActive}
)

func TestAuditMiddleware_RecordsMutation(t *testing.T) {
	appender := &mockAppender{}
	r := newAuditRouter(appender, testPrincipal, testTenant)
	r.POST("/api/v1/grants/:module/usage", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/api/v1/grants/SOC2/usage", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"ok":true`) {
		t.Errorf("expected original body, got %s", w.Body.String())
	}

	entries := appender.getEntries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.TenantID != "acme" || e.ActorID != "alice" {
		t.Errorf("unexpected identity: tenant=%s actor=%s", e.TenantID, e.ActorID)
	}
	if e.Action != "module_grant.create" {
		t.Errorf("expected action module_grant.create, got %s", e.Action)
	}
	if e.ResourceID != "SOC2" {
		t.Errorf("expected resource SOC2, got %s", e.ResourceID)
	}
	if e.Result != models.AuditResultSuccess {
		t.Errorf("expected success, got %s", e.Result)
	}
	if e.Detail["status"] != http.StatusOK {
		t.Errorf("expected status detail 200, got %v", e.Detail["status"])
	}
}

func TestAuditMiddleware_HandlerInfoOverrides(t *testing.T) {
	appender := &mockAppender{}
	r := newAuditRouter(appender, testPrincipal, nil)
	r.POST("/api/v1/admin/licenses", func(c *gin.Context) {
		info := Audit(c)
		info.TenantID = "globex"
		info.Action = "license.issue"
		info.ResourceID = "lic-1"
		info.Detail = map[string]any{"modules": []string{"SOC2"}}
		c.JSON(http.StatusCreated, gin.H{"id": "lic-1"})
	})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/api/v1/admin/licenses", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", w.Code)
	}
	entries := appender.getEntries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.TenantID != "globex" || e.Action != "license.issue" || e.ResourceType != "license" || e.ResourceID != "lic-1" {
		t.Errorf("unexpected entry: %+v", e)
	}
	if e.Detail["modules"] == nil || e.Detail["method"] != http.MethodPost {
		t.Errorf("expected merged detail, got %v", e.Detail)
	}
}

func TestAuditMiddleware_ResultFromStatus(t *testing.T) {
	tests := []struct {
		status int
		want   models.AuditResult
	}{
		{http.StatusOK, models.AuditResultSuccess},
		{http.StatusCreated, models.AuditResultSuccess},
		{http.StatusBadRequest, models.AuditResultFailure},
		{http.StatusUnauthorized, models.AuditResultDenied},
		{http.StatusForbidden, models.AuditResultDenied},
		{http.StatusGone, models.AuditResultFailure},
		{http.StatusServiceUnavailable, models.AuditResultFailure},
	}

	for _, tt := range tests {
		appender := &mockAppender{}
		r := newAuditRouter(appender, testPrincipal, testTenant)
		r.DELETE("/api/v1/things/:id", func(c *gin.Context) {
			c.AbortWithStatusJSON(tt.status, gin.H{"status": tt.status})
		})

		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodDelete, "/api/v1/things/1", nil)
		r.ServeHTTP(w, req)

		if w.Code != tt.status {
			t.Errorf("status %d: response code changed to %d", tt.status, w.Code)
		}
		entries := appender.getEntries()
		if len(entries) != 1 {
			t.Fatalf("status %d: expected 1 entry, got %d", tt.status, len(entries))
		}
		if entries[0].Result != tt.want {
			t.Errorf("status %d: expected %s, got %s", tt.status, tt.want, entries[0].Result)
		}
		if entries[0].Action != "things.delete" {
			t.Errorf("expected action things.delete, got %s", entries[0].Action)
		}
	}
}

func TestAuditMiddleware_LedgerFailure(t *testing.T) {
	t.Run("successful action is reported as failed", func(t *testing.T) {
		appender := &mockAppender{err: errors.New("partition down")}
		r := newAuditRouter(appender, testPrincipal, testTenant)
		r.POST("/api/v1/licenses/activate", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"grants": []string{"SOC2"}})
		})

		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodPost, "/api/v1/licenses/activate", nil)
		r.ServeHTTP(w, req)

		if w.Code != http.StatusInternalServerError {
			t.Fatalf("expected status 500, got %d", w.Code)
		}
		if !strings.Contains(w.Body.String(), "LEDGER_WRITE_FAILED") {
			t.Errorf("expected LEDGER_WRITE_FAILED, got %s", w.Body.String())
		}
		if strings.Contains(w.Body.String(), "grants") {
			t.Errorf("original response leaked: %s", w.Body.String())
		}
	})

	t.Run("failed action keeps its response", func(t *testing.T) {
		appender := &mockAppender{err: errors.New("partition down")}
		r := newAuditRouter(appender, testPrincipal, testTenant)
		r.POST("/api/v1/licenses/activate", func(c *gin.Context) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid license code"})
		})

		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodPost, "/api/v1/licenses/activate", nil)
		r.ServeHTTP(w, req)

		if w.Code != http.StatusBadRequest {
			t.Fatalf("expected status 400, got %d", w.Code)
		}
		if !strings.Contains(w.Body.String(), "invalid license code") {
			t.Errorf("expected original body, got %s", w.Body.String())
		}
	})
}

func TestAuditMiddleware_Skips(t *testing.T) {
	t.Run("read requests", func(t *testing.T) {
		appender := &mockAppender{}
		r := newAuditRouter(appender, testPrincipal, testTenant)
		r.GET("/api/v1/grants", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{})
		})

		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodGet, "/api/v1/grants", nil)
		r.ServeHTTP(w, req)

		if len(appender.getEntries()) != 0 {
			t.Error("expected GET not to be audited")
		}
	})

	t.Run("handler writes its own record", func(t *testing.T) {
		appender := &mockAppender{err: errors.New("must not be called")}
		r := newAuditRouter(appender, testPrincipal, testTenant)
		r.POST("/api/v1/audit-records", func(c *gin.Context) {
			Audit(c).Skip = true
			c.JSON(http.StatusCreated, gin.H{"ok": true})
		})

		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodPost, "/api/v1/audit-records", nil)
		r.ServeHTTP(w, req)

		if w.Code != http.StatusCreated {
			t.Errorf("expected status 201, got %d", w.Code)
		}
	})

	t.Run("no tenant", func(t *testing.T) {
		appender := &mockAppender{}
		r := newAuditRouter(appender, testPrincipal, nil)
		r.POST("/api/v1/admin/tenants", func(c *gin.Context) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		})

		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodPost, "/api/v1/admin/tenants", nil)
		r.ServeHTTP(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", w.Code)
		}
		if len(appender.getEntries()) != 0 {
			t.Error("expected no entry without a tenant")
		}
	})
}

func TestParseResourceFromPath(t *testing.T) {
	tests := []struct {
		path     string
		wantType string
		wantID   string
	}{
		{"/api/v1/licenses/activate", "license", ""},
		{"/api/v1/admin/licenses/abc/revoke", "license", "abc"},
		{"/api/v1/admin/tenants", "tenant", ""},
		{"/api/v1/admin/tenants/acme/status", "tenant", "acme"},
		{"/api/v1/audit-records", "audit_record", ""},
		{"/api/v1/grants/SOC2/usage", "module_grant", "SOC2"},
		{"/api/v1/policy-documents/7", "policy_documents", "7"},
	}

	for _, tt := range tests {
		gotType, gotID := parseResourceFromPath(tt.path)
		if gotType != tt.wantType || gotID != tt.wantID {
			t.Errorf("parseResourceFromPath(%q) = (%q, %q), want (%q, %q)",
				tt.path, gotType, gotID, tt.wantType, tt.wantID)
		}
	}
}
