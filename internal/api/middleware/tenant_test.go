package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/custodia-cl/custodia/internal/auth"
	"github.com/custodia-cl/custodia/internal/metrics"
	"github.com/custodia-cl/custodia/internal/models"
	"github.com/custodia-cl/custodia/internal/tenancy"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

type mockValidator struct {
	tenants map[string]*models.Tenant
	err     error
}

func (m *mockValidator) Validate(_ context.Context, id string) (*models.Tenant, error) {
	if m.err != nil {
		return nil, m.err
	}
	t, ok := m.tenants[id]
	if !ok {
		return nil, tenancy.ErrTenantNotFound
	}
	if !t.IsActive() {
		return nil, tenancy.ErrTenantInactive
	}
	return t, nil
}

func newTenantRouter(v TenantValidator, m *metrics.PrometheusMetrics, p *auth.Principal) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(withIdentity(p, nil))
	r.Use(TenantMiddleware(tenancy.NewResolver(tenancy.ResolverConfig{}), v, m, zerolog.Nop()))
	r.GET("/test", func(c *gin.Context) {
		fromCtx, _ := tenancy.TenantIDFromContext(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"tenant": GetTenant(c).ID, "ctx": fromCtx})
	})
	return r
}

func TestTenantMiddleware(t *testing.T) {
	validator := &mockValidator{tenants: map[string]*models.Tenant{
		"acme":    {ID: "acme", Status: models.TenantStatusActive},
		"initech": {ID: "initech", Status: models.TenantStatusSuspended},
	}}
	member := func(tenant string) *auth.Principal {
		return &auth.Principal{ActorID: "bob", TenantID: tenant, Roles: []string{"member"}}
	}

	tests := []struct {
		name      string
		principal *auth.Principal
		header    string
		want      int
		outcome   string
	}{
		{"resolved", member("acme"), "acme", http.StatusOK, "resolved"},
		{"unresolved", member("acme"), "", http.StatusForbidden, "unresolved"},
		{"malformed", member("acme"), "acme corp", http.StatusForbidden, "unresolved"},
		{"unknown", member("ghost"), "ghost", http.StatusForbidden, "not_found"},
		{"suspended", member("initech"), "initech", http.StatusForbidden, "inactive"},
		{"other tenant", member("acme"), "initech", http.StatusForbidden, "mismatch"},
		{"platform admin", &auth.Principal{ActorID: "root", Roles: []string{"platform_admin"}}, "acme", http.StatusOK, "resolved"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := metrics.NewPrometheusMetrics(prometheus.NewRegistry())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			r := newTenantRouter(validator, m, tt.principal)

			w := httptest.NewRecorder()
			req, _ := http.NewRequest(http.MethodGet, "/test", nil)
			if tt.header != "" {
				req.Header.Set("X-Tenant-ID", tt.header)
			}
			r.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Fatalf("expected status %d, got %d", tt.want, w.Code)
			}
			if w.Code == http.StatusForbidden && w.Body.String() != `{"error":"tenant access denied"}` {
				t.Errorf("unexpected denial body: %s", w.Body.String())
			}
			if w.Code == http.StatusOK && w.Body.String() != `{"ctx":"acme","tenant":"acme"}` {
				t.Errorf("unexpected body: %s", w.Body.String())
			}
			if got := testutil.ToFloat64(m.TenantResolutions.WithLabelValues(tt.outcome)); got != 1 {
				t.Errorf("expected one %s resolution, got %v", tt.outcome, got)
			}
		})
	}
}

func TestTenantMiddleware_RegistryUnavailable(t *testing.T) {
	r := newTenantRouter(&mockValidator{err: errors.New("connection refused")}, nil, nil)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("X-Tenant-ID", "acme")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", w.Code)
	}
}

type mockChecker map[string]bool

func (m mockChecker) CheckAccess(_ context.Context, tenantID, module string) bool {
	return m[tenantID+"/"+module]
}

func TestEntitlementGate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	checker := mockChecker{"acme/AUDIT": true}

	tests := []struct {
		name   string
		tenant *models.Tenant
		want   int
	}{
		{"granted", &models.Tenant{ID: "acme"}, http.StatusOK},
		{"not granted", &models.Tenant{ID: "globex"}, http.StatusForbidden},
		{"no tenant", nil, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.Use(withIdentity(nil, tt.tenant))
			r.GET("/test", EntitlementGate(checker, "AUDIT", zerolog.Nop()), func(c *gin.Context) {
				c.Status(http.StatusOK)
			})

			w := httptest.NewRecorder()
			req, _ := http.NewRequest(http.MethodGet, "/test", nil)
			r.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("expected status %d, got %d", tt.want, w.Code)
			}
		})
	}
}
