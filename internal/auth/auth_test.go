package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakeVerifier map[string]*IDTokenClaims

func (f fakeVerifier) VerifyRawIDToken(_ context.Context, raw string) (*IDTokenClaims, error) {
	c, ok := f[raw]
	if !ok {
		return nil, errors.New("signature invalid")
	}
	return c, nil
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc.def.ghi", "abc.def.ghi", true},
		{"bearer abc", "abc", true},
		{"Basic dXNlcjpwYXNz", "", false},
		{"Bearer ", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		got, ok := BearerToken(req)
		if got != tt.want || ok != tt.ok {
			t.Errorf("BearerToken(%q) = %q, %v; want %q, %v", tt.header, got, ok, tt.want, tt.ok)
		}
	}
}

func TestBearerAuthenticator(t *testing.T) {
	b := NewBearerAuthenticator(fakeVerifier{
		"good":      {Subject: "alice", TenantID: "acme", Roles: []string{"tenant_admin"}},
		"no-tenant": {Subject: "ops", Roles: []string{"platform_admin"}},
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer good")

	p, err := b.Authenticate(req)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if p.ActorID != "alice" || p.TenantID != "acme" {
		t.Errorf("unexpected principal %+v", p)
	}
	if tenant, ok := b.TenantClaim(req); !ok || tenant != "acme" {
		t.Errorf("TenantClaim() = %q, %v", tenant, ok)
	}

	req.Header.Set("Authorization", "Bearer forged")
	if _, err := b.Authenticate(req); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("expected ErrUnauthenticated, got %v", err)
	}
	if _, ok := b.TenantClaim(req); ok {
		t.Error("forged token must not yield a tenant")
	}

	req.Header.Set("Authorization", "Bearer no-tenant")
	if _, ok := b.TenantClaim(req); ok {
		t.Error("token without tenant claim must not yield a tenant")
	}
}

func TestPrincipal_Permissions(t *testing.T) {
	admin := &Principal{ActorID: "ops", Roles: []string{string(RolePlatformAdmin)}}
	auditor := &Principal{ActorID: "aud", Roles: []string{string(RoleComplianceOfficer)}}
	member := &Principal{ActorID: "bob", Roles: []string{string(RoleMember), "unknown"}}
	var anonymous *Principal

	cases := []struct {
		name string
		p    *Principal
		perm Permission
		want bool
	}{
		{"admin manages tenants", admin, PermTenantManage, true},
		{"admin verifies", admin, PermAuditVerify, true},
		{"auditor verifies", auditor, PermAuditVerify, true},
		{"auditor cannot manage licenses", auditor, PermLicenseManage, false},
		{"member writes audit", member, PermAuditWrite, true},
		{"member cannot verify", member, PermAuditVerify, false},
		{"member cannot read audit", member, PermAuditRead, false},
		{"anonymous", anonymous, PermAccessCheck, false},
	}
	for _, c := range cases {
		if got := c.p.Can(c.perm); got != c.want {
			t.Errorf("%s: Can(%s) = %v, want %v", c.name, c.perm, got, c.want)
		}
	}

	if !admin.HasRole(RolePlatformAdmin) || member.HasRole(RolePlatformAdmin) {
		t.Error("HasRole mismatch")
	}
}

func TestPrincipalContext(t *testing.T) {
	if _, ok := PrincipalFromContext(context.Background()); ok {
		t.Error("expected no principal in empty context")
	}
	p := &Principal{ActorID: "alice"}
	got, ok := PrincipalFromContext(WithPrincipal(context.Background(), p))
	if !ok || got != p {
		t.Errorf("PrincipalFromContext() = %v, %v", got, ok)
	}
}
