package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

var testSecret = []byte("test-secret-that-is-at-least-32-bytes-long")

func newTestSessionStore(t *testing.T) *SessionStore {
	t.Helper()
	store, err := NewSessionStore(DefaultSessionConfig(testSecret, false), zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

// carryCookies returns a new request carrying the cookies set on w.
func carryCookies(w *httptest.ResponseRecorder) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, cookie := range w.Result().Cookies() {
		req.AddCookie(cookie)
	}
	return req
}

func TestDefaultSessionConfig(t *testing.T) {
	cfg := DefaultSessionConfig(testSecret, true)

	if cfg.MaxAge != 8*3600 {
		t.Errorf("expected MaxAge 28800, got %d", cfg.MaxAge)
	}
	if !cfg.Secure || !cfg.HTTPOnly {
		t.Error("expected Secure and HTTPOnly cookies")
	}
	if cfg.SameSite != http.SameSiteLaxMode {
		t.Errorf("expected SameSite Lax, got %v", cfg.SameSite)
	}
}

func TestNewSessionStore_SecretTooShort(t *testing.T) {
	if _, err := NewSessionStore(SessionConfig{Secret: []byte("short")}, zerolog.Nop()); err == nil {
		t.Error("expected error for short secret")
	}
}

func TestSessionStore_OIDCState(t *testing.T) {
	store := newTestSessionStore(t)

	w := httptest.NewRecorder()
	if err := store.SetOIDCState(httptest.NewRequest(http.MethodGet, "/", nil), w, "test-state-12345"); err != nil {
		t.Fatalf("failed to set state: %v", err)
	}

	state, err := store.GetOIDCState(carryCookies(w), httptest.NewRecorder())
	if err != nil {
		t.Fatalf("failed to get state: %v", err)
	}
	if state != "test-state-12345" {
		t.Errorf("expected state test-state-12345, got %s", state)
	}
}

func TestSessionStore_Principal(t *testing.T) {
	store := newTestSessionStore(t)

	if _, ok := store.TenantClaim(httptest.NewRequest(http.MethodGet, "/", nil)); ok {
		t.Error("expected no tenant claim without a session")
	}

	w := httptest.NewRecorder()
	want := &Principal{
		ActorID:         "alice",
		TenantID:        "acme",
		Roles:           []string{"tenant_admin", "member"},
		AuthenticatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	if err := store.SetPrincipal(httptest.NewRequest(http.MethodGet, "/", nil), w, want); err != nil {
		t.Fatalf("failed to set principal: %v", err)
	}

	req := carryCookies(w)
	got, err := store.GetPrincipal(req)
	if err != nil {
		t.Fatalf("failed to get principal: %v", err)
	}
	if got.ActorID != want.ActorID || got.TenantID != want.TenantID {
		t.Errorf("expected %+v, got %+v", want, got)
	}
	if len(got.Roles) != 2 || got.Roles[0] != "tenant_admin" {
		t.Errorf("unexpected roles %v", got.Roles)
	}
	if !got.AuthenticatedAt.Equal(want.AuthenticatedAt) {
		t.Errorf("expected authenticated_at %v, got %v", want.AuthenticatedAt, got.AuthenticatedAt)
	}

	tenant, ok := store.TenantClaim(req)
	if !ok || tenant != "acme" {
		t.Errorf("TenantClaim() = %q, %v", tenant, ok)
	}
}

func TestSessionStore_ClearPrincipal(t *testing.T) {
	store := newTestSessionStore(t)

	w := httptest.NewRecorder()
	if err := store.SetPrincipal(httptest.NewRequest(http.MethodGet, "/", nil), w, &Principal{ActorID: "alice", TenantID: "acme"}); err != nil {
		t.Fatalf("failed to set principal: %v", err)
	}

	w2 := httptest.NewRecorder()
	if err := store.ClearPrincipal(carryCookies(w), w2); err != nil {
		t.Fatalf("failed to clear principal: %v", err)
	}

	cookies := w2.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatal("expected cookie to be set")
	}
	if cookies[0].MaxAge >= 0 {
		t.Errorf("expected MaxAge < 0 to delete cookie, got %d", cookies[0].MaxAge)
	}
}
