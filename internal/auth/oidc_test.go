package auth

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type tokenParams struct {
	key      *rsa.PrivateKey
	audience string
	expiry   time.Time
}

// newMockOIDCServer serves discovery, JWKS and token endpoints. The token
// endpoint understands these authorization codes:
//   - "valid-code": a valid id_token for tenant acme
//   - "expired-code": an expired id_token
//   - "wrong-aud-code": an id_token for another client
//   - "bad-sig-code": an id_token signed with an unknown key
//   - "no-idtoken-code": no id_token at all
func newMockOIDCServer(t *testing.T) (*httptest.Server, *rsa.PrivateKey) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate RSA key: %v", err)
	}
	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate other RSA key: %v", err)
	}

	var server *httptest.Server
	mux := http.NewServeMux()

	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"issuer":                                server.URL,
			"authorization_endpoint":                server.URL + "/authorize",
			"token_endpoint":                        server.URL + "/token",
			"jwks_uri":                              server.URL + "/jwks",
			"subject_types_supported":               []string{"public"},
			"id_token_signing_alg_values_supported": []string{"RS256"},
			"response_types_supported":              []string{"code"},
		})
	})

	mux.HandleFunc("/jwks", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]any{{
				"kty": "RSA",
				"kid": "test-key",
				"use": "sig",
				"alg": "RS256",
				"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
			}},
		})
	})

	tokens := map[string]tokenParams{
		"valid-code":     {key, "test-client-id", time.Now().Add(time.Hour)},
		"expired-code":   {key, "test-client-id", time.Now().Add(-time.Hour)},
		"wrong-aud-code": {key, "wrong-client-id", time.Now().Add(time.Hour)},
		"bad-sig-code":   {otherKey, "test-client-id", time.Now().Add(time.Hour)},
	}

	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		code := r.FormValue("code")

		resp := map[string]any{
			"access_token": "mock-access-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		}
		tp, ok := tokens[code]
		switch {
		case ok:
			resp["id_token"] = createTestIDToken(t, tp.key, server.URL, tp.audience, tp.expiry)
		case code != "no-idtoken-code":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	server = httptest.NewServer(mux)
	return server, key
}

// createTestIDToken signs an RS256 ID token for alice of tenant acme.
func createTestIDToken(t *testing.T, key *rsa.PrivateKey, issuer, audience string, expiry time.Time) string {
	t.Helper()

	headerJSON, _ := json.Marshal(map[string]any{"alg": "RS256", "typ": "JWT", "kid": "test-key"})
	claimsJSON, _ := json.Marshal(map[string]any{
		"iss":       issuer,
		"sub":       "alice",
		"aud":       audience,
		"email":     "alice@acme.example",
		"name":      "Alice",
		"tenant_id": "acme",
		"roles":     []string{"tenant_admin"},
		"iat":       time.Now().Unix(),
		"exp":       expiry.Unix(),
	})

	signingInput := base64.RawURLEncoding.EncodeToString(headerJSON) + "." + base64.RawURLEncoding.EncodeToString(claimsJSON)
	h := crypto.SHA256.New()
	h.Write([]byte(signingInput))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, h.Sum(nil))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig)
}

func newTestOIDCProvider(t *testing.T, serverURL string) *OIDC {
	t.Helper()

	cfg := DefaultOIDCConfig(serverURL, "test-client-id", "test-client-secret", "http://localhost/callback")
	o, err := NewOIDC(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create OIDC provider: %v", err)
	}
	return o
}

func TestDefaultOIDCConfig(t *testing.T) {
	cfg := DefaultOIDCConfig("https://auth.example.com", "client-id", "client-secret", "https://app.example.com/auth/callback")

	if cfg.Issuer != "https://auth.example.com" {
		t.Errorf("expected issuer https://auth.example.com, got %s", cfg.Issuer)
	}
	if strings.Join(cfg.Scopes, " ") != "openid profile email" {
		t.Errorf("unexpected scopes %v", cfg.Scopes)
	}
}

func TestGenerateState(t *testing.T) {
	state1, err := GenerateState()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	state2, err := GenerateState()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if strings.ContainsAny(state1, "+/") {
		t.Error("state should use URL-safe base64 encoding")
	}
	if state1 == state2 {
		t.Error("expected different states from multiple calls")
	}
	if len(state1) < 40 {
		t.Errorf("state seems too short: %d chars", len(state1))
	}
}

func TestNewOIDC_InvalidIssuer(t *testing.T) {
	cfg := DefaultOIDCConfig("http://127.0.0.1:1", "test-client-id", "secret", "http://localhost/callback")
	if _, err := NewOIDC(context.Background(), cfg, zerolog.Nop()); err == nil {
		t.Error("expected error for invalid issuer")
	}
}

func TestOIDC_AuthorizationURL(t *testing.T) {
	server, _ := newMockOIDCServer(t)
	defer server.Close()
	o := newTestOIDCProvider(t, server.URL)

	url := o.AuthorizationURL("test-state-abc123")
	for _, want := range []string{server.URL + "/authorize", "state=test-state-abc123", "client_id=test-client-id", "response_type=code"} {
		if !strings.Contains(url, want) {
			t.Errorf("authorization URL %s should contain %s", url, want)
		}
	}
}

func TestOIDC_Exchange(t *testing.T) {
	server, _ := newMockOIDCServer(t)
	defer server.Close()
	o := newTestOIDCProvider(t, server.URL)

	claims, err := o.Exchange(context.Background(), "valid-code")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claims.Subject != "alice" || claims.TenantID != "acme" {
		t.Errorf("unexpected claims %+v", claims)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != "tenant_admin" {
		t.Errorf("unexpected roles %v", claims.Roles)
	}

	for _, code := range []string{"invalid-code", "no-idtoken-code", "expired-code", "wrong-aud-code", "bad-sig-code"} {
		if _, err := o.Exchange(context.Background(), code); err == nil {
			t.Errorf("expected error for %s", code)
		}
	}
}

func TestBearerAuthenticator_VerifiesWithProvider(t *testing.T) {
	server, key := newMockOIDCServer(t)
	defer server.Close()
	o := newTestOIDCProvider(t, server.URL)
	b := NewBearerAuthenticator(o)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/grants", nil)
	req.Header.Set("Authorization", "Bearer "+createTestIDToken(t, key, server.URL, "test-client-id", time.Now().Add(time.Hour)))

	p, err := b.Authenticate(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ActorID != "alice" || !p.HasRole(RoleTenantAdmin) {
		t.Errorf("unexpected principal %+v", p)
	}
	if tenant, ok := b.TenantClaim(req); !ok || tenant != "acme" {
		t.Errorf("TenantClaim() = %q, %v", tenant, ok)
	}

	req.Header.Set("Authorization", "Bearer "+createTestIDToken(t, key, server.URL, "test-client-id", time.Now().Add(-time.Minute)))
	if _, err := b.Authenticate(req); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("expected ErrUnauthenticated for expired token, got %v", err)
	}
}
