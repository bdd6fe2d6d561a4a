// Package auth authenticates callers: OIDC login and bearer ID tokens, cookie
// sessions, and the role model used by the API.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// OIDCConfig holds OIDC provider configuration.
type OIDCConfig struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
}

// DefaultOIDCConfig returns an OIDCConfig with standard scopes.
func DefaultOIDCConfig(issuer, clientID, clientSecret, redirectURL string) OIDCConfig {
	return OIDCConfig{
		Issuer:       issuer,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
	}
}

// IDTokenClaims holds the claims read from an ID token.
type IDTokenClaims struct {
	Subject  string   `json:"sub"`
	Email    string   `json:"email"`
	Name     string   `json:"name"`
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles"`
}

// Principal converts the claims to a Principal authenticated at.
func (c *IDTokenClaims) Principal(at time.Time) *Principal {
	return &Principal{
		ActorID:         c.Subject,
		TenantID:        c.TenantID,
		Roles:           c.Roles,
		AuthenticatedAt: at,
	}
}

// TokenVerifier verifies a raw ID token and returns its claims.
type TokenVerifier interface {
	VerifyRawIDToken(ctx context.Context, rawIDToken string) (*IDTokenClaims, error)
}

// OIDC wraps the OIDC provider and OAuth2 configuration.
type OIDC struct {
	provider     *oidc.Provider
	oauth2Config oauth2.Config
	verifier     *oidc.IDTokenVerifier
	logger       zerolog.Logger
}

// NewOIDC creates a new OIDC provider instance.
func NewOIDC(ctx context.Context, cfg OIDCConfig, logger zerolog.Logger) (*OIDC, error) {
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("create OIDC provider: %w", err)
	}

	o := &OIDC{
		provider: provider,
		oauth2Config: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       cfg.Scopes,
		},
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		logger:   logger.With().Str("component", "oidc").Logger(),
	}

	o.logger.Info().Str("issuer", cfg.Issuer).Msg("OIDC provider initialized")
	return o, nil
}

// GenerateState generates a cryptographically secure random state parameter.
func GenerateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// AuthorizationURL returns the URL to redirect users for authentication.
func (o *OIDC) AuthorizationURL(state string) string {
	return o.oauth2Config.AuthCodeURL(state)
}

// Exchange trades an authorization code for tokens and verifies the ID token.
func (o *OIDC) Exchange(ctx context.Context, code string) (*IDTokenClaims, error) {
	token, err := o.oauth2Config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return nil, fmt.Errorf("no id_token in token response")
	}
	return o.VerifyRawIDToken(ctx, rawIDToken)
}

// VerifyRawIDToken verifies a raw ID token and extracts its claims.
func (o *OIDC) VerifyRawIDToken(ctx context.Context, rawIDToken string) (*IDTokenClaims, error) {
	idToken, err := o.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("verify ID token: %w", err)
	}

	var claims IDTokenClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("extract claims: %w", err)
	}

	o.logger.Debug().
		Str("subject", claims.Subject).
		Str("tenant_id", claims.TenantID).
		Msg("ID token verified")

	return &claims, nil
}

// BearerAuthenticator authenticates requests carrying an ID token in the
// Authorization header.
type BearerAuthenticator struct {
	verifier TokenVerifier
	now      func() time.Time
}

// NewBearerAuthenticator creates a BearerAuthenticator.
func NewBearerAuthenticator(v TokenVerifier) *BearerAuthenticator {
	return &BearerAuthenticator{verifier: v, now: time.Now}
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// Authenticate returns the principal of a request's bearer token.
func (b *BearerAuthenticator) Authenticate(r *http.Request) (*Principal, error) {
	raw, ok := BearerToken(r)
	if !ok {
		return nil, ErrUnauthenticated
	}
	claims, err := b.verifier.VerifyRawIDToken(r.Context(), raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	return claims.Principal(b.now()), nil
}

// TenantClaim returns the tenant_id claim of a verified bearer token.
func (b *BearerAuthenticator) TenantClaim(r *http.Request) (string, bool) {
	p, err := b.Authenticate(r)
	if err != nil || p.TenantID == "" {
		return "", false
	}
	return p.TenantID, true
}
