package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/custodia-cl/custodia/internal/api/middleware"
	"github.com/custodia-cl/custodia/internal/auth"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// OIDCProvider is the login flow of an OpenID Connect provider.
type OIDCProvider interface {
	AuthorizationURL(state string) string
	Exchange(ctx context.Context, code string) (*auth.IDTokenClaims, error)
}

// AuthHandler handles authentication-related HTTP endpoints.
type AuthHandler struct {
	oidc     OIDCProvider
	sessions *auth.SessionStore
	logger   zerolog.Logger
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(oidc OIDCProvider, sessions *auth.SessionStore, logger zerolog.Logger) *AuthHandler {
	return &AuthHandler{
		oidc:     oidc,
		sessions: sessions,
		logger:   logger.With().Str("component", "auth_handler").Logger(),
	}
}

// RegisterRoutes registers authentication routes on the given router group.
func (h *AuthHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/login", h.Login)
	r.GET("/callback", h.Callback)
	r.POST("/logout", h.Logout)
	r.GET("/me", h.Me)
}

// Login redirects to the OIDC provider.
// GET /auth/login
func (h *AuthHandler) Login(c *gin.Context) {
	state, err := auth.GenerateState()
	if err != nil {
		internalError(c, h.logger, err, "failed to initiate login")
		return
	}
	if err := h.sessions.SetOIDCState(c.Request, c.Writer, state); err != nil {
		internalError(c, h.logger, err, "failed to initiate login")
		return
	}
	c.Redirect(http.StatusTemporaryRedirect, h.oidc.AuthorizationURL(state))
}

// Callback completes the OIDC login and stores the principal in the session.
// GET /auth/callback
func (h *AuthHandler) Callback(c *gin.Context) {
	if errParam := c.Query("error"); errParam != "" {
		h.logger.Warn().
			Str("error", errParam).
			Str("description", c.Query("error_description")).
			Msg("OIDC provider returned error")
		c.JSON(http.StatusBadRequest, gin.H{"error": errParam})
		return
	}

	state := c.Query("state")
	if state == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing state parameter"})
		return
	}
	expected, err := h.sessions.GetOIDCState(c.Request, c.Writer)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session state"})
		return
	}
	if state != expected {
		h.logger.Warn().Msg("OIDC state mismatch")
		c.JSON(http.StatusBadRequest, gin.H{"error": "state mismatch"})
		return
	}

	code := c.Query("code")
	if code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing authorization code"})
		return
	}

	claims, err := h.oidc.Exchange(c.Request.Context(), code)
	if err != nil {
		h.logger.Warn().Err(err).Msg("OIDC exchange failed")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication failed"})
		return
	}

	p := claims.Principal(time.Now().UTC())
	if err := h.sessions.SetPrincipal(c.Request, c.Writer, p); err != nil {
		internalError(c, h.logger, err, "authentication failed")
		return
	}

	h.logger.Info().
		Str("actor_id", p.ActorID).
		Str("tenant_id", p.TenantID).
		Strs("roles", p.Roles).
		Msg("login succeeded")
	c.Redirect(http.StatusTemporaryRedirect, "/")
}

// Logout clears the session.
// POST /auth/logout
func (h *AuthHandler) Logout(c *gin.Context) {
	if err := h.sessions.ClearPrincipal(c.Request, c.Writer); err != nil {
		internalError(c, h.logger, err, "logout failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "logged out successfully"})
}

// Me returns the session principal.
// GET /auth/me
func (h *AuthHandler) Me(c *gin.Context) {
	p := middleware.GetPrincipal(c)
	if p == nil {
		var err error
		if p, err = h.sessions.GetPrincipal(c.Request); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
			return
		}
	}
	c.JSON(http.StatusOK, p)
}
