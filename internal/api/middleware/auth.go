package middleware

import (
	"errors"
	"net/http"

	"github.com/custodia-cl/custodia/internal/auth"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Authenticator turns request credentials into a principal.
type Authenticator interface {
	Authenticate(r *http.Request) (*auth.Principal, error)
}

// AuthMiddleware returns a Gin middleware that requires authentication. The
// authenticators are tried in order and the first that succeeds decides.
func AuthMiddleware(logger zerolog.Logger, authenticators ...Authenticator) gin.HandlerFunc {
	log := logger.With().Str("component", "auth_middleware").Logger()

	return func(c *gin.Context) {
		for _, a := range authenticators {
			p, err := a.Authenticate(c.Request)
			if err != nil {
				if !errors.Is(err, auth.ErrUnauthenticated) {
					log.Warn().Err(err).Str("path", c.Request.URL.Path).Msg("authenticator failed")
				}
				continue
			}

			c.Set(string(PrincipalContextKey), p)
			c.Request = c.Request.WithContext(auth.WithPrincipal(c.Request.Context(), p))

			log.Debug().
				Str("actor_id", p.ActorID).
				Str("path", c.Request.URL.Path).
				Msg("authenticated request")

			c.Next()
			return
		}

		log.Debug().Str("path", c.Request.URL.Path).Msg("unauthenticated request")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
	}
}

// RequirePermission returns a Gin middleware that aborts with 403 unless the
// principal holds a role granting perm. Must run after AuthMiddleware.
func RequirePermission(perm auth.Permission, logger zerolog.Logger) gin.HandlerFunc {
	log := logger.With().Str("component", "rbac_middleware").Str("permission", string(perm)).Logger()

	return func(c *gin.Context) {
		p := RequirePrincipal(c)
		if p == nil {
			return
		}
		if !p.Can(perm) {
			log.Debug().
				Str("actor_id", p.ActorID).
				Strs("roles", p.Roles).
				Msg("permission denied")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient permissions"})
			return
		}
		c.Next()
	}
}
