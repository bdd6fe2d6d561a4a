// Package handlers provides HTTP handlers for the Custodia API.
package handlers

import (
	"errors"
	"net/http"

	"github.com/custodia-cl/custodia/internal/tenancy"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// writePartitionError answers errors raised while reaching a tenant's
// partition. It reports whether err was handled.
func writePartitionError(c *gin.Context, err error) bool {
	switch {
	case errors.Is(err, tenancy.ErrPartitionUnavailable):
		c.Header("Retry-After", "5")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "tenant storage unavailable"})
		return true
	case errors.Is(err, tenancy.ErrTenantNotFound), errors.Is(err, tenancy.ErrTenantInactive):
		c.JSON(http.StatusForbidden, gin.H{"error": "tenant access denied"})
		return true
	}
	return false
}

// internalError logs err and answers 500 with msg.
func internalError(c *gin.Context, log zerolog.Logger, err error, msg string) {
	log.Error().Err(err).Str("path", c.Request.URL.Path).Msg(msg)
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
}
