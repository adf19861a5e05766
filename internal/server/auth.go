package server

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"

	obscontext "github.com/fleetform/fleetform/internal/observability/context"
)

// ManagementAuthRequired authenticates the management API with the static
// bearer token from configuration. Comparison is constant time.
func (s *Server) ManagementAuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		expected := s.cfg.ManagementToken
		if expected == "" {
			// A deployment without a token never exposes the management API.
			AbortWithError(c, ErrUnauthorized)
			return
		}

		header := strings.TrimSpace(c.GetHeader("Authorization"))
		parts := strings.Fields(header)
		if len(parts) != 2 || parts[0] != "Bearer" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(expected)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx := obscontext.WithActor(c.Request.Context(), "operator", "management-token")
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
