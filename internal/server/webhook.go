package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fleetform/fleetform/internal/observability/logger"
)

// webhookBodyLimit bounds provider payloads to 1 MiB.
const webhookBodyLimit = 1 << 20

// HandleWebhook receives one billing provider delivery. Signature
// verification inside the adapter is the authentication for this endpoint.
func (s *Server) HandleWebhook(c *gin.Context) {
	provider := c.Param("provider")

	if !s.webhookLimiter.Allow(provider + "|" + c.ClientIP()) {
		AbortWithError(c, ErrTooManyRequests)
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, webhookBodyLimit)
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	signature := c.GetHeader("Stripe-Signature")
	if signature == "" {
		signature = c.GetHeader("X-Webhook-Signature")
	}

	if err := s.webhooks.Handle(c.Request.Context(), provider, payload, signature); err != nil {
		s.log.Warn("webhook rejected",
			zap.String("provider", provider),
			zap.Any("request", logger.SafeFieldsFromRequest(c.Request)),
			zap.Error(err),
		)
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}
