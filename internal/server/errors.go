package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	clusterpkg "github.com/fleetform/fleetform/internal/cluster"
	instancedomain "github.com/fleetform/fleetform/internal/instance/domain"
	"github.com/fleetform/fleetform/internal/tier"
	webhookdomain "github.com/fleetform/fleetform/internal/webhook/domain"
)

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrNotFound           = errors.New("not_found")
	ErrTooManyRequests    = errors.New("too_many_requests")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

type validationError struct {
	Field   string `json:"field,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *validationError) Error() string { return e.Message }

func newValidationError(field, code, message string) error {
	return &validationError{Field: field, Code: code, Message: message}
}

func invalidRequestError() error {
	return newValidationError("", "invalid_request", "request body could not be parsed")
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// AbortWithError maps domain errors onto HTTP status codes and a stable JSON
// error shape.
func AbortWithError(c *gin.Context, err error) {
	var verr *validationError
	switch {
	case errors.As(err, &verr):
		c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: verr.Code, Field: verr.Field})
	case errors.Is(err, ErrUnauthorized):
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
	case errors.Is(err, ErrNotFound), errors.Is(err, instancedomain.ErrInstanceNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, errorResponse{Error: "not_found"})
	case errors.Is(err, ErrTooManyRequests):
		c.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse{Error: "too_many_requests"})
	case errors.Is(err, instancedomain.ErrInstanceDestroyed),
		errors.Is(err, instancedomain.ErrStaleState),
		errors.Is(err, instancedomain.ErrProvisioningBusy):
		c.AbortWithStatusJSON(http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, tier.ErrUnknownTier):
		c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: "unknown_tier"})
	case errors.Is(err, webhookdomain.ErrUnknownProvider):
		c.AbortWithStatusJSON(http.StatusNotFound, errorResponse{Error: "unknown_provider"})
	case errors.Is(err, webhookdomain.ErrInvalidSignature),
		errors.Is(err, webhookdomain.ErrInvalidPayload):
		c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: "invalid_webhook"})
	case errors.Is(err, ErrServiceUnavailable), clusterpkg.IsTransient(err):
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, errorResponse{Error: "service_unavailable"})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, errorResponse{Error: "internal_error"})
	}
}
