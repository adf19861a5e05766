package domain

import (
	"context"
	"errors"
)

// Service receives raw provider webhook deliveries.
type Service interface {
	// Handle verifies, ledgers, and processes one delivery. A nil return
	// means the provider should be acked; ErrInvalidSignature and
	// ErrUnknownProvider map to client errors, anything else to a retryable
	// server error.
	Handle(ctx context.Context, provider string, payload []byte, signatureHeader string) error
}

var (
	ErrUnknownProvider  = errors.New("unknown_provider")
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrInvalidPayload   = errors.New("invalid_payload")
)
