package domain

import (
	"context"
	"errors"
)

// Result reports what applying one billing event changed.
type Result struct {
	Subscription *Subscription
	Previous     SubscriptionStatus
	Intents      []Intent
	// Skipped is true when the event referenced a subscription this service
	// has never seen and the event type cannot create one.
	Skipped bool
}

// Service applies normalized billing events: it runs the state machine,
// persists the outcome under optimistic concurrency, and executes the
// emitted intents against the instance orchestrator.
type Service interface {
	Apply(ctx context.Context, event Event) (*Result, error)
}

var (
	ErrMissingSubscriptionRef = errors.New("missing_subscription_ref")
	ErrConcurrentUpdate       = errors.New("concurrent_update")
)
