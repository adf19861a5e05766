package domain

import (
	"time"

	"github.com/fleetform/fleetform/internal/tier"
)

// EventType names the billing events the state machine understands.
type EventType string

const (
	EventSubscriptionCreated     EventType = "subscription-created"
	EventSubscriptionUpdated     EventType = "subscription-updated"
	EventSubscriptionDeleted     EventType = "subscription-deleted"
	EventInvoicePaymentFailed    EventType = "invoice-payment-failed"
	EventInvoicePaymentSucceeded EventType = "invoice-payment-succeeded"
	EventTrialWillEnd            EventType = "trial-will-end"
)

// EventTypes lists every handled event type.
var EventTypes = []EventType{
	EventSubscriptionCreated,
	EventSubscriptionUpdated,
	EventSubscriptionDeleted,
	EventInvoicePaymentFailed,
	EventInvoicePaymentSucceeded,
	EventTrialWillEnd,
}

// Event is a normalized billing event after provider-specific decoding.
type Event struct {
	Type                   EventType
	BillingCustomerRef     string
	BillingSubscriptionRef string
	CustomerEmail          string
	Tier                   tier.Tier
	// ProviderStatus is the status the provider reports on the subscription
	// object, already normalized to our status enum. Empty when the event
	// carries no subscription object.
	ProviderStatus   SubscriptionStatus
	TrialEnd         *time.Time
	CurrentPeriodEnd *time.Time
	CancelAt         *time.Time
	OccurredAt       time.Time
}
