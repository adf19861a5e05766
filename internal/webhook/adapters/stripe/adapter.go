package stripe

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	subscriptiondomain "github.com/fleetform/fleetform/internal/subscription/domain"
	"github.com/fleetform/fleetform/internal/tier"
	webhookdomain "github.com/fleetform/fleetform/internal/webhook/domain"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// ProviderName is the path segment Stripe deliveries arrive under.
const ProviderName = "stripe"

// Adapter verifies Stripe signatures and normalizes the event types this
// service acts on. Everything else decodes to a nil Normalized event.
type Adapter struct {
	secret string
}

func New(secret string) *Adapter {
	return &Adapter{secret: secret}
}

func (a *Adapter) Provider() string { return ProviderName }

// subscriptionObject is the slice of Stripe's subscription payload we read.
// Decoded from the raw event body so API version drift in unrelated fields
// cannot break us.
type subscriptionObject struct {
	ID               string            `json:"id"`
	Customer         string            `json:"customer"`
	Status           string            `json:"status"`
	TrialEnd         int64             `json:"trial_end"`
	CurrentPeriodEnd int64             `json:"current_period_end"`
	CancelAt         int64             `json:"cancel_at"`
	Metadata         map[string]string `json:"metadata"`
	Items            struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
			Price            struct {
				LookupKey string            `json:"lookup_key"`
				Metadata  map[string]string `json:"metadata"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

type invoiceObject struct {
	Customer      string `json:"customer"`
	CustomerEmail string `json:"customer_email"`
	Subscription  string `json:"subscription"`
	Parent        struct {
		SubscriptionDetails struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

func (a *Adapter) Parse(payload []byte, signatureHeader string) (*webhookdomain.ProviderEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, a.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", webhookdomain.ErrInvalidSignature, err)
	}

	result := &webhookdomain.ProviderEvent{
		ID:   event.ID,
		Type: string(event.Type),
	}

	occurredAt := time.Unix(event.Created, 0).UTC()
	switch event.Type {
	case "customer.subscription.created":
		result.Normalized, err = a.normalizeSubscription(event, subscriptiondomain.EventSubscriptionCreated, occurredAt)
	case "customer.subscription.updated":
		result.Normalized, err = a.normalizeSubscription(event, subscriptiondomain.EventSubscriptionUpdated, occurredAt)
	case "customer.subscription.deleted":
		result.Normalized, err = a.normalizeSubscription(event, subscriptiondomain.EventSubscriptionDeleted, occurredAt)
	case "customer.subscription.trial_will_end":
		result.Normalized, err = a.normalizeSubscription(event, subscriptiondomain.EventTrialWillEnd, occurredAt)
	case "invoice.payment_failed":
		result.Normalized, err = a.normalizeInvoice(event, subscriptiondomain.EventInvoicePaymentFailed, occurredAt)
	case "invoice.payment_succeeded", "invoice.paid":
		result.Normalized, err = a.normalizeInvoice(event, subscriptiondomain.EventInvoicePaymentSucceeded, occurredAt)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (a *Adapter) normalizeSubscription(event stripelib.Event, eventType subscriptiondomain.EventType, occurredAt time.Time) (*subscriptiondomain.Event, error) {
	var sub subscriptionObject
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, fmt.Errorf("%w: decode subscription: %v", webhookdomain.ErrInvalidPayload, err)
	}
	if sub.ID == "" {
		return nil, fmt.Errorf("%w: subscription without id", webhookdomain.ErrInvalidPayload)
	}

	normalized := &subscriptiondomain.Event{
		Type:                   eventType,
		BillingCustomerRef:     sub.Customer,
		BillingSubscriptionRef: sub.ID,
		Tier:                   tierOf(sub),
		ProviderStatus:         normalizeStatus(sub.Status),
		TrialEnd:               unixTime(sub.TrialEnd),
		CurrentPeriodEnd:       unixTime(periodEnd(sub)),
		CancelAt:               unixTime(sub.CancelAt),
		OccurredAt:             occurredAt,
	}
	return normalized, nil
}

func (a *Adapter) normalizeInvoice(event stripelib.Event, eventType subscriptiondomain.EventType, occurredAt time.Time) (*subscriptiondomain.Event, error) {
	var inv invoiceObject
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return nil, fmt.Errorf("%w: decode invoice: %v", webhookdomain.ErrInvalidPayload, err)
	}
	ref := inv.Subscription
	if ref == "" {
		ref = inv.Parent.SubscriptionDetails.Subscription
	}
	if ref == "" {
		// Invoices unrelated to a subscription (one-off charges) carry no
		// lifecycle signal.
		return nil, nil
	}
	return &subscriptiondomain.Event{
		Type:                   eventType,
		BillingCustomerRef:     inv.Customer,
		BillingSubscriptionRef: ref,
		CustomerEmail:          inv.CustomerEmail,
		OccurredAt:             occurredAt,
	}, nil
}

// tierOf reads the plan tier from the price lookup key, falling back to
// price or subscription metadata.
func tierOf(sub subscriptionObject) tier.Tier {
	for _, item := range sub.Items.Data {
		if key := strings.TrimSpace(item.Price.LookupKey); key != "" {
			return tier.Tier(strings.ToLower(key))
		}
		if value := strings.TrimSpace(item.Price.Metadata["tier"]); value != "" {
			return tier.Tier(strings.ToLower(value))
		}
	}
	if value := strings.TrimSpace(sub.Metadata["tier"]); value != "" {
		return tier.Tier(strings.ToLower(value))
	}
	return ""
}

func periodEnd(sub subscriptionObject) int64 {
	if sub.CurrentPeriodEnd > 0 {
		return sub.CurrentPeriodEnd
	}
	for _, item := range sub.Items.Data {
		if item.CurrentPeriodEnd > 0 {
			return item.CurrentPeriodEnd
		}
	}
	return 0
}

func normalizeStatus(status string) subscriptiondomain.SubscriptionStatus {
	switch status {
	case "trialing":
		return subscriptiondomain.StatusTrialing
	case "active":
		return subscriptiondomain.StatusActive
	case "past_due", "unpaid":
		return subscriptiondomain.StatusPastDue
	case "canceled", "incomplete_expired":
		return subscriptiondomain.StatusCancelled
	case "incomplete":
		return subscriptiondomain.StatusIncomplete
	default:
		return ""
	}
}

func unixTime(ts int64) *time.Time {
	if ts <= 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}
