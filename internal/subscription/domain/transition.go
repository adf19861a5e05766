package domain

import (
	"time"

	"github.com/fleetform/fleetform/internal/tier"
)

// IntentKind names a side effect the state machine asks the instance
// orchestrator to perform.
type IntentKind string

const (
	IntentProvision       IntentKind = "provision"
	IntentResize          IntentKind = "resize"
	IntentSuspend         IntentKind = "suspend"
	IntentScheduleDestroy IntentKind = "schedule_destroy"
	IntentReactivate      IntentKind = "reactivate"
)

// Intent is a side-effect instruction emitted by a transition. The state
// machine never executes intents itself.
type Intent struct {
	Kind      IntentKind
	Tier      tier.Tier
	DestroyAt *time.Time
}

// TransitionInput is everything a transition may depend on. All fields are
// plain values so the transition stays a pure function.
type TransitionInput struct {
	Current     SubscriptionStatus
	CurrentTier tier.Tier
	Event       Event
	// HasLiveInstance is true when the subscription owns a non-terminal
	// instance.
	HasLiveInstance bool
	// InstanceQuotaStale is true when the live instance's quota no longer
	// matches the subscription's snapshot (a tier change landed while the
	// instance was suspended or failed).
	InstanceQuotaStale bool
	// GraceExpired is true when the past_due grace period has elapsed.
	GraceExpired bool
}

type transitionFunc func(in TransitionInput) (SubscriptionStatus, []Intent)

// transitions is the full truth table. Missing (status, event) pairs fall
// through to noChange, so the machine is total and forward compatible.
var transitions = map[SubscriptionStatus]map[EventType]transitionFunc{
	StatusTrialing: {
		EventSubscriptionCreated:     applyProviderStatus,
		EventSubscriptionUpdated:     applyProviderStatus,
		EventSubscriptionDeleted:     toCancelled,
		EventInvoicePaymentFailed:    toPastDue,
		EventInvoicePaymentSucceeded: toActive,
		EventTrialWillEnd:            noChange,
	},
	StatusActive: {
		EventSubscriptionCreated:     applyProviderStatus,
		EventSubscriptionUpdated:     applyProviderStatus,
		EventSubscriptionDeleted:     toCancelled,
		EventInvoicePaymentFailed:    toPastDue,
		EventInvoicePaymentSucceeded: toActive,
		EventTrialWillEnd:            noChange,
	},
	StatusPastDue: {
		EventSubscriptionCreated:     applyProviderStatus,
		EventSubscriptionUpdated:     applyProviderStatus,
		EventSubscriptionDeleted:     toCancelled,
		EventInvoicePaymentFailed:    stayPastDue,
		EventInvoicePaymentSucceeded: toActive,
		EventTrialWillEnd:            noChange,
	},
	StatusCancelled: {
		EventSubscriptionCreated:     noChange,
		EventSubscriptionUpdated:     noChange,
		EventSubscriptionDeleted:     noChange,
		EventInvoicePaymentFailed:    noChange,
		EventInvoicePaymentSucceeded: noChange,
		EventTrialWillEnd:            noChange,
	},
	StatusIncomplete: {
		EventSubscriptionCreated:     applyProviderStatus,
		EventSubscriptionUpdated:     applyProviderStatus,
		EventSubscriptionDeleted:     toCancelled,
		EventInvoicePaymentFailed:    toCancelled,
		EventInvoicePaymentSucceeded: toActive,
		EventTrialWillEnd:            noChange,
	},
}

// Transition maps (current state, event) to (next state, intents). Pure: no
// I/O, no clock reads, no mutation of the input.
func Transition(in TransitionInput) (SubscriptionStatus, []Intent) {
	byEvent, ok := transitions[in.Current]
	if !ok {
		return in.Current, nil
	}
	fn, ok := byEvent[in.Event.Type]
	if !ok {
		return in.Current, nil
	}
	return fn(in)
}

func noChange(in TransitionInput) (SubscriptionStatus, []Intent) {
	return in.Current, nil
}

// applyProviderStatus adopts the status the provider reports on the
// subscription object and derives intents from the delta.
func applyProviderStatus(in TransitionInput) (SubscriptionStatus, []Intent) {
	next := in.Event.ProviderStatus
	if next == "" {
		next = in.Current
	}

	switch next {
	case StatusActive:
		return StatusActive, activationIntents(in)
	case StatusCancelled:
		return StatusCancelled, cancellationIntents(in)
	default:
		return next, nil
	}
}

func toActive(in TransitionInput) (SubscriptionStatus, []Intent) {
	return StatusActive, activationIntents(in)
}

func toPastDue(in TransitionInput) (SubscriptionStatus, []Intent) {
	return StatusPastDue, pastDueIntents(in)
}

func stayPastDue(in TransitionInput) (SubscriptionStatus, []Intent) {
	return StatusPastDue, pastDueIntents(in)
}

func toCancelled(in TransitionInput) (SubscriptionStatus, []Intent) {
	return StatusCancelled, cancellationIntents(in)
}

func activationIntents(in TransitionInput) []Intent {
	targetTier := in.Event.Tier
	if targetTier == "" {
		targetTier = in.CurrentTier
	}

	if !in.HasLiveInstance {
		return []Intent{{Kind: IntentProvision, Tier: targetTier}}
	}

	var intents []Intent
	if in.Current == StatusPastDue {
		intents = append(intents, Intent{Kind: IntentReactivate})
	}
	if (in.Event.Tier != "" && in.Event.Tier != in.CurrentTier) || in.InstanceQuotaStale {
		intents = append(intents, Intent{Kind: IntentResize, Tier: targetTier})
	}
	return intents
}

func pastDueIntents(in TransitionInput) []Intent {
	if in.HasLiveInstance && in.GraceExpired {
		return []Intent{{Kind: IntentSuspend}}
	}
	return nil
}

func cancellationIntents(in TransitionInput) []Intent {
	if !in.HasLiveInstance {
		return nil
	}
	intent := Intent{Kind: IntentScheduleDestroy}
	if in.Event.CurrentPeriodEnd != nil {
		at := *in.Event.CurrentPeriodEnd
		intent.DestroyAt = &at
	}
	return []Intent{intent}
}
