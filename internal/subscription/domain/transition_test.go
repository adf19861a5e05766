package domain

import (
	"testing"
	"time"

	"github.com/fleetform/fleetform/internal/tier"
)

func TestTransitionTotality(t *testing.T) {
	for _, status := range Statuses {
		for _, eventType := range EventTypes {
			next, intents := Transition(TransitionInput{
				Current: status,
				Event:   Event{Type: eventType},
			})
			if next == "" {
				t.Fatalf("(%s, %s) produced empty next state", status, eventType)
			}
			for _, intent := range intents {
				if intent.Kind == "" {
					t.Fatalf("(%s, %s) produced empty intent kind", status, eventType)
				}
			}
		}
	}
}

func TestTransitionUnknownEventIsNoop(t *testing.T) {
	next, intents := Transition(TransitionInput{
		Current: StatusActive,
		Event:   Event{Type: EventType("customer.source.expiring")},
	})
	if next != StatusActive {
		t.Fatalf("expected unchanged state, got %s", next)
	}
	if len(intents) != 0 {
		t.Fatalf("expected no intents, got %v", intents)
	}
}

func TestCreatedActiveEmitsProvision(t *testing.T) {
	next, intents := Transition(TransitionInput{
		Current: StatusIncomplete,
		Event: Event{
			Type:           EventSubscriptionCreated,
			ProviderStatus: StatusActive,
			Tier:           tier.TierStarter,
		},
	})
	if next != StatusActive {
		t.Fatalf("expected active, got %s", next)
	}
	if len(intents) != 1 || intents[0].Kind != IntentProvision || intents[0].Tier != tier.TierStarter {
		t.Fatalf("expected one provision intent for starter, got %v", intents)
	}
}

func TestProvisionNotReissuedWithLiveInstance(t *testing.T) {
	_, intents := Transition(TransitionInput{
		Current:         StatusActive,
		CurrentTier:     tier.TierStarter,
		HasLiveInstance: true,
		Event: Event{
			Type:           EventSubscriptionUpdated,
			ProviderStatus: StatusActive,
			Tier:           tier.TierStarter,
		},
	})
	if len(intents) != 0 {
		t.Fatalf("expected no intents, got %v", intents)
	}
}

func TestTierChangeEmitsResize(t *testing.T) {
	_, intents := Transition(TransitionInput{
		Current:         StatusActive,
		CurrentTier:     tier.TierStarter,
		HasLiveInstance: true,
		Event: Event{
			Type:           EventSubscriptionUpdated,
			ProviderStatus: StatusActive,
			Tier:           tier.TierProfessional,
		},
	})
	if len(intents) != 1 || intents[0].Kind != IntentResize || intents[0].Tier != tier.TierProfessional {
		t.Fatalf("expected resize to professional, got %v", intents)
	}
}

func TestPaymentFailureThenRecoveryLeavesInstanceAlone(t *testing.T) {
	next, intents := Transition(TransitionInput{
		Current:         StatusActive,
		HasLiveInstance: true,
		Event:           Event{Type: EventInvoicePaymentFailed},
	})
	if next != StatusPastDue {
		t.Fatalf("expected past_due, got %s", next)
	}
	if len(intents) != 0 {
		t.Fatalf("expected no intents inside grace, got %v", intents)
	}

	next, intents = Transition(TransitionInput{
		Current:         StatusPastDue,
		HasLiveInstance: true,
		Event:           Event{Type: EventInvoicePaymentSucceeded},
	})
	if next != StatusActive {
		t.Fatalf("expected active, got %s", next)
	}
	if len(intents) != 1 || intents[0].Kind != IntentReactivate {
		t.Fatalf("expected reactivate only, got %v", intents)
	}
}

func TestRecoveryResizesStaleInstanceQuota(t *testing.T) {
	// The tier changed while the subscription was past_due, so the instance
	// quota lags the subscription snapshot. Recovery events carry no tier;
	// the resize targets the snapshot.
	next, intents := Transition(TransitionInput{
		Current:            StatusPastDue,
		CurrentTier:        tier.TierProfessional,
		HasLiveInstance:    true,
		InstanceQuotaStale: true,
		Event:              Event{Type: EventInvoicePaymentSucceeded},
	})
	if next != StatusActive {
		t.Fatalf("expected active, got %s", next)
	}
	if len(intents) != 2 {
		t.Fatalf("expected reactivate and resize, got %v", intents)
	}
	if intents[0].Kind != IntentReactivate {
		t.Fatalf("expected reactivate first, got %v", intents[0])
	}
	if intents[1].Kind != IntentResize || intents[1].Tier != tier.TierProfessional {
		t.Fatalf("expected resize to professional, got %v", intents[1])
	}
}

func TestPastDueBeyondGraceEmitsSuspend(t *testing.T) {
	_, intents := Transition(TransitionInput{
		Current:         StatusPastDue,
		HasLiveInstance: true,
		GraceExpired:    true,
		Event:           Event{Type: EventInvoicePaymentFailed},
	})
	if len(intents) != 1 || intents[0].Kind != IntentSuspend {
		t.Fatalf("expected suspend, got %v", intents)
	}
}

func TestDeletedSchedulesDestroyAtPeriodEnd(t *testing.T) {
	periodEnd := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	next, intents := Transition(TransitionInput{
		Current:         StatusActive,
		HasLiveInstance: true,
		Event: Event{
			Type:             EventSubscriptionDeleted,
			CurrentPeriodEnd: &periodEnd,
		},
	})
	if next != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", next)
	}
	if len(intents) != 1 || intents[0].Kind != IntentScheduleDestroy {
		t.Fatalf("expected schedule_destroy, got %v", intents)
	}
	if intents[0].DestroyAt == nil || !intents[0].DestroyAt.Equal(periodEnd) {
		t.Fatalf("expected destroy at period end, got %v", intents[0].DestroyAt)
	}
}

func TestCancelledIsTerminalForEvents(t *testing.T) {
	for _, eventType := range EventTypes {
		next, intents := Transition(TransitionInput{
			Current:         StatusCancelled,
			HasLiveInstance: false,
			Event:           Event{Type: eventType},
		})
		if next != StatusCancelled {
			t.Fatalf("cancelled + %s moved to %s", eventType, next)
		}
		if len(intents) != 0 {
			t.Fatalf("cancelled + %s emitted %v", eventType, intents)
		}
	}
}

func TestIncompletePaymentFailureCancels(t *testing.T) {
	next, intents := Transition(TransitionInput{
		Current: StatusIncomplete,
		Event:   Event{Type: EventInvoicePaymentFailed},
	})
	if next != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", next)
	}
	if len(intents) != 0 {
		t.Fatalf("expected no intents without an instance, got %v", intents)
	}
}
