package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/fleetform/fleetform/internal/clock"
	subscriptiondomain "github.com/fleetform/fleetform/internal/subscription/domain"
	domain "github.com/fleetform/fleetform/internal/webhook/domain"
	"github.com/fleetform/fleetform/internal/webhook/repository"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type fakeAdapter struct {
	event    *domain.ProviderEvent
	parseErr error
}

func (f *fakeAdapter) Provider() string { return "fake" }

func (f *fakeAdapter) Parse(payload []byte, signatureHeader string) (*domain.ProviderEvent, error) {
	if f.parseErr != nil {
		return nil, f.parseErr
	}
	return f.event, nil
}

type fakeSubscriptions struct {
	applies  int
	applyErr error
}

func (f *fakeSubscriptions) Apply(ctx context.Context, event subscriptiondomain.Event) (*subscriptiondomain.Result, error) {
	f.applies++
	if f.applyErr != nil {
		return nil, f.applyErr
	}
	return &subscriptiondomain.Result{}, nil
}

func setupWebhookTest(t *testing.T, adapter domain.Adapter, subs subscriptiondomain.Service) (domain.Service, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&domain.ProcessedEvent{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	node, err := snowflake.NewNode(3)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	svc := New(Params{
		DB:            db,
		GenID:         node,
		Registry:      domain.NewRegistry(adapter),
		Repository:    repository.Provide(),
		Subscriptions: subs,
		Clock:         clock.FixedClock{At: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
		Logger:        zap.NewNop(),
	})
	return svc, db
}

func normalizedEvent(id string) *domain.ProviderEvent {
	return &domain.ProviderEvent{
		ID:   id,
		Type: "customer.subscription.created",
		Normalized: &subscriptiondomain.Event{
			Type:                   subscriptiondomain.EventSubscriptionCreated,
			BillingSubscriptionRef: "sub_1",
		},
	}
}

func TestHandleUnknownProvider(t *testing.T) {
	svc, _ := setupWebhookTest(t, &fakeAdapter{}, &fakeSubscriptions{})

	err := svc.Handle(context.Background(), "paypal", nil, "")
	if !errors.Is(err, domain.ErrUnknownProvider) {
		t.Fatalf("expected unknown provider, got %v", err)
	}
}

func TestHandleInvalidSignature(t *testing.T) {
	svc, _ := setupWebhookTest(t,
		&fakeAdapter{parseErr: domain.ErrInvalidSignature}, &fakeSubscriptions{})

	err := svc.Handle(context.Background(), "fake", []byte("{}"), "bad")
	if !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("expected invalid signature, got %v", err)
	}
}

func TestHandleProcessesAndLedgers(t *testing.T) {
	subs := &fakeSubscriptions{}
	svc, db := setupWebhookTest(t, &fakeAdapter{event: normalizedEvent("evt_1")}, subs)

	if err := svc.Handle(context.Background(), "fake", []byte("{}"), "sig"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if subs.applies != 1 {
		t.Fatalf("expected one apply, got %d", subs.applies)
	}

	var row domain.ProcessedEvent
	if err := db.First(&row, "provider = ? AND provider_event_id = ?", "fake", "evt_1").Error; err != nil {
		t.Fatalf("load ledger: %v", err)
	}
	if row.Outcome != domain.OutcomeProcessed {
		t.Fatalf("expected processed, got %s", row.Outcome)
	}
	if row.ProcessedAt == nil {
		t.Fatal("expected processed_at set")
	}
}

func TestHandleDuplicateDeliveryIsAckedOnce(t *testing.T) {
	subs := &fakeSubscriptions{}
	svc, db := setupWebhookTest(t, &fakeAdapter{event: normalizedEvent("evt_2")}, subs)

	if err := svc.Handle(context.Background(), "fake", []byte("{}"), "sig"); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := svc.Handle(context.Background(), "fake", []byte("{}"), "sig"); err != nil {
		t.Fatalf("duplicate delivery: %v", err)
	}
	if subs.applies != 1 {
		t.Fatalf("expected exactly one apply, got %d", subs.applies)
	}

	var count int64
	if err := db.Model(&domain.ProcessedEvent{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one ledger row, got %d", count)
	}
}

func TestHandleUnhandledTypeIsIgnored(t *testing.T) {
	subs := &fakeSubscriptions{}
	svc, db := setupWebhookTest(t, &fakeAdapter{event: &domain.ProviderEvent{
		ID:   "evt_3",
		Type: "charge.refunded",
	}}, subs)

	if err := svc.Handle(context.Background(), "fake", []byte("{}"), "sig"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if subs.applies != 0 {
		t.Fatalf("expected no apply, got %d", subs.applies)
	}

	var row domain.ProcessedEvent
	if err := db.First(&row, "provider_event_id = ?", "evt_3").Error; err != nil {
		t.Fatalf("load ledger: %v", err)
	}
	if row.Outcome != domain.OutcomeIgnored {
		t.Fatalf("expected ignored, got %s", row.Outcome)
	}
}

func TestHandleFailureIsRetriedOnRedelivery(t *testing.T) {
	subs := &fakeSubscriptions{applyErr: errors.New("cluster unavailable")}
	svc, db := setupWebhookTest(t, &fakeAdapter{event: normalizedEvent("evt_4")}, subs)

	if err := svc.Handle(context.Background(), "fake", []byte("{}"), "sig"); err == nil {
		t.Fatal("expected processing error")
	}
	var row domain.ProcessedEvent
	if err := db.First(&row, "provider_event_id = ?", "evt_4").Error; err != nil {
		t.Fatalf("load ledger: %v", err)
	}
	if row.Outcome != domain.OutcomeFailed {
		t.Fatalf("expected failed, got %s", row.Outcome)
	}
	if row.Error == nil {
		t.Fatal("expected error recorded")
	}

	subs.applyErr = nil
	if err := svc.Handle(context.Background(), "fake", []byte("{}"), "sig"); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if subs.applies != 2 {
		t.Fatalf("expected retry to reprocess, got %d applies", subs.applies)
	}

	if err := db.First(&row, "provider_event_id = ?", "evt_4").Error; err != nil {
		t.Fatalf("reload ledger: %v", err)
	}
	if row.Outcome != domain.OutcomeProcessed {
		t.Fatalf("expected processed after retry, got %s", row.Outcome)
	}
}
