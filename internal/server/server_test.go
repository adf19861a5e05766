package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/fleetform/fleetform/internal/cluster"
	"github.com/fleetform/fleetform/internal/config"
	instancedomain "github.com/fleetform/fleetform/internal/instance/domain"
	"github.com/fleetform/fleetform/internal/tier"
	webhookdomain "github.com/fleetform/fleetform/internal/webhook/domain"
)

const testToken = "tok_management_test"

type stubInstances struct {
	instance *instancedomain.Instance
	err      error
}

func (s *stubInstances) Provision(ctx context.Context, req instancedomain.ProvisionRequest) (*instancedomain.Instance, error) {
	return s.instance, s.err
}

func (s *stubInstances) Start(ctx context.Context, id snowflake.ID) (*instancedomain.Instance, error) {
	return s.instance, s.err
}

func (s *stubInstances) Stop(ctx context.Context, id snowflake.ID) (*instancedomain.Instance, error) {
	return s.instance, s.err
}

func (s *stubInstances) Restart(ctx context.Context, id snowflake.ID) (*instancedomain.Instance, error) {
	return s.instance, s.err
}

func (s *stubInstances) Resize(ctx context.Context, id snowflake.ID, to tier.Tier) (*instancedomain.Instance, error) {
	return s.instance, s.err
}

func (s *stubInstances) Uninstall(ctx context.Context, id snowflake.ID) error { return s.err }

func (s *stubInstances) ScheduleDestroy(ctx context.Context, id snowflake.ID, at *time.Time) error {
	return s.err
}

func (s *stubInstances) Reactivate(ctx context.Context, id snowflake.ID) (*instancedomain.Instance, error) {
	return s.instance, s.err
}

func (s *stubInstances) Get(ctx context.Context, id snowflake.ID) (*instancedomain.Instance, error) {
	if s.instance == nil {
		return nil, instancedomain.ErrInstanceNotFound
	}
	return s.instance, s.err
}

type stubWebhooks struct {
	err error
}

func (s *stubWebhooks) Handle(ctx context.Context, provider string, payload []byte, signatureHeader string) error {
	return s.err
}

type stubHealth struct {
	health cluster.Health
	probes int
}

func (s *stubHealth) EnsureWorkload(context.Context, cluster.WorkloadSpec) error  { return nil }
func (s *stubHealth) ScaleWorkload(context.Context, string, int32) error         { return nil }
func (s *stubHealth) RestartWorkload(context.Context, string) error              { return nil }
func (s *stubHealth) DeleteWorkload(context.Context, string) error               { return nil }
func (s *stubHealth) WorkloadHealth(context.Context, string) (cluster.Health, error) {
	s.probes++
	return s.health, nil
}

type noopAudit struct{}

func (noopAudit) Record(ctx context.Context, action, targetType string, targetID *string, metadata map[string]any) error {
	return nil
}

func newTestServer(t *testing.T, instances instancedomain.Service, webhooks webhookdomain.Service, orch cluster.Orchestrator) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	cfg := config.Config{
		ManagementToken:   testToken,
		WebhookRateLimit:  100,
		WebhookRateWindow: time.Minute,
		ServiceVersion:    "test",
	}
	srv := New(Params{
		Config:    cfg,
		Log:       zap.NewNop(),
		DB:        db,
		Instances: instances,
		Webhooks:  webhooks,
		Cluster:   orch,
		Audit:     noopAudit{},
	})
	engine := gin.New()
	srv.RegisterRoutes(engine)
	return engine
}

func authedRequest(method, path string, body []byte) *http.Request {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func runningInstance() *instancedomain.Instance {
	return &instancedomain.Instance{
		ID:           42,
		WorkloadName: instancedomain.WorkloadName(42),
		Status:       instancedomain.StatusRunning,
	}
}

func TestManagementAuthRejectsMissingToken(t *testing.T) {
	engine := newTestServer(t, &stubInstances{}, &stubWebhooks{}, &stubHealth{})

	req := httptest.NewRequest(http.MethodGet, "/v1/instances/42", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestManagementAuthRejectsWrongToken(t *testing.T) {
	engine := newTestServer(t, &stubInstances{}, &stubWebhooks{}, &stubHealth{})

	req := httptest.NewRequest(http.MethodGet, "/v1/instances/42", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestCreateInstance(t *testing.T) {
	engine := newTestServer(t, &stubInstances{instance: runningInstance()}, &stubWebhooks{}, &stubHealth{})

	body, _ := json.Marshal(map[string]string{
		"subscription_id": "100",
		"tier":            "starter",
	})
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/instances", body))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateInstanceUnknownTier(t *testing.T) {
	engine := newTestServer(t, &stubInstances{}, &stubWebhooks{}, &stubHealth{})

	body, _ := json.Marshal(map[string]string{
		"subscription_id": "100",
		"tier":            "platinum",
	})
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/instances", body))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGetInstanceIncludesHealth(t *testing.T) {
	orch := &stubHealth{health: cluster.HealthHealthy}
	engine := newTestServer(t, &stubInstances{instance: runningInstance()}, &stubWebhooks{}, orch)

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, authedRequest(http.MethodGet, "/v1/instances/42", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["health"] != "healthy" {
		t.Fatalf("expected health field, got %v", resp["health"])
	}

	// second read is served from the TTL cache
	rec = httptest.NewRecorder()
	engine.ServeHTTP(rec, authedRequest(http.MethodGet, "/v1/instances/42", nil))
	if orch.probes != 1 {
		t.Fatalf("expected one cluster probe, got %d", orch.probes)
	}
}

func TestGetInstanceNotFound(t *testing.T) {
	engine := newTestServer(t, &stubInstances{}, &stubWebhooks{}, &stubHealth{})

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, authedRequest(http.MethodGet, "/v1/instances/42", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestStartConflictMapsTo409(t *testing.T) {
	engine := newTestServer(t, &stubInstances{err: instancedomain.ErrProvisioningBusy}, &stubWebhooks{}, &stubHealth{})

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/instances/42/start", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestDeleteInstanceIsAccepted(t *testing.T) {
	engine := newTestServer(t, &stubInstances{instance: runningInstance()}, &stubWebhooks{}, &stubHealth{})

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, authedRequest(http.MethodDelete, "/v1/instances/42", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
}

func TestWebhookInvalidSignature(t *testing.T) {
	engine := newTestServer(t, &stubInstances{}, &stubWebhooks{err: webhookdomain.ErrInvalidSignature}, &stubHealth{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader([]byte("{}")))
	engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestWebhookUnknownProvider(t *testing.T) {
	engine := newTestServer(t, &stubInstances{}, &stubWebhooks{err: webhookdomain.ErrUnknownProvider}, &stubHealth{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/paypal", bytes.NewReader([]byte("{}")))
	engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestWebhookAccepted(t *testing.T) {
	engine := newTestServer(t, &stubInstances{}, &stubWebhooks{}, &stubHealth{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader([]byte("{}")))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	engine := newTestServer(t, &stubInstances{}, &stubWebhooks{}, &stubHealth{})

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
