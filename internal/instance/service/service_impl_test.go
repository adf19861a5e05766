package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/fleetform/fleetform/internal/clock"
	"github.com/fleetform/fleetform/internal/cluster"
	"github.com/fleetform/fleetform/internal/config"
	"github.com/fleetform/fleetform/internal/events"
	domain "github.com/fleetform/fleetform/internal/instance/domain"
	"github.com/fleetform/fleetform/internal/instance/repository"
	"github.com/fleetform/fleetform/internal/tier"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type fakeCluster struct {
	mu        sync.Mutex
	workloads map[string]cluster.WorkloadSpec
	health    map[string]cluster.Health
	ensureErr error
	deleteErr error
	restarted map[string]int
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{
		workloads: map[string]cluster.WorkloadSpec{},
		health:    map[string]cluster.Health{},
		restarted: map[string]int{},
	}
}

func (f *fakeCluster) EnsureWorkload(_ context.Context, spec cluster.WorkloadSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ensureErr != nil {
		return f.ensureErr
	}
	f.workloads[spec.Name] = spec
	return nil
}

func (f *fakeCluster) ScaleWorkload(_ context.Context, name string, replicas int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	spec, ok := f.workloads[name]
	if !ok {
		return cluster.ErrWorkloadNotFound
	}
	spec.Replicas = replicas
	f.workloads[name] = spec
	return nil
}

func (f *fakeCluster) RestartWorkload(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.workloads[name]; !ok {
		return cluster.ErrWorkloadNotFound
	}
	f.restarted[name]++
	return nil
}

func (f *fakeCluster) WorkloadHealth(_ context.Context, name string) (cluster.Health, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	spec, ok := f.workloads[name]
	if !ok {
		return cluster.HealthMissing, nil
	}
	if h, ok := f.health[name]; ok {
		return h, nil
	}
	if spec.Replicas == 0 {
		return cluster.HealthStopped, nil
	}
	return cluster.HealthHealthy, nil
}

func (f *fakeCluster) DeleteWorkload(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.workloads, name)
	delete(f.health, name)
	return nil
}

func setupInstanceTest(t *testing.T) (domain.Service, *fakeCluster, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&domain.Instance{}); err != nil {
		t.Fatalf("migrate instances: %v", err)
	}
	if err := db.Exec(
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_instances_live_subscription
		 ON instances(subscription_id) WHERE status <> 'destroyed'`,
	).Error; err != nil {
		t.Fatalf("create live index: %v", err)
	}
	if err := db.Exec(
		`CREATE TABLE IF NOT EXISTS lifecycle_events (
			id BIGINT PRIMARY KEY,
			event_type TEXT NOT NULL,
			payload TEXT,
			dedupe_key TEXT UNIQUE,
			published BOOLEAN NOT NULL DEFAULT FALSE,
			created_at DATETIME NOT NULL
		)`,
	).Error; err != nil {
		t.Fatalf("create lifecycle_events: %v", err)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	fc := newFakeCluster()
	svc := New(Params{
		Config: config.Config{
			WorkloadImage:      "fleetform/agent-runtime:test",
			WorkloadDomain:     "test.local",
			ClusterCallTimeout: time.Second,
		},
		DB:         db,
		GenID:      node,
		Repository: repository.Provide(),
		Cluster:    fc,
		Outbox:     events.NewOutbox(db, node),
		Clock:      clock.SystemClock{},
		Logger:     zap.NewNop(),
	})
	return svc, fc, db
}

func TestProvisionCreatesRunningInstance(t *testing.T) {
	svc, fc, _ := setupInstanceTest(t)

	inst, err := svc.Provision(context.Background(), domain.ProvisionRequest{
		SubscriptionID: 100,
		Tier:           tier.TierStarter,
	})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if inst.Status != domain.StatusRunning {
		t.Fatalf("expected running, got %s", inst.Status)
	}
	if inst.WorkloadName == "" {
		t.Fatal("expected workload name")
	}
	if _, ok := fc.workloads[inst.WorkloadName]; !ok {
		t.Fatal("expected workload in cluster")
	}
	if inst.MaxAgents != 3 {
		t.Fatalf("expected starter quota, got %d agents", inst.MaxAgents)
	}
}

func TestProvisionIsIdempotentPerSubscription(t *testing.T) {
	svc, _, _ := setupInstanceTest(t)

	first, err := svc.Provision(context.Background(), domain.ProvisionRequest{
		SubscriptionID: 200,
		Tier:           tier.TierFree,
	})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	second, err := svc.Provision(context.Background(), domain.ProvisionRequest{
		SubscriptionID: 200,
		Tier:           tier.TierFree,
	})
	if err != nil {
		t.Fatalf("second provision: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same instance, got %s and %s", first.ID, second.ID)
	}
}

// blindRepo misses its first live lookup, reproducing the window where two
// provision paths both read "no live instance" before either inserts.
type blindRepo struct {
	domain.Repository
	mu     sync.Mutex
	misses int
}

func (r *blindRepo) FindLiveBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (*domain.Instance, error) {
	r.mu.Lock()
	if r.misses > 0 {
		r.misses--
		r.mu.Unlock()
		return nil, nil
	}
	r.mu.Unlock()
	return r.Repository.FindLiveBySubscription(ctx, db, subscriptionID)
}

func TestProvisionRaceAdoptsWinningInstance(t *testing.T) {
	_, _, db := setupInstanceTest(t)

	node, err := snowflake.NewNode(7)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	svc := New(Params{
		Config: config.Config{
			WorkloadImage:      "fleetform/agent-runtime:test",
			WorkloadDomain:     "test.local",
			ClusterCallTimeout: time.Second,
		},
		DB:         db,
		GenID:      node,
		Repository: &blindRepo{Repository: repository.Provide(), misses: 1},
		Cluster:    newFakeCluster(),
		Outbox:     events.NewOutbox(db, node),
		Clock:      clock.SystemClock{},
		Logger:     zap.NewNop(),
	})

	winnerID := node.Generate()
	winner := &domain.Instance{
		ID:             winnerID,
		SubscriptionID: 1200,
		WorkloadName:   domain.WorkloadName(winnerID),
		Status:         domain.StatusRunning,
	}
	if err := db.Create(winner).Error; err != nil {
		t.Fatalf("seed winner: %v", err)
	}

	inst, err := svc.Provision(context.Background(), domain.ProvisionRequest{
		SubscriptionID: 1200,
		Tier:           tier.TierStarter,
	})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if inst.ID != winner.ID {
		t.Fatalf("expected winner adopted, got %s and %s", winner.ID, inst.ID)
	}

	var count int64
	if err := db.Model(&domain.Instance{}).
		Where("subscription_id = ?", 1200).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one live instance, got %d", count)
	}
}

func TestProvisionUnknownTier(t *testing.T) {
	svc, _, _ := setupInstanceTest(t)

	_, err := svc.Provision(context.Background(), domain.ProvisionRequest{
		SubscriptionID: 300,
		Tier:           tier.Tier("platinum"),
	})
	if !errors.Is(err, tier.ErrUnknownTier) {
		t.Fatalf("expected unknown tier, got %v", err)
	}
}

func TestProvisionClusterFailureMarksFailed(t *testing.T) {
	svc, fc, db := setupInstanceTest(t)
	fc.ensureErr = errors.New("quota exceeded")

	inst, err := svc.Provision(context.Background(), domain.ProvisionRequest{
		SubscriptionID: 400,
		Tier:           tier.TierStarter,
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if inst == nil || inst.Status != domain.StatusFailed {
		t.Fatalf("expected failed instance, got %+v", inst)
	}

	var stored domain.Instance
	if err := db.First(&stored, "id = ?", inst.ID).Error; err != nil {
		t.Fatalf("load instance: %v", err)
	}
	if stored.Status != domain.StatusFailed {
		t.Fatalf("expected failed in db, got %s", stored.Status)
	}
	if stored.LastError == nil || *stored.LastError == "" {
		t.Fatal("expected last_error recorded")
	}
}

func TestStopAndStart(t *testing.T) {
	svc, fc, _ := setupInstanceTest(t)

	inst, err := svc.Provision(context.Background(), domain.ProvisionRequest{
		SubscriptionID: 500,
		Tier:           tier.TierProfessional,
	})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}

	stopped, err := svc.Stop(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if stopped.Status != domain.StatusStopped {
		t.Fatalf("expected stopped, got %s", stopped.Status)
	}
	if fc.workloads[inst.WorkloadName].Replicas != 0 {
		t.Fatal("expected scale to zero")
	}

	// stop is idempotent
	again, err := svc.Stop(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if again.Status != domain.StatusStopped {
		t.Fatalf("expected stopped, got %s", again.Status)
	}

	started, err := svc.Start(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.Status != domain.StatusRunning {
		t.Fatalf("expected running, got %s", started.Status)
	}
	if fc.workloads[inst.WorkloadName].Replicas != 1 {
		t.Fatal("expected scale to one")
	}
}

func TestRestartRunningInstance(t *testing.T) {
	svc, fc, _ := setupInstanceTest(t)

	inst, err := svc.Provision(context.Background(), domain.ProvisionRequest{
		SubscriptionID: 600,
		Tier:           tier.TierStarter,
	})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if _, err := svc.Restart(context.Background(), inst.ID); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if fc.restarted[inst.WorkloadName] != 1 {
		t.Fatalf("expected one restart, got %d", fc.restarted[inst.WorkloadName])
	}
}

func TestResizeUpdatesQuota(t *testing.T) {
	svc, fc, db := setupInstanceTest(t)

	inst, err := svc.Provision(context.Background(), domain.ProvisionRequest{
		SubscriptionID: 700,
		Tier:           tier.TierStarter,
	})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}

	resized, err := svc.Resize(context.Background(), inst.ID, tier.TierProfessional)
	if err != nil {
		t.Fatalf("resize: %v", err)
	}
	if resized.MaxAgents != 10 {
		t.Fatalf("expected professional quota, got %d agents", resized.MaxAgents)
	}
	if fc.workloads[inst.WorkloadName].Quota.MaxAgents != 10 {
		t.Fatal("expected cluster spec updated")
	}

	var stored domain.Instance
	if err := db.First(&stored, "id = ?", inst.ID).Error; err != nil {
		t.Fatalf("load instance: %v", err)
	}
	if stored.MaxAgents != 10 {
		t.Fatalf("expected quota persisted, got %d", stored.MaxAgents)
	}
}

func TestUninstallDestroysWorkload(t *testing.T) {
	svc, fc, db := setupInstanceTest(t)

	inst, err := svc.Provision(context.Background(), domain.ProvisionRequest{
		SubscriptionID: 800,
		Tier:           tier.TierFree,
	})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if err := svc.Uninstall(context.Background(), inst.ID); err != nil {
		t.Fatalf("uninstall: %v", err)
	}
	if _, ok := fc.workloads[inst.WorkloadName]; ok {
		t.Fatal("expected workload deleted")
	}

	var stored domain.Instance
	if err := db.First(&stored, "id = ?", inst.ID).Error; err != nil {
		t.Fatalf("load instance: %v", err)
	}
	if stored.Status != domain.StatusDestroyed {
		t.Fatalf("expected destroyed, got %s", stored.Status)
	}

	// terminal uninstall is a no-op
	if err := svc.Uninstall(context.Background(), inst.ID); err != nil {
		t.Fatalf("second uninstall: %v", err)
	}
	// lifecycle operations on a destroyed instance are rejected
	if _, err := svc.Start(context.Background(), inst.ID); !errors.Is(err, domain.ErrInstanceDestroyed) {
		t.Fatalf("expected destroyed error, got %v", err)
	}
}

func TestUninstallDeleteFailureStaysDeprovisioning(t *testing.T) {
	svc, fc, db := setupInstanceTest(t)

	inst, err := svc.Provision(context.Background(), domain.ProvisionRequest{
		SubscriptionID: 900,
		Tier:           tier.TierFree,
	})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	fc.deleteErr = errors.New("apiserver unavailable")
	if err := svc.Uninstall(context.Background(), inst.ID); err != nil {
		t.Fatalf("uninstall: %v", err)
	}

	var stored domain.Instance
	if err := db.First(&stored, "id = ?", inst.ID).Error; err != nil {
		t.Fatalf("load instance: %v", err)
	}
	if stored.Status != domain.StatusDeprovisioning {
		t.Fatalf("expected deprovisioning, got %s", stored.Status)
	}
}

func TestScheduleDestroySetsDeadline(t *testing.T) {
	svc, _, db := setupInstanceTest(t)

	inst, err := svc.Provision(context.Background(), domain.ProvisionRequest{
		SubscriptionID: 1000,
		Tier:           tier.TierStarter,
	})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}

	at := time.Now().UTC().Add(24 * time.Hour)
	if err := svc.ScheduleDestroy(context.Background(), inst.ID, &at); err != nil {
		t.Fatalf("schedule destroy: %v", err)
	}

	var stored domain.Instance
	if err := db.First(&stored, "id = ?", inst.ID).Error; err != nil {
		t.Fatalf("load instance: %v", err)
	}
	if stored.DestroyAfter == nil {
		t.Fatal("expected destroy_after set")
	}
	if stored.Status != domain.StatusRunning {
		t.Fatalf("expected status untouched, got %s", stored.Status)
	}

	reactivated, err := svc.Reactivate(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if reactivated.DestroyAfter != nil {
		t.Fatal("expected destroy_after cleared")
	}
}

func TestScheduleDestroyPastDeadlineDestroysNow(t *testing.T) {
	svc, _, db := setupInstanceTest(t)

	inst, err := svc.Provision(context.Background(), domain.ProvisionRequest{
		SubscriptionID: 1100,
		Tier:           tier.TierFree,
	})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	past := time.Now().UTC().Add(-time.Minute)
	if err := svc.ScheduleDestroy(context.Background(), inst.ID, &past); err != nil {
		t.Fatalf("schedule destroy: %v", err)
	}

	var stored domain.Instance
	if err := db.First(&stored, "id = ?", inst.ID).Error; err != nil {
		t.Fatalf("load instance: %v", err)
	}
	if stored.Status != domain.StatusDestroyed {
		t.Fatalf("expected destroyed, got %s", stored.Status)
	}
}

func TestGetUnknownInstance(t *testing.T) {
	svc, _, _ := setupInstanceTest(t)

	_, err := svc.Get(context.Background(), 424242)
	if !errors.Is(err, domain.ErrInstanceNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
