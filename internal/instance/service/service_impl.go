package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/fleetform/fleetform/internal/clock"
	"github.com/fleetform/fleetform/internal/cluster"
	"github.com/fleetform/fleetform/internal/config"
	"github.com/fleetform/fleetform/internal/events"
	domain "github.com/fleetform/fleetform/internal/instance/domain"
	"github.com/fleetform/fleetform/internal/tier"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	clusterAttempts = 3
	clusterBackoff  = 500 * time.Millisecond
)

type Params struct {
	fx.In

	Config     config.Config
	DB         *gorm.DB
	GenID      *snowflake.Node
	Repository domain.Repository
	Cluster    cluster.Orchestrator
	Outbox     *events.Outbox
	Clock      clock.Clock
	Logger     *zap.Logger
}

type serviceImpl struct {
	cfg        config.Config
	db         *gorm.DB
	genID      *snowflake.Node
	repository domain.Repository
	cluster    cluster.Orchestrator
	outbox     *events.Outbox
	clock      clock.Clock
	logger     *zap.Logger
}

func New(p Params) domain.Service {
	return &serviceImpl{
		cfg:        p.Config,
		db:         p.DB,
		genID:      p.GenID,
		repository: p.Repository,
		cluster:    p.Cluster,
		outbox:     p.Outbox,
		clock:      p.Clock,
		logger:     p.Logger.Named("instance"),
	}
}

func (s *serviceImpl) Provision(ctx context.Context, req domain.ProvisionRequest) (*domain.Instance, error) {
	quota, err := tier.Resolve(req.Tier)
	if err != nil {
		return nil, err
	}

	var instance *domain.Instance
	if req.ExistingID != nil {
		instance, err = s.repository.FindByID(ctx, s.db, *req.ExistingID)
		if err != nil {
			return nil, err
		}
		if instance == nil {
			return nil, domain.ErrInstanceNotFound
		}
		if instance.Status.Terminal() {
			return nil, domain.ErrInstanceDestroyed
		}
		moved, err := s.repository.TransitionStatus(ctx, s.db, instance.ID,
			domain.NonTerminalStatuses, domain.StatusProvisioning,
			domain.StatusUpdate{ClearLastError: true})
		if err != nil {
			return nil, err
		}
		if !moved {
			return nil, domain.ErrStaleState
		}
		instance.Status = domain.StatusProvisioning
		instance.LastError = nil
		instance.Version++
		instance.SetQuota(quota)
	} else {
		existing, err := s.repository.FindLiveBySubscription(ctx, s.db, req.SubscriptionID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}

		id := s.genID.Generate()
		now := s.clock.Now()
		instance = &domain.Instance{
			ID:             id,
			SubscriptionID: req.SubscriptionID,
			WorkloadName:   domain.WorkloadName(id),
			Status:         domain.StatusProvisioning,
			URL:            "https://" + domain.WorkloadHostname(id, s.cfg.WorkloadDomain),
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		instance.SetQuota(quota)
		if err := s.repository.Insert(ctx, s.db, instance); err != nil {
			// A concurrent provision won the unique live-instance slot
			// between our read and this insert; adopt the winner's row.
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				existing, findErr := s.repository.FindLiveBySubscription(ctx, s.db, req.SubscriptionID)
				if findErr != nil {
					return nil, findErr
				}
				if existing != nil {
					return existing, nil
				}
			}
			return nil, err
		}
	}

	s.publish(ctx, events.EventInstanceProvisioned, instance, string(req.Tier))
	return s.converge(ctx, instance)
}

// converge pushes the desired workload to the cluster and promotes the row
// to running once the cluster reports healthy. A degraded workload stays in
// provisioning; the reconciler promotes it on a later pass.
func (s *serviceImpl) converge(ctx context.Context, instance *domain.Instance) (*domain.Instance, error) {
	spec := s.workloadSpec(instance, 1)
	if err := s.callCluster(ctx, func(ctx context.Context) error {
		return s.cluster.EnsureWorkload(ctx, spec)
	}); err != nil {
		return s.markFailed(ctx, instance, err)
	}

	var health cluster.Health
	if err := s.callCluster(ctx, func(ctx context.Context) (err error) {
		health, err = s.cluster.WorkloadHealth(ctx, instance.WorkloadName)
		return err
	}); err != nil {
		s.logger.Warn("health check failed after ensure",
			zap.String("workload", instance.WorkloadName), zap.Error(err))
		return instance, nil
	}

	now := s.clock.Now()
	if health == cluster.HealthHealthy {
		moved, err := s.repository.TransitionStatus(ctx, s.db, instance.ID,
			[]domain.InstanceStatus{domain.StatusProvisioning}, domain.StatusRunning,
			domain.StatusUpdate{ClearLastError: true, HealthCheckedAt: &now})
		if err != nil {
			return nil, err
		}
		if moved {
			instance.Status = domain.StatusRunning
			instance.LastError = nil
			instance.LastHealthCheckAt = &now
			instance.Version++
			s.publish(ctx, events.EventInstanceRunning, instance, "")
		}
		return instance, nil
	}

	_ = s.repository.TouchHealthCheck(ctx, s.db, instance.ID, now)
	instance.LastHealthCheckAt = &now
	return instance, nil
}

func (s *serviceImpl) Start(ctx context.Context, id snowflake.ID) (*domain.Instance, error) {
	instance, err := s.mustFind(ctx, id)
	if err != nil {
		return nil, err
	}
	switch instance.Status {
	case domain.StatusRunning:
		return instance, nil
	case domain.StatusProvisioning:
		return nil, domain.ErrProvisioningBusy
	case domain.StatusStopped:
		// fallthrough below
	default:
		return nil, domain.ErrStaleState
	}

	if err := s.callCluster(ctx, func(ctx context.Context) error {
		return s.cluster.ScaleWorkload(ctx, instance.WorkloadName, 1)
	}); err != nil {
		return s.markFailed(ctx, instance, err)
	}

	moved, err := s.repository.TransitionStatus(ctx, s.db, instance.ID,
		[]domain.InstanceStatus{domain.StatusStopped}, domain.StatusRunning,
		domain.StatusUpdate{ClearLastError: true})
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, domain.ErrStaleState
	}
	instance.Status = domain.StatusRunning
	instance.LastError = nil
	instance.Version++
	s.publish(ctx, events.EventInstanceRunning, instance, "")
	return instance, nil
}

func (s *serviceImpl) Stop(ctx context.Context, id snowflake.ID) (*domain.Instance, error) {
	instance, err := s.mustFind(ctx, id)
	if err != nil {
		return nil, err
	}
	switch instance.Status {
	case domain.StatusStopped:
		return instance, nil
	case domain.StatusProvisioning:
		return nil, domain.ErrProvisioningBusy
	case domain.StatusRunning:
		// fallthrough below
	default:
		return nil, domain.ErrStaleState
	}

	if err := s.callCluster(ctx, func(ctx context.Context) error {
		return s.cluster.ScaleWorkload(ctx, instance.WorkloadName, 0)
	}); err != nil {
		return s.markFailed(ctx, instance, err)
	}

	moved, err := s.repository.TransitionStatus(ctx, s.db, instance.ID,
		[]domain.InstanceStatus{domain.StatusRunning}, domain.StatusStopped,
		domain.StatusUpdate{})
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, domain.ErrStaleState
	}
	instance.Status = domain.StatusStopped
	instance.Version++
	s.publish(ctx, events.EventInstanceStopped, instance, "")
	return instance, nil
}

func (s *serviceImpl) Restart(ctx context.Context, id snowflake.ID) (*domain.Instance, error) {
	instance, err := s.mustFind(ctx, id)
	if err != nil {
		return nil, err
	}
	switch instance.Status {
	case domain.StatusStopped:
		return s.Start(ctx, id)
	case domain.StatusProvisioning:
		return nil, domain.ErrProvisioningBusy
	case domain.StatusRunning:
		// fallthrough below
	default:
		return nil, domain.ErrStaleState
	}

	if err := s.callCluster(ctx, func(ctx context.Context) error {
		return s.cluster.RestartWorkload(ctx, instance.WorkloadName)
	}); err != nil {
		return s.markFailed(ctx, instance, err)
	}
	now := s.clock.Now()
	if err := s.repository.TouchHealthCheck(ctx, s.db, instance.ID, now); err != nil {
		return nil, err
	}
	instance.LastHealthCheckAt = &now
	return instance, nil
}

func (s *serviceImpl) Resize(ctx context.Context, id snowflake.ID, to tier.Tier) (*domain.Instance, error) {
	quota, err := tier.Resolve(to)
	if err != nil {
		return nil, err
	}
	instance, err := s.mustFind(ctx, id)
	if err != nil {
		return nil, err
	}
	if instance.Status == domain.StatusDeprovisioning {
		return nil, domain.ErrStaleState
	}

	instance.SetQuota(quota)
	replicas := int32(1)
	if instance.Status == domain.StatusStopped {
		replicas = 0
	}

	if err := s.callCluster(ctx, func(ctx context.Context) error {
		return s.cluster.EnsureWorkload(ctx, s.workloadSpec(instance, replicas))
	}); err != nil {
		return s.markFailed(ctx, instance, err)
	}
	if err := s.repository.UpdateQuota(ctx, s.db, instance.ID, instance); err != nil {
		return nil, err
	}

	// A failed instance whose workload just converged is recovering.
	if instance.Status == domain.StatusFailed {
		moved, err := s.repository.TransitionStatus(ctx, s.db, instance.ID,
			[]domain.InstanceStatus{domain.StatusFailed}, domain.StatusProvisioning,
			domain.StatusUpdate{ClearLastError: true})
		if err != nil {
			return nil, err
		}
		if moved {
			instance.Status = domain.StatusProvisioning
			instance.LastError = nil
			instance.Version++
		}
	}
	instance.Version++
	s.publish(ctx, events.EventInstanceResized, instance, string(to))
	return instance, nil
}

func (s *serviceImpl) Uninstall(ctx context.Context, id snowflake.ID) error {
	instance, err := s.repository.FindByID(ctx, s.db, id)
	if err != nil {
		return err
	}
	if instance == nil {
		return domain.ErrInstanceNotFound
	}
	if instance.Status.Terminal() {
		return nil
	}

	if instance.Status != domain.StatusDeprovisioning {
		moved, err := s.repository.TransitionStatus(ctx, s.db, instance.ID,
			domain.NonTerminalStatuses, domain.StatusDeprovisioning,
			domain.StatusUpdate{ClearDestroyAfter: true})
		if err != nil {
			return err
		}
		if !moved {
			return domain.ErrStaleState
		}
		instance.Status = domain.StatusDeprovisioning
	}

	// Delete failures leave the row in deprovisioning; the reconciler
	// retries until the cluster confirms the workload is gone.
	if err := s.callCluster(ctx, func(ctx context.Context) error {
		return s.cluster.DeleteWorkload(ctx, instance.WorkloadName)
	}); err != nil {
		s.logger.Warn("workload delete failed, reconciler will retry",
			zap.String("workload", instance.WorkloadName), zap.Error(err))
		return nil
	}

	var health cluster.Health
	if err := s.callCluster(ctx, func(ctx context.Context) (err error) {
		health, err = s.cluster.WorkloadHealth(ctx, instance.WorkloadName)
		return err
	}); err != nil {
		return nil
	}
	if health != cluster.HealthMissing {
		return nil
	}

	moved, err := s.repository.TransitionStatus(ctx, s.db, instance.ID,
		[]domain.InstanceStatus{domain.StatusDeprovisioning}, domain.StatusDestroyed,
		domain.StatusUpdate{})
	if err != nil {
		return err
	}
	if moved {
		instance.Status = domain.StatusDestroyed
		instance.Version++
		s.publish(ctx, events.EventInstanceDestroyed, instance, "")
	}
	return nil
}

func (s *serviceImpl) ScheduleDestroy(ctx context.Context, id snowflake.ID, at *time.Time) error {
	if at == nil || !at.After(s.clock.Now()) {
		return s.Uninstall(ctx, id)
	}
	instance, err := s.repository.FindByID(ctx, s.db, id)
	if err != nil {
		return err
	}
	if instance == nil {
		return domain.ErrInstanceNotFound
	}
	if instance.Status.Terminal() {
		return nil
	}
	moved, err := s.repository.TransitionStatus(ctx, s.db, instance.ID,
		[]domain.InstanceStatus{instance.Status}, instance.Status,
		domain.StatusUpdate{DestroyAfter: at})
	if err != nil {
		return err
	}
	if !moved {
		return domain.ErrStaleState
	}
	return nil
}

func (s *serviceImpl) Reactivate(ctx context.Context, id snowflake.ID) (*domain.Instance, error) {
	instance, err := s.mustFind(ctx, id)
	if err != nil {
		return nil, err
	}
	if instance.DestroyAfter != nil {
		moved, err := s.repository.TransitionStatus(ctx, s.db, instance.ID,
			[]domain.InstanceStatus{instance.Status}, instance.Status,
			domain.StatusUpdate{ClearDestroyAfter: true})
		if err != nil {
			return nil, err
		}
		if !moved {
			return nil, domain.ErrStaleState
		}
		instance.DestroyAfter = nil
	}
	if instance.Status == domain.StatusStopped {
		return s.Start(ctx, id)
	}
	return instance, nil
}

func (s *serviceImpl) Get(ctx context.Context, id snowflake.ID) (*domain.Instance, error) {
	instance, err := s.repository.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if instance == nil {
		return nil, domain.ErrInstanceNotFound
	}
	return instance, nil
}

func (s *serviceImpl) mustFind(ctx context.Context, id snowflake.ID) (*domain.Instance, error) {
	instance, err := s.repository.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if instance == nil {
		return nil, domain.ErrInstanceNotFound
	}
	if instance.Status.Terminal() {
		return nil, domain.ErrInstanceDestroyed
	}
	return instance, nil
}

func (s *serviceImpl) markFailed(ctx context.Context, instance *domain.Instance, cause error) (*domain.Instance, error) {
	message := cause.Error()
	moved, err := s.repository.TransitionStatus(ctx, s.db, instance.ID,
		domain.NonTerminalStatuses, domain.StatusFailed,
		domain.StatusUpdate{LastError: &message})
	if err != nil {
		s.logger.Error("failed to record instance failure",
			zap.String("workload", instance.WorkloadName), zap.Error(err))
	}
	if moved {
		instance.Status = domain.StatusFailed
		instance.LastError = &message
		instance.Version++
		s.publish(ctx, events.EventInstanceFailed, instance, "")
	}
	return instance, fmt.Errorf("cluster operation failed: %w", cause)
}

// callCluster runs one cluster call with a bounded timeout and retries
// transient failures with doubling backoff.
func (s *serviceImpl) callCluster(ctx context.Context, call func(context.Context) error) error {
	backoff := clusterBackoff
	var lastErr error
	for attempt := 0; attempt < clusterAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.ClusterCallTimeout)
		err := call(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if !cluster.IsTransient(err) {
			return err
		}
	}
	return lastErr
}

func (s *serviceImpl) workloadSpec(instance *domain.Instance, replicas int32) cluster.WorkloadSpec {
	return cluster.WorkloadSpec{
		Name:     instance.WorkloadName,
		Image:    s.cfg.WorkloadImage,
		Hostname: domain.WorkloadHostname(instance.ID, s.cfg.WorkloadDomain),
		Replicas: replicas,
		Quota:    instance.Quota(),
	}
}

func (s *serviceImpl) publish(ctx context.Context, eventType string, instance *domain.Instance, tierName string) {
	payload := events.InstancePayload{
		InstanceID:     instance.ID.String(),
		SubscriptionID: instance.SubscriptionID.String(),
		WorkloadName:   instance.WorkloadName,
		Status:         string(instance.Status),
		Tier:           tierName,
	}
	err := s.outbox.Publish(ctx, events.Event{
		Type:      eventType,
		Payload:   payload.ToMap(),
		DedupeKey: instance.WorkloadName + ":" + eventType + ":" + strconv.FormatInt(instance.Version, 10),
	})
	if err != nil {
		s.logger.Warn("lifecycle event publish failed",
			zap.String("event", eventType),
			zap.String("workload", instance.WorkloadName),
			zap.Error(err),
		)
	}
}
