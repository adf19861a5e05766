package reconciler

import (
	"context"
	"errors"
	"time"

	"github.com/fleetform/fleetform/internal/clock"
	"github.com/fleetform/fleetform/internal/cluster"
	"github.com/fleetform/fleetform/internal/events"
	instancedomain "github.com/fleetform/fleetform/internal/instance/domain"
	"github.com/fleetform/fleetform/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Drift repair kinds reported to metrics.
const (
	repairMissingWorkload  = "missing_workload"
	repairStaleDeprovision = "stale_deprovision"
	repairStatusCorrected  = "status_corrected"
	repairDestroyConfirmed = "destroy_confirmed"
)

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	InstanceRepo instancedomain.Repository
	Cluster      cluster.Orchestrator
	Outbox       *events.Outbox
	Clock        clock.Clock
	Metrics      *metrics.ReconcileMetrics
	Config       Config `optional:"true"`
}

// Worker periodically walks every non-terminal instance and repairs drift
// between the database and the cluster. It is the convergence backstop for
// every failure the synchronous paths leave behind.
type Worker struct {
	db           *gorm.DB
	log          *zap.Logger
	instanceRepo instancedomain.Repository
	cluster      cluster.Orchestrator
	outbox       *events.Outbox
	clock        clock.Clock
	metrics      *metrics.ReconcileMetrics
	cfg          Config
}

func NewWorker(p Params) *Worker {
	cfg := p.Config.withDefaults()
	return &Worker{
		db:           p.DB,
		log:          p.Log.Named("reconciler"),
		instanceRepo: p.InstanceRepo,
		cluster:      p.Cluster,
		outbox:       p.Outbox,
		clock:        p.Clock,
		metrics:      p.Metrics,
		cfg:          cfg,
	}
}

func (w *Worker) RunForever(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := w.RunOnce(ctx); err != nil {
			w.log.Warn("reconcile pass failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) RunOnce(ctx context.Context) error {
	start := w.clock.Now()
	repaired, err := w.processBatch(ctx, w.cfg.BatchSize)
	w.metrics.ObservePass(w.clock.Now().Sub(start), err != nil)
	if repaired > 0 {
		w.log.Info("reconcile pass repaired drift", zap.Int("repaired", repaired))
	}
	w.reportFleetSize(ctx)
	return err
}

func (w *Worker) processBatch(ctx context.Context, limit int) (int, error) {
	if w.db == nil || w.instanceRepo == nil || w.cluster == nil {
		return 0, errors.New("reconciler_unavailable")
	}
	if limit <= 0 {
		limit = w.cfg.BatchSize
	}

	repaired := 0
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		instances, err := w.instanceRepo.LockNonTerminalForWork(ctx, tx, limit)
		if err != nil {
			return err
		}
		for _, inst := range instances {
			itemCtx, cancel := context.WithTimeout(ctx, w.cfg.ItemTimeout)
			kind, err := w.reconcileInstance(itemCtx, tx, inst)
			cancel()
			if err != nil {
				// One bad instance never blocks the rest of the batch.
				w.metrics.IncItemFailure()
				w.log.Warn("instance reconcile failed",
					zap.String("instance_id", inst.ID.String()),
					zap.String("status", string(inst.Status)),
					zap.Error(err),
				)
				continue
			}
			if kind != "" {
				w.metrics.IncDriftRepaired(kind)
				repaired++
			}
		}
		return nil
	})
	return repaired, err
}

// reconcileInstance repairs one instance and reports the repair kind, or ""
// when the instance was already converged.
func (w *Worker) reconcileInstance(ctx context.Context, tx *gorm.DB, inst *instancedomain.Instance) (string, error) {
	now := w.clock.Now()

	if inst.Status != instancedomain.StatusDeprovisioning &&
		inst.DestroyAfter != nil && !now.Before(*inst.DestroyAfter) {
		moved, err := w.instanceRepo.TransitionStatus(ctx, tx, inst.ID,
			instancedomain.NonTerminalStatuses, instancedomain.StatusDeprovisioning,
			instancedomain.StatusUpdate{ClearDestroyAfter: true})
		if err != nil {
			return "", err
		}
		if moved {
			inst.Status = instancedomain.StatusDeprovisioning
			inst.Version++
		}
	}

	switch inst.Status {
	case instancedomain.StatusDeprovisioning:
		return w.reconcileDeprovisioning(ctx, tx, inst, now)
	case instancedomain.StatusProvisioning:
		return w.reconcileProvisioning(ctx, tx, inst, now)
	case instancedomain.StatusRunning:
		return w.reconcileRunning(ctx, tx, inst, now)
	case instancedomain.StatusStopped:
		return w.reconcileStopped(ctx, tx, inst, now)
	case instancedomain.StatusFailed:
		return w.reconcileFailed(ctx, tx, inst, now)
	default:
		return "", nil
	}
}

func (w *Worker) reconcileDeprovisioning(ctx context.Context, tx *gorm.DB, inst *instancedomain.Instance, now time.Time) (string, error) {
	health, err := w.cluster.WorkloadHealth(ctx, inst.WorkloadName)
	if err != nil {
		return "", err
	}
	if health == cluster.HealthMissing {
		moved, err := w.instanceRepo.TransitionStatus(ctx, tx, inst.ID,
			[]instancedomain.InstanceStatus{instancedomain.StatusDeprovisioning},
			instancedomain.StatusDestroyed, instancedomain.StatusUpdate{})
		if err != nil {
			return "", err
		}
		if !moved {
			return "", nil
		}
		inst.Status = instancedomain.StatusDestroyed
		inst.Version++
		w.publishDestroyed(ctx, tx, inst)
		return repairDestroyConfirmed, nil
	}

	if now.Sub(inst.UpdatedAt) >= w.cfg.DeprovisionStaleness {
		if err := w.cluster.DeleteWorkload(ctx, inst.WorkloadName); err != nil {
			return "", err
		}
		if err := w.instanceRepo.TouchHealthCheck(ctx, tx, inst.ID, now); err != nil {
			return "", err
		}
		return repairStaleDeprovision, nil
	}
	return "", nil
}

func (w *Worker) reconcileProvisioning(ctx context.Context, tx *gorm.DB, inst *instancedomain.Instance, now time.Time) (string, error) {
	health, err := w.cluster.WorkloadHealth(ctx, inst.WorkloadName)
	if err != nil {
		return "", err
	}
	switch health {
	case cluster.HealthHealthy:
		moved, err := w.instanceRepo.TransitionStatus(ctx, tx, inst.ID,
			[]instancedomain.InstanceStatus{instancedomain.StatusProvisioning},
			instancedomain.StatusRunning,
			instancedomain.StatusUpdate{ClearLastError: true, HealthCheckedAt: &now})
		if err != nil {
			return "", err
		}
		if !moved {
			return "", nil
		}
		return repairStatusCorrected, nil
	case cluster.HealthMissing:
		if err := w.cluster.EnsureWorkload(ctx, w.spec(inst, 1)); err != nil {
			return "", err
		}
		return repairMissingWorkload, nil
	case cluster.HealthStopped:
		if err := w.cluster.ScaleWorkload(ctx, inst.WorkloadName, 1); err != nil {
			return "", err
		}
		return repairStatusCorrected, nil
	default:
		return "", w.instanceRepo.TouchHealthCheck(ctx, tx, inst.ID, now)
	}
}

func (w *Worker) reconcileRunning(ctx context.Context, tx *gorm.DB, inst *instancedomain.Instance, now time.Time) (string, error) {
	health, err := w.cluster.WorkloadHealth(ctx, inst.WorkloadName)
	if err != nil {
		return "", err
	}
	switch health {
	case cluster.HealthMissing:
		if err := w.cluster.EnsureWorkload(ctx, w.spec(inst, 1)); err != nil {
			return "", err
		}
		_, err := w.instanceRepo.TransitionStatus(ctx, tx, inst.ID,
			[]instancedomain.InstanceStatus{instancedomain.StatusRunning},
			instancedomain.StatusProvisioning, instancedomain.StatusUpdate{})
		if err != nil {
			return "", err
		}
		return repairMissingWorkload, nil
	case cluster.HealthStopped:
		moved, err := w.instanceRepo.TransitionStatus(ctx, tx, inst.ID,
			[]instancedomain.InstanceStatus{instancedomain.StatusRunning},
			instancedomain.StatusStopped, instancedomain.StatusUpdate{})
		if err != nil {
			return "", err
		}
		if !moved {
			return "", nil
		}
		return repairStatusCorrected, nil
	default:
		return "", w.instanceRepo.TouchHealthCheck(ctx, tx, inst.ID, now)
	}
}

func (w *Worker) reconcileStopped(ctx context.Context, tx *gorm.DB, inst *instancedomain.Instance, now time.Time) (string, error) {
	health, err := w.cluster.WorkloadHealth(ctx, inst.WorkloadName)
	if err != nil {
		return "", err
	}
	switch health {
	case cluster.HealthHealthy, cluster.HealthDegraded:
		if err := w.cluster.ScaleWorkload(ctx, inst.WorkloadName, 0); err != nil {
			return "", err
		}
		return repairStatusCorrected, nil
	case cluster.HealthMissing:
		if err := w.cluster.EnsureWorkload(ctx, w.spec(inst, 0)); err != nil {
			return "", err
		}
		return repairMissingWorkload, nil
	default:
		return "", w.instanceRepo.TouchHealthCheck(ctx, tx, inst.ID, now)
	}
}

// reconcileFailed re-checks instances a synchronous path gave up on. A
// transient cluster outage can strand a row in failed while the workload is
// actually fine; the row is corrected to cluster truth. Missing or degraded
// workloads stay failed for operator attention.
func (w *Worker) reconcileFailed(ctx context.Context, tx *gorm.DB, inst *instancedomain.Instance, now time.Time) (string, error) {
	health, err := w.cluster.WorkloadHealth(ctx, inst.WorkloadName)
	if err != nil {
		return "", err
	}
	switch health {
	case cluster.HealthHealthy:
		moved, err := w.instanceRepo.TransitionStatus(ctx, tx, inst.ID,
			[]instancedomain.InstanceStatus{instancedomain.StatusFailed},
			instancedomain.StatusRunning,
			instancedomain.StatusUpdate{ClearLastError: true, HealthCheckedAt: &now})
		if err != nil {
			return "", err
		}
		if !moved {
			return "", nil
		}
		return repairStatusCorrected, nil
	case cluster.HealthStopped:
		moved, err := w.instanceRepo.TransitionStatus(ctx, tx, inst.ID,
			[]instancedomain.InstanceStatus{instancedomain.StatusFailed},
			instancedomain.StatusStopped,
			instancedomain.StatusUpdate{ClearLastError: true})
		if err != nil {
			return "", err
		}
		if !moved {
			return "", nil
		}
		return repairStatusCorrected, nil
	default:
		return "", w.instanceRepo.TouchHealthCheck(ctx, tx, inst.ID, now)
	}
}

func (w *Worker) spec(inst *instancedomain.Instance, replicas int32) cluster.WorkloadSpec {
	return cluster.WorkloadSpec{
		Name:     inst.WorkloadName,
		Image:    w.cfg.WorkloadImage,
		Hostname: instancedomain.WorkloadHostname(inst.ID, w.cfg.WorkloadDomain),
		Replicas: replicas,
		Quota:    inst.Quota(),
	}
}

func (w *Worker) publishDestroyed(ctx context.Context, tx *gorm.DB, inst *instancedomain.Instance) {
	payload := events.InstancePayload{
		InstanceID:     inst.ID.String(),
		SubscriptionID: inst.SubscriptionID.String(),
		WorkloadName:   inst.WorkloadName,
		Status:         string(inst.Status),
	}
	err := w.outbox.PublishTx(ctx, tx, events.Event{
		Type:      events.EventInstanceDestroyed,
		Payload:   payload.ToMap(),
		DedupeKey: inst.WorkloadName + ":destroyed",
	})
	if err != nil {
		w.log.Warn("destroy event publish failed",
			zap.String("workload", inst.WorkloadName), zap.Error(err))
	}
}

func (w *Worker) reportFleetSize(ctx context.Context) {
	counts, err := w.instanceRepo.CountByStatus(ctx, w.db)
	if err != nil {
		w.log.Warn("fleet size query failed", zap.Error(err))
		return
	}
	for _, status := range instancedomain.NonTerminalStatuses {
		w.metrics.SetFleetSize(string(status), counts[status])
	}
	w.metrics.SetFleetSize(string(instancedomain.StatusDestroyed), counts[instancedomain.StatusDestroyed])
}
