package cluster

import (
	"context"
	"errors"

	"github.com/fleetform/fleetform/internal/tier"
)

// Health is the cluster-reported liveness of a workload.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthStopped  Health = "stopped"
	HealthMissing  Health = "missing"
)

// WorkloadSpec declares the desired state of one customer workload.
type WorkloadSpec struct {
	Name     string
	Image    string
	Hostname string
	Replicas int32
	Quota    tier.Quota
}

// Orchestrator is the declarative cluster API this service consumes. All
// operations are idempotent: a repeated ensure of an existing workload and a
// repeated delete of a missing workload both succeed.
type Orchestrator interface {
	EnsureWorkload(ctx context.Context, spec WorkloadSpec) error
	ScaleWorkload(ctx context.Context, name string, replicas int32) error
	RestartWorkload(ctx context.Context, name string) error
	WorkloadHealth(ctx context.Context, name string) (Health, error)
	DeleteWorkload(ctx context.Context, name string) error
}

var ErrWorkloadNotFound = errors.New("workload_not_found")

// transientError marks failures worth retrying (timeouts, apiserver 5xx).
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }

func (e *transientError) Unwrap() error { return e.err }

// Transient wraps an error so callers retry it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether the error is retryable.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
