package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ReconcileMetrics tracks drift-repair activity across reconciler passes.
type ReconcileMetrics struct {
	passDuration  *prometheus.HistogramVec
	driftRepaired *prometheus.CounterVec
	itemFailures  prometheus.Counter
	fleetByStatus *prometheus.GaugeVec
	passesTotal   prometheus.Counter
}

var (
	reconcileMetricsOnce sync.Once
	reconcileMetrics     *ReconcileMetrics
)

// Reconcile returns the process-wide reconciler metrics.
func Reconcile() *ReconcileMetrics {
	return ReconcileWithConfig(Config{})
}

// ReconcileWithConfig initializes the reconciler metrics once.
func ReconcileWithConfig(cfg Config) *ReconcileMetrics {
	reconcileMetricsOnce.Do(func() {
		reconcileMetrics = newReconcileMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return reconcileMetrics
}

// ResetReconcileMetricsForTest clears the singleton between test runs.
func ResetReconcileMetricsForTest() {
	reconcileMetricsOnce = sync.Once{}
	reconcileMetrics = nil
}

func newReconcileMetrics(registerer prometheus.Registerer, cfg Config) *ReconcileMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "fleetform"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}

	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	passDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:        "fleetform_reconcile_pass_duration_seconds",
			Help:        "Duration of a full reconciliation pass.",
			Buckets:     []float64{0.1, 0.5, 1, 5, 15, 60, 300},
			ConstLabels: constLabels,
		},
		[]string{"result"}, // success | failed
	)

	driftRepaired := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "fleetform_reconcile_drift_repaired_total",
			Help:        "Drift repairs performed, by kind.",
			ConstLabels: constLabels,
		},
		[]string{"kind"}, // missing_workload | stale_deprovision | status_corrected | destroy_confirmed
	)

	itemFailures := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name:        "fleetform_reconcile_item_failures_total",
			Help:        "Per-instance reconciliation failures left for the next pass.",
			ConstLabels: constLabels,
		},
	)

	fleetByStatus := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "fleetform_instances_total",
			Help:        "Number of instance rows by status at the last pass.",
			ConstLabels: constLabels,
		},
		[]string{"status"},
	)

	passesTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name:        "fleetform_reconcile_passes_total",
			Help:        "Total reconciliation passes started.",
			ConstLabels: constLabels,
		},
	)

	registerer.MustRegister(
		passDuration,
		driftRepaired,
		itemFailures,
		fleetByStatus,
		passesTotal,
	)

	return &ReconcileMetrics{
		passDuration:  passDuration,
		driftRepaired: driftRepaired,
		itemFailures:  itemFailures,
		fleetByStatus: fleetByStatus,
		passesTotal:   passesTotal,
	}
}

// ObservePass records the duration and outcome of one pass.
func (m *ReconcileMetrics) ObservePass(duration time.Duration, failed bool) {
	if m == nil {
		return
	}
	result := "success"
	if failed {
		result = "failed"
	}
	m.passesTotal.Inc()
	m.passDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// IncDriftRepaired counts a repair of the given kind.
func (m *ReconcileMetrics) IncDriftRepaired(kind string) {
	if m == nil {
		return
	}
	m.driftRepaired.WithLabelValues(kind).Inc()
}

// IncItemFailure counts a per-instance failure.
func (m *ReconcileMetrics) IncItemFailure() {
	if m == nil {
		return
	}
	m.itemFailures.Inc()
}

// SetFleetSize records the instance count for a status.
func (m *ReconcileMetrics) SetFleetSize(status string, value int) {
	if m == nil {
		return
	}
	m.fleetByStatus.WithLabelValues(status).Set(float64(value))
}
