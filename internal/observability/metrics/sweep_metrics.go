package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/kora/pkg/db"
)

const (
	SweepReasonDeadlineExceeded     = "deadline_exceeded"
	SweepReasonDBLockTimeout        = "db_lock_timeout"
	SweepReasonSerializationFailure = "serialization_failure"
	SweepReasonUnknown              = "unknown"

	SweepSkippedLockHeld = "lock_held"
)

// SweepMetrics captures expiration sweep health on the prometheus registry.
type SweepMetrics struct {
	runs      prometheus.Counter
	skipped   *prometheus.CounterVec
	finalized *prometheus.CounterVec
	errors    *prometheus.CounterVec
	duration  prometheus.Histogram
}

var (
	sweepMetricsOnce sync.Once
	sweepMetrics     *SweepMetrics
)

// SweepWithConfig returns the process-wide sweep metrics.
func SweepWithConfig(cfg Config) *SweepMetrics {
	sweepMetricsOnce.Do(func() {
		sweepMetrics = NewSweepMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return sweepMetrics
}

// NewSweepMetrics registers the sweep collectors on registerer.
func NewSweepMetrics(registerer prometheus.Registerer, cfg Config) *SweepMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "kora"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{"service": serviceName, "env": environment}

	m := &SweepMetrics{
		runs: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "kora_sweep_runs_total",
			Help:        "Expiration sweep runs.",
			ConstLabels: constLabels,
		}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "kora_sweep_skipped_total",
			Help:        "Expiration sweep runs skipped before doing work.",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		finalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "kora_sweep_promotions_finalized_total",
			Help:        "Expired promotions finalized by the sweep.",
			ConstLabels: constLabels,
		}, []string{"action"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "kora_sweep_errors_total",
			Help:        "Expiration sweep failures by reason.",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "kora_sweep_duration_seconds",
			Help:        "Expiration sweep run latency.",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			ConstLabels: constLabels,
		}),
	}
	registerer.MustRegister(m.runs, m.skipped, m.finalized, m.errors, m.duration)
	return m
}

func (m *SweepMetrics) IncRun() {
	if m == nil {
		return
	}
	m.runs.Inc()
}

func (m *SweepMetrics) IncSkipped(reason string) {
	if m == nil {
		return
	}
	m.skipped.WithLabelValues(reason).Inc()
}

func (m *SweepMetrics) AddFinalized(action string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.finalized.WithLabelValues(action).Add(float64(count))
}

func (m *SweepMetrics) IncError(err error) {
	if m == nil || err == nil {
		return
	}
	m.errors.WithLabelValues(ClassifySweepReason(err)).Inc()
}

func (m *SweepMetrics) ObserveDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.duration.Observe(d.Seconds())
}

// ClassifySweepReason maps sweep errors to low-cardinality reasons.
func ClassifySweepReason(err error) string {
	switch {
	case err == nil:
		return SweepReasonUnknown
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return SweepReasonDeadlineExceeded
	case db.IsLockTimeout(err):
		return SweepReasonDBLockTimeout
	case db.IsSerializationFailure(err):
		return SweepReasonSerializationFailure
	default:
		return SweepReasonUnknown
	}
}
