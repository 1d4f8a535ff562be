package executor

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report engine activity.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	batchesActive prometheus.Gauge
	settled       *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	dropped       *prometheus.CounterVec
	critical      *prometheus.CounterVec
	publications  prometheus.Counter
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns the package-level metrics registered with the global
// Prometheus registry.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs Metrics on reg. Collectors that are already
// registered are reused; any other registration error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		batchesActive: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tool_runner",
			Subsystem: "executor",
			Name:      "batches_active",
			Help:      "Number of batches currently executing.",
		})),
		settled: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tool_runner",
			Subsystem: "executor",
			Name:      "invocations_settled_total",
			Help:      "Invocations settled, by tool and outcome.",
		}, []string{"tool", "outcome"})),
		taskDuration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tool_runner",
			Subsystem: "executor",
			Name:      "task_duration_seconds",
			Help:      "Time from task start to settle.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool", "outcome"})),
		dropped: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tool_runner",
			Subsystem: "executor",
			Name:      "invocations_dropped_total",
			Help:      "Invocations dropped before execution.",
		}, []string{"reason"})),
		critical: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tool_runner",
			Subsystem: "executor",
			Name:      "critical_failures_total",
			Help:      "Batches aborted by an orchestration-level error.",
		}, []string{"reason"})),
		publications: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tool_runner",
			Subsystem: "executor",
			Name:      "status_publications_total",
			Help:      "Aggregate status publications.",
		})),
	}
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) batchStarted() {
	if m == nil {
		return
	}
	m.batchesActive.Inc()
}

func (m *Metrics) batchFinished() {
	if m == nil {
		return
	}
	m.batchesActive.Dec()
}

func (m *Metrics) observeSettled(tool, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.settled.WithLabelValues(tool, outcome).Inc()
	m.taskDuration.WithLabelValues(tool, outcome).Observe(d.Seconds())
}

func (m *Metrics) incDropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) incCritical(reason string) {
	if m == nil {
		return
	}
	m.critical.WithLabelValues(reason).Inc()
}

func (m *Metrics) incPublications() {
	if m == nil {
		return
	}
	m.publications.Inc()
}
