package evaluation

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "bid_evaluator"
	metricsSubsystem = "evaluation"
)

// Metrics exposes Prometheus collectors describing evaluation runs.
type Metrics struct {
	stageDuration  *prometheus.HistogramVec
	stageFailures  *prometheus.CounterVec
	runsActive     prometheus.Gauge
	aggregateScore prometheus.Histogram
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns the instance registered with the global registry.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics registers the collectors with reg, reusing collectors that
// are already registered under the same names. Any other registration error
// panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "stage_duration_seconds",
			Help:      "Duration of evaluation stages.",
			Buckets:   []float64{0.1, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"stage", "status"}),
		stageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "stage_failures_total",
			Help:      "Evaluation stages that did not complete, by failure kind.",
		}, []string{"stage", "kind"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "runs_active",
			Help:      "Evaluation runs currently in progress.",
		}),
		aggregateScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "aggregate_score",
			Help:      "Aggregate evaluation scores written at the end of a run.",
			Buckets:   prometheus.LinearBuckets(10, 10, 10),
		}),
	}

	m.stageDuration = register(reg, m.stageDuration)
	m.stageFailures = register(reg, m.stageFailures)
	m.runsActive = register(reg, m.runsActive)
	m.aggregateScore = register(reg, m.aggregateScore)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) ObserveStage(stage, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage, status).Observe(d.Seconds())
}

func (m *Metrics) IncStageFailure(stage string, kind FailureKind) {
	if m == nil {
		return
	}
	m.stageFailures.WithLabelValues(stage, string(kind)).Inc()
}

func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.runsActive.Inc()
}

func (m *Metrics) RunFinished() {
	if m == nil {
		return
	}
	m.runsActive.Dec()
}

func (m *Metrics) ObserveAggregate(score float64) {
	if m == nil {
		return
	}
	m.aggregateScore.Observe(score)
}
