package scheduler

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the executor gauges. A nil *Metrics records nothing.
type Metrics struct {
	queueDepth  prometheus.Gauge
	runsRunning prometheus.Gauge
	runs        *prometheus.CounterVec
}

func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bid_evaluator",
			Subsystem: "scheduler",
			Name:      "queue_depth",
			Help:      "Evaluations waiting for a worker.",
		}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bid_evaluator",
			Subsystem: "scheduler",
			Name:      "runs_running",
			Help:      "Evaluations currently executing.",
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bid_evaluator",
			Subsystem: "scheduler",
			Name:      "runs_total",
			Help:      "Finished evaluation runs by resulting state.",
		}, []string{"state"}),
	}

	m.queueDepth = register(reg, m.queueDepth)
	m.runsRunning = register(reg, m.runsRunning)
	m.runs = register(reg, m.runs)
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

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.runsRunning.Inc()
}

func (m *Metrics) RunFinished() {
	if m == nil {
		return
	}
	m.runsRunning.Dec()
}

func (m *Metrics) IncRun(state string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(state).Inc()
}
