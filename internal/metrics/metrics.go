// Package metrics exposes migration runner counters. A nil *Metrics is a
// valid no-op recorder.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "migrun"

type Metrics struct {
	scripts   *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	rollbacks *prometheus.CounterVec
	lockWait  *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		scripts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scripts_total",
			Help:      "Migration scripts processed, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "script_duration_seconds",
			Help:      "Execution time of migration scripts that ran.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
		}, []string{"kind"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Rollback attempts, by outcome.",
		}, []string{"outcome"}),
		lockWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for the migration lock.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"acquired"}),
	}
	if reg != nil {
		reg.MustRegister(m.scripts, m.duration, m.rollbacks, m.lockWait)
	}
	return m
}

func (m *Metrics) ObserveScript(kind, outcome string, took time.Duration, executed bool) {
	if m == nil {
		return
	}
	m.scripts.WithLabelValues(kind, outcome).Inc()
	if executed {
		m.duration.WithLabelValues(kind).Observe(took.Seconds())
	}
}

func (m *Metrics) ObserveRollback(outcome string) {
	if m == nil {
		return
	}
	m.rollbacks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveLockWait(took time.Duration, acquired bool) {
	if m == nil {
		return
	}
	label := "false"
	if acquired {
		label = "true"
	}
	m.lockWait.WithLabelValues(label).Observe(took.Seconds())
}
