package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"forged/services/notify"
)

// Metrics holds the pipeline's Prometheus collectors.
type Metrics struct {
	runs           *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	notifyAttempts *prometheus.CounterVec
}

// NewMetrics registers the pipeline collectors with reg. A nil reg leaves them unregistered,
// which tests use to avoid clashing on the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forged_pipeline_runs_total",
			Help: "Pipeline runs by terminal status.",
		}, []string{"status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "forged_pipeline_stage_duration_seconds",
			Help:    "Duration of each pipeline stage.",
			Buckets: []float64{0.05, 0.25, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"stage", "outcome"}),
		notifyAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forged_notify_attempts_total",
			Help: "Evaluation callback attempts by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.runs, m.stageDuration, m.notifyAttempts)
	}
	return m
}

func (m *Metrics) observeRun(status Status) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) observeStage(stage Stage, started time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.stageDuration.WithLabelValues(string(stage), outcome).Observe(time.Since(started).Seconds())
}

// ObserveAttempt is meant for notify.Options.Observer.
func (m *Metrics) ObserveAttempt(a notify.Attempt) {
	if m == nil {
		return
	}
	outcome := "failed"
	if a.Delivered {
		outcome = "delivered"
	}
	m.notifyAttempts.WithLabelValues(outcome).Inc()
}
