package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Runs     *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

func New() *Metrics {
	return &Metrics{
		Runs: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mutuelle_job_runs_total",
			Help: "Background job runs, by job and outcome",
		}, []string{"job", "outcome"}),
		Duration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mutuelle_job_duration_seconds",
			Help:    "Background job duration",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 9),
		}, []string{"job"}),
	}
}

func (m *Metrics) IncRun(job, outcome string) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(job, outcome).Inc()
}

func (m *Metrics) ObserveDuration(job string, d time.Duration) {
	if m == nil {
		return
	}
	m.Duration.WithLabelValues(job).Observe(d.Seconds())
}
