package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Reads            *prometheus.CounterVec
	LiveEvaluations  prometheus.Counter
	RefreshFailures  prometheus.Counter
	SweepOutcomes    *prometheus.CounterVec
	SweepDuration    prometheus.Histogram
	LastSweepSuccess prometheus.Gauge
}

func New() *Metrics {
	return &Metrics{
		Reads: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mutuelle_eligibility_reads_total",
			Help: "Eligibility reads by verdict source (cache, live, stale_fallback)",
		}, []string{"source"}),
		LiveEvaluations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mutuelle_eligibility_live_evaluations_total",
			Help: "Synchronous evaluations against the ledger",
		}),
		RefreshFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mutuelle_eligibility_refresh_failures_total",
			Help: "Post-write cache refreshes that left the row unreliable",
		}),
		SweepOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mutuelle_reconciliation_outcomes_total",
			Help: "Reconciliation results per beneficiary, by outcome",
		}, []string{"outcome"}),
		SweepDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "mutuelle_reconciliation_duration_seconds",
			Help:    "Wall time of a reconciliation sweep",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300},
		}),
		LastSweepSuccess: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "mutuelle_reconciliation_last_success_timestamp_seconds",
			Help: "Unix time of the last reconciliation sweep that was not cancelled",
		}),
	}
}

func (m *Metrics) IncRead(source string) {
	if m == nil {
		return
	}
	m.Reads.WithLabelValues(source).Inc()
}

func (m *Metrics) IncLiveEvaluation() {
	if m == nil {
		return
	}
	m.LiveEvaluations.Inc()
}

func (m *Metrics) IncRefreshFailure() {
	if m == nil {
		return
	}
	m.RefreshFailures.Inc()
}

func (m *Metrics) AddSweepOutcome(outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.SweepOutcomes.WithLabelValues(outcome).Add(float64(n))
}

func (m *Metrics) ObserveSweep(d time.Duration, finished time.Time, cancelled bool) {
	if m == nil {
		return
	}
	m.SweepDuration.Observe(d.Seconds())
	if !cancelled {
		m.LastSweepSuccess.Set(float64(finished.Unix()))
	}
}
