package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	VouchersCreated   *prometheus.CounterVec
	CreateRejected    *prometheus.CounterVec
	Transitions       *prometheus.CounterVec
	TransitionDenied  *prometheus.CounterVec
	VouchersExpired   prometheus.Counter
	ExpirySweepTime   prometheus.Histogram
	ExpirySweepsAbort prometheus.Counter
}

func New() *Metrics {
	return &Metrics{
		VouchersCreated: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mutuelle_vouchers_created_total",
			Help: "Care vouchers issued, by eligibility source and override flag",
		}, []string{"source", "override"}),
		CreateRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mutuelle_voucher_create_rejected_total",
			Help: "Refused voucher issuances, by error code",
		}, []string{"code"}),
		Transitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mutuelle_voucher_transitions_total",
			Help: "Applied voucher transitions, by name",
		}, []string{"transition"}),
		TransitionDenied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mutuelle_voucher_transitions_denied_total",
			Help: "Refused voucher transitions, by name and error code",
		}, []string{"transition", "code"}),
		VouchersExpired: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mutuelle_vouchers_expired_total",
			Help: "Vouchers moved to expired by the expiry sweep",
		}),
		ExpirySweepTime: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "mutuelle_voucher_expiry_sweep_duration_seconds",
			Help:    "Duration of voucher expiry sweeps",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		ExpirySweepsAbort: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mutuelle_voucher_expiry_sweeps_cancelled_total",
			Help: "Expiry sweeps stopped before paging every candidate",
		}),
	}
}

func (m *Metrics) IncCreated(source string, override bool) {
	if m == nil {
		return
	}
	flag := "false"
	if override {
		flag = "true"
	}
	m.VouchersCreated.WithLabelValues(source, flag).Inc()
}

func (m *Metrics) IncCreateRejected(code string) {
	if m == nil {
		return
	}
	m.CreateRejected.WithLabelValues(code).Inc()
}

func (m *Metrics) IncTransition(name string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(name).Inc()
}

func (m *Metrics) IncTransitionDenied(name, code string) {
	if m == nil {
		return
	}
	m.TransitionDenied.WithLabelValues(name, code).Inc()
}

func (m *Metrics) ObserveExpirySweep(d time.Duration, expired int, cancelled bool) {
	if m == nil {
		return
	}
	m.ExpirySweepTime.Observe(d.Seconds())
	m.VouchersExpired.Add(float64(expired))
	if cancelled {
		m.ExpirySweepsAbort.Inc()
	}
}
