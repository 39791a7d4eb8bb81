package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Posted       prometheus.Counter
	AmountPosted prometheus.Counter
	Reversed     prometheus.Counter
	Rejected     *prometheus.CounterVec
	Reconciled   *prometheus.CounterVec
}

func New() *Metrics {
	return &Metrics{
		Posted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mutuelle_settlements_posted_total",
			Help: "Settlements posted against dispensed vouchers",
		}),
		AmountPosted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mutuelle_settlements_amount_total",
			Help: "Sum of settled amounts in minor currency units",
		}),
		Reversed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mutuelle_settlements_reversed_total",
			Help: "Settlements compensated by a reversal",
		}),
		Rejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mutuelle_settlement_rejected_total",
			Help: "Refused settlement operations, by operation and error code",
		}, []string{"operation", "code"}),
		Reconciled: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mutuelle_settlement_pending_reconciled_total",
			Help: "Pending settlement records resolved by the sweep, by outcome",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) IncPosted(amount int64) {
	if m == nil {
		return
	}
	m.Posted.Inc()
	m.AmountPosted.Add(float64(amount))
}

func (m *Metrics) IncReversed() {
	if m == nil {
		return
	}
	m.Reversed.Inc()
}

func (m *Metrics) IncRejected(operation, code string) {
	if m == nil {
		return
	}
	m.Rejected.WithLabelValues(operation, code).Inc()
}

func (m *Metrics) AddReconciled(outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Reconciled.WithLabelValues(outcome).Add(float64(n))
}
