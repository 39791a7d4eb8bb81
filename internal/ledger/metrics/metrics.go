package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	TransactionsRecorded *prometheus.CounterVec
	AmountRecorded       *prometheus.CounterVec
	RecordRejected       *prometheus.CounterVec
	CategoryChanges      prometheus.Counter
}

func New() *Metrics {
	return &Metrics{
		TransactionsRecorded: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mutuelle_ledger_transactions_recorded_total",
			Help: "Contribution transactions appended to the ledger, by kind",
		}, []string{"kind"}),
		AmountRecorded: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mutuelle_ledger_amount_recorded_total",
			Help: "Sum of recorded amounts in minor currency units, by kind and effect",
		}, []string{"kind", "effect"}),
		RecordRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mutuelle_ledger_record_rejected_total",
			Help: "Rejected record attempts, by error code",
		}, []string{"code"}),
		CategoryChanges: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mutuelle_ledger_category_changes_total",
			Help: "Category changes recorded",
		}),
	}
}

func (m *Metrics) IncRecorded(kind, effect string, amount int64) {
	if m == nil {
		return
	}
	m.TransactionsRecorded.WithLabelValues(kind).Inc()
	m.AmountRecorded.WithLabelValues(kind, effect).Add(float64(amount))
}

func (m *Metrics) IncRejected(code string) {
	if m == nil {
		return
	}
	m.RecordRejected.WithLabelValues(code).Inc()
}

func (m *Metrics) IncCategoryChanges() {
	if m == nil {
		return
	}
	m.CategoryChanges.Inc()
}
