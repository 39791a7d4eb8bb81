package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Published   *prometheus.CounterVec
	Failed      *prometheus.CounterVec
	Dropped     *prometheus.CounterVec
	BreakerOpen prometheus.Gauge
}

func NewMetrics() *Metrics {
	return &Metrics{
		Published: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mutuelle_events_published_total",
			Help: "Domain events delivered to the broker, by topic",
		}, []string{"topic"}),
		Failed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mutuelle_events_failed_total",
			Help: "Domain event publishes that failed and went to the fallback sink",
		}, []string{"topic"}),
		Dropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mutuelle_events_breaker_dropped_total",
			Help: "Domain events routed to the fallback sink while the breaker was open",
		}, []string{"topic"}),
		BreakerOpen: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "mutuelle_events_breaker_open",
			Help: "Event publisher breaker state (1=open)",
		}),
	}
}

func (m *Metrics) IncPublished(topic string) {
	if m == nil {
		return
	}
	m.Published.WithLabelValues(topic).Inc()
}

func (m *Metrics) IncFailed(topic string) {
	if m == nil {
		return
	}
	m.Failed.WithLabelValues(topic).Inc()
}

func (m *Metrics) IncDropped(topic string) {
	if m == nil {
		return
	}
	m.Dropped.WithLabelValues(topic).Inc()
}

func (m *Metrics) SetBreakerOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.BreakerOpen.Set(1)
		return
	}
	m.BreakerOpen.Set(0)
}
