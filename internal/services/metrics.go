package services

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts saga outcomes and trading platform calls. A nil *Metrics is a no-op.
type Metrics struct {
	sagaOutcomes  *prometheus.CounterVec
	externalCalls *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sagaOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_outcomes_total",
			Help: "Terminal outcomes of deposit, withdrawal and transfer sagas.",
		}, []string{"family", "status"}),
		externalCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "external_calls_total",
			Help: "Trading platform mutations by operation and outcome.",
		}, []string{"operation", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.sagaOutcomes, m.externalCalls)
	}
	return m
}

func (m *Metrics) saga(family, status string) {
	if m == nil {
		return
	}
	m.sagaOutcomes.WithLabelValues(family, status).Inc()
}

func (m *Metrics) externalCall(operation, outcome string) {
	if m == nil {
		return
	}
	m.externalCalls.WithLabelValues(operation, outcome).Inc()
}
