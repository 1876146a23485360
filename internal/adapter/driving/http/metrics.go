package httphandler

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ericfisherdev/licensegate/internal/domain/model"
)

// Metrics holds Prometheus collectors for the license routes. A nil *Metrics
// records nothing.
type Metrics struct {
	requests    *prometheus.CounterVec
	validations *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "licensegate",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "License API requests by route and status code.",
		}, []string{"route", "status"}),
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "licensegate",
			Name:      "validations_total",
			Help:      "License validations by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.requests, m.validations)
	return m
}

func (m *Metrics) observeRequest(route string, status int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

func (m *Metrics) observeValidation(result model.ValidationResult) {
	if m == nil {
		return
	}
	m.validations.WithLabelValues(string(result)).Inc()
}
