package panel

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus collectors for panel requests. A nil *Metrics
// records nothing.
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics creates panel collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "licensegate",
			Subsystem: "panel",
			Name:      "requests_total",
			Help:      "Panel requests by verb and outcome.",
		}, []string{"verb", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "licensegate",
			Subsystem: "panel",
			Name:      "request_duration_seconds",
			Help:      "Panel request latency by verb.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"verb"}),
	}
	reg.MustRegister(m.requests, m.duration)
	return m
}

func (m *Metrics) observe(verb string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.requests.WithLabelValues(verb, outcome).Inc()
	m.duration.WithLabelValues(verb).Observe(elapsed.Seconds())
}
