package controller

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records controller request outcomes.
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inFlight prometheus.Gauge
}

// NewMetrics creates the request metrics and registers them with reg when it
// is not nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "topolink",
			Subsystem: "controller",
			Name:      "requests_total",
			Help:      "Controller requests by HTTP method and outcome.",
		}, []string{"method", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "topolink",
			Subsystem: "controller",
			Name:      "request_duration_seconds",
			Help:      "Controller request latency by HTTP method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "topolink",
			Subsystem: "controller",
			Name:      "requests_in_flight",
			Help:      "Controller requests currently outstanding.",
		}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{m.requests, m.duration, m.inFlight} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) begin() time.Time {
	m.inFlight.Inc()
	return time.Now()
}

func (m *Metrics) end(method string, start time.Time, err error) {
	m.inFlight.Dec()
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	m.duration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}
