package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Poll results used as label values.
const (
	ResultSuccess     = "success"
	ResultFailure     = "failure"
	ResultEncodeError = "encode_error"
)

// Metrics holds the Prometheus collectors of the poll loop.
type Metrics struct {
	registry      *prometheus.Registry
	polls         *prometheus.CounterVec
	pollDuration  *prometheus.HistogramVec
	deviceOnline  *prometheus.GaugeVec
	publishErrors *prometheus.CounterVec
}

// NewMetrics creates the collectors on a dedicated registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hms_polls_total",
			Help: "Poll attempts per device and result.",
		}, []string{"host", "result"}),
		pollDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hms_poll_duration_seconds",
			Help:    "Duration of poll attempts per device.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"host"}),
		deviceOnline: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hms_device_online",
			Help: "1 when the last poll of the device succeeded.",
		}, []string{"host"}),
		publishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hms_publish_errors_total",
			Help: "Failed hand-offs of a record to a sink.",
		}, []string{"sink"}),
	}

	m.registry.MustRegister(
		m.polls,
		m.pollDuration,
		m.deviceOnline,
		m.publishErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) observePoll(host, result string, seconds float64) {
	m.polls.WithLabelValues(host, result).Inc()
	m.pollDuration.WithLabelValues(host).Observe(seconds)

	online := 0.0
	if result == ResultSuccess {
		online = 1
	}
	m.deviceOnline.WithLabelValues(host).Set(online)
}

func (m *Metrics) publishFailed(sink string) {
	m.publishErrors.WithLabelValues(sink).Inc()
}
