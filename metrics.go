package provisioner

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the provisioning collectors on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	jobsTotal   *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	statusLines *prometheus.CounterVec
	deviceState *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fri",
				Subsystem: "provisioning",
				Name:      "jobs_total",
				Help:      "Total number of provisioning jobs by result",
			},
			[]string{"device", "result"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "fri",
				Subsystem: "provisioning",
				Name:      "job_duration_seconds",
				Help:      "Duration of provisioning jobs in seconds",
				Buckets:   prometheus.ExponentialBuckets(5, 2, 9), // 5s to ~21min
			},
			[]string{"device"},
		),
		statusLines: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fri",
				Subsystem: "provisioning",
				Name:      "status_lines_total",
				Help:      "Status lines read from job processes by result",
			},
			[]string{"device", "result"},
		),
		deviceState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "fri",
				Subsystem: "provisioning",
				Name:      "device_state",
				Help:      "Current provisioning phase of each device (1 for the active phase)",
			},
			[]string{"device", "state"},
		),
	}
	m.registry.MustRegister(
		m.jobsTotal,
		m.jobDuration,
		m.statusLines,
		m.deviceState,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) recordJob(d Device, result string, seconds float64) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(string(d), result).Inc()
	m.jobDuration.WithLabelValues(string(d)).Observe(seconds)
}

func (m *Metrics) recordLine(d Device, result string) {
	if m == nil {
		return
	}
	m.statusLines.WithLabelValues(string(d), result).Inc()
}

// ObserveState is a StoreObserver keeping the device_state gauge current.
func (m *Metrics) ObserveState(d Device, st DeviceStatus) {
	if m == nil {
		return
	}
	for _, p := range []Phase{PhaseIdle, PhaseProvisioning, PhaseSuccess, PhaseError} {
		v := 0.0
		if p == st.Phase {
			v = 1
		}
		m.deviceState.WithLabelValues(string(d), string(p)).Set(v)
	}
}
