package dpe

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const metricsNamespace = "dpe"

// Metrics holds the Prometheus collectors of a node.
type Metrics struct {
	registry *prometheus.Registry

	requests      *prometheus.CounterVec
	failures      *prometheus.CounterVec
	executionTime *prometheus.HistogramVec
	bytesReceived *prometheus.CounterVec
	bytesSent     *prometheus.CounterVec
	shmTransfers  *prometheus.CounterVec
	busyWorkers   *prometheus.GaugeVec
	reports       *prometheus.CounterVec
	services      prometheus.Gauge
}

// NewMetrics creates the collectors on a fresh registry, together with Go runtime
// and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Requests received by a service, by action",
		}, []string{"service", "action"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "failures_total",
			Help:      "Requests that produced an ERROR result, by fault class",
		}, []string{"service", "fault"}),
		executionTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "execution_seconds",
			Help:      "Engine configure and execute duration",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"service"}),
		bytesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "received_bytes_total",
			Help:      "Serialized payload bytes received by a service",
		}, []string{"service"}),
		bytesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sent_bytes_total",
			Help:      "Serialized payload bytes sent by a service",
		}, []string{"service"}),
		shmTransfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "shm_transfers_total",
			Help:      "Hand-offs through the shared transfer table",
		}, []string{"service", "direction"}),
		busyWorkers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "busy_workers",
			Help:      "Workers currently running an engine call",
		}, []string{"service"}),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reports_total",
			Help:      "Reports published, by topic kind and outcome",
		}, []string{"kind", "outcome"}),
		services: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "services",
			Help:      "Services currently running on the node",
		}),
	}

	m.registry.MustRegister(
		m.requests, m.failures, m.executionTime, m.bytesReceived, m.bytesSent,
		m.shmTransfers, m.busyWorkers, m.reports, m.services,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the registry for scraping.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) request(service, action string) {
	m.requests.WithLabelValues(service, action).Inc()
}

func (m *Metrics) failure(service string, fault FaultKind) {
	m.failures.WithLabelValues(service, fault.String()).Inc()
}

func (m *Metrics) executed(service string, d time.Duration) {
	m.executionTime.WithLabelValues(service).Observe(d.Seconds())
}

func (m *Metrics) received(service string, n int) {
	m.bytesReceived.WithLabelValues(service).Add(float64(n))
}

func (m *Metrics) sent(service string, n int) {
	m.bytesSent.WithLabelValues(service).Add(float64(n))
}

func (m *Metrics) shm(service, direction string) {
	m.shmTransfers.WithLabelValues(service, direction).Inc()
}

func (m *Metrics) busy(service string, delta float64) {
	m.busyWorkers.WithLabelValues(service).Add(delta)
}

func (m *Metrics) report(kind string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	m.reports.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) serviceStarted() { m.services.Inc() }

// serviceStopped drops every series labelled with the service.
func (m *Metrics) serviceStopped(service string) {
	m.services.Dec()
	labels := prometheus.Labels{"service": service}
	m.requests.DeletePartialMatch(labels)
	m.failures.DeletePartialMatch(labels)
	m.executionTime.DeletePartialMatch(labels)
	m.bytesReceived.DeletePartialMatch(labels)
	m.bytesSent.DeletePartialMatch(labels)
	m.shmTransfers.DeletePartialMatch(labels)
	m.busyWorkers.DeletePartialMatch(labels)
}
