package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// promMetrics mirrors the collector's counters into a private
// Prometheus registry for scraping.
type promMetrics struct {
	connectionsTotal   *prometheus.CounterVec
	connectionFailures *prometheus.CounterVec
	connectionsActive  *prometheus.GaugeVec
	tunnelLatency      *prometheus.HistogramVec
	bytesSent          *prometheus.CounterVec
	bytesReceived      *prometheus.CounterVec
	requestsTotal      prometheus.Counter
	proxyHealthy       *prometheus.GaugeVec
	uptime             prometheus.Gauge
	goroutines         prometheus.Gauge

	registry *prometheus.Registry
}

func newPromMetrics() *promMetrics {
	m := &promMetrics{registry: prometheus.NewRegistry()}

	m.connectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heimdall_connections_total",
			Help: "Total number of proxy connections attempted",
		},
		[]string{"proxy", "protocol"},
	)

	m.connectionFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heimdall_connection_failures_total",
			Help: "Total number of failed proxy connection attempts",
		},
		[]string{"proxy", "protocol"},
	)

	m.connectionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "heimdall_connections_active",
			Help: "Number of currently open proxy connections",
		},
		[]string{"proxy"},
	)

	m.tunnelLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "heimdall_handshake_latency_seconds",
			Help:    "Proxy handshake round-trip time",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"proxy"},
	)

	m.bytesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heimdall_bytes_sent_total",
			Help: "Total bytes sent through proxies",
		},
		[]string{"proxy"},
	)

	m.bytesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heimdall_bytes_received_total",
			Help: "Total bytes received through proxies",
		},
		[]string{"proxy"},
	)

	m.requestsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "heimdall_requests_total",
			Help: "Total number of requests sent over proxy connections",
		},
	)

	m.proxyHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "heimdall_proxy_healthy",
			Help: "Proxy health status (1 = healthy, 0 = unhealthy)",
		},
		[]string{"proxy"},
	)

	m.uptime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "heimdall_uptime_seconds",
			Help: "Collector uptime in seconds",
		},
	)

	m.goroutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "heimdall_goroutines",
			Help: "Number of goroutines",
		},
	)

	m.registry.MustRegister(
		m.connectionsTotal,
		m.connectionFailures,
		m.connectionsActive,
		m.tunnelLatency,
		m.bytesSent,
		m.bytesReceived,
		m.requestsTotal,
		m.proxyHealthy,
		m.uptime,
		m.goroutines,
	)
	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Handler returns the HTTP handler exposing the collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.prom.registry, promhttp.HandlerOpts{})
}

// Registry returns the private Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.prom.registry
}
