// Package metrics aggregates connection counters, byte totals, and
// handshake latency percentiles, and mirrors them into a Prometheus
// registry for scraping.
package metrics

import (
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"
)

// maxLatencySamples caps the rolling latency window.
const maxLatencySamples = 10_000

// DefaultEmitInterval is how often a snapshot is pushed to the OnEmit
// callback.
const DefaultEmitInterval = time.Minute

// LatencySummary holds the statistics recomputed from the rolling
// window after every insertion.
type LatencySummary struct {
	Min time.Duration `json:"min"`
	Max time.Duration `json:"max"`
	Avg time.Duration `json:"avg"`
	P50 time.Duration `json:"p50"`
	P95 time.Duration `json:"p95"`
	P99 time.Duration `json:"p99"`
}

// Snapshot is a point-in-time copy of every counter.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`

	ConnectionsTotal      int64 `json:"connections_total"`
	ConnectionsSuccessful int64 `json:"connections_successful"`
	ConnectionsFailed     int64 `json:"connections_failed"`
	ConnectionsActive     int64 `json:"connections_active"`

	Requests      int64 `json:"requests"`
	BytesSent     int64 `json:"bytes_sent"`
	BytesReceived int64 `json:"bytes_received"`

	Latency        LatencySummary `json:"latency"`
	LatencySamples int            `json:"latency_samples"`
}

// EmitFunc receives the periodic snapshot.
type EmitFunc func(Snapshot)

// Options configures a Collector.
type Options struct {
	// OnEmit, when set, receives a snapshot every EmitInterval.
	OnEmit       EmitFunc
	EmitInterval time.Duration
	Logger       *slog.Logger
}

// Collector owns the counters and the latency window. All methods are
// safe for concurrent use.
type Collector struct {
	onEmit       EmitFunc
	emitInterval time.Duration
	logger       *slog.Logger
	prom         *promMetrics
	startTime    time.Time

	mu          sync.Mutex
	connTotal   int64
	connSuccess int64
	connFailed  int64
	connActive  int64
	requests    int64
	bytesSent   int64
	bytesRecv   int64
	maxSamples  int
	samples     []time.Duration
	latency     LatencySummary

	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// New builds a collector. The emission loop is not started until
// Start.
func New(opts Options) *Collector {
	if opts.EmitInterval <= 0 {
		opts.EmitInterval = DefaultEmitInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Collector{
		onEmit:       opts.OnEmit,
		emitInterval: opts.EmitInterval,
		logger:       opts.Logger,
		prom:         newPromMetrics(),
		startTime:    time.Now(),
		maxSamples:   maxLatencySamples,
	}
}

// ConnectionOpened counts a successful connection establishment.
func (c *Collector) ConnectionOpened(proxyKey, protocol string) {
	c.mu.Lock()
	c.connTotal++
	c.connSuccess++
	c.connActive++
	c.mu.Unlock()

	c.prom.connectionsTotal.WithLabelValues(proxyKey, protocol).Inc()
	c.prom.connectionsActive.WithLabelValues(proxyKey).Inc()
}

// ConnectionFailed counts an establishment failure.
func (c *Collector) ConnectionFailed(proxyKey, protocol string) {
	c.mu.Lock()
	c.connTotal++
	c.connFailed++
	c.mu.Unlock()

	c.prom.connectionsTotal.WithLabelValues(proxyKey, protocol).Inc()
	c.prom.connectionFailures.WithLabelValues(proxyKey, protocol).Inc()
}

// ConnectionClosed retires an open connection and folds its byte
// counters into the totals.
func (c *Collector) ConnectionClosed(proxyKey string, bytesSent, bytesReceived int64) {
	c.mu.Lock()
	if c.connActive > 0 {
		c.connActive--
	}
	c.bytesSent += bytesSent
	c.bytesRecv += bytesReceived
	c.mu.Unlock()

	c.prom.connectionsActive.WithLabelValues(proxyKey).Dec()
	c.prom.bytesSent.WithLabelValues(proxyKey).Add(float64(bytesSent))
	c.prom.bytesReceived.WithLabelValues(proxyKey).Add(float64(bytesReceived))
}

// RequestSent counts one request issued over an open connection.
func (c *Collector) RequestSent() {
	c.mu.Lock()
	c.requests++
	c.mu.Unlock()

	c.prom.requestsTotal.Inc()
}

// RecordLatency inserts a handshake round-trip time into the rolling
// window and recomputes the summary statistics.
func (c *Collector) RecordLatency(proxyKey string, d time.Duration) {
	c.mu.Lock()
	if len(c.samples) >= c.maxSamples {
		c.samples = c.samples[1:]
	}
	c.samples = append(c.samples, d)
	c.recomputeLocked()
	c.mu.Unlock()

	c.prom.tunnelLatency.WithLabelValues(proxyKey).Observe(d.Seconds())
}

// ProxyHealthChanged mirrors a health-check verdict into the gauge.
func (c *Collector) ProxyHealthChanged(proxyKey string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	c.prom.proxyHealthy.WithLabelValues(proxyKey).Set(v)
}

// recomputeLocked rebuilds the latency summary from the current
// window. Called with mu held.
func (c *Collector) recomputeLocked() {
	n := len(c.samples)
	if n == 0 {
		c.latency = LatencySummary{}
		return
	}

	sorted := make([]time.Duration, n)
	copy(sorted, c.samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	c.latency = LatencySummary{
		Min: sorted[0],
		Max: sorted[n-1],
		Avg: sum / time.Duration(n),
		P50: sorted[percentileIndex(n, 50)],
		P95: sorted[percentileIndex(n, 95)],
		P99: sorted[percentileIndex(n, 99)],
	}
}

func percentileIndex(n, pct int) int {
	idx := n * pct / 100
	if idx >= n {
		idx = n - 1
	}
	return idx
}

// Snapshot returns a copy of every counter.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Timestamp:             time.Now(),
		ConnectionsTotal:      c.connTotal,
		ConnectionsSuccessful: c.connSuccess,
		ConnectionsFailed:     c.connFailed,
		ConnectionsActive:     c.connActive,
		Requests:              c.requests,
		BytesSent:             c.bytesSent,
		BytesReceived:         c.bytesRecv,
		Latency:               c.latency,
		LatencySamples:        len(c.samples),
	}
}

// Start launches the periodic emission loop. Calling Start on a
// running collector is a no-op.
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.done = make(chan struct{})
	c.wg.Add(1)
	go c.emitLoop(c.done)
}

// Stop halts the emission loop. Counters are kept.
func (c *Collector) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.done)
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Collector) emitLoop(done chan struct{}) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.emitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.emit()
		}
	}
}

func (c *Collector) emit() {
	c.prom.uptime.Set(time.Since(c.startTime).Seconds())
	c.prom.goroutines.Set(float64(runtime.NumGoroutine()))

	snap := c.Snapshot()
	c.logger.Debug("metrics snapshot",
		"connections_total", snap.ConnectionsTotal,
		"connections_active", snap.ConnectionsActive,
		"bytes_sent", snap.BytesSent,
		"bytes_received", snap.BytesReceived,
	)
	if c.onEmit != nil {
		c.onEmit(snap)
	}
}
