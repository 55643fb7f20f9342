package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rennerdo30/heimdall-proxy/internal/config"
)

// ProxyHealth is the rolling health record for one proxy server,
// keyed by host:port. Records are created lazily on first check and
// updated in place for the manager's lifetime.
type ProxyHealth struct {
	ProxyKey     string        `json:"proxy_key"`
	Healthy      bool          `json:"healthy"`
	LastCheck    time.Time     `json:"last_check"`
	ResponseTime time.Duration `json:"response_time"`
	SuccessRate  float64       `json:"success_rate"`
	ErrorCount   int           `json:"error_count"`
	LastError    string        `json:"last_error,omitempty"`
}

// EventFunc observes every completed check.
type EventFunc func(h ProxyHealth)

// Options carry the optional manager collaborators.
type Options struct {
	// Prober overrides protocol-based probe selection.
	Prober  Prober
	OnCheck EventFunc
	Logger  *slog.Logger
}

// Manager owns the health record map and one probe loop per server.
type Manager struct {
	servers    []config.ProxyServer
	interval   time.Duration
	timeout    time.Duration
	testTarget string

	prober  Prober
	onCheck EventFunc
	logger  *slog.Logger

	mu      sync.RWMutex
	records map[string]*ProxyHealth
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewManager builds a health manager for the given servers. A nil
// config selects the defaults (60s interval, 5s timeout, CONNECT test
// against www.google.com:443).
func NewManager(cfg *config.HealthCheckConfig, servers []config.ProxyServer, opts Options) *Manager {
	if cfg == nil {
		cfg = config.DefaultHealthCheckConfig()
	}

	interval := time.Duration(cfg.Interval)
	if interval <= 0 {
		interval = 60 * time.Second
	}
	timeout := time.Duration(cfg.Timeout)
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	testTarget := cfg.TestTarget
	if testTarget == "" {
		testTarget = "www.google.com:443"
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		servers:    append([]config.ProxyServer(nil), servers...),
		interval:   interval,
		timeout:    timeout,
		testTarget: testTarget,
		prober:     opts.Prober,
		onCheck:    opts.OnCheck,
		logger:     logger,
		records:    make(map[string]*ProxyHealth),
	}
}

// Start launches one probe loop per server: an immediate check, then
// one per interval. Calling Start on a running manager is a no-op.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.done = make(chan struct{})
	m.mu.Unlock()

	for i := range m.servers {
		m.wg.Add(1)
		go m.run(ctx, &m.servers[i])
	}
}

// Stop halts the probe loops and waits for them to exit. The record
// map is kept; the manager can be started again.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	close(m.done)
	m.running = false
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *Manager) run(ctx context.Context, server *config.ProxyServer) {
	defer m.wg.Done()

	m.mu.RLock()
	done := m.done
	m.mu.RUnlock()

	m.check(ctx, server)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			m.check(ctx, server)
		}
	}
}

// check runs one probe and folds the outcome into the server's record.
func (m *Manager) check(ctx context.Context, server *config.ProxyServer) {
	checkCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	prober := m.prober
	if prober == nil {
		prober = proberFor(server, m.testTarget)
	}

	start := time.Now()
	err := prober.Probe(checkCtx, server)
	elapsed := time.Since(start)

	snapshot := m.record(server.Key(), elapsed, err)

	if err != nil {
		m.logger.Debug("health check failed",
			"proxy", server.URL(), "error", err, "error_count", snapshot.ErrorCount)
	} else {
		m.logger.Debug("health check ok",
			"proxy", server.URL(), "response_time", elapsed)
	}
	if m.onCheck != nil {
		m.onCheck(snapshot)
	}
}

// record applies the exponential smoothing update: success moves the
// rate toward 1 and clears the error count, failure decays it and
// marks the server unhealthy.
func (m *Manager) record(key string, elapsed time.Duration, err error) ProxyHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok {
		rec = &ProxyHealth{ProxyKey: key, Healthy: true, SuccessRate: 1.0}
		m.records[key] = rec
	}

	rec.LastCheck = time.Now()
	rec.ResponseTime = elapsed
	if err == nil {
		rec.Healthy = true
		rec.ErrorCount = 0
		rec.SuccessRate = rec.SuccessRate*0.9 + 0.1
		rec.LastError = ""
	} else {
		rec.Healthy = false
		rec.ErrorCount++
		rec.SuccessRate *= 0.9
		rec.LastError = err.Error()
	}
	return *rec
}

// IsHealthy reports whether a server should receive traffic. A server
// with no record yet is healthy: probes may simply not have run.
func (m *Manager) IsHealthy(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[key]
	if !ok {
		return true
	}
	return rec.Healthy && rec.ErrorCount < 3
}

// Health returns the record for one server.
func (m *Manager) Health(key string) (ProxyHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[key]
	if !ok {
		return ProxyHealth{}, false
	}
	return *rec, true
}

// Snapshot returns a copy of every record.
func (m *Manager) Snapshot() map[string]ProxyHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]ProxyHealth, len(m.records))
	for key, rec := range m.records {
		out[key] = *rec
	}
	return out
}

// CheckNow probes one server immediately, outside the background
// schedule.
func (m *Manager) CheckNow(ctx context.Context, key string) (ProxyHealth, error) {
	for i := range m.servers {
		if m.servers[i].Key() == key {
			m.check(ctx, &m.servers[i])
			rec, _ := m.Health(key)
			return rec, nil
		}
	}
	return ProxyHealth{}, fmt.Errorf("unknown proxy server: %s", key)
}
