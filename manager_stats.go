package heimdall

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/rennerdo30/heimdall-proxy/internal/upstream"
)

// RotationStats describe the active rotation policy.
type RotationStats struct {
	Strategy      string `json:"strategy"`
	StickyClients int    `json:"sticky_clients"`
}

// Stats is a point-in-time view of the whole subsystem: registries,
// pool counters, health records, and the rotation policy.
type Stats struct {
	Running           bool                    `json:"running"`
	Enabled           bool                    `json:"enabled"`
	Servers           int                     `json:"servers"`
	ActiveConnections int                     `json:"active_connections"`
	ActiveTunnels     int                     `json:"active_tunnels"`
	Pool              PoolStats               `json:"pool"`
	PoolPerProxy      map[string]PoolStats    `json:"pool_per_proxy,omitempty"`
	Health            map[string]HealthStatus `json:"health,omitempty"`
	Rotation          *RotationStats          `json:"rotation,omitempty"`
	PacCacheSize      int                     `json:"pac_cache_size,omitempty"`
}

// Stats reports the current subsystem state. On a closed manager only
// Running is meaningful.
func (m *Manager) Stats() Stats {
	s, err := m.snapshot()
	if err != nil {
		return Stats{}
	}

	st := Stats{
		Running: true,
		Enabled: s.cfg.Enabled,
		Servers: len(s.cfg.Servers),
	}

	m.connMu.Lock()
	st.ActiveConnections = len(m.conns)
	st.ActiveTunnels = len(m.tunnels)
	m.connMu.Unlock()

	if s.pool != nil {
		st.Pool = s.pool.Totals()
		st.PoolPerProxy = s.pool.Stats()
	}
	if s.health != nil {
		st.Health = s.health.Snapshot()
	}
	if s.rotation != nil {
		st.Rotation = &RotationStats{
			Strategy:      s.rotation.Strategy(),
			StickyClients: s.rotation.StickyClients(),
		}
	}
	if s.pacEval != nil {
		st.PacCacheSize = s.pacEval.CacheSize()
	}
	return st
}

// Metrics returns a snapshot of the rolling connection and latency
// counters, or the zero snapshot when the manager is not running.
func (m *Manager) Metrics() MetricsSnapshot {
	s, err := m.snapshot()
	if err != nil {
		return MetricsSnapshot{}
	}
	return s.collector.Snapshot()
}

// MetricsHandler exposes the Prometheus registry backing Metrics. The
// handler resolves the active collector per request, so it stays valid
// across Close and re-Initialize cycles and answers 503 while the
// manager is down.
func (m *Manager) MetricsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := m.snapshot()
		if err != nil {
			http.Error(w, "proxy manager not running", http.StatusServiceUnavailable)
			return
		}
		s.collector.Handler().ServeHTTP(w, r)
	})
}

// ActiveConnections snapshots the connection registry, oldest first.
func (m *Manager) ActiveConnections() []ConnectionInfo {
	m.connMu.Lock()
	infos := make([]ConnectionInfo, 0, len(m.conns))
	for _, mc := range m.conns {
		infos = append(infos, mc.conn.Info())
	}
	m.connMu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Created.Equal(infos[j].Created) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].Created.Before(infos[j].Created)
	})
	return infos
}

// ActiveTunnels snapshots the tunnel registry, oldest first.
func (m *Manager) ActiveTunnels() []TunnelInfo {
	m.connMu.Lock()
	infos := make([]TunnelInfo, 0, len(m.tunnels))
	for _, mt := range m.tunnels {
		infos = append(infos, mt.tunnel.TunnelInfo())
	}
	m.connMu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Created.Equal(infos[j].Created) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].Created.Before(infos[j].Created)
	})
	return infos
}

// TestProxy checks whether a tunnel to testURL can be established
// through the given server. It works on any manager, running or not,
// and never touches the registries or metrics. The boolean mirrors
// reachability; the error carries the diagnostic detail.
func (m *Manager) TestProxy(ctx context.Context, server *Server, testURL string) (bool, error) {
	if server == nil {
		return false, ErrNoProxyConfigured
	}
	if err := server.Validate(); err != nil {
		return false, err
	}
	if testURL == "" {
		testURL = "https://www.google.com"
	}
	host, port, _, err := parseTarget(testURL)
	if err != nil {
		return false, err
	}

	timeout := upstream.DefaultConnectTimeout
	m.mu.RLock()
	if m.running && m.cfg.ConnectTimeout.Duration() > 0 {
		timeout = m.cfg.ConnectTimeout.Duration()
	}
	m.mu.RUnlock()

	est := upstream.NewEstablisher(timeout, m.logger)
	conn, err := est.Establish(ctx, server, host, port)
	if err != nil {
		return false, err
	}
	_ = conn.Close()
	return true, nil
}

// Config returns a copy of the active configuration, or nil when the
// manager is not running.
func (m *Manager) Config() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.running {
		return nil
	}
	cc := *m.cfg
	return &cc
}

// Healthy reports the health verdict for a configured server, keyed
// by host:port. Servers without a probe record yet count as healthy.
func (m *Manager) Healthy(key string) bool {
	s, err := m.snapshot()
	if err != nil || s.health == nil {
		return false
	}
	return s.health.IsHealthy(key)
}

// CheckProxyNow runs one immediate health probe against a configured
// server and returns the updated record.
func (m *Manager) CheckProxyNow(ctx context.Context, key string) (HealthStatus, error) {
	s, err := m.snapshot()
	if err != nil {
		return HealthStatus{}, err
	}
	if s.health == nil {
		return HealthStatus{}, ErrNoProxyConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.health.CheckNow(ctx, key)
}
