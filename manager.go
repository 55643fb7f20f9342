package heimdall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rennerdo30/heimdall-proxy/internal/bypass"
	"github.com/rennerdo30/heimdall-proxy/internal/config"
	"github.com/rennerdo30/heimdall-proxy/internal/health"
	"github.com/rennerdo30/heimdall-proxy/internal/logging"
	"github.com/rennerdo30/heimdall-proxy/internal/metrics"
	"github.com/rennerdo30/heimdall-proxy/internal/pac"
	"github.com/rennerdo30/heimdall-proxy/internal/pool"
	"github.com/rennerdo30/heimdall-proxy/internal/ratelimit"
	"github.com/rennerdo30/heimdall-proxy/internal/rotation"
	"github.com/rennerdo30/heimdall-proxy/internal/upstream"
)

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithLogger routes manager logs through the given logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetricsEmitInterval overrides the one-minute default between
// periodic metrics events.
func WithMetricsEmitInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.emitInterval = d
		}
	}
}

// managedConn pairs a live connection with the server it went
// through. The server is nil for direct connections.
type managedConn struct {
	conn   *upstream.Conn
	server *config.ProxyServer
}

type managedTunnel struct {
	tunnel *upstream.Tunnel
	server *config.ProxyServer
}

// Manager is the proxy subsystem facade. All methods are safe for
// concurrent use. The zero value is not usable; construct with New.
type Manager struct {
	logger       *slog.Logger
	events       *eventBus
	emitInterval time.Duration

	// mu guards the lifecycle state and the subsystem handles, which
	// are swapped wholesale on Initialize and Close.
	mu          sync.RWMutex
	running     bool
	cfg         *config.ProxyConfig
	bypass      *bypass.Evaluator
	pacEval     *pac.Evaluator
	rotation    *rotation.Manager
	health      *health.Manager
	establisher *upstream.Establisher
	pool        *pool.Pool
	collector   *metrics.Collector
	shaper      *ratelimit.Shaper
	closeCtx    context.Context
	closeCancel context.CancelFunc

	// connMu guards the connection and tunnel registries. When both
	// locks are needed, mu is acquired first.
	connMu  sync.Mutex
	conns   map[string]managedConn
	tunnels map[string]managedTunnel
}

// New constructs an inactive manager. Call Initialize to activate it.
func New(opts ...Option) *Manager {
	m := &Manager{
		logger:       logging.WithComponent("manager"),
		events:       newEventBus(),
		emitInterval: metrics.DefaultEmitInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnEvent subscribes a handler to the manager's event stream and
// returns its unsubscribe function. Subscriptions survive Close.
func (m *Manager) OnEvent(h EventHandler) (unsubscribe func()) {
	return m.events.subscribe(h)
}

// Initialize validates cfg and activates the manager: compiles bypass
// rules, loads the PAC script (ctx bounds the download), builds the
// rotation policy, and starts health probing and metrics collection.
// A second call without an intervening Close returns
// ErrAlreadyInitialized. Configuration errors are fatal here rather
// than surfacing later on request paths.
func (m *Manager) Initialize(ctx context.Context, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("initialize: nil configuration")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate proxy config: %w", err)
	}

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrAlreadyInitialized
	}

	cc := *cfg
	byp := bypass.New(cc.Bypass)

	pacEval, err := m.loadPac(ctx, &cc)
	if err != nil {
		m.mu.Unlock()
		m.events.emit(Event{Kind: EventPacError, Target: cc.PacURL, Err: err})
		return fmt.Errorf("load pac: %w", err)
	}

	var rot *rotation.Manager
	if cc.Rotation != nil && cc.Rotation.Enabled && len(cc.Servers) > 0 {
		rot, err = rotation.NewManager(cc.Rotation, cc.Servers, rotation.Options{
			ActiveCounts: m.activeCounts,
			OnRotated: func(server config.ProxyServer, strategy string) {
				m.events.emit(Event{Kind: EventProxyRotated, Proxy: server.Key(), Strategy: strategy})
			},
			Logger: m.logger,
		})
		if err != nil {
			m.mu.Unlock()
			if pacEval != nil {
				pacEval.Close()
			}
			return fmt.Errorf("rotation: %w", err)
		}
	}

	collector := metrics.New(metrics.Options{
		OnEmit: func(snap metrics.Snapshot) {
			m.events.emit(Event{Kind: EventMetrics, Metrics: &snap})
		},
		EmitInterval: m.emitInterval,
		Logger:       m.logger,
	})

	var hm *health.Manager
	if cc.Enabled && len(cc.Servers) > 0 {
		hm = health.NewManager(cc.HealthCheck, cc.Servers, health.Options{
			OnCheck: func(h health.ProxyHealth) {
				collector.ProxyHealthChanged(h.ProxyKey, h.Healthy)
				m.events.emit(Event{Kind: EventHealthCheck, Proxy: h.ProxyKey, Health: &h})
			},
			Logger: m.logger,
		})
	}

	var pl *pool.Pool
	if cc.Pool == nil || cc.Pool.Enabled {
		pl = pool.New(cc.Pool, m.logger)
	}

	var shp *ratelimit.Shaper
	if cc.Bandwidth.Enabled() {
		shp = ratelimit.NewShaper(cc.Bandwidth.Download.BytesPerSecond(), cc.Bandwidth.Upload.BytesPerSecond())
	}

	closeCtx, closeCancel := context.WithCancel(context.Background())

	m.cfg = &cc
	m.bypass = byp
	m.pacEval = pacEval
	m.rotation = rot
	m.health = hm
	m.establisher = upstream.NewEstablisher(cc.ConnectTimeout.Duration(), m.logger)
	m.pool = pl
	m.collector = collector
	m.shaper = shp
	m.closeCtx = closeCtx
	m.closeCancel = closeCancel
	m.running = true

	m.connMu.Lock()
	m.conns = make(map[string]managedConn)
	m.tunnels = make(map[string]managedTunnel)
	m.connMu.Unlock()

	if hm != nil && (cc.HealthCheck == nil || cc.HealthCheck.Enabled) {
		hm.Start(closeCtx)
	}
	collector.Start()
	m.mu.Unlock()

	if pacEval != nil {
		m.events.emit(Event{Kind: EventPacLoaded, Target: cc.PacURL})
	}
	m.events.emit(Event{Kind: EventInitialized})
	m.logger.Info("proxy manager initialized",
		"enabled", cc.Enabled,
		"servers", len(cc.Servers),
		"pac", pacEval != nil,
		"rotation", rot != nil,
		"bandwidth", shp.Enabled(),
	)
	return nil
}

// loadPac compiles the configured PAC source, if any. Inline scripts
// win over URLs; validation rejects configs carrying both.
func (m *Manager) loadPac(ctx context.Context, cc *config.ProxyConfig) (*pac.Evaluator, error) {
	if !cc.Enabled {
		return nil, nil
	}
	opts := pac.Options{Logger: m.logger}
	switch {
	case cc.PacScript != "":
		return pac.FromScript(cc.PacScript, opts)
	case cc.PacURL != "":
		return pac.FromURL(ctx, cc.PacURL, opts)
	default:
		return nil, nil
	}
}

// Close synchronously destroys every open socket (active connections,
// tunnels, pooled idle connections), stops the health, metrics, and
// PAC cache loops, and emits closed. In-flight handshakes fail with
// ErrManagerClosed. A closed manager can be initialized again;
// closing twice is a no-op.
func (m *Manager) Close() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	hm, col, pl, pe := m.health, m.collector, m.pool, m.pacEval
	cancel := m.closeCancel
	m.cfg = nil
	m.bypass = nil
	m.pacEval = nil
	m.rotation = nil
	m.health = nil
	m.establisher = nil
	m.pool = nil
	m.collector = nil
	m.shaper = nil
	m.closeCtx = nil
	m.closeCancel = nil
	m.mu.Unlock()

	// Fail handshakes that have not completed yet.
	cancel()

	if hm != nil {
		hm.Stop()
	}
	col.Stop()
	if pe != nil {
		pe.Close()
	}

	m.connMu.Lock()
	conns := m.conns
	tunnels := m.tunnels
	m.conns = nil
	m.tunnels = nil
	m.connMu.Unlock()

	for _, mc := range conns {
		_ = mc.conn.Close()
	}
	for _, mt := range tunnels {
		_ = mt.tunnel.Close()
	}
	if pl != nil {
		pl.Close()
	}

	m.events.emit(Event{Kind: EventClosed})
	m.logger.Info("proxy manager closed",
		"connections_destroyed", len(conns),
		"tunnels_destroyed", len(tunnels),
	)
	return nil
}

// snapshot returns the current subsystem handles, or an error when
// the manager is not running. Callers operate on the returned handles
// so a concurrent Close never leaves them with half a manager.
func (m *Manager) snapshot() (*managerState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.running {
		return nil, ErrNotInitialized
	}
	return &managerState{
		cfg:         m.cfg,
		bypass:      m.bypass,
		pacEval:     m.pacEval,
		rotation:    m.rotation,
		health:      m.health,
		establisher: m.establisher,
		pool:        m.pool,
		collector:   m.collector,
		shaper:      m.shaper,
		closeCtx:    m.closeCtx,
	}, nil
}

// managerState is one initialize epoch's worth of subsystems.
type managerState struct {
	cfg         *config.ProxyConfig
	bypass      *bypass.Evaluator
	pacEval     *pac.Evaluator
	rotation    *rotation.Manager
	health      *health.Manager
	establisher *upstream.Establisher
	pool        *pool.Pool
	collector   *metrics.Collector
	shaper      *ratelimit.Shaper
	closeCtx    context.Context
}

// closedErr maps a handshake failure to ErrManagerClosed when the
// manager shut down mid-operation.
func (s *managerState) closedErr(err error) error {
	if err != nil && s.closeCtx.Err() != nil {
		return errors.Join(ErrManagerClosed, err)
	}
	return err
}

// activeCounts reports live connection counts per proxy host:port for
// the least-connections rotation strategy.
func (m *Manager) activeCounts() map[string]int {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	counts := make(map[string]int, len(m.conns)+len(m.tunnels))
	for _, mc := range m.conns {
		if mc.server != nil {
			counts[mc.server.Key()]++
		}
	}
	for _, mt := range m.tunnels {
		if mt.server != nil {
			counts[mt.server.Key()]++
		}
	}
	return counts
}
