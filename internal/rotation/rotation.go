// Package rotation selects the next upstream proxy from a configured
// pool. It implements round-robin, weighted-random, least-connections,
// and random strategies, with optional sticky per-client pinning.
package rotation

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rennerdo30/heimdall-proxy/internal/config"
)

// DefaultStickyTTL pins a sticky client to its server for one hour.
const DefaultStickyTTL = time.Hour

// ActiveCounts reports live active-connection counts keyed by
// host:port. The least-connections strategy falls back to round-robin
// when no counts are available.
type ActiveCounts func() map[string]int

// RotatedFunc observes every selection, including sticky cache hits.
type RotatedFunc func(server config.ProxyServer, strategy string)

// Options carry the optional manager collaborators.
type Options struct {
	// ActiveCounts supplies live connection counts for the
	// least-connections strategy. Nil defers to round-robin.
	ActiveCounts ActiveCounts
	// OnRotated fires after every selection.
	OnRotated RotatedFunc
	Logger    *slog.Logger
}

type stickyEntry struct {
	server config.ProxyServer
	at     time.Time
}

// Manager owns the rotation index and the sticky client map. It is
// safe for concurrent use.
type Manager struct {
	servers   []config.ProxyServer
	strategy  string
	weights   map[string]int
	sticky    bool
	stickyTTL time.Duration

	counts    ActiveCounts
	onRotated RotatedFunc
	logger    *slog.Logger

	counter atomic.Uint64

	mu     sync.Mutex
	rng    *rand.Rand
	pinned map[string]stickyEntry
	now    func() time.Time
}

// NewManager builds a rotation manager for the given policy. The
// server list is copied; selection order follows the configured order.
// A nil rotation config selects plain round-robin.
func NewManager(rot *config.RotationConfig, servers []config.ProxyServer, opts Options) (*Manager, error) {
	if len(servers) == 0 {
		return nil, fmt.Errorf("rotation requires at least one proxy server")
	}

	strategy := config.StrategyRoundRobin
	var weights map[string]int
	sticky := false
	ttl := DefaultStickyTTL
	if rot != nil {
		strategy = rot.EffectiveStrategy()
		weights = rot.Weights
		sticky = rot.Sticky
		if rot.StickyTTL > 0 {
			ttl = time.Duration(rot.StickyTTL)
		}
	}

	switch strategy {
	case config.StrategyRoundRobin, config.StrategyWeighted, config.StrategyLeastConn, config.StrategyRandom:
	default:
		return nil, fmt.Errorf("invalid rotation strategy: %s", strategy)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		servers:   append([]config.ProxyServer(nil), servers...),
		strategy:  strategy,
		weights:   weights,
		sticky:    sticky,
		stickyTTL: ttl,
		counts:    opts.ActiveCounts,
		onRotated: opts.OnRotated,
		logger:    logger,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // selection jitter, not crypto
		pinned:    make(map[string]stickyEntry),
		now:       time.Now,
	}, nil
}

// Strategy returns the active strategy name.
func (m *Manager) Strategy() string { return m.strategy }

// Servers returns the rotation pool in selection order.
func (m *Manager) Servers() []config.ProxyServer {
	return append([]config.ProxyServer(nil), m.servers...)
}

// Next picks a server. With sticky rotation enabled, a non-empty
// clientID is pinned to its first selection until the sticky TTL
// expires.
func (m *Manager) Next(clientID string) *config.ProxyServer {
	if server := m.stickyLookup(clientID); server != nil {
		m.rotated(*server)
		return server
	}

	var server *config.ProxyServer
	switch m.strategy {
	case config.StrategyWeighted:
		server = m.pickWeighted()
	case config.StrategyLeastConn:
		server = m.pickLeastConnections()
	case config.StrategyRandom:
		server = m.pickRandom()
	default:
		server = m.pickRoundRobin()
	}

	m.pin(clientID, server)
	m.rotated(*server)
	return server
}

// StickyClients returns the number of live sticky pins.
func (m *Manager) StickyClients() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pinned)
}

func (m *Manager) stickyLookup(clientID string) *config.ProxyServer {
	if !m.sticky || clientID == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.pinned[clientID]
	if !ok {
		return nil
	}
	if m.now().Sub(entry.at) >= m.stickyTTL {
		delete(m.pinned, clientID)
		return nil
	}
	server := entry.server
	return &server
}

func (m *Manager) pin(clientID string, server *config.ProxyServer) {
	if !m.sticky || clientID == "" {
		return
	}
	m.mu.Lock()
	m.pinned[clientID] = stickyEntry{server: *server, at: m.now()}
	m.mu.Unlock()
}

func (m *Manager) rotated(server config.ProxyServer) {
	m.logger.Debug("proxy selected", "strategy", m.strategy, "proxy", server.URL())
	if m.onRotated != nil {
		m.onRotated(server, m.strategy)
	}
}

// pickRoundRobin cycles through the pool in list order, wrapping.
func (m *Manager) pickRoundRobin() *config.ProxyServer {
	idx := (m.counter.Add(1) - 1) % uint64(len(m.servers))
	return &m.servers[idx]
}

// pickWeighted draws uniformly over the total weight and walks the
// list subtracting each server's weight until the draw is used up.
// Servers without a configured weight count as weight 1.
func (m *Manager) pickWeighted() *config.ProxyServer {
	total := 0.0
	for i := range m.servers {
		total += float64(m.weightOf(&m.servers[i]))
	}

	m.mu.Lock()
	draw := m.rng.Float64() * total
	m.mu.Unlock()

	for i := range m.servers {
		draw -= float64(m.weightOf(&m.servers[i]))
		if draw <= 0 {
			return &m.servers[i]
		}
	}
	return &m.servers[len(m.servers)-1]
}

func (m *Manager) weightOf(s *config.ProxyServer) int {
	if w, ok := m.weights[s.Key()]; ok && w > 0 {
		return w
	}
	return 1
}

// pickLeastConnections selects the first server with the fewest live
// connections. Without a counts source it behaves like round-robin.
func (m *Manager) pickLeastConnections() *config.ProxyServer {
	if m.counts == nil {
		return m.pickRoundRobin()
	}
	counts := m.counts()
	if len(counts) == 0 {
		return m.pickRoundRobin()
	}

	selected := 0
	minConns := -1
	for i := range m.servers {
		n := counts[m.servers[i].Key()]
		if minConns == -1 || n < minConns {
			minConns = n
			selected = i
		}
	}
	return &m.servers[selected]
}

func (m *Manager) pickRandom() *config.ProxyServer {
	m.mu.Lock()
	idx := m.rng.Intn(len(m.servers))
	m.mu.Unlock()
	return &m.servers[idx]
}
