package heimdall

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rennerdo30/heimdall-proxy/internal/config"
	"github.com/rennerdo30/heimdall-proxy/internal/proxyerror"
	"github.com/rennerdo30/heimdall-proxy/internal/upstream"
)

// ConnOption adjusts a single CreateConnection or CreateTunnel call.
type ConnOption func(*connOptions)

type connOptions struct {
	clientID  string
	server    *config.ProxyServer
	tlsConfig *tls.Config
}

// WithClientID tags the call with a client identity for sticky
// rotation. Calls carrying the same ID keep hitting the same server
// until the sticky TTL expires.
func WithClientID(id string) ConnOption {
	return func(o *connOptions) { o.clientID = id }
}

// WithServer pins the call to one server, skipping bypass, PAC, and
// rotation entirely.
func WithServer(s *Server) ConnOption {
	return func(o *connOptions) { o.server = s }
}

// WithTLSConfig overrides the TLS client configuration used for the
// target handshake when the target scheme is https.
func WithTLSConfig(cfg *tls.Config) ConnOption {
	return func(o *connOptions) { o.tlsConfig = cfg }
}

func buildConnOptions(opts []ConnOption) *connOptions {
	o := &connOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CreateConnection establishes a connection to targetURL through the
// selected proxy, or directly when selection yields none. The target
// scheme decides the port default (http 80, https 443) and whether
// the connection is TLS-upgraded after the proxy handshake. Idle
// pooled connections to the same target through the same proxy are
// reused. Failures surface as ProxyError and honor the configured
// retry policy.
func (m *Manager) CreateConnection(ctx context.Context, targetURL string, opts ...ConnOption) (*Connection, error) {
	s, err := m.snapshot()
	if err != nil {
		return nil, err
	}
	o := buildConnOptions(opts)

	host, port, useTLS, err := parseTarget(targetURL)
	if err != nil {
		return nil, proxyerror.New(proxyerror.CodeConfig, "parse target", "", targetURL, err)
	}
	target := net.JoinHostPort(host, strconv.Itoa(port))
	server := m.resolveProxy(s, o, targetURL)

	if conn := m.reuseFromPool(s, server, target); conn != nil {
		conn.AddRequest()
		s.collector.RequestSent()
		m.events.emit(Event{Kind: EventConnectionCreated, ConnID: conn.ID(), Proxy: conn.Proxy(), Target: target})
		return conn, nil
	}

	ctx, release := m.operationContext(ctx, s)
	defer release()

	start := time.Now()
	var raw net.Conn
	err = m.withRetry(ctx, s.cfg.Retry, target, func() error {
		var derr error
		raw, derr = m.dial(ctx, s, server, host, port)
		return derr
	})
	if err != nil {
		err = s.closedErr(err)
		s.collector.ConnectionFailed(metricsProxy(server), protocolOf(server))
		m.events.emit(Event{Kind: EventConnectionFailed, Proxy: keyOf(server), Target: target, Err: err})
		return nil, err
	}
	if server != nil {
		s.collector.RecordLatency(server.Key(), time.Since(start))
	}

	if useTLS {
		tlsConn, terr := s.establisher.UpgradeTLS(ctx, raw, host, o.tlsConfig)
		if terr != nil {
			_ = raw.Close()
			terr = s.closedErr(terr)
			s.collector.ConnectionFailed(metricsProxy(server), protocolOf(server))
			m.events.emit(Event{Kind: EventConnectionFailed, Proxy: keyOf(server), Target: target, Err: terr})
			return nil, terr
		}
		raw = tlsConn
	}

	conn := m.trackConn(s, raw, target, server)
	conn.AddRequest()
	s.collector.RequestSent()
	m.events.emit(Event{Kind: EventConnectionCreated, ConnID: conn.ID(), Proxy: keyOf(server), Target: target})
	return conn, nil
}

// CreateTunnel establishes a raw byte pipe to host:port through the
// selected proxy and records the handshake latency. Tunnels are never
// pooled; closing the tunnel closes the socket.
func (m *Manager) CreateTunnel(ctx context.Context, host string, port int, opts ...ConnOption) (*Tunnel, error) {
	s, err := m.snapshot()
	if err != nil {
		return nil, err
	}
	o := buildConnOptions(opts)

	if host == "" || port <= 0 || port > 65535 {
		return nil, proxyerror.Newf(proxyerror.CodeConfig, "create tunnel", "",
			net.JoinHostPort(host, strconv.Itoa(port)), "invalid tunnel target")
	}
	target := net.JoinHostPort(host, strconv.Itoa(port))
	server := m.resolveProxy(s, o, tunnelURL(host, port))

	ctx, release := m.operationContext(ctx, s)
	defer release()

	start := time.Now()
	var raw net.Conn
	err = m.withRetry(ctx, s.cfg.Retry, target, func() error {
		var derr error
		raw, derr = m.dial(ctx, s, server, host, port)
		return derr
	})
	latency := time.Since(start)
	if err != nil {
		err = s.closedErr(err)
		s.collector.ConnectionFailed(metricsProxy(server), protocolOf(server))
		m.events.emit(Event{Kind: EventTunnelFailed, Proxy: keyOf(server), Target: target, Err: err})
		return nil, err
	}
	if server != nil {
		s.collector.RecordLatency(server.Key(), latency)
	}

	conn := m.trackConn(s, raw, target, server)
	tunnel := upstream.NewTunnel(conn, host, port, latency)

	m.connMu.Lock()
	if m.tunnels != nil {
		m.tunnels[conn.ID()] = managedTunnel{tunnel: tunnel, server: server}
	}
	m.connMu.Unlock()

	m.events.emit(Event{Kind: EventTunnelCreated, ConnID: conn.ID(), Proxy: keyOf(server), Target: target})
	return tunnel, nil
}

// ReleaseConnection hands an idle connection back to the pool so a
// later CreateConnection to the same target through the same proxy
// can reuse it. The socket is closed instead when the connection is
// direct, unknown, errored, or the pool is full; the return value
// reports whether it was pooled.
func (m *Manager) ReleaseConnection(conn *Connection) bool {
	if conn == nil {
		return false
	}
	s, err := m.snapshot()
	if err != nil {
		_ = conn.Close()
		return false
	}

	m.connMu.Lock()
	mc, ok := m.conns[conn.ID()]
	if ok {
		delete(m.conns, conn.ID())
	}
	m.connMu.Unlock()

	if !ok || mc.server == nil || s.pool == nil {
		_ = conn.Close()
		return false
	}
	return s.pool.Release(mc.server, conn)
}

// reuseFromPool pops an idle connection for the server and adopts it
// into the registry when its target matches. A mismatched connection
// goes straight back to the pool.
func (m *Manager) reuseFromPool(s *managerState, server *config.ProxyServer, target string) *upstream.Conn {
	if server == nil || s.pool == nil {
		return nil
	}
	conn := s.pool.Acquire(server)
	if conn == nil {
		return nil
	}
	if conn.Target() != target {
		s.pool.Release(server, conn)
		return nil
	}

	m.connMu.Lock()
	if m.conns != nil {
		m.conns[conn.ID()] = managedConn{conn: conn, server: server}
	}
	m.connMu.Unlock()

	m.logger.Debug("reusing pooled connection", "conn_id", conn.ID(), "proxy", server.Key(), "target", target)
	return conn
}

// trackConn wraps an established socket, registers it, and wires its
// close hook to the registry, the pool, and the event stream. The
// hook captures this epoch's collector so connections closing after a
// manager restart never touch the new epoch's counters.
func (m *Manager) trackConn(s *managerState, raw net.Conn, target string, server *config.ProxyServer) *upstream.Conn {
	proxyKey := keyOf(server)
	mProxy := metricsProxy(server)
	collector := s.collector
	pl := s.pool
	events := m.events

	conn := upstream.NewConn(raw, target, proxyKey, func(c *upstream.Conn) {
		m.forgetConn(c.ID())
		if pl != nil && server != nil {
			pl.Remove(server, c)
		}
		st := c.Stats()
		collector.ConnectionClosed(mProxy, st.BytesSent, st.BytesReceived)
		events.emit(Event{Kind: EventConnectionClosed, ConnID: c.ID(), Proxy: proxyKey, Target: target})
	})

	m.connMu.Lock()
	if m.conns != nil {
		m.conns[conn.ID()] = managedConn{conn: conn, server: server}
	}
	m.connMu.Unlock()

	if pl != nil && server != nil {
		pl.Add(server, conn)
	}
	collector.ConnectionOpened(mProxy, protocolOf(server))
	return conn
}

// forgetConn drops a connection (and its tunnel wrapper, if any) from
// the registries.
func (m *Manager) forgetConn(id string) {
	m.connMu.Lock()
	delete(m.conns, id)
	delete(m.tunnels, id)
	m.connMu.Unlock()
}

// dial establishes the raw socket: through the proxy handshake when a
// server applies, with a plain tracked dial otherwise. Bandwidth
// shaping wraps the socket here so pooled and fresh connections are
// throttled alike.
func (m *Manager) dial(ctx context.Context, s *managerState, server *config.ProxyServer, host string, port int) (net.Conn, error) {
	if server != nil {
		conn, err := s.establisher.Establish(ctx, server, host, port)
		if err != nil {
			return nil, err
		}
		return s.shaper.Conn(conn), nil
	}

	target := net.JoinHostPort(host, strconv.Itoa(port))
	d := net.Dialer{Timeout: s.cfg.ConnectTimeout.Duration()}
	conn, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, proxyerror.New(proxyerror.CodeConnect, "direct dial", "", target, err)
	}
	return s.shaper.Conn(conn), nil
}

// operationContext couples the caller's context to the manager's
// lifetime so Close fails in-flight handshakes.
func (m *Manager) operationContext(ctx context.Context, s *managerState) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.closeCtx, cancel)
	release := func() {
		stop()
		cancel()
	}
	return ctx, release
}

// withRetry runs op under the configured retry policy. Without a
// policy the op runs exactly once. Waits back off exponentially
// (delay * backoff^n, capped at max_delay) and abort when ctx ends.
func (m *Manager) withRetry(ctx context.Context, rc *config.RetryConfig, target string, op func() error) error {
	if rc == nil {
		return op()
	}

	attempts := rc.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := rc.Delay.Duration()
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	backoff := rc.Backoff
	if backoff < 1 {
		backoff = 2
	}
	maxDelay := rc.MaxDelay.Duration()
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			m.logger.Debug("retrying connection", "target", target, "attempt", attempt, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return proxyerror.New(proxyerror.CodeConnect, "retry wait", "", target, ctx.Err())
			}
			delay = time.Duration(float64(delay) * backoff)
			if delay > maxDelay {
				delay = maxDelay
			}
		}
		if err = op(); err == nil {
			return nil
		}
	}
	return err
}

// parseTarget splits a target URL (or bare host[:port]) into host,
// port, and whether the connection should be TLS-upgraded. Scheme
// defaults: http and ws mean port 80, https and wss mean 443. A bare
// host without a port defaults to 80.
func parseTarget(targetURL string) (host string, port int, useTLS bool, err error) {
	if targetURL == "" {
		return "", 0, false, fmt.Errorf("empty target")
	}

	if strings.Contains(targetURL, "://") {
		u, perr := url.Parse(targetURL)
		if perr != nil {
			return "", 0, false, perr
		}
		host = u.Hostname()
		if host == "" {
			return "", 0, false, fmt.Errorf("target %q has no host", targetURL)
		}
		switch strings.ToLower(u.Scheme) {
		case "https", "wss":
			port, useTLS = 443, true
		case "http", "ws":
			port = 80
		default:
			return "", 0, false, fmt.Errorf("unsupported target scheme %q", u.Scheme)
		}
		if p := u.Port(); p != "" {
			port, err = strconv.Atoi(p)
			if err != nil {
				return "", 0, false, fmt.Errorf("invalid port %q", p)
			}
		}
		return host, port, useTLS, nil
	}

	// Bare host:port or host.
	if h, p, serr := net.SplitHostPort(targetURL); serr == nil {
		port, err = strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return "", 0, false, fmt.Errorf("invalid port %q", p)
		}
		return h, port, port == 443, nil
	}
	return targetURL, 80, false, nil
}

// tunnelURL shapes a tunnel target as a URL for bypass and PAC
// evaluation. Port 443 reads as https, anything else as http.
func tunnelURL(host string, port int) string {
	if port == 443 {
		return "https://" + host
	}
	return fmt.Sprintf("http://%s:%d", host, port)
}

func keyOf(server *config.ProxyServer) string {
	if server == nil {
		return ""
	}
	return server.Key()
}

// metricsProxy labels direct connections "direct" so the Prometheus
// vectors never carry an empty label value.
func metricsProxy(server *config.ProxyServer) string {
	if server == nil {
		return "direct"
	}
	return server.Key()
}

func protocolOf(server *config.ProxyServer) string {
	if server == nil {
		return "direct"
	}
	return server.Protocol
}
