package upstream

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rennerdo30/heimdall-proxy/internal/auth"
	"github.com/rennerdo30/heimdall-proxy/internal/config"
	"github.com/rennerdo30/heimdall-proxy/internal/proxyerror"
)

// DefaultConnectTimeout bounds the TCP connect plus handshake when the
// caller's context carries no deadline.
const DefaultConnectTimeout = 30 * time.Second

// Establisher performs the protocol-specific handshakes that turn a
// raw socket to a proxy into a tunnel to a target. It is safe for
// concurrent use; authentication state (Digest nonce counts, Kerberos
// tickets) is kept per proxy server.
type Establisher struct {
	connectTimeout time.Duration
	logger         *slog.Logger

	mu        sync.Mutex
	providers map[string]auth.Provider
}

// NewEstablisher builds an establisher. A non-positive timeout selects
// the default.
func NewEstablisher(connectTimeout time.Duration, logger *slog.Logger) *Establisher {
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Establisher{
		connectTimeout: connectTimeout,
		logger:         logger,
		providers:      make(map[string]auth.Provider),
	}
}

// Establish opens a raw TCP connection to server and performs the
// handshake for its protocol, returning a socket tunnelled to
// targetHost:targetPort. The context deadline caps the configured
// connect timeout when it is sooner.
func (e *Establisher) Establish(ctx context.Context, server *config.ProxyServer, targetHost string, targetPort int) (net.Conn, error) {
	target := net.JoinHostPort(targetHost, strconv.Itoa(targetPort))
	proxyKey := server.Key()

	dialer := &net.Dialer{Timeout: e.connectTimeout, KeepAlive: 30 * time.Second}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < dialer.Timeout {
			dialer.Timeout = remaining
		}
	}

	conn, err := dialer.DialContext(ctx, "tcp", proxyKey)
	if err != nil {
		return nil, proxyerror.New(proxyerror.CodeConnect, "dial proxy", proxyKey, target, err)
	}

	// A cancelled ctx unblocks any handshake read still in flight.
	raw := conn
	stop := context.AfterFunc(ctx, func() { _ = raw.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	// The whole handshake runs under one deadline; it is cleared once
	// the tunnel is up.
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(e.connectTimeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return nil, proxyerror.New(proxyerror.CodeConnect, "set handshake deadline", proxyKey, target, err)
	}

	switch server.Protocol {
	case config.ProtocolHTTP:
		err = e.connectHandshake(conn, server, target)
	case config.ProtocolHTTPS:
		// An https proxy is itself reached over TLS; CONNECT runs
		// inside that session.
		var tlsCfg *tls.Config
		tlsCfg, err = proxyTLSConfig(server)
		if err != nil {
			err = proxyerror.New(proxyerror.CodeConfig, "proxy TLS config", proxyKey, target, err)
			break
		}
		tlsConn := tls.Client(conn, tlsCfg)
		if err = tlsConn.HandshakeContext(ctx); err != nil {
			err = proxyerror.New(proxyerror.CodeTLS, "proxy TLS handshake", proxyKey, target, err)
			break
		}
		conn = tlsConn
		err = e.connectHandshake(conn, server, target)
	case config.ProtocolSOCKS4:
		err = e.socks4Handshake(ctx, conn, server, targetHost, targetPort)
	case config.ProtocolSOCKS5:
		err = e.socks5Handshake(conn, server, targetHost, targetPort)
	default:
		err = proxyerror.Newf(proxyerror.CodeConfig, "establish", proxyKey, target,
			"unsupported proxy protocol: %s", server.Protocol)
	}
	if err != nil {
		conn.Close()
		return nil, err
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, proxyerror.New(proxyerror.CodeConnect, "clear handshake deadline", proxyKey, target, err)
	}

	e.logger.Debug("tunnel established",
		"proxy", server.URL(), "target", target, "protocol", server.Protocol)
	return conn, nil
}

// UpgradeTLS wraps an established tunnel with a client TLS session for
// an HTTPS target. serverName is the target host.
func (e *Establisher) UpgradeTLS(ctx context.Context, conn net.Conn, serverName string, cfg *tls.Config) (net.Conn, error) {
	if cfg == nil {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	} else {
		cfg = cfg.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = serverName
	}

	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, proxyerror.New(proxyerror.CodeTLS, "target TLS handshake", "", serverName, err)
	}
	return tlsConn, nil
}

// proxyTLSConfig builds the client TLS configuration for an https
// proxy from its optional TLS settings.
func proxyTLSConfig(server *config.ProxyServer) (*tls.Config, error) {
	cfg := &tls.Config{ServerName: server.Host, MinVersion: tls.VersionTLS12}
	t := server.TLS
	if t == nil {
		return cfg, nil
	}

	if t.ServerName != "" {
		cfg.ServerName = t.ServerName
	}
	cfg.InsecureSkipVerify = t.InsecureSkipVerify //nolint:gosec // G402: operator opt-in for proxies with private certificates
	if t.CAFile != "" {
		pem, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca_file %s contains no PEM certificates", t.CAFile)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// providerFor returns the shared authentication provider for a server,
// creating it on first use.
func (e *Establisher) providerFor(server *config.ProxyServer) (auth.Provider, error) {
	if server.Auth == nil {
		return nil, nil
	}

	key := server.Key()
	e.mu.Lock()
	defer e.mu.Unlock()

	if p, ok := e.providers[key]; ok {
		return p, nil
	}
	p, err := auth.New(server.Auth)
	if err != nil {
		return nil, fmt.Errorf("proxy %s: %w", key, err)
	}
	e.providers[key] = p
	return p, nil
}
