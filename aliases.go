package heimdall

import (
	"github.com/rennerdo30/heimdall-proxy/internal/config"
	"github.com/rennerdo30/heimdall-proxy/internal/health"
	"github.com/rennerdo30/heimdall-proxy/internal/metrics"
	"github.com/rennerdo30/heimdall-proxy/internal/pool"
	"github.com/rennerdo30/heimdall-proxy/internal/proxyerror"
	"github.com/rennerdo30/heimdall-proxy/internal/upstream"
)

// Configuration types, re-exported so callers never import internal
// packages directly.
type (
	// Config describes the whole proxy subsystem: servers, bypass
	// rules, PAC source, rotation, health checking, pooling, and
	// retry policy.
	Config = config.ProxyConfig

	// Server is one upstream proxy endpoint.
	Server = config.ProxyServer

	// Authentication carries proxy credentials and the auth scheme.
	Authentication = config.Authentication

	// TLSSettings controls certificate verification for https proxies.
	TLSSettings = config.TLSSettings

	RotationConfig    = config.RotationConfig
	HealthCheckConfig = config.HealthCheckConfig
	PoolConfig        = config.PoolConfig
	RetryConfig       = config.RetryConfig
	BandwidthConfig   = config.BandwidthConfig

	// Duration is a yaml/json-friendly wrapper around time.Duration.
	// Bare numbers decode as milliseconds.
	Duration = config.Duration

	// Rate is a yaml/json-friendly transfer rate in bytes per second.
	// Strings such as "10Mbps" or "1MB/s" decode too.
	Rate = config.Rate
)

// Runtime types surfaced by the manager API.
type (
	// Connection is an established, byte-counting connection through
	// a proxy (or direct when no proxy applies).
	Connection = upstream.Conn

	// Tunnel is a raw byte pipe to a fixed host:port.
	Tunnel = upstream.Tunnel

	ConnectionInfo = upstream.Info
	TunnelInfo     = upstream.TunnelInfo

	// HealthStatus is the rolling health record for one proxy.
	HealthStatus = health.ProxyHealth

	// MetricsSnapshot is a point-in-time view of the rolling
	// connection and latency counters.
	MetricsSnapshot = metrics.Snapshot

	// LatencySummary aggregates the rolling handshake latency window.
	LatencySummary = metrics.LatencySummary

	// PoolStats are per-key (or total) connection pool counters.
	PoolStats = pool.Stats

	// ProxyError carries the proxy, target, and a stable code for
	// every connection-path failure.
	ProxyError = proxyerror.Error
)

// Error codes carried by ProxyError.
const (
	CodeConfig    = proxyerror.CodeConfig
	CodeConnect   = proxyerror.CodeConnect
	CodeHandshake = proxyerror.CodeHandshake
	CodeAuth      = proxyerror.CodeAuth
	CodeTLS       = proxyerror.CodeTLS
	CodePac       = proxyerror.CodePac
	CodeClosed    = proxyerror.CodeClosed
)

// Sentinel errors returned by the manager lifecycle.
var (
	ErrNotInitialized     = proxyerror.ErrNotInitialized
	ErrAlreadyInitialized = proxyerror.ErrAlreadyInitialized
	ErrManagerClosed      = proxyerror.ErrManagerClosed
	ErrNoProxyConfigured  = proxyerror.ErrNoProxyConfigured
)

// DefaultConfig returns a disabled configuration with the default
// health check and pool policies filled in.
func DefaultConfig() Config { return config.DefaultProxyConfig() }

// FromEnvironment builds a configuration from the HTTP_PROXY,
// HTTPS_PROXY, SOCKS_PROXY, NO_PROXY, and PAC_URL environment
// variables (case-insensitive).
func FromEnvironment() (*Config, error) { return config.FromEnvironment() }

// ParseProxyURL parses "protocol://[user:pass@]host:port" into a
// server definition. A missing scheme falls back to defaultScheme.
func ParseProxyURL(raw, defaultScheme string) (Server, error) {
	return config.ParseProxyURL(raw, defaultScheme)
}

// IsProxyError reports whether err (or anything it wraps) is a
// ProxyError.
func IsProxyError(err error) bool { return proxyerror.IsProxyError(err) }

// ErrorCode extracts the ProxyError code from err, or "" when err is
// not a proxy error.
func ErrorCode(err error) proxyerror.Code { return proxyerror.CodeOf(err) }
