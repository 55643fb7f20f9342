package config

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Proxy protocols.
const (
	ProtocolHTTP   = "http"
	ProtocolHTTPS  = "https"
	ProtocolSOCKS4 = "socks4"
	ProtocolSOCKS5 = "socks5"
)

// Authentication types.
const (
	AuthBasic     = "basic"
	AuthDigest    = "digest"
	AuthNTLM      = "ntlm"
	AuthNegotiate = "negotiate"
)

// Rotation strategies.
const (
	StrategyRoundRobin = "round_robin"
	StrategyWeighted   = "weighted"
	StrategyLeastConn  = "least_connections"
	StrategyRandom     = "random"
)

// ProxyServer describes one upstream proxy. Immutable once loaded.
type ProxyServer struct {
	Protocol string          `yaml:"protocol" json:"protocol"` // http, https, socks4, socks5
	Host     string          `yaml:"host" json:"host"`
	Port     int             `yaml:"port" json:"port"`
	Auth     *Authentication `yaml:"auth,omitempty" json:"auth,omitempty"`
	TLS      *TLSSettings    `yaml:"tls,omitempty" json:"tls,omitempty"`
	Priority int             `yaml:"priority,omitempty" json:"priority,omitempty"`
	Tags     []string        `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// TLSSettings controls certificate verification for https proxies.
// Only consulted when the server protocol is https.
type TLSSettings struct {
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify,omitempty" json:"insecure_skip_verify,omitempty"`
	CAFile             string `yaml:"ca_file,omitempty" json:"ca_file,omitempty"`
	ServerName         string `yaml:"server_name,omitempty" json:"server_name,omitempty"`
}

// Key returns the host:port identity used for weights, health records,
// and metrics labels.
func (s *ProxyServer) Key() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// URL returns the protocol://host:port form consumed by browsers.
func (s *ProxyServer) URL() string {
	return fmt.Sprintf("%s://%s", s.Protocol, s.Key())
}

// Validate checks a single server definition.
func (s *ProxyServer) Validate() error {
	switch s.Protocol {
	case ProtocolHTTP, ProtocolHTTPS, ProtocolSOCKS4, ProtocolSOCKS5:
	case "":
		return fmt.Errorf("proxy server protocol is required")
	default:
		return fmt.Errorf("invalid proxy protocol: %s", s.Protocol)
	}

	if s.Host == "" {
		return fmt.Errorf("proxy server host is required")
	}
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("invalid proxy port: %d", s.Port)
	}

	if s.Auth != nil {
		if err := s.Auth.Validate(); err != nil {
			return fmt.Errorf("proxy %s: %w", s.Key(), err)
		}
	}

	return nil
}

// Authentication holds upstream proxy credentials.
type Authentication struct {
	Username    string `yaml:"username" json:"username"`
	Password    string `yaml:"password" json:"password"`
	Type        string `yaml:"type,omitempty" json:"type,omitempty"` // basic (default), digest, ntlm, negotiate
	Domain      string `yaml:"domain,omitempty" json:"domain,omitempty"`
	Workstation string `yaml:"workstation,omitempty" json:"workstation,omitempty"`

	// Negotiate (SPNEGO) settings. Ignored by the other schemes.
	Realm    string   `yaml:"realm,omitempty" json:"realm,omitempty"`
	KDC      []string `yaml:"kdc,omitempty" json:"kdc,omitempty"`
	Krb5Conf string   `yaml:"krb5_conf,omitempty" json:"krb5_conf,omitempty"`
}

// Scheme returns the authentication type, defaulting to basic.
func (a *Authentication) Scheme() string {
	if a.Type == "" {
		return AuthBasic
	}
	return a.Type
}

// Validate checks the authentication settings.
func (a *Authentication) Validate() error {
	switch a.Scheme() {
	case AuthBasic, AuthDigest, AuthNTLM:
		if a.Username == "" {
			return fmt.Errorf("auth username is required")
		}
		if a.Password == "" {
			return fmt.Errorf("auth password is required")
		}
	case AuthNegotiate:
		if a.Username == "" {
			return fmt.Errorf("auth username is required")
		}
		if a.Password == "" {
			return fmt.Errorf("auth password is required")
		}
		if a.Realm == "" && a.Krb5Conf == "" {
			return fmt.Errorf("negotiate auth requires a realm or a krb5_conf path")
		}
	default:
		return fmt.Errorf("invalid auth type: %s", a.Type)
	}
	return nil
}

// RotationConfig controls multi-proxy rotation.
type RotationConfig struct {
	Enabled   bool           `yaml:"enabled" json:"enabled"`
	Strategy  string         `yaml:"strategy,omitempty" json:"strategy,omitempty"` // round_robin (default), weighted, least_connections, random
	Weights   map[string]int `yaml:"weights,omitempty" json:"weights,omitempty"`   // host:port -> weight
	Sticky    bool           `yaml:"sticky,omitempty" json:"sticky,omitempty"`
	StickyTTL Duration       `yaml:"sticky_ttl,omitempty" json:"sticky_ttl,omitempty"` // default 1h
}

// EffectiveStrategy returns the strategy, defaulting to round-robin.
func (r *RotationConfig) EffectiveStrategy() string {
	if r.Strategy == "" {
		return StrategyRoundRobin
	}
	return r.Strategy
}

// HealthCheckConfig controls the background health prober.
type HealthCheckConfig struct {
	Enabled    bool     `yaml:"enabled" json:"enabled"`
	Interval   Duration `yaml:"interval,omitempty" json:"interval,omitempty"` // default 60s
	Timeout    Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`   // default 5s
	TestTarget string   `yaml:"test_target,omitempty" json:"test_target,omitempty"`
}

// DefaultHealthCheckConfig returns the default health check settings.
func DefaultHealthCheckConfig() *HealthCheckConfig {
	return &HealthCheckConfig{
		Enabled:    true,
		Interval:   Duration(60 * time.Second),
		Timeout:    Duration(5 * time.Second),
		TestTarget: "www.google.com:443",
	}
}

// PoolConfig controls idle connection pooling.
type PoolConfig struct {
	Enabled       bool     `yaml:"enabled" json:"enabled"`
	MaxSize       int      `yaml:"max_size,omitempty" json:"max_size,omitempty"`             // per key, default 100
	MaxIdleTime   Duration `yaml:"max_idle_time,omitempty" json:"max_idle_time,omitempty"`   // default 5m
	SweepInterval Duration `yaml:"sweep_interval,omitempty" json:"sweep_interval,omitempty"` // default 30s
}

// DefaultPoolConfig returns the default pool settings.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		Enabled:       true,
		MaxSize:       100,
		MaxIdleTime:   Duration(5 * time.Minute),
		SweepInterval: Duration(30 * time.Second),
	}
}

// RetryConfig controls connection retry behavior. A nil RetryConfig means
// failures surface immediately.
type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts" json:"max_attempts"`
	Delay       Duration `yaml:"delay,omitempty" json:"delay,omitempty"`       // initial delay, default 500ms
	Backoff     float64  `yaml:"backoff,omitempty" json:"backoff,omitempty"`   // multiplier, default 2
	MaxDelay    Duration `yaml:"max_delay,omitempty" json:"max_delay,omitempty"` // default 30s
}

// Validate checks the retry policy.
func (r *RetryConfig) Validate() error {
	if r.MaxAttempts < 1 {
		return fmt.Errorf("retry max_attempts must be at least 1")
	}
	if r.Backoff != 0 && r.Backoff < 1 {
		return fmt.Errorf("retry backoff multiplier must be >= 1")
	}
	return nil
}

// BandwidthConfig caps aggregate transfer rates across every managed
// connection. Zero or omitted limits mean unlimited. Download bounds
// bytes read from upstream, upload bytes written to it.
type BandwidthConfig struct {
	Download Rate `yaml:"download,omitempty" json:"download,omitempty"`
	Upload   Rate `yaml:"upload,omitempty" json:"upload,omitempty"`
}

// Validate checks the bandwidth limits.
func (b *BandwidthConfig) Validate() error {
	if b.Download < 0 || b.Upload < 0 {
		return fmt.Errorf("bandwidth limits must not be negative")
	}
	return nil
}

// Enabled reports whether at least one limit is set.
func (b *BandwidthConfig) Enabled() bool {
	return b != nil && (b.Download > 0 || b.Upload > 0)
}

// ProxyConfig is the validated, immutable description of the proxy
// subsystem: servers, bypass rules, PAC source, rotation, health checking,
// pooling, retries, and bandwidth caps. Mutating helpers return a new
// value; a loaded config is never modified in place.
type ProxyConfig struct {
	Enabled        bool               `yaml:"enabled" json:"enabled"`
	Servers        []ProxyServer      `yaml:"servers,omitempty" json:"servers,omitempty"`
	Bypass         []string           `yaml:"bypass,omitempty" json:"bypass,omitempty"`
	PacURL         string             `yaml:"pac_url,omitempty" json:"pac_url,omitempty"`
	PacScript      string             `yaml:"pac_script,omitempty" json:"pac_script,omitempty"`
	Rotation       *RotationConfig    `yaml:"rotation,omitempty" json:"rotation,omitempty"`
	HealthCheck    *HealthCheckConfig `yaml:"health_check,omitempty" json:"health_check,omitempty"`
	Pool           *PoolConfig        `yaml:"pool,omitempty" json:"pool,omitempty"`
	Retry          *RetryConfig       `yaml:"retry,omitempty" json:"retry,omitempty"`
	Bandwidth      *BandwidthConfig   `yaml:"bandwidth,omitempty" json:"bandwidth,omitempty"`
	ConnectTimeout Duration           `yaml:"connect_timeout,omitempty" json:"connect_timeout,omitempty"` // default 30s
}

// DefaultProxyConfig returns a disabled proxy configuration with default
// health check and pool policies filled in.
func DefaultProxyConfig() ProxyConfig {
	return ProxyConfig{
		Enabled:        false,
		HealthCheck:    DefaultHealthCheckConfig(),
		Pool:           DefaultPoolConfig(),
		ConnectTimeout: Duration(30 * time.Second),
	}
}

// Validate checks the proxy configuration. Validation failures are fatal
// at initialization time; nothing is silently defaulted away.
func (c *ProxyConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	if len(c.Servers) == 0 && c.PacURL == "" && c.PacScript == "" {
		return fmt.Errorf("at least one proxy server, a PAC URL, or a PAC script must be configured")
	}

	keys := make(map[string]bool)
	for i := range c.Servers {
		s := &c.Servers[i]
		if err := s.Validate(); err != nil {
			return err
		}
		key := s.Protocol + ":" + s.Key()
		if keys[key] {
			return fmt.Errorf("duplicate proxy server: %s", s.URL())
		}
		keys[key] = true
	}

	if c.Rotation != nil && c.Rotation.Enabled {
		if len(c.Servers) < 2 {
			return fmt.Errorf("rotation requires at least 2 proxy servers, have %d", len(c.Servers))
		}
		switch c.Rotation.EffectiveStrategy() {
		case StrategyRoundRobin, StrategyLeastConn, StrategyRandom:
		case StrategyWeighted:
			if len(c.Rotation.Weights) == 0 {
				return fmt.Errorf("weighted rotation requires a weights map")
			}
			for i := range c.Servers {
				key := c.Servers[i].Key()
				w, ok := c.Rotation.Weights[key]
				if !ok {
					return fmt.Errorf("weighted rotation is missing a weight for server %s", key)
				}
				if w <= 0 {
					return fmt.Errorf("weight for server %s must be positive, got %d", key, w)
				}
			}
		default:
			return fmt.Errorf("invalid rotation strategy: %s", c.Rotation.Strategy)
		}
	}

	if c.Retry != nil {
		if err := c.Retry.Validate(); err != nil {
			return err
		}
	}

	if c.Bandwidth != nil {
		if err := c.Bandwidth.Validate(); err != nil {
			return err
		}
	}

	if c.PacURL != "" && c.PacScript != "" {
		// Inline script wins; flag it rather than surprising the caller.
		return fmt.Errorf("pac_url and pac_script are mutually exclusive")
	}

	return nil
}

// DefaultServer returns the first configured server, or nil.
func (c *ProxyConfig) DefaultServer() *ProxyServer {
	if len(c.Servers) == 0 {
		return nil
	}
	return &c.Servers[0]
}

// FindServer returns the server with the given host:port key, or nil.
func (c *ProxyConfig) FindServer(key string) *ProxyServer {
	for i := range c.Servers {
		if c.Servers[i].Key() == key {
			return &c.Servers[i]
		}
	}
	return nil
}

// WithServers returns a copy of the config with the server list replaced.
func (c *ProxyConfig) WithServers(servers []ProxyServer) ProxyConfig {
	out := *c
	out.Servers = append([]ProxyServer(nil), servers...)
	return out
}

// WithBypass returns a copy of the config with extra bypass rules appended.
func (c *ProxyConfig) WithBypass(rules ...string) ProxyConfig {
	out := *c
	out.Bypass = append(append([]string(nil), c.Bypass...), rules...)
	return out
}
