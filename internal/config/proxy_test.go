package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validProxyConfig() ProxyConfig {
	return ProxyConfig{
		Enabled: true,
		Servers: []ProxyServer{
			{Protocol: "http", Host: "a.example.com", Port: 8080},
			{Protocol: "socks5", Host: "b.example.com", Port: 1080},
		},
	}
}

func TestProxyConfig_Validate_Disabled(t *testing.T) {
	cfg := ProxyConfig{Enabled: false}
	assert.NoError(t, cfg.Validate())
}

func TestProxyConfig_Validate_NoServersNoPAC(t *testing.T) {
	cfg := ProxyConfig{Enabled: true}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one proxy server")
}

func TestProxyConfig_Validate_PACOnly(t *testing.T) {
	cfg := ProxyConfig{Enabled: true, PacURL: "http://wpad.example.com/proxy.pac"}
	assert.NoError(t, cfg.Validate())
}

func TestProxyConfig_Validate_PACSourcesExclusive(t *testing.T) {
	cfg := ProxyConfig{
		Enabled:   true,
		PacURL:    "http://wpad.example.com/proxy.pac",
		PacScript: `function FindProxyForURL(url, host) { return "DIRECT"; }`,
	}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestProxyConfig_Validate_NegativeBandwidth(t *testing.T) {
	cfg := validProxyConfig()
	cfg.Bandwidth = &BandwidthConfig{Download: -1}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bandwidth")
}

func TestBandwidthConfig_Enabled(t *testing.T) {
	var nilCfg *BandwidthConfig
	assert.False(t, nilCfg.Enabled())
	assert.False(t, (&BandwidthConfig{}).Enabled())
	assert.True(t, (&BandwidthConfig{Download: 1000}).Enabled())
	assert.True(t, (&BandwidthConfig{Upload: 1000}).Enabled())
}

func TestProxyServer_Validate_InvalidProtocol(t *testing.T) {
	s := ProxyServer{Protocol: "ftp", Host: "h", Port: 21}

	err := s.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid proxy protocol")
}

func TestProxyServer_Validate_MissingHost(t *testing.T) {
	s := ProxyServer{Protocol: "http", Port: 8080}

	err := s.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "host is required")
}

func TestProxyServer_Validate_BadPort(t *testing.T) {
	for _, port := range []int{0, -1, 70000} {
		s := ProxyServer{Protocol: "http", Host: "h", Port: port}
		assert.Error(t, s.Validate(), "port %d should be rejected", port)
	}
}

func TestProxyServer_KeyAndURL(t *testing.T) {
	s := ProxyServer{Protocol: "socks5", Host: "proxy.example.com", Port: 1080}

	assert.Equal(t, "proxy.example.com:1080", s.Key())
	assert.Equal(t, "socks5://proxy.example.com:1080", s.URL())
}

func TestProxyServer_KeyIPv6(t *testing.T) {
	s := ProxyServer{Protocol: "http", Host: "::1", Port: 8080}

	assert.Equal(t, "[::1]:8080", s.Key())
}

func TestProxyConfig_Validate_DuplicateServers(t *testing.T) {
	cfg := ProxyConfig{
		Enabled: true,
		Servers: []ProxyServer{
			{Protocol: "http", Host: "a.example.com", Port: 8080},
			{Protocol: "http", Host: "a.example.com", Port: 8080},
		},
	}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate proxy server")
}

func TestAuthentication_Validate(t *testing.T) {
	auth := &Authentication{Username: "user", Password: "pass"}
	require.NoError(t, auth.Validate())
	assert.Equal(t, AuthBasic, auth.Scheme())
}

func TestAuthentication_Validate_MissingFields(t *testing.T) {
	err := (&Authentication{Password: "pass"}).Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "username is required")

	err = (&Authentication{Username: "user"}).Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "password is required")
}

func TestAuthentication_Validate_InvalidType(t *testing.T) {
	err := (&Authentication{Username: "u", Password: "p", Type: "oauth"}).Validate()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid auth type")
}

func TestAuthentication_Validate_NegotiateNeedsRealm(t *testing.T) {
	auth := &Authentication{Username: "u", Password: "p", Type: AuthNegotiate}

	err := auth.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "realm")

	auth.Realm = "EXAMPLE.COM"
	assert.NoError(t, auth.Validate())
}

func TestProxyConfig_Validate_RotationNeedsTwoServers(t *testing.T) {
	cfg := ProxyConfig{
		Enabled: true,
		Servers: []ProxyServer{
			{Protocol: "http", Host: "a.example.com", Port: 8080},
		},
		Rotation: &RotationConfig{Enabled: true},
	}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 2 proxy servers")
}

func TestProxyConfig_Validate_WeightedNeedsFullWeights(t *testing.T) {
	cfg := validProxyConfig()
	cfg.Rotation = &RotationConfig{
		Enabled:  true,
		Strategy: StrategyWeighted,
		Weights: map[string]int{
			"a.example.com:8080": 3,
		},
	}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing a weight for server b.example.com:1080")

	cfg.Rotation.Weights["b.example.com:1080"] = 1
	assert.NoError(t, cfg.Validate())
}

func TestProxyConfig_Validate_WeightsMustBePositive(t *testing.T) {
	cfg := validProxyConfig()
	cfg.Rotation = &RotationConfig{
		Enabled:  true,
		Strategy: StrategyWeighted,
		Weights: map[string]int{
			"a.example.com:8080": 3,
			"b.example.com:1080": 0,
		},
	}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be positive")
}

func TestProxyConfig_Validate_InvalidStrategy(t *testing.T) {
	cfg := validProxyConfig()
	cfg.Rotation = &RotationConfig{Enabled: true, Strategy: "fastest"}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid rotation strategy")
}

func TestRotationConfig_EffectiveStrategy(t *testing.T) {
	r := &RotationConfig{}
	assert.Equal(t, StrategyRoundRobin, r.EffectiveStrategy())

	r.Strategy = StrategyRandom
	assert.Equal(t, StrategyRandom, r.EffectiveStrategy())
}

func TestRetryConfig_Validate(t *testing.T) {
	require.NoError(t, (&RetryConfig{MaxAttempts: 3}).Validate())

	err := (&RetryConfig{MaxAttempts: 0}).Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_attempts")

	err = (&RetryConfig{MaxAttempts: 3, Backoff: 0.5}).Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backoff")
}

func TestDefaultHealthCheckConfig(t *testing.T) {
	hc := DefaultHealthCheckConfig()

	assert.True(t, hc.Enabled)
	assert.Equal(t, 60*time.Second, hc.Interval.Duration())
	assert.Equal(t, 5*time.Second, hc.Timeout.Duration())
	assert.Equal(t, "www.google.com:443", hc.TestTarget)
}

func TestDefaultPoolConfig(t *testing.T) {
	p := DefaultPoolConfig()

	assert.True(t, p.Enabled)
	assert.Equal(t, 100, p.MaxSize)
	assert.Equal(t, 5*time.Minute, p.MaxIdleTime.Duration())
	assert.Equal(t, 30*time.Second, p.SweepInterval.Duration())
}

func TestProxyConfig_DefaultServer(t *testing.T) {
	cfg := validProxyConfig()
	require.NotNil(t, cfg.DefaultServer())
	assert.Equal(t, "a.example.com:8080", cfg.DefaultServer().Key())

	empty := ProxyConfig{}
	assert.Nil(t, empty.DefaultServer())
}

func TestProxyConfig_FindServer(t *testing.T) {
	cfg := validProxyConfig()

	s := cfg.FindServer("b.example.com:1080")
	require.NotNil(t, s)
	assert.Equal(t, "socks5", s.Protocol)

	assert.Nil(t, cfg.FindServer("missing.example.com:1"))
}

func TestProxyConfig_WithBypassDoesNotMutate(t *testing.T) {
	cfg := validProxyConfig()
	cfg.Bypass = []string{"*.internal"}

	out := cfg.WithBypass("10.0.0.0/8")

	assert.Equal(t, []string{"*.internal"}, cfg.Bypass)
	assert.Equal(t, []string{"*.internal", "10.0.0.0/8"}, out.Bypass)
}

func TestProxyConfig_WithServersDoesNotMutate(t *testing.T) {
	cfg := validProxyConfig()

	out := cfg.WithServers([]ProxyServer{{Protocol: "http", Host: "c.example.com", Port: 80}})

	assert.Len(t, cfg.Servers, 2)
	require.Len(t, out.Servers, 1)
	assert.Equal(t, "c.example.com", out.Servers[0].Host)
}
