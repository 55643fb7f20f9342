package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_YAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "heimdall.yaml")

	content := `
proxy:
  enabled: true
  connect_timeout: "10s"
  servers:
    - protocol: http
      host: proxy.example.com
      port: 8080
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg := DefaultConfig()
	require.NoError(t, Load(path, &cfg))

	assert.True(t, cfg.Proxy.Enabled)
	require.Len(t, cfg.Proxy.Servers, 1)
	assert.Equal(t, "proxy.example.com", cfg.Proxy.Servers[0].Host)
	assert.Equal(t, 10*time.Second, cfg.Proxy.ConnectTimeout.Duration())
}

func TestLoad_JSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "heimdall.json")

	content := `{
  "proxy": {
    "enabled": true,
    "connect_timeout": 30000,
    "servers": [
      {"protocol": "socks5", "host": "socks.example.com", "port": 1080}
    ]
  }
}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg := DefaultConfig()
	require.NoError(t, Load(path, &cfg))

	require.Len(t, cfg.Proxy.Servers, 1)
	assert.Equal(t, "socks5", cfg.Proxy.Servers[0].Protocol)
	assert.Equal(t, 30*time.Second, cfg.Proxy.ConnectTimeout.Duration())
}

func TestLoad_ExpandsEnvironment(t *testing.T) {
	t.Setenv("HEIMDALL_TEST_PROXY_HOST", "expanded.example.com")

	dir := t.TempDir()
	path := filepath.Join(dir, "heimdall.yaml")

	content := `
proxy:
  enabled: true
  servers:
    - protocol: http
      host: ${HEIMDALL_TEST_PROXY_HOST}
      port: 3128
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg := DefaultConfig()
	require.NoError(t, Load(path, &cfg))

	require.Len(t, cfg.Proxy.Servers, 1)
	assert.Equal(t, "expanded.example.com", cfg.Proxy.Servers[0].Host)
}

func TestLoad_MissingFile(t *testing.T) {
	cfg := DefaultConfig()
	err := Load("/nonexistent/heimdall.yaml", &cfg)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("proxy: [unclosed"), 0600))

	cfg := DefaultConfig()
	err := Load(path, &cfg)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestLoadAndValidate_InvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "heimdall.yaml")

	content := `
proxy:
  enabled: true
  servers:
    - protocol: carrier-pigeon
      host: coop.example.com
      port: 9
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg := DefaultConfig()
	err := LoadAndValidate(path, &cfg)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid proxy protocol")
}

func TestSave_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "heimdall.yaml")

	cfg := DefaultConfig()
	cfg.Proxy.Enabled = true
	cfg.Proxy.Servers = []ProxyServer{
		{Protocol: "http", Host: "proxy.example.com", Port: 8080},
	}

	require.NoError(t, Save(path, &cfg))

	loaded := Config{}
	require.NoError(t, Load(path, &loaded))
	require.Len(t, loaded.Proxy.Servers, 1)
	assert.Equal(t, "proxy.example.com", loaded.Proxy.Servers[0].Host)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestValidateConfig_NonValidator(t *testing.T) {
	// Types without a Validate method pass through.
	assert.NoError(t, ValidateConfig(struct{}{}))
}

func TestDuration_UnmarshalYAMLString(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "d.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`proxy: {enabled: false, connect_timeout: "90s"}`), 0600))

	var cfg Config
	require.NoError(t, Load(path, &cfg))
	assert.Equal(t, 90*time.Second, cfg.Proxy.ConnectTimeout.Duration())
}

func TestDuration_UnmarshalYAMLMilliseconds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "d.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`proxy: {enabled: false, connect_timeout: 3600000}`), 0600))

	var cfg Config
	require.NoError(t, Load(path, &cfg))
	assert.Equal(t, time.Hour, cfg.Proxy.ConnectTimeout.Duration())
}

func TestDuration_MarshalYAML(t *testing.T) {
	d := Duration(90 * time.Second)
	v, err := d.MarshalYAML()

	require.NoError(t, err)
	assert.Equal(t, "1m30s", v)
}

func TestDuration_JSONRoundTrip(t *testing.T) {
	d := Duration(250 * time.Millisecond)

	data, err := d.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"250ms"`, string(data))

	var out Duration
	require.NoError(t, out.UnmarshalJSON(data))
	assert.Equal(t, d, out)

	require.NoError(t, out.UnmarshalJSON([]byte("1500")))
	assert.Equal(t, 1500*time.Millisecond, out.Duration())
}

func TestRate_UnmarshalYAMLString(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "r.yaml")
	cfg := `proxy: {enabled: false, bandwidth: {download: "10Mbps", upload: "1MB/s"}}`
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0600))

	var out Config
	require.NoError(t, Load(path, &out))
	require.NotNil(t, out.Proxy.Bandwidth)
	assert.Equal(t, int64(1250000), out.Proxy.Bandwidth.Download.BytesPerSecond())
	assert.Equal(t, int64(1000000), out.Proxy.Bandwidth.Upload.BytesPerSecond())
}

func TestRate_UnmarshalYAMLBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "r.yaml")
	cfg := `proxy: {enabled: false, bandwidth: {download: 524288}}`
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0600))

	var out Config
	require.NoError(t, Load(path, &out))
	require.NotNil(t, out.Proxy.Bandwidth)
	assert.Equal(t, int64(524288), out.Proxy.Bandwidth.Download.BytesPerSecond())
	assert.True(t, out.Proxy.Bandwidth.Enabled())
}

func TestRate_UnmarshalYAMLInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "r.yaml")
	cfg := `proxy: {enabled: false, bandwidth: {download: "fast"}}`
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0600))

	var out Config
	assert.Error(t, Load(path, &out))
}

func TestRate_JSONRoundTrip(t *testing.T) {
	r := Rate(1250000)

	data, err := r.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, "1250000", string(data))

	var out Rate
	require.NoError(t, out.UnmarshalJSON(data))
	assert.Equal(t, r, out)

	require.NoError(t, out.UnmarshalJSON([]byte(`"10Mbps"`)))
	assert.Equal(t, int64(1250000), out.BytesPerSecond())
	assert.Equal(t, "10.00 Mbps", out.String())
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.False(t, cfg.Proxy.Enabled)
	assert.NotNil(t, cfg.Proxy.HealthCheck)
	assert.NotNil(t, cfg.Proxy.Pool)
	assert.Equal(t, 30*time.Second, cfg.Proxy.ConnectTimeout.Duration())
	assert.False(t, cfg.API.Enabled)
	assert.NotEmpty(t, cfg.API.Listen)
}

func TestConfig_Validate_APIListenRequired(t *testing.T) {
	cfg := DefaultConfig()
	cfg.API.Enabled = true
	cfg.API.Listen = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api.listen")
}
