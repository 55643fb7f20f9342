package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	heimdall "github.com/rennerdo30/heimdall-proxy"
	"github.com/rennerdo30/heimdall-proxy/internal/config"
)

const oneServerConfig = `
proxy:
  enabled: true
  servers:
    - protocol: http
      host: 127.0.0.1
      port: 3128
  health_check:
    enabled: false
logging:
  level: error
metrics:
  enabled: false
`

const twoServerConfig = `
proxy:
  enabled: true
  servers:
    - protocol: http
      host: 127.0.0.1
      port: 3128
    - protocol: socks5
      host: 127.0.0.1
      port: 1080
  health_check:
    enabled: false
logging:
  level: error
metrics:
  enabled: false
`

// Enabled with no servers and no PAC source fails validation.
const invalidConfig = `
proxy:
  enabled: true
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startStubProxy runs a proxy that accepts any CONNECT request.
func startStubProxy(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				if _, err := http.ReadRequest(bufio.NewReader(c)); err != nil {
					return
				}
				_, _ = io.WriteString(c, "HTTP/1.1 200 Connection established\r\n\r\n")
			}(conn)
		}
	}()

	return ln.Addr().String()
}

func TestCommandTree(t *testing.T) {
	root := New()
	assert.Equal(t, "heimdall", root.Use)

	names := make([]string, 0, len(root.Commands()))
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"serve", "validate", "version", "test", "pac", "config", "service"} {
		assert.Contains(t, names, want)
	}

	flag := root.PersistentFlags().Lookup("config")
	require.NotNil(t, flag)
	assert.Equal(t, "config.yaml", flag.DefValue)
	assert.Equal(t, "c", flag.Shorthand)
}

func TestVersionCommand(t *testing.T) {
	root := New()
	root.SetArgs([]string{"version"})
	assert.NoError(t, root.Execute())
}

func TestValidateCommand(t *testing.T) {
	path := writeConfig(t, oneServerConfig)

	root := New()
	root.SetArgs([]string{"validate", "-c", path})
	assert.NoError(t, root.Execute())
}

func TestValidateCommandInvalidConfig(t *testing.T) {
	path := writeConfig(t, invalidConfig)

	root := New()
	root.SetArgs([]string{"validate", "-c", path})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration invalid")
}

func TestValidateCommandMissingFile(t *testing.T) {
	root := New()
	root.SetArgs([]string{"validate", "-c", filepath.Join(t.TempDir(), "missing.yaml")})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration invalid")
}

func TestConfigInitCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heimdall.yaml")

	root := New()
	root.SetArgs([]string{"config", "init", "-o", path})
	require.NoError(t, root.Execute())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultTemplate, string(data))

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	}

	// The generated template must itself pass validation.
	cfg := config.DefaultConfig()
	require.NoError(t, config.LoadAndValidate(path, &cfg))
	assert.True(t, cfg.Proxy.Enabled)
	assert.Len(t, cfg.Proxy.Servers, 2)
}

func TestConfigInitRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("# mine\n"), 0600))

	root := New()
	root.SetArgs([]string{"config", "init", "-o", path})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "# mine\n", string(data), "refused init must not touch the file")

	force := New()
	force.SetArgs([]string{"config", "init", "-o", path, "--force"})
	require.NoError(t, force.Execute())

	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultTemplate, string(data))
}

func TestTestCommand(t *testing.T) {
	addr := startStubProxy(t)

	root := New()
	root.SetArgs([]string{"test", "--proxy", "http://" + addr, "--url", "http://example.test:8080"})
	assert.NoError(t, root.Execute())
}

func TestTestCommandUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	root := New()
	root.SetArgs([]string{"test", "--proxy", "http://" + addr, "--url", "http://example.test:8080"})
	err = root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not reachable")
}

func TestTestCommandMissingProxyFlag(t *testing.T) {
	root := New()
	root.SetArgs([]string{"test"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"proxy" not set`)
}

func TestTestCommandBadProxyURL(t *testing.T) {
	root := New()
	root.SetArgs([]string{"test", "--proxy", "ldap://dir.example.com:389"})
	assert.Error(t, root.Execute())
}

func TestPacCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ns-proxy-autoconfig")
		fmt.Fprint(w, `function FindProxyForURL(url, host) { return "PROXY upstream.example.com:3128; DIRECT"; }`)
	}))
	defer srv.Close()

	root := New()
	root.SetArgs([]string{"pac", "--url", srv.URL, "--target", "https://www.example.com/"})
	assert.NoError(t, root.Execute())
}

func TestPacCommandLoadFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	pacURL := srv.URL
	srv.Close()

	root := New()
	root.SetArgs([]string{"pac", "--url", pacURL, "--target", "https://www.example.com/"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load pac")
}

func TestReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(oneServerConfig), 0600))

	m := heimdall.New(heimdall.WithLogger(discardLogger()))
	t.Cleanup(func() { _ = m.Close() })

	require.NoError(t, reload(m, path))
	st := m.Stats()
	assert.True(t, st.Running)
	assert.Equal(t, 1, st.Servers)

	require.NoError(t, os.WriteFile(path, []byte(twoServerConfig), 0600))
	require.NoError(t, reload(m, path))
	assert.Equal(t, 2, m.Stats().Servers)
}

func TestReloadKeepsOldConfigOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(twoServerConfig), 0600))

	m := heimdall.New(heimdall.WithLogger(discardLogger()))
	t.Cleanup(func() { _ = m.Close() })
	require.NoError(t, reload(m, path))

	require.NoError(t, os.WriteFile(path, []byte(invalidConfig), 0600))
	require.Error(t, reload(m, path))

	st := m.Stats()
	assert.True(t, st.Running, "manager must keep running on a failed reload")
	assert.Equal(t, 2, st.Servers)
}

func TestServeCommandStopsOnSignal(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("signal delivery is not supported on windows")
	}

	path := writeConfig(t, oneServerConfig)

	// Holding our own subscription keeps a stray SIGTERM from killing
	// the test process before serve installs its handler.
	guard := make(chan os.Signal, 1)
	signal.Notify(guard, syscall.SIGTERM)
	defer signal.Stop(guard)

	root := New()
	root.SetArgs([]string{"serve", "-c", path})

	errCh := make(chan error, 1)
	go func() { errCh <- root.Execute() }()

	proc, err := os.FindProcess(os.Getpid())
	require.NoError(t, err)

	deadline := time.After(10 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case err := <-errCh:
			require.NoError(t, err)
			return
		case <-tick.C:
			// Resend until serve is subscribed; extra signals are dropped.
			require.NoError(t, proc.Signal(syscall.SIGTERM))
		case <-deadline:
			t.Fatal("serve did not exit on SIGTERM")
		}
	}
}

func TestServiceStatusCommand(t *testing.T) {
	// A name no supervisor knows reports cleanly instead of erroring.
	root := New()
	root.SetArgs([]string{"service", "status", "--name", "heimdall-test-not-installed"})
	assert.NoError(t, root.Execute())
}

func TestEventLoggerCoversAllKinds(t *testing.T) {
	handler := eventLogger(discardLogger())

	handler(heimdall.Event{Kind: heimdall.EventConnectionFailed, Proxy: "p:8080", Target: "t:443", Err: errors.New("refused")})
	handler(heimdall.Event{Kind: heimdall.EventTunnelFailed, Proxy: "p:8080", Err: errors.New("refused")})
	handler(heimdall.Event{Kind: heimdall.EventPacError, Target: "http://x/", Err: errors.New("timeout")})
	handler(heimdall.Event{Kind: heimdall.EventHealthCheck, Proxy: "p:8080", Health: &heimdall.HealthStatus{Healthy: false, LastError: "connect timeout"}})
	handler(heimdall.Event{Kind: heimdall.EventHealthCheck, Proxy: "p:8080", Health: &heimdall.HealthStatus{Healthy: true}})
	handler(heimdall.Event{Kind: heimdall.EventProxyRotated, Proxy: "p:8080", Strategy: "round_robin"})
	handler(heimdall.Event{Kind: heimdall.EventConnectionCreated})
}
