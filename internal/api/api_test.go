package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	heimdall "github.com/rennerdo30/heimdall-proxy"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testManager returns an initialized manager with one configured
// server. The server address does not have to be live for the
// read-only handlers.
func testManager(t *testing.T) *heimdall.Manager {
	t.Helper()
	m := heimdall.New(heimdall.WithLogger(discardLogger()))
	cfg := heimdall.DefaultConfig()
	cfg.Enabled = true
	cfg.HealthCheck = &heimdall.HealthCheckConfig{Enabled: false}
	cfg.Servers = []heimdall.Server{{Protocol: "http", Host: "127.0.0.1", Port: 3128}}
	require.NoError(t, m.Initialize(context.Background(), &cfg))
	t.Cleanup(func() { m.Close() })
	return m
}

func testServer(t *testing.T, token string) *Server {
	t.Helper()
	return New(Config{
		Manager: testManager(t),
		Listen:  "127.0.0.1:0",
		Token:   token,
		Logger:  discardLogger(),
	})
}

// startStubProxy accepts CONNECT requests and answers 200, for the
// test endpoint.
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
				fmt.Fprint(c, "HTTP/1.1 200 Connection established\r\n\r\n")
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func get(t *testing.T, handler http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func TestRouterWithAuth(t *testing.T) {
	handler := testServer(t, "secret-token").Router()

	w := get(t, handler, "/api/v1/health")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w = get(t, handler, "/api/v1/health?token=secret-token")
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMetricsEndpointSkipsAuth(t *testing.T) {
	handler := testServer(t, "secret-token").Router()

	w := get(t, handler, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	// Unlabeled metrics are always exported, even before any traffic.
	assert.Contains(t, w.Body.String(), "heimdall_requests_total")
}

func TestMetricsEndpointWithoutManagerRunning(t *testing.T) {
	m := heimdall.New(heimdall.WithLogger(discardLogger()))
	handler := New(Config{Manager: m, Logger: discardLogger()}).Router()

	w := get(t, handler, "/metrics")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleHealth(t *testing.T) {
	handler := testServer(t, "").Router()

	w := get(t, handler, "/api/v1/health")
	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	decodeJSON(t, w, &resp)
	assert.Equal(t, "healthy", resp["status"])
	assert.NotEmpty(t, resp["time"])
}

func TestHandleHealthStopped(t *testing.T) {
	m := heimdall.New(heimdall.WithLogger(discardLogger()))
	handler := New(Config{Manager: m, Logger: discardLogger()}).Router()

	w := get(t, handler, "/api/v1/health")
	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	decodeJSON(t, w, &resp)
	assert.Equal(t, "stopped", resp["status"])
}

func TestHandleVersion(t *testing.T) {
	handler := testServer(t, "").Router()

	w := get(t, handler, "/api/v1/version")
	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	decodeJSON(t, w, &resp)
	assert.NotEmpty(t, resp["version"])
	assert.NotEmpty(t, resp["go_version"])
	assert.NotEmpty(t, resp["platform"])
}

func TestHandleStatus(t *testing.T) {
	handler := testServer(t, "").Router()

	w := get(t, handler, "/api/v1/status")
	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	decodeJSON(t, w, &resp)
	assert.Equal(t, "running", resp["status"])
	assert.Equal(t, true, resp["enabled"])
	assert.Equal(t, float64(1), resp["servers"])
	assert.Equal(t, float64(0), resp["active_connections"])
}

func TestHandleStats(t *testing.T) {
	handler := testServer(t, "").Router()

	w := get(t, handler, "/api/v1/stats")
	assert.Equal(t, http.StatusOK, w.Code)

	var st heimdall.Stats
	decodeJSON(t, w, &st)
	assert.True(t, st.Running)
	assert.Equal(t, 1, st.Servers)
}

func TestHandleProxies(t *testing.T) {
	handler := testServer(t, "").Router()

	w := get(t, handler, "/api/v1/proxies")
	assert.Equal(t, http.StatusOK, w.Code)

	var resp []map[string]any
	decodeJSON(t, w, &resp)
	require.Len(t, resp, 1)
	assert.Equal(t, "http://127.0.0.1:3128", resp[0]["url"])
	assert.Equal(t, "http", resp[0]["protocol"])
	assert.Equal(t, true, resp[0]["healthy"], "servers without a probe record count as healthy")
}

func TestHandleConnectionsEmpty(t *testing.T) {
	handler := testServer(t, "").Router()

	w := get(t, handler, "/api/v1/connections")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]", strings.TrimSpace(w.Body.String()))

	w = get(t, handler, "/api/v1/tunnels")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]", strings.TrimSpace(w.Body.String()))
}

func TestHandleMetricsJSON(t *testing.T) {
	handler := testServer(t, "").Router()

	w := get(t, handler, "/api/v1/metrics")
	assert.Equal(t, http.StatusOK, w.Code)

	var snap heimdall.MetricsSnapshot
	decodeJSON(t, w, &snap)
	assert.Zero(t, snap.ConnectionsTotal)
	assert.False(t, snap.Timestamp.IsZero())
}

func TestHandleTest(t *testing.T) {
	handler := testServer(t, "").Router()
	proxyAddr := startStubProxy(t)

	body, err := json.Marshal(map[string]string{
		"proxy": "http://" + proxyAddr,
		"url":   "http://example.test",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/test", bytes.NewReader(body))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	decodeJSON(t, w, &resp)
	assert.Equal(t, true, resp["reachable"])
	assert.Equal(t, "http://"+proxyAddr, resp["proxy"])
	assert.Nil(t, resp["error"])
}

func TestHandleTestUnreachable(t *testing.T) {
	handler := testServer(t, "").Router()

	// Grab a port that nothing listens on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := ln.Addr().String()
	require.NoError(t, ln.Close())

	body := fmt.Sprintf(`{"proxy": "http://%s", "url": "http://example.test"}`, deadAddr)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/test", strings.NewReader(body))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	decodeJSON(t, w, &resp)
	assert.Equal(t, false, resp["reachable"])
	assert.NotEmpty(t, resp["error"])
}

func TestHandleTestBadRequest(t *testing.T) {
	handler := testServer(t, "").Router()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/test", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/test", strings.NewReader(`{"url": "http://x"}`))
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/test", strings.NewReader(`{"proxy": "ldap://x"}`))
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleEvents(t *testing.T) {
	srv := testServer(t, "")
	handler := srv.Router()

	srv.events.Record(heimdall.Event{Kind: heimdall.EventConnectionCreated, Target: "a:80"})
	srv.events.Record(heimdall.Event{Kind: heimdall.EventConnectionClosed, Target: "a:80"})
	srv.events.Record(heimdall.Event{Kind: heimdall.EventConnectionFailed, Target: "b:80", Err: errors.New("boom")})

	w := get(t, handler, "/api/v1/events")
	assert.Equal(t, http.StatusOK, w.Code)

	var resp []map[string]any
	decodeJSON(t, w, &resp)
	require.Len(t, resp, 3)
	assert.Equal(t, "connectionFailed", resp[0]["kind"], "newest first")
	assert.Equal(t, "boom", resp[0]["error"])
	assert.Equal(t, "connectionCreated", resp[2]["kind"])

	w = get(t, handler, "/api/v1/events?kind=connectionClosed")
	decodeJSON(t, w, &resp)
	require.Len(t, resp, 1)
	assert.Equal(t, "a:80", resp[0]["target"])

	w = get(t, handler, "/api/v1/events?limit=1")
	decodeJSON(t, w, &resp)
	require.Len(t, resp, 1)
	assert.Equal(t, "connectionFailed", resp[0]["kind"])

	w = get(t, handler, "/api/v1/events?limit=nope")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEventSubscriptionLifecycle(t *testing.T) {
	m := testManager(t)
	srv := New(Config{Manager: m, Listen: "127.0.0.1:0", Logger: discardLogger()})
	handler := srv.Router()

	// The subscription is live from New on, without Start.
	m.Close()
	w := get(t, handler, "/api/v1/events?kind=closed")
	var resp []map[string]any
	decodeJSON(t, w, &resp)
	require.Len(t, resp, 1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))

	// Stop dropped the subscription, so later manager activity stays
	// out of the log.
	cfg := heimdall.DefaultConfig()
	cfg.Enabled = true
	cfg.HealthCheck = &heimdall.HealthCheckConfig{Enabled: false}
	cfg.Servers = []heimdall.Server{{Protocol: "http", Host: "127.0.0.1", Port: 3128}}
	require.NoError(t, m.Initialize(context.Background(), &cfg))

	w = get(t, handler, "/api/v1/events?kind=initialized")
	decodeJSON(t, w, &resp)
	assert.Empty(t, resp)
}

func TestStartStop(t *testing.T) {
	srv := testServer(t, "")
	require.NoError(t, srv.Start())

	addr := srv.Addr()
	require.NotEmpty(t, addr)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + addr + "/api/v1/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))

	_, err = client.Get("http://" + addr + "/api/v1/health")
	assert.Error(t, err, "stopped server must not accept connections")

	require.NoError(t, srv.Stop(ctx), "second stop is a no-op")
}
