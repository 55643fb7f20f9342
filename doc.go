// Package heimdall drives upstream proxy connections for a
// browser-automation framework: server selection (bypass rules, PAC
// scripts, rotation strategies), protocol handshakes (HTTP CONNECT,
// SOCKS4, SOCKS5) with proxy authentication, idle connection pooling,
// background health probing, and rolling metrics.
//
// The Manager is the only entry point. Construct one with New, call
// Initialize with a Config, then create connections and tunnels:
//
//	m := heimdall.New()
//	if err := m.Initialize(ctx, cfg); err != nil {
//		return err
//	}
//	defer m.Close()
//
//	conn, err := m.CreateConnection(ctx, "https://example.com")
//
// GetProxyForURL, BrowserProxy, and ContextProxy expose the selection
// pipeline without opening sockets, shaped for a browser layer that
// dials on its own. Everything observable (selections, handshakes,
// health transitions, metrics snapshots) is published on the
// manager's event stream via OnEvent.
//
// Configuration can be built explicitly, loaded from a YAML or JSON
// file, or derived from the conventional HTTP_PROXY, HTTPS_PROXY,
// SOCKS_PROXY, NO_PROXY, and PAC_URL environment variables through
// FromEnvironment.
package heimdall
