package config

// DefaultTemplate is the fully commented default configuration written by
// "heimdall config init".
const DefaultTemplate = `# Heimdall Proxy Configuration
# This file configures the proxy-connection subsystem.

# Upstream proxy settings
proxy:
  enabled: true
  connect_timeout: "30s"        # TCP connect timeout for proxy sockets

  # Upstream proxy servers. Protocol is one of: http, https, socks4, socks5.
  servers:
    - protocol: http
      host: proxy.example.com
      port: 8080
      # auth:
      #   username: "user"
      #   password: "pass"
      #   type: basic           # basic, digest, ntlm, negotiate
    - protocol: socks5
      host: socks.example.com
      port: 1080

  # Targets that skip the proxy entirely. Local and private addresses
  # (localhost, 10.*, 192.168.*, *.local, ...) always bypass.
  bypass:
    - "*.internal.example.com"

  # PAC script support. pac_url and pac_script are mutually exclusive.
  # pac_url: "http://wpad.example.com/proxy.pac"

  # Multi-proxy rotation. Requires at least two servers.
  rotation:
    enabled: false
    strategy: round_robin       # round_robin, weighted, least_connections, random
    sticky: false
    sticky_ttl: "1h"            # how long a client id stays pinned
    # weights:                  # required for the weighted strategy
    #   "proxy.example.com:8080": 3
    #   "socks.example.com:1080": 1

  # Background health probing of every configured server.
  health_check:
    enabled: true
    interval: "60s"
    timeout: "5s"
    test_target: "www.google.com:443"

  # Idle connection pooling, keyed by protocol:host:port.
  pool:
    enabled: true
    max_size: 100               # idle connections kept per key
    max_idle_time: "5m"
    sweep_interval: "30s"

  # Retry policy for connection establishment. Omit to fail fast.
  # retry:
  #   max_attempts: 3
  #   delay: "500ms"
  #   backoff: 2
  #   max_delay: "30s"

  # Aggregate bandwidth caps across all managed connections. Rates
  # accept "10Mbps", "1MB/s", or bare bytes per second. Omit for
  # unlimited.
  # bandwidth:
  #   download: "50Mbps"
  #   upload: "10Mbps"

# Application logging
logging:
  level: info                   # debug, info, warn, error
  format: text                  # text, json
  output: stderr                # stdout, stderr, or a file path

# Debug/observability REST API
api:
  enabled: false
  listen: "127.0.0.1:7663"
  # token: "your-api-token"     # bearer token, optional

# Metrics
metrics:
  enabled: true
  emit_interval: "1m"           # cadence of metrics snapshot events
`
