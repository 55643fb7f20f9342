package upstream

import (
	"net"
	"strconv"
	"time"
)

// Tunnel is a CONNECT-style raw byte pipe to a fixed target host:port.
// It behaves like a Conn and additionally records the handshake
// round-trip latency.
type Tunnel struct {
	*Conn
	targetHost string
	targetPort int
	latency    time.Duration
}

// NewTunnel wraps an established connection as a tunnel.
func NewTunnel(conn *Conn, targetHost string, targetPort int, latency time.Duration) *Tunnel {
	return &Tunnel{
		Conn:       conn,
		targetHost: targetHost,
		targetPort: targetPort,
		latency:    latency,
	}
}

// TargetHost returns the tunnelled host.
func (t *Tunnel) TargetHost() string { return t.targetHost }

// TargetPort returns the tunnelled port.
func (t *Tunnel) TargetPort() int { return t.targetPort }

// Latency returns the handshake round-trip time.
func (t *Tunnel) Latency() time.Duration { return t.latency }

// Key returns the host:port the tunnel is keyed by.
func (t *Tunnel) Key() string {
	return net.JoinHostPort(t.targetHost, strconv.Itoa(t.targetPort))
}

// TunnelInfo is a point-in-time snapshot for stats reporting.
type TunnelInfo struct {
	Info
	TargetHost string        `json:"target_host"`
	TargetPort int           `json:"target_port"`
	Latency    time.Duration `json:"latency"`
}

// TunnelInfo snapshots the tunnel for reporting.
func (t *Tunnel) TunnelInfo() TunnelInfo {
	return TunnelInfo{
		Info:       t.Conn.Info(),
		TargetHost: t.targetHost,
		TargetPort: t.targetPort,
		Latency:    t.latency,
	}
}
