// Package health probes configured proxy servers in the background and
// tracks a rolling health record per server.
package health

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/rennerdo30/heimdall-proxy/internal/config"
)

// Prober performs one connectivity probe against a proxy server.
type Prober interface {
	Probe(ctx context.Context, server *config.ProxyServer) error
	Type() string
}

// proberFor selects the probe by proxy protocol: HTTP proxies get a
// test CONNECT, SOCKS proxies a bare TCP connect.
func proberFor(server *config.ProxyServer, testTarget string) Prober {
	switch server.Protocol {
	case config.ProtocolHTTP, config.ProtocolHTTPS:
		return &connectProbe{testTarget: testTarget}
	default:
		return &tcpProbe{}
	}
}

// connectProbe opens a TCP connection to the proxy and issues a test
// CONNECT. Anything but a 200 status line is a failure, including a
// 407 from a proxy that wants credentials for the probe target.
type connectProbe struct {
	testTarget string
}

func (p *connectProbe) Probe(ctx context.Context, server *config.ProxyServer) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", server.Key())
	if err != nil {
		return err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return err
		}
	}

	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\nProxy-Connection: Keep-Alive\r\n\r\n",
		p.testTarget, p.testTarget)
	if _, err := conn.Write([]byte(req)); err != nil {
		return fmt.Errorf("write CONNECT: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return fmt.Errorf("read CONNECT response: %w", err)
	}

	fields := strings.Fields(line)
	if len(fields) < 2 || fields[1] != "200" {
		return fmt.Errorf("CONNECT probe got %q", strings.TrimSpace(line))
	}
	return nil
}

func (p *connectProbe) Type() string { return "connect" }

// tcpProbe is a bare TCP connect. SOCKS handshakes are not exercised;
// reachability of the listener is the signal.
type tcpProbe struct{}

func (p *tcpProbe) Probe(ctx context.Context, server *config.ProxyServer) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", server.Key())
	if err != nil {
		return err
	}
	return conn.Close()
}

func (p *tcpProbe) Type() string { return "tcp" }
