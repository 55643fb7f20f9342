package upstream

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/rennerdo30/heimdall-proxy/internal/config"
	"github.com/rennerdo30/heimdall-proxy/internal/proxyerror"
)

// SOCKS4 wire constants.
const (
	socks4Version    byte = 0x04
	socks4CmdConnect byte = 0x01

	socks4Granted      byte = 0x5A
	socks4Rejected     byte = 0x5B
	socks4NoIdentd     byte = 0x5C
	socks4IdentdFailed byte = 0x5D
)

// socks4ErrorMessage maps a SOCKS4 reply code to its fixed message.
func socks4ErrorMessage(code byte) string {
	switch code {
	case socks4Rejected:
		return "Request rejected or failed"
	case socks4NoIdentd:
		return "client is not running identd"
	case socks4IdentdFailed:
		return "identd could not confirm the user ID"
	default:
		return "Unknown SOCKS4 error"
	}
}

// socks4Handshake performs the SOCKS4 CONNECT exchange. The protocol
// carries no hostname, so the target is resolved to an IPv4 address
// first.
func (e *Establisher) socks4Handshake(ctx context.Context, conn net.Conn, server *config.ProxyServer, targetHost string, targetPort int) error {
	proxyKey := server.Key()
	target := net.JoinHostPort(targetHost, fmt.Sprintf("%d", targetPort))

	ip4, err := resolveIPv4(ctx, targetHost)
	if err != nil {
		return proxyerror.New(proxyerror.CodeHandshake, "socks4 resolve", proxyKey, target, err)
	}

	userID := ""
	if server.Auth != nil {
		userID = server.Auth.Username
	}

	req := make([]byte, 0, 9+len(userID))
	req = append(req, socks4Version, socks4CmdConnect)
	req = binary.BigEndian.AppendUint16(req, uint16(targetPort)) //nolint:gosec // port validated <= 65535
	req = append(req, ip4...)
	req = append(req, userID...)
	req = append(req, 0x00)

	if _, err := conn.Write(req); err != nil {
		return proxyerror.New(proxyerror.CodeHandshake, "socks4 write request", proxyKey, target, err)
	}

	resp := make([]byte, 8)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return proxyerror.New(proxyerror.CodeHandshake, "socks4 read reply", proxyKey, target, err)
	}

	// Reply version is the null byte, not 0x04.
	if resp[0] != 0x00 {
		return proxyerror.Newf(proxyerror.CodeHandshake, "socks4", proxyKey, target,
			"invalid reply version 0x%02X", resp[0])
	}
	if resp[1] != socks4Granted {
		return proxyerror.Newf(proxyerror.CodeHandshake, "socks4", proxyKey, target,
			"%s", socks4ErrorMessage(resp[1]))
	}
	return nil
}

// resolveIPv4 returns the target's IPv4 address, resolving hostnames
// through the system resolver.
func resolveIPv4(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			return ip4, nil
		}
		return nil, fmt.Errorf("SOCKS4 requires an IPv4 address, got %s", host)
	}

	ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no IPv4 address for %s", host)
	}
	return ips[0].To4(), nil
}
