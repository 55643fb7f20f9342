package upstream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/rennerdo30/heimdall-proxy/internal/config"
	"github.com/rennerdo30/heimdall-proxy/internal/proxyerror"
)

// SOCKS5 wire constants.
const (
	socks5Version    byte = 0x05
	socks5AuthNone   byte = 0x00
	socks5AuthPasswd byte = 0x02
	socks5AuthReject byte = 0xFF
	socks5CmdConnect byte = 0x01
	socks5AddrIPv4   byte = 0x01
	socks5AddrDomain byte = 0x03
	socks5AddrIPv6   byte = 0x04
	socks5ReplyOK    byte = 0x00
)

// socks5ReplyMessage maps a SOCKS5 reply code to the standard message
// table.
func socks5ReplyMessage(code byte) string {
	switch code {
	case 0x01:
		return "general SOCKS server failure"
	case 0x02:
		return "connection not allowed by ruleset"
	case 0x03:
		return "network unreachable"
	case 0x04:
		return "host unreachable"
	case 0x05:
		return "connection refused"
	case 0x06:
		return "TTL expired"
	case 0x07:
		return "command not supported"
	case 0x08:
		return "address type not supported"
	default:
		return fmt.Sprintf("unknown SOCKS5 reply code 0x%02X", code)
	}
}

// socks5Handshake negotiates authentication and issues the CONNECT
// request. Hostnames are passed through as domain addresses; the proxy
// resolves them.
func (e *Establisher) socks5Handshake(conn net.Conn, server *config.ProxyServer, targetHost string, targetPort int) error {
	proxyKey := server.Key()
	target := net.JoinHostPort(targetHost, fmt.Sprintf("%d", targetPort))

	username, password := "", ""
	if server.Auth != nil {
		username = server.Auth.Username
		password = server.Auth.Password
	}

	if err := socks5Greeting(conn, username, password); err != nil {
		return proxyerror.New(proxyerror.CodeHandshake, "socks5 greeting", proxyKey, target, err)
	}
	if err := socks5Connect(conn, targetHost, targetPort); err != nil {
		return proxyerror.New(proxyerror.CodeHandshake, "socks5 connect", proxyKey, target, err)
	}
	return nil
}

// socks5Greeting offers no-auth plus, when credentials are configured,
// username/password, then runs whichever method the proxy picks.
func socks5Greeting(conn net.Conn, username, password string) error {
	methods := []byte{socks5AuthNone}
	if username != "" {
		methods = append(methods, socks5AuthPasswd)
	}

	greeting := make([]byte, 0, 2+len(methods))
	greeting = append(greeting, socks5Version, byte(len(methods)))
	greeting = append(greeting, methods...)
	if _, err := conn.Write(greeting); err != nil {
		return fmt.Errorf("write greeting: %w", err)
	}

	choice := make([]byte, 2)
	if _, err := io.ReadFull(conn, choice); err != nil {
		return fmt.Errorf("read greeting response: %w", err)
	}
	if choice[0] != socks5Version {
		return fmt.Errorf("invalid SOCKS version 0x%02X in greeting response", choice[0])
	}

	switch choice[1] {
	case socks5AuthNone:
		return nil
	case socks5AuthPasswd:
		return socks5Authenticate(conn, username, password)
	case socks5AuthReject:
		return errors.New("No acceptable authentication method")
	default:
		return fmt.Errorf("proxy chose unsupported auth method 0x%02X", choice[1])
	}
}

// socks5Authenticate runs the RFC 1929 username/password
// sub-negotiation.
func socks5Authenticate(conn net.Conn, username, password string) error {
	if len(username) > 255 || len(password) > 255 {
		return errors.New("SOCKS5 credentials exceed 255 bytes")
	}

	auth := make([]byte, 0, 3+len(username)+len(password))
	auth = append(auth, 0x01, byte(len(username)))
	auth = append(auth, username...)
	auth = append(auth, byte(len(password)))
	auth = append(auth, password...)
	if _, err := conn.Write(auth); err != nil {
		return fmt.Errorf("write auth: %w", err)
	}

	status := make([]byte, 2)
	if _, err := io.ReadFull(conn, status); err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}
	if status[1] != 0x00 {
		return errors.New("authentication failed")
	}
	return nil
}

// socks5Connect sends the CONNECT request and consumes the bound
// address in the reply.
func socks5Connect(conn net.Conn, targetHost string, targetPort int) error {
	req := []byte{socks5Version, socks5CmdConnect, 0x00}

	if ip := net.ParseIP(targetHost); ip == nil {
		if len(targetHost) > 255 {
			return fmt.Errorf("hostname %q exceeds 255 bytes", targetHost)
		}
		req = append(req, socks5AddrDomain, byte(len(targetHost)))
		req = append(req, targetHost...)
	} else if ip4 := ip.To4(); ip4 != nil {
		req = append(req, socks5AddrIPv4)
		req = append(req, ip4...)
	} else {
		req = append(req, socks5AddrIPv6)
		req = append(req, ip.To16()...)
	}
	req = binary.BigEndian.AppendUint16(req, uint16(targetPort)) //nolint:gosec // port validated <= 65535

	if _, err := conn.Write(req); err != nil {
		return fmt.Errorf("write connect: %w", err)
	}

	reply := make([]byte, 4)
	if _, err := io.ReadFull(conn, reply); err != nil {
		return fmt.Errorf("read connect reply: %w", err)
	}
	if reply[0] != socks5Version {
		return fmt.Errorf("invalid SOCKS version 0x%02X in reply", reply[0])
	}
	if reply[1] != socks5ReplyOK {
		return errors.New(socks5ReplyMessage(reply[1]))
	}

	// Drain the bound address; its length depends on the type.
	switch reply[3] {
	case socks5AddrIPv4:
		return discardBytes(conn, 4+2)
	case socks5AddrIPv6:
		return discardBytes(conn, 16+2)
	case socks5AddrDomain:
		length := make([]byte, 1)
		if _, err := io.ReadFull(conn, length); err != nil {
			return fmt.Errorf("read bound domain length: %w", err)
		}
		return discardBytes(conn, int(length[0])+2)
	default:
		return fmt.Errorf("unknown address type 0x%02X in reply", reply[3])
	}
}

func discardBytes(conn net.Conn, n int) error {
	if _, err := io.CopyN(io.Discard, conn, int64(n)); err != nil {
		return fmt.Errorf("read bound address: %w", err)
	}
	return nil
}
