// Package proxyerror defines the error taxonomy shared by the proxy
// subsystem. Every failure surfaced to a caller carries the proxy, the
// target, and a stable code so tests and diagnostics never need to parse
// free-form messages.
package proxyerror

import (
	"errors"
	"fmt"
)

// Code classifies a proxy error.
type Code string

const (
	CodeConfig    Code = "config"    // invalid or missing configuration
	CodeBypass    Code = "bypass"    // bypass evaluation failure
	CodeSelect    Code = "select"    // proxy selection failure
	CodeConnect   Code = "connect"   // TCP connect to the proxy failed
	CodeHandshake Code = "handshake" // protocol handshake failed
	CodeAuth      Code = "auth"      // proxy authentication failed
	CodeTLS       Code = "tls"       // TLS upgrade to the target failed
	CodePac       Code = "pac"       // PAC load or evaluation failure
	CodePool      Code = "pool"      // connection pool failure
	CodeClosed    Code = "closed"    // manager closed during the operation
)

// Sentinel errors.
var (
	ErrNotInitialized     = errors.New("proxy manager not initialized")
	ErrAlreadyInitialized = errors.New("proxy manager already initialized")
	ErrManagerClosed      = errors.New("proxy manager closed")
	ErrNoProxyConfigured  = errors.New("no proxy server configured")
	ErrProxyDisabled      = errors.New("proxy support disabled")
	ErrPoolClosed         = errors.New("connection pool closed")
	ErrConnClosed         = errors.New("connection closed")
	ErrAuthRequired       = errors.New("proxy authentication required")
	ErrUnsupportedScheme  = errors.New("unsupported authentication scheme")
)

// Error wraps an error with proxy connection context.
type Error struct {
	Code   Code
	Op     string // operation, e.g. "connect", "socks5 handshake"
	Proxy  string // proxy host:port, empty for direct connections
	Target string // target URL or host:port
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Proxy != "" && e.Target != "":
		return fmt.Sprintf("proxy %s: %s %s: %v", e.Proxy, e.Op, e.Target, e.Err)
	case e.Proxy != "":
		return fmt.Sprintf("proxy %s: %s: %v", e.Proxy, e.Op, e.Err)
	case e.Target != "":
		return fmt.Sprintf("%s %s: %v", e.Op, e.Target, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error with the given code and context.
func New(code Code, op, proxy, target string, err error) *Error {
	return &Error{
		Code:   code,
		Op:     op,
		Proxy:  proxy,
		Target: target,
		Err:    err,
	}
}

// Newf creates an Error wrapping a formatted message.
func Newf(code Code, op, proxy, target, format string, args ...any) *Error {
	return New(code, op, proxy, target, fmt.Errorf(format, args...))
}

// CodeOf returns the code of a proxy error, or the empty code for
// unclassified errors.
func CodeOf(err error) Code {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsProxyError checks if an error is a proxy Error.
func IsProxyError(err error) bool {
	var pe *Error
	return errors.As(err, &pe)
}

// IsAuthError reports whether the error is an authentication failure.
func IsAuthError(err error) bool {
	return CodeOf(err) == CodeAuth
}

// IsHandshakeError reports whether the error occurred during a protocol
// handshake.
func IsHandshakeError(err error) bool {
	return CodeOf(err) == CodeHandshake
}

// IsClosed reports whether the error was caused by manager shutdown.
func IsClosed(err error) bool {
	return CodeOf(err) == CodeClosed || errors.Is(err, ErrManagerClosed)
}

// ProxyOf returns the proxy host:port from a proxy error.
func ProxyOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Proxy
	}
	return ""
}
