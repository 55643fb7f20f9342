// Package upstream establishes connections through configured proxy
// servers: HTTP(S) CONNECT tunnels, SOCKS4, and SOCKS5, with optional
// TLS upgrade when the target itself speaks TLS.
package upstream

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State is a connection lifecycle state. The only legal cycle is
// connected -> idle -> connected while pooled; closed is terminal.
type State string

const (
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateIdle       State = "idle"
	StateError      State = "error"
	StateClosed     State = "closed"
)

// Stats holds per-connection transfer counters.
type Stats struct {
	BytesSent     int64 `json:"bytes_sent"`
	BytesReceived int64 `json:"bytes_received"`
	RequestCount  int64 `json:"request_count"`
	ErrorCount    int64 `json:"error_count"`
}

// Conn is one proxied connection. It implements net.Conn; reads and
// writes update the byte counters as traffic flows.
type Conn struct {
	id      string
	target  string
	proxy   string
	created time.Time

	raw net.Conn

	mu     sync.Mutex
	state  State
	idleAt time.Time

	bytesSent atomic.Int64
	bytesRecv atomic.Int64
	requests  atomic.Int64
	errs      atomic.Int64

	closeOnce sync.Once
	onClose   func(*Conn)
}

// NewConn wraps an established socket. proxy is the serving proxy's
// host:port, empty for direct connections. onClose fires exactly once,
// after the socket is closed.
func NewConn(raw net.Conn, target, proxy string, onClose func(*Conn)) *Conn {
	return &Conn{
		id:      uuid.NewString(),
		target:  target,
		proxy:   proxy,
		created: time.Now(),
		raw:     raw,
		state:   StateConnected,
		onClose: onClose,
	}
}

// ID returns the connection's unique identifier.
func (c *Conn) ID() string { return c.id }

// Target returns the target this connection was established for.
func (c *Conn) Target() string { return c.target }

// Proxy returns the serving proxy's host:port, empty for direct.
func (c *Conn) Proxy() string { return c.proxy }

// CreatedAt returns the establishment time.
func (c *Conn) CreatedAt() time.Time { return c.created }

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns a snapshot of the transfer counters.
func (c *Conn) Stats() Stats {
	return Stats{
		BytesSent:     c.bytesSent.Load(),
		BytesReceived: c.bytesRecv.Load(),
		RequestCount:  c.requests.Load(),
		ErrorCount:    c.errs.Load(),
	}
}

// AddRequest counts one logical request served over this connection.
func (c *Conn) AddRequest() { c.requests.Add(1) }

// RecordError counts a caller-observed error against this connection
// and moves it to the error state so the pool will not reuse it.
func (c *Conn) RecordError() {
	c.errs.Add(1)
	c.mu.Lock()
	if c.state != StateClosed {
		c.state = StateError
	}
	c.mu.Unlock()
}

// MarkIdle parks a connected connection for pooling. It reports false
// when the connection is not in a poolable state.
func (c *Conn) MarkIdle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return false
	}
	c.state = StateIdle
	c.idleAt = time.Now()
	return true
}

// MarkActive takes an idle connection back into use.
func (c *Conn) MarkActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return false
	}
	c.state = StateConnected
	c.idleAt = time.Time{}
	return true
}

// IdleSince returns when the connection went idle; zero when active.
func (c *Conn) IdleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idleAt
}

func (c *Conn) Read(b []byte) (int, error) {
	n, err := c.raw.Read(b)
	c.bytesRecv.Add(int64(n))
	return n, err
}

func (c *Conn) Write(b []byte) (int, error) {
	n, err := c.raw.Write(b)
	c.bytesSent.Add(int64(n))
	if err != nil {
		c.errs.Add(1)
	}
	return n, err
}

// Close closes the socket, moves the connection to its terminal state,
// and fires the close callback once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		err = c.raw.Close()
		if c.onClose != nil {
			c.onClose(c)
		}
	})
	return err
}

func (c *Conn) LocalAddr() net.Addr                { return c.raw.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr               { return c.raw.RemoteAddr() }
func (c *Conn) SetDeadline(t time.Time) error      { return c.raw.SetDeadline(t) }
func (c *Conn) SetReadDeadline(t time.Time) error  { return c.raw.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.raw.SetWriteDeadline(t) }

// Info is a point-in-time snapshot for stats reporting.
type Info struct {
	ID      string    `json:"id"`
	Target  string    `json:"target"`
	Proxy   string    `json:"proxy,omitempty"`
	State   State     `json:"state"`
	Created time.Time `json:"created"`
	Stats   Stats     `json:"stats"`
}

// Info snapshots the connection for reporting.
func (c *Conn) Info() Info {
	return Info{
		ID:      c.id,
		Target:  c.target,
		Proxy:   c.proxy,
		State:   c.State(),
		Created: c.created,
		Stats:   c.Stats(),
	}
}
