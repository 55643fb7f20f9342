// Package pool keeps established proxy connections around for reuse.
// Connections are tracked per proxy endpoint; an idle connection is
// only ever handed back out for the exact protocol, host, and port it
// was opened for.
package pool

import (
	"log/slog"
	"sync"
	"time"

	"github.com/rennerdo30/heimdall-proxy/internal/config"
	"github.com/rennerdo30/heimdall-proxy/internal/upstream"
)

// Stats describes one pool bucket, or the totals across all buckets.
type Stats struct {
	Active    int   `json:"active"`
	Idle      int   `json:"idle"`
	Total     int   `json:"total"`
	Created   int64 `json:"created"`
	Destroyed int64 `json:"destroyed"`
	Errors    int64 `json:"errors"`
}

// entry is one bucket of connections sharing a proxy endpoint.
type entry struct {
	active    map[string]*upstream.Conn // by connection ID
	idle      []*upstream.Conn          // most recently parked last
	created   int64
	destroyed int64
	errors    int64
}

// Pool tracks active and idle connections per proxy endpoint and
// evicts idle connections in the background.
type Pool struct {
	maxSize     int
	maxIdleTime time.Duration
	sweepTick   time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool

	done chan struct{}
	wg   sync.WaitGroup
}

// Key returns the bucket key for a server. Reuse requires the full
// protocol, host, and port to match.
func Key(server *config.ProxyServer) string {
	return server.Protocol + ":" + server.Key()
}

// New builds a pool and starts its eviction sweep. A nil cfg selects
// the defaults.
func New(cfg *config.PoolConfig, logger *slog.Logger) *Pool {
	if cfg == nil {
		cfg = config.DefaultPoolConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		maxSize:     cfg.MaxSize,
		maxIdleTime: cfg.MaxIdleTime.Duration(),
		sweepTick:   cfg.SweepInterval.Duration(),
		logger:      logger,
		entries:     make(map[string]*entry),
		done:        make(chan struct{}),
	}
	if p.maxSize <= 0 {
		p.maxSize = 100
	}
	if p.maxIdleTime <= 0 {
		p.maxIdleTime = 5 * time.Minute
	}
	if p.sweepTick <= 0 {
		p.sweepTick = 30 * time.Second
	}

	p.wg.Add(1)
	go p.sweepLoop()
	return p
}

func (p *Pool) entryLocked(key string) *entry {
	e, ok := p.entries[key]
	if !ok {
		e = &entry{active: make(map[string]*upstream.Conn)}
		p.entries[key] = e
	}
	return e
}

// Add registers a freshly established connection as active in its
// bucket.
func (p *Pool) Add(server *config.ProxyServer, conn *upstream.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	e := p.entryLocked(Key(server))
	e.active[conn.ID()] = conn
	e.created++
}

// Acquire hands out an idle connection for the exact endpoint, or nil
// when none is available. Closed connections found in the bucket are
// discarded on the way.
func (p *Pool) Acquire(server *config.ProxyServer) *upstream.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}

	e, ok := p.entries[Key(server)]
	if !ok {
		return nil
	}
	for len(e.idle) > 0 {
		conn := e.idle[len(e.idle)-1]
		e.idle = e.idle[:len(e.idle)-1]
		if !conn.MarkActive() {
			// The socket died while parked.
			e.destroyed++
			continue
		}
		e.active[conn.ID()] = conn
		return conn
	}
	return nil
}

// Release parks an active connection for reuse. It reports false when
// the connection was destroyed instead: pool closed, bucket at
// capacity, or the connection not in a poolable state.
func (p *Pool) Release(server *config.ProxyServer, conn *upstream.Conn) bool {
	key := Key(server)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		conn.Close()
		return false
	}

	e := p.entryLocked(key)
	delete(e.active, conn.ID())

	if len(e.idle) >= p.maxSize || !conn.MarkIdle() {
		e.destroyed++
		p.mu.Unlock()
		p.destroy(key, conn)
		return false
	}
	e.idle = append(e.idle, conn)
	p.mu.Unlock()
	return true
}

// Remove drops a connection the caller is closing itself. The socket
// is not touched.
func (p *Pool) Remove(server *config.ProxyServer, conn *upstream.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[Key(server)]
	if !ok {
		return
	}
	if _, tracked := e.active[conn.ID()]; tracked {
		delete(e.active, conn.ID())
		e.destroyed++
	}
}

// destroy closes a socket, counting a close failure into the owning
// bucket's error counter. Best effort; never raises.
func (p *Pool) destroy(key string, conn *upstream.Conn) {
	if err := conn.Close(); err != nil {
		p.mu.Lock()
		if e, ok := p.entries[key]; ok {
			e.errors++
		}
		p.mu.Unlock()
	}
}

// Connections returns a snapshot of every active connection.
func (p *Pool) Connections() []*upstream.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()

	var conns []*upstream.Conn
	for _, e := range p.entries {
		for _, c := range e.active {
			conns = append(conns, c)
		}
	}
	return conns
}

// Stats returns per-bucket counters.
func (p *Pool) Stats() map[string]Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]Stats, len(p.entries))
	for key, e := range p.entries {
		out[key] = Stats{
			Active:    len(e.active),
			Idle:      len(e.idle),
			Total:     len(e.active) + len(e.idle),
			Created:   e.created,
			Destroyed: e.destroyed,
			Errors:    e.errors,
		}
	}
	return out
}

// Totals sums the counters across all buckets.
func (p *Pool) Totals() Stats {
	var total Stats
	for _, s := range p.Stats() {
		total.Active += s.Active
		total.Idle += s.Idle
		total.Total += s.Total
		total.Created += s.Created
		total.Destroyed += s.Destroyed
		total.Errors += s.Errors
	}
	return total
}

// Close destroys every tracked connection, active and idle, and stops
// the sweep loop. The pool refuses new connections afterwards.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)

	var toClose []*upstream.Conn
	for _, e := range p.entries {
		for _, c := range e.active {
			toClose = append(toClose, c)
		}
		toClose = append(toClose, e.idle...)
		e.destroyed += int64(len(e.active) + len(e.idle))
		e.active = make(map[string]*upstream.Conn)
		e.idle = nil
	}
	p.mu.Unlock()

	// Close sockets outside the lock.
	for _, c := range toClose {
		c.Close()
	}
	p.wg.Wait()
}

func (p *Pool) sweepLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.sweepTick)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep destroys idle connections that have been parked longer than
// maxIdleTime.
func (p *Pool) sweep() {
	p.mu.Lock()
	now := time.Now()
	var toClose []*upstream.Conn
	for _, e := range p.entries {
		kept := e.idle[:0]
		for _, c := range e.idle {
			if now.Sub(c.IdleSince()) > p.maxIdleTime {
				toClose = append(toClose, c)
				e.destroyed++
			} else {
				kept = append(kept, c)
			}
		}
		e.idle = kept
	}
	p.mu.Unlock()

	if len(toClose) > 0 {
		p.logger.Debug("evicted idle connections", "count", len(toClose))
	}
	for _, c := range toClose {
		c.Close()
	}
}
