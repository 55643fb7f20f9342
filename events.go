package heimdall

import (
	"sync"
	"time"
)

// EventKind names one topic on the manager's event stream.
type EventKind string

// The complete set of kinds emitted by a Manager.
const (
	EventInitialized       EventKind = "initialized"
	EventConnectionCreated EventKind = "connectionCreated"
	EventConnectionFailed  EventKind = "connectionFailed"
	EventConnectionClosed  EventKind = "connectionClosed"
	EventConnectionError   EventKind = "connectionError"
	EventTunnelCreated     EventKind = "tunnelCreated"
	EventTunnelFailed      EventKind = "tunnelFailed"
	EventHealthCheck       EventKind = "healthCheck"
	EventMetrics           EventKind = "metrics"
	EventProxyRotated      EventKind = "proxyRotated"
	EventPacLoaded         EventKind = "pacLoaded"
	EventPacError          EventKind = "pacError"
	EventClosed            EventKind = "closed"
)

// Event is a single observation on the manager's stream. Only the
// fields relevant to the kind are populated.
type Event struct {
	Kind     EventKind        `json:"kind"`
	Time     time.Time        `json:"time"`
	Proxy    string           `json:"proxy,omitempty"`    // proxy host:port
	Target   string           `json:"target,omitempty"`   // target URL or host:port
	ConnID   string           `json:"conn_id,omitempty"`  // connection or tunnel ID
	Strategy string           `json:"strategy,omitempty"` // rotation strategy, proxyRotated only
	Err      error            `json:"-"`
	Health   *HealthStatus    `json:"health,omitempty"`  // healthCheck only
	Metrics  *MetricsSnapshot `json:"metrics,omitempty"` // metrics only
}

// EventHandler observes manager events. Handlers run synchronously on
// the emitting goroutine and must return quickly; the manager never
// defers request paths to handlers.
type EventHandler func(Event)

type subscription struct {
	id      uint64
	handler EventHandler
}

// eventBus fans events out to handlers in subscription order.
// Subscriptions survive Close so observers see every
// initialize/close cycle of the owning manager.
type eventBus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscription

	now func() time.Time
}

func newEventBus() *eventBus {
	return &eventBus{now: time.Now}
}

func (b *eventBus) subscribe(h EventHandler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, handler: h})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i := range b.subs {
			if b.subs[i].id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

func (b *eventBus) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = b.now()
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		s.handler(ev)
	}
}
