// Package eventlog keeps a bounded in-memory history of manager
// events for the REST API. Record satisfies heimdall.EventHandler, so
// a log subscribes directly via Manager.OnEvent.
package eventlog

import (
	"sync"

	heimdall "github.com/rennerdo30/heimdall-proxy"
)

// DefaultCapacity bounds a Log built with a non-positive capacity.
const DefaultCapacity = 1000

// Log is a fixed-capacity ring of events. Once full, each new event
// evicts the oldest.
type Log struct {
	mu       sync.RWMutex
	events   []heimdall.Event
	capacity int
	head     int
	count    int
}

// New creates a log holding at most capacity events. Non-positive
// capacities fall back to DefaultCapacity.
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		events:   make([]heimdall.Event, capacity),
		capacity: capacity,
	}
}

// Record appends an event, evicting the oldest when the log is full.
func (l *Log) Record(ev heimdall.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.events[l.head] = ev
	l.head = (l.head + 1) % l.capacity
	if l.count < l.capacity {
		l.count++
	}
}

// All returns every retained event, oldest first.
func (l *Log) All() []heimdall.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]heimdall.Event, l.count)
	if l.count == 0 {
		return result
	}

	start := 0
	if l.count == l.capacity {
		start = l.head
	}
	for i := 0; i < l.count; i++ {
		result[i] = l.events[(start+i)%l.capacity]
	}
	return result
}

// Recent returns the last n retained events, newest first.
func (l *Log) Recent(n int) []heimdall.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n > l.count {
		n = l.count
	}
	if n < 0 {
		n = 0
	}

	result := make([]heimdall.Event, n)
	for i := 0; i < n; i++ {
		result[i] = l.events[(l.head-1-i+l.capacity)%l.capacity]
	}
	return result
}

// Filter returns the retained events matching keep, oldest first.
func (l *Log) Filter(keep func(heimdall.Event) bool) []heimdall.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var result []heimdall.Event
	start := 0
	if l.count == l.capacity {
		start = l.head
	}
	for i := 0; i < l.count; i++ {
		if ev := l.events[(start+i)%l.capacity]; keep(ev) {
			result = append(result, ev)
		}
	}
	return result
}

// Count returns the number of retained events.
func (l *Log) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}

// Clear drops all retained events.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.head = 0
	l.count = 0
}
