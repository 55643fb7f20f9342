package heimdall

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEventBusDeliversInOrder verifies that handlers fire in
// subscription order and that a missing timestamp is filled in.
func TestEventBusDeliversInOrder(t *testing.T) {
	bus := newEventBus()

	var order []string
	bus.subscribe(func(ev Event) { order = append(order, "first") })
	bus.subscribe(func(ev Event) { order = append(order, "second") })

	bus.emit(Event{Kind: EventInitialized})

	assert.Equal(t, []string{"first", "second"}, order)
}

func TestEventBusStampsTime(t *testing.T) {
	bus := newEventBus()
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	bus.now = func() time.Time { return fixed }

	var got Event
	bus.subscribe(func(ev Event) { got = ev })

	bus.emit(Event{Kind: EventClosed})
	assert.Equal(t, fixed, got.Time)

	// An explicit timestamp is preserved.
	explicit := fixed.Add(time.Hour)
	bus.emit(Event{Kind: EventClosed, Time: explicit})
	assert.Equal(t, explicit, got.Time)
}

func TestEventBusUnsubscribe(t *testing.T) {
	bus := newEventBus()

	var first, second int
	cancel := bus.subscribe(func(ev Event) { first++ })
	bus.subscribe(func(ev Event) { second++ })

	bus.emit(Event{Kind: EventInitialized})
	cancel()
	bus.emit(Event{Kind: EventInitialized})

	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)

	// Unsubscribing twice is harmless.
	require.NotPanics(t, func() { cancel() })
	bus.emit(Event{Kind: EventInitialized})
	assert.Equal(t, 1, first)
	assert.Equal(t, 3, second)
}
