package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/rafaelmp2/convo/internal/bus"
)

// State represents the connection lifecycle state of a session.
type State string

const (
	Idle         State = "IDLE"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Disconnected State = "DISCONNECTED"
	Reconnecting State = "RECONNECTING"
	Failed       State = "FAILED"
)

// validTransitions defines the allowed connection state transitions.
// Failed is terminal until a fresh connect, and any live state can be torn
// down back to Idle by an explicit disconnect. Connected permits Connecting
// so a session switch that redials over a live connection is observable.
var validTransitions = map[State][]State{
	Idle:         {Connecting},
	Connecting:   {Connected, Disconnected, Failed, Idle},
	Connected:    {Connecting, Disconnected, Idle},
	Disconnected: {Reconnecting, Connecting, Failed, Idle},
	Reconnecting: {Connecting, Failed, Idle},
	Failed:       {Connecting, Idle},
}

// Live reports whether s is an established connection state.
func (s State) Live() bool {
	return s == Connected
}

// Machine tracks and enforces connection state transitions, publishing
// every change on the bus as conn.state_changed.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a state machine starting in Idle.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{current: Idle, bus: b}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns an error if the
// transition is not allowed; the state is left unchanged in that case.
// A self-transition is a no-op.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	if m.current == to {
		m.mu.Unlock()
		return nil
	}
	if !slices.Contains(validTransitions[m.current], to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	from := m.current
	m.current = to
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:    bus.KindConnStateChanged,
			Payload: Change{From: from, To: to},
		})
	}
	return nil
}

// Change is the payload for connection state change events.
type Change struct {
	From State
	To   State
}
