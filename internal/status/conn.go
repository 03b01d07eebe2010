package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/msgsync/internal/bus"
)

// ConnState represents a push channel connection state.
type ConnState string

const (
	Disconnected ConnState = "DISCONNECTED"
	Connecting   ConnState = "CONNECTING"
	Connected    ConnState = "CONNECTED"
	Reconnecting ConnState = "RECONNECTING"
	Stopped      ConnState = "STOPPED"
)

// connTransitions defines allowed connection state transitions.
var connTransitions = map[ConnState][]ConnState{
	Disconnected: {Connecting},
	Connecting:   {Connected, Reconnecting, Stopped, Disconnected},
	Connected:    {Reconnecting, Disconnected},
	Reconnecting: {Connecting, Stopped, Disconnected},
	Stopped:      {Connecting},
}

// Machine tracks and enforces push connection state transitions.
type Machine struct {
	mu        sync.RWMutex
	current   ConnState
	bus       *bus.Bus
	observers []func(ConnChange)
}

// NewMachine creates a new state machine starting in Disconnected state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() ConnState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Observe registers fn to be called synchronously after every transition.
func (m *Machine) Observe(fn func(ConnChange)) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to ConnState) error {
	m.mu.Lock()
	allowed := connTransitions[m.current]
	if !slices.Contains(allowed, to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	change := ConnChange{From: m.current, To: to, At: time.Now()}
	m.current = to
	observers := slices.Clone(m.observers)
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindConnState,
			Timestamp: change.At,
			Payload:   change,
		})
	}
	for _, fn := range observers {
		fn(change)
	}
	return nil
}

// ConnChange is the payload for connection state change events.
type ConnChange struct {
	From ConnState
	To   ConnState
	At   time.Time
}

// Online reports whether the change entered the Connected state.
func (c ConnChange) Online() bool {
	return c.To == Connected && c.From != Connected
}
