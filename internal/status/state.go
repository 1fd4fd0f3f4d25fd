package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/mercury/internal/bus"
)

// State represents an account's runtime state.
type State string

const (
	Booting   State = "BOOTING"
	Restoring State = "RESTORING"
	LoggedOut State = "LOGGED_OUT"
	LoggingIn State = "LOGGING_IN"
	Ready     State = "READY"
	Syncing   State = "SYNCING"
	Degraded  State = "DEGRADED"
	Error     State = "ERROR"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Booting:   {Restoring, LoggedOut, Error},
	Restoring: {Ready, LoggedOut, Degraded, Error},
	LoggedOut: {LoggingIn, Error},
	LoggingIn: {Ready, LoggedOut, Error},
	Ready:     {Syncing, LoggedOut, Degraded, Error},
	Syncing:   {Ready, Degraded, LoggedOut, Error},
	Degraded:  {Syncing, LoggedOut, Error},
	Error:     {Booting},
}

// Machine tracks and enforces one account's state transitions.
type Machine struct {
	mu      sync.RWMutex
	account string
	current State
	bus     *bus.Bus
}

// NewMachine creates a state machine for one account, starting in Booting.
func NewMachine(account string, b *bus.Bus) *Machine {
	return &Machine{
		account: account,
		current: Booting,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      "account.status_changed",
			Account:   m.account,
			Timestamp: time.Now(),
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State `json:"from"`
	To   State `json:"to"`
}
