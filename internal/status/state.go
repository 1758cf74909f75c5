package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/echatapp/echat/internal/bus"
	"github.com/echatapp/echat/internal/model"
)

// State represents one account's ingestion loop state.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Syncing      State = "SYNCING"
	Backoff      State = "BACKOFF"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Syncing, Backoff, Disconnected},
	Syncing:      {Backoff, Disconnected},
	Backoff:      {Connecting, Disconnected},
}

// Machine tracks and enforces one account's connection state
// transitions, publishing every change on the bus.
type Machine struct {
	mu      sync.RWMutex
	account model.AccountID
	current State
	bus     *bus.Bus
}

// NewMachine creates a state machine for one account, starting
// Disconnected.
func NewMachine(account model.AccountID, b *bus.Bus) *Machine {
	return &Machine{
		account: account,
		current: Disconnected,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns an error if the
// transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("account %s: invalid transition from %s to %s", m.account, m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Now(bus.KindSyncStatusChanged, StatusChange{
			Account: m.account,
			From:    from,
			To:      to,
		}))
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	Account model.AccountID
	From    State
	To      State
}
