package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/mychat/chatsync/internal/bus"
)

// State represents the engine's connectivity to the remote backend.
type State string

const (
	Booting      State = "BOOTING"
	Ready        State = "READY"
	Offline      State = "OFFLINE"
	Reconnecting State = "RECONNECTING"
	Stopped      State = "STOPPED"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Booting:      {Ready, Offline, Stopped},
	Ready:        {Offline, Stopped},
	Offline:      {Reconnecting, Ready, Stopped},
	Reconnecting: {Ready, Offline, Stopped},
	Stopped:      {},
}

// Machine tracks and enforces connectivity state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
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
		m.bus.Emit(bus.KindSyncStatusChanged, StatusChange{From: from, To: to})
	}
	return nil
}

// MarkOnline folds a successful remote operation into the machine. It is a
// no-op when already Ready or Stopped.
func (m *Machine) MarkOnline() {
	if cur := m.Current(); cur == Ready || cur == Stopped {
		return
	}
	_ = m.Transition(Ready)
}

// MarkOffline folds a network failure into the machine. It is a no-op when
// already Offline or Stopped.
func (m *Machine) MarkOffline() {
	if cur := m.Current(); cur == Offline || cur == Stopped {
		return
	}
	_ = m.Transition(Offline)
}

// StatusChange is the payload for sync.status_changed events.
type StatusChange struct {
	From State
	To   State
}
