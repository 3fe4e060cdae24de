// Package status tracks the externally visible synchronization state of
// each DID. There is no partial-merge state: a sync is fetching, merging,
// or back to idle.
package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/mkalil/smsync/internal/bus"
)

// State is a synchronization runtime state.
type State string

const (
	Idle     State = "IDLE"
	Fetching State = "FETCHING"
	Merging  State = "MERGING"
	Failed   State = "FAILED"
)

// validTransitions defines allowed state transitions. Failed is transient:
// the engine reports the failure and returns the DID to Idle.
var validTransitions = map[State][]State{
	Idle:     {Fetching},
	Fetching: {Merging, Failed},
	Merging:  {Idle, Failed},
	Failed:   {Idle},
}

// Machine tracks and enforces sync state transitions for one DID.
type Machine struct {
	mu      sync.RWMutex
	did     string
	current State
	bus     *bus.Bus
}

// NewMachine creates a state machine for a DID, starting Idle.
func NewMachine(did string, b *bus.Bus) *Machine {
	return &Machine{
		did:     did,
		current: Idle,
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
		return fmt.Errorf("invalid transition from %s to %s for did %s", m.current, to, m.did)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.KindSyncStateChanged, StateChange{
			DID:  m.did,
			From: from,
			To:   to,
		})
	}
	return nil
}

// StateChange is the payload for state change events.
type StateChange struct {
	DID  string
	From State
	To   State
}

// Set lazily creates one state machine per DID.
type Set struct {
	mu       sync.Mutex
	machines map[string]*Machine
	bus      *bus.Bus
}

// NewSet creates an empty machine set.
func NewSet(b *bus.Bus) *Set {
	return &Set{
		machines: make(map[string]*Machine),
		bus:      b,
	}
}

// Get returns the machine for a DID, creating it Idle on first use.
func (s *Set) Get(did string) *Machine {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.machines[did]
	if !ok {
		m = NewMachine(did, s.bus)
		s.machines[did] = m
	}
	return m
}
