// Package connector is the runtime for long-lived external sessions:
// a uniform lifecycle state machine, capability dispatch with rate
// limiting, reconnection with backoff, and the single inbound pipeline
// that turns vendor messages into normalized bus events. Variant
// connectors differ only in their Driver implementation and capability
// manifest.
package connector

import (
	"fmt"
	"sync"
	"time"

	"github.com/aegisfabric/aegis/internal/fault"
)

// ============================================================================
// LIFECYCLE STATE MACHINE
// ============================================================================

// State is the connector lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDegraded
	StateDisconnecting
	StateFailed
)

// String returns the string representation of a state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateDisconnecting:
		return "disconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// StateNames lists every state label, for metrics gauges.
var StateNames = []string{"idle", "connecting", "connected", "degraded", "disconnecting", "failed"}

// FailKind qualifies the failed state.
type FailKind string

const (
	FailNone      FailKind = ""
	FailAuth      FailKind = "auth"
	FailNet       FailKind = "net"
	FailTimeout   FailKind = "timeout"
	FailExhausted FailKind = "exhausted"
	FailConfig    FailKind = "config"
)

// validTransitions is the lifecycle transition table. Anything absent
// is a programming error surfaced as a fault, never a panic.
var validTransitions = map[State][]State{
	StateIdle:          {StateConnecting},
	StateConnecting:    {StateConnected, StateFailed, StateDisconnecting},
	StateConnected:     {StateDegraded, StateDisconnecting, StateFailed},
	StateDegraded:      {StateConnecting, StateDisconnecting, StateFailed},
	StateDisconnecting: {StateIdle},
	StateFailed:        {StateConnecting, StateDisconnecting},
}

// Transition records one lifecycle change.
type Transition struct {
	From State
	To   State
	Kind FailKind
	At   time.Time
}

// machine tracks the connector's lifecycle with a bounded transition
// history for diagnostics.
type machine struct {
	mu       sync.RWMutex
	state    State
	failKind FailKind
	history  []Transition
}

const historyLimit = 32

func newMachine() *machine {
	return &machine{state: StateIdle}
}

func (m *machine) current() (State, FailKind) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state, m.failKind
}

// to transitions into the target state, validating against the table.
func (m *machine) to(target State, kind FailKind, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !transitionAllowed(m.state, target) {
		return fault.Newf(fault.KindConfig, "connector.transition",
			"invalid transition %s -> %s", m.state, target)
	}
	m.history = append(m.history, Transition{From: m.state, To: target, Kind: kind, At: at})
	if len(m.history) > historyLimit {
		m.history = m.history[len(m.history)-historyLimit:]
	}
	m.state = target
	m.failKind = kind
	return nil
}

// toFrom transitions only when the machine is still in one of the
// expected states, for races between supervisor and explicit calls.
func (m *machine) toFrom(target State, kind FailKind, at time.Time, from ...State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ok := false
	for _, f := range from {
		if m.state == f {
			ok = true
			break
		}
	}
	if !ok || !transitionAllowed(m.state, target) {
		return false
	}
	m.history = append(m.history, Transition{From: m.state, To: target, Kind: kind, At: at})
	if len(m.history) > historyLimit {
		m.history = m.history[len(m.history)-historyLimit:]
	}
	m.state = target
	m.failKind = kind
	return true
}

func (m *machine) transitions() []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

func transitionAllowed(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// describeState renders failed states with their kind for logs and the
// admin surface.
func describeState(s State, kind FailKind) string {
	if s == StateFailed && kind != FailNone {
		return fmt.Sprintf("failed(%s)", kind)
	}
	return s.String()
}
