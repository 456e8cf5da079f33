package adapter

import "sync/atomic"

// State is the adapter lifecycle state.
type State int32

const (
	Idle State = iota
	Validating
	Invoking
	Faulted
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Validating:
		return "validating"
	case Invoking:
		return "invoking"
	case Faulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// stateMachine tracks Idle → Validating → Invoking → Idle. Faulted is
// sticky: no transition leaves it except reset.
type stateMachine struct {
	v atomic.Int32
}

func (m *stateMachine) load() State {
	return State(m.v.Load())
}

// to moves to s unless the adapter is faulted. It reports whether the
// transition happened.
func (m *stateMachine) to(s State) bool {
	for {
		cur := m.v.Load()
		if State(cur) == Faulted {
			return false
		}
		if m.v.CompareAndSwap(cur, int32(s)) {
			return true
		}
	}
}

func (m *stateMachine) fault() {
	m.v.Store(int32(Faulted))
}

func (m *stateMachine) reset() {
	m.v.Store(int32(Idle))
}
