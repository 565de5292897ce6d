// Package link tracks the enable/reset/status handshake gating
// exchanges with the board.
//
// The link arms when enabled, starts on a reset rising edge, and then
// re-attempts every tick for as long as the last exchange returned
// valid data. One bad exchange faults the link and stops all attempts
// until the next reset pulse.
package link

import (
	"github.com/festlv/LinuxCNC-RIO/pkg/log"
	"github.com/festlv/LinuxCNC-RIO/pkg/protocol"
)

// State is the link's handshake state.
type State int

const (
	// Disabled: the enable input is false; nothing is attempted.
	Disabled State = iota

	// Armed: enabled but idle, waiting for a reset rising edge.
	Armed

	// Active: the last exchange returned valid data; exchanges repeat
	// every tick.
	Active

	// Fault: the last exchange failed; waiting for a reset pulse.
	Fault
)

func (s State) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case Armed:
		return "armed"
	case Active:
		return "active"
	case Fault:
		return "fault"
	default:
		return "unknown"
	}
}

// Machine decides when exchanges happen and folds their outcomes back
// into the published status.
type Machine struct {
	log *log.Logger

	state    State
	status   bool
	resetOld bool
	reason   string
}

// New creates a handshake machine. A nil logger selects the package
// default.
func New(logger *log.Logger) *Machine {
	if logger == nil {
		logger = log.GetLogger("link")
	}
	return &Machine{log: logger, state: Disabled}
}

// GateRead reports whether this read tick should attempt an exchange.
// Must be called exactly once per read tick: it also records the reset
// input for edge detection on the next tick.
func (m *Machine) GateRead(enable, reset bool) bool {
	attempt := false
	if enable {
		if (reset && !m.resetOld) || m.status {
			attempt = true
		} else if m.state == Disabled {
			m.setState(Armed, "")
		}
	} else {
		m.status = false
		m.setState(Disabled, "")
	}
	m.resetOld = reset
	return attempt
}

// GateWrite reports whether the write tick should exchange. Writes ride
// on an already valid link; they never start one.
func (m *Machine) GateWrite() bool { return m.status }

// ApplyHeader folds an exchange's inbound header tag into the
// handshake.
func (m *Machine) ApplyHeader(header uint32) {
	switch header {
	case protocol.HeaderData:
		m.status = true
		m.setState(Active, "")
	case protocol.HeaderEStop:
		m.status = false
		m.setState(Fault, "estop")
		m.log.Error("e-stop is active")
	default:
		m.status = false
		m.setState(Fault, "bad header")
		m.log.Error("bad payload header=0x%08x", header)
	}
}

// Fail records a transport level exchange failure.
func (m *Machine) Fail(err error) {
	m.status = false
	m.setState(Fault, "transport")
	m.log.WithError(err).Error("exchange failed")
}

func (m *Machine) setState(s State, reason string) {
	if s != m.state {
		m.log.Debug("link %s -> %s", m.state, s)
	}
	m.state = s
	m.reason = reason
}

// Status reports whether the last exchange returned valid data.
func (m *Machine) Status() bool { return m.status }

// State returns the current handshake state.
func (m *Machine) State() State { return m.state }

// FaultReason names what faulted the link, or "" when not faulted.
func (m *Machine) FaultReason() string { return m.reason }
