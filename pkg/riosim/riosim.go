// Package riosim simulates the board side of the RIO link. It integrates
// commanded frequency divisors into feedback counters, echoes setpoints
// into process values, and can loop digital outputs back into inputs.
// Simulator implements transport.Transport, so the host stack runs
// against it unchanged; cmd/rio-mock serves it over a Unix socket.
package riosim

import (
	"fmt"
	"sync"
	"time"

	"github.com/festlv/LinuxCNC-RIO/pkg/protocol"
	"github.com/festlv/LinuxCNC-RIO/pkg/transport"
)

// corruptHeader is what an injected bad frame carries in place of a
// valid tag.
const corruptHeader uint32 = 0xDEADBEEF

// Config holds simulator behavior knobs.
type Config struct {
	// Oscillator frequency feeding the divisor math (default: 16 MHz)
	Oscillator float64

	// Simulated servo interval integrated per write frame (default: 1ms)
	Period time.Duration

	// Gain from raw setpoint ticks to echoed process values (default: 1.0)
	PVGain float64

	// Mirror digital outputs back into digital inputs
	Loopback bool
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Oscillator: 16000000,
		Period:     time.Millisecond,
		PVGain:     1.0,
	}
}

// Simulator is an in-memory RIO board.
type Simulator struct {
	mu     sync.Mutex
	layout protocol.Layout
	config Config

	pos     []float64 // feedback counters, in counts
	freq    []float64 // counts per second from the last write frame
	enabled []bool
	pv      []float32
	inputs  []bool
	outputs []bool

	estop   bool
	corrupt int
	reset   bool

	writes int
	reads  int
	closed bool
}

var _ transport.Transport = (*Simulator)(nil)
var _ transport.ResetLine = (*Simulator)(nil)

// New creates a simulator for the given packet geometry.
func New(layout protocol.Layout, cfg Config) *Simulator {
	if cfg.Oscillator == 0 {
		cfg.Oscillator = 16000000
	}
	if cfg.Period == 0 {
		cfg.Period = time.Millisecond
	}
	if cfg.PVGain == 0 {
		cfg.PVGain = 1.0
	}

	return &Simulator{
		layout:  layout,
		config:  cfg,
		pos:     make([]float64, layout.Joints),
		freq:    make([]float64, layout.Joints),
		enabled: make([]bool, layout.Joints),
		pv:      make([]float32, layout.VarIn),
		inputs:  make([]bool, layout.DigitalIn),
		outputs: make([]bool, layout.DigitalOut),
	}
}

// Exchange consumes one outbound frame and produces the matching inbound
// frame.
func (s *Simulator) Exchange(tx, rx []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return transport.ErrClosed
	}
	if len(tx) < s.layout.TxSize() || len(rx) < s.layout.RxSize() {
		return fmt.Errorf("riosim: short frame: tx %d rx %d", len(tx), len(rx))
	}

	switch protocol.Header(tx) {
	case protocol.HeaderWrite:
		s.writes++
		s.applyWrite(tx)
	case protocol.HeaderRead:
		s.reads++
	default:
		return fmt.Errorf("riosim: unexpected outbound header 0x%08x", protocol.Header(tx))
	}

	s.fillResponse(rx)
	return nil
}

// applyWrite decodes a write frame and advances the board by one period.
func (s *Simulator) applyWrite(tx []byte) {
	dt := s.config.Period.Seconds()

	for i := 0; i < s.layout.Joints; i++ {
		div := s.layout.FreqCmd(tx, i)
		s.enabled[i] = s.layout.JointEnable(tx, i)
		if div == 0 {
			s.freq[i] = 0
		} else {
			s.freq[i] = s.config.Oscillator / float64(div)
		}
		if s.enabled[i] {
			s.pos[i] += s.freq[i] * dt
		}
	}

	for ch := 0; ch < s.layout.VarOut && ch < s.layout.VarIn; ch++ {
		sp := s.layout.SetPoint(tx, ch)
		s.pv[ch] = float32(s.config.PVGain * float64(sp))
	}

	for bit := 0; bit < s.layout.DigitalOut; bit++ {
		on := s.layout.Output(tx, bit)
		s.outputs[bit] = on
		if s.config.Loopback && bit < s.layout.DigitalIn {
			s.inputs[bit] = on
		}
	}
}

// fillResponse writes the inbound frame for the current board state.
func (s *Simulator) fillResponse(rx []byte) {
	for i := range rx {
		rx[i] = 0
	}

	if s.corrupt > 0 {
		s.corrupt--
		protocol.PutHeader(rx, corruptHeader)
		return
	}
	if s.estop {
		protocol.PutHeader(rx, protocol.HeaderEStop)
		return
	}

	protocol.PutHeader(rx, protocol.HeaderData)
	for i := 0; i < s.layout.Joints; i++ {
		// int64 → int32 truncation gives the counter its natural
		// 32-bit rollover.
		s.layout.SetFeedback(rx, i, int32(int64(s.pos[i])))
	}
	for ch := 0; ch < s.layout.VarIn; ch++ {
		s.layout.SetProcessValue(rx, ch, s.pv[ch])
	}
	for bit := 0; bit < s.layout.DigitalIn; bit++ {
		s.layout.SetInput(rx, bit, s.inputs[bit])
	}
}

// SetReset records the watchdog reset line level.
func (s *Simulator) SetReset(level bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return transport.ErrClosed
	}
	s.reset = level
	return nil
}

// Close shuts the simulator down. Further exchanges fail.
func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// InjectEStop switches the e-stop fault on or off. While active every
// response carries the e-stop header.
func (s *Simulator) InjectEStop(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.estop = on
}

// InjectCorrupt makes the next n responses carry a garbage header.
func (s *Simulator) InjectCorrupt(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corrupt = n
}

// SetInput drives a digital input bit. Loopback overwrites bits that
// mirror an output.
func (s *Simulator) SetInput(bit int, level bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputs[bit] = level
}

// SetProcessValue drives a variable input channel directly. Channels
// echoed from setpoints are overwritten on the next write frame.
func (s *Simulator) SetProcessValue(ch int, v float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pv[ch] = v
}

// SetPosition forces a joint's feedback counter, e.g. to model an
// absolute encoder preset.
func (s *Simulator) SetPosition(joint int, counts float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pos[joint] = counts
}

// Position returns a joint's feedback counter in counts.
func (s *Simulator) Position(joint int) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos[joint]
}

// Frequency returns the step rate decoded from the last write frame.
func (s *Simulator) Frequency(joint int) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.freq[joint]
}

// Output returns a digital output bit as last commanded.
func (s *Simulator) Output(bit int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outputs[bit]
}

// ResetLevel returns the current watchdog reset line level.
func (s *Simulator) ResetLevel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reset
}

// Writes returns the number of write frames consumed.
func (s *Simulator) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Reads returns the number of read frames consumed.
func (s *Simulator) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// Layout returns the packet geometry the simulator answers for.
func (s *Simulator) Layout() protocol.Layout {
	return s.layout
}
