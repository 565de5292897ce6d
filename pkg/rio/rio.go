// Package rio is the host side of a RIO FPGA motion controller: it
// owns the pin surface, converts position and velocity commands into
// step frequency commands once per servo tick, assembles the outbound
// packet, and folds the board's feedback back into pins.
//
// The three entry points mirror the realtime functions of the original
// driver and are meant to run in this order on the servo thread:
// Read (feedback and handshake), UpdateFreq (control law), Write
// (command packet). All pin storage is atomic, so observers on other
// goroutines may inspect the same registry at any time.
package rio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/festlv/LinuxCNC-RIO/pkg/hal"
	"github.com/festlv/LinuxCNC-RIO/pkg/link"
	"github.com/festlv/LinuxCNC-RIO/pkg/log"
	"github.com/festlv/LinuxCNC-RIO/pkg/metrics"
	"github.com/festlv/LinuxCNC-RIO/pkg/protocol"
	"github.com/festlv/LinuxCNC-RIO/pkg/stepgen"
	"github.com/festlv/LinuxCNC-RIO/pkg/transport"
	"github.com/festlv/LinuxCNC-RIO/pkg/vout"
)

// Common errors
var (
	ErrBadConfig = errors.New("rio: invalid configuration")
)

// Config describes the board geometry and the timing constants baked
// into its gateware. It must match the bitstream on the other end of
// the link; the packet layout is derived from it.
type Config struct {
	// Prefix for all pin names (default: "rio")
	Prefix string

	// Oscillator is the gateware clock feeding the step and output
	// generators, in Hz.
	Oscillator float64

	// BaseFreq is the step generator update frequency in Hz. Half of
	// it is the hard ceiling for commanded step rates.
	BaseFreq float64

	// Joints configures one step generator channel each.
	Joints []JointConfig

	// Outputs configures the variable output channels and their
	// encoding laws.
	Outputs []vout.Channel

	// VarIn is the number of variable input channels.
	VarIn int

	// DigitalOutputs and DigitalInputs are bit counts; the wire
	// format rounds each up to whole bytes.
	DigitalOutputs int
	DigitalInputs  int
}

// JointConfig couples one joint's control behavior with the values
// its parameter pins start at. The pins stay live afterwards; the
// seeds only decide what they read before anyone writes them.
type JointConfig struct {
	stepgen.JointConfig

	// Scale seeds the steps-per-unit pin. Zero seeds 1.0, which is
	// what the control law would force a zero scale to anyway.
	Scale float64

	// MaxVel and MaxAccel seed the limit pins. Zero leaves the
	// hardware ceiling as the only bound.
	MaxVel   float64
	MaxAccel float64

	// PGain, FF1Gain and Deadband seed the position loop pins. Zero
	// keeps the control law defaults.
	PGain    float64
	FF1Gain  float64
	Deadband float64
}

// DefaultConfig returns a Config with the timing constants of the
// reference bitstream. Geometry is left empty.
func DefaultConfig() Config {
	return Config{
		Prefix:     "rio",
		Oscillator: 16000000,
		BaseFreq:   320000,
	}
}

func (c Config) validate() error {
	if c.Oscillator <= 0 {
		return fmt.Errorf("%w: oscillator frequency must be positive", ErrBadConfig)
	}
	if c.BaseFreq <= 0 {
		return fmt.Errorf("%w: base frequency must be positive", ErrBadConfig)
	}
	if c.VarIn < 0 || c.DigitalOutputs < 0 || c.DigitalInputs < 0 {
		return fmt.Errorf("%w: channel counts must not be negative", ErrBadConfig)
	}
	for i, ch := range c.Outputs {
		if err := ch.Validate(); err != nil {
			return fmt.Errorf("%w: output %d: %s", ErrBadConfig, i, err)
		}
	}
	return nil
}

// jointPins groups one joint's registered pins. velCmd is nil for
// position mode joints.
type jointPins struct {
	enable   *hal.Bit
	posCmd   *hal.Float
	velCmd   *hal.Float
	freqCmd  *hal.Float
	posFB    *hal.Float
	counts   *hal.S32
	scale    *hal.Float
	maxVel   *hal.Float
	maxAccel *hal.Float
	pgain    *hal.Float
	ff1gain  *hal.Float
	deadband *hal.Float
}

// Component ties the pin registry, the step generators, the handshake
// machine and the transport together. One Component drives one board.
type Component struct {
	mu sync.Mutex

	cfg    Config
	log    *log.Logger
	reg    *hal.Registry
	tr     transport.Transport
	reset  transport.ResetLine
	ln     *link.Machine
	gen    *stepgen.Generator
	layout protocol.Layout
	rm     *metrics.RIOMetrics

	joints []jointPins
	sps    []*hal.Float
	pvs    []*hal.Float
	outs   []*hal.Bit
	ins    []*hal.Bit
	insNot []*hal.Bit

	spiEnable *hal.Bit
	spiReset  *hal.Bit
	spiStatus *hal.Bit
	pruReset  *hal.Bit

	tx []byte
	rx []byte
}

// Option adjusts a Component at construction.
type Option func(*Component)

// WithLogger replaces the default package logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Component) { c.log = l }
}

// New builds a Component for the given board geometry, registers its
// pins, and binds it to a transport. If the transport also implements
// transport.ResetLine, the PRU-reset pin is mirrored to it every read
// tick.
func New(cfg Config, reg *hal.Registry, tr transport.Transport, opts ...Option) (*Component, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "rio"
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	c := &Component{
		cfg:    cfg,
		reg:    reg,
		tr:     tr,
		layout: protocol.NewLayout(len(cfg.Joints), len(cfg.Outputs), cfg.VarIn, cfg.DigitalOutputs, cfg.DigitalInputs),
		rm:     metrics.GlobalMetrics(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = log.GetLogger("rio")
	}
	c.ln = link.New(c.log)
	if rl, ok := tr.(transport.ResetLine); ok {
		c.reset = rl
	}

	genJoints := make([]*stepgen.Joint, len(cfg.Joints))
	for i, jc := range cfg.Joints {
		genJoints[i] = stepgen.NewJoint(jc.JointConfig)
	}
	c.gen = stepgen.NewGenerator(cfg.BaseFreq, genJoints)

	c.tx = c.layout.NewBuffer()
	c.rx = c.layout.NewBuffer()

	if err := c.exportPins(); err != nil {
		return nil, fmt.Errorf("rio: pin export: %w", err)
	}

	c.log.Info("component ready: %d joints, %d/%d variable out/in, %d/%d digital out/in, %d byte frames",
		len(cfg.Joints), len(cfg.Outputs), cfg.VarIn, cfg.DigitalOutputs, cfg.DigitalInputs, c.layout.BufferSize())
	return c, nil
}

// pinBuilder registers pins until the first failure and remembers it,
// so exportPins reads as a flat list instead of a ladder of checks.
type pinBuilder struct {
	reg *hal.Registry
	err error
}

func (b *pinBuilder) bit(dir hal.Dir, format string, args ...interface{}) *hal.Bit {
	if b.err != nil {
		return nil
	}
	p, err := b.reg.Bit(fmt.Sprintf(format, args...), dir)
	b.err = err
	return p
}

func (b *pinBuilder) float(dir hal.Dir, format string, args ...interface{}) *hal.Float {
	if b.err != nil {
		return nil
	}
	p, err := b.reg.Float(fmt.Sprintf(format, args...), dir)
	b.err = err
	return p
}

func (b *pinBuilder) s32(dir hal.Dir, format string, args ...interface{}) *hal.S32 {
	if b.err != nil {
		return nil
	}
	p, err := b.reg.S32(fmt.Sprintf(format, args...), dir)
	b.err = err
	return p
}

func (c *Component) exportPins() error {
	b := &pinBuilder{reg: c.reg}
	prefix := c.cfg.Prefix

	c.spiEnable = b.bit(hal.In, "%s.SPI-enable", prefix)
	c.spiReset = b.bit(hal.In, "%s.SPI-reset", prefix)
	c.spiStatus = b.bit(hal.Out, "%s.SPI-status", prefix)
	c.pruReset = b.bit(hal.In, "%s.PRU-reset", prefix)

	c.joints = make([]jointPins, len(c.cfg.Joints))
	for n := range c.cfg.Joints {
		jp := &c.joints[n]
		jp.enable = b.bit(hal.In, "%s.joint.%d.enable", prefix, n)
		jp.posCmd = b.float(hal.In, "%s.joint.%d.pos-cmd", prefix, n)
		if c.cfg.Joints[n].Mode == stepgen.Velocity {
			jp.velCmd = b.float(hal.In, "%s.joint.%d.vel-cmd", prefix, n)
		}
		jp.freqCmd = b.float(hal.Out, "%s.joint.%d.freq-cmd", prefix, n)
		jp.posFB = b.float(hal.Out, "%s.joint.%d.pos-fb", prefix, n)
		jp.counts = b.s32(hal.Out, "%s.joint.%d.counts", prefix, n)
		jp.scale = b.float(hal.RW, "%s.joint.%d.scale", prefix, n)
		jp.maxVel = b.float(hal.RW, "%s.joint.%d.maxvel", prefix, n)
		jp.maxAccel = b.float(hal.RW, "%s.joint.%d.maxaccel", prefix, n)
		jp.pgain = b.float(hal.In, "%s.joint.%d.pgain", prefix, n)
		jp.ff1gain = b.float(hal.In, "%s.joint.%d.ff1gain", prefix, n)
		jp.deadband = b.float(hal.In, "%s.joint.%d.deadband", prefix, n)
		if b.err == nil {
			// A fresh joint with scale 0 would be forced to 1.0 every
			// tick anyway; seeding the pin keeps the published
			// parameter honest before the first tick.
			jc := c.cfg.Joints[n]
			if jc.Scale == 0 {
				jc.Scale = 1.0
			}
			jp.scale.Set(jc.Scale)
			jp.maxVel.Set(jc.MaxVel)
			jp.maxAccel.Set(jc.MaxAccel)
			jp.pgain.Set(jc.PGain)
			jp.ff1gain.Set(jc.FF1Gain)
			jp.deadband.Set(jc.Deadband)
		}
	}

	c.sps = make([]*hal.Float, len(c.cfg.Outputs))
	for i := range c.sps {
		c.sps[i] = b.float(hal.In, "%s.SP.%d", prefix, i)
	}
	c.pvs = make([]*hal.Float, c.cfg.VarIn)
	for i := range c.pvs {
		c.pvs[i] = b.float(hal.Out, "%s.PV.%d", prefix, i)
	}

	c.outs = make([]*hal.Bit, c.cfg.DigitalOutputs)
	for bit := range c.outs {
		c.outs[bit] = b.bit(hal.In, "%s.output.%d", prefix, bit)
	}
	c.ins = make([]*hal.Bit, c.cfg.DigitalInputs)
	c.insNot = make([]*hal.Bit, c.cfg.DigitalInputs)
	for bit := range c.ins {
		c.ins[bit] = b.bit(hal.Out, "%s.input.%d", prefix, bit)
		c.insNot[bit] = b.bit(hal.Out, "%s.input.%d-not", prefix, bit)
	}

	return b.err
}

// UpdateFreq runs the per-joint control law for one tick of the given
// nominal period in nanoseconds, then writes the resulting frequency
// and the possibly clamped parameters back to the pins.
func (c *Component) UpdateFreq(period int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen.BeginTick(period)
	for n := range c.joints {
		jp := &c.joints[n]
		cmd := stepgen.Command{
			PosCmd:   jp.posCmd.Get(),
			PosFB:    jp.posFB.Get(),
			Scale:    jp.scale.Get(),
			MaxVel:   jp.maxVel.Get(),
			MaxAccel: jp.maxAccel.Get(),
			PGain:    jp.pgain.Get(),
			FF1Gain:  jp.ff1gain.Get(),
			Deadband: jp.deadband.Get(),
			Enable:   jp.enable.Get(),
		}
		if jp.velCmd != nil {
			cmd.VelCmd = jp.velCmd.Get()
		}
		res := c.gen.UpdateJoint(n, cmd)
		jp.freqCmd.Set(res.Freq)
		jp.scale.Set(res.Scale)
		jp.maxVel.Set(res.MaxVel)
		jp.maxAccel.Set(res.MaxAccel)
	}
}

// Write assembles the outbound command packet from the pins and, when
// the link is up, exchanges it. The packet is rebuilt even while the
// link is down so the first exchange after a restart carries live
// values. The board's response to a write is not decoded; feedback is
// the read tick's job.
func (c *Component) Write() {
	c.mu.Lock()
	defer c.mu.Unlock()

	protocol.PutHeader(c.tx, protocol.HeaderWrite)
	for n := range c.joints {
		c.layout.SetFreqCmd(c.tx, n, protocol.FreqDivisor(c.cfg.Oscillator, c.gen.Joint(n).Freq()))
		c.layout.SetJointEnable(c.tx, n, c.joints[n].enable.Get())
	}
	for i, ch := range c.cfg.Outputs {
		c.layout.SetSetPoint(c.tx, i, ch.Encode(c.cfg.Oscillator, c.sps[i].Get()))
	}
	for bit := range c.outs {
		c.layout.SetOutput(c.tx, bit, c.outs[bit].Get())
	}

	if !c.ln.GateWrite() {
		return
	}
	if err := c.tr.Exchange(c.tx, c.rx); err != nil {
		c.ln.Fail(err)
		c.spiStatus.Set(c.ln.Status())
		c.rm.RecordExchange(metrics.ExchangeTransport)
		return
	}
	c.rm.RecordExchange(metrics.ExchangeOK)
}

// Read runs the handshake for one tick and decodes feedback. The
// outbound buffer keeps the payload of the last write; only its header
// is retagged, so the board sees consistent commands on every
// exchange. Inbound data is applied to pins only when the response
// carries the valid data tag, never from an e-stop or corrupt frame.
func (c *Component) Read() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.reset != nil {
		if err := c.reset.SetReset(c.pruReset.Get()); err != nil {
			c.log.WithError(err).Warn("reset line update failed")
		}
	}

	if c.ln.GateRead(c.spiEnable.Get(), c.spiReset.Get()) {
		protocol.PutHeader(c.tx, protocol.HeaderRead)
		if err := c.tr.Exchange(c.tx, c.rx); err != nil {
			c.ln.Fail(err)
			c.rm.RecordExchange(metrics.ExchangeTransport)
		} else {
			header := protocol.Header(c.rx)
			c.ln.ApplyHeader(header)
			switch header {
			case protocol.HeaderData:
				c.decodeFeedback()
				c.rm.RecordExchange(metrics.ExchangeOK)
			case protocol.HeaderEStop:
				c.rm.RecordExchange(metrics.ExchangeEStop)
			default:
				c.rm.RecordExchange(metrics.ExchangeCorrupt)
			}
		}
	}

	c.spiStatus.Set(c.ln.Status())
	c.rm.SetLinkState(int(c.ln.State()))
}

func (c *Component) decodeFeedback() {
	for n := range c.joints {
		fb := c.gen.Joint(n).ApplyFeedback(c.layout.Feedback(c.rx, n))
		jp := &c.joints[n]
		jp.posFB.Set(fb.Position)
		if fb.HasCounts {
			jp.counts.Set(int32(fb.Counts))
		}
	}
	for i := range c.pvs {
		c.pvs[i].Set(float64(c.layout.ProcessValue(c.rx, i)))
	}
	for bit := range c.ins {
		on := c.layout.Input(c.rx, bit)
		c.ins[bit].Set(on)
		c.insNot[bit].Set(!on)
	}
}

// EStop drops the link enable pin. The next read tick tears the link
// down; the board's own watchdog stops motion once exchanges cease.
func (c *Component) EStop() {
	c.log.Warn("e-stop requested, dropping link enable")
	c.spiEnable.Set(false)
}

// PublishMetrics pushes the pin surface into the metrics gauges. Meant
// to be called once per tick after Read, or at any slower cadence.
func (c *Component) PublishMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rm.SetLinkState(int(c.ln.State()))
	for n := range c.joints {
		jp := &c.joints[n]
		c.rm.SetJointStatus(n, jp.freqCmd.Get(), jp.posFB.Get(), jp.enable.Get())
	}
	for i := range c.sps {
		c.rm.SetSetpoint(i, c.sps[i].Get())
	}
	for i := range c.pvs {
		c.rm.SetProcessValue(i, c.pvs[i].Get())
	}
	for bit := range c.outs {
		c.rm.SetDigitalOutput(bit, c.outs[bit].Get())
	}
	for bit := range c.ins {
		c.rm.SetDigitalInput(bit, c.ins[bit].Get())
	}
}

// JointStatus is one joint's live state as seen by observers.
type JointStatus struct {
	Enabled  bool    `json:"enabled"`
	PosCmd   float64 `json:"pos_cmd"`
	VelCmd   float64 `json:"vel_cmd"`
	FreqCmd  float64 `json:"freq_cmd"`
	PosFB    float64 `json:"pos_fb"`
	Counts   int32   `json:"counts"`
	Scale    float64 `json:"scale"`
	MaxVel   float64 `json:"maxvel"`
	MaxAccel float64 `json:"maxaccel"`
}

// Status is a point-in-time snapshot of the whole component, shaped
// for JSON consumers.
type Status struct {
	LinkState   string        `json:"link_state"`
	LinkOK      bool          `json:"link_ok"`
	FaultReason string        `json:"fault_reason,omitempty"`
	SPIEnable   bool          `json:"spi_enable"`
	SPIReset    bool          `json:"spi_reset"`
	PRUReset    bool          `json:"pru_reset"`
	Joints      []JointStatus `json:"joints"`
	Setpoints   []float64     `json:"setpoints"`
	ProcessVals []float64     `json:"process_values"`
	Outputs     []bool        `json:"outputs"`
	Inputs      []bool        `json:"inputs"`
}

// Status snapshots the component. Safe to call from any goroutine.
func (c *Component) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		LinkState:   c.ln.State().String(),
		LinkOK:      c.ln.Status(),
		FaultReason: c.ln.FaultReason(),
		SPIEnable:   c.spiEnable.Get(),
		SPIReset:    c.spiReset.Get(),
		PRUReset:    c.pruReset.Get(),
		Joints:      make([]JointStatus, len(c.joints)),
		Setpoints:   make([]float64, len(c.sps)),
		ProcessVals: make([]float64, len(c.pvs)),
		Outputs:     make([]bool, len(c.outs)),
		Inputs:      make([]bool, len(c.ins)),
	}
	for n := range c.joints {
		jp := &c.joints[n]
		js := JointStatus{
			Enabled:  jp.enable.Get(),
			PosCmd:   jp.posCmd.Get(),
			FreqCmd:  jp.freqCmd.Get(),
			PosFB:    jp.posFB.Get(),
			Counts:   jp.counts.Get(),
			Scale:    jp.scale.Get(),
			MaxVel:   jp.maxVel.Get(),
			MaxAccel: jp.maxAccel.Get(),
		}
		if jp.velCmd != nil {
			js.VelCmd = jp.velCmd.Get()
		}
		st.Joints[n] = js
	}
	for i := range c.sps {
		st.Setpoints[i] = c.sps[i].Get()
	}
	for i := range c.pvs {
		st.ProcessVals[i] = c.pvs[i].Get()
	}
	for bit := range c.outs {
		st.Outputs[bit] = c.outs[bit].Get()
	}
	for bit := range c.ins {
		st.Inputs[bit] = c.ins[bit].Get()
	}
	return st
}

// Info describes the fixed board geometry.
type Info struct {
	Prefix     string  `json:"prefix"`
	Oscillator float64 `json:"oscillator_hz"`
	BaseFreq   float64 `json:"base_freq_hz"`
	Joints     int     `json:"joints"`
	VarOut     int     `json:"variable_outputs"`
	VarIn      int     `json:"variable_inputs"`
	DigitalOut int     `json:"digital_outputs"`
	DigitalIn  int     `json:"digital_inputs"`
	TxBytes    int     `json:"tx_bytes"`
	RxBytes    int     `json:"rx_bytes"`
}

// Info returns the component's geometry.
func (c *Component) Info() Info {
	return Info{
		Prefix:     c.cfg.Prefix,
		Oscillator: c.cfg.Oscillator,
		BaseFreq:   c.cfg.BaseFreq,
		Joints:     len(c.cfg.Joints),
		VarOut:     len(c.cfg.Outputs),
		VarIn:      c.cfg.VarIn,
		DigitalOut: c.cfg.DigitalOutputs,
		DigitalIn:  c.cfg.DigitalInputs,
		TxBytes:    c.layout.TxSize(),
		RxBytes:    c.layout.RxSize(),
	}
}

// Registry returns the pin registry the component exported into.
func (c *Component) Registry() *hal.Registry { return c.reg }

// Layout returns the derived packet layout.
func (c *Component) Layout() protocol.Layout { return c.layout }

// LinkState returns the current handshake state.
func (c *Component) LinkState() link.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ln.State()
}
