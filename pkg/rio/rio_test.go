package rio

import (
	"io"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/festlv/LinuxCNC-RIO/pkg/hal"
	"github.com/festlv/LinuxCNC-RIO/pkg/link"
	"github.com/festlv/LinuxCNC-RIO/pkg/log"
	"github.com/festlv/LinuxCNC-RIO/pkg/protocol"
	"github.com/festlv/LinuxCNC-RIO/pkg/riosim"
	"github.com/festlv/LinuxCNC-RIO/pkg/stepgen"
	"github.com/festlv/LinuxCNC-RIO/pkg/vout"
)

const tickPeriod = int64(time.Millisecond)

func testJoint(mode stepgen.ControlMode, fb stepgen.FeedbackType) JointConfig {
	return JointConfig{JointConfig: stepgen.JointConfig{Mode: mode, FbType: fb}}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Joints = []JointConfig{testJoint(stepgen.Position, stepgen.Incremental)}
	cfg.Outputs = []vout.Channel{{Law: vout.PWM, Freq: 1000}}
	cfg.VarIn = 1
	cfg.DigitalOutputs = 4
	cfg.DigitalInputs = 4
	return cfg
}

func newTestComponent(t *testing.T, cfg Config, simCfg riosim.Config) (*Component, *riosim.Simulator) {
	t.Helper()
	layout := protocol.NewLayout(len(cfg.Joints), len(cfg.Outputs), cfg.VarIn, cfg.DigitalOutputs, cfg.DigitalInputs)
	sim := riosim.New(layout, simCfg)

	logger := log.New("rio-test")
	logger.SetWriter(io.Discard)

	comp, err := New(cfg, hal.NewRegistry(), sim, WithLogger(logger))
	require.NoError(t, err)
	return comp, sim
}

func bitPin(t *testing.T, comp *Component, name string) *hal.Bit {
	t.Helper()
	p, ok := comp.Registry().Get(name)
	require.True(t, ok, "pin %s not registered", name)
	b, ok := p.(*hal.Bit)
	require.True(t, ok, "pin %s is not a bit", name)
	return b
}

func floatPin(t *testing.T, comp *Component, name string) *hal.Float {
	t.Helper()
	p, ok := comp.Registry().Get(name)
	require.True(t, ok, "pin %s not registered", name)
	f, ok := p.(*hal.Float)
	require.True(t, ok, "pin %s is not a float", name)
	return f
}

func s32Pin(t *testing.T, comp *Component, name string) *hal.S32 {
	t.Helper()
	p, ok := comp.Registry().Get(name)
	require.True(t, ok, "pin %s not registered", name)
	s, ok := p.(*hal.S32)
	require.True(t, ok, "pin %s is not an s32", name)
	return s
}

// startLink raises enable and reset and runs one read tick, which is
// all it takes for the first exchange to happen.
func startLink(t *testing.T, comp *Component) {
	t.Helper()
	bitPin(t, comp, "rio.SPI-enable").Set(true)
	bitPin(t, comp, "rio.SPI-reset").Set(true)
	comp.Read()
	require.Equal(t, link.Active, comp.LinkState())
}

func tick(comp *Component) {
	comp.Read()
	comp.UpdateFreq(tickPeriod)
	comp.Write()
}

func TestPinSurface(t *testing.T) {
	cfg := testConfig()
	cfg.Joints = []JointConfig{
		testJoint(stepgen.Position, stepgen.Incremental),
		testJoint(stepgen.Velocity, stepgen.Absolute),
	}
	comp, _ := newTestComponent(t, cfg, riosim.Config{})
	reg := comp.Registry()

	for _, name := range []string{
		"rio.SPI-enable", "rio.SPI-reset", "rio.SPI-status", "rio.PRU-reset",
		"rio.joint.0.enable", "rio.joint.0.pos-cmd", "rio.joint.0.freq-cmd",
		"rio.joint.0.pos-fb", "rio.joint.0.counts", "rio.joint.0.scale",
		"rio.joint.0.maxvel", "rio.joint.0.maxaccel", "rio.joint.0.pgain",
		"rio.joint.0.ff1gain", "rio.joint.0.deadband",
		"rio.joint.1.vel-cmd",
		"rio.SP.0", "rio.PV.0",
		"rio.output.0", "rio.output.3",
		"rio.input.0", "rio.input.0-not", "rio.input.3", "rio.input.3-not",
	} {
		_, ok := reg.Get(name)
		require.True(t, ok, "missing pin %s", name)
	}

	// Position joints do not get a velocity command pin.
	_, ok := reg.Get("rio.joint.0.vel-cmd")
	require.False(t, ok)

	status, _ := reg.Get("rio.SPI-status")
	require.Equal(t, hal.Out, status.Dir())
	scale, _ := reg.Get("rio.joint.0.scale")
	require.Equal(t, hal.RW, scale.Dir())
	require.Equal(t, 1.0, floatPin(t, comp, "rio.joint.0.scale").Get())
	require.Equal(t, 1.0, floatPin(t, comp, "rio.joint.1.scale").Get())
}

func TestJointPinSeeding(t *testing.T) {
	cfg := testConfig()
	cfg.Joints = []JointConfig{
		{
			JointConfig: stepgen.JointConfig{Mode: stepgen.Position, FbType: stepgen.Incremental},
			Scale:       1600,
			MaxVel:      50,
			MaxAccel:    600,
			PGain:       100,
			FF1Gain:     1.2,
			Deadband:    0.0005,
		},
		testJoint(stepgen.Position, stepgen.Incremental),
	}
	comp, _ := newTestComponent(t, cfg, riosim.Config{})

	require.Equal(t, 1600.0, floatPin(t, comp, "rio.joint.0.scale").Get())
	require.Equal(t, 50.0, floatPin(t, comp, "rio.joint.0.maxvel").Get())
	require.Equal(t, 600.0, floatPin(t, comp, "rio.joint.0.maxaccel").Get())
	require.Equal(t, 100.0, floatPin(t, comp, "rio.joint.0.pgain").Get())
	require.Equal(t, 1.2, floatPin(t, comp, "rio.joint.0.ff1gain").Get())
	require.Equal(t, 0.0005, floatPin(t, comp, "rio.joint.0.deadband").Get())

	// An unconfigured joint keeps the neutral defaults.
	require.Equal(t, 1.0, floatPin(t, comp, "rio.joint.1.scale").Get())
	require.Equal(t, 0.0, floatPin(t, comp, "rio.joint.1.maxvel").Get())
	require.Equal(t, 0.0, floatPin(t, comp, "rio.joint.1.pgain").Get())
}

func TestConfigValidation(t *testing.T) {
	logger := log.New("rio-test")
	logger.SetWriter(io.Discard)

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero oscillator", func(c *Config) { c.Oscillator = 0 }},
		{"zero base freq", func(c *Config) { c.BaseFreq = 0 }},
		{"negative var in", func(c *Config) { c.VarIn = -1 }},
		{"negative digital out", func(c *Config) { c.DigitalOutputs = -2 }},
		{"bad output law", func(c *Config) { c.Outputs = []vout.Channel{{Law: vout.Law(9)}} }},
		{"pwm without freq", func(c *Config) { c.Outputs = []vout.Channel{{Law: vout.PWM}} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			tc.mutate(&cfg)
			_, err := New(cfg, hal.NewRegistry(), riosim.New(protocol.NewLayout(1, 1, 1, 4, 4), riosim.Config{}), WithLogger(logger))
			require.ErrorIs(t, err, ErrBadConfig)
		})
	}

	// Two components cannot share a registry under the same prefix.
	cfg := testConfig()
	reg := hal.NewRegistry()
	sim := riosim.New(protocol.NewLayout(1, 1, 1, 4, 4), riosim.Config{})
	_, err := New(cfg, reg, sim, WithLogger(logger))
	require.NoError(t, err)
	_, err = New(cfg, reg, sim, WithLogger(logger))
	require.ErrorIs(t, err, hal.ErrDuplicatePin)
}

func TestLinkStartSequence(t *testing.T) {
	comp, sim := newTestComponent(t, testConfig(), riosim.Config{})

	// Disabled: nothing moves.
	tick(comp)
	require.Zero(t, sim.Reads())
	require.Zero(t, sim.Writes())
	require.False(t, bitPin(t, comp, "rio.SPI-status").Get())
	require.Equal(t, link.Disabled, comp.LinkState())

	// Enabled but no reset edge yet: armed, still no exchange.
	bitPin(t, comp, "rio.SPI-enable").Set(true)
	comp.Read()
	require.Zero(t, sim.Reads())
	require.Equal(t, link.Armed, comp.LinkState())

	// Reset rising edge starts the link.
	bitPin(t, comp, "rio.SPI-reset").Set(true)
	comp.Read()
	require.Equal(t, 1, sim.Reads())
	require.True(t, bitPin(t, comp, "rio.SPI-status").Get())
	require.Equal(t, link.Active, comp.LinkState())

	// With the link up, writes exchange and reads repeat without
	// further edges.
	comp.Write()
	require.Equal(t, 1, sim.Writes())
	tick(comp)
	require.Equal(t, 2, sim.Reads())
	require.Equal(t, 2, sim.Writes())
}

func TestWriteRequiresActiveLink(t *testing.T) {
	comp, sim := newTestComponent(t, testConfig(), riosim.Config{})

	bitPin(t, comp, "rio.joint.0.enable").Set(true)
	floatPin(t, comp, "rio.joint.0.pos-cmd").Set(5.0)
	comp.UpdateFreq(tickPeriod)
	comp.Write()
	require.Zero(t, sim.Writes())

	// Enable alone is not enough: the read tick has to bring the link
	// up first.
	bitPin(t, comp, "rio.SPI-enable").Set(true)
	comp.Write()
	require.Zero(t, sim.Writes())
}

func TestPositionRoundTrip(t *testing.T) {
	comp, sim := newTestComponent(t, testConfig(), riosim.Config{})
	startLink(t, comp)

	bitPin(t, comp, "rio.joint.0.enable").Set(true)
	floatPin(t, comp, "rio.joint.0.scale").Set(1000)
	floatPin(t, comp, "rio.joint.0.maxvel").Set(100)
	floatPin(t, comp, "rio.joint.0.pgain").Set(100)
	floatPin(t, comp, "rio.joint.0.pos-cmd").Set(1.0)

	for i := 0; i < 200; i++ {
		tick(comp)
	}

	posFB := floatPin(t, comp, "rio.joint.0.pos-fb").Get()
	require.InDelta(t, 1.0, posFB, 0.005, "position should settle at the command")

	counts := s32Pin(t, comp, "rio.joint.0.counts").Get()
	require.InDelta(t, 1000, float64(counts), 5)

	// Settled inside the deadband the commanded frequency collapses
	// to zero.
	require.InDelta(t, 0, floatPin(t, comp, "rio.joint.0.freq-cmd").Get(), 150)
	require.Greater(t, sim.Writes(), 100)
}

func TestVelocityPassThrough(t *testing.T) {
	cfg := testConfig()
	cfg.Joints = []JointConfig{testJoint(stepgen.Velocity, stepgen.Incremental)}
	comp, sim := newTestComponent(t, cfg, riosim.Config{})
	startLink(t, comp)

	bitPin(t, comp, "rio.joint.0.enable").Set(true)
	floatPin(t, comp, "rio.joint.0.scale").Set(100)
	floatPin(t, comp, "rio.joint.0.maxvel").Set(1000)
	floatPin(t, comp, "rio.joint.0.vel-cmd").Set(2.5)

	for i := 0; i < 41; i++ {
		tick(comp)
	}

	// 2.5 units/s at 100 counts/unit is 250 Hz; the divisor round
	// trip reproduces it exactly.
	require.Equal(t, 250.0, floatPin(t, comp, "rio.joint.0.freq-cmd").Get())
	require.Equal(t, 250.0, sim.Frequency(0))

	// The read of tick N sees the first N-1 writes: 40 writes at
	// 0.25 counts each.
	require.Equal(t, int32(10), s32Pin(t, comp, "rio.joint.0.counts").Get())
	require.InDelta(t, 10.5/100.0, floatPin(t, comp, "rio.joint.0.pos-fb").Get(), 1e-9)
}

func TestJointEnableIsPerJoint(t *testing.T) {
	cfg := testConfig()
	cfg.Joints = []JointConfig{
		testJoint(stepgen.Position, stepgen.Incremental),
		testJoint(stepgen.Position, stepgen.Incremental),
	}
	comp, sim := newTestComponent(t, cfg, riosim.Config{})
	startLink(t, comp)

	for _, n := range []string{"0", "1"} {
		floatPin(t, comp, "rio.joint."+n+".scale").Set(1000)
		floatPin(t, comp, "rio.joint."+n+".maxvel").Set(100)
		floatPin(t, comp, "rio.joint."+n+".pgain").Set(100)
		floatPin(t, comp, "rio.joint."+n+".pos-cmd").Set(1.0)
	}
	bitPin(t, comp, "rio.joint.0.enable").Set(true)

	for i := 0; i < 50; i++ {
		tick(comp)
	}

	require.Greater(t, floatPin(t, comp, "rio.joint.0.pos-fb").Get(), 0.5)
	require.Zero(t, s32Pin(t, comp, "rio.joint.1.counts").Get())
	require.Zero(t, sim.Frequency(1))
	require.Equal(t, 0.0, floatPin(t, comp, "rio.joint.1.freq-cmd").Get())
}

func TestEStopPreservesFeedback(t *testing.T) {
	comp, sim := newTestComponent(t, testConfig(), riosim.Config{})
	startLink(t, comp)

	bitPin(t, comp, "rio.joint.0.enable").Set(true)
	floatPin(t, comp, "rio.joint.0.scale").Set(1000)
	floatPin(t, comp, "rio.joint.0.maxvel").Set(100)
	floatPin(t, comp, "rio.joint.0.pgain").Set(100)
	floatPin(t, comp, "rio.joint.0.pos-cmd").Set(1.0)
	for i := 0; i < 50; i++ {
		tick(comp)
	}

	posFB := floatPin(t, comp, "rio.joint.0.pos-fb").Get()
	counts := s32Pin(t, comp, "rio.joint.0.counts").Get()
	require.Greater(t, posFB, 0.5)

	sim.InjectEStop(true)
	writesBefore := sim.Writes()
	tick(comp)

	require.Equal(t, link.Fault, comp.LinkState())
	require.Equal(t, "estop", comp.Status().FaultReason)
	require.False(t, bitPin(t, comp, "rio.SPI-status").Get())

	// The axis pins keep their last good values.
	require.Equal(t, posFB, floatPin(t, comp, "rio.joint.0.pos-fb").Get())
	require.Equal(t, counts, s32Pin(t, comp, "rio.joint.0.counts").Get())

	// The write tick of the faulted cycle is gated off, and without a
	// new reset edge nothing is attempted again.
	require.Equal(t, writesBefore, sim.Writes())
	readsAfter := sim.Reads()
	tick(comp)
	tick(comp)
	require.Equal(t, readsAfter, sim.Reads())
	require.Equal(t, writesBefore, sim.Writes())
}

func TestResetPulseReArmsOnce(t *testing.T) {
	comp, sim := newTestComponent(t, testConfig(), riosim.Config{})
	startLink(t, comp)

	sim.InjectCorrupt(10)
	tick(comp)
	require.Equal(t, link.Fault, comp.LinkState())
	require.Equal(t, "bad header", comp.Status().FaultReason)

	// Reset is still held high from the start sequence: no edge, no
	// attempts.
	base := sim.Reads()
	for i := 0; i < 3; i++ {
		tick(comp)
	}
	require.Equal(t, base, sim.Reads())

	// One pulse buys exactly one attempt while the board stays broken.
	bitPin(t, comp, "rio.SPI-reset").Set(false)
	comp.Read()
	bitPin(t, comp, "rio.SPI-reset").Set(true)
	comp.Read()
	require.Equal(t, base+1, sim.Reads())
	for i := 0; i < 3; i++ {
		tick(comp)
	}
	require.Equal(t, base+1, sim.Reads())

	// Once the board responds with data again, a pulse brings the
	// link all the way back.
	sim.InjectCorrupt(0)
	bitPin(t, comp, "rio.SPI-reset").Set(false)
	comp.Read()
	bitPin(t, comp, "rio.SPI-reset").Set(true)
	comp.Read()
	require.Equal(t, link.Active, comp.LinkState())
	require.True(t, bitPin(t, comp, "rio.SPI-status").Get())
}

func TestInputsApplyOnlyOnValidData(t *testing.T) {
	comp, sim := newTestComponent(t, testConfig(), riosim.Config{})
	startLink(t, comp)

	sim.SetInput(2, true)
	tick(comp)
	require.True(t, bitPin(t, comp, "rio.input.2").Get())
	require.False(t, bitPin(t, comp, "rio.input.2-not").Get())

	// A corrupt frame must not half-apply the new input state.
	sim.SetInput(2, false)
	sim.InjectCorrupt(1)
	comp.Read()
	require.Equal(t, link.Fault, comp.LinkState())
	require.True(t, bitPin(t, comp, "rio.input.2").Get())
	require.False(t, bitPin(t, comp, "rio.input.2-not").Get())

	// After re-arming, the next valid frame carries the change.
	bitPin(t, comp, "rio.SPI-reset").Set(false)
	comp.Read()
	bitPin(t, comp, "rio.SPI-reset").Set(true)
	comp.Read()
	require.Equal(t, link.Active, comp.LinkState())
	require.False(t, bitPin(t, comp, "rio.input.2").Get())
	require.True(t, bitPin(t, comp, "rio.input.2-not").Get())
}

func TestSetpointRoundTrip(t *testing.T) {
	comp, _ := newTestComponent(t, testConfig(), riosim.Config{})
	startLink(t, comp)

	// PWM law at 1 kHz on a 16 MHz oscillator: 50% is 8000 ticks; the
	// simulator echoes raw ticks into the process value.
	floatPin(t, comp, "rio.SP.0").Set(50)
	tick(comp)
	tick(comp)
	require.Equal(t, 8000.0, floatPin(t, comp, "rio.PV.0").Get())
}

func TestDigitalOutputs(t *testing.T) {
	comp, sim := newTestComponent(t, testConfig(), riosim.Config{})
	startLink(t, comp)

	bitPin(t, comp, "rio.output.1").Set(true)
	bitPin(t, comp, "rio.output.3").Set(true)
	tick(comp)

	require.False(t, sim.Output(0))
	require.True(t, sim.Output(1))
	require.False(t, sim.Output(2))
	require.True(t, sim.Output(3))
}

func TestDigitalLoopback(t *testing.T) {
	comp, _ := newTestComponent(t, testConfig(), riosim.Config{Loopback: true})
	startLink(t, comp)

	bitPin(t, comp, "rio.output.2").Set(true)
	tick(comp)
	tick(comp)
	require.True(t, bitPin(t, comp, "rio.input.2").Get())
	require.False(t, bitPin(t, comp, "rio.input.2-not").Get())
}

func TestResetRequestMirroredToTransport(t *testing.T) {
	comp, sim := newTestComponent(t, testConfig(), riosim.Config{})

	// The reset line follows the pin even while the link is down.
	bitPin(t, comp, "rio.PRU-reset").Set(true)
	comp.Read()
	require.True(t, sim.ResetLevel())

	bitPin(t, comp, "rio.PRU-reset").Set(false)
	comp.Read()
	require.False(t, sim.ResetLevel())
}

func TestTransportFailureFaultsLink(t *testing.T) {
	comp, sim := newTestComponent(t, testConfig(), riosim.Config{})
	startLink(t, comp)

	require.NoError(t, sim.Close())
	tick(comp)

	require.Equal(t, link.Fault, comp.LinkState())
	require.Equal(t, "transport", comp.Status().FaultReason)
	require.False(t, bitPin(t, comp, "rio.SPI-status").Get())
}

func TestEStopDropsEnable(t *testing.T) {
	comp, _ := newTestComponent(t, testConfig(), riosim.Config{})
	startLink(t, comp)

	comp.EStop()
	require.False(t, bitPin(t, comp, "rio.SPI-enable").Get())
	comp.Read()
	require.Equal(t, link.Disabled, comp.LinkState())
	require.False(t, bitPin(t, comp, "rio.SPI-status").Get())
}

func TestStatusSnapshot(t *testing.T) {
	cfg := testConfig()
	cfg.Joints = []JointConfig{
		testJoint(stepgen.Position, stepgen.Incremental),
		testJoint(stepgen.Velocity, stepgen.Incremental),
	}
	comp, _ := newTestComponent(t, cfg, riosim.Config{})
	startLink(t, comp)

	floatPin(t, comp, "rio.joint.1.vel-cmd").Set(1.25)
	floatPin(t, comp, "rio.SP.0").Set(42)
	bitPin(t, comp, "rio.output.0").Set(true)

	st := comp.Status()
	require.Equal(t, "active", st.LinkState)
	require.True(t, st.LinkOK)
	require.Empty(t, st.FaultReason)
	require.True(t, st.SPIEnable)
	require.Len(t, st.Joints, 2)
	require.Equal(t, 1.25, st.Joints[1].VelCmd)
	require.Equal(t, []float64{42}, st.Setpoints)
	require.Equal(t, []bool{true, false, false, false}, st.Outputs)
	require.Len(t, st.Inputs, 4)
}

func TestInfoGeometry(t *testing.T) {
	cfg := testConfig()
	comp, _ := newTestComponent(t, cfg, riosim.Config{})

	layout := protocol.NewLayout(1, 1, 1, 4, 4)
	info := comp.Info()
	require.Equal(t, "rio", info.Prefix)
	require.Equal(t, 16000000.0, info.Oscillator)
	require.Equal(t, 320000.0, info.BaseFreq)
	require.Equal(t, 1, info.Joints)
	require.Equal(t, layout.TxSize(), info.TxBytes)
	require.Equal(t, layout.RxSize(), info.RxBytes)
}

func TestFrequencyCeilingOnWire(t *testing.T) {
	comp, sim := newTestComponent(t, testConfig(), riosim.Config{})
	startLink(t, comp)

	// An absurd velocity request is clamped to baseFreq/2 before it
	// reaches the wire.
	bitPin(t, comp, "rio.joint.0.enable").Set(true)
	floatPin(t, comp, "rio.joint.0.scale").Set(1000)
	floatPin(t, comp, "rio.joint.0.maxvel").Set(1e9)
	floatPin(t, comp, "rio.joint.0.pgain").Set(1e6)
	floatPin(t, comp, "rio.joint.0.pos-cmd").Set(1000)

	tick(comp)
	require.LessOrEqual(t, sim.Frequency(0), 160000.0)
	require.LessOrEqual(t, math.Abs(floatPin(t, comp, "rio.joint.0.freq-cmd").Get()), 160000.0)
}
