package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/festlv/LinuxCNC-RIO/pkg/stepgen"
	"github.com/festlv/LinuxCNC-RIO/pkg/vout"
)

const fullProfile = `
machine: "bx-mill"
prefix: rio

link:
  transport: spi
  device: /dev/spidev0.1
  speed_hz: 1562500
  cs_pin: -1
  reset_pin: 24

hardware:
  oscillator_hz: 32000000
  base_freq_hz: 640000

servo:
  period_us: 500

joints:
  - type: position
    feedback: incremental
    scale: 1600
    maxvel: 50
    maxaccel: 800
    pgain: 120
  - type: velocity
    feedback: absolute
    feedback_divisor: 4
    scale: 200

outputs:
  - law: pwm
    freq_hz: 5000
  - law: rcservo
  - law: linear
    min: -10
    max: 10

variable_inputs: 2
digital_outputs: 8
digital_inputs: 16

api:
  listen: ":8081"
  ws_interval_ms: 100

metrics:
  listen: ":9191"
  username: rio
  password: secret

telemetry:
  broker: tcp://broker.local:1883
  prefix: shop
  interval_ms: 2000

vfd:
  endpoint: /dev/ttyUSB0
  mode: rtu
  slave_id: 3
  baud: 19200
  rpm_register: 0x2000
  status_register: 0x2103
  run_coil: 1
  direction_coil: 2
  rpm_scale: 0.1
  max_rpm: 24000
  poll_ticks: 50

log:
  level: debug
  format: json
`

func TestParseFullProfile(t *testing.T) {
	cfg, err := Parse([]byte(fullProfile))
	require.NoError(t, err)

	require.Equal(t, "bx-mill", cfg.Machine)
	require.Equal(t, "spi", cfg.Link.Transport)
	require.Equal(t, "/dev/spidev0.1", cfg.Link.Device)
	require.Equal(t, uint32(1562500), cfg.Link.SpeedHz)
	require.NotNil(t, cfg.Link.CSPin)
	require.Equal(t, -1, *cfg.Link.CSPin)
	require.NotNil(t, cfg.Link.ResetPin)
	require.Equal(t, 24, *cfg.Link.ResetPin)

	require.Equal(t, 32000000.0, cfg.Hardware.OscillatorHz)
	require.Equal(t, 640000.0, cfg.Hardware.BaseFreqHz)
	require.Equal(t, 500*time.Microsecond, cfg.Period())

	require.Len(t, cfg.Joints, 2)
	require.Equal(t, int32(4), cfg.Joints[1].FeedbackDivisor)
	require.Equal(t, 1600.0, cfg.Joints[0].Scale)

	require.Len(t, cfg.Outputs, 3)
	require.Equal(t, 5000.0, cfg.Outputs[0].FreqHz)

	require.Equal(t, 2, cfg.VariableInputs)
	require.Equal(t, 8, cfg.DigitalOutputs)
	require.Equal(t, 16, cfg.DigitalInputs)

	require.Equal(t, ":8081", cfg.API.Listen)
	require.Equal(t, "rio", cfg.Metrics.Username)
	require.Equal(t, "tcp://broker.local:1883", cfg.Telemetry.Broker)
	require.Equal(t, byte(3), cfg.VFD.SlaveID)
	require.Equal(t, uint16(0x2000), cfg.VFD.RPMRegister)
	require.Equal(t, uint16(0x2103), cfg.VFD.StatusRegister)
	require.Equal(t, 0.1, cfg.VFD.RPMScale)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "json", cfg.Log.Format)
}

func TestDefaults(t *testing.T) {
	cfg, err := Parse([]byte("joints:\n  - type: position\n"))
	require.NoError(t, err)

	require.Equal(t, "rio", cfg.Machine)
	require.Equal(t, "rio", cfg.Prefix)

	require.Equal(t, "spi", cfg.Link.Transport)
	require.Equal(t, "/dev/spidev0.0", cfg.Link.Device)
	require.Equal(t, uint32(3125000), cfg.Link.SpeedHz)
	require.NotNil(t, cfg.Link.CSPin)
	require.Equal(t, 7, *cfg.Link.CSPin)
	require.NotNil(t, cfg.Link.ResetPin)
	require.Equal(t, 25, *cfg.Link.ResetPin)

	require.Equal(t, 16000000.0, cfg.Hardware.OscillatorHz)
	require.Equal(t, 320000.0, cfg.Hardware.BaseFreqHz)
	require.Equal(t, time.Millisecond, cfg.Period())

	require.Equal(t, int32(1), cfg.Joints[0].FeedbackDivisor)
	require.Equal(t, 1.0, cfg.Joints[0].Scale)

	require.Equal(t, ":8080", cfg.API.Listen)
	require.Equal(t, 250, cfg.API.WSIntervalMS)
	require.Equal(t, ":9090", cfg.Metrics.Listen)
	require.Equal(t, "rio", cfg.Telemetry.Prefix)
	require.Equal(t, 1000, cfg.Telemetry.IntervalMS)
	require.Equal(t, "rtu", cfg.VFD.Mode)
	require.Equal(t, byte(1), cfg.VFD.SlaveID)
	require.Equal(t, 9600, cfg.VFD.Baud)
	require.Equal(t, 1.0, cfg.VFD.RPMScale)
	require.Equal(t, 100, cfg.VFD.PollTicks)
	require.Equal(t, "info", cfg.Log.Level)
	require.Equal(t, "text", cfg.Log.Format)
}

func TestUARTDefaults(t *testing.T) {
	cfg, err := Parse([]byte("link:\n  transport: uart\n"))
	require.NoError(t, err)
	require.Equal(t, "/dev/ttyAMA0", cfg.Link.Device)
	require.Equal(t, 1000000, cfg.Link.Baud)
	// SPI GPIO defaults stay unset for other transports.
	require.Nil(t, cfg.Link.CSPin)
}

func TestSocketDefaults(t *testing.T) {
	cfg, err := Parse([]byte("link:\n  transport: socket\n"))
	require.NoError(t, err)
	require.Equal(t, "/tmp/rio_sim", cfg.Link.SocketPath)
}

func TestValidationErrors(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"bad transport", "link:\n  transport: carrier-pigeon\n"},
		{"bad joint type", "joints:\n  - type: torque\n"},
		{"bad feedback", "joints:\n  - feedback: quadrature\n"},
		{"negative divisor", "joints:\n  - feedback_divisor: -2\n"},
		{"missing law", "outputs:\n  - freq_hz: 100\n"},
		{"unknown law", "outputs:\n  - law: cubic\n"},
		{"pwm without freq", "outputs:\n  - law: pwm\n"},
		{"sine without freq", "outputs:\n  - law: sine\n"},
		{"linear degenerate", "outputs:\n  - law: linear\n    min: 5\n    max: 5\n"},
		{"negative inputs", "variable_inputs: -1\n"},
		{"negative digital", "digital_outputs: -4\n"},
		{"bad vfd mode", "vfd:\n  mode: ascii\n"},
		{"bad log level", "log:\n  level: loud\n"},
		{"bad log format", "log:\n  format: xml\n"},
		{"negative period", "servo:\n  period_us: -1\n"},
		{"not yaml", "link: [unclosed\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			require.Error(t, err)
		})
	}
}

func TestComponentMapping(t *testing.T) {
	cfg, err := Parse([]byte(fullProfile))
	require.NoError(t, err)

	rc, err := cfg.Component()
	require.NoError(t, err)

	require.Equal(t, "rio", rc.Prefix)
	require.Equal(t, 32000000.0, rc.Oscillator)
	require.Equal(t, 640000.0, rc.BaseFreq)

	require.Len(t, rc.Joints, 2)
	require.Equal(t, stepgen.Position, rc.Joints[0].Mode)
	require.Equal(t, stepgen.Incremental, rc.Joints[0].FbType)
	require.Equal(t, stepgen.Velocity, rc.Joints[1].Mode)
	require.Equal(t, stepgen.Absolute, rc.Joints[1].FbType)
	require.Equal(t, int32(4), rc.Joints[1].FbDiv)

	// Per-joint tunables ride along so the driver can seed the
	// parameter pins from the profile.
	require.Equal(t, 1600.0, rc.Joints[0].Scale)
	require.Equal(t, 50.0, rc.Joints[0].MaxVel)
	require.Equal(t, 800.0, rc.Joints[0].MaxAccel)
	require.Equal(t, 120.0, rc.Joints[0].PGain)
	require.Equal(t, 200.0, rc.Joints[1].Scale)

	require.Len(t, rc.Outputs, 3)
	require.Equal(t, vout.PWM, rc.Outputs[0].Law)
	require.Equal(t, vout.RCServo, rc.Outputs[1].Law)
	require.Equal(t, vout.Linear, rc.Outputs[2].Law)
	require.Equal(t, -10.0, rc.Outputs[2].Min)

	require.Equal(t, 2, rc.VarIn)
	require.Equal(t, 8, rc.DigitalOutputs)
	require.Equal(t, 16, rc.DigitalInputs)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "machine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fullProfile), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "bx-mill", cfg.Machine)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}
