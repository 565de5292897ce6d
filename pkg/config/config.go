// Package config loads the YAML machine profile describing one RIO
// board and the services around it, and translates it into the typed
// configurations the other packages consume.
//
// Loading is three phases: unmarshal, Validate (pure checks, no
// mutation), Normalize (fill defaults). Load runs all three; a Config
// it returns is complete and internally consistent.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/festlv/LinuxCNC-RIO/pkg/rio"
	"github.com/festlv/LinuxCNC-RIO/pkg/stepgen"
	"github.com/festlv/LinuxCNC-RIO/pkg/vout"
)

// Config is the whole machine profile.
type Config struct {
	// Machine is a free-form name for logs and telemetry payloads.
	Machine string `yaml:"machine"`

	// Prefix for all pin names (default: "rio")
	Prefix string `yaml:"prefix"`

	Link     LinkConfig     `yaml:"link"`
	Hardware HardwareConfig `yaml:"hardware"`
	Servo    ServoConfig    `yaml:"servo"`

	// Joints configures one step generator channel each, in order.
	Joints []JointConfig `yaml:"joints"`

	// Outputs configures the variable output channels and their laws.
	Outputs []OutputConfig `yaml:"outputs"`

	// VariableInputs is the number of analog process value channels.
	VariableInputs int `yaml:"variable_inputs"`

	// DigitalOutputs / DigitalInputs are bit counts.
	DigitalOutputs int `yaml:"digital_outputs"`
	DigitalInputs  int `yaml:"digital_inputs"`

	API       APIConfig       `yaml:"api"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	VFD       VFDConfig       `yaml:"vfd"`
	Log       LogConfig       `yaml:"log"`
}

// LinkConfig selects and tunes the board transport.
type LinkConfig struct {
	// Transport: spi, uart, socket or sim (default: spi).
	Transport string `yaml:"transport"`

	// Device path for spi (/dev/spidevX.Y) or uart (/dev/ttyXXX).
	Device string `yaml:"device"`

	// SpeedHz is the SPI clock (default: 3125000).
	SpeedHz uint32 `yaml:"speed_hz"`

	// CSPin / ResetPin are BCM GPIO numbers for the manual chip
	// select and the watchdog reset line. Unset picks the board
	// defaults; -1 disables the line.
	CSPin    *int `yaml:"cs_pin"`
	ResetPin *int `yaml:"reset_pin"`

	// Baud for the uart transport (default: 1000000).
	Baud int `yaml:"baud"`

	// SocketPath for the socket transport (default: /tmp/rio_sim).
	SocketPath string `yaml:"socket_path"`
}

// HardwareConfig carries the gateware timing constants. They must
// match the bitstream.
type HardwareConfig struct {
	// OscillatorHz feeds the step and output generators
	// (default: 16000000).
	OscillatorHz float64 `yaml:"oscillator_hz"`

	// BaseFreqHz is the step generator update rate; half of it caps
	// commanded step rates (default: 320000).
	BaseFreqHz float64 `yaml:"base_freq_hz"`
}

// ServoConfig tunes the tick loop.
type ServoConfig struct {
	// PeriodUS is the servo period in microseconds (default: 1000).
	PeriodUS int `yaml:"period_us"`
}

// JointConfig describes one step generator channel.
type JointConfig struct {
	// Type is the control mode: position or velocity
	// (default: position).
	Type string `yaml:"type"`

	// Feedback counter interpretation: incremental or absolute
	// (default: incremental).
	Feedback string `yaml:"feedback"`

	// FeedbackDivisor prescales raw feedback counters (default: 1).
	FeedbackDivisor int32 `yaml:"feedback_divisor"`

	// Scale seeds the steps-per-unit parameter pin (default: 1).
	Scale float64 `yaml:"scale"`

	// MaxVel / MaxAccel seed the limit parameter pins; zero leaves
	// the hardware ceiling in charge.
	MaxVel   float64 `yaml:"maxvel"`
	MaxAccel float64 `yaml:"maxaccel"`

	// PGain / FF1Gain / Deadband seed the position loop pins; zero
	// keeps the driver's runtime defaults.
	PGain    float64 `yaml:"pgain"`
	FF1Gain  float64 `yaml:"ff1gain"`
	Deadband float64 `yaml:"deadband"`
}

// OutputConfig describes one variable output channel.
type OutputConfig struct {
	// Law is the encoding law: sine, pwm, rcservo or linear.
	Law string `yaml:"law"`

	// FreqHz is the carrier frequency for the sine and pwm laws.
	FreqHz float64 `yaml:"freq_hz"`

	// Min / Max bound the input range for the linear law.
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// APIConfig tunes the HTTP status API.
type APIConfig struct {
	// Disabled turns the API off entirely.
	Disabled bool `yaml:"disabled"`

	// Listen address (default: ":8080").
	Listen string `yaml:"listen"`

	// WSIntervalMS is the websocket status push interval
	// (default: 250).
	WSIntervalMS int `yaml:"ws_interval_ms"`
}

// MetricsConfig tunes the metrics exposition server.
type MetricsConfig struct {
	// Disabled turns the exposition server off.
	Disabled bool `yaml:"disabled"`

	// Listen address (default: ":9090").
	Listen string `yaml:"listen"`

	// Username / Password enable basic auth when both are set.
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// TelemetryConfig tunes the MQTT status publisher.
type TelemetryConfig struct {
	// Broker URL (tcp://host:1883). Empty disables telemetry.
	Broker string `yaml:"broker"`

	// Prefix is the first topic segment (default: "rio").
	Prefix string `yaml:"prefix"`

	// IntervalMS between status publications (default: 1000).
	IntervalMS int `yaml:"interval_ms"`
}

// VFDConfig describes the optional Modbus spindle drive.
type VFDConfig struct {
	// Endpoint is the serial device (rtu) or host:port (tcp). Empty
	// disables the bridge.
	Endpoint string `yaml:"endpoint"`

	// Mode: rtu or tcp (default: rtu).
	Mode string `yaml:"mode"`

	// SlaveID is the Modbus unit address (default: 1).
	SlaveID byte `yaml:"slave_id"`

	// Baud for rtu mode (default: 9600).
	Baud int `yaml:"baud"`

	// TimeoutMS bounds each Modbus transaction (default: 500).
	TimeoutMS int `yaml:"timeout_ms"`

	// RPMRegister is the holding register taking the scaled speed
	// command; StatusRegister is read back as the scaled actual
	// speed.
	RPMRegister    uint16 `yaml:"rpm_register"`
	StatusRegister uint16 `yaml:"status_register"`

	// RunCoil / DirectionCoil switch the drive on and set rotation
	// direction.
	RunCoil       uint16 `yaml:"run_coil"`
	DirectionCoil uint16 `yaml:"direction_coil"`

	// RPMScale converts RPM to register units (default: 1.0).
	RPMScale float64 `yaml:"rpm_scale"`

	// MaxRPM clamps the command; zero means no clamp.
	MaxRPM float64 `yaml:"max_rpm"`

	// PollTicks is how many servo ticks pass between status polls
	// (default: 100).
	PollTicks int `yaml:"poll_ticks"`
}

// LogConfig tunes logging output.
type LogConfig struct {
	// Level: debug, info, warn or error (default: info).
	Level string `yaml:"level"`

	// Format: text or json (default: text).
	Format string `yaml:"format"`

	// File redirects logs into a rotated file; empty keeps stderr.
	File string `yaml:"file"`
}

// Load reads, validates and normalizes a profile file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse unmarshals, validates and normalizes a profile.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	Normalize(&cfg)
	return &cfg, nil
}

// Component translates the profile into the driver configuration.
func (c *Config) Component() (rio.Config, error) {
	rc := rio.Config{
		Prefix:         c.Prefix,
		Oscillator:     c.Hardware.OscillatorHz,
		BaseFreq:       c.Hardware.BaseFreqHz,
		VarIn:          c.VariableInputs,
		DigitalOutputs: c.DigitalOutputs,
		DigitalInputs:  c.DigitalInputs,
	}
	for i, j := range c.Joints {
		mode, err := stepgen.ParseControlMode(j.Type)
		if err != nil {
			return rio.Config{}, fmt.Errorf("joint %d: %w", i, err)
		}
		fb, err := stepgen.ParseFeedbackType(j.Feedback)
		if err != nil {
			return rio.Config{}, fmt.Errorf("joint %d: %w", i, err)
		}
		rc.Joints = append(rc.Joints, rio.JointConfig{
			JointConfig: stepgen.JointConfig{
				Mode:   mode,
				FbType: fb,
				FbDiv:  j.FeedbackDivisor,
			},
			Scale:    j.Scale,
			MaxVel:   j.MaxVel,
			MaxAccel: j.MaxAccel,
			PGain:    j.PGain,
			FF1Gain:  j.FF1Gain,
			Deadband: j.Deadband,
		})
	}
	for i, o := range c.Outputs {
		law, err := vout.ParseLaw(o.Law)
		if err != nil {
			return rio.Config{}, fmt.Errorf("output %d: %w", i, err)
		}
		rc.Outputs = append(rc.Outputs, vout.Channel{
			Law:  law,
			Freq: o.FreqHz,
			Min:  o.Min,
			Max:  o.Max,
		})
	}
	return rc, nil
}

// Period returns the servo period as a duration.
func (c *Config) Period() time.Duration {
	return time.Duration(c.Servo.PeriodUS) * time.Microsecond
}

// WSInterval returns the websocket push interval as a duration.
func (a APIConfig) WSInterval() time.Duration {
	return time.Duration(a.WSIntervalMS) * time.Millisecond
}

// Interval returns the publication interval as a duration.
func (t TelemetryConfig) Interval() time.Duration {
	return time.Duration(t.IntervalMS) * time.Millisecond
}

// Timeout returns the transaction timeout as a duration.
func (v VFDConfig) Timeout() time.Duration {
	return time.Duration(v.TimeoutMS) * time.Millisecond
}
