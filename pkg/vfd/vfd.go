// Package vfd bridges a spindle drive on Modbus to the pin surface:
// the commanded RPM pin becomes a scaled holding-register write plus
// run and direction coils, and the drive's reported speed is polled
// back into a feedback pin. The bridge runs as a servo thread hook but
// touches the bus only every PollTicks ticks, since Modbus
// transactions are orders of magnitude slower than a servo period.
package vfd

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/goburrow/modbus"

	"github.com/festlv/LinuxCNC-RIO/pkg/hal"
	"github.com/festlv/LinuxCNC-RIO/pkg/log"
	"github.com/festlv/LinuxCNC-RIO/pkg/metrics"
)

// Client is the subset of the Modbus client the bridge uses.
// modbus.Client satisfies it; tests inject a fake.
type Client interface {
	WriteSingleRegister(address, value uint16) ([]byte, error)
	WriteSingleCoil(address, value uint16) ([]byte, error)
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
}

// Modbus coil levels.
const (
	coilOn  = 0xFF00
	coilOff = 0x0000
)

// Config describes the drive hookup.
type Config struct {
	// Prefix for pin names (default: "rio").
	Prefix string

	// Mode is "rtu" or "tcp".
	Mode string

	// Endpoint is the serial device for rtu or host:port for tcp.
	Endpoint string

	// SlaveID is the Modbus unit address (default: 1).
	SlaveID byte

	// Baud for rtu mode (default: 9600).
	Baud int

	// Timeout bounds each transaction (default: 500ms).
	Timeout time.Duration

	// RPMRegister takes the scaled speed command; StatusRegister is
	// read back as the scaled actual speed.
	RPMRegister    uint16
	StatusRegister uint16

	// RunCoil starts the drive; DirectionCoil selects reverse.
	RunCoil       uint16
	DirectionCoil uint16

	// RPMScale converts RPM to register units (default: 1.0).
	RPMScale float64

	// MaxRPM clamps the command magnitude; zero means no clamp.
	MaxRPM float64

	// PollTicks is how many servo ticks pass between bus rounds
	// (default: 100).
	PollTicks int
}

func (c *Config) applyDefaults() {
	if c.Prefix == "" {
		c.Prefix = "rio"
	}
	if c.Mode == "" {
		c.Mode = "rtu"
	}
	if c.SlaveID == 0 {
		c.SlaveID = 1
	}
	if c.Baud <= 0 {
		c.Baud = 9600
	}
	if c.Timeout <= 0 {
		c.Timeout = 500 * time.Millisecond
	}
	if c.RPMScale == 0 {
		c.RPMScale = 1.0
	}
	if c.PollTicks <= 0 {
		c.PollTicks = 100
	}
}

func (c Config) validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("vfd: endpoint required")
	}
	if c.Mode != "rtu" && c.Mode != "tcp" {
		return fmt.Errorf("vfd: unknown mode %q", c.Mode)
	}
	return nil
}

// Bridge owns the spindle pins and the Modbus session.
type Bridge struct {
	cfg Config
	log *log.Logger
	rm  *metrics.RIOMetrics

	mu     sync.Mutex
	client Client
	closer func() error

	rpmCmd *hal.Float
	rpmFB  *hal.Float
	run    *hal.Bit
	fault  *hal.Bit

	tick        int
	lastReg     uint16
	lastRun     bool
	lastReverse bool
	wrote       bool
}

// New opens a connection to the drive and registers the spindle pins.
// A nil logger selects the package default.
func New(cfg Config, reg *hal.Registry, logger *log.Logger) (*Bridge, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	var client Client
	var closer func() error
	switch cfg.Mode {
	case "rtu":
		h := modbus.NewRTUClientHandler(cfg.Endpoint)
		h.BaudRate = cfg.Baud
		h.DataBits = 8
		h.Parity = "N"
		h.StopBits = 1
		h.SlaveId = cfg.SlaveID
		h.Timeout = cfg.Timeout
		if err := h.Connect(); err != nil {
			return nil, fmt.Errorf("vfd: connect rtu %s: %w", cfg.Endpoint, err)
		}
		client = modbus.NewClient(h)
		closer = h.Close
	case "tcp":
		h := modbus.NewTCPClientHandler(cfg.Endpoint)
		h.SlaveId = cfg.SlaveID
		h.Timeout = cfg.Timeout
		if err := h.Connect(); err != nil {
			return nil, fmt.Errorf("vfd: connect tcp %s: %w", cfg.Endpoint, err)
		}
		client = modbus.NewClient(h)
		closer = h.Close
	}

	b, err := NewWithClient(cfg, reg, client, logger)
	if err != nil {
		if closer != nil {
			closer()
		}
		return nil, err
	}
	b.closer = closer
	return b, nil
}

// NewWithClient is New with an injected Modbus client. Used by tests.
func NewWithClient(cfg Config, reg *hal.Registry, client Client, logger *log.Logger) (*Bridge, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = log.GetLogger("vfd")
	}

	b := &Bridge{
		cfg:    cfg,
		log:    logger,
		rm:     metrics.GlobalMetrics(),
		client: client,
	}

	var err error
	if b.rpmCmd, err = reg.Float(cfg.Prefix+".spindle.rpm-cmd", hal.In); err != nil {
		return nil, fmt.Errorf("vfd: pin export: %w", err)
	}
	if b.rpmFB, err = reg.Float(cfg.Prefix+".spindle.rpm-fb", hal.Out); err != nil {
		return nil, fmt.Errorf("vfd: pin export: %w", err)
	}
	if b.run, err = reg.Bit(cfg.Prefix+".spindle.run", hal.In); err != nil {
		return nil, fmt.Errorf("vfd: pin export: %w", err)
	}
	if b.fault, err = reg.Bit(cfg.Prefix+".spindle.fault", hal.Out); err != nil {
		return nil, fmt.Errorf("vfd: pin export: %w", err)
	}

	return b, nil
}

// Close shuts the bus connection.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closer != nil {
		return b.closer()
	}
	return nil
}

// Tick is the servo thread hook. Most calls only count; every
// PollTicks-th call runs one bus round.
func (b *Bridge) Tick(period int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tick++
	if b.tick < b.cfg.PollTicks {
		return
	}
	b.tick = 0
	b.pollOnce()
}

// pollOnce pushes the command side when it changed and reads the
// status register back. One failed operation marks the fault pin but
// the remaining operations still run; the next round retries.
func (b *Bridge) pollOnce() {
	faulted := false

	rpm := b.rpmCmd.Get()
	running := b.run.Get()
	reverse := rpm < 0

	regVal := b.commandRegister(rpm)
	if !b.wrote || regVal != b.lastReg {
		if _, err := b.client.WriteSingleRegister(b.cfg.RPMRegister, regVal); err != nil {
			b.log.WithError(err).Warn("speed register write failed")
			b.rm.RecordVFDError("write_register")
			faulted = true
		} else {
			b.lastReg = regVal
		}
	}

	if !b.wrote || running != b.lastRun {
		if _, err := b.client.WriteSingleCoil(b.cfg.RunCoil, coilLevel(running)); err != nil {
			b.log.WithError(err).Warn("run coil write failed")
			b.rm.RecordVFDError("write_coil")
			faulted = true
		} else {
			b.lastRun = running
		}
	}
	if !b.wrote || reverse != b.lastReverse {
		if _, err := b.client.WriteSingleCoil(b.cfg.DirectionCoil, coilLevel(reverse)); err != nil {
			b.log.WithError(err).Warn("direction coil write failed")
			b.rm.RecordVFDError("write_coil")
			faulted = true
		} else {
			b.lastReverse = reverse
		}
	}
	b.wrote = true

	fb := 0.0
	data, err := b.client.ReadHoldingRegisters(b.cfg.StatusRegister, 1)
	if err != nil || len(data) < 2 {
		if err == nil {
			err = fmt.Errorf("vfd: short status response (%d bytes)", len(data))
		}
		b.log.WithError(err).Warn("status register read failed")
		b.rm.RecordVFDError("read_register")
		faulted = true
	} else {
		raw := uint16(data[0])<<8 | uint16(data[1])
		fb = float64(raw) / b.cfg.RPMScale
		if reverse {
			fb = -fb
		}
		b.rpmFB.Set(fb)
	}

	b.fault.Set(faulted)
	b.rm.SetVFDStatus(rpm, fb)
}

// commandRegister scales and clamps an RPM command into register
// units. Direction is carried by the coil, so only the magnitude goes
// to the register.
func (b *Bridge) commandRegister(rpm float64) uint16 {
	mag := math.Abs(rpm)
	if b.cfg.MaxRPM > 0 && mag > b.cfg.MaxRPM {
		mag = b.cfg.MaxRPM
	}
	scaled := mag * b.cfg.RPMScale
	if scaled > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(scaled)
}

func coilLevel(on bool) uint16 {
	if on {
		return coilOn
	}
	return coilOff
}
