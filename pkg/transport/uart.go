package transport

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tarm/serial"
)

// UARTConfig holds UART bridge transport configuration.
type UARTConfig struct {
	// Device path (e.g., /dev/ttyUSB0, /dev/ttyAMA0)
	Device string

	// Baud rate (default: 1000000)
	Baud int

	// Total time allowed for one frame exchange (default: 100ms)
	ExchangeTimeout time.Duration
}

// DefaultUARTConfig returns a UARTConfig with default values.
func DefaultUARTConfig() UARTConfig {
	return UARTConfig{
		Baud:            1000000,
		ExchangeTimeout: 100 * time.Millisecond,
	}
}

// wirePort is the subset of *serial.Port the UART transport uses.
type wirePort interface {
	io.ReadWriteCloser
	Flush() error
}

// UART is a serial-bridge transport. The bridge shifts the frame onto the
// gateware link and returns the response bytes in order.
type UART struct {
	mu     sync.Mutex
	port   wirePort
	config UARTConfig
	closed bool
}

// OpenUART opens the serial device.
func OpenUART(cfg UARTConfig) (*UART, error) {
	if cfg.Device == "" {
		return nil, fmt.Errorf("transport: uart device path required")
	}
	if cfg.Baud == 0 {
		cfg.Baud = 1000000
	}
	if cfg.ExchangeTimeout == 0 {
		cfg.ExchangeTimeout = 100 * time.Millisecond
	}

	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baud,
		ReadTimeout: 10 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", cfg.Device, err)
	}
	return &UART{port: port, config: cfg}, nil
}

// Exchange writes the tx frame and reads the response frame back. Reads
// poll with a short timeout until the frame completes or ExchangeTimeout
// elapses.
func (u *UART) Exchange(tx, rx []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return ErrClosed
	}
	if len(tx) != len(rx) {
		return ErrFrameSize
	}

	// Drop any bytes left over from an aborted frame.
	if err := u.port.Flush(); err != nil {
		return fmt.Errorf("transport: uart flush: %w", err)
	}
	if _, err := u.port.Write(tx); err != nil {
		return fmt.Errorf("transport: uart write: %w", err)
	}

	deadline := time.Now().Add(u.config.ExchangeTimeout)
	got := 0
	for got < len(rx) {
		n, err := u.port.Read(rx[got:])
		got += n
		if err != nil && err != io.EOF {
			return fmt.Errorf("transport: uart read: %w", err)
		}
		if got < len(rx) && time.Now().After(deadline) {
			return fmt.Errorf("%w: got %d of %d bytes", ErrTimeout, got, len(rx))
		}
	}
	return nil
}

// Close closes the serial device.
func (u *UART) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil
	}
	u.closed = true
	return u.port.Close()
}
