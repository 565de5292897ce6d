// Package transport provides the byte-exchange primitives used to reach the
// RIO gateware: spidev SPI on Linux, a UART bridge, and a Unix socket used
// by the simulator.
//
// All transports move fixed-size full-duplex frames. Exchange writes the
// whole tx frame and fills the whole rx frame, or fails; there is no
// partial exchange.
package transport

import "errors"

// Common errors
var (
	ErrClosed       = errors.New("transport: closed")
	ErrTimeout      = errors.New("transport: exchange timed out")
	ErrFrameSize    = errors.New("transport: tx/rx frame sizes differ")
	ErrNotSupported = errors.New("transport: not supported on this platform")
)

// Transport is a full-duplex frame exchange with the gateware.
type Transport interface {
	// Exchange clocks len(tx) bytes out and len(rx) bytes in as one frame.
	// tx and rx must be the same length.
	Exchange(tx, rx []byte) error

	// Close releases the underlying device.
	Close() error
}

// ResetLine is implemented by transports that drive the gateware reset pin.
type ResetLine interface {
	SetReset(level bool) error
}
