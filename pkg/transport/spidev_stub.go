// spidev stub for non-Linux platforms.
//
// The spidev interface is only available on Linux. This stub provides
// compile-time compatibility for other platforms (macOS, Windows, etc.).

//go:build !linux

package transport

// SPIConfig holds spidev transport configuration.
type SPIConfig struct {
	Device   string
	SpeedHz  uint32
	Mode     uint8
	CSPin    int
	ResetPin int
}

// DefaultSPIConfig returns an SPIConfig with default values.
func DefaultSPIConfig() SPIConfig {
	return SPIConfig{
		Device:   "/dev/spidev0.0",
		SpeedHz:  3125000,
		CSPin:    7,
		ResetPin: 25,
	}
}

// SPI is a spidev-backed transport (stub for non-Linux).
type SPI struct{}

// OpenSPI opens the spidev device (stub).
func OpenSPI(cfg SPIConfig) (*SPI, error) {
	return nil, ErrNotSupported
}

// Exchange clocks one full-duplex frame (stub).
func (s *SPI) Exchange(tx, rx []byte) error {
	return ErrNotSupported
}

// SetReset drives the gateware reset GPIO (stub).
func (s *SPI) SetReset(level bool) error {
	return ErrNotSupported
}

// Close releases the spidev device (stub).
func (s *SPI) Close() error {
	return nil
}
