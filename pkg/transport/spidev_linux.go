// SPI transport over the Linux spidev interface.
//
// The gateware sits on SPI mode 0, MSB first. Chip select is driven
// manually through a GPIO so the whole frame travels under one CS window,
// and an optional second GPIO drives the gateware watchdog reset line.

//go:build linux

package transport

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"unsafe"

	"github.com/stianeikeland/go-rpio/v4"
	"golang.org/x/sys/unix"
)

// spidev ioctl requests (from linux/spi/spidev.h)
const (
	spiIOCWrMode        = 0x40016b01 // SPI_IOC_WR_MODE
	spiIOCWrBitsPerWord = 0x40016b03 // SPI_IOC_WR_BITS_PER_WORD
	spiIOCWrMaxSpeedHz  = 0x40046b04 // SPI_IOC_WR_MAX_SPEED_HZ
	spiIOCMessage1      = 0x40206b00 // SPI_IOC_MESSAGE(1)
)

// spiIOCTransfer matches struct spi_ioc_transfer in linux/spi/spidev.h.
type spiIOCTransfer struct {
	txBuf       uint64
	rxBuf       uint64
	len         uint32
	speedHz     uint32
	delayUsecs  uint16
	bitsPerWord uint8
	csChange    uint8
	txNbits     uint8
	rxNbits     uint8
	wordDelay   uint8
	pad         uint8
}

// SPIConfig holds spidev transport configuration.
type SPIConfig struct {
	// Device path (e.g., /dev/spidev0.0)
	Device string

	// Clock speed in Hz (default: 3125000)
	SpeedHz uint32

	// SPI mode 0..3 (default: 0)
	Mode uint8

	// Chip select GPIO (BCM numbering); < 0 leaves CS to the kernel driver
	CSPin int

	// Gateware reset GPIO (BCM numbering); < 0 disables the reset line
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

// SPI is a spidev-backed transport.
type SPI struct {
	mu     sync.Mutex
	file   *os.File
	config SPIConfig
	cs     rpio.Pin
	reset  rpio.Pin
	gpio   bool
	closed bool
}

// OpenSPI opens the spidev device and claims the CS/reset GPIOs.
func OpenSPI(cfg SPIConfig) (*SPI, error) {
	if cfg.Device == "" {
		cfg.Device = "/dev/spidev0.0"
	}
	if cfg.SpeedHz == 0 {
		cfg.SpeedHz = 3125000
	}

	file, err := os.OpenFile(cfg.Device, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", cfg.Device, err)
	}

	s := &SPI{file: file, config: cfg}

	mode := cfg.Mode
	if err := s.ioctl(spiIOCWrMode, unsafe.Pointer(&mode)); err != nil {
		file.Close()
		return nil, fmt.Errorf("transport: set spi mode: %w", err)
	}
	bits := uint8(8)
	if err := s.ioctl(spiIOCWrBitsPerWord, unsafe.Pointer(&bits)); err != nil {
		file.Close()
		return nil, fmt.Errorf("transport: set bits per word: %w", err)
	}
	speed := cfg.SpeedHz
	if err := s.ioctl(spiIOCWrMaxSpeedHz, unsafe.Pointer(&speed)); err != nil {
		file.Close()
		return nil, fmt.Errorf("transport: set spi speed: %w", err)
	}

	if cfg.CSPin >= 0 || cfg.ResetPin >= 0 {
		if err := rpio.Open(); err != nil {
			file.Close()
			return nil, fmt.Errorf("transport: gpio open: %w", err)
		}
		s.gpio = true
		if cfg.CSPin >= 0 {
			s.cs = rpio.Pin(cfg.CSPin)
			s.cs.Output()
			s.cs.High()
		}
		if cfg.ResetPin >= 0 {
			s.reset = rpio.Pin(cfg.ResetPin)
			s.reset.Output()
			s.reset.Low()
		}
	}

	return s, nil
}

func (s *SPI) ioctl(req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, s.file.Fd(), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// Exchange clocks one full-duplex frame under a single CS window.
func (s *SPI) Exchange(tx, rx []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if len(tx) != len(rx) {
		return ErrFrameSize
	}
	if len(tx) == 0 {
		return nil
	}

	if s.config.CSPin >= 0 {
		s.cs.Low()
	}
	tr := spiIOCTransfer{
		txBuf:       uint64(uintptr(unsafe.Pointer(&tx[0]))),
		rxBuf:       uint64(uintptr(unsafe.Pointer(&rx[0]))),
		len:         uint32(len(tx)),
		speedHz:     s.config.SpeedHz,
		bitsPerWord: 8,
	}
	err := s.ioctl(spiIOCMessage1, unsafe.Pointer(&tr))
	runtime.KeepAlive(tx)
	runtime.KeepAlive(rx)
	if s.config.CSPin >= 0 {
		s.cs.High()
	}
	if err != nil {
		return fmt.Errorf("transport: spi transfer: %w", err)
	}
	return nil
}

// SetReset drives the gateware reset GPIO. It is a no-op when no reset
// pin is configured.
func (s *SPI) SetReset(level bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.config.ResetPin < 0 {
		return nil
	}
	if level {
		s.reset.High()
	} else {
		s.reset.Low()
	}
	return nil
}

// Close releases the spidev device and the claimed GPIOs.
func (s *SPI) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.gpio {
		if s.config.CSPin >= 0 {
			s.cs.High()
		}
		rpio.Close()
	}
	return s.file.Close()
}
