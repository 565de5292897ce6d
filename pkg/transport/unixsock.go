package transport

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// SocketConfig holds simulator socket transport configuration.
type SocketConfig struct {
	// Unix socket path the simulator listens on
	Path string

	// Total time allowed for one frame exchange (default: 100ms)
	ExchangeTimeout time.Duration
}

// DefaultSocketConfig returns a SocketConfig with default values.
func DefaultSocketConfig() SocketConfig {
	return SocketConfig{
		Path:            "/tmp/rio_sim",
		ExchangeTimeout: 100 * time.Millisecond,
	}
}

// Socket is a stream transport for the gateware simulator. Each exchange
// writes one frame and reads one frame back; the simulator answers every
// frame, so the stream never drifts.
type Socket struct {
	mu     sync.Mutex
	conn   net.Conn
	config SocketConfig
	closed bool
}

// OpenSocket connects to the simulator socket.
func OpenSocket(cfg SocketConfig) (*Socket, error) {
	if cfg.Path == "" {
		cfg.Path = "/tmp/rio_sim"
	}
	if cfg.ExchangeTimeout == 0 {
		cfg.ExchangeTimeout = 100 * time.Millisecond
	}

	conn, err := net.Dial("unix", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", cfg.Path, err)
	}
	return &Socket{conn: conn, config: cfg}, nil
}

// Exchange writes the tx frame and reads the response frame back.
func (s *Socket) Exchange(tx, rx []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if len(tx) != len(rx) {
		return ErrFrameSize
	}

	if err := s.conn.SetDeadline(time.Now().Add(s.config.ExchangeTimeout)); err != nil {
		return fmt.Errorf("transport: set deadline: %w", err)
	}
	if _, err := s.conn.Write(tx); err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return ErrTimeout
		}
		return fmt.Errorf("transport: socket write: %w", err)
	}
	if _, err := io.ReadFull(s.conn, rx); err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return ErrTimeout
		}
		return fmt.Errorf("transport: socket read: %w", err)
	}
	return nil
}

// Close closes the socket.
func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}
