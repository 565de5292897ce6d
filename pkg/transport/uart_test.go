package transport

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWire scripts the byte stream a serial device would return. An empty
// chunk models a poll timeout (zero-byte read).
type fakeWire struct {
	wrote   []byte
	chunks  [][]byte
	flushed int
	closed  bool
}

func (f *fakeWire) Write(p []byte) (int, error) {
	f.wrote = append(f.wrote, p...)
	return len(p), nil
}

func (f *fakeWire) Read(p []byte) (int, error) {
	if len(f.chunks) == 0 {
		return 0, io.EOF
	}
	chunk := f.chunks[0]
	f.chunks = f.chunks[1:]
	if len(chunk) == 0 {
		return 0, io.EOF
	}
	n := copy(p, chunk)
	if n < len(chunk) {
		f.chunks = append([][]byte{chunk[n:]}, f.chunks...)
	}
	return n, nil
}

func (f *fakeWire) Flush() error {
	f.flushed++
	return nil
}

func (f *fakeWire) Close() error {
	f.closed = true
	return nil
}

func TestUARTExchangeReassemblesChunks(t *testing.T) {
	wire := &fakeWire{chunks: [][]byte{
		{0x64, 0x61},
		{},
		{0x74, 0x61, 0x42},
	}}
	u := &UART{port: wire, config: UARTConfig{ExchangeTimeout: time.Second}}

	tx := []byte{0x77, 0x72, 0x69, 0x74, 0x00}
	rx := make([]byte, 5)
	require.NoError(t, u.Exchange(tx, rx))

	assert.Equal(t, []byte{0x64, 0x61, 0x74, 0x61, 0x42}, rx)
	assert.Equal(t, tx, wire.wrote)
	assert.Equal(t, 1, wire.flushed, "stale bytes dropped before every frame")
}

func TestUARTExchangeTimeout(t *testing.T) {
	wire := &fakeWire{chunks: [][]byte{{0x64, 0x61}}}
	u := &UART{port: wire, config: UARTConfig{ExchangeTimeout: 10 * time.Millisecond}}

	rx := make([]byte, 5)
	err := u.Exchange(make([]byte, 5), rx)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestUARTFrameSizeMismatch(t *testing.T) {
	u := &UART{port: &fakeWire{}, config: DefaultUARTConfig()}
	err := u.Exchange(make([]byte, 4), make([]byte, 8))
	require.ErrorIs(t, err, ErrFrameSize)
}

func TestUARTClosed(t *testing.T) {
	wire := &fakeWire{}
	u := &UART{port: wire, config: DefaultUARTConfig()}

	require.NoError(t, u.Close())
	assert.True(t, wire.closed)
	require.NoError(t, u.Close(), "close is idempotent")

	err := u.Exchange(make([]byte, 1), make([]byte, 1))
	require.ErrorIs(t, err, ErrClosed)
}
