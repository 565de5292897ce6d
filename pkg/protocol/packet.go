// Package protocol implements the fixed-size packet pair exchanged with
// RIO firmware once per servo tick.
//
// Outbound: header, per-joint frequency divisors, joint enable bytes,
// variable output setpoints, digital output bytes. Inbound: header,
// per-joint feedback counters, variable input values, digital input
// bytes. All multi-byte fields are little-endian. Every exchange moves
// the same number of bytes in both directions because each outbound
// byte clocks exactly one inbound byte; the shorter record is zero
// padded up to the longer one.
package protocol

import (
	"encoding/binary"
	"math"
)

// Header tags. The firmware frames every packet with a 32-bit ASCII
// mnemonic; anything other than HeaderData or HeaderEStop in an inbound
// packet means the payload is corrupt.
const (
	HeaderWrite uint32 = 0x77726974 // "writ"
	HeaderRead  uint32 = 0x72656164 // "read"
	HeaderData  uint32 = 0x64617461 // "data"
	HeaderEStop uint32 = 0x65737470 // "estp"
)

const headerSize = 4

// Layout fixes the packet offsets for one board geometry. Computed once
// at startup; the accessors index caller buffers directly and never
// allocate.
type Layout struct {
	Joints     int
	VarOut     int
	VarIn      int
	DigitalOut int // bits
	DigitalIn  int // bits

	freqOff   int
	enableOff int
	spOff     int
	outOff    int
	txSize    int

	fbOff  int
	pvOff  int
	inOff  int
	rxSize int
}

// NewLayout computes packet offsets for the given geometry.
func NewLayout(joints, varOut, varIn, digOutBits, digInBits int) Layout {
	l := Layout{
		Joints:     joints,
		VarOut:     varOut,
		VarIn:      varIn,
		DigitalOut: digOutBits,
		DigitalIn:  digInBits,
	}

	l.freqOff = headerSize
	l.enableOff = l.freqOff + 4*joints
	l.spOff = l.enableOff + bytesFor(joints)
	l.outOff = l.spOff + 4*varOut
	l.txSize = l.outOff + bytesFor(digOutBits)

	l.fbOff = headerSize
	l.pvOff = l.fbOff + 4*joints
	l.inOff = l.pvOff + 4*varIn
	l.rxSize = l.inOff + bytesFor(digInBits)

	return l
}

func bytesFor(bits int) int { return (bits + 7) / 8 }

// TxSize returns the outbound record size in bytes.
func (l Layout) TxSize() int { return l.txSize }

// RxSize returns the inbound record size in bytes.
func (l Layout) RxSize() int { return l.rxSize }

// BufferSize returns the exchange size: the longer of the two records.
func (l Layout) BufferSize() int {
	if l.txSize > l.rxSize {
		return l.txSize
	}
	return l.rxSize
}

// NewBuffer allocates a zeroed transfer buffer of the exchange size.
func (l Layout) NewBuffer() []byte { return make([]byte, l.BufferSize()) }

// PutHeader stores the header tag. The header sits at offset zero in
// both directions.
func PutHeader(buf []byte, tag uint32) {
	binary.LittleEndian.PutUint32(buf[0:4], tag)
}

// Header reads the header tag.
func Header(buf []byte) uint32 {
	return binary.LittleEndian.Uint32(buf[0:4])
}

// SetFreqCmd stores a joint's frequency divisor in an outbound buffer.
func (l Layout) SetFreqCmd(buf []byte, joint int, divisor int32) {
	off := l.freqOff + 4*joint
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(divisor))
}

// FreqCmd reads a joint's frequency divisor from an outbound buffer.
func (l Layout) FreqCmd(buf []byte, joint int) int32 {
	off := l.freqOff + 4*joint
	return int32(binary.LittleEndian.Uint32(buf[off : off+4]))
}

// SetJointEnable sets or clears a joint's enable bit in an outbound
// buffer.
func (l Layout) SetJointEnable(buf []byte, joint int, on bool) {
	setBit(buf, l.enableOff, joint, on)
}

// JointEnable reads a joint's enable bit from an outbound buffer.
func (l Layout) JointEnable(buf []byte, joint int) bool {
	return getBit(buf, l.enableOff, joint)
}

// SetSetPoint stores a variable output's tick count in an outbound
// buffer.
func (l Layout) SetSetPoint(buf []byte, ch int, ticks uint32) {
	off := l.spOff + 4*ch
	binary.LittleEndian.PutUint32(buf[off:off+4], ticks)
}

// SetPoint reads a variable output's tick count from an outbound
// buffer.
func (l Layout) SetPoint(buf []byte, ch int) uint32 {
	off := l.spOff + 4*ch
	return binary.LittleEndian.Uint32(buf[off : off+4])
}

// SetOutput sets or clears a digital output bit in an outbound buffer.
func (l Layout) SetOutput(buf []byte, bit int, on bool) {
	setBit(buf, l.outOff, bit, on)
}

// Output reads a digital output bit from an outbound buffer.
func (l Layout) Output(buf []byte, bit int) bool {
	return getBit(buf, l.outOff, bit)
}

// SetFeedback stores a joint's raw feedback counter in an inbound
// buffer.
func (l Layout) SetFeedback(buf []byte, joint int, count int32) {
	off := l.fbOff + 4*joint
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(count))
}

// Feedback reads a joint's raw feedback counter from an inbound buffer.
func (l Layout) Feedback(buf []byte, joint int) int32 {
	off := l.fbOff + 4*joint
	return int32(binary.LittleEndian.Uint32(buf[off : off+4]))
}

// SetProcessValue stores a variable input value in an inbound buffer.
func (l Layout) SetProcessValue(buf []byte, ch int, v float32) {
	off := l.pvOff + 4*ch
	binary.LittleEndian.PutUint32(buf[off:off+4], math.Float32bits(v))
}

// ProcessValue reads a variable input value from an inbound buffer.
func (l Layout) ProcessValue(buf []byte, ch int) float32 {
	off := l.pvOff + 4*ch
	return math.Float32frombits(binary.LittleEndian.Uint32(buf[off : off+4]))
}

// SetInput sets or clears a digital input bit in an inbound buffer.
func (l Layout) SetInput(buf []byte, bit int, on bool) {
	setBit(buf, l.inOff, bit, on)
}

// Input reads a digital input bit from an inbound buffer.
func (l Layout) Input(buf []byte, bit int) bool {
	return getBit(buf, l.inOff, bit)
}

// FreqDivisor encodes a frequency command as the oscillator divisor the
// firmware's step generator consumes. The sign carries direction. Zero
// frequency encodes as divisor zero (idle), and out-of-range divisors
// saturate instead of wrapping.
func FreqDivisor(osc, freq float64) int32 {
	if freq == 0 {
		return 0
	}
	d := osc / freq
	if d >= math.MaxInt32 {
		return math.MaxInt32
	}
	if d <= math.MinInt32 {
		return math.MinInt32
	}
	return int32(d)
}

func setBit(buf []byte, base, bit int, on bool) {
	idx := base + bit/8
	mask := byte(1) << (bit % 8)
	if on {
		buf[idx] |= mask
	} else {
		buf[idx] &^= mask
	}
}

func getBit(buf []byte, base, bit int) bool {
	return buf[base+bit/8]&(byte(1)<<(bit%8)) != 0
}
