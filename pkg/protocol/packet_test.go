package protocol

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayoutSizes(t *testing.T) {
	cases := []struct {
		name                             string
		joints, varOut, varIn, dOut, dIn int
		wantTx, wantRx, wantBuf          int
	}{
		// header + 3*4 freq + 1 enable + 2*4 sp + 1 out = 26
		// header + 3*4 fb + 2*4 pv + 1 in = 25
		{"three joints", 3, 2, 2, 4, 4, 26, 25, 26},
		// enable/out/in bytes round up to whole bytes
		{"nine joints", 9, 0, 0, 9, 17, 4 + 36 + 2 + 0 + 2, 4 + 36 + 0 + 3, 44},
		{"rx larger", 1, 0, 8, 0, 0, 4 + 4 + 1, 4 + 4 + 32, 40},
		{"no io", 1, 0, 0, 0, 0, 9, 8, 9},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l := NewLayout(tc.joints, tc.varOut, tc.varIn, tc.dOut, tc.dIn)
			assert.Equal(t, tc.wantTx, l.TxSize(), "tx size")
			assert.Equal(t, tc.wantRx, l.RxSize(), "rx size")
			assert.Equal(t, tc.wantBuf, l.BufferSize(), "buffer size")
			assert.Len(t, l.NewBuffer(), tc.wantBuf)
		})
	}
}

func TestHeaderBytes(t *testing.T) {
	buf := make([]byte, 4)

	PutHeader(buf, HeaderWrite)
	assert.Equal(t, []byte("tirw"), buf)
	assert.Equal(t, HeaderWrite, Header(buf))

	PutHeader(buf, HeaderData)
	assert.Equal(t, []byte("atad"), buf)

	PutHeader(buf, HeaderEStop)
	assert.Equal(t, []byte("ptse"), buf)

	PutHeader(buf, HeaderRead)
	assert.Equal(t, []byte("daer"), buf)
}

func TestOutboundImage(t *testing.T) {
	l := NewLayout(3, 2, 2, 4, 4)
	buf := l.NewBuffer()

	PutHeader(buf, HeaderWrite)
	l.SetFreqCmd(buf, 0, 10000)
	l.SetFreqCmd(buf, 1, 0x01020304)
	l.SetFreqCmd(buf, 2, -1)
	l.SetJointEnable(buf, 0, true)
	l.SetJointEnable(buf, 2, true)
	l.SetSetPoint(buf, 0, 0xDEADBEEF)
	l.SetSetPoint(buf, 1, 1)
	l.SetOutput(buf, 0, true)
	l.SetOutput(buf, 3, true)

	want := []byte{
		0x74, 0x69, 0x72, 0x77, // "writ"
		0x10, 0x27, 0x00, 0x00, // 10000
		0x04, 0x03, 0x02, 0x01, // 0x01020304
		0xFF, 0xFF, 0xFF, 0xFF, // -1
		0x05,                   // enable bits 0 and 2
		0xEF, 0xBE, 0xAD, 0xDE, // setpoint 0
		0x01, 0x00, 0x00, 0x00, // setpoint 1
		0x09,                   // output bits 0 and 3
	}
	require.Equal(t, want, buf)

	assert.Equal(t, int32(10000), l.FreqCmd(buf, 0))
	assert.Equal(t, int32(-1), l.FreqCmd(buf, 2))
	assert.True(t, l.JointEnable(buf, 0))
	assert.False(t, l.JointEnable(buf, 1))
	assert.True(t, l.JointEnable(buf, 2))
	assert.Equal(t, uint32(0xDEADBEEF), l.SetPoint(buf, 0))
	assert.True(t, l.Output(buf, 3))

	// Clearing a bit leaves its neighbors alone.
	l.SetOutput(buf, 0, false)
	assert.False(t, l.Output(buf, 0))
	assert.True(t, l.Output(buf, 3))
}

func TestInboundImage(t *testing.T) {
	l := NewLayout(2, 0, 1, 0, 9)
	buf := l.NewBuffer()

	PutHeader(buf, HeaderData)
	l.SetFeedback(buf, 0, -2147483648)
	l.SetFeedback(buf, 1, 2147483647)
	l.SetProcessValue(buf, 0, 3.5)
	l.SetInput(buf, 0, true)
	l.SetInput(buf, 8, true)

	assert.Equal(t, HeaderData, Header(buf))
	assert.Equal(t, int32(math.MinInt32), l.Feedback(buf, 0))
	assert.Equal(t, int32(math.MaxInt32), l.Feedback(buf, 1))
	assert.Equal(t, float32(3.5), l.ProcessValue(buf, 0))
	assert.True(t, l.Input(buf, 0))
	assert.False(t, l.Input(buf, 1))
	assert.True(t, l.Input(buf, 8))

	// Second input byte holds bit 8.
	assert.Equal(t, byte(0x01), buf[l.RxSize()-1])
}

func TestFreqDivisor(t *testing.T) {
	cases := []struct {
		name string
		osc  float64
		freq float64
		want int32
	}{
		{"idle", 16e6, 0, 0},
		{"forward", 16e6, 1600, 10000},
		{"reverse", 16e6, -1600, -10000},
		{"truncates toward zero", 16e6, 4500, 3555},
		{"saturates high", 16e6, 1e-6, math.MaxInt32},
		{"saturates low", 16e6, -1e-6, math.MinInt32},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, FreqDivisor(tc.osc, tc.freq))
		})
	}
}
