// Package vout encodes variable output setpoints into the tick counts
// the firmware's output generators consume.
package vout

import (
	"fmt"
	"math"
	"strings"
)

// Law selects the encoding for one variable output channel.
type Law int

const (
	// Sine produces a periodic waveform whose rate follows the
	// setpoint: ticks = osc / value / freq.
	Sine Law = iota

	// PWM maps a 0-100 percentage onto the duty cycle of a fixed
	// carrier: ticks = value * (osc / freq) / 100.
	PWM

	// RCServo maps a -100..100 setpoint onto a hobby servo pulse
	// slot inside a fixed 200000 tick frame; the +300 offset centers
	// a zero setpoint in the valid pulse range.
	RCServo

	// Linear rescales a [min,max] input onto the full tick range.
	Linear
)

func (l Law) String() string {
	switch l {
	case Sine:
		return "sine"
	case PWM:
		return "pwm"
	case RCServo:
		return "rcservo"
	case Linear:
		return "linear"
	default:
		return "unknown"
	}
}

// ParseLaw maps a profile tag to an output law.
func ParseLaw(s string) (Law, error) {
	switch strings.ToLower(s) {
	case "sine":
		return Sine, nil
	case "pwm":
		return PWM, nil
	case "rcservo", "rc-servo":
		return RCServo, nil
	case "linear":
		return Linear, nil
	default:
		return 0, fmt.Errorf("vout: unknown output law %q", s)
	}
}

const (
	rcServoOffset = 300
	rcServoFrame  = 200000
	linearRange   = 0x7FFFFFFF
)

// Channel is one configured variable output.
type Channel struct {
	Law  Law
	Freq float64 // carrier frequency for Sine and PWM
	Min  float64 // Linear input range
	Max  float64
}

// Validate reports configuration errors that would otherwise surface as
// divisions by zero on the tick path.
func (c Channel) Validate() error {
	switch c.Law {
	case Sine, PWM:
		if c.Freq <= 0 {
			return fmt.Errorf("vout: %s law needs freq > 0", c.Law)
		}
	case Linear:
		if c.Max == c.Min {
			return fmt.Errorf("vout: linear law needs max != min")
		}
	case RCServo:
	default:
		return fmt.Errorf("vout: unknown output law %d", c.Law)
	}
	return nil
}

// Encode converts a setpoint into output ticks for an oscillator
// running at osc Hz. Results saturate to the unsigned 32-bit wire
// field; a zero setpoint on a Sine channel encodes as zero rather than
// dividing by it.
func (c Channel) Encode(osc, value float64) uint32 {
	var ticks float64
	switch c.Law {
	case Sine:
		if value == 0 {
			return 0
		}
		ticks = osc / value / c.Freq
	case PWM:
		ticks = value * (osc / c.Freq) / 100
	case RCServo:
		ticks = (value + rcServoOffset) * (osc / rcServoFrame)
	case Linear:
		ticks = (value - c.Min) * linearRange / (c.Max - c.Min)
	}
	return clampTicks(ticks)
}

func clampTicks(t float64) uint32 {
	if t <= 0 || math.IsNaN(t) {
		return 0
	}
	if t >= math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(t)
}
