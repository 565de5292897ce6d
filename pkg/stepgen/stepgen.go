// Package stepgen turns per-joint position and velocity commands into
// bounded, slew limited step frequency commands, and folds raw feedback
// counters back into positions.
//
// The math follows the classic software stepgen shape: all limits are
// rederived every tick from the live parameter values, parameters that
// exceed what the hardware can do are silently pulled back into range,
// and a near zero scale is forced to 1.0 instead of poisoning every
// later division.
package stepgen

import (
	"fmt"
	"math"
)

// ControlMode selects the per-joint control law.
type ControlMode int

const (
	// Position closes a proportional plus feedforward loop around the
	// position command.
	Position ControlMode = iota

	// Velocity passes the velocity command input straight through.
	Velocity
)

func (m ControlMode) String() string {
	switch m {
	case Position:
		return "position"
	case Velocity:
		return "velocity"
	default:
		return "unknown"
	}
}

// ParseControlMode maps a profile tag to a control mode. Only the first
// character decides; an empty tag selects position control.
func ParseControlMode(s string) (ControlMode, error) {
	if s == "" || s[0] == 'p' || s[0] == 'P' {
		return Position, nil
	}
	if s[0] == 'v' || s[0] == 'V' {
		return Velocity, nil
	}
	return 0, fmt.Errorf("stepgen: invalid control type %q", s)
}

// FeedbackType selects how raw feedback counters are interpreted.
type FeedbackType int

const (
	// Incremental counters report relative motion and accumulate into
	// a 64-bit position.
	Incremental FeedbackType = iota

	// Absolute counters carry the whole position directly.
	Absolute
)

func (f FeedbackType) String() string {
	switch f {
	case Incremental:
		return "incremental"
	case Absolute:
		return "absolute"
	default:
		return "unknown"
	}
}

// ParseFeedbackType maps a profile tag to a feedback type. An empty tag
// selects incremental.
func ParseFeedbackType(s string) (FeedbackType, error) {
	if s == "" || s[0] == 'i' || s[0] == 'I' {
		return Incremental, nil
	}
	if s[0] == 'a' || s[0] == 'A' {
		return Absolute, nil
	}
	return 0, fmt.Errorf("stepgen: invalid feedback type %q", s)
}

// Scales with a magnitude below this are unusable and get forced to 1.0.
const scaleEpsilon = 1e-20

// JointConfig fixes a joint's behavior at construction.
type JointConfig struct {
	Mode   ControlMode
	FbType FeedbackType

	// FbDiv prescales raw feedback counters by integer division.
	// Values below 1 mean no prescale.
	FbDiv int32
}

// Joint carries the per-joint state that survives between ticks: the
// previous frequency for slew limiting, the previous command for the
// derivative term, the scale change detector, and the feedback
// accumulator.
type Joint struct {
	cfg JointConfig

	scale      float64
	oldScale   float64
	scaleRecip float64

	freq    float64
	prevCmd float64
	cmdD    float64

	oldCount int32
	accum    int64
}

// NewJoint creates a joint. The scale starts at 1.0 so feedback decoded
// before the first tick never divides by zero; the first tick always
// recomputes it from the live parameter.
func NewJoint(cfg JointConfig) *Joint {
	if cfg.FbDiv < 1 {
		cfg.FbDiv = 1
	}
	return &Joint{
		cfg:        cfg,
		scale:      1.0,
		scaleRecip: 1.0,
		oldScale:   math.NaN(),
	}
}

// Mode returns the joint's control mode.
func (j *Joint) Mode() ControlMode { return j.cfg.Mode }

// FeedbackType returns how this joint's raw counters are interpreted.
func (j *Joint) FeedbackType() FeedbackType { return j.cfg.FbType }

// Freq returns the frequency command produced by the last tick, in
// counts per second.
func (j *Joint) Freq() float64 { return j.freq }

// Counts returns the accumulated feedback count.
func (j *Joint) Counts() int64 { return j.accum }

// Command is one tick's view of a joint's host owned registers. The
// joint borrows these values for the tick; clamped parameters come back
// in the Result for the host to write through.
type Command struct {
	PosCmd   float64
	VelCmd   float64
	PosFB    float64
	Scale    float64
	MaxVel   float64
	MaxAccel float64
	PGain    float64
	FF1Gain  float64
	Deadband float64
	Enable   bool
}

// Result carries the published frequency plus the possibly clamped
// parameters.
type Result struct {
	Freq     float64
	Scale    float64
	MaxVel   float64
	MaxAccel float64
}

// Generator owns the joints and the tick timing constants they share.
type Generator struct {
	baseFreq float64
	joints   []*Joint

	oldPeriod   int64
	dt          float64
	recipDT     float64
	periodRecip float64
}

// NewGenerator creates a generator for joints driven by hardware whose
// step generators run from baseFreq Hz.
func NewGenerator(baseFreq float64, joints []*Joint) *Generator {
	return &Generator{baseFreq: baseFreq, joints: joints}
}

// Joints returns the number of joints.
func (g *Generator) Joints() int { return len(g.joints) }

// Joint returns joint i.
func (g *Generator) Joint(i int) *Joint { return g.joints[i] }

// BeginTick refreshes the tick timing constants. period is the servo
// thread period in nanoseconds; the cached dt and its reciprocal only
// change when the scheduler's period changes.
func (g *Generator) BeginTick(period int64) {
	periodFP := float64(period) * 1e-9
	g.periodRecip = 1.0 / periodFP

	if period != g.oldPeriod {
		g.oldPeriod = period
		g.dt = periodFP
		g.recipDT = 1.0 / g.dt
	}
}

// UpdateJoint runs one joint's control law for the current tick.
// BeginTick must have been called for this tick first.
func (g *Generator) UpdateJoint(i int, cmd Command) Result {
	j := g.joints[i]

	// A changed scale invalidates the cached reciprocal. Near zero
	// values are forced to 1.0: motion with a wrong scale beats a
	// division by zero every tick.
	scale := cmd.Scale
	if cmd.Scale != j.oldScale {
		j.oldScale = cmd.Scale
		if scale < scaleEpsilon && scale > -scaleEpsilon {
			scale = 1.0
		}
		j.scaleRecip = 1.0 / scale
	}
	j.scale = scale
	absScale := math.Abs(scale)

	// Frequency ceiling: half the hardware base frequency, tightened
	// by the max velocity parameter when that is the binding
	// constraint, or the parameter lowered when it asks for more than
	// the hardware can step.
	maxFreq := g.baseFreq / 2.0
	maxVel := cmd.MaxVel
	if maxVel <= 0 {
		maxVel = 0
	} else {
		desired := maxVel * absScale
		if desired > maxFreq {
			maxVel = maxFreq / absScale
		} else {
			maxFreq = desired
		}
	}

	// Acceleration ceiling: zero to full frequency in one tick is the
	// physical maximum; the same two way clamp applies against the max
	// acceleration parameter.
	maxAc := maxFreq * g.recipDT
	maxAccel := cmd.MaxAccel
	if maxAccel <= 0 {
		maxAccel = 0
	} else if maxAccel*absScale > maxAc {
		maxAccel = maxAc / absScale
	} else {
		maxAc = maxAccel * absScale
	}

	var velCmd float64
	if j.cfg.Mode == Position {
		// Gains configured as exactly zero mean unset; the deadband
		// default is one count of resolution.
		pgain := cmd.PGain
		if pgain == 0 {
			pgain = 1.0
		}
		ff1gain := cmd.FF1Gain
		if ff1gain == 0 {
			ff1gain = 1.0
		}
		deadband := cmd.Deadband
		if deadband == 0 {
			deadband = j.scaleRecip
		}

		err := cmd.PosCmd - cmd.PosFB
		switch {
		case err > deadband:
			err -= deadband
		case err < -deadband:
			err += deadband
		default:
			err = 0
		}

		j.cmdD = (cmd.PosCmd - j.prevCmd) * g.periodRecip
		j.prevCmd = cmd.PosCmd

		velCmd = pgain*err + j.cmdD*ff1gain
	} else {
		velCmd = cmd.VelCmd
	}

	// To counts per second, bounded by the frequency ceiling.
	velCmd *= scale
	if velCmd > maxFreq {
		velCmd = maxFreq
	} else if velCmd < -maxFreq {
		velCmd = -maxFreq
	}

	// Slew limit: move toward the target by at most one tick's worth
	// of acceleration.
	dv := maxAc * g.dt
	newVel := velCmd
	if velCmd > j.freq+dv {
		newVel = j.freq + dv
	} else if velCmd < j.freq-dv {
		newVel = j.freq - dv
	}

	if !cmd.Enable {
		newVel = 0
	}

	j.freq = newVel
	return Result{Freq: newVel, Scale: scale, MaxVel: maxVel, MaxAccel: maxAccel}
}

// Feedback is the decoded result of one raw counter word.
type Feedback struct {
	Position float64

	// Counts carries the accumulated count for incremental joints.
	// Absolute joints do not publish counts.
	Counts    int64
	HasCounts bool
}

// ApplyFeedback folds one raw feedback word into the joint. Absolute
// counters convert directly. Incremental counters accumulate the
// wrapped 32-bit diff into a 64-bit total, which keeps positions
// correct across counter rollover for as long as the true per-tick
// change stays within half the counter range.
func (j *Joint) ApplyFeedback(raw int32) Feedback {
	raw /= j.cfg.FbDiv

	if j.cfg.FbType == Absolute {
		return Feedback{Position: float64(raw) / j.scale}
	}

	diff := raw - j.oldCount
	j.oldCount = raw
	j.accum += int64(diff)

	return Feedback{
		Position:  (float64(j.accum) + 0.5) / j.scale,
		Counts:    j.accum,
		HasCounts: true,
	}
}
