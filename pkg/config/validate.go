package config

import (
	"fmt"

	"github.com/festlv/LinuxCNC-RIO/pkg/stepgen"
	"github.com/festlv/LinuxCNC-RIO/pkg/vout"
)

// Validate checks profile correctness. It performs declarative
// validation only and must not mutate the configuration; empty fields
// mean "use the default" and pass.
func Validate(cfg *Config) error {
	switch cfg.Link.Transport {
	case "", "spi", "uart", "socket", "sim":
	default:
		return fmt.Errorf("link: unknown transport %q", cfg.Link.Transport)
	}
	if cfg.Link.Baud < 0 {
		return fmt.Errorf("link: baud must not be negative")
	}

	if cfg.Hardware.OscillatorHz < 0 {
		return fmt.Errorf("hardware: oscillator_hz must not be negative")
	}
	if cfg.Hardware.BaseFreqHz < 0 {
		return fmt.Errorf("hardware: base_freq_hz must not be negative")
	}

	if cfg.Servo.PeriodUS < 0 {
		return fmt.Errorf("servo: period_us must not be negative")
	}

	for i, j := range cfg.Joints {
		if _, err := stepgen.ParseControlMode(j.Type); err != nil {
			return fmt.Errorf("joint %d: %w", i, err)
		}
		if _, err := stepgen.ParseFeedbackType(j.Feedback); err != nil {
			return fmt.Errorf("joint %d: %w", i, err)
		}
		if j.FeedbackDivisor < 0 {
			return fmt.Errorf("joint %d: feedback_divisor must not be negative", i)
		}
	}

	for i, o := range cfg.Outputs {
		if o.Law == "" {
			return fmt.Errorf("output %d: law is required", i)
		}
		law, err := vout.ParseLaw(o.Law)
		if err != nil {
			return fmt.Errorf("output %d: %w", i, err)
		}
		switch law {
		case vout.Sine, vout.PWM:
			if o.FreqHz <= 0 {
				return fmt.Errorf("output %d: %s law needs freq_hz > 0", i, law)
			}
		case vout.Linear:
			if o.Max == o.Min {
				return fmt.Errorf("output %d: linear law needs max != min", i)
			}
		}
	}

	if cfg.VariableInputs < 0 || cfg.DigitalOutputs < 0 || cfg.DigitalInputs < 0 {
		return fmt.Errorf("channel counts must not be negative")
	}

	if cfg.API.WSIntervalMS < 0 {
		return fmt.Errorf("api: ws_interval_ms must not be negative")
	}
	if cfg.Telemetry.IntervalMS < 0 {
		return fmt.Errorf("telemetry: interval_ms must not be negative")
	}

	switch cfg.VFD.Mode {
	case "", "rtu", "tcp":
	default:
		return fmt.Errorf("vfd: unknown mode %q", cfg.VFD.Mode)
	}
	if cfg.VFD.Baud < 0 || cfg.VFD.TimeoutMS < 0 || cfg.VFD.PollTicks < 0 {
		return fmt.Errorf("vfd: timing values must not be negative")
	}
	if cfg.VFD.RPMScale < 0 || cfg.VFD.MaxRPM < 0 {
		return fmt.Errorf("vfd: rpm values must not be negative")
	}

	switch cfg.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log: unknown level %q", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log: unknown format %q", cfg.Log.Format)
	}

	return nil
}
