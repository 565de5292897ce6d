package config

// Board defaults for the spidev transport, matching the reference
// carrier wiring.
const (
	defaultCSPin    = 7
	defaultResetPin = 25
)

// Normalize fills defaults for everything the profile left unset. It
// mutates the configuration and must run only after Validate.
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}

	if cfg.Machine == "" {
		cfg.Machine = "rio"
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "rio"
	}

	if cfg.Link.Transport == "" {
		cfg.Link.Transport = "spi"
	}
	switch cfg.Link.Transport {
	case "spi":
		if cfg.Link.Device == "" {
			cfg.Link.Device = "/dev/spidev0.0"
		}
		if cfg.Link.SpeedHz == 0 {
			cfg.Link.SpeedHz = 3125000
		}
		if cfg.Link.CSPin == nil {
			cfg.Link.CSPin = intPtr(defaultCSPin)
		}
		if cfg.Link.ResetPin == nil {
			cfg.Link.ResetPin = intPtr(defaultResetPin)
		}
	case "uart":
		if cfg.Link.Device == "" {
			cfg.Link.Device = "/dev/ttyAMA0"
		}
		if cfg.Link.Baud == 0 {
			cfg.Link.Baud = 1000000
		}
	case "socket":
		if cfg.Link.SocketPath == "" {
			cfg.Link.SocketPath = "/tmp/rio_sim"
		}
	}

	if cfg.Hardware.OscillatorHz == 0 {
		cfg.Hardware.OscillatorHz = 16000000
	}
	if cfg.Hardware.BaseFreqHz == 0 {
		cfg.Hardware.BaseFreqHz = 320000
	}

	if cfg.Servo.PeriodUS == 0 {
		cfg.Servo.PeriodUS = 1000
	}

	for i := range cfg.Joints {
		j := &cfg.Joints[i]
		if j.FeedbackDivisor < 1 {
			j.FeedbackDivisor = 1
		}
		if j.Scale == 0 {
			j.Scale = 1.0
		}
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = ":8080"
	}
	if cfg.API.WSIntervalMS == 0 {
		cfg.API.WSIntervalMS = 250
	}

	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9090"
	}

	if cfg.Telemetry.Prefix == "" {
		cfg.Telemetry.Prefix = "rio"
	}
	if cfg.Telemetry.IntervalMS == 0 {
		cfg.Telemetry.IntervalMS = 1000
	}

	if cfg.VFD.Mode == "" {
		cfg.VFD.Mode = "rtu"
	}
	if cfg.VFD.SlaveID == 0 {
		cfg.VFD.SlaveID = 1
	}
	if cfg.VFD.Baud == 0 {
		cfg.VFD.Baud = 9600
	}
	if cfg.VFD.TimeoutMS == 0 {
		cfg.VFD.TimeoutMS = 500
	}
	if cfg.VFD.RPMScale == 0 {
		cfg.VFD.RPMScale = 1.0
	}
	if cfg.VFD.PollTicks == 0 {
		cfg.VFD.PollTicks = 100
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

func intPtr(v int) *int { return &v }
