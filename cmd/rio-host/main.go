// rio-host drives a RIO FPGA motion-control board: it runs the servo
// tick loop against the configured link transport and serves the
// status API, metrics endpoint and optional MQTT telemetry and Modbus
// spindle bridge around it.
//
// Usage:
//
//	rio-host -config machine.yaml [options]
//
// Options:
//
//	-config string  Machine profile (required)
//	-check          Validate the profile and exit
//	-debug          Force debug log level
//	-sim            Use the in-process simulator transport
//
// Examples:
//
//	# Drive the board described in the profile
//	rio-host -config machine.yaml
//
//	# Bench run against the in-process simulator regardless of the
//	# profile's transport
//	rio-host -config machine.yaml -sim
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/festlv/LinuxCNC-RIO/pkg/api"
	"github.com/festlv/LinuxCNC-RIO/pkg/config"
	"github.com/festlv/LinuxCNC-RIO/pkg/hal"
	"github.com/festlv/LinuxCNC-RIO/pkg/log"
	"github.com/festlv/LinuxCNC-RIO/pkg/metrics"
	"github.com/festlv/LinuxCNC-RIO/pkg/protocol"
	"github.com/festlv/LinuxCNC-RIO/pkg/rio"
	"github.com/festlv/LinuxCNC-RIO/pkg/riosim"
	"github.com/festlv/LinuxCNC-RIO/pkg/servo"
	"github.com/festlv/LinuxCNC-RIO/pkg/telemetry"
	"github.com/festlv/LinuxCNC-RIO/pkg/transport"
	"github.com/festlv/LinuxCNC-RIO/pkg/vfd"
)

func main() {
	configFile := flag.String("config", "", "Machine profile (required)")
	check := flag.Bool("check", false, "Validate the profile and exit")
	debug := flag.Bool("debug", false, "Force debug log level")
	sim := flag.Bool("sim", false, "Use the in-process simulator transport")
	flag.Parse()

	if *configFile == "" {
		fmt.Fprintln(os.Stderr, "Error: -config is required")
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *check {
		fmt.Printf("%s: OK (%d joints, %d outputs)\n", *configFile, len(cfg.Joints), len(cfg.Outputs))
		return
	}

	logger := setupLogging(cfg, *debug)
	logger.Info("rio-host starting: machine %q, profile %s", cfg.Machine, *configFile)

	rioCfg, err := cfg.Component()
	if err != nil {
		logger.Errorf("profile translation failed: %v", err)
		os.Exit(1)
	}

	tr, err := openTransport(cfg, rioCfg, *sim, logger)
	if err != nil {
		logger.Errorf("transport setup failed: %v", err)
		os.Exit(1)
	}
	defer tr.Close()

	registry := hal.NewRegistry()
	comp, err := rio.New(rioCfg, registry, tr, rio.WithLogger(logger.WithPrefix("rio")))
	if err != nil {
		logger.Errorf("component setup failed: %v", err)
		os.Exit(1)
	}

	// Tick order matches the realtime thread of the original driver:
	// feedback and handshake first, then the control law, then the
	// command packet.
	thread := servo.New(cfg.Period(), logger.WithPrefix("servo"))
	thread.Register("read", func(period int64) { comp.Read() })
	thread.Register("update-freq", comp.UpdateFreq)
	thread.Register("write", func(period int64) { comp.Write() })
	thread.Register("metrics", func(period int64) { comp.PublishMetrics() })

	var spindle *vfd.Bridge
	if cfg.VFD.Endpoint != "" {
		spindle, err = vfd.New(vfdConfig(cfg), registry, logger.WithPrefix("vfd"))
		if err != nil {
			logger.Errorf("VFD setup failed: %v", err)
			os.Exit(1)
		}
		defer spindle.Close()
		thread.Register("vfd", spindle.Tick)
	}

	var metricsServer *metrics.MetricsServer
	if !cfg.Metrics.Disabled {
		msCfg := metrics.DefaultMetricsServerConfig()
		msCfg.Address = cfg.Metrics.Listen
		msCfg.Username = cfg.Metrics.Username
		msCfg.Password = cfg.Metrics.Password
		metricsServer = metrics.NewMetricsServerWithConfig(metrics.GlobalMetrics(), msCfg)
		metricsServer.StartAsync()
		logger.Info("metrics server on %s", cfg.Metrics.Listen)
	}

	var apiServer *api.Server
	if !cfg.API.Disabled {
		apiServer = api.New(api.Config{
			Listen:     cfg.API.Listen,
			WSInterval: cfg.API.WSInterval(),
		}, comp, logger.WithPrefix("api"))
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Errorf("API server: %v", err)
			}
		}()
	}

	var publisher *telemetry.Publisher
	if cfg.Telemetry.Broker != "" {
		publisher, err = telemetry.New(telemetry.Config{
			Broker:   cfg.Telemetry.Broker,
			Prefix:   cfg.Telemetry.Prefix,
			Machine:  cfg.Machine,
			Interval: cfg.Telemetry.Interval(),
		}, comp, logger.WithPrefix("telemetry"))
		if err != nil {
			logger.Errorf("telemetry setup failed: %v", err)
			os.Exit(1)
		}
		if err := publisher.Start(); err != nil {
			// A dead broker should not keep the machine from moving.
			logger.Errorf("telemetry start failed: %v", err)
			publisher = nil
		}
	}

	thread.Start()
	logger.Info("running, servo period %s", cfg.Period())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received %s, shutting down", sig)

	thread.Stop()
	if publisher != nil {
		publisher.Stop()
	}
	if apiServer != nil {
		apiServer.Stop()
	}
	if metricsServer != nil {
		metricsServer.Shutdown(context.Background())
	}
	logger.Info("rio-host stopped")
}

// setupLogging applies the profile's log section to the default logger
// so every package logger inherits it.
func setupLogging(cfg *config.Config, debug bool) *log.Logger {
	logger := log.New("rio-host")
	logger.SetLevel(log.ParseLevel(cfg.Log.Level))
	if debug {
		logger.SetLevel(log.DEBUG)
	}
	if cfg.Log.Format == "json" {
		logger.SetFormat(log.FormatJSON)
	}
	if cfg.Log.File != "" {
		w, err := log.NewRotatingFileWriter(log.RotationConfig{Filename: cfg.Log.File})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
			os.Exit(1)
		}
		logger.SetWriter(w)
		logger.SetColorize(false)
	}
	log.ConfigureFromEnv(logger)
	log.SetDefaultLogger(logger)
	return logger
}

// openTransport builds the link transport the profile selects. The
// simulator runs in-process and needs the packet layout up front.
func openTransport(cfg *config.Config, rioCfg rio.Config, forceSim bool, logger *log.Logger) (transport.Transport, error) {
	kind := cfg.Link.Transport
	if forceSim {
		kind = "sim"
	}

	switch kind {
	case "spi":
		sc := transport.DefaultSPIConfig()
		if cfg.Link.Device != "" {
			sc.Device = cfg.Link.Device
		}
		if cfg.Link.SpeedHz != 0 {
			sc.SpeedHz = cfg.Link.SpeedHz
		}
		if cfg.Link.CSPin != nil {
			sc.CSPin = *cfg.Link.CSPin
		}
		if cfg.Link.ResetPin != nil {
			sc.ResetPin = *cfg.Link.ResetPin
		}
		logger.Info("link: spidev %s at %d Hz", sc.Device, sc.SpeedHz)
		return transport.OpenSPI(sc)

	case "uart":
		uc := transport.DefaultUARTConfig()
		uc.Device = cfg.Link.Device
		if cfg.Link.Baud != 0 {
			uc.Baud = cfg.Link.Baud
		}
		logger.Info("link: uart %s at %d baud", uc.Device, uc.Baud)
		return transport.OpenUART(uc)

	case "socket":
		sc := transport.DefaultSocketConfig()
		if cfg.Link.SocketPath != "" {
			sc.Path = cfg.Link.SocketPath
		}
		logger.Info("link: unix socket %s", sc.Path)
		return transport.OpenSocket(sc)

	case "sim":
		layout := protocol.NewLayout(len(rioCfg.Joints), len(rioCfg.Outputs),
			rioCfg.VarIn, rioCfg.DigitalOutputs, rioCfg.DigitalInputs)
		logger.Info("link: in-process simulator")
		return riosim.New(layout, riosim.DefaultConfig()), nil

	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}

// vfdConfig translates the profile's VFD section.
func vfdConfig(cfg *config.Config) vfd.Config {
	return vfd.Config{
		Prefix:         cfg.Prefix,
		Mode:           cfg.VFD.Mode,
		Endpoint:       cfg.VFD.Endpoint,
		SlaveID:        cfg.VFD.SlaveID,
		Baud:           cfg.VFD.Baud,
		Timeout:        cfg.VFD.Timeout(),
		RPMRegister:    cfg.VFD.RPMRegister,
		StatusRegister: cfg.VFD.StatusRegister,
		RunCoil:        cfg.VFD.RunCoil,
		DirectionCoil:  cfg.VFD.DirectionCoil,
		RPMScale:       cfg.VFD.RPMScale,
		MaxRPM:         cfg.VFD.MaxRPM,
		PollTicks:      cfg.VFD.PollTicks,
	}
}
