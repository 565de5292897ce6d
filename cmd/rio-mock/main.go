// rio-mock is a standalone RIO board simulator for testing rio-host
// without hardware. It listens on a unix socket, answers every frame
// the way the gateware would (integrating commanded frequencies into
// position feedback, echoing setpoints into process values), and can
// inject faults on demand.
//
// Usage:
//
//	rio-mock -config machine.yaml [-socket /tmp/rio_sim] [options]
//
// The profile is only read for the board geometry, so the same file
// drives both ends. Point rio-host at the socket with
// "transport: socket".
//
// Options:
//
//	-socket string   Unix socket path (default /tmp/rio_sim)
//	-loopback        Mirror digital outputs onto digital inputs
//	-estop-after N   Answer with the e-stop tag after N exchanges
//	-debug           Debug log level
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/festlv/LinuxCNC-RIO/pkg/config"
	"github.com/festlv/LinuxCNC-RIO/pkg/log"
	"github.com/festlv/LinuxCNC-RIO/pkg/protocol"
	"github.com/festlv/LinuxCNC-RIO/pkg/riosim"
)

func main() {
	configFile := flag.String("config", "", "Machine profile (required, geometry only)")
	socketPath := flag.String("socket", "/tmp/rio_sim", "Unix socket path")
	loopback := flag.Bool("loopback", false, "Mirror digital outputs onto digital inputs")
	estopAfter := flag.Int("estop-after", 0, "Answer with the e-stop tag after N exchanges (0 = never)")
	debug := flag.Bool("debug", false, "Debug log level")
	flag.Parse()

	logger := log.New("rio-mock")
	if *debug {
		logger.SetLevel(log.DEBUG)
	}
	log.SetDefaultLogger(logger)

	if *configFile == "" {
		fmt.Fprintln(os.Stderr, "Error: -config is required")
		flag.Usage()
		os.Exit(1)
	}
	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Errorf("config: %v", err)
		os.Exit(1)
	}
	rioCfg, err := cfg.Component()
	if err != nil {
		logger.Errorf("config: %v", err)
		os.Exit(1)
	}

	layout := protocol.NewLayout(len(rioCfg.Joints), len(rioCfg.Outputs),
		rioCfg.VarIn, rioCfg.DigitalOutputs, rioCfg.DigitalInputs)

	simCfg := riosim.DefaultConfig()
	simCfg.Loopback = *loopback
	sim := riosim.New(layout, simCfg)

	os.Remove(*socketPath)
	listener, err := net.Listen("unix", *socketPath)
	if err != nil {
		logger.Errorf("listen: %v", err)
		os.Exit(1)
	}

	logger.Info("board simulator on %s: %d joints, %d byte frames",
		*socketPath, len(rioCfg.Joints), layout.BufferSize())

	var closing atomic.Bool
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received %s, shutting down", sig)
		closing.Store(true)
		listener.Close()
		os.Remove(*socketPath)
	}()

	var exchanges int64
	for {
		conn, err := listener.Accept()
		if err != nil {
			if closing.Load() {
				return
			}
			logger.Errorf("accept: %v", err)
			continue
		}
		logger.Info("host connected from %s", conn.RemoteAddr())
		go serve(conn, sim, layout, logger, &exchanges, int64(*estopAfter))
	}
}

// serve answers frames on one connection until the host hangs up.
// Exactly one response per request keeps the stream in lockstep.
func serve(conn net.Conn, sim *riosim.Simulator, layout protocol.Layout, logger *log.Logger, exchanges *int64, estopAfter int64) {
	defer conn.Close()

	size := layout.BufferSize()
	tx := make([]byte, size)
	rx := make([]byte, size)

	for {
		if _, err := io.ReadFull(conn, tx); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.WithError(err).Warn("frame read failed")
			}
			logger.Info("host disconnected")
			return
		}

		n := atomic.AddInt64(exchanges, 1)
		if estopAfter > 0 && n == estopAfter {
			logger.Warn("injecting e-stop after %d exchanges", n)
			sim.InjectEStop(true)
		}

		if err := sim.Exchange(tx, rx); err != nil {
			logger.WithError(err).Warn("simulator rejected frame")
			// Still answer so the host's read does not stall; a
			// zeroed header reads as corrupt, which is the truth.
			for i := range rx {
				rx[i] = 0
			}
		}

		if _, err := conn.Write(rx); err != nil {
			logger.WithError(err).Warn("frame write failed")
			return
		}
	}
}
