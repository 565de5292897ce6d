// RIO-specific metrics definitions
//
// Defines all metrics for the RIO host including:
// - Link/exchange metrics
// - Per-joint motion metrics
// - Analog and digital IO metrics
// - Servo thread metrics
// - Spindle VFD metrics
// - System metrics
//
// Copyright (C) 2026 RIO Host Project
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	goruntime "runtime"
	"strconv"
	"sync"
	"time"
)

// Exchange result label values
const (
	ExchangeOK        = "ok"
	ExchangeEStop     = "estop"
	ExchangeCorrupt   = "corrupt"
	ExchangeTransport = "transport"
)

// RIOMetrics holds all RIO host metrics
type RIOMetrics struct {
	// Link metrics
	LinkState *Gauge
	Exchanges *Counter

	// Joint metrics
	JointFrequency *Gauge
	JointPosition  *Gauge
	JointEnabled   *Gauge

	// Analog and digital IO metrics
	Setpoint      *Gauge
	ProcessValue  *Gauge
	DigitalOutput *Gauge
	DigitalInput  *Gauge

	// Servo thread metrics
	ServoTickDuration *Histogram
	ServoOverruns     *Counter

	// Spindle VFD metrics
	VFDCommandRPM  *Gauge
	VFDFeedbackRPM *Gauge
	VFDErrors      *Counter

	// System metrics
	HostUptime    *Counter
	GoGoroutines  *Gauge
	GoMemoryHeap  *Gauge
	GoMemoryAlloc *Gauge
	GoGCCycles    *Counter

	// Internal
	startTime time.Time
	registry  *Registry
}

// NewRIOMetrics creates and registers all RIO metrics
func NewRIOMetrics() *RIOMetrics {
	rm := &RIOMetrics{
		startTime: time.Now(),
		registry:  NewRegistry(),
	}

	// Link metrics
	rm.LinkState = NewGauge("rio_link_state",
		"Link handshake state (0=disabled, 1=armed, 2=active, 3=fault)")
	rm.Exchanges = NewCounter("rio_exchanges_total",
		"Total link exchanges by result")

	// Joint metrics
	rm.JointFrequency = NewGauge("rio_joint_frequency_hz",
		"Commanded step frequency per joint in counts per second")
	rm.JointPosition = NewGauge("rio_joint_position",
		"Position feedback per joint in machine units")
	rm.JointEnabled = NewGauge("rio_joint_enabled",
		"Joint enable state (1=enabled, 0=disabled)")

	// Analog and digital IO metrics
	rm.Setpoint = NewGauge("rio_setpoint",
		"Commanded variable output value per channel")
	rm.ProcessValue = NewGauge("rio_process_value",
		"Variable input reading per channel")
	rm.DigitalOutput = NewGauge("rio_digital_output",
		"Digital output bit state (1=on, 0=off)")
	rm.DigitalInput = NewGauge("rio_digital_input",
		"Digital input bit state (1=on, 0=off)")

	// Servo thread metrics
	rm.ServoTickDuration = NewHistogram("rio_servo_tick_seconds",
		"Servo tick execution time",
		[]float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01})
	rm.ServoOverruns = NewCounter("rio_servo_overruns_total",
		"Servo ticks that ran longer than the thread period")

	// Spindle VFD metrics
	rm.VFDCommandRPM = NewGauge("rio_vfd_command_rpm",
		"Commanded spindle speed in RPM")
	rm.VFDFeedbackRPM = NewGauge("rio_vfd_feedback_rpm",
		"Reported spindle speed in RPM")
	rm.VFDErrors = NewCounter("rio_vfd_errors_total",
		"Total VFD bus errors by operation")

	// System metrics
	rm.HostUptime = NewCounter("rio_host_uptime_seconds_total",
		"Total host uptime in seconds")
	rm.GoGoroutines = NewGauge("rio_go_goroutines",
		"Number of active goroutines")
	rm.GoMemoryHeap = NewGauge("rio_go_memory_heap_bytes",
		"Go heap memory in use")
	rm.GoMemoryAlloc = NewGauge("rio_go_memory_alloc_bytes",
		"Go total memory allocated")
	rm.GoGCCycles = NewCounter("rio_go_gc_cycles_total",
		"Total Go garbage collection cycles")

	rm.registerAll()

	return rm
}

// registerAll registers all metrics with the internal registry
func (rm *RIOMetrics) registerAll() {
	metrics := []Metric{
		rm.LinkState, rm.Exchanges,
		rm.JointFrequency, rm.JointPosition, rm.JointEnabled,
		rm.Setpoint, rm.ProcessValue, rm.DigitalOutput, rm.DigitalInput,
		rm.ServoTickDuration, rm.ServoOverruns,
		rm.VFDCommandRPM, rm.VFDFeedbackRPM, rm.VFDErrors,
		rm.HostUptime, rm.GoGoroutines, rm.GoMemoryHeap, rm.GoMemoryAlloc,
		rm.GoGCCycles,
	}
	for _, m := range metrics {
		rm.registry.MustRegister(m)
	}
}

// UpdateSystemMetrics updates Go runtime metrics
func (rm *RIOMetrics) UpdateSystemMetrics() {
	var m goruntime.MemStats
	goruntime.ReadMemStats(&m)

	rm.GoGoroutines.Set(nil, float64(goruntime.NumGoroutine()))
	rm.GoMemoryHeap.Set(nil, float64(m.HeapAlloc))
	rm.GoMemoryAlloc.Set(nil, float64(m.Alloc))
	rm.GoGCCycles.Add(nil, uint64(m.NumGC)-rm.GoGCCycles.Get(nil))
	rm.HostUptime.Add(nil, uint64(time.Since(rm.startTime).Seconds())-rm.HostUptime.Get(nil))
}

// SetLinkState updates the link state gauge
func (rm *RIOMetrics) SetLinkState(state int) {
	rm.LinkState.Set(nil, float64(state))
}

// RecordExchange counts one link exchange outcome
func (rm *RIOMetrics) RecordExchange(result string) {
	rm.Exchanges.Inc(Labels{"result": result})
}

// SetJointStatus updates per-joint motion metrics
func (rm *RIOMetrics) SetJointStatus(joint int, freq, position float64, enabled bool) {
	labels := Labels{"joint": strconv.Itoa(joint)}
	rm.JointFrequency.Set(labels, freq)
	rm.JointPosition.Set(labels, position)
	rm.JointEnabled.Set(labels, boolValue(enabled))
}

// SetSetpoint updates a variable output gauge
func (rm *RIOMetrics) SetSetpoint(ch int, value float64) {
	rm.Setpoint.Set(Labels{"channel": strconv.Itoa(ch)}, value)
}

// SetProcessValue updates a variable input gauge
func (rm *RIOMetrics) SetProcessValue(ch int, value float64) {
	rm.ProcessValue.Set(Labels{"channel": strconv.Itoa(ch)}, value)
}

// SetDigitalOutput updates a digital output bit gauge
func (rm *RIOMetrics) SetDigitalOutput(bit int, on bool) {
	rm.DigitalOutput.Set(Labels{"bit": strconv.Itoa(bit)}, boolValue(on))
}

// SetDigitalInput updates a digital input bit gauge
func (rm *RIOMetrics) SetDigitalInput(bit int, on bool) {
	rm.DigitalInput.Set(Labels{"bit": strconv.Itoa(bit)}, boolValue(on))
}

// RecordServoTick records one servo tick execution time
func (rm *RIOMetrics) RecordServoTick(d time.Duration) {
	rm.ServoTickDuration.Observe(nil, d.Seconds())
}

// RecordServoOverrun counts a tick that exceeded the thread period
func (rm *RIOMetrics) RecordServoOverrun() {
	rm.ServoOverruns.Inc(nil)
}

// SetVFDStatus updates spindle command and feedback gauges
func (rm *RIOMetrics) SetVFDStatus(commandRPM, feedbackRPM float64) {
	rm.VFDCommandRPM.Set(nil, commandRPM)
	rm.VFDFeedbackRPM.Set(nil, feedbackRPM)
}

// RecordVFDError counts a VFD bus error
func (rm *RIOMetrics) RecordVFDError(op string) {
	rm.VFDErrors.Inc(Labels{"op": op})
}

// Gather returns all metrics in Prometheus text format
func (rm *RIOMetrics) Gather() string {
	rm.UpdateSystemMetrics()
	return rm.registry.Gather()
}

// Registry returns the internal registry
func (rm *RIOMetrics) Registry() *Registry {
	return rm.registry
}

func boolValue(on bool) float64 {
	if on {
		return 1
	}
	return 0
}

// Global metrics instance
var globalMetrics *RIOMetrics
var globalMetricsOnce sync.Once

// GlobalMetrics returns the global RIO metrics instance
func GlobalMetrics() *RIOMetrics {
	globalMetricsOnce.Do(func() {
		globalMetrics = NewRIOMetrics()
	})
	return globalMetrics
}
