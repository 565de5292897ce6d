// Package hal models the register surface shared between the driver and
// its host: named, typed, direction-checked pins. The servo thread owns
// the tick-time reads and writes; observers on other goroutines (API,
// telemetry) read the same pins, so all pin access is atomic.
package hal

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
)

// Dir describes which side drives a pin.
type Dir int

const (
	// In pins are written by the host and read by the driver.
	In Dir = iota

	// Out pins are written by the driver and read by the host.
	Out

	// RW pins are tunable parameters written by either side.
	RW
)

func (d Dir) String() string {
	switch d {
	case In:
		return "in"
	case Out:
		return "out"
	case RW:
		return "rw"
	default:
		return "unknown"
	}
}

// Common errors
var (
	ErrDuplicatePin = errors.New("hal: pin already registered")
	ErrUnknownPin   = errors.New("hal: unknown pin")
	ErrNotWritable  = errors.New("hal: pin is not host writable")
	ErrBadValue     = errors.New("hal: value type does not match pin type")
)

// Pin is the common surface of all pin types.
type Pin interface {
	Name() string
	Dir() Dir

	// Value returns the current value as bool, float64 or int32.
	Value() interface{}
}

// Bit is a boolean pin.
type Bit struct {
	name string
	dir  Dir
	v    atomic.Bool
}

func (b *Bit) Name() string       { return b.name }
func (b *Bit) Dir() Dir           { return b.dir }
func (b *Bit) Value() interface{} { return b.Get() }

// Get returns the pin value.
func (b *Bit) Get() bool { return b.v.Load() }

// Set stores a new pin value.
func (b *Bit) Set(v bool) { b.v.Store(v) }

// Float is a float64 pin. Values are stored as raw bits so concurrent
// readers never observe a torn value.
type Float struct {
	name string
	dir  Dir
	bits atomic.Uint64
}

func (f *Float) Name() string       { return f.name }
func (f *Float) Dir() Dir           { return f.dir }
func (f *Float) Value() interface{} { return f.Get() }

// Get returns the pin value.
func (f *Float) Get() float64 { return math.Float64frombits(f.bits.Load()) }

// Set stores a new pin value.
func (f *Float) Set(v float64) { f.bits.Store(math.Float64bits(v)) }

// S32 is a signed 32-bit pin.
type S32 struct {
	name string
	dir  Dir
	v    atomic.Int32
}

func (s *S32) Name() string       { return s.name }
func (s *S32) Dir() Dir           { return s.dir }
func (s *S32) Value() interface{} { return s.Get() }

// Get returns the pin value.
func (s *S32) Get() int32 { return s.v.Load() }

// Set stores a new pin value.
func (s *S32) Set(v int32) { s.v.Store(v) }

// Registry holds every pin by name, preserving registration order so
// dumps are stable.
type Registry struct {
	mu    sync.RWMutex
	pins  map[string]Pin
	order []string
}

// NewRegistry creates an empty pin registry.
func NewRegistry() *Registry {
	return &Registry{pins: make(map[string]Pin)}
}

func (r *Registry) register(name string, p Pin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pins[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicatePin, name)
	}
	r.pins[name] = p
	r.order = append(r.order, name)
	return nil
}

// Bit creates and registers a boolean pin.
func (r *Registry) Bit(name string, dir Dir) (*Bit, error) {
	p := &Bit{name: name, dir: dir}
	if err := r.register(name, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Float creates and registers a float pin.
func (r *Registry) Float(name string, dir Dir) (*Float, error) {
	p := &Float{name: name, dir: dir}
	if err := r.register(name, p); err != nil {
		return nil, err
	}
	return p, nil
}

// S32 creates and registers a signed 32-bit pin.
func (r *Registry) S32(name string, dir Dir) (*S32, error) {
	p := &S32{name: name, dir: dir}
	if err := r.register(name, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Get returns a pin by name.
func (r *Registry) Get(name string) (Pin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pins[name]
	return p, ok
}

// Len returns the number of registered pins.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pins)
}

// Names returns all pin names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Each calls fn for every pin in registration order.
func (r *Registry) Each(fn func(Pin)) {
	r.mu.RLock()
	order := make([]string, len(r.order))
	copy(order, r.order)
	pins := make([]Pin, len(order))
	for i, name := range order {
		pins[i] = r.pins[name]
	}
	r.mu.RUnlock()

	for _, p := range pins {
		fn(p)
	}
}

// SetValue writes a host-side value to a named pin. Out pins belong to
// the driver and are rejected. Bit pins take bool, Float pins take
// float64, S32 pins take float64 (truncated) so JSON numbers pass
// through unchanged.
func (r *Registry) SetValue(name string, value interface{}) error {
	p, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPin, name)
	}
	if p.Dir() == Out {
		return fmt.Errorf("%w: %s", ErrNotWritable, name)
	}

	switch pin := p.(type) {
	case *Bit:
		v, ok := value.(bool)
		if !ok {
			return fmt.Errorf("%w: %s wants bool", ErrBadValue, name)
		}
		pin.Set(v)
	case *Float:
		v, ok := value.(float64)
		if !ok {
			return fmt.Errorf("%w: %s wants float64", ErrBadValue, name)
		}
		pin.Set(v)
	case *S32:
		v, ok := value.(float64)
		if !ok {
			return fmt.Errorf("%w: %s wants float64", ErrBadValue, name)
		}
		pin.Set(int32(v))
	default:
		return fmt.Errorf("%w: %s", ErrBadValue, name)
	}
	return nil
}
