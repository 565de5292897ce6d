// Package servo runs the fixed-period tick loop that stands in for
// the host's realtime servo thread. Hooks run in registration order,
// once per tick, all on one goroutine; no hook ever runs concurrently
// with another.
//
// Hooks receive the nominal period, not the measured one: the control
// laws divide by the period the thread was configured with, while
// wall-clock jitter only feeds the tick duration and overrun metrics.
package servo

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/festlv/LinuxCNC-RIO/pkg/log"
	"github.com/festlv/LinuxCNC-RIO/pkg/metrics"
)

// Func is one tick hook. period is the nominal servo period in
// nanoseconds.
type Func func(period int64)

type hook struct {
	name string
	fn   Func
}

// Thread is the tick scheduler.
type Thread struct {
	log    *log.Logger
	rm     *metrics.RIOMetrics
	period time.Duration

	mu    sync.Mutex
	hooks []hook

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a stopped thread. A period of zero or less selects 1ms.
// A nil logger selects the package default.
func New(period time.Duration, logger *log.Logger) *Thread {
	if period <= 0 {
		period = time.Millisecond
	}
	if logger == nil {
		logger = log.GetLogger("servo")
	}
	return &Thread{
		log:    logger,
		rm:     metrics.GlobalMetrics(),
		period: period,
	}
}

// Period returns the nominal tick period.
func (t *Thread) Period() time.Duration { return t.period }

// Register appends a hook to the tick order. Registration while the
// thread runs takes effect on the next tick.
func (t *Thread) Register(name string, fn Func) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hooks = append(t.hooks, hook{name: name, fn: fn})
	t.log.Debug("registered tick hook %s (%d total)", name, len(t.hooks))
}

// Start begins ticking. Starting a running thread does nothing.
func (t *Thread) Start() {
	if t.running.Swap(true) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.wg.Add(1)
	go t.loop(ctx)
	t.log.Info("servo thread started, period %s", t.period)
}

// Stop halts the loop and waits for any tick in flight to finish.
// Stopping a stopped thread does nothing. The thread can be started
// again afterwards.
func (t *Thread) Stop() {
	if !t.running.Swap(false) {
		return
	}
	t.cancel()
	t.wg.Wait()
	t.log.Info("servo thread stopped")
}

func (t *Thread) loop(ctx context.Context) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.period)
	defer ticker.Stop()

	period := t.period.Nanoseconds()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// The ticker may already be loaded when Stop cancels; do
			// not run a tick past it.
			if !t.running.Load() {
				return
			}
			start := time.Now()
			t.runHooks(period)
			elapsed := time.Since(start)
			t.rm.RecordServoTick(elapsed)
			if elapsed > t.period {
				t.rm.RecordServoOverrun()
				t.log.Debug("tick overrun: %s > %s", elapsed, t.period)
			}
		}
	}
}

func (t *Thread) runHooks(period int64) {
	t.mu.Lock()
	hooks := make([]hook, len(t.hooks))
	copy(hooks, t.hooks)
	t.mu.Unlock()

	for _, h := range hooks {
		h.fn(period)
	}
}
