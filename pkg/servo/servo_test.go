package servo

import (
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/festlv/LinuxCNC-RIO/pkg/log"
)

func newTestThread(period time.Duration) *Thread {
	logger := log.New("servo-test")
	logger.SetWriter(io.Discard)
	return New(period, logger)
}

func waitTicks(t *testing.T, ch <-chan struct{}, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for tick %d of %d", i+1, n)
		}
	}
}

func TestHooksRunInOrderWithNominalPeriod(t *testing.T) {
	th := newTestThread(2 * time.Millisecond)

	var mu sync.Mutex
	var order []string
	var seenPeriod atomic.Int64
	ticked := make(chan struct{}, 16)

	th.Register("read", func(period int64) {
		seenPeriod.Store(period)
		mu.Lock()
		order = append(order, "read")
		mu.Unlock()
	})
	th.Register("update", func(period int64) {
		mu.Lock()
		order = append(order, "update")
		mu.Unlock()
	})
	th.Register("write", func(period int64) {
		mu.Lock()
		order = append(order, "write")
		mu.Unlock()
		select {
		case ticked <- struct{}{}:
		default:
		}
	})

	th.Start()
	waitTicks(t, ticked, 3)
	th.Stop()

	require.Equal(t, int64(2*time.Millisecond), seenPeriod.Load())

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(order), 9)
	for i := 0; i+2 < len(order); i += 3 {
		require.Equal(t, []string{"read", "update", "write"}, order[i:i+3])
	}
}

func TestStopWaitsForTickInFlight(t *testing.T) {
	th := newTestThread(time.Millisecond)

	var inHook atomic.Bool
	entered := make(chan struct{}, 1)
	th.Register("slow", func(period int64) {
		inHook.Store(true)
		time.Sleep(5 * time.Millisecond)
		inHook.Store(false)
		select {
		case entered <- struct{}{}:
		default:
		}
	})

	th.Start()
	waitTicks(t, entered, 1)
	th.Stop()
	require.False(t, inHook.Load(), "Stop returned while a hook was running")
}

func TestNoTicksAfterStop(t *testing.T) {
	th := newTestThread(time.Millisecond)

	var ticks atomic.Int64
	ticked := make(chan struct{}, 16)
	th.Register("count", func(period int64) {
		ticks.Add(1)
		select {
		case ticked <- struct{}{}:
		default:
		}
	})

	th.Start()
	waitTicks(t, ticked, 2)
	th.Stop()

	after := ticks.Load()
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, after, ticks.Load())
}

func TestStartStopIdempotentAndRestartable(t *testing.T) {
	th := newTestThread(time.Millisecond)

	var ticks atomic.Int64
	ticked := make(chan struct{}, 16)
	th.Register("count", func(period int64) {
		ticks.Add(1)
		select {
		case ticked <- struct{}{}:
		default:
		}
	})

	th.Stop() // never started: no-op
	th.Start()
	th.Start() // already running: no-op
	waitTicks(t, ticked, 1)
	th.Stop()
	th.Stop() // already stopped: no-op

	first := ticks.Load()
	require.Greater(t, first, int64(0))

	th.Start()
	waitTicks(t, ticked, 1)
	th.Stop()
	require.Greater(t, ticks.Load(), first)
}

func TestRegisterWhileRunning(t *testing.T) {
	th := newTestThread(time.Millisecond)

	ticked := make(chan struct{}, 16)
	th.Register("base", func(period int64) {
		select {
		case ticked <- struct{}{}:
		default:
		}
	})

	th.Start()
	defer th.Stop()
	waitTicks(t, ticked, 1)

	var late atomic.Int64
	th.Register("late", func(period int64) { late.Add(1) })
	waitTicks(t, ticked, 3)
	require.Greater(t, late.Load(), int64(0))
}

func TestDefaultPeriod(t *testing.T) {
	th := newTestThread(0)
	require.Equal(t, time.Millisecond, th.Period())
}
