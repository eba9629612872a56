package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

var testTime = time.Date(2009, time.January, 3, 12, 0, 0, 0, time.UTC)

const (
	waitTimeout = 5 * time.Second
	pollTick    = 5 * time.Millisecond
	quietPeriod = 50 * time.Millisecond
)

func startWorker(t *testing.T, cfg Config) *Worker {
	t.Helper()

	w := New(cfg)
	require.NoError(t, w.Start())
	t.Cleanup(func() {
		require.NoError(t, w.Stop())
	})

	return w
}

// drainTicks consumes tick registrations so that the worker never blocks on
// the signal channel. The returned func stops draining.
func drainTicks(ticks chan time.Duration) func() {
	quit := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ticks:
			case <-quit:
				return
			}
		}
	}()

	return func() {
		close(quit)
		wg.Wait()
	}
}

// startTickedWorker starts a worker on a clock that signals every tick
// registration. Draining only begins once the caller invokes the returned
// func, and always outlives the worker.
func startTickedWorker(t *testing.T, cfg Config,
	ticks chan time.Duration) (*Worker, func()) {

	w := New(cfg)
	require.NoError(t, w.Start())

	var stopDrain func()
	t.Cleanup(func() {
		if stopDrain == nil {
			stopDrain = drainTicks(ticks)
		}
		require.NoError(t, w.Stop())
		stopDrain()
	})

	return w, func() {
		stopDrain = drainTicks(ticks)
	}
}

// TestForceWorkAndWait returns the error of the forced run.
func TestForceWorkAndWait(t *testing.T) {
	t.Parallel()

	errRun := errors.New("run failed")
	var calls atomic.Int32
	w := startWorker(t, Config{
		Name: "force",
		Work: func(context.Context) error {
			if calls.Add(1) == 2 {
				return errRun
			}
			return nil
		},
	})

	ctx := context.Background()
	require.NoError(t, w.ForceWorkAndWait(ctx))
	require.ErrorIs(t, w.ForceWorkAndWait(ctx), errRun)
	require.NoError(t, w.ForceWorkAndWait(ctx))
	require.Equal(t, uint64(3), w.Runs())
}

// TestForceServedByLaterRun asserts a force request made during a run waits
// for the next one.
func TestForceServedByLaterRun(t *testing.T) {
	t.Parallel()

	var (
		calls   atomic.Int32
		running = make(chan struct{})
		release = make(chan struct{})
	)
	w := startWorker(t, Config{
		Name:       "later",
		RunOnStart: true,
		Work: func(context.Context) error {
			n := calls.Add(1)
			if n == 1 {
				close(running)
				<-release
			}
			return fmt.Errorf("run %d", n)
		},
	})

	<-running

	result := make(chan error, 1)
	go func() {
		result <- w.ForceWorkAndWait(context.Background())
	}()

	// The request cannot be served while the first run is in flight.
	select {
	case err := <-result:
		t.Fatalf("force returned early: %v", err)
	case <-time.After(quietPeriod):
	}

	close(release)

	select {
	case err := <-result:
		require.EqualError(t, err, "run 2")
	case <-time.After(waitTimeout):
		t.Fatal("force never returned")
	}
}

// TestNotifyCoalesced asserts that notifications during a run collapse into
// exactly one follow-up run.
func TestNotifyCoalesced(t *testing.T) {
	t.Parallel()

	var (
		running = make(chan struct{}, 1)
		release = make(chan struct{})
		first   atomic.Bool
	)
	w := startWorker(t, Config{
		Name:       "coalesce",
		RunOnStart: true,
		Work: func(context.Context) error {
			if first.CompareAndSwap(false, true) {
				running <- struct{}{}
				<-release
			}
			return nil
		},
	})

	<-running
	for i := 0; i < 10; i++ {
		w.NotifyWork()
	}
	close(release)

	require.Eventually(t, func() bool {
		return w.Runs() == 2
	}, waitTimeout, pollTick)
	require.Never(t, func() bool {
		return w.Runs() > 2
	}, quietPeriod, pollTick)
}

// TestNoOverlap hammers the worker from many goroutines and checks that no
// two runs are ever in flight at once.
func TestNoOverlap(t *testing.T) {
	t.Parallel()

	var (
		inFlight atomic.Int32
		overlap  atomic.Bool
	)
	w := startWorker(t, Config{
		Name: "overlap",
		Work: func(context.Context) error {
			if inFlight.Add(1) > 1 {
				overlap.Store(true)
			}
			time.Sleep(time.Millisecond)
			inFlight.Add(-1)

			return nil
		},
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				w.NotifyWork()
				_ = w.ForceWorkAndWait(context.Background())
			}
		}()
	}
	wg.Wait()

	require.False(t, overlap.Load())
	require.GreaterOrEqual(t, w.Runs(), uint64(10))
}

// TestMaxIdle runs the worker once the idle timeout elapses.
func TestMaxIdle(t *testing.T) {
	t.Parallel()

	ticks := make(chan time.Duration)
	testClock := clock.NewTestClockWithTickSignal(testTime, ticks)

	w, drain := startTickedWorker(t, Config{
		Name:    "idle",
		Work:    func(context.Context) error { return nil },
		MaxIdle: time.Minute,
		Clock:   testClock,
	}, ticks)

	require.Equal(t, time.Minute, <-ticks)
	require.Zero(t, w.Runs())
	drain()

	testClock.SetTime(testTime.Add(time.Minute))
	require.Eventually(t, func() bool {
		return w.Runs() == 1
	}, waitTimeout, pollTick)
}

// TestMinWait delays a notified run until the minimum wait has elapsed.
func TestMinWait(t *testing.T) {
	t.Parallel()

	ticks := make(chan time.Duration)
	testClock := clock.NewTestClockWithTickSignal(testTime, ticks)

	w, drain := startTickedWorker(t, Config{
		Name:       "minwait",
		Work:       func(context.Context) error { return nil },
		RunOnStart: true,
		MinWait:    time.Minute,
		Clock:      testClock,
	}, ticks)

	// The first run is followed by the minimum wait.
	require.Equal(t, time.Minute, <-ticks)
	require.Equal(t, uint64(1), w.Runs())
	drain()

	w.NotifyWork()
	require.Never(t, func() bool {
		return w.Runs() > 1
	}, quietPeriod, pollTick)

	testClock.SetTime(testTime.Add(time.Minute))
	require.Eventually(t, func() bool {
		return w.Runs() == 2
	}, waitTimeout, pollTick)
}

// TestStop cancels an in-flight run and rejects later force requests.
func TestStop(t *testing.T) {
	t.Parallel()

	running := make(chan struct{})
	w := New(Config{
		Name:       "stop",
		RunOnStart: true,
		Work: func(ctx context.Context) error {
			close(running)
			<-ctx.Done()

			return ctx.Err()
		},
	})

	require.ErrorIs(t, w.ForceWorkAndWait(context.Background()),
		ErrNotStarted)

	require.NoError(t, w.Start())
	require.NoError(t, w.Start())
	<-running

	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
	require.Equal(t, uint64(1), w.Runs())

	require.ErrorIs(t, w.ForceWorkAndWait(context.Background()),
		ErrWorkerShuttingDown)
}

// TestForceContextCancelled returns the caller's context error.
func TestForceContextCancelled(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	w := startWorker(t, Config{
		Name:       "ctx",
		RunOnStart: true,
		Work: func(ctx context.Context) error {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		},
	})
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithTimeout(context.Background(), quietPeriod)
	defer cancel()

	require.ErrorIs(t, w.ForceWorkAndWait(ctx), context.DeadlineExceeded)
}
