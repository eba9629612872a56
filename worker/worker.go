// Package worker provides a recurring background task that runs when
// notified, when forced, and after a maximum idle period.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// ErrWorkerShuttingDown is returned by ForceWorkAndWait when the
	// worker stops before serving the request.
	ErrWorkerShuttingDown = errors.New("worker shutting down")

	// ErrNotStarted is returned by ForceWorkAndWait before Start.
	ErrNotStarted = errors.New("worker not started")
)

// WorkFunc is one unit of work. It must return promptly once ctx is done.
type WorkFunc func(ctx context.Context) error

// Config describes a worker.
type Config struct {
	// Name identifies the worker in logs.
	Name string

	// Work is run on every cycle.
	Work WorkFunc

	// RunOnStart schedules a run as soon as the worker starts.
	RunOnStart bool

	// MinWait is the minimum delay between the end of one run and the
	// start of the next one caused by a notification or idle timeout.
	// Forced runs are not delayed.
	MinWait time.Duration

	// MaxIdle makes the worker run without a trigger once it has been
	// idle this long. Zero disables idle runs.
	MaxIdle time.Duration

	// Clock drives MinWait and MaxIdle. The system clock is used if nil.
	Clock clock.Clock
}

// forceRequest asks for a run that starts after the request was accepted.
type forceRequest struct {
	done chan error
}

// Worker runs a WorkFunc on its own goroutine. Runs never overlap, and any
// number of notifications arriving before or during a run collapse into a
// single follow-up run.
type Worker struct {
	started atomic.Bool
	stopped atomic.Bool

	cfg Config

	notify chan struct{}
	force  chan *forceRequest

	runs atomic.Uint64

	gm *fn.GoroutineManager
}

// New creates a stopped worker.
func New(cfg Config) *Worker {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return &Worker{
		cfg:    cfg,
		notify: make(chan struct{}, 1),
		force:  make(chan *forceRequest),
		gm:     fn.NewGoroutineManager(),
	}
}

// Name returns the configured worker name.
func (w *Worker) Name() string {
	return w.cfg.Name
}

// Start launches the worker goroutine. Calling it again is a no-op.
func (w *Worker) Start() error {
	if !w.started.CompareAndSwap(false, true) {
		return nil
	}

	log.Debugf("Starting %s worker", w.cfg.Name)

	if !w.gm.Go(context.Background(), w.loop) {
		return fmt.Errorf("%s worker: %w", w.cfg.Name,
			ErrWorkerShuttingDown)
	}

	return nil
}

// Stop cancels an in-flight run and waits for the worker goroutine to exit.
// Calling it again is a no-op.
func (w *Worker) Stop() error {
	if !w.stopped.CompareAndSwap(false, true) {
		return nil
	}

	log.Debugf("Stopping %s worker", w.cfg.Name)
	w.gm.Stop()

	return nil
}

// NotifyWork schedules a run. It never blocks.
func (w *Worker) NotifyWork() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// ForceWorkAndWait blocks until a run that started after this call has
// completed, returning that run's error.
func (w *Worker) ForceWorkAndWait(ctx context.Context) error {
	if !w.started.Load() {
		return ErrNotStarted
	}

	req := &forceRequest{done: make(chan error, 1)}

	select {
	case w.force <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-w.gm.Done():
		return ErrWorkerShuttingDown
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-w.gm.Done():
		return ErrWorkerShuttingDown
	}
}

// Runs returns the number of completed runs.
func (w *Worker) Runs() uint64 {
	return w.runs.Load()
}

// loop is the worker goroutine.
func (w *Worker) loop(ctx context.Context) {
	var (
		pending []*forceRequest
		trigger = w.cfg.RunOnStart
	)

	for {
		if !trigger && len(pending) == 0 {
			var idle <-chan time.Time
			if w.cfg.MaxIdle > 0 {
				idle = w.cfg.Clock.TickAfter(w.cfg.MaxIdle)
			}

			select {
			case <-w.notify:
			case req := <-w.force:
				pending = append(pending, req)
			case <-idle:
				log.Tracef("%s worker idle, running", w.cfg.Name)
			case <-ctx.Done():
				return
			}
		}

		// Everything that is queued by now is served by this run.
		pending = w.drainForced(pending)
		select {
		case <-w.notify:
		default:
		}

		err := w.run(ctx)
		for _, req := range pending {
			req.done <- err
		}
		pending = nil
		trigger = false

		if ctx.Err() != nil {
			return
		}

		if w.cfg.MinWait <= 0 {
			continue
		}

		select {
		case <-w.cfg.Clock.TickAfter(w.cfg.MinWait):
		case req := <-w.force:
			pending = append(pending, req)
		case <-ctx.Done():
			return
		}
	}
}

// drainForced collects every force request already waiting.
func (w *Worker) drainForced(pending []*forceRequest) []*forceRequest {
	for {
		select {
		case req := <-w.force:
			pending = append(pending, req)
		default:
			return pending
		}
	}
}

// run executes one unit of work, logging failures.
func (w *Worker) run(ctx context.Context) error {
	start := time.Now()
	err := w.cfg.Work(ctx)
	w.runs.Add(1)

	switch {
	case err == nil:
		log.Tracef("%s worker finished in %v", w.cfg.Name,
			time.Since(start))

	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		log.Debugf("%s worker cancelled", w.cfg.Name)

	default:
		log.Errorf("%s worker failed: %v", w.cfg.Name, err)
	}

	return err
}
