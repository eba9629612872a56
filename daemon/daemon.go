// Package daemon coordinates the chain engine: it links arriving headers,
// tracks the winning chain and keeps a committed chain state advancing
// toward it, each on its own worker.
package daemon

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/chaindaemon/chaind/advancer"
	"github.com/chaindaemon/chaind/blockcache"
	"github.com/chaindaemon/chaind/chainindex"
	"github.com/chaindaemon/chaind/chainselect"
	"github.com/chaindaemon/chaind/chainstore"
	"github.com/chaindaemon/chaind/chaintypes"
	"github.com/chaindaemon/chaind/missingdata"
	"github.com/chaindaemon/chaind/subscribe"
	"github.com/chaindaemon/chaind/worker"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/queue"
)

// Daemon owns the chain engine's shared state and workers.
type Daemon struct {
	started atomic.Bool
	stopped atomic.Bool

	cfg Config

	index    *chainindex.Index
	selector *chainselect.Selector
	advancer *advancer.Advancer
	blocks   *blockcache.BlockCache

	committed *advancer.Committed

	// checkpointed is the committed version last written to the
	// snapshot store.
	checkpointed atomic.Uint64

	missing   *missingdata.Tracker
	unchained *missingdata.Set[chainhash.Hash]

	// winnerMtx guards the winner, the cached path to it and the winner
	// history. A nil winningChain means the cache must be rebuilt.
	winnerMtx     sync.RWMutex
	winner        fn.Option[chaintypes.ChainedHeader]
	winningChain  []chaintypes.ChainedHeader
	recentWinners *queue.CircularBuffer

	chainingWorker   *worker.Worker
	winnerWorker     *worker.Worker
	advanceWorker    *worker.Worker
	revalidateWorker *worker.Worker
	checkpointWorker *worker.Worker

	events *subscribe.Client[chainstore.Event]

	gm *fn.GoroutineManager
}

// New creates a daemon over the configured stores. Genesis is written to the
// chained header store if it is not there yet.
func New(cfg Config) (*Daemon, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	index, err := chainindex.New(
		cfg.Stores.ChainedHeaders, cfg.Stores.Headers,
		cfg.Rules.GenesisChainedHeader(),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to open chain index: %w", err)
	}

	recent, err := queue.NewCircularBuffer(cfg.WinnerHistory)
	if err != nil {
		return nil, err
	}

	missing := missingdata.NewTracker()
	blocks := blockcache.NewBlockCache(cfg.BlockCacheSize, cfg.Stores.Blocks)

	d := &Daemon{
		cfg:   cfg,
		index: index,
		selector: chainselect.New(chainselect.Config{
			Leaves:   index,
			TieBreak: cfg.TieBreak,
			Missing:  missing,
		}),
		advancer: advancer.New(advancer.Config{
			Index:          index,
			Blocks:         blocks,
			Rules:          cfg.Rules,
			PrefetchWindow: cfg.PrefetchWindow,
		}),
		blocks:        blocks,
		committed:     advancer.NewCommitted(genesisState(cfg)),
		missing:       missing,
		unchained:     missingdata.NewSet[chainhash.Hash](),
		winner:        fn.None[chaintypes.ChainedHeader](),
		recentWinners: recent,
		gm:            fn.NewGoroutineManager(),
	}

	newWorker := func(name string, work worker.WorkFunc, timing Timing,
		runOnStart bool) *worker.Worker {

		return worker.New(worker.Config{
			Name:       name,
			Work:       work,
			RunOnStart: runOnStart,
			MinWait:    timing.MinWait,
			MaxIdle:    timing.MaxIdle,
			Clock:      cfg.Clock,
		})
	}

	t := cfg.Timings
	d.chainingWorker = newWorker(
		"chaining", d.linkHeaders, t.Chaining, true,
	)
	d.winnerWorker = newWorker(
		"winner", d.selectWinner, t.Winner, true,
	)
	d.advanceWorker = newWorker(
		"advance", d.advanceState, t.Advance, true,
	)
	d.revalidateWorker = newWorker(
		"revalidate", d.revalidateState, t.Revalidate, false,
	)
	d.checkpointWorker = newWorker(
		"checkpoint", d.writeCheckpoint, t.Checkpoint, false,
	)

	return d, nil
}

func genesisState(cfg Config) chaintypes.ChainState {
	return chaintypes.ChainState{
		Root:  cfg.Rules.GenesisChainedHeader(),
		State: cfg.Rules.GenesisState(),
	}
}

// workers returns the workers in dependency order.
func (d *Daemon) workers() []*worker.Worker {
	return []*worker.Worker{
		d.chainingWorker, d.winnerWorker, d.advanceWorker,
		d.revalidateWorker, d.checkpointWorker,
	}
}

// Start resumes from the best snapshot, picks up unchained headers already
// in the store and launches the workers.
func (d *Daemon) Start() error {
	if !d.started.CompareAndSwap(false, true) {
		return nil
	}

	log.Info("Chain daemon starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if d.cfg.Snapshots != nil {
		if err := d.loadExistingState(ctx); err != nil {
			return err
		}
	}

	// Subscribe before scanning so headers stored during the scan are not
	// lost. Seen twice is harmless.
	events, err := d.cfg.Events.Subscribe()
	if err != nil {
		return fmt.Errorf("unable to subscribe to store events: %w",
			err)
	}
	d.events = events

	if !d.gm.Go(context.Background(), d.eventLoop) {
		return fmt.Errorf("daemon shutting down")
	}

	if err := d.seedUnchained(ctx); err != nil {
		return err
	}

	if d.cfg.StatsTicker != nil {
		d.gm.Go(context.Background(), d.statsLoop)
	}

	for _, w := range d.workers() {
		if err := w.Start(); err != nil {
			return fmt.Errorf("unable to start %s worker: %w",
				w.Name(), err)
		}
	}

	snap := d.committed.Load()
	log.Infof("Chain daemon started at height %d (%v), %d headers "+
		"unchained", snap.State.Root.Height, snap.State.Root.BlockHash,
		d.unchained.Len())

	return nil
}

// Stop shuts down the workers and the event loop.
func (d *Daemon) Stop() error {
	if !d.stopped.CompareAndSwap(false, true) {
		return nil
	}

	log.Info("Chain daemon shutting down...")

	workers := d.workers()
	for i := len(workers) - 1; i >= 0; i-- {
		if err := workers[i].Stop(); err != nil {
			log.Errorf("Unable to stop %s worker: %v",
				workers[i].Name(), err)
		}
	}

	if d.events != nil {
		d.events.Cancel()
	}
	d.gm.Stop()

	log.Info("Chain daemon shutdown complete")

	return nil
}

// seedUnchained adds every stored header that is not chained yet.
func (d *Daemon) seedUnchained(ctx context.Context) error {
	for hash, err := range d.cfg.Stores.Headers.AllKeys(ctx) {
		if err != nil {
			return fmt.Errorf("unable to scan headers: %w", err)
		}

		chained, err := d.cfg.Stores.ChainedHeaders.Contains(hash)
		if err != nil {
			return err
		}
		if !chained {
			d.unchained.Add(hash)
		}
	}

	return nil
}

// eventLoop applies store change events until shutdown.
func (d *Daemon) eventLoop(ctx context.Context) {
	for {
		select {
		case event := <-d.events.Updates():
			d.handleEvent(event)

		case <-d.events.Quit():
			return

		case <-ctx.Done():
			return
		}
	}
}

// handleEvent updates the missing and unchained sets for one store change
// and wakes the workers that can make progress because of it.
func (d *Daemon) handleEvent(event chainstore.Event) {
	if event.IsBarrier() {
		event.Ack()
		return
	}

	switch event.Kind {
	case chaintypes.KindHeader:
		d.missing.MarkFound(chaintypes.KindHeader, event.Key)
		if !event.Added {
			return
		}
		if d.unchained.Add(event.Key) {
			d.chainingWorker.NotifyWork()
		}

	case chaintypes.KindBlock:
		d.missing.MarkFound(chaintypes.KindHeader, event.Key)
		if d.missing.MarkFound(chaintypes.KindBlock, event.Key) {
			d.advanceWorker.NotifyWork()
		}

	case chaintypes.KindChainedHeader:
		d.missing.MarkFound(chaintypes.KindChainedHeader, event.Key)

	case chaintypes.KindTransaction:
		d.missing.MarkFound(chaintypes.KindTransaction, event.Key)
	}
}

// handleFatal forwards corruption of the chain index to the configured
// handler and returns err unchanged.
func (d *Daemon) handleFatal(err error) error {
	if chainindex.IsFatal(err) {
		log.Errorf("Chain index corrupted: %v", err)
		d.cfg.FatalError(err)
	}

	return err
}

// flushMarker wraps a flush ack into an event.
func flushMarker(ack func()) chainstore.Event {
	return chainstore.Event{Ack: ack}
}

// ForceLinkUpdate processes every store event sent so far, then runs the
// chaining worker and waits for it.
func (d *Daemon) ForceLinkUpdate(ctx context.Context) error {
	err := d.cfg.Events.Flush(ctx, flushMarker)
	if err != nil {
		return fmt.Errorf("unable to flush store events: %w", err)
	}

	return d.chainingWorker.ForceWorkAndWait(ctx)
}

// ForceWinnerUpdate runs the winner worker and waits for it.
func (d *Daemon) ForceWinnerUpdate(ctx context.Context) error {
	return d.winnerWorker.ForceWorkAndWait(ctx)
}

// ForceAdvanceUpdate runs the advance worker and waits for it.
func (d *Daemon) ForceAdvanceUpdate(ctx context.Context) error {
	return d.advanceWorker.ForceWorkAndWait(ctx)
}

// ForceRevalidate runs the revalidation worker and waits for it.
func (d *Daemon) ForceRevalidate(ctx context.Context) error {
	return d.revalidateWorker.ForceWorkAndWait(ctx)
}

// ForceCheckpoint runs the checkpoint worker and waits for it.
func (d *Daemon) ForceCheckpoint(ctx context.Context) error {
	return d.checkpointWorker.ForceWorkAndWait(ctx)
}

// ForceFullUpdate settles linking, winner selection and advancement in that
// order.
func (d *Daemon) ForceFullUpdate(ctx context.Context) error {
	if err := d.ForceLinkUpdate(ctx); err != nil {
		return fmt.Errorf("link: %w", err)
	}
	if err := d.ForceWinnerUpdate(ctx); err != nil {
		return fmt.Errorf("select winner: %w", err)
	}
	if err := d.ForceAdvanceUpdate(ctx); err != nil {
		return fmt.Errorf("advance: %w", err)
	}

	return nil
}
