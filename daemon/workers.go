package daemon

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/chaindaemon/chaind/advancer"
	"github.com/chaindaemon/chaind/chaintypes"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// linkHeaders connects the unchained headers to the chain graph.
func (d *Daemon) linkHeaders(ctx context.Context) error {
	unchained := d.unchained.Snapshot()
	if len(unchained) == 0 {
		return nil
	}

	res, err := d.index.Link(ctx, unchained, d.cfg.Rules.CalcWork)
	if res != nil {
		d.unchained.RemoveAll(res.Done())
		d.missing.RecordAll(res.Missing)

		if len(res.Linked) > 0 {
			tip := res.Linked[len(res.Linked)-1]
			log.Debugf("Linked %d headers (last %v at height %d), "+
				"%d still unchained", len(res.Linked),
				tip.BlockHash, tip.Height, d.unchained.Len())

			d.winnerWorker.NotifyWork()

			// Headers that arrived while linking may now have a
			// parent.
			d.chainingWorker.NotifyWork()
		}
	}
	if err != nil {
		return d.handleFatal(fmt.Errorf("link headers: %w", err))
	}

	return nil
}

// selectWinner recomputes the winning leaf and, when it changed, invalidates
// the cached winning chain and wakes the advance worker.
func (d *Daemon) selectWinner(ctx context.Context) error {
	d.winnerMtx.RLock()
	current := d.winner
	d.winnerMtx.RUnlock()

	currentHash := fn.MapOption(
		func(h chaintypes.ChainedHeader) chainhash.Hash {
			return h.BlockHash
		},
	)(current)

	winnerOpt, changed, err := d.selector.SelectWinner(ctx, currentHash)
	if err != nil {
		return d.handleFatal(fmt.Errorf("select winner: %w", err))
	}
	if !changed || winnerOpt.IsNone() {
		return nil
	}
	winner := winnerOpt.UnsafeFromSome()

	d.winnerMtx.Lock()
	d.winner = winnerOpt
	d.winningChain = nil
	d.recentWinners.Add(winner)
	d.winnerMtx.Unlock()

	log.Infof("New winning header %v at height %d, total work %v",
		winner.BlockHash, winner.Height, winner.Work())

	if d.cfg.OnWinnerChanged != nil {
		d.cfg.OnWinnerChanged(winner)
	}

	d.advanceWorker.NotifyWork()

	return nil
}

// advanceState moves the committed state toward the current winner,
// publishing every block applied or undone.
func (d *Daemon) advanceState(ctx context.Context) error {
	d.winnerMtx.RLock()
	winnerOpt := d.winner
	d.winnerMtx.RUnlock()

	if winnerOpt.IsNone() {
		return nil
	}
	target := winnerOpt.UnsafeFromSome()

	start := d.committed.Load()
	publish := d.committed.Publisher(start, d.stateChanged)

	state, missing, err := d.advancer.Advance(
		ctx, start.State, target, publish,
	)
	d.missing.RecordAll(missing)

	switch {
	case errors.Is(err, advancer.ErrStale):
		log.Debugf("Committed state replaced while advancing to %v, "+
			"retrying", target.BlockHash)
		d.advanceWorker.NotifyWork()

		return nil

	case chaintypes.IsValidation(err):
		resetErr := d.resetToGenesis(d.committed.Load(), err)
		if resetErr != nil {
			log.Debugf("Committed state replaced before reset: %v",
				resetErr)
		}

		return err

	case err != nil:
		return d.handleFatal(fmt.Errorf("advance: %w", err))
	}

	if d.committed.Load() != start {
		d.revalidateWorker.NotifyWork()
	}

	if len(missing) > 0 {
		log.Infof("Advance to %v paused at height %d: %d blocks "+
			"missing", target.BlockHash, state.Root.Height,
			len(missing))

		return nil
	}

	d.winnerMtx.RLock()
	latest := d.winner
	d.winnerMtx.RUnlock()

	moved := fn.MapOptionZ(latest, func(h chaintypes.ChainedHeader) bool {
		return h.BlockHash != target.BlockHash
	})
	if moved {
		d.advanceWorker.NotifyWork()
	}

	return nil
}

// stateChanged forwards a published snapshot to the observer and schedules a
// checkpoint.
func (d *Daemon) stateChanged(snap *advancer.Snapshot) {
	log.Tracef("Committed state v%d at height %d (%v)", snap.Version,
		snap.State.Root.Height, snap.State.Root.BlockHash)

	if d.cfg.OnStateChanged != nil {
		d.cfg.OnStateChanged(snap.State, snap.Version)
	}

	d.checkpointWorker.NotifyWork()
}

// resetToGenesis discards the committed state after a validation failure,
// provided expected is still the committed snapshot. It returns ErrStale if
// another writer got in first, in which case nothing is reset. The advance
// worker is not notified: the next idle run or winner change retries from
// genesis.
//
// TODO: mark the offending block invalid and exclude its descendants from
// selection instead of replaying from genesis.
func (d *Daemon) resetToGenesis(expected *advancer.Snapshot,
	cause error) error {

	snap, err := d.committed.Publish(expected, genesisState(d.cfg))
	if err != nil {
		return err
	}

	log.Errorf("Committed state reset to genesis (v%d): %v",
		snap.Version, cause)

	d.stateChanged(snap)

	return nil
}

// revalidateState checks the committed state from scratch. A failure only
// resets the state that was checked; if the state moved on meanwhile the new
// one is checked on the next run.
func (d *Daemon) revalidateState(ctx context.Context) error {
	snap := d.committed.Load()

	err := d.advancer.Revalidate(ctx, snap.State)
	switch {
	case err == nil:
		log.Debugf("Revalidated committed state v%d at height %d",
			snap.Version, snap.State.Root.Height)

		return nil

	case chaintypes.IsValidation(err):
		resetErr := d.resetToGenesis(snap, err)
		if errors.Is(resetErr, advancer.ErrStale) {
			log.Infof("Committed state v%d failed revalidation "+
				"but was replaced meanwhile, rechecking: %v",
				snap.Version, err)
			d.revalidateWorker.NotifyWork()

			return nil
		}
	}

	return err
}

// writeCheckpoint persists the committed state if it changed since the last
// checkpoint, then prunes older snapshots.
func (d *Daemon) writeCheckpoint(_ context.Context) error {
	if d.cfg.Snapshots == nil {
		return nil
	}

	snap := d.committed.Load()
	if d.checkpointed.Load() == snap.Version {
		return nil
	}

	// Genesis is always available without a snapshot.
	if snap.State.Root.Height == 0 {
		return nil
	}

	if err := d.cfg.Snapshots.Write(snap.State); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	d.checkpointed.Store(snap.Version)

	removed, err := d.cfg.Snapshots.RemoveAllBelow(snap.State.Root.Work())
	if err != nil {
		return fmt.Errorf("prune snapshots: %w", err)
	}

	log.Infof("Checkpointed state v%d at height %d (%v), pruned %d",
		snap.Version, snap.State.Root.Height,
		snap.State.Root.BlockHash, removed)

	return nil
}

// loadExistingState resumes from the stored snapshot with the most work that
// can be read and is still part of the chain graph.
func (d *Daemon) loadExistingState(ctx context.Context) error {
	metas, err := d.cfg.Snapshots.List(ctx)
	if err != nil {
		return fmt.Errorf("list snapshots: %w", err)
	}

	for _, meta := range metas {
		state, err := d.cfg.Snapshots.Read(meta.Key)
		if err != nil {
			log.Warnf("Unable to read snapshot %v at height %d: %v",
				meta.Key, meta.Height, err)
			continue
		}

		chained, err := d.index.TryGet(meta.Key)
		if err != nil {
			return err
		}
		if chained.IsNone() {
			log.Warnf("Snapshot %v at height %d is not chained, "+
				"skipping", meta.Key, meta.Height)
			continue
		}

		snap := d.committed.Replace(state)
		d.checkpointed.Store(snap.Version)
		d.stateChanged(snap)

		removed, err := d.cfg.Snapshots.RemoveAllBelow(meta.TotalWork)
		if err != nil {
			return fmt.Errorf("prune snapshots: %w", err)
		}

		log.Infof("Resumed from snapshot %v at height %d, pruned %d",
			meta.Key, meta.Height, removed)

		return nil
	}

	log.Infof("No usable snapshot, starting from genesis %v",
		d.cfg.Rules.GenesisChainedHeader().BlockHash)

	return nil
}
