// Package advancer moves a committed chain state onto a new chain tip by
// undoing blocks back to the fork point and applying blocks forward.
package advancer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/chaindaemon/chaind/chainindex"
	"github.com/chaindaemon/chaind/chaintypes"
	"github.com/chaindaemon/chaind/rules"
	"github.com/lightningnetwork/lnd/fn/v2"
	"golang.org/x/sync/errgroup"
)

// DefaultPrefetchWindow is the number of blocks fetched ahead of the one
// being applied.
const DefaultPrefetchWindow = 16

// PathSource resolves a chained header to its path from genesis.
type PathSource interface {
	ChainToGenesis(ctx context.Context,
		leaf chaintypes.ChainedHeader) ([]chaintypes.ChainedHeader, error)
}

// BlockSource provides full blocks by hash.
type BlockSource interface {
	TryGet(hash chainhash.Hash) (fn.Option[*wire.MsgBlock], error)
}

// Config holds the collaborators of an Advancer.
type Config struct {
	// Index resolves chain paths.
	Index PathSource

	// Blocks provides the blocks to undo and apply.
	Blocks BlockSource

	// Rules performs the state transitions.
	Rules rules.Rules

	// PrefetchWindow bounds how many blocks are loaded concurrently ahead
	// of application. DefaultPrefetchWindow is used if zero.
	PrefetchWindow int
}

// Advancer transforms committed chain states.
type Advancer struct {
	cfg Config
}

// New creates an advancer.
func New(cfg Config) *Advancer {
	if cfg.PrefetchWindow <= 0 {
		cfg.PrefetchWindow = DefaultPrefetchWindow
	}

	return &Advancer{cfg: cfg}
}

// ProgressFunc is called with every intermediate state. Returning an error
// stops the advancement.
type ProgressFunc func(chaintypes.ChainState) error

// forkIndex returns the index of the first element where the two genesis
// rooted paths diverge.
func forkIndex(a, b []chaintypes.ChainedHeader) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i].BlockHash != b[i].BlockHash {
			return i
		}
	}

	return n
}

// Advance walks current toward target. Blocks past the fork point are undone
// one at a time, then blocks on the target's branch are applied one at a
// time, and onProgress sees every resulting state.
//
// The returned state is the last state handed to onProgress successfully,
// or current if there was none. A block that is not available stops the
// walk: the missing faults are returned alongside the state reached and a
// nil error, so the caller can retry once the data has arrived. Validation
// faults, ErrStale from onProgress and context errors are returned as the
// error.
func (a *Advancer) Advance(ctx context.Context,
	current chaintypes.ChainState, target chaintypes.ChainedHeader,
	onProgress ProgressFunc) (chaintypes.ChainState,
	[]*chaintypes.MissingDataError, error) {

	if onProgress == nil {
		onProgress = func(chaintypes.ChainState) error { return nil }
	}

	if current.Root.BlockHash == target.BlockHash {
		return current, nil, nil
	}

	targetPath, err := a.cfg.Index.ChainToGenesis(ctx, target)
	if err != nil {
		return current, nil, fmt.Errorf("target path: %w", err)
	}
	currentPath, err := a.cfg.Index.ChainToGenesis(ctx, current.Root)
	if err != nil {
		return current, nil, fmt.Errorf("current path: %w", err)
	}

	fork := forkIndex(currentPath, targetPath)
	if fork == 0 {
		return current, nil, &chainindex.InvariantError{
			Hash:   target.BlockHash,
			Reason: "paths share no genesis",
		}
	}

	log.Debugf("Advancing from %v to %v: undo %d, apply %d",
		current.Root.BlockHash, target.BlockHash,
		len(currentPath)-fork, len(targetPath)-fork)

	state := current
	for i := len(currentPath) - 1; i >= fork; i-- {
		if err := ctx.Err(); err != nil {
			return state, nil, err
		}

		header := currentPath[i]
		block, err := a.fetch(header.BlockHash)
		if err != nil {
			missing, rest := chaintypes.SplitMissing(err)
			return state, missing, rest
		}

		derived, err := a.cfg.Rules.UndoBlock(
			ctx, state.State, header, block,
		)
		if err != nil {
			return state, nil, fmt.Errorf("undo %v: %w",
				header.BlockHash, err)
		}

		next := chaintypes.ChainState{
			Root:  currentPath[i-1],
			State: derived,
		}
		if err := onProgress(next); err != nil {
			return state, nil, err
		}
		state = next

		log.Tracef("Undid block %v", header.BlockHash)
	}

	toApply := targetPath[fork:]
	for start := 0; start < len(toApply); start += a.cfg.PrefetchWindow {
		end := min(start+a.cfg.PrefetchWindow, len(toApply))
		window := toApply[start:end]

		blocks, missing, err := a.prefetch(ctx, window)
		if err != nil {
			return state, nil, err
		}

		for i, header := range window {
			if blocks[i] == nil {
				log.Debugf("Advance stopped at height %d: %d "+
					"blocks missing", header.Height,
					len(missing))

				return state, missing, nil
			}

			if err := ctx.Err(); err != nil {
				return state, nil, err
			}

			derived, err := a.cfg.Rules.ApplyBlock(
				ctx, state.State, header, blocks[i],
			)
			if err != nil {
				return state, nil, fmt.Errorf("apply %v: %w",
					header.BlockHash, err)
			}

			next := chaintypes.ChainState{
				Root:  header,
				State: derived,
			}
			if err := onProgress(next); err != nil {
				return state, nil, err
			}
			state = next

			log.Tracef("Applied block %v at height %d",
				header.BlockHash, header.Height)
		}
	}

	return state, nil, nil
}

// fetch loads a single block, reporting absence as missing data.
func (a *Advancer) fetch(hash chainhash.Hash) (*wire.MsgBlock, error) {
	opt, err := a.cfg.Blocks.TryGet(hash)
	if err != nil {
		return nil, err
	}

	return opt.UnwrapOrErr(
		chaintypes.NewMissingDataError(chaintypes.KindBlock, hash),
	)
}

// prefetch loads the blocks of window concurrently. Slots of missing blocks
// are left nil and the faults are returned together.
func (a *Advancer) prefetch(ctx context.Context,
	window []chaintypes.ChainedHeader) ([]*wire.MsgBlock,
	[]*chaintypes.MissingDataError, error) {

	blocks := make([]*wire.MsgBlock, len(window))

	var (
		mu     sync.Mutex
		faults []error
	)

	g, gctx := errgroup.WithContext(ctx)
	for i, header := range window {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			block, err := a.fetch(header.BlockHash)
			switch {
			case chaintypes.IsMissingData(err):
				mu.Lock()
				faults = append(faults, err)
				mu.Unlock()

				return nil

			case err != nil:
				return err
			}

			blocks[i] = block

			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	missing, rest := chaintypes.SplitMissing(errors.Join(faults...))
	if rest != nil {
		return nil, nil, rest
	}

	return blocks, missing, nil
}

// Revalidate checks state from scratch against the genesis block.
func (a *Advancer) Revalidate(ctx context.Context,
	state chaintypes.ChainState) error {

	return a.cfg.Rules.Revalidate(ctx, state, a.cfg.Rules.GenesisBlock())
}
