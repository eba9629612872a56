package daemon

import (
	"context"
	"slices"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/chaindaemon/chaind/chaintypes"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// registerMiss records a lookup that found nothing so the data can be
// requested from peers.
func registerMiss[T any](d *Daemon, kind chaintypes.DataKind,
	hash chainhash.Hash, res fn.Option[T], err error) (fn.Option[T], error) {

	if err == nil && res.IsNone() {
		d.missing.MarkMissing(kind, hash)
	}

	return res, err
}

// TryGetBlock returns the block with the given hash, served through the block
// cache.
func (d *Daemon) TryGetBlock(
	hash chainhash.Hash) (fn.Option[*wire.MsgBlock], error) {

	res, err := d.blocks.TryGet(hash)

	return registerMiss(d, chaintypes.KindBlock, hash, res, err)
}

// TryGetBlockHeader returns the header with the given hash. The header of a
// stored block is returned if the header store does not have it.
func (d *Daemon) TryGetBlockHeader(
	hash chainhash.Hash) (fn.Option[*wire.BlockHeader], error) {

	header, err := d.cfg.Stores.Headers.TryGet(hash)
	if err != nil || header.IsSome() {
		return header, err
	}

	block, err := d.blocks.TryGet(hash)
	if err != nil {
		return fn.None[*wire.BlockHeader](), err
	}
	header = fn.MapOption(func(b *wire.MsgBlock) *wire.BlockHeader {
		return &b.Header
	})(block)

	return registerMiss(d, chaintypes.KindHeader, hash, header, nil)
}

// TryGetChainedHeader returns the chained header with the given hash.
func (d *Daemon) TryGetChainedHeader(
	hash chainhash.Hash) (fn.Option[chaintypes.ChainedHeader], error) {

	res, err := d.index.TryGet(hash)

	return registerMiss(d, chaintypes.KindChainedHeader, hash, res, err)
}

// TryGetTransaction returns the transaction with the given txid.
func (d *Daemon) TryGetTransaction(
	hash chainhash.Hash) (fn.Option[*wire.MsgTx], error) {

	res, err := d.cfg.Stores.Transactions.TryGet(hash)

	return registerMiss(d, chaintypes.KindTransaction, hash, res, err)
}

// CurrentState returns the committed chain state and its version.
func (d *Daemon) CurrentState() (chaintypes.ChainState, uint64) {
	snap := d.committed.Load()
	return snap.State, snap.Version
}

// WinningHeader returns the leaf with the most cumulative work, if one has
// been selected.
func (d *Daemon) WinningHeader() fn.Option[chaintypes.ChainedHeader] {
	d.winnerMtx.RLock()
	defer d.winnerMtx.RUnlock()

	return d.winner
}

// WinningChain returns the path from genesis to the winning header. The path
// is cached until the winner changes.
func (d *Daemon) WinningChain(
	ctx context.Context) ([]chaintypes.ChainedHeader, error) {

	d.winnerMtx.RLock()
	chain := d.winningChain
	d.winnerMtx.RUnlock()

	if chain != nil {
		return slices.Clone(chain), nil
	}

	d.winnerMtx.Lock()
	defer d.winnerMtx.Unlock()

	if d.winningChain != nil {
		return slices.Clone(d.winningChain), nil
	}
	if d.winner.IsNone() {
		return nil, nil
	}

	path, err := d.index.ChainToGenesis(ctx, d.winner.UnsafeFromSome())
	if err != nil {
		return nil, d.handleFatal(err)
	}
	d.winningChain = path

	return slices.Clone(path), nil
}

// RecentWinners returns the last winning headers, oldest first.
func (d *Daemon) RecentWinners() []chaintypes.ChainedHeader {
	d.winnerMtx.RLock()
	defer d.winnerMtx.RUnlock()

	items := d.recentWinners.List()
	winners := make([]chaintypes.ChainedHeader, 0, len(items))
	for _, item := range items {
		winners = append(winners, item.(chaintypes.ChainedHeader))
	}

	return winners
}

// MissingBlocks returns the blocks that were needed but not found.
func (d *Daemon) MissingBlocks() []chainhash.Hash {
	return d.missing.Snapshot(chaintypes.KindBlock)
}

// MissingHeaders returns the headers that were needed but not found.
func (d *Daemon) MissingHeaders() []chainhash.Hash {
	return d.missing.Snapshot(chaintypes.KindHeader)
}

// MissingChainedHeaders returns the chained headers that were needed but not
// found.
func (d *Daemon) MissingChainedHeaders() []chainhash.Hash {
	return d.missing.Snapshot(chaintypes.KindChainedHeader)
}

// MissingTransactions returns the transactions that were needed but not
// found.
func (d *Daemon) MissingTransactions() []chainhash.Hash {
	return d.missing.Snapshot(chaintypes.KindTransaction)
}

// UnchainedCount returns the number of stored headers not yet linked.
func (d *Daemon) UnchainedCount() int {
	return d.unchained.Len()
}

// WorkerRuns returns the number of completed runs per worker name.
func (d *Daemon) WorkerRuns() map[string]uint64 {
	runs := make(map[string]uint64)
	for _, w := range d.workers() {
		runs[w.Name()] = w.Runs()
	}

	return runs
}
