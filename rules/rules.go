package rules

import (
	"context"
	"io"
	"math/big"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/chaindaemon/chaind/chaintypes"
)

// Rules is the validation collaborator the chain engine delegates every
// consensus decision to.
type Rules interface {
	// GenesisBlock returns the block every chain starts from.
	GenesisBlock() *wire.MsgBlock

	// GenesisChainedHeader returns the root of the chain graph.
	GenesisChainedHeader() chaintypes.ChainedHeader

	// GenesisState returns the derived state after applying genesis.
	GenesisState() chaintypes.DerivedState

	// ApplyBlock returns the state that results from applying block on
	// top of state. The input state is left untouched. A
	// chaintypes.ValidationError is returned if the block is invalid.
	ApplyBlock(ctx context.Context, state chaintypes.DerivedState,
		header chaintypes.ChainedHeader,
		block *wire.MsgBlock) (chaintypes.DerivedState, error)

	// UndoBlock returns the state before block was applied. The input
	// state is left untouched.
	UndoBlock(ctx context.Context, state chaintypes.DerivedState,
		header chaintypes.ChainedHeader,
		block *wire.MsgBlock) (chaintypes.DerivedState, error)

	// CalcWork returns the work contributed by a single header.
	CalcWork(header *wire.BlockHeader) *big.Int

	// SelectTieBreak picks one of several leaves that share the greatest
	// cumulative work. It is only called with two or more leaves.
	SelectTieBreak(leaves []chaintypes.ChainedHeader) chaintypes.ChainedHeader

	// Revalidate checks a committed state from scratch against genesis.
	Revalidate(ctx context.Context, state chaintypes.ChainState,
		genesis *wire.MsgBlock) error
}

// StateCodec serializes derived states for durable snapshots.
type StateCodec interface {
	// EncodeState writes state to w.
	EncodeState(w io.Writer, state chaintypes.DerivedState) error

	// DecodeState reads a state written by EncodeState.
	DecodeState(r io.Reader) (chaintypes.DerivedState, error)
}

// GenesisChainedHeader builds the chained header of a genesis block whose own
// work is given.
func GenesisChainedHeader(genesis *wire.MsgBlock,
	work *big.Int) chaintypes.ChainedHeader {

	return chaintypes.ChainedHeader{
		BlockHash: genesis.BlockHash(),
		Height:    0,
		TotalWork: new(big.Int).Set(work),
	}
}

// LowestHash returns the leaf whose hash is the smallest when treated as a
// little-endian 256-bit integer. It is deterministic regardless of the order
// the leaves are given in.
func LowestHash(leaves []chaintypes.ChainedHeader) chaintypes.ChainedHeader {
	best := leaves[0]
	for _, leaf := range leaves[1:] {
		if CompareHashes(&leaf.BlockHash, &best.BlockHash) < 0 {
			best = leaf
		}
	}

	return best
}

// CompareHashes compares two hashes as little-endian uint256 values,
// returning -1, 0 or 1.
func CompareHashes(a, b *chainhash.Hash) int {
	for i := chainhash.HashSize - 1; i >= 0; i-- {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}

	return 0
}
