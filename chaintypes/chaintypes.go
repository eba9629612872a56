package chaintypes

import (
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// DataKind identifies the class of data a hash refers to.
type DataKind uint8

const (
	// KindHeader is a bare block header.
	KindHeader DataKind = iota

	// KindBlock is a full block, header and transactions.
	KindBlock

	// KindChainedHeader is a header's position within the chain graph.
	KindChainedHeader

	// KindTransaction is a single transaction keyed by its txid.
	KindTransaction
)

// AllKinds lists every DataKind in declaration order.
var AllKinds = []DataKind{
	KindHeader, KindBlock, KindChainedHeader, KindTransaction,
}

// String returns a human readable name for the data kind.
func (k DataKind) String() string {
	switch k {
	case KindHeader:
		return "header"
	case KindBlock:
		return "block"
	case KindChainedHeader:
		return "chained_header"
	case KindTransaction:
		return "transaction"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ChainedHeader is a header's position in the chain graph. For any
// non-genesis header c there is a chained parent p with
// p.BlockHash == c.PreviousHash, c.Height == p.Height+1 and
// c.TotalWork == p.TotalWork + work(c).
type ChainedHeader struct {
	// BlockHash is the hash of the header this entry describes.
	BlockHash chainhash.Hash

	// PreviousHash is the hash of the parent header. It is the zero hash
	// for genesis.
	PreviousHash chainhash.Hash

	// Height is the distance from genesis.
	Height uint32

	// TotalWork is the cumulative work from genesis up to and including
	// this header.
	TotalWork *big.Int
}

// Equal reports whether two chained headers describe the same graph node.
func (c ChainedHeader) Equal(o ChainedHeader) bool {
	if c.BlockHash != o.BlockHash || c.PreviousHash != o.PreviousHash ||
		c.Height != o.Height {

		return false
	}

	return workOrZero(c.TotalWork).Cmp(workOrZero(o.TotalWork)) == 0
}

// Work returns the cumulative work, treating a nil value as zero.
func (c ChainedHeader) Work() *big.Int {
	return workOrZero(c.TotalWork)
}

// String returns a compact description used in log lines.
func (c ChainedHeader) String() string {
	return fmt.Sprintf("%v@%d(work=%v)", c.BlockHash, c.Height, c.Work())
}

// NewChild derives the chained header for a child of c whose own work
// contribution is work.
func (c ChainedHeader) NewChild(hash chainhash.Hash,
	work *big.Int) ChainedHeader {

	total := new(big.Int).Add(c.Work(), workOrZero(work))

	return ChainedHeader{
		BlockHash:    hash,
		PreviousHash: c.BlockHash,
		Height:       c.Height + 1,
		TotalWork:    total,
	}
}

func workOrZero(w *big.Int) *big.Int {
	if w == nil {
		return new(big.Int)
	}

	return w
}

// DerivedState is the opaque result of applying every block from genesis to
// some root. Its shape is owned by the rules implementation; the engine only
// needs to compare states.
type DerivedState interface {
	// Equal reports whether the two states are equivalent.
	Equal(other DerivedState) bool
}

// ChainState is a materialized, validated state together with the chained
// header it was computed up to. Values are replaced wholesale and never
// mutated in place.
type ChainState struct {
	// Root is the last header whose block has been applied.
	Root ChainedHeader

	// State is the derived state after applying Root.
	State DerivedState
}

// Equal reports whether both the root and the derived state match.
func (s ChainState) Equal(o ChainState) bool {
	if !s.Root.Equal(o.Root) {
		return false
	}

	switch {
	case s.State == nil && o.State == nil:
		return true
	case s.State == nil || o.State == nil:
		return false
	}

	return s.State.Equal(o.State)
}
