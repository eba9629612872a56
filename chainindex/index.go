package chainindex

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/chaindaemon/chaind/chainstore"
	"github.com/chaindaemon/chaind/chaintypes"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Index is the chain graph: every chained header reachable from genesis. The
// graph is append-only; nodes are only created once their parent is chained,
// so it is always a tree rooted at genesis.
type Index struct {
	chained chainstore.ChainedHeaderStore
	headers chainstore.HeaderStore
	genesis chaintypes.ChainedHeader

	// createMtx serializes Create so the existence check and the write
	// are atomic with respect to each other.
	createMtx sync.Mutex
}

// New returns an index over the given stores, writing genesis if the chained
// header store does not have it yet. An existing, different genesis is
// rejected.
func New(chained chainstore.ChainedHeaderStore,
	headers chainstore.HeaderStore,
	genesis chaintypes.ChainedHeader) (*Index, error) {

	if genesis.Height != 0 {
		return nil, &InvariantError{
			Hash:   genesis.BlockHash,
			Reason: "genesis must have height 0",
		}
	}

	existing, err := chained.TryGet(genesis.BlockHash)
	if err != nil {
		return nil, err
	}

	switch {
	case existing.IsNone():
		if err := chained.Put(genesis.BlockHash, genesis); err != nil {
			return nil, fmt.Errorf("unable to store genesis: %w",
				err)
		}

	case !existing.UnsafeFromSome().Equal(genesis):
		return nil, &InvariantError{
			Hash:   genesis.BlockHash,
			Reason: "stored genesis differs from configured genesis",
		}
	}

	return &Index{
		chained: chained,
		headers: headers,
		genesis: genesis,
	}, nil
}

// Genesis returns the fixed root of the chain graph.
func (i *Index) Genesis() chaintypes.ChainedHeader {
	return i.genesis
}

// TryGet returns the chained header for hash if it has been linked.
func (i *Index) TryGet(
	hash chainhash.Hash) (fn.Option[chaintypes.ChainedHeader], error) {

	return i.chained.TryGet(hash)
}

// Create inserts a new node into the graph. The parent must already be
// chained and the node's height and work must follow from it.
func (i *Index) Create(h chaintypes.ChainedHeader) error {
	i.createMtx.Lock()
	defer i.createMtx.Unlock()

	exists, err := i.chained.Contains(h.BlockHash)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %v", ErrAlreadyExists, h.BlockHash)
	}

	if h.Height == 0 {
		return &InvariantError{
			Hash:   h.BlockHash,
			Reason: "only genesis may have height 0",
		}
	}

	parentOpt, err := i.chained.TryGet(h.PreviousHash)
	if err != nil {
		return err
	}
	parent, err := parentOpt.UnwrapOrErr(ErrParentNotChained)
	if err != nil {
		return fmt.Errorf("create %v: %w", h.BlockHash, err)
	}

	if h.Height != parent.Height+1 {
		return &InvariantError{
			Hash: h.BlockHash,
			Reason: fmt.Sprintf("height %d does not follow parent "+
				"height %d", h.Height, parent.Height),
		}
	}
	if h.Work().Cmp(parent.Work()) < 0 {
		return &InvariantError{
			Hash: h.BlockHash,
			Reason: fmt.Sprintf("total work %v below parent work %v",
				h.Work(), parent.Work()),
		}
	}

	return i.chained.Put(h.BlockHash, h)
}

// FindChildren returns the hashes of the already linked children of parent.
func (i *Index) FindChildren(parent chainhash.Hash) ([]chainhash.Hash,
	error) {

	return i.chained.FindByPreviousHash(parent)
}

// Leaves yields every chained header that has no chained children. The set
// is recomputed on each call. Lookups that fail because a chained header
// vanished are yielded as missing data errors, other failures as plain
// errors; iteration continues afterwards unless the consumer stops it.
func (i *Index) Leaves(
	ctx context.Context) iter.Seq2[chaintypes.ChainedHeader, error] {

	return func(yield func(chaintypes.ChainedHeader, error) bool) {
		for hash, err := range i.chained.AllKeys(ctx) {
			if err != nil {
				yield(chaintypes.ChainedHeader{}, err)
				return
			}

			children, err := i.chained.FindByPreviousHash(hash)
			if err != nil {
				if !yield(chaintypes.ChainedHeader{}, err) {
					return
				}
				continue
			}
			if len(children) != 0 {
				continue
			}

			leaf, err := i.chained.TryGet(hash)
			if err != nil {
				if !yield(chaintypes.ChainedHeader{}, err) {
					return
				}
				continue
			}
			if leaf.IsNone() {
				missing := chaintypes.NewMissingDataError(
					chaintypes.KindChainedHeader, hash,
				)
				if !yield(chaintypes.ChainedHeader{}, missing) {
					return
				}
				continue
			}

			if !yield(leaf.UnsafeFromSome(), nil) {
				return
			}
		}
	}
}

// ChainToGenesis returns the path from genesis to leaf, inclusive on both
// ends.
func (i *Index) ChainToGenesis(ctx context.Context,
	leaf chaintypes.ChainedHeader) ([]chaintypes.ChainedHeader, error) {

	path := make([]chaintypes.ChainedHeader, 0, leaf.Height+1)
	cur := leaf
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		path = append(path, cur)
		if cur.Height == 0 {
			break
		}

		parentOpt, err := i.chained.TryGet(cur.PreviousHash)
		if err != nil {
			return nil, err
		}
		if parentOpt.IsNone() {
			return nil, fmt.Errorf("%w: %v has no chained parent %v",
				ErrDisconnected, cur.BlockHash,
				cur.PreviousHash)
		}

		parent := parentOpt.UnsafeFromSome()
		if parent.Height+1 != cur.Height {
			return nil, &InvariantError{
				Hash:   cur.BlockHash,
				Reason: "height does not follow parent",
			}
		}
		cur = parent
	}

	if cur.BlockHash != i.genesis.BlockHash {
		return nil, fmt.Errorf("%w: walk from %v ended at %v",
			ErrDisconnected, leaf.BlockHash, cur.BlockHash)
	}

	slices.Reverse(path)

	return path, nil
}

// isAlreadyExists reports whether err is a benign duplicate create.
func isAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}
