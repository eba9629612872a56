package chainindex

import (
	"context"
	"math/big"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/chaindaemon/chaind/chaintypes"
)

// WorkFunc returns the work contributed by a single header.
type WorkFunc func(header *wire.BlockHeader) *big.Int

// LinkResult summarizes a linking pass.
type LinkResult struct {
	// Linked holds the chained headers created by this pass, parents
	// before children.
	Linked []chaintypes.ChainedHeader

	// AlreadyChained holds input hashes that turned out to be part of the
	// graph already and can be dropped from the unchained set.
	AlreadyChained []chainhash.Hash

	// Missing holds data that must be fetched before the remaining
	// headers can be linked.
	Missing []*chaintypes.MissingDataError
}

// Done returns every input hash that no longer needs linking.
func (r *LinkResult) Done() []chainhash.Hash {
	done := make([]chainhash.Hash, 0, len(r.Linked)+len(r.AlreadyChained))
	for _, h := range r.Linked {
		done = append(done, h.BlockHash)
	}

	return append(done, r.AlreadyChained...)
}

// Link connects as many of the unchained headers as possible to the graph.
// Pending headers are grouped by parent, then the graph is grown breadth
// first from every parent that is already chained, so arbitrarily deep
// chains link in one pass regardless of arrival order. Headers whose parent
// is neither chained nor stored are reported as missing.
func (i *Index) Link(ctx context.Context, unchained []chainhash.Hash,
	work WorkFunc) (*LinkResult, error) {

	result := &LinkResult{}

	pending := make(map[chainhash.Hash]*wire.BlockHeader, len(unchained))
	byPrev := make(map[chainhash.Hash][]chainhash.Hash)
	for _, hash := range unchained {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		if _, ok := pending[hash]; ok {
			continue
		}

		chained, err := i.chained.Contains(hash)
		if err != nil {
			return result, err
		}
		if chained {
			result.AlreadyChained = append(
				result.AlreadyChained, hash,
			)
			continue
		}

		headerOpt, err := i.headers.TryGet(hash)
		if err != nil {
			return result, err
		}
		if headerOpt.IsNone() {
			result.Missing = append(result.Missing,
				chaintypes.NewMissingDataError(
					chaintypes.KindHeader, hash,
				),
			)
			continue
		}

		header := headerOpt.UnsafeFromSome()
		pending[hash] = header
		byPrev[header.PrevBlock] = append(byPrev[header.PrevBlock], hash)
	}

	// Seed the sweep with every parent that is already part of the graph.
	// Parents that are neither chained, pending nor stored are missing.
	var queue []chaintypes.ChainedHeader
	for prev := range byPrev {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		parentOpt, err := i.chained.TryGet(prev)
		if err != nil {
			return result, err
		}
		if parentOpt.IsSome() {
			queue = append(queue, parentOpt.UnsafeFromSome())
			continue
		}

		if _, ok := pending[prev]; ok {
			continue
		}

		stored, err := i.headers.Contains(prev)
		if err != nil {
			return result, err
		}
		if !stored {
			result.Missing = append(result.Missing,
				chaintypes.NewMissingDataError(
					chaintypes.KindHeader, prev,
				),
				chaintypes.NewMissingDataError(
					chaintypes.KindBlock, prev,
				),
			)
		}
	}

	visited := make(map[chainhash.Hash]struct{}, len(queue))
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		parent := queue[0]
		queue = queue[1:]

		if _, ok := visited[parent.BlockHash]; ok {
			continue
		}
		visited[parent.BlockHash] = struct{}{}

		children := byPrev[parent.BlockHash]
		delete(byPrev, parent.BlockHash)

		for _, childHash := range children {
			header := pending[childHash]
			child := parent.NewChild(childHash, work(header))

			err := i.Create(child)
			switch {
			case isAlreadyExists(err):
				// Chained concurrently; continue from the
				// stored node so its descendants still link.
				stored, err := i.chained.TryGet(childHash)
				if err != nil {
					return result, err
				}
				result.AlreadyChained = append(
					result.AlreadyChained, childHash,
				)
				stored.WhenSome(func(h chaintypes.ChainedHeader) {
					queue = append(queue, h)
				})

			case err != nil:
				return result, err

			default:
				log.Tracef("Linked %v", child)
				result.Linked = append(result.Linked, child)
				queue = append(queue, child)
			}

			delete(pending, childHash)
		}

		// Children chained by an earlier pass may still have pending
		// descendants of their own. Walk into them so the whole
		// subtree is covered from this parent.
		if len(byPrev) == 0 {
			continue
		}
		linked, err := i.FindChildren(parent.BlockHash)
		if err != nil {
			return result, err
		}
		for _, hash := range linked {
			if _, ok := byPrev[hash]; !ok {
				continue
			}

			childOpt, err := i.chained.TryGet(hash)
			if err != nil {
				return result, err
			}
			childOpt.WhenSome(func(h chaintypes.ChainedHeader) {
				queue = append(queue, h)
			})
		}
	}

	if len(result.Linked) > 0 {
		log.Debugf("Linked %d headers, %d still pending",
			len(result.Linked), len(pending))
	}

	return result, nil
}
