// Package chainselect picks the winning leaf of the chain graph.
package chainselect

import (
	"context"
	"iter"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/chaindaemon/chaind/chaintypes"
	"github.com/chaindaemon/chaind/rules"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// LeafSource enumerates the current leaves of the chain graph.
type LeafSource interface {
	Leaves(ctx context.Context) iter.Seq2[chaintypes.ChainedHeader, error]
}

// MissingRecorder absorbs missing data faults hit while enumerating leaves.
type MissingRecorder interface {
	Record(err error) bool
}

// TieBreak picks one leaf out of several that share the highest total work.
// The current winner, if any, is passed so a policy may prefer to keep it.
type TieBreak func(current fn.Option[chainhash.Hash],
	tied []chaintypes.ChainedHeader) chaintypes.ChainedHeader

// LowestHash breaks ties by the lowest block hash read as a little-endian
// uint256. The current winner is ignored.
func LowestHash(_ fn.Option[chainhash.Hash],
	tied []chaintypes.ChainedHeader) chaintypes.ChainedHeader {

	return rules.LowestHash(tied)
}

// FirstSeen keeps the current winner when it is among the tied leaves, and
// falls back to LowestHash otherwise.
func FirstSeen(current fn.Option[chainhash.Hash],
	tied []chaintypes.ChainedHeader) chaintypes.ChainedHeader {

	if current.IsSome() {
		hash := current.UnsafeFromSome()
		for _, leaf := range tied {
			if leaf.BlockHash == hash {
				return leaf
			}
		}
	}

	return rules.LowestHash(tied)
}

// FromRules adapts the tie-break of a rule set.
func FromRules(r rules.Rules) TieBreak {
	return func(_ fn.Option[chainhash.Hash],
		tied []chaintypes.ChainedHeader) chaintypes.ChainedHeader {

		return r.SelectTieBreak(tied)
	}
}

// Config holds the collaborators of a Selector.
type Config struct {
	// Leaves is the chain graph to select from.
	Leaves LeafSource

	// TieBreak resolves equal work leaves. LowestHash is used if nil.
	TieBreak TieBreak

	// Missing receives missing data faults raised during enumeration.
	// If nil they are only logged.
	Missing MissingRecorder
}

// Selector finds the leaf with the most cumulative work.
type Selector struct {
	cfg Config
}

// New creates a selector.
func New(cfg Config) *Selector {
	if cfg.TieBreak == nil {
		cfg.TieBreak = LowestHash
	}

	return &Selector{cfg: cfg}
}

// SelectWinner returns the leaf with the greatest total work and whether it
// differs from current. With no leaves it returns None and no change.
func (s *Selector) SelectWinner(ctx context.Context,
	current fn.Option[chainhash.Hash]) (fn.Option[chaintypes.ChainedHeader],
	bool, error) {

	none := fn.None[chaintypes.ChainedHeader]()

	var (
		tied    []chaintypes.ChainedHeader
		skipped int
	)
	for leaf, err := range s.cfg.Leaves.Leaves(ctx) {
		switch {
		case err == nil:

		case chaintypes.IsMissingData(err):
			skipped++
			if s.cfg.Missing != nil {
				s.cfg.Missing.Record(err)
			}
			log.Debugf("Skipping leaf: %v", err)
			continue

		default:
			return none, false, err
		}

		if len(tied) == 0 {
			tied = append(tied, leaf)
			continue
		}

		switch leaf.Work().Cmp(tied[0].Work()) {
		case 1:
			tied = append(tied[:0], leaf)
		case 0:
			tied = append(tied, leaf)
		}
	}
	if err := ctx.Err(); err != nil {
		return none, false, err
	}

	if len(tied) == 0 {
		log.Warnf("No leaves to select from (%d skipped)", skipped)
		return none, false, nil
	}

	winner := tied[0]
	if len(tied) > 1 {
		winner = s.cfg.TieBreak(current, tied)
		log.Debugf("Broke tie between %d leaves with work %v: %v",
			len(tied), winner.Work(), winner.BlockHash)
	}

	changed := current.IsNone() ||
		current.UnsafeFromSome() != winner.BlockHash

	return fn.Some(winner), changed, nil
}
