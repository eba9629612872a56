// Package chaintest provides deterministic rules and chain builders for
// exercising the chain engine in tests.
package chaintest

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"slices"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/chaindaemon/chaind/chaintypes"
	"github.com/chaindaemon/chaind/rules"
)

// PathState is the derived state of Rules: the ordered hashes of every
// applied block, genesis first.
type PathState struct {
	Path []chainhash.Hash
}

// A compile-time check to ensure PathState implements DerivedState.
var _ chaintypes.DerivedState = (*PathState)(nil)

// Tip returns the last applied block.
func (p *PathState) Tip() chainhash.Hash {
	return p.Path[len(p.Path)-1]
}

// Equal compares the applied paths.
func (p *PathState) Equal(other chaintypes.DerivedState) bool {
	o, ok := other.(*PathState)
	if !ok {
		return false
	}

	return slices.Equal(p.Path, o.Path)
}

// Op names a rules call recorded by Rules.
type Op string

const (
	// OpApply records an ApplyBlock call.
	OpApply Op = "apply"

	// OpUndo records an UndoBlock call.
	OpUndo Op = "undo"
)

// Call is one recorded ApplyBlock or UndoBlock invocation.
type Call struct {
	Op   Op
	Hash chainhash.Hash
}

// Rules is a rule set whose per-header work is the header's Bits field and
// whose state is the applied path. Blocks can be marked invalid, and every
// apply and undo is recorded.
type Rules struct {
	genesis *wire.MsgBlock

	mu           sync.Mutex
	invalid      map[chainhash.Hash]struct{}
	revalidateOK bool
	calls        []Call
	applyHook    func(hash chainhash.Hash)
}

// A compile-time check to ensure Rules implements rules.Rules and
// rules.StateCodec.
var (
	_ rules.Rules      = (*Rules)(nil)
	_ rules.StateCodec = (*Rules)(nil)
)

// NewRules returns rules whose genesis carries zero work.
func NewRules() *Rules {
	return &Rules{
		genesis:      NewBlock(chainhash.Hash{}, 0, 0),
		invalid:      make(map[chainhash.Hash]struct{}),
		revalidateOK: true,
	}
}

// NewHeader returns a header on prev contributing work. The tag keeps
// otherwise identical headers distinct.
func NewHeader(prev chainhash.Hash, work, tag uint32) *wire.BlockHeader {
	return &wire.BlockHeader{
		Version:   1,
		PrevBlock: prev,
		Timestamp: time.Unix(int64(tag), 0),
		Bits:      work,
		Nonce:     tag,
	}
}

// NewBlock returns a transaction-less block for NewHeader.
func NewBlock(prev chainhash.Hash, work, tag uint32) *wire.MsgBlock {
	return wire.NewMsgBlock(NewHeader(prev, work, tag))
}

// MarkInvalid makes ApplyBlock reject the block.
func (r *Rules) MarkInvalid(hash chainhash.Hash) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.invalid[hash] = struct{}{}
}

// FailRevalidation makes Revalidate fail until called with false.
func (r *Rules) FailRevalidation(fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.revalidateOK = !fail
}

// OnApply installs a hook run at the start of every ApplyBlock.
func (r *Rules) OnApply(hook func(hash chainhash.Hash)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.applyHook = hook
}

// Calls returns the recorded apply and undo calls.
func (r *Rules) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()

	return slices.Clone(r.calls)
}

// ResetCalls clears the call log.
func (r *Rules) ResetCalls() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = nil
}

// GenesisBlock returns the zero work genesis block.
func (r *Rules) GenesisBlock() *wire.MsgBlock {
	return r.genesis
}

// GenesisChainedHeader returns genesis at height 0 with zero work.
func (r *Rules) GenesisChainedHeader() chaintypes.ChainedHeader {
	return rules.GenesisChainedHeader(
		r.genesis, r.CalcWork(&r.genesis.Header),
	)
}

// GenesisState returns the path holding only genesis.
func (r *Rules) GenesisState() chaintypes.DerivedState {
	return &PathState{Path: []chainhash.Hash{r.genesis.BlockHash()}}
}

// CalcWork returns the header's Bits as its work.
func (r *Rules) CalcWork(header *wire.BlockHeader) *big.Int {
	return new(big.Int).SetUint64(uint64(header.Bits))
}

// SelectTieBreak prefers the lowest hash.
func (r *Rules) SelectTieBreak(
	leaves []chaintypes.ChainedHeader) chaintypes.ChainedHeader {

	return rules.LowestHash(leaves)
}

// ApplyBlock appends the block to the path.
func (r *Rules) ApplyBlock(ctx context.Context,
	state chaintypes.DerivedState, header chaintypes.ChainedHeader,
	block *wire.MsgBlock) (chaintypes.DerivedState, error) {

	hash := block.BlockHash()

	r.mu.Lock()
	hook := r.applyHook
	r.mu.Unlock()
	if hook != nil {
		hook(hash)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.calls = append(r.calls, Call{Op: OpApply, Hash: hash})
	_, bad := r.invalid[hash]
	r.mu.Unlock()

	path := state.(*PathState)
	if path.Tip() != block.Header.PrevBlock {
		return nil, chaintypes.NewValidationError(hash,
			"block does not extend state", nil)
	}
	if bad {
		return nil, chaintypes.NewValidationError(hash,
			"marked invalid", nil)
	}

	next := make([]chainhash.Hash, len(path.Path), len(path.Path)+1)
	copy(next, path.Path)

	return &PathState{Path: append(next, hash)}, nil
}

// UndoBlock drops the block from the end of the path.
func (r *Rules) UndoBlock(ctx context.Context,
	state chaintypes.DerivedState, header chaintypes.ChainedHeader,
	block *wire.MsgBlock) (chaintypes.DerivedState, error) {

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	hash := block.BlockHash()

	r.mu.Lock()
	r.calls = append(r.calls, Call{Op: OpUndo, Hash: hash})
	r.mu.Unlock()

	path := state.(*PathState)
	if path.Tip() != hash || len(path.Path) < 2 {
		return nil, fmt.Errorf("cannot undo %v from tip %v", hash,
			path.Tip())
	}

	return &PathState{Path: slices.Clone(path.Path[:len(path.Path)-1])}, nil
}

// Revalidate checks the path starts at genesis, ends at the root and holds
// no invalid block.
func (r *Rules) Revalidate(_ context.Context, state chaintypes.ChainState,
	genesis *wire.MsgBlock) error {

	r.mu.Lock()
	ok := r.revalidateOK
	r.mu.Unlock()

	root := state.Root.BlockHash
	if !ok {
		return chaintypes.NewValidationError(root, "revalidation "+
			"failure injected", nil)
	}

	path := state.State.(*PathState)
	if path.Path[0] != genesis.BlockHash() || path.Tip() != root {
		return chaintypes.NewValidationError(root, "path does not "+
			"span genesis to root", nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range path.Path {
		if _, bad := r.invalid[h]; bad {
			return chaintypes.NewValidationError(h,
				"marked invalid", nil)
		}
	}

	return nil
}

// EncodeState writes the path as a count followed by the hashes.
func (r *Rules) EncodeState(w io.Writer,
	state chaintypes.DerivedState) error {

	path := state.(*PathState)
	if err := wire.WriteVarInt(w, 0, uint64(len(path.Path))); err != nil {
		return err
	}
	for _, h := range path.Path {
		if _, err := w.Write(h[:]); err != nil {
			return err
		}
	}

	return nil
}

// DecodeState reads a path written by EncodeState.
func (r *Rules) DecodeState(rd io.Reader) (chaintypes.DerivedState, error) {
	n, err := wire.ReadVarInt(rd, 0)
	if err != nil {
		return nil, err
	}

	path := make([]chainhash.Hash, n)
	for i := range path {
		if _, err := io.ReadFull(rd, path[i][:]); err != nil {
			return nil, err
		}
	}

	return &PathState{Path: path}, nil
}
