package rules

import (
	"context"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/chaindaemon/chaind/chaintypes"
)

// UtxoRules is a reference rule set: proof of work, merkle commitment,
// coinbase placement and unspent output accounting. Script validation is
// out of scope.
type UtxoRules struct {
	params  *chaincfg.Params
	genesis *wire.MsgBlock
}

// A compile-time check to ensure UtxoRules implements Rules and StateCodec.
var (
	_ Rules      = (*UtxoRules)(nil)
	_ StateCodec = (*UtxoRules)(nil)
)

// NewUtxoRules returns the reference rules for the given network.
func NewUtxoRules(params *chaincfg.Params) *UtxoRules {
	return &UtxoRules{
		params:  params,
		genesis: params.GenesisBlock,
	}
}

// GenesisBlock returns the network's genesis block.
func (r *UtxoRules) GenesisBlock() *wire.MsgBlock {
	return r.genesis
}

// GenesisChainedHeader returns the chained header of genesis.
func (r *UtxoRules) GenesisChainedHeader() chaintypes.ChainedHeader {
	return GenesisChainedHeader(r.genesis, r.CalcWork(&r.genesis.Header))
}

// GenesisState returns an empty output set at genesis. The genesis coinbase
// is not spendable.
func (r *UtxoRules) GenesisState() chaintypes.DerivedState {
	return newUtxoState(r.genesis.BlockHash())
}

// CalcWork returns the expected number of hashes needed to find a header
// meeting the header's target.
func (r *UtxoRules) CalcWork(header *wire.BlockHeader) *big.Int {
	return blockchain.CalcWork(header.Bits)
}

// SelectTieBreak prefers the lowest hash.
func (r *UtxoRules) SelectTieBreak(
	leaves []chaintypes.ChainedHeader) chaintypes.ChainedHeader {

	return LowestHash(leaves)
}

// checkSanity runs the context-free block checks.
func (r *UtxoRules) checkSanity(block *wire.MsgBlock) error {
	hash := block.BlockHash()
	invalid := func(reason string, err error) error {
		return chaintypes.NewValidationError(hash, reason, err)
	}

	utilBlock := btcutil.NewBlock(block)
	err := blockchain.CheckProofOfWork(utilBlock, r.params.PowLimit)
	if err != nil {
		return invalid("proof of work", err)
	}

	txs := utilBlock.Transactions()
	if len(txs) == 0 {
		return invalid("block has no transactions", nil)
	}
	if !blockchain.IsCoinBaseTx(block.Transactions[0]) {
		return invalid("first transaction is not a coinbase", nil)
	}
	for _, tx := range block.Transactions[1:] {
		if blockchain.IsCoinBaseTx(tx) {
			return invalid("multiple coinbase transactions", nil)
		}
	}

	merkleRoot := blockchain.CalcMerkleRoot(txs, false)
	if merkleRoot != block.Header.MerkleRoot {
		return invalid(fmt.Sprintf("merkle root mismatch: header "+
			"commits to %v, computed %v",
			block.Header.MerkleRoot, merkleRoot), nil)
	}

	return nil
}

// ApplyBlock connects block to state.
func (r *UtxoRules) ApplyBlock(ctx context.Context,
	state chaintypes.DerivedState, header chaintypes.ChainedHeader,
	block *wire.MsgBlock) (chaintypes.DerivedState, error) {

	prev, ok := state.(*UtxoState)
	if !ok {
		return nil, fmt.Errorf("unexpected state type %T", state)
	}

	hash := block.BlockHash()
	if block.Header.PrevBlock != prev.tip {
		return nil, chaintypes.NewValidationError(hash,
			fmt.Sprintf("block does not extend tip %v", prev.tip),
			nil)
	}

	if err := r.checkSanity(block); err != nil {
		return nil, err
	}

	next := prev.clone()
	record := &undoRecord{
		block: hash,
		spent: make([][]*utxoEntry, len(block.Transactions)),
	}

	for txIdx, tx := range block.Transactions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		txHash := tx.TxHash()

		var inputValue int64
		if txIdx > 0 {
			for _, in := range tx.TxIn {
				key := &utxoEntry{outpoint: in.PreviousOutPoint}
				spent, ok := next.utxos.Delete(key)
				if !ok {
					return nil, chaintypes.NewValidationError(
						hash, fmt.Sprintf("tx %v spends "+
							"unknown output %v", txHash,
							in.PreviousOutPoint), nil,
					)
				}

				inputValue += spent.value
				record.spent[txIdx] = append(
					record.spent[txIdx], spent,
				)
			}
		}

		var outputValue int64
		for outIdx, out := range tx.TxOut {
			if out.Value < 0 || out.Value > btcutil.MaxSatoshi {
				return nil, chaintypes.NewValidationError(
					hash, fmt.Sprintf("tx %v output %d "+
						"value %d out of range", txHash,
						outIdx, out.Value), nil,
				)
			}
			outputValue += out.Value

			entry := &utxoEntry{
				outpoint: wire.OutPoint{
					Hash: txHash, Index: uint32(outIdx),
				},
				value:    out.Value,
				pkScript: out.PkScript,
			}
			if _, dup := next.utxos.ReplaceOrInsert(entry); dup {
				return nil, chaintypes.NewValidationError(
					hash, fmt.Sprintf("tx %v overwrites "+
						"unspent output", txHash), nil,
				)
			}
		}

		if txIdx > 0 && outputValue > inputValue {
			return nil, chaintypes.NewValidationError(hash,
				fmt.Sprintf("tx %v spends %d but only has %d",
					txHash, outputValue, inputValue), nil)
		}
	}

	next.undo.ReplaceOrInsert(record)
	next.tip = hash
	next.height = header.Height

	return next, nil
}

// UndoBlock disconnects block, which must be the tip of state.
func (r *UtxoRules) UndoBlock(ctx context.Context,
	state chaintypes.DerivedState, header chaintypes.ChainedHeader,
	block *wire.MsgBlock) (chaintypes.DerivedState, error) {

	cur, ok := state.(*UtxoState)
	if !ok {
		return nil, fmt.Errorf("unexpected state type %T", state)
	}

	hash := block.BlockHash()
	if cur.tip != hash {
		return nil, fmt.Errorf("cannot undo %v, state tip is %v", hash,
			cur.tip)
	}

	next := cur.clone()
	record, ok := next.undo.Delete(&undoRecord{block: hash})
	if !ok {
		return nil, fmt.Errorf("no undo data for block %v", hash)
	}

	// Walk transactions backwards so outputs created and spent within
	// the block are restored and then removed again.
	for txIdx := len(block.Transactions) - 1; txIdx >= 0; txIdx-- {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		tx := block.Transactions[txIdx]
		txHash := tx.TxHash()
		for outIdx := range tx.TxOut {
			next.utxos.Delete(&utxoEntry{
				outpoint: wire.OutPoint{
					Hash: txHash, Index: uint32(outIdx),
				},
			})
		}

		if txIdx < len(record.spent) {
			for _, spent := range record.spent[txIdx] {
				next.utxos.ReplaceOrInsert(spent)
			}
		}
	}

	next.tip = block.Header.PrevBlock
	next.height = header.Height - 1

	return next, nil
}

// Revalidate checks the internal consistency of a committed state: it must
// sit at the committed root, descend from this network's genesis and carry
// undo data for every applied block.
func (r *UtxoRules) Revalidate(ctx context.Context,
	state chaintypes.ChainState, genesis *wire.MsgBlock) error {

	s, ok := state.State.(*UtxoState)
	if !ok {
		return fmt.Errorf("unexpected state type %T", state.State)
	}

	root := state.Root.BlockHash
	if genesis.BlockHash() != r.genesis.BlockHash() {
		return chaintypes.NewValidationError(root,
			"state built on a foreign genesis", nil)
	}
	if s.tip != root || s.height != state.Root.Height {
		return chaintypes.NewValidationError(root,
			fmt.Sprintf("state tip %v@%d does not match root",
				s.tip, s.height), nil)
	}

	s.mu.RLock()
	undoCount := s.undo.Len()
	s.mu.RUnlock()
	if uint32(undoCount) != state.Root.Height {
		return chaintypes.NewValidationError(root,
			fmt.Sprintf("have undo data for %d blocks, want %d",
				undoCount, state.Root.Height), nil)
	}

	for _, entry := range s.entries() {
		if err := ctx.Err(); err != nil {
			return err
		}

		if entry.value < 0 || entry.value > btcutil.MaxSatoshi {
			return chaintypes.NewValidationError(root,
				fmt.Sprintf("output %v has invalid value %d",
					entry.outpoint, entry.value), nil)
		}
	}

	return nil
}
