package rules

import (
	"bytes"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/chaindaemon/chaind/chaintypes"
	"github.com/google/btree"
)

const defaultTreeDegree = 32

// utxoEntry is an unspent transaction output.
type utxoEntry struct {
	outpoint wire.OutPoint
	value    int64
	pkScript []byte
}

// lessUtxo orders entries by txid, then output index.
func lessUtxo(a, b *utxoEntry) bool {
	if c := bytes.Compare(a.outpoint.Hash[:], b.outpoint.Hash[:]); c != 0 {
		return c < 0
	}

	return a.outpoint.Index < b.outpoint.Index
}

func (e *utxoEntry) equal(o *utxoEntry) bool {
	return e.outpoint == o.outpoint && e.value == o.value &&
		bytes.Equal(e.pkScript, o.pkScript)
}

// undoRecord holds the outputs spent by one block, grouped by the index of
// the spending transaction within the block.
type undoRecord struct {
	block chainhash.Hash
	spent [][]*utxoEntry
}

func lessUndo(a, b *undoRecord) bool {
	return bytes.Compare(a.block[:], b.block[:]) < 0
}

// UtxoState is the derived state of the reference rules: the unspent output
// set plus the undo data needed to disconnect every applied block. Trees are
// cloned copy-on-write, so applying a block never mutates the input state.
type UtxoState struct {
	tip    chainhash.Hash
	height uint32

	// mu guards the trees against a Clone racing with readers. Clone
	// mutates the copy-on-write bookkeeping of the source tree.
	mu    sync.RWMutex
	utxos *btree.BTreeG[*utxoEntry]
	undo  *btree.BTreeG[*undoRecord]
}

// A compile-time check to ensure UtxoState implements DerivedState.
var _ chaintypes.DerivedState = (*UtxoState)(nil)

func newUtxoState(tip chainhash.Hash) *UtxoState {
	return &UtxoState{
		tip:   tip,
		utxos: btree.NewG(defaultTreeDegree, lessUtxo),
		undo:  btree.NewG(defaultTreeDegree, lessUndo),
	}
}

// Tip returns the hash of the last applied block.
func (s *UtxoState) Tip() chainhash.Hash {
	return s.tip
}

// Height returns the height of the last applied block.
func (s *UtxoState) Height() uint32 {
	return s.height
}

// Len returns the number of unspent outputs.
func (s *UtxoState) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.utxos.Len()
}

// Lookup returns the unspent output for op, if any.
func (s *UtxoState) Lookup(op wire.OutPoint) (*wire.TxOut, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.utxos.Get(&utxoEntry{outpoint: op})
	if !ok {
		return nil, false
	}

	return wire.NewTxOut(entry.value, entry.pkScript), true
}

// clone returns an independent copy that shares structure with s until
// either side is written.
func (s *UtxoState) clone() *UtxoState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return &UtxoState{
		tip:    s.tip,
		height: s.height,
		utxos:  s.utxos.Clone(),
		undo:   s.undo.Clone(),
	}
}

func (s *UtxoState) entries() []*utxoEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*utxoEntry, 0, s.utxos.Len())
	s.utxos.Ascend(func(e *utxoEntry) bool {
		out = append(out, e)
		return true
	})

	return out
}

func (s *UtxoState) undoRecords() []*undoRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*undoRecord, 0, s.undo.Len())
	s.undo.Ascend(func(r *undoRecord) bool {
		out = append(out, r)
		return true
	})

	return out
}

// Equal reports whether other is a UtxoState at the same tip holding the
// same unspent outputs.
func (s *UtxoState) Equal(other chaintypes.DerivedState) bool {
	o, ok := other.(*UtxoState)
	if !ok {
		return false
	}
	if s == o {
		return true
	}
	if s.tip != o.tip || s.height != o.height {
		return false
	}

	a, b := s.entries(), o.entries()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].equal(b[i]) {
			return false
		}
	}

	return true
}
