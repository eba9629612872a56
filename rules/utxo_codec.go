package rules

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/chaindaemon/chaind/chaintypes"
)

const (
	utxoStateVersion = 1

	// maxScriptSize bounds decoded pk scripts.
	maxScriptSize = 10000
)

var byteOrder = binary.LittleEndian

func writeEntry(w io.Writer, e *utxoEntry) error {
	var buf [chainhash.HashSize + 4 + 8]byte
	copy(buf[:], e.outpoint.Hash[:])
	byteOrder.PutUint32(buf[chainhash.HashSize:], e.outpoint.Index)
	byteOrder.PutUint64(buf[chainhash.HashSize+4:], uint64(e.value))
	if _, err := w.Write(buf[:]); err != nil {
		return err
	}

	return wire.WriteVarBytes(w, 0, e.pkScript)
}

func readEntry(r io.Reader) (*utxoEntry, error) {
	var buf [chainhash.HashSize + 4 + 8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, err
	}

	e := &utxoEntry{}
	copy(e.outpoint.Hash[:], buf[:chainhash.HashSize])
	e.outpoint.Index = byteOrder.Uint32(buf[chainhash.HashSize:])
	e.value = int64(byteOrder.Uint64(buf[chainhash.HashSize+4:]))

	script, err := wire.ReadVarBytes(r, 0, maxScriptSize, "pkScript")
	if err != nil {
		return nil, err
	}
	e.pkScript = script

	return e, nil
}

// EncodeState writes a UtxoState: header, unspent outputs, then undo
// records.
func (r *UtxoRules) EncodeState(w io.Writer,
	state chaintypes.DerivedState) error {

	s, ok := state.(*UtxoState)
	if !ok {
		return fmt.Errorf("unexpected state type %T", state)
	}

	var header [1 + chainhash.HashSize + 4]byte
	header[0] = utxoStateVersion
	copy(header[1:], s.tip[:])
	byteOrder.PutUint32(header[1+chainhash.HashSize:], s.height)
	if _, err := w.Write(header[:]); err != nil {
		return err
	}

	entries := s.entries()
	if err := wire.WriteVarInt(w, 0, uint64(len(entries))); err != nil {
		return err
	}
	for _, e := range entries {
		if err := writeEntry(w, e); err != nil {
			return err
		}
	}

	records := s.undoRecords()
	if err := wire.WriteVarInt(w, 0, uint64(len(records))); err != nil {
		return err
	}
	for _, rec := range records {
		if _, err := w.Write(rec.block[:]); err != nil {
			return err
		}

		err := wire.WriteVarInt(w, 0, uint64(len(rec.spent)))
		if err != nil {
			return err
		}
		for _, spent := range rec.spent {
			err := wire.WriteVarInt(w, 0, uint64(len(spent)))
			if err != nil {
				return err
			}
			for _, e := range spent {
				if err := writeEntry(w, e); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

// DecodeState reads a state written by EncodeState.
func (r *UtxoRules) DecodeState(rd io.Reader) (chaintypes.DerivedState,
	error) {

	var header [1 + chainhash.HashSize + 4]byte
	if _, err := io.ReadFull(rd, header[:]); err != nil {
		return nil, err
	}
	if header[0] != utxoStateVersion {
		return nil, fmt.Errorf("unknown utxo state version %d",
			header[0])
	}

	var tip chainhash.Hash
	copy(tip[:], header[1:])
	s := newUtxoState(tip)
	s.height = byteOrder.Uint32(header[1+chainhash.HashSize:])

	count, err := wire.ReadVarInt(rd, 0)
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < count; i++ {
		e, err := readEntry(rd)
		if err != nil {
			return nil, err
		}
		s.utxos.ReplaceOrInsert(e)
	}

	records, err := wire.ReadVarInt(rd, 0)
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < records; i++ {
		rec := &undoRecord{}
		if _, err := io.ReadFull(rd, rec.block[:]); err != nil {
			return nil, err
		}

		txCount, err := wire.ReadVarInt(rd, 0)
		if err != nil {
			return nil, err
		}
		if txCount > wire.MaxBlockPayload {
			return nil, fmt.Errorf("undo record for %v claims %d "+
				"transactions", rec.block, txCount)
		}

		rec.spent = make([][]*utxoEntry, txCount)
		for j := range rec.spent {
			n, err := wire.ReadVarInt(rd, 0)
			if err != nil {
				return nil, err
			}
			for k := uint64(0); k < n; k++ {
				e, err := readEntry(rd)
				if err != nil {
					return nil, err
				}
				rec.spent[j] = append(rec.spent[j], e)
			}
		}
		s.undo.ReplaceOrInsert(rec)
	}

	return s, nil
}
