package chainstore

import (
	"bytes"
	"io"
	"math/big"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/chaindaemon/chaind/chaintypes"
	"github.com/lightningnetwork/lnd/tlv"
)

const (
	chainedHashType   tlv.Type = 0
	chainedPrevType   tlv.Type = 2
	chainedHeightType tlv.Type = 4
	chainedWorkType   tlv.Type = 6
)

// EncodeChainedHeader writes the TLV encoding of a chained header.
func EncodeChainedHeader(w io.Writer, h chaintypes.ChainedHeader) error {
	var (
		hash   = [32]byte(h.BlockHash)
		prev   = [32]byte(h.PreviousHash)
		height = h.Height
		work   = h.Work().Bytes()
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(chainedHashType, &hash),
		tlv.MakePrimitiveRecord(chainedPrevType, &prev),
		tlv.MakePrimitiveRecord(chainedHeightType, &height),
		tlv.MakePrimitiveRecord(chainedWorkType, &work),
	)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// DecodeChainedHeader reads a chained header written by EncodeChainedHeader.
func DecodeChainedHeader(r io.Reader) (chaintypes.ChainedHeader, error) {
	var (
		hash, prev [32]byte
		height     uint32
		work       []byte
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(chainedHashType, &hash),
		tlv.MakePrimitiveRecord(chainedPrevType, &prev),
		tlv.MakePrimitiveRecord(chainedHeightType, &height),
		tlv.MakePrimitiveRecord(chainedWorkType, &work),
	)
	if err != nil {
		return chaintypes.ChainedHeader{}, err
	}

	if err := stream.Decode(r); err != nil {
		return chaintypes.ChainedHeader{}, err
	}

	return chaintypes.ChainedHeader{
		BlockHash:    chainhash.Hash(hash),
		PreviousHash: chainhash.Hash(prev),
		Height:       height,
		TotalWork:    new(big.Int).SetBytes(work),
	}, nil
}

// valueCodec converts store values to and from their on-disk form.
type valueCodec[V any] struct {
	encode func(w io.Writer, v V) error
	decode func(r io.Reader) (V, error)
}

var headerCodec = valueCodec[*wire.BlockHeader]{
	encode: func(w io.Writer, h *wire.BlockHeader) error {
		return h.Serialize(w)
	},
	decode: func(r io.Reader) (*wire.BlockHeader, error) {
		var h wire.BlockHeader
		if err := h.Deserialize(r); err != nil {
			return nil, err
		}

		return &h, nil
	},
}

var blockCodec = valueCodec[*wire.MsgBlock]{
	encode: func(w io.Writer, b *wire.MsgBlock) error {
		return b.Serialize(w)
	},
	decode: func(r io.Reader) (*wire.MsgBlock, error) {
		var b wire.MsgBlock
		if err := b.Deserialize(r); err != nil {
			return nil, err
		}

		return &b, nil
	},
}

var txCodec = valueCodec[*wire.MsgTx]{
	encode: func(w io.Writer, tx *wire.MsgTx) error {
		return tx.Serialize(w)
	},
	decode: func(r io.Reader) (*wire.MsgTx, error) {
		var tx wire.MsgTx
		if err := tx.Deserialize(r); err != nil {
			return nil, err
		}

		return &tx, nil
	},
}

var chainedHeaderCodec = valueCodec[chaintypes.ChainedHeader]{
	encode: EncodeChainedHeader,
	decode: DecodeChainedHeader,
}

func (c valueCodec[V]) bytes(v V) ([]byte, error) {
	var b bytes.Buffer
	if err := c.encode(&b, v); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}
