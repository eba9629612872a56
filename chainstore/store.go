package chainstore

import (
	"context"
	"iter"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/chaindaemon/chaind/chaintypes"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Store is a keyed collection of immutable chain data.
type Store[K comparable, V any] interface {
	// TryGet returns the value stored under key, or None if there is no
	// such value.
	TryGet(key K) (fn.Option[V], error)

	// Contains reports whether a value is stored under key.
	Contains(key K) (bool, error)

	// Put stores value under key, replacing any existing value.
	Put(key K, value V) error

	// AllKeys yields every stored key. Iteration stops early if ctx is
	// cancelled, yielding the context error.
	AllKeys(ctx context.Context) iter.Seq2[K, error]
}

// HeaderStore holds bare block headers keyed by block hash.
type HeaderStore = Store[chainhash.Hash, *wire.BlockHeader]

// BlockStore holds full blocks keyed by block hash.
type BlockStore = Store[chainhash.Hash, *wire.MsgBlock]

// TransactionStore holds transactions keyed by txid.
type TransactionStore = Store[chainhash.Hash, *wire.MsgTx]

// ChainedHeaderStore holds chained headers keyed by block hash and can look
// them up by parent.
type ChainedHeaderStore interface {
	Store[chainhash.Hash, chaintypes.ChainedHeader]

	// FindByPreviousHash returns the hashes of every stored chained header
	// whose parent is prev.
	FindByPreviousHash(prev chainhash.Hash) ([]chainhash.Hash, error)
}

// Event describes a change to one of the stores.
type Event struct {
	// Kind is the store the change happened in.
	Kind chaintypes.DataKind

	// Key is the hash that was written.
	Key chainhash.Hash

	// Added is true for new keys and false when an existing value was
	// overwritten.
	Added bool

	// Ack, if non-nil, marks the event as a flush marker rather than a
	// store change. Every subscriber calls it once it has processed the
	// events received before the marker.
	Ack func()
}

// IsBarrier returns true if the event is a flush marker that carries no store
// change.
func (e Event) IsBarrier() bool {
	return e.Ack != nil
}

// EventSink receives store change events. A *subscribe.Server[Event]
// satisfies it.
type EventSink interface {
	SendUpdate(update Event) error
}

// publish forwards an event to the sink if there is one.
func publish(sink EventSink, kind chaintypes.DataKind, key chainhash.Hash,
	added bool) {

	if sink == nil {
		return
	}

	err := sink.SendUpdate(Event{Kind: kind, Key: key, Added: added})
	if err != nil {
		log.Debugf("Unable to publish %v event for %v: %v", kind, key,
			err)
	}
}

// Stores bundles the four data stores the chain engine reads from.
type Stores struct {
	Headers        HeaderStore
	Blocks         BlockStore
	ChainedHeaders ChainedHeaderStore
	Transactions   TransactionStore
}

// AddBlock stores a block along with its header and each of its
// transactions.
func (s *Stores) AddBlock(block *wire.MsgBlock) error {
	hash := block.BlockHash()

	header := block.Header
	if err := s.Headers.Put(hash, &header); err != nil {
		return err
	}

	for _, tx := range block.Transactions {
		if err := s.Transactions.Put(tx.TxHash(), tx); err != nil {
			return err
		}
	}

	return s.Blocks.Put(hash, block)
}

// AddHeader stores a bare header.
func (s *Stores) AddHeader(header *wire.BlockHeader) error {
	return s.Headers.Put(header.BlockHash(), header)
}
