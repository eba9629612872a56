package chainstore

import (
	"context"
	"iter"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/chaindaemon/chaind/chaintypes"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// memStore is a map backed Store. Keys are yielded in insertion order.
type memStore[V any] struct {
	kind chaintypes.DataKind
	sink EventSink

	mu     sync.RWMutex
	values map[chainhash.Hash]V
	order  []chainhash.Hash
}

// A compile-time check to ensure memStore implements Store.
var _ Store[chainhash.Hash, *wire.MsgBlock] = (*memStore[*wire.MsgBlock])(nil)

func newMemStore[V any](kind chaintypes.DataKind,
	sink EventSink) *memStore[V] {

	return &memStore[V]{
		kind:   kind,
		sink:   sink,
		values: make(map[chainhash.Hash]V),
	}
}

// TryGet returns the value stored under key.
func (m *memStore[V]) TryGet(key chainhash.Hash) (fn.Option[V], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.values[key]
	if !ok {
		return fn.None[V](), nil
	}

	return fn.Some(v), nil
}

// Contains reports whether key is stored.
func (m *memStore[V]) Contains(key chainhash.Hash) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.values[key]

	return ok, nil
}

// Put stores value under key and publishes a change event.
func (m *memStore[V]) Put(key chainhash.Hash, value V) error {
	m.mu.Lock()
	_, existed := m.values[key]
	m.values[key] = value
	if !existed {
		m.order = append(m.order, key)
	}
	m.mu.Unlock()

	publish(m.sink, m.kind, key, !existed)

	return nil
}

// AllKeys yields a snapshot of the keys taken when iteration starts.
func (m *memStore[V]) AllKeys(ctx context.Context) iter.Seq2[chainhash.Hash,
	error] {

	return func(yield func(chainhash.Hash, error) bool) {
		m.mu.RLock()
		keys := make([]chainhash.Hash, len(m.order))
		copy(keys, m.order)
		m.mu.RUnlock()

		for _, key := range keys {
			if err := ctx.Err(); err != nil {
				yield(chainhash.Hash{}, err)
				return
			}

			if !yield(key, nil) {
				return
			}
		}
	}
}

// memChainedHeaderStore adds a parent index on top of memStore.
type memChainedHeaderStore struct {
	*memStore[chaintypes.ChainedHeader]

	idxMu  sync.RWMutex
	byPrev map[chainhash.Hash][]chainhash.Hash
}

// A compile-time check to ensure memChainedHeaderStore implements
// ChainedHeaderStore.
var _ ChainedHeaderStore = (*memChainedHeaderStore)(nil)

// Put stores the chained header and indexes it by its parent.
func (m *memChainedHeaderStore) Put(key chainhash.Hash,
	value chaintypes.ChainedHeader) error {

	m.idxMu.Lock()
	defer m.idxMu.Unlock()

	exists, _ := m.memStore.Contains(key)
	if err := m.memStore.Put(key, value); err != nil {
		return err
	}

	// A child is only indexed once its value can be read.
	if !exists {
		m.byPrev[value.PreviousHash] = append(
			m.byPrev[value.PreviousHash], key,
		)
	}

	return nil
}

// FindByPreviousHash returns the children of prev.
func (m *memChainedHeaderStore) FindByPreviousHash(
	prev chainhash.Hash) ([]chainhash.Hash, error) {

	m.idxMu.RLock()
	defer m.idxMu.RUnlock()

	children := m.byPrev[prev]
	out := make([]chainhash.Hash, len(children))
	copy(out, children)

	return out, nil
}

// NewMemStores returns a set of in-memory stores that publish their changes
// to sink. The sink may be nil.
func NewMemStores(sink EventSink) *Stores {
	return &Stores{
		Headers: newMemStore[*wire.BlockHeader](
			chaintypes.KindHeader, sink,
		),
		Blocks: newMemStore[*wire.MsgBlock](
			chaintypes.KindBlock, sink,
		),
		ChainedHeaders: &memChainedHeaderStore{
			memStore: newMemStore[chaintypes.ChainedHeader](
				chaintypes.KindChainedHeader, sink,
			),
			byPrev: make(map[chainhash.Hash][]chainhash.Hash),
		},
		Transactions: newMemStore[*wire.MsgTx](
			chaintypes.KindTransaction, sink,
		),
	}
}
