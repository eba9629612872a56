package chainstore

import (
	"bytes"
	"context"
	"errors"
	"iter"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/chaindaemon/chaind/chaintypes"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/kvdb"
)

var (
	// headerBucket houses serialized block headers keyed by block hash.
	headerBucket = []byte("block-headers")

	// blockBucket houses serialized blocks keyed by block hash.
	blockBucket = []byte("blocks")

	// chainedHeaderBucket houses TLV encoded chained headers keyed by
	// block hash.
	chainedHeaderBucket = []byte("chained-headers")

	// chainedByPrevBucket indexes chained headers by parent. Each key is
	// the parent hash followed by the child hash, values are empty.
	chainedByPrevBucket = []byte("chained-headers-by-prev")

	// txBucket houses serialized transactions keyed by txid.
	txBucket = []byte("transactions")

	// ErrCorruptedStore indicates that the on-disk bucketing structure has
	// altered since the store was initialized.
	ErrCorruptedStore = errors.New("chain store has been corrupted")
)

// kvStore is a Store persisted in a single kvdb bucket.
type kvStore[V any] struct {
	db     kvdb.Backend
	bucket []byte
	kind   chaintypes.DataKind
	codec  valueCodec[V]
	sink   EventSink

	// onPut, if set, runs inside the write transaction of a new key.
	onPut func(tx kvdb.RwTx, key chainhash.Hash, v V) error
}

// TryGet returns the value stored under key.
func (s *kvStore[V]) TryGet(key chainhash.Hash) (fn.Option[V], error) {
	result := fn.None[V]()
	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(s.bucket)
		if bucket == nil {
			return ErrCorruptedStore
		}

		raw := bucket.Get(key[:])
		if raw == nil {
			return nil
		}

		v, err := s.codec.decode(bytes.NewReader(raw))
		if err != nil {
			return err
		}
		result = fn.Some(v)

		return nil
	}, func() {
		result = fn.None[V]()
	})
	if err != nil {
		return fn.None[V](), err
	}

	return result, nil
}

// Contains reports whether key is stored.
func (s *kvStore[V]) Contains(key chainhash.Hash) (bool, error) {
	var found bool
	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(s.bucket)
		if bucket == nil {
			return ErrCorruptedStore
		}
		found = bucket.Get(key[:]) != nil

		return nil
	}, func() {
		found = false
	})

	return found, err
}

// Put stores value under key and publishes a change event once the write
// has committed.
func (s *kvStore[V]) Put(key chainhash.Hash, value V) error {
	raw, err := s.codec.bytes(value)
	if err != nil {
		return err
	}

	var existed bool
	err = kvdb.Batch(s.db, func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(s.bucket)
		if bucket == nil {
			return ErrCorruptedStore
		}

		existed = bucket.Get(key[:]) != nil
		if !existed && s.onPut != nil {
			if err := s.onPut(tx, key, value); err != nil {
				return err
			}
		}

		return bucket.Put(key[:], raw)
	})
	if err != nil {
		return err
	}

	publish(s.sink, s.kind, key, !existed)

	return nil
}

// AllKeys yields every key in the bucket. The keys are read in one
// transaction before iteration begins.
func (s *kvStore[V]) AllKeys(ctx context.Context) iter.Seq2[chainhash.Hash,
	error] {

	return func(yield func(chainhash.Hash, error) bool) {
		var keys []chainhash.Hash
		err := kvdb.View(s.db, func(tx kvdb.RTx) error {
			bucket := tx.ReadBucket(s.bucket)
			if bucket == nil {
				return ErrCorruptedStore
			}

			return bucket.ForEach(func(k, _ []byte) error {
				var key chainhash.Hash
				copy(key[:], k)
				keys = append(keys, key)

				return ctx.Err()
			})
		}, func() {
			keys = nil
		})
		if err != nil {
			yield(chainhash.Hash{}, err)
			return
		}

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

// kvChainedHeaderStore is the kvdb backed ChainedHeaderStore.
type kvChainedHeaderStore struct {
	*kvStore[chaintypes.ChainedHeader]
}

// A compile-time check to ensure kvChainedHeaderStore implements
// ChainedHeaderStore.
var _ ChainedHeaderStore = (*kvChainedHeaderStore)(nil)

// FindByPreviousHash returns the children of prev using the parent index.
func (s *kvChainedHeaderStore) FindByPreviousHash(
	prev chainhash.Hash) ([]chainhash.Hash, error) {

	var children []chainhash.Hash
	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		index := tx.ReadBucket(chainedByPrevBucket)
		if index == nil {
			return ErrCorruptedStore
		}

		cursor := index.ReadCursor()
		for k, _ := cursor.Seek(prev[:]); k != nil &&
			bytes.HasPrefix(k, prev[:]); k, _ = cursor.Next() {

			var child chainhash.Hash
			copy(child[:], k[chainhash.HashSize:])
			children = append(children, child)
		}

		return nil
	}, func() {
		children = nil
	})

	return children, err
}

// indexByPrev records the parent index entry for a new chained header.
func indexByPrev(tx kvdb.RwTx, key chainhash.Hash,
	h chaintypes.ChainedHeader) error {

	index := tx.ReadWriteBucket(chainedByPrevBucket)
	if index == nil {
		return ErrCorruptedStore
	}

	var indexKey [chainhash.HashSize * 2]byte
	copy(indexKey[:], h.PreviousHash[:])
	copy(indexKey[chainhash.HashSize:], key[:])

	return index.Put(indexKey[:], []byte{})
}

// NewKVStores returns stores persisted in db, creating their buckets if
// needed. Changes are published to sink, which may be nil.
func NewKVStores(db kvdb.Backend, sink EventSink) (*Stores, error) {
	err := kvdb.Update(db, func(tx kvdb.RwTx) error {
		for _, bucket := range [][]byte{
			headerBucket, blockBucket, chainedHeaderBucket,
			chainedByPrevBucket, txBucket,
		} {

			if _, err := tx.CreateTopLevelBucket(bucket); err != nil {
				return err
			}
		}

		return nil
	}, func() {})
	if err != nil {
		return nil, err
	}

	return &Stores{
		Headers: &kvStore[*wire.BlockHeader]{
			db: db, bucket: headerBucket,
			kind: chaintypes.KindHeader, codec: headerCodec,
			sink: sink,
		},
		Blocks: &kvStore[*wire.MsgBlock]{
			db: db, bucket: blockBucket,
			kind: chaintypes.KindBlock, codec: blockCodec,
			sink: sink,
		},
		ChainedHeaders: &kvChainedHeaderStore{
			kvStore: &kvStore[chaintypes.ChainedHeader]{
				db: db, bucket: chainedHeaderBucket,
				kind:  chaintypes.KindChainedHeader,
				codec: chainedHeaderCodec, sink: sink,
				onPut: indexByPrev,
			},
		},
		Transactions: &kvStore[*wire.MsgTx]{
			db: db, bucket: txBucket,
			kind: chaintypes.KindTransaction, codec: txCodec,
			sink: sink,
		},
	}, nil
}
