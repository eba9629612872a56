// Package snapshot persists committed chain states so the daemon can resume
// without replaying the chain from genesis.
package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"slices"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/chaindaemon/chaind/chainstore"
	"github.com/chaindaemon/chaind/chaintypes"
	"github.com/chaindaemon/chaind/rules"
	"github.com/lightningnetwork/lnd/kvdb"
)

var (
	// snapshotBucket is the top-level bucket. It holds one nested bucket
	// per snapshot, keyed by the root block hash:
	//
	//   snapshots
	//   └── <root hash>
	//       ├── meta:  TLV encoded root chained header
	//       └── state: codec encoded derived state
	snapshotBucket = []byte("snapshots")

	metaKey  = []byte("meta")
	stateKey = []byte("state")

	// ErrSnapshotNotFound is returned when reading a key that was never
	// written or has been removed.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrCorruptedSnapshot is returned when a snapshot bucket lacks its
	// meta or state record.
	ErrCorruptedSnapshot = errors.New("snapshot is corrupted")
)

// Meta describes a stored snapshot without loading its state.
type Meta struct {
	Key       chainhash.Hash
	Height    uint32
	TotalWork *big.Int
}

// Store is a kvdb backed snapshot store.
type Store struct {
	db    kvdb.Backend
	codec rules.StateCodec
}

// New opens the snapshot store in db, creating its bucket if needed.
func New(db kvdb.Backend, codec rules.StateCodec) (*Store, error) {
	err := kvdb.Update(db, func(tx kvdb.RwTx) error {
		_, err := tx.CreateTopLevelBucket(snapshotBucket)
		return err
	}, func() {})
	if err != nil {
		return nil, fmt.Errorf("unable to create snapshot bucket: %w",
			err)
	}

	return &Store{db: db, codec: codec}, nil
}

func readRoot(bucket kvdb.RBucket) (chaintypes.ChainedHeader, error) {
	raw := bucket.Get(metaKey)
	if raw == nil {
		return chaintypes.ChainedHeader{}, ErrCorruptedSnapshot
	}

	return chainstore.DecodeChainedHeader(bytes.NewReader(raw))
}

// List returns the metadata of every stored snapshot, highest total work
// first.
func (s *Store) List(ctx context.Context) ([]Meta, error) {
	var metas []Meta
	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		top := tx.ReadBucket(snapshotBucket)
		if top == nil {
			return ErrCorruptedSnapshot
		}

		return top.ForEach(func(k, _ []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}

			bucket := top.NestedReadBucket(k)
			if bucket == nil {
				return nil
			}

			root, err := readRoot(bucket)
			if err != nil {
				return fmt.Errorf("snapshot %x: %w", k, err)
			}

			metas = append(metas, Meta{
				Key:       root.BlockHash,
				Height:    root.Height,
				TotalWork: root.Work(),
			})

			return nil
		})
	}, func() {
		metas = nil
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(metas, func(a, b Meta) int {
		if c := b.TotalWork.Cmp(a.TotalWork); c != 0 {
			return c
		}

		return rules.CompareHashes(&a.Key, &b.Key)
	})

	return metas, nil
}

// Read loads the snapshot stored under key.
func (s *Store) Read(key chainhash.Hash) (chaintypes.ChainState, error) {
	var state chaintypes.ChainState
	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		top := tx.ReadBucket(snapshotBucket)
		if top == nil {
			return ErrCorruptedSnapshot
		}

		bucket := top.NestedReadBucket(key[:])
		if bucket == nil {
			return fmt.Errorf("%w: %v", ErrSnapshotNotFound, key)
		}

		root, err := readRoot(bucket)
		if err != nil {
			return err
		}

		raw := bucket.Get(stateKey)
		if raw == nil {
			return ErrCorruptedSnapshot
		}

		derived, err := s.codec.DecodeState(bytes.NewReader(raw))
		if err != nil {
			return fmt.Errorf("decode state of %v: %w", key, err)
		}

		state = chaintypes.ChainState{Root: root, State: derived}

		return nil
	}, func() {
		state = chaintypes.ChainState{}
	})

	return state, err
}

// Write stores state under its root hash, replacing any previous snapshot
// with the same root.
func (s *Store) Write(state chaintypes.ChainState) error {
	var meta, raw bytes.Buffer
	if err := chainstore.EncodeChainedHeader(&meta, state.Root); err != nil {
		return err
	}
	if err := s.codec.EncodeState(&raw, state.State); err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	key := state.Root.BlockHash

	err := kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		top := tx.ReadWriteBucket(snapshotBucket)
		if top == nil {
			return ErrCorruptedSnapshot
		}

		bucket, err := top.CreateBucketIfNotExists(key[:])
		if err != nil {
			return err
		}
		if err := bucket.Put(metaKey, meta.Bytes()); err != nil {
			return err
		}

		return bucket.Put(stateKey, raw.Bytes())
	}, func() {})
	if err != nil {
		return err
	}

	log.Debugf("Wrote snapshot at height %d (%v), %d bytes",
		state.Root.Height, key, raw.Len())

	return nil
}

// RemoveAllBelow deletes every snapshot whose total work is strictly less
// than totalWork, returning how many were removed.
func (s *Store) RemoveAllBelow(totalWork *big.Int) (int, error) {
	var removed int
	err := kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		top := tx.ReadWriteBucket(snapshotBucket)
		if top == nil {
			return ErrCorruptedSnapshot
		}

		var doomed [][]byte
		err := top.ForEach(func(k, _ []byte) error {
			bucket := top.NestedReadWriteBucket(k)
			if bucket == nil {
				return nil
			}

			root, err := readRoot(bucket)
			if err != nil {
				return fmt.Errorf("snapshot %x: %w", k, err)
			}
			if root.Work().Cmp(totalWork) < 0 {
				doomed = append(doomed, slices.Clone(k))
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range doomed {
			if err := top.DeleteNestedBucket(k); err != nil {
				return err
			}
		}
		removed = len(doomed)

		return nil
	}, func() {
		removed = 0
	})
	if err != nil {
		return 0, err
	}

	if removed > 0 {
		log.Debugf("Pruned %d snapshots below work %v", removed,
			totalWork)
	}

	return removed, nil
}
