// Package blockcache keeps recently used blocks in memory in front of a
// block store.
package blockcache

import (
	"errors"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/chaindaemon/chaind/multimutex"
	"github.com/lightninglabs/neutrino"
	"github.com/lightninglabs/neutrino/cache"
	"github.com/lightninglabs/neutrino/cache/lru"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// BlockSource is the store behind the cache.
type BlockSource interface {
	TryGet(hash chainhash.Hash) (fn.Option[*wire.MsgBlock], error)
}

// BlockCache is an LRU cache of blocks sized in bytes.
type BlockCache struct {
	Cache *lru.Cache[chainhash.Hash, *neutrino.CacheableBlock]

	source  BlockSource
	hashMtx *multimutex.Mutex[chainhash.Hash]
}

// NewBlockCache creates a cache holding up to capacity bytes of blocks read
// from source.
func NewBlockCache(capacity uint64, source BlockSource) *BlockCache {
	return &BlockCache{
		Cache: lru.NewCache[chainhash.Hash, *neutrino.CacheableBlock](
			capacity,
		),
		source:  source,
		hashMtx: multimutex.NewMutex[chainhash.Hash](),
	}
}

// TryGet returns the block from the cache, or loads it from the source and
// caches it. Concurrent callers for the same hash share one load. Absent
// blocks are not cached.
func (bc *BlockCache) TryGet(
	hash chainhash.Hash) (fn.Option[*wire.MsgBlock], error) {

	bc.hashMtx.Lock(hash)
	defer bc.hashMtx.Unlock(hash)

	cached, err := bc.Cache.Get(hash)
	switch {
	case err == nil:
		return fn.Some(cached.MsgBlock()), nil

	case !errors.Is(err, cache.ErrElementNotFound):
		return fn.None[*wire.MsgBlock](), err
	}

	blockOpt, err := bc.source.TryGet(hash)
	if err != nil || blockOpt.IsNone() {
		return blockOpt, err
	}

	block := blockOpt.UnsafeFromSome()
	entry := &neutrino.CacheableBlock{Block: btcutil.NewBlock(block)}

	// A block that cannot be sized or does not fit is still served.
	_, _ = bc.Cache.Put(hash, entry)

	return blockOpt, nil
}
