package snapshot

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/chaindaemon/chaind/chaintest"
	"github.com/chaindaemon/chaind/chaintypes"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, kvdb.Backend, *chaintest.Rules) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "snapshots.db")
	db, err := kvdb.Create(
		kvdb.BoltBackendName, dbPath, true, kvdb.DefaultDBTimeout,
		false,
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	r := chaintest.NewRules()
	store, err := New(db, r)
	require.NoError(t, err)

	return store, db, r
}

// chainState builds a path state rooted at a header with the given height
// and work.
func chainState(tag byte, height uint32,
	work int64) chaintypes.ChainState {

	root := chaintypes.ChainedHeader{
		BlockHash:    chainhash.Hash{tag},
		PreviousHash: chainhash.Hash{tag, 0xff},
		Height:       height,
		TotalWork:    big.NewInt(work),
	}

	path := make([]chainhash.Hash, 0, height+1)
	for i := uint32(0); i < height; i++ {
		path = append(path, chainhash.Hash{0xee, byte(i)})
	}
	path = append(path, root.BlockHash)

	return chaintypes.ChainState{
		Root:  root,
		State: &chaintest.PathState{Path: path},
	}
}

// TestSnapshotRoundTrip writes, lists and reads snapshots.
func TestSnapshotRoundTrip(t *testing.T) {
	t.Parallel()

	store, _, _ := newTestStore(t)
	ctx := context.Background()

	metas, err := store.List(ctx)
	require.NoError(t, err)
	require.Empty(t, metas)

	low := chainState(1, 2, 20)
	high := chainState(2, 3, 50)
	require.NoError(t, store.Write(low))
	require.NoError(t, store.Write(high))

	metas, err = store.List(ctx)
	require.NoError(t, err)
	require.Len(t, metas, 2)
	require.Equal(t, high.Root.BlockHash, metas[0].Key)
	require.Equal(t, uint32(3), metas[0].Height)
	require.Zero(t, big.NewInt(50).Cmp(metas[0].TotalWork))
	require.Equal(t, low.Root.BlockHash, metas[1].Key)

	read, err := store.Read(high.Root.BlockHash)
	require.NoError(t, err)
	require.True(t, read.Equal(high))

	// Rewriting a root replaces the stored state.
	updated := chainState(2, 3, 50)
	updated.State.(*chaintest.PathState).Path[0] = chainhash.Hash{0x42}
	require.NoError(t, store.Write(updated))

	read, err = store.Read(high.Root.BlockHash)
	require.NoError(t, err)
	require.True(t, read.Equal(updated))

	_, err = store.Read(chainhash.Hash{0x99})
	require.ErrorIs(t, err, ErrSnapshotNotFound)
}

// TestSnapshotRemoveAllBelow prunes strictly lower work snapshots only.
func TestSnapshotRemoveAllBelow(t *testing.T) {
	t.Parallel()

	store, _, _ := newTestStore(t)
	ctx := context.Background()

	for i, work := range []int64{10, 20, 30, 30} {
		require.NoError(t, store.Write(
			chainState(byte(i+1), uint32(i+1), work),
		))
	}

	removed, err := store.RemoveAllBelow(big.NewInt(30))
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	metas, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, metas, 2)
	for _, m := range metas {
		require.Zero(t, big.NewInt(30).Cmp(m.TotalWork))
	}

	removed, err = store.RemoveAllBelow(big.NewInt(30))
	require.NoError(t, err)
	require.Zero(t, removed)
}

// TestSnapshotReopen reads snapshots back through a second store handle.
func TestSnapshotReopen(t *testing.T) {
	t.Parallel()

	store, db, r := newTestStore(t)
	state := chainState(7, 4, 99)
	require.NoError(t, store.Write(state))

	reopened, err := New(db, r)
	require.NoError(t, err)

	read, err := reopened.Read(state.Root.BlockHash)
	require.NoError(t, err)
	require.True(t, read.Equal(state))
}

// TestSnapshotListCancelled observes the context.
func TestSnapshotListCancelled(t *testing.T) {
	t.Parallel()

	store, _, _ := newTestStore(t)
	require.NoError(t, store.Write(chainState(1, 1, 1)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.List(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
