package missingdata

import (
	"errors"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/chaindaemon/chaind/chaintypes"
	"github.com/stretchr/testify/require"
)

// TestTrackerMarkFound checks the basic bookkeeping and that kinds are kept
// apart.
func TestTrackerMarkFound(t *testing.T) {
	t.Parallel()

	tracker := NewTracker()
	h := chainhash.Hash{1}

	tracker.MarkMissing(chaintypes.KindBlock, h)
	tracker.MarkMissing(chaintypes.KindBlock, h)
	require.Equal(t, 1, tracker.Count(chaintypes.KindBlock))
	require.True(t, tracker.Contains(chaintypes.KindBlock, h))
	require.False(t, tracker.Contains(chaintypes.KindHeader, h))

	require.False(t, tracker.MarkFound(chaintypes.KindHeader, h))
	require.True(t, tracker.MarkFound(chaintypes.KindBlock, h))
	require.False(t, tracker.MarkFound(chaintypes.KindBlock, h))
	require.Empty(t, tracker.Snapshot(chaintypes.KindBlock))
}

// TestTrackerRecord asserts aggregate faults are unwrapped and that any
// non-missing fault makes the batch unrecoverable.
func TestTrackerRecord(t *testing.T) {
	t.Parallel()

	tracker := NewTracker()

	onlyMissing := errors.Join(
		chaintypes.NewMissingDataError(
			chaintypes.KindBlock, chainhash.Hash{1},
		),
		chaintypes.NewMissingDataError(
			chaintypes.KindTransaction, chainhash.Hash{2},
		),
	)
	require.True(t, tracker.Record(onlyMissing))
	require.True(t, tracker.Contains(
		chaintypes.KindBlock, chainhash.Hash{1},
	))
	require.True(t, tracker.Contains(
		chaintypes.KindTransaction, chainhash.Hash{2},
	))

	mixed := errors.Join(
		chaintypes.NewMissingDataError(
			chaintypes.KindHeader, chainhash.Hash{3},
		),
		errors.New("disk on fire"),
	)
	require.False(t, tracker.Record(mixed))
	require.True(t, tracker.Contains(
		chaintypes.KindHeader, chainhash.Hash{3},
	))

	require.True(t, tracker.Record(nil))
}

// TestTrackerConcurrent hammers the tracker from several goroutines.
func TestTrackerConcurrent(t *testing.T) {
	t.Parallel()

	const (
		workers   = 8
		perWorker = 200
	)

	tracker := NewTracker()

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()

			for i := 0; i < perWorker; i++ {
				h := chainhash.Hash{byte(w), byte(i), byte(i >> 8)}
				tracker.MarkMissing(chaintypes.KindBlock, h)
				if i%2 == 0 {
					tracker.MarkFound(chaintypes.KindBlock, h)
				}
			}
		}(w)
	}
	wg.Wait()

	require.Equal(
		t, workers*perWorker/2, tracker.Count(chaintypes.KindBlock),
	)
}
