package advancer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/chaindaemon/chaind/chainindex"
	"github.com/chaindaemon/chaind/chainstore"
	"github.com/chaindaemon/chaind/chaintest"
	"github.com/chaindaemon/chaind/chaintypes"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type advanceHarness struct {
	t        require.TestingT
	rules    *chaintest.Rules
	builder  *chaintest.Builder
	stores   *chainstore.Stores
	index    *chainindex.Index
	advancer *Advancer
}

func newAdvanceHarness(t require.TestingT, window int) *advanceHarness {
	r := chaintest.NewRules()
	stores := chainstore.NewMemStores(nil)
	idx, err := chainindex.New(
		stores.ChainedHeaders, stores.Headers, r.GenesisChainedHeader(),
	)
	require.NoError(t, err)

	return &advanceHarness{
		t:       t,
		rules:   r,
		builder: chaintest.NewBuilder(r),
		stores:  stores,
		index:   idx,
		advancer: New(Config{
			Index:          idx,
			Blocks:         stores.Blocks,
			Rules:          r,
			PrefetchWindow: window,
		}),
	}
}

// add builds and links a block. The block body is only stored if withBody
// is set.
func (h *advanceHarness) add(name, parent string, work uint32,
	withBody bool) {

	block := h.builder.Block(name, parent, work)
	if withBody {
		require.NoError(h.t, h.stores.AddBlock(block))
	} else {
		require.NoError(h.t, h.stores.AddHeader(&block.Header))
	}

	_, err := h.index.Link(
		context.Background(), h.builder.Hashes(name), h.rules.CalcWork,
	)
	require.NoError(h.t, err)
}

func (h *advanceHarness) genesisState() chaintypes.ChainState {
	return chaintypes.ChainState{
		Root:  h.rules.GenesisChainedHeader(),
		State: h.rules.GenesisState(),
	}
}

func (h *advanceHarness) header(name string) chaintypes.ChainedHeader {
	opt, err := h.index.TryGet(h.builder.Hash(name))
	require.NoError(h.t, err)
	require.True(h.t, opt.IsSome())

	return opt.UnsafeFromSome()
}

// advance runs Advance and records the root of every progress step.
func (h *advanceHarness) advance(from chaintypes.ChainState,
	to string) (chaintypes.ChainState, []*chaintypes.MissingDataError,
	[]string, error) {

	var roots []string
	state, missing, err := h.advancer.Advance(
		context.Background(), from, h.header(to),
		func(s chaintypes.ChainState) error {
			roots = append(roots, h.builder.Name(s.Root.BlockHash))
			return nil
		},
	)

	return state, missing, roots, err
}

func (h *advanceHarness) requirePath(state chaintypes.ChainState,
	names ...string) {

	require.True(h.t, h.builder.PathState(names...).Equal(state.State),
		"state path %v", h.builder.Names(
			state.State.(*chaintest.PathState).Path,
		))
	require.Equal(h.t, h.builder.Hash(names[len(names)-1]),
		state.Root.BlockHash)
}

// TestAdvanceExtend applies B then C on top of genesis.
func TestAdvanceExtend(t *testing.T) {
	t.Parallel()

	h := newAdvanceHarness(t, 0)
	h.add("A", "G", 10, true)
	h.add("B", "G", 20, true)
	h.add("C", "B", 10, true)

	state, missing, roots, err := h.advance(h.genesisState(), "C")
	require.NoError(t, err)
	require.Empty(t, missing)
	require.Equal(t, []string{"B", "C"}, roots)
	require.Equal(t, []string{"apply B", "apply C"},
		h.builder.CallNames(h.rules.Calls()))
	h.requirePath(state, "G", "B", "C")

	// Advancing to the current root is a no-op.
	h.rules.ResetCalls()
	same, _, roots, err := h.advance(state, "C")
	require.NoError(t, err)
	require.Empty(t, roots)
	require.Empty(t, h.rules.Calls())
	require.True(t, same.Equal(state))
}

// TestAdvanceReorg switches from C to the heavier D branch.
func TestAdvanceReorg(t *testing.T) {
	t.Parallel()

	h := newAdvanceHarness(t, 0)
	h.add("A", "G", 10, true)
	h.add("B", "G", 20, true)
	h.add("C", "B", 10, true)

	atC, _, _, err := h.advance(h.genesisState(), "C")
	require.NoError(t, err)

	h.add("D", "A", 25, true)
	h.rules.ResetCalls()

	state, missing, roots, err := h.advance(atC, "D")
	require.NoError(t, err)
	require.Empty(t, missing)
	require.Equal(t,
		[]string{"undo C", "undo B", "apply A", "apply D"},
		h.builder.CallNames(h.rules.Calls()),
	)
	require.Equal(t, []string{"B", "G", "A", "D"}, roots)
	h.requirePath(state, "G", "A", "D")

	// Moving back to an ancestor only undoes.
	h.rules.ResetCalls()
	state, _, _, err = h.advance(state, "A")
	require.NoError(t, err)
	require.Equal(t, []string{"undo D"},
		h.builder.CallNames(h.rules.Calls()))
	h.requirePath(state, "G", "A")
}

// TestAdvanceMissingBlock stops at the first absent block, keeps the
// progress made so far and resumes once the block arrives.
func TestAdvanceMissingBlock(t *testing.T) {
	t.Parallel()

	for _, window := range []int{1, 2, DefaultPrefetchWindow} {
		t.Run(fmt.Sprintf("window=%d", window), func(t *testing.T) {
			t.Parallel()

			h := newAdvanceHarness(t, window)
			h.add("A", "G", 1, true)
			h.add("B", "A", 1, true)
			h.add("C", "B", 1, false)
			h.add("D", "C", 1, false)
			h.add("E", "D", 1, true)

			state, missing, roots, err := h.advance(
				h.genesisState(), "E",
			)
			require.NoError(t, err)
			require.Equal(t, []string{"A", "B"}, roots)
			h.requirePath(state, "G", "A", "B")

			keys := make([]chainhash.Hash, 0, len(missing))
			for _, m := range missing {
				require.Equal(t, chaintypes.KindBlock, m.Kind)
				keys = append(keys, m.Key)
			}
			require.Contains(t, keys, h.builder.Hash("C"))
			require.NotContains(t, keys, h.builder.Hash("E"))

			require.NoError(t, h.stores.AddBlock(h.builder.Get("C")))
			require.NoError(t, h.stores.AddBlock(h.builder.Get("D")))

			resumed, missing, roots, err := h.advance(state, "E")
			require.NoError(t, err)
			require.Empty(t, missing)
			require.Equal(t, []string{"C", "D", "E"}, roots)

			direct, _, _, err := h.advance(h.genesisState(), "E")
			require.NoError(t, err)
			require.True(t, direct.Equal(resumed))
		})
	}
}

// TestAdvanceValidationFailure returns the state before the invalid block.
func TestAdvanceValidationFailure(t *testing.T) {
	t.Parallel()

	h := newAdvanceHarness(t, 0)
	h.add("A", "G", 1, true)
	h.add("B", "A", 1, true)
	h.add("C", "B", 1, true)
	h.rules.MarkInvalid(h.builder.Hash("B"))

	state, _, roots, err := h.advance(h.genesisState(), "C")
	require.Error(t, err)
	require.True(t, chaintypes.IsValidation(err))
	require.Equal(t, []string{"A"}, roots)
	h.requirePath(state, "G", "A")
}

// TestAdvanceCancelled refuses to run on a cancelled context.
func TestAdvanceCancelled(t *testing.T) {
	t.Parallel()

	h := newAdvanceHarness(t, 0)
	h.add("A", "G", 1, true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	state, _, err := h.advancer.Advance(
		ctx, h.genesisState(), h.header("A"), nil,
	)
	require.ErrorIs(t, err, context.Canceled)
	require.True(t, state.Equal(h.genesisState()))
	require.Empty(t, h.rules.Calls())
}

// TestAdvanceStale asserts a writer that lost the race stops without
// overwriting the newer committed state.
func TestAdvanceStale(t *testing.T) {
	t.Parallel()

	h := newAdvanceHarness(t, 0)
	h.add("A", "G", 1, true)
	h.add("B", "A", 1, true)
	h.add("X", "G", 5, true)

	committed := NewCommitted(h.genesisState())
	start := committed.Load()

	// Another writer installs X while this one is applying B.
	var competing *Snapshot
	h.rules.OnApply(func(hash chainhash.Hash) {
		if hash != h.builder.Hash("B") {
			return
		}
		competing = committed.Replace(chaintypes.ChainState{
			Root:  h.header("X"),
			State: h.builder.PathState("G", "X"),
		})
	})

	var published []uint64
	state, _, err := h.advancer.Advance(
		context.Background(), start.State, h.header("B"),
		committed.Publisher(start, func(s *Snapshot) {
			published = append(published, s.Version)
		}),
	)
	require.ErrorIs(t, err, ErrStale)
	h.requirePath(state, "G", "A")

	// Only A made it, and the competing version survived.
	require.Equal(t, []uint64{2}, published)
	final := committed.Load()
	require.Same(t, competing, final)
	require.Equal(t, uint64(3), final.Version)
	h.requirePath(final.State, "G", "X")
}

// TestCommittedConcurrentPublish races writers against one another and
// checks versions are never lost or reused.
func TestCommittedConcurrentPublish(t *testing.T) {
	t.Parallel()

	h := newAdvanceHarness(t, 0)
	committed := NewCommitted(h.genesisState())

	const writers = 16
	var (
		wg         sync.WaitGroup
		successes  atomic.Uint64
		maxVersion atomic.Uint64
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for j := 0; j < 50; j++ {
				cur := committed.Load()
				snap, err := committed.Publish(cur, cur.State)
				if err != nil {
					require.ErrorIs(t, err, ErrStale)
					continue
				}
				successes.Add(1)

				for {
					seen := maxVersion.Load()
					if snap.Version <= seen ||
						maxVersion.CompareAndSwap(
							seen, snap.Version,
						) {

						break
					}
				}
			}
		}()
	}
	wg.Wait()

	final := committed.Load()
	require.Equal(t, 1+successes.Load(), final.Version)
	require.GreaterOrEqual(t, final.Version, maxVersion.Load())
}

// TestAdvanceRoundTrip asserts S->L->S->L ends in the same state as a direct
// G->L advance, for random trees.
func TestAdvanceRoundTrip(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		window := rapid.IntRange(1, 4).Draw(rt, "window")
		h := newAdvanceHarness(rt, window)

		names := []string{chaintest.GenesisName}
		n := rapid.IntRange(1, 15).Draw(rt, "n")
		for i := 0; i < n; i++ {
			parent := rapid.SampledFrom(names).Draw(rt, "parent")
			name := fmt.Sprintf("n%d", i)
			h.add(name, parent, 1, true)
			names = append(names, name)
		}

		s := rapid.SampledFrom(names).Draw(rt, "s")
		l := rapid.SampledFrom(names).Draw(rt, "l")

		run := func(from chaintypes.ChainState,
			to string) chaintypes.ChainState {

			state, missing, _, err := h.advance(from, to)
			require.NoError(rt, err)
			require.Empty(rt, missing)

			return state
		}

		direct := run(h.genesisState(), l)

		atS := run(h.genesisState(), s)
		state := run(atS, l)
		state = run(state, s)
		require.True(rt, state.Equal(atS))
		state = run(state, l)

		require.True(rt, state.Equal(direct))
	})
}

// TestRevalidate delegates to the rules with the genesis block.
func TestRevalidate(t *testing.T) {
	t.Parallel()

	h := newAdvanceHarness(t, 0)
	h.add("A", "G", 1, true)

	state, _, _, err := h.advance(h.genesisState(), "A")
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, h.advancer.Revalidate(ctx, state))

	h.rules.FailRevalidation(true)
	require.True(t, chaintypes.IsValidation(
		h.advancer.Revalidate(ctx, state),
	))
}
