package chaintypes

import (
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
)

// TestSplitMissing asserts that joined batches are flattened and that only
// batches made purely of missing data faults are considered recoverable.
func TestSplitMissing(t *testing.T) {
	t.Parallel()

	h1 := chainhash.Hash{1}
	h2 := chainhash.Hash{2}
	errBoom := errors.New("boom")

	testCases := []struct {
		name        string
		err         error
		wantMissing int
		wantOther   bool
	}{
		{
			name: "nil",
		},
		{
			name:        "single missing",
			err:         NewMissingDataError(KindBlock, h1),
			wantMissing: 1,
		},
		{
			name: "joined missing",
			err: errors.Join(
				NewMissingDataError(KindBlock, h1),
				NewMissingDataError(KindHeader, h2),
			),
			wantMissing: 2,
		},
		{
			name: "wrapped join",
			err: fmt.Errorf("prefetch: %w", errors.Join(
				NewMissingDataError(KindBlock, h1),
				NewMissingDataError(KindBlock, h2),
			)),
			wantMissing: 2,
		},
		{
			name: "mixed",
			err: errors.Join(
				NewMissingDataError(KindBlock, h1), errBoom,
			),
			wantMissing: 1,
			wantOther:   true,
		},
		{
			name:      "other only",
			err:       errBoom,
			wantOther: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			missing, rest := SplitMissing(tc.err)
			require.Len(t, missing, tc.wantMissing)
			if tc.wantOther {
				require.ErrorIs(t, rest, errBoom)
			} else {
				require.NoError(t, rest)
			}
		})
	}
}

// TestErrorKinds checks the kind helpers see through wrapping.
func TestErrorKinds(t *testing.T) {
	t.Parallel()

	missing := fmt.Errorf("ctx: %w",
		NewMissingDataError(KindTransaction, chainhash.Hash{3}))
	require.True(t, IsMissingData(missing))
	require.False(t, IsValidation(missing))

	cause := errors.New("bad merkle root")
	invalid := fmt.Errorf("apply: %w",
		NewValidationError(chainhash.Hash{4}, "merkle", cause))
	require.True(t, IsValidation(invalid))
	require.ErrorIs(t, invalid, cause)
	require.False(t, IsMissingData(invalid))
}

// TestChainedHeaderChild verifies height and work accumulation.
func TestChainedHeaderChild(t *testing.T) {
	t.Parallel()

	genesis := ChainedHeader{BlockHash: chainhash.Hash{9}}
	child := genesis.NewChild(chainhash.Hash{10}, big.NewInt(7))
	grandChild := child.NewChild(chainhash.Hash{11}, big.NewInt(5))

	require.Equal(t, uint32(2), grandChild.Height)
	require.Equal(t, child.BlockHash, grandChild.PreviousHash)
	require.Zero(t, big.NewInt(12).Cmp(grandChild.TotalWork))

	// The parent's work must not be aliased by the child.
	require.Zero(t, big.NewInt(7).Cmp(child.TotalWork))
	require.True(t, child.Equal(child))
	require.False(t, child.Equal(grandChild))
}
