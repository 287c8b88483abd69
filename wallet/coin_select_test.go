package wallet

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/pkg/btcunit"
	"github.com/stretchr/testify/require"
)

// selectionRequest returns a request paying target to one P2WSH output.
func selectionRequest(target btcutil.Amount) SelectionRequest {
	return SelectionRequest{
		Target:        target,
		FeeRate:       feeRate5,
		OutputScripts: [][]byte{p2wshScript(0xee)},
	}
}

// values returns the values of utxos in order.
func values(utxos []Utxo) []btcutil.Amount {
	out := make([]btcutil.Amount, 0, len(utxos))
	for _, u := range utxos {
		out = append(out, u.Value)
	}

	return out
}

// TestSelectCoins checks which UTXOs are chosen for a set of requests.
func TestSelectCoins(t *testing.T) {
	t.Parallel()

	locked := testUtxo(9, 90_000, 1)
	locked.Spendable = false

	testCases := []struct {
		name      string
		available []Utxo
		modify    func(*SelectionRequest)
		target    btcutil.Amount
		want      []btcutil.Amount
		wantErr   error
	}{
		{
			name: "largest alone covers the target",
			available: []Utxo{
				testUtxo(1, 40_000, 10), testUtxo(2, 60_000, 10),
			},
			target: 50_000,
			want:   []btcutil.Amount{60_000},
		},
		{
			name: "all inputs are not enough",
			available: []Utxo{
				testUtxo(1, 20_000, 10), testUtxo(2, 20_000, 10),
			},
			target:  50_000,
			wantErr: ErrInsufficientFunds,
		},
		{
			name: "exact target without room for the fee",
			available: []Utxo{
				testUtxo(1, 50_000, 10),
			},
			target:  50_000,
			wantErr: ErrInsufficientFunds,
		},
		{
			name: "two inputs needed",
			available: []Utxo{
				testUtxo(1, 10_000, 10), testUtxo(2, 30_000, 10),
				testUtxo(3, 25_000, 10),
			},
			target: 50_000,
			want:   []btcutil.Amount{30_000, 25_000},
		},
		{
			name: "locked utxo is skipped",
			available: []Utxo{
				locked, testUtxo(1, 60_000, 10),
			},
			target: 50_000,
			want:   []btcutil.Amount{60_000},
		},
		{
			name: "oldest first prunes the superfluous old coin",
			available: []Utxo{
				testUtxo(1, 10_000, 1), testUtxo(2, 45_000, 2),
				testUtxo(3, 50_000, 3),
			},
			modify: func(r *SelectionRequest) {
				r.Strategy = CoinSelectionOldest
			},
			target: 40_000,
			want:   []btcutil.Amount{45_000},
		},
		{
			name: "include comes first and is kept",
			available: []Utxo{
				testUtxo(1, 5_000, 10), testUtxo(2, 60_000, 10),
			},
			modify: func(r *SelectionRequest) {
				r.Include = []wire.OutPoint{
					{Hash: chainhash.Hash{1}},
				}
			},
			target: 50_000,
			want:   []btcutil.Amount{5_000, 60_000},
		},
		{
			name: "excluded utxo is never used",
			available: []Utxo{
				testUtxo(1, 40_000, 10), testUtxo(2, 60_000, 10),
			},
			modify: func(r *SelectionRequest) {
				r.Exclude = []wire.OutPoint{
					{Hash: chainhash.Hash{2}},
				}
			},
			target:  50_000,
			wantErr: ErrInsufficientFunds,
		},
		{
			name: "send all spends every spendable utxo",
			available: []Utxo{
				locked, testUtxo(1, 40_000, 10),
				testUtxo(2, 60_000, 10),
			},
			modify: func(r *SelectionRequest) {
				r.SendAll = true
			},
			target: 0,
			want:   []btcutil.Amount{60_000, 40_000},
		},
		{
			name: "unknown include",
			available: []Utxo{
				testUtxo(1, 60_000, 10),
			},
			modify: func(r *SelectionRequest) {
				r.Include = []wire.OutPoint{
					{Hash: chainhash.Hash{7}},
				}
			},
			target:  50_000,
			wantErr: ErrUtxoNotEligible,
		},
		{
			name: "included and excluded",
			available: []Utxo{
				testUtxo(1, 60_000, 10),
			},
			modify: func(r *SelectionRequest) {
				op := wire.OutPoint{Hash: chainhash.Hash{1}}
				r.Include = []wire.OutPoint{op}
				r.Exclude = []wire.OutPoint{op}
			},
			target:  50_000,
			wantErr: ErrUtxoNotEligible,
		},
		{
			name: "locked include",
			available: []Utxo{
				locked, testUtxo(1, 60_000, 10),
			},
			modify: func(r *SelectionRequest) {
				r.Include = []wire.OutPoint{locked.OutPoint}
			},
			target:  50_000,
			wantErr: ErrUtxoNotEligible,
		},
		{
			name: "duplicated include",
			available: []Utxo{
				testUtxo(1, 60_000, 10),
			},
			modify: func(r *SelectionRequest) {
				op := wire.OutPoint{Hash: chainhash.Hash{1}}
				r.Include = []wire.OutPoint{op, op}
			},
			target:  50_000,
			wantErr: ErrDuplicatedUtxo,
		},
		{
			name: "missing fee rate",
			available: []Utxo{
				testUtxo(1, 60_000, 10),
			},
			modify: func(r *SelectionRequest) {
				r.FeeRate = btcunit.SatPerVByte{}
			},
			target:  50_000,
			wantErr: ErrMissingFeeRate,
		},
		{
			name: "insane fee rate",
			available: []Utxo{
				testUtxo(1, 60_000, 10),
			},
			modify: func(r *SelectionRequest) {
				r.FeeRate = btcunit.NewSatPerVByte(1_001)
			},
			target:  50_000,
			wantErr: ErrFeeRateTooLarge,
		},
		{
			name:    "empty wallet",
			target:  1_000,
			wantErr: ErrInsufficientFunds,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			// Arrange.
			req := selectionRequest(tc.target)
			if tc.modify != nil {
				tc.modify(&req)
			}

			// Act.
			res, err := SelectCoins(req, tc.available)

			// Assert.
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, values(res.Utxos))

			var total btcutil.Amount
			for _, u := range res.Utxos {
				total += u.Value
			}
			require.Equal(t, total, res.Total)
			require.Equal(t, feeRate5.FeeForWeightRoundUp(res.Weight),
				res.Fee)
			require.GreaterOrEqual(t, res.Total, tc.target+res.Fee)
		})
	}
}

// TestSelectCoinsScenarioFee checks the weight and fee of the reference
// 2-of-3 multisig spend.
func TestSelectCoinsScenarioFee(t *testing.T) {
	t.Parallel()

	// Arrange.
	available := []Utxo{
		testUtxo(1, 60_000, 10), testUtxo(2, 40_000, 10),
	}

	// Act.
	res, err := SelectCoins(selectionRequest(50_000), available)

	// Assert: One input and one P2WSH output weigh 634 wu, which costs
	// 792.5 sat at 5 sat/vB, rounded up.
	require.NoError(t, err)
	require.Equal(t, btcunit.NewWeightUnit(634), res.Weight)
	require.Equal(t, btcutil.Amount(793), res.Fee)
}

// TestSelectCoinsMinimal checks that no automatically selected input can be
// dropped from the result.
func TestSelectCoinsMinimal(t *testing.T) {
	t.Parallel()

	available := []Utxo{
		testUtxo(1, 7_000, 1), testUtxo(2, 13_000, 2),
		testUtxo(3, 21_000, 3), testUtxo(4, 9_000, 4),
		testUtxo(5, 30_000, 5), testUtxo(6, 2_000, 0),
	}

	for _, strategy := range []CoinSelectionStrategy{
		CoinSelectionLargest, CoinSelectionOldest,
		NewRandomCoinSelector(42),
	} {
		// Arrange.
		req := selectionRequest(45_000)
		req.Strategy = strategy

		// Act.
		res, err := SelectCoins(req, available)
		require.NoError(t, err)

		// Assert: Removing any input breaks the inequality.
		for i := range res.Utxos {
			trial := append([]Utxo(nil), res.Utxos[:i]...)
			trial = append(trial, res.Utxos[i+1:]...)

			ok, _, _, _ := req.covers(trial)
			require.False(t, ok, "input %d of %T is superfluous", i,
				strategy)
		}
	}
}

// TestSelectCoinsIdempotent checks that selection does not depend on
// anything but its arguments and leaves them untouched.
func TestSelectCoinsIdempotent(t *testing.T) {
	t.Parallel()

	// Arrange.
	available := []Utxo{
		testUtxo(3, 25_000, 0), testUtxo(1, 25_000, 5),
		testUtxo(2, 25_000, 3), testUtxo(4, 10_000, 1),
	}
	snapshot := append([]Utxo(nil), available...)
	req := selectionRequest(40_000)

	// Act.
	first, err := SelectCoins(req, available)
	require.NoError(t, err)
	second, err := SelectCoins(req, available)
	require.NoError(t, err)

	// Assert.
	require.Equal(t, first, second)
	require.Equal(t, snapshot, available)
}

// TestLargestFirstTieBreak checks that equal values prefer the older coin
// and rank unconfirmed coins last.
func TestLargestFirstTieBreak(t *testing.T) {
	t.Parallel()

	// Arrange.
	coins := []Utxo{
		testUtxo(1, 5_000, 0), testUtxo(2, 5_000, 10),
		testUtxo(3, 5_000, 5), testUtxo(4, 8_000, 20),
	}

	// Act.
	arranged := CoinSelectionLargest.ArrangeCoins(coins, feeRate5)

	// Assert.
	ids := make([]byte, 0, len(arranged))
	for _, u := range arranged {
		ids = append(ids, u.OutPoint.Hash[0])
	}
	require.Equal(t, []byte{4, 3, 2, 1}, ids)
	require.Equal(t, byte(1), coins[0].OutPoint.Hash[0])
}

// TestRandomCoinSelector checks that a seeded selector is reproducible and
// drops coins that cost more to spend than they are worth.
func TestRandomCoinSelector(t *testing.T) {
	t.Parallel()

	// Arrange.
	coins := []Utxo{
		testUtxo(1, 50, 1), testUtxo(2, 5_000, 1),
		testUtxo(3, 6_000, 1), testUtxo(4, 7_000, 1),
	}
	highRate := btcunit.NewSatPerVByte(10)

	// Act.
	first := NewRandomCoinSelector(7).ArrangeCoins(coins, highRate)
	second := NewRandomCoinSelector(7).ArrangeCoins(coins, highRate)

	// Assert.
	require.Equal(t, first, second)
	require.Len(t, first, 3)
	for _, u := range first {
		require.NotEqual(t, btcutil.Amount(50), u.Value)
	}
}
