package escrow

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseDecision(t *testing.T) {
	d, err := ParseDecision(" Favor_Buyer ")
	require.NoError(t, err)
	require.Equal(t, FavorBuyer(), d)

	d, err = ParseDecision("split:2500")
	require.NoError(t, err)
	require.Equal(t, Split(2500), d)
	require.Equal(t, "split:2500", d.String())

	_, err = ParseDecision("split:20000")
	require.ErrorIs(t, err, ErrInvalidDecision)
	_, err = ParseDecision("split:half")
	require.ErrorIs(t, err, ErrInvalidDecision)
	_, err = ParseDecision("coin_flip")
	require.ErrorIs(t, err, ErrInvalidDecision)
	require.ErrorIs(t, Decision{}.Validate(), ErrInvalidDecision)
}

func TestSettlementPayout(t *testing.T) {
	cases := []struct {
		name     string
		decision *Decision
		seller   int64
		buyer    int64
		platform int64
	}{
		{name: "completed", seller: 98, platform: 2},
		{name: "favor buyer", decision: &Decision{Kind: DecisionFavorBuyer}, buyer: 100},
		{name: "favor seller", decision: &Decision{Kind: DecisionFavorSeller, SellerBps: 10_000}, seller: 98, platform: 2},
		{name: "split", decision: &Decision{Kind: DecisionSplit, SellerBps: 2_500}, seller: 24, buyer: 74, platform: 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			esc := newTestEscrow(t)
			esc.Resolution = tc.decision
			payout, err := SettlementPayout(esc)
			require.NoError(t, err)
			requireAmount(t, tc.seller, payout.Seller)
			requireAmount(t, tc.buyer, payout.Buyer)
			requireAmount(t, tc.platform, payout.Platform)
			requireAmount(t, esc.Amount.Int64(), payout.Total())
		})
	}
}
