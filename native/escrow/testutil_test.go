package escrow

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

var (
	testBuyer    = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	testSeller   = common.HexToAddress("0x00000000000000000000000000000000000000c2")
	testResolver = common.HexToAddress("0x00000000000000000000000000000000000000d3")
	testStranger = common.HexToAddress("0x00000000000000000000000000000000000000e4")
	testEpoch    = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

func newTestEscrow(t *testing.T) *Escrow {
	t.Helper()
	esc, err := NewEscrow("order-1", testBuyer, testSeller, big.NewInt(100), big.NewInt(2), common.Hash{0x01}, testEpoch, 14, DefaultDisputeWindow)
	require.NoError(t, err)
	esc.ID = 1
	return esc
}

func requireAmount(t *testing.T, want int64, got *big.Int) {
	t.Helper()
	require.NotNil(t, got)
	require.Equal(t, big.NewInt(want).String(), got.String())
}
