package simulated

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"marketescrow/native/escrow"
)

type forgingSigner struct {
	claimed common.Address
	inner   *escrow.KeySigner
}

func (f forgingSigner) Address() common.Address { return f.claimed }

func (f forgingSigner) SignTx(tx *gethtypes.Transaction, chainID *big.Int) (*gethtypes.Transaction, error) {
	return f.inner.SignTx(tx, chainID)
}

func newKey(t *testing.T) *escrow.KeySigner {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	return escrow.NewKeySigner(key)
}

func TestLedgerRejectsForgedSender(t *testing.T) {
	ledger := New()
	buyer := newKey(t)
	other := newKey(t)
	ledger.Fund(buyer.Address(), big.NewInt(100))

	call := escrow.Call{Method: escrow.MethodCreateEscrow, OrderID: "o-1", Seller: other.Address(), Value: big.NewInt(10)}
	_, err := ledger.Send(context.Background(), forgingSigner{claimed: buyer.Address(), inner: other}, call, 200_000)
	require.ErrorIs(t, err, escrow.ErrSigningUnavailable)
	require.Equal(t, "100", ledger.Balance(buyer.Address()).String())
}

func TestLedgerManualMiningAndEvents(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ledger := New(WithAutoMine(false), WithClock(func() time.Time { return now }), WithFeeBps(100))
	buyer := newKey(t)
	seller := newKey(t)
	ledger.Fund(buyer.Address(), big.NewInt(1_000))

	call := escrow.Call{Method: escrow.MethodCreateEscrow, OrderID: "o-1", Seller: seller.Address(), Value: big.NewInt(500), DeliveryDays: 2}
	gas, err := ledger.EstimateGas(ctx, buyer.Address(), call)
	require.NoError(t, err)
	ref, err := ledger.Send(ctx, buyer, call, gas)
	require.NoError(t, err)

	_, err = ledger.Receipt(ctx, ref)
	require.ErrorIs(t, err, escrow.ErrReceiptPending)
	_, err = ledger.Receipt(ctx, common.Hash{0x01})
	require.ErrorIs(t, err, escrow.ErrNotFound)
	require.Equal(t, 1, ledger.PendingCount())

	require.Equal(t, []common.Hash{ref}, ledger.Mine())
	receipt, err := ledger.Receipt(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, escrow.ReceiptSuccessful, receipt.Status)
	require.Equal(t, uint64(1), receipt.BlockNumber)

	id, err := ledger.EscrowIDForOrder(ctx, "o-1")
	require.NoError(t, err)
	esc, err := ledger.GetEscrow(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "5", esc.PlatformFee.String())
	require.Equal(t, now.Add(48*time.Hour), esc.DeliveryDeadline)
	require.Equal(t, "500", ledger.Held().String())

	ok, err := ledger.CanAutoRelease(ctx, id)
	require.NoError(t, err)
	require.False(t, ok)

	events, err := ledger.EventsSince(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, escrow.EventEscrowCreated, events[0].Type)
	require.Equal(t, buyer.Address(), events[0].Buyer)
}

func TestLedgerRevertsUnderpricedGas(t *testing.T) {
	ctx := context.Background()
	ledger := New()
	buyer := newKey(t)
	seller := newKey(t)
	ledger.Fund(buyer.Address(), big.NewInt(1_000))

	call := escrow.Call{Method: escrow.MethodCreateEscrow, OrderID: "o-gas", Seller: seller.Address(), Value: big.NewInt(10)}
	ref, err := ledger.Send(ctx, buyer, call, 21_000)
	require.NoError(t, err)
	receipt, err := ledger.Receipt(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, escrow.ReceiptReverted, receipt.Status)
	require.Equal(t, "out of gas", receipt.RevertReason)
	require.Equal(t, "1000", ledger.Balance(buyer.Address()).String())
}

func TestLedgerOutage(t *testing.T) {
	ledger := New()
	ledger.SetUnavailable(true)
	_, err := ledger.GetEscrow(context.Background(), 1)
	require.ErrorIs(t, err, escrow.ErrLedgerUnavailable)
	_, err = ledger.EventsSince(context.Background(), 0, 1)
	require.ErrorIs(t, err, escrow.ErrLedgerUnavailable)
}
