package store

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"marketescrow/native/escrow"
)

var (
	buyer    = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	seller   = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	resolver = common.HexToAddress("0x00000000000000000000000000000000000000d1")
)

func newSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	st, err := Open("sqlite", filepath.Join(t.TempDir(), "escrow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func sampleEscrow(id escrow.ID, status escrow.Status) *escrow.Escrow {
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	amount, _ := new(big.Int).SetString("25000000000000000000000", 10)
	return &escrow.Escrow{
		ID:               id,
		OrderID:          "order-1",
		Buyer:            buyer,
		Seller:           seller,
		Amount:           amount,
		PlatformFee:      big.NewInt(500),
		Status:           status,
		CreatedAt:        created,
		DeliveryDeadline: created.Add(14 * 24 * time.Hour),
		DisputeDeadline:  created.Add(21 * 24 * time.Hour),
		ProductHash:      common.HexToHash("0xabc"),
	}
}

func TestSQLStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := newSQLStore(t)

	_, err := st.GetEscrow(ctx, 1)
	require.ErrorIs(t, err, escrow.ErrNotFound)

	esc := sampleEscrow(1, escrow.StatusDisputed)
	esc.TrackingInfo = "UPS 1Z"
	esc.SellerConfirmed = true
	esc.DisputeReason = "damaged"
	esc.DisputeResolver = resolver
	require.NoError(t, st.PutEscrowState(ctx, esc))

	got, err := st.GetEscrow(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, esc.Amount.String(), got.Amount.String())
	require.Equal(t, "500", got.PlatformFee.String())
	require.Equal(t, escrow.StatusDisputed, got.Status)
	require.Equal(t, buyer, got.Buyer)
	require.Equal(t, resolver, got.DisputeResolver)
	require.True(t, got.DeliveryDeadline.Equal(esc.DeliveryDeadline))
	require.Equal(t, "damaged", got.DisputeReason)
	require.Nil(t, got.Resolution)

	decision := escrow.Split(6000)
	got.Status = escrow.StatusResolved
	got.Resolution = &decision
	require.NoError(t, st.PutEscrowState(ctx, got))
	resolved, err := st.GetEscrow(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, resolved.Resolution)
	require.Equal(t, decision, *resolved.Resolution)
}

func TestSQLStoreIgnoresRegressions(t *testing.T) {
	ctx := context.Background()
	st := newSQLStore(t)

	require.NoError(t, st.PutEscrowState(ctx, sampleEscrow(3, escrow.StatusConfirmed)))
	require.NoError(t, st.PutEscrowState(ctx, sampleEscrow(3, escrow.StatusDelivered)))

	got, err := st.GetEscrow(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusConfirmed, got.Status)

	require.NoError(t, st.PutEscrowState(ctx, sampleEscrow(3, escrow.StatusCompleted)))
	got, err = st.GetEscrow(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusCompleted, got.Status)
}

func TestSQLStoreStagingTracksLatestEscrow(t *testing.T) {
	ctx := context.Background()
	st := newSQLStore(t)

	require.NoError(t, st.PutStagingData(ctx, escrow.StagingData{
		OrderID:      "order-1",
		Buyer:        buyer,
		Seller:       seller,
		Amount:       big.NewInt(1000),
		DeliveryDays: 10,
	}))
	data, err := st.StagingData(ctx, "order-1")
	require.NoError(t, err)
	require.Equal(t, uint32(10), data.DeliveryDays)
	require.Zero(t, data.EscrowID)

	require.NoError(t, st.PutEscrowState(ctx, sampleEscrow(4, escrow.StatusExpired)))
	require.NoError(t, st.PutEscrowState(ctx, sampleEscrow(2, escrow.StatusRefunded)))
	data, err = st.StagingData(ctx, "order-1")
	require.NoError(t, err)
	require.Equal(t, escrow.ID(4), data.EscrowID)
	require.Equal(t, "1000", data.Amount.String())

	_, err = st.StagingData(ctx, "missing")
	require.ErrorIs(t, err, escrow.ErrNotFound)
}

func TestSQLStoreUserEscrowsAndCandidates(t *testing.T) {
	ctx := context.Background()
	st := newSQLStore(t)

	first := sampleEscrow(1, escrow.StatusPending)
	second := sampleEscrow(2, escrow.StatusDisputed)
	second.Buyer = seller
	second.Seller = buyer
	second.DisputeResolver = resolver
	third := sampleEscrow(3, escrow.StatusCompleted)
	for _, esc := range []*escrow.Escrow{first, second, third} {
		require.NoError(t, st.PutEscrowState(ctx, esc))
	}

	asBuyer, err := st.UserEscrows(ctx, buyer, escrow.RoleBuyer)
	require.NoError(t, err)
	require.Len(t, asBuyer, 2)
	require.Equal(t, escrow.ID(1), asBuyer[0].ID)
	require.Equal(t, escrow.ID(3), asBuyer[1].ID)

	asResolver, err := st.UserEscrows(ctx, resolver, escrow.RoleResolver)
	require.NoError(t, err)
	require.Len(t, asResolver, 1)

	either, err := st.UserEscrows(ctx, buyer, escrow.RoleBuyer|escrow.RoleSeller)
	require.NoError(t, err)
	require.Len(t, either, 3)

	cutoff := first.DeliveryDeadline.Add(time.Second)
	ids, err := st.AutoReleaseCandidates(ctx, cutoff, 10)
	require.NoError(t, err)
	require.Equal(t, []escrow.ID{1}, ids)
}

func TestSQLStoreCursorIsMonotonic(t *testing.T) {
	ctx := context.Background()
	st := newSQLStore(t)

	seq, err := st.LastEventSequence(ctx)
	require.NoError(t, err)
	require.Zero(t, seq)

	require.NoError(t, st.UpdateEventSequence(ctx, 9))
	require.NoError(t, st.UpdateEventSequence(ctx, 4))
	seq, err = st.LastEventSequence(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(9), seq)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "dsn")
	require.Error(t, err)
}
