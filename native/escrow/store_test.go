package escrow

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryStoreKeepsMostAdvancedState(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	pending := newTestEscrow(t)
	require.NoError(t, store.PutEscrowState(ctx, pending))

	disputed := pending.Clone()
	require.NoError(t, disputed.MarkDisputed("late", testResolver))
	require.NoError(t, store.PutEscrowState(ctx, disputed))

	// A delayed write of an older snapshot must not regress the record.
	require.NoError(t, store.PutEscrowState(ctx, pending))
	got, err := store.GetEscrow(ctx, pending.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDisputed, got.Status)

	got.Status = StatusExpired
	again, err := store.GetEscrow(ctx, pending.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDisputed, again.Status)

	_, err = store.GetEscrow(ctx, 99)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreStagingTracksEscrow(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.PutStagingData(StagingData{OrderID: "order-1", Buyer: testBuyer, Seller: testSeller, Amount: big.NewInt(100), DeliveryDays: 5})

	data, err := store.StagingData(ctx, " order-1 ")
	require.NoError(t, err)
	require.Zero(t, data.EscrowID)
	require.Equal(t, uint32(5), data.DeliveryDays)

	require.NoError(t, store.PutEscrowState(ctx, newTestEscrow(t)))
	data, err = store.StagingData(ctx, "order-1")
	require.NoError(t, err)
	require.Equal(t, ID(1), data.EscrowID)

	_, err = store.StagingData(ctx, "order-2")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreUserEscrows(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	first := newTestEscrow(t)
	second := newTestEscrow(t)
	second.ID = 2
	second.OrderID = "order-2"
	second.Buyer, second.Seller = testSeller, testBuyer
	require.NoError(t, store.PutEscrowState(ctx, second))
	require.NoError(t, store.PutEscrowState(ctx, first))

	asBuyer, err := store.UserEscrows(ctx, testBuyer, RoleBuyer)
	require.NoError(t, err)
	require.Len(t, asBuyer, 1)
	require.Equal(t, ID(1), asBuyer[0].ID)

	all, err := store.UserEscrows(ctx, testBuyer, RoleBuyer|RoleSeller)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, ID(1), all[0].ID)

	none, err := store.UserEscrows(ctx, testStranger, RoleBuyer|RoleSeller)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestMemoryStoreCursor(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.UpdateEventSequence(ctx, 7))
	require.NoError(t, store.UpdateEventSequence(ctx, 3))
	seq, err := store.LastEventSequence(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(7), seq)
}
