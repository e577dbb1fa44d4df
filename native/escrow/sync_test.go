package escrow_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"marketescrow/native/escrow"
)

func TestSyncerConvergesRecordStore(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.create("order-sync-1")
	second := h.create("order-sync-2")
	_, err := h.engine.ConfirmDelivery(ctx, h.as(h.seller), first.ID, "TRACK")
	require.NoError(t, err)
	_, err = h.engine.RaiseDispute(ctx, h.as(h.buyer), second.ID, "missing parts")
	require.NoError(t, err)

	mirror := escrow.NewMemoryStore()
	follower := h.newEngine(mirror)
	var seen []string
	syncer := escrow.NewSyncer(follower, h.as(nil), mirror,
		escrow.WithSyncBatch(2),
		escrow.WithEventHook(func(evt escrow.LedgerEvent) { seen = append(seen, evt.Type) }))

	total := 0
	for {
		n, err := syncer.Poll(ctx)
		require.NoError(t, err)
		if n == 0 {
			break
		}
		require.LessOrEqual(t, n, 2)
		total += n
	}
	require.Equal(t, 4, total)
	require.Equal(t, []string{escrow.EventEscrowCreated, escrow.EventEscrowCreated, escrow.EventDeliveryConfirmed, escrow.EventDisputeRaised}, seen)

	got, err := mirror.GetEscrow(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusDelivered, got.Status)
	got, err = mirror.GetEscrow(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusDisputed, got.Status)

	cursor, err := mirror.LastEventSequence(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(4), cursor)
	require.Equal(t, uint64(4), syncer.Cursor())

	restarted := escrow.NewSyncer(follower, h.as(nil), mirror)
	n, err := restarted.Poll(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestSyncerHoldsCursorWhenLedgerFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create("order-sync-fail")

	mirror := escrow.NewMemoryStore()
	syncer := escrow.NewSyncer(h.newEngine(mirror), h.as(nil), mirror)
	h.ledger.FailReads(10)
	_, err := syncer.Poll(ctx)
	require.ErrorIs(t, err, escrow.ErrOutcomeUnknown)
	require.Zero(t, syncer.Cursor())

	h.ledger.FailReads(0)
	n, err := syncer.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestSyncerStreamsEventsInOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	esc := h.create("order-stream")
	_, err := h.engine.ConfirmDelivery(ctx, h.as(h.seller), esc.ID, "TRACK-9")
	require.NoError(t, err)

	mirror := escrow.NewMemoryStore()
	syncer := escrow.NewSyncer(h.newEngine(mirror), h.as(nil), mirror)
	stream := syncer.Subscribe(8)

	n, err := syncer.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	first := <-stream
	second := <-stream
	require.Equal(t, escrow.EventEscrowCreated, first.Type)
	require.Equal(t, escrow.EventDeliveryConfirmed, second.Type)
	require.Less(t, first.Sequence, second.Sequence)
	require.Equal(t, esc.ID, second.EscrowID)
}

func TestSyncerWithoutLedgerClosesStream(t *testing.T) {
	h := newHarness(t)
	syncer := escrow.NewSyncer(h.engine, escrow.Session{}, nil)
	stream := syncer.Subscribe(1)

	syncer.Run(context.Background())

	_, open := <-stream
	require.False(t, open)
}
