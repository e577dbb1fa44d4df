package escrowd

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketescrow/native/escrow"
)

func (f *fixture) sweeper() *Sweeper {
	sw := NewSweeper(f.engine, f.store, escrow.Session{Ledger: f.ledger, Signer: f.operator}, SweeperConfig{BatchSize: 10}, nil)
	sw.now = f.clock.Now
	return sw
}

func TestSweepReleasesExpiredEscrows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pending := f.create("order-pending")
	delivered := f.create("order-delivered")
	f.deliver(delivered.ID)

	sw := f.sweeper()
	result, err := sw.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, SweepResult{}, result)

	f.clock.Advance(15 * 24 * time.Hour)
	fresh := f.create("order-fresh")

	result, err = sw.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, result.Candidates)
	require.Equal(t, 2, result.Released)
	require.Zero(t, result.Failed)

	sess := escrow.Session{Ledger: f.ledger}
	for _, id := range []escrow.ID{pending.ID, delivered.ID} {
		esc, err := f.engine.Get(ctx, sess, id)
		require.NoError(t, err)
		require.Equal(t, escrow.StatusExpired, esc.Status)
	}
	esc, err := f.engine.Get(ctx, sess, fresh.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusPending, esc.Status)

	result, err = sw.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, result.Candidates)
}

func TestSweepSkipsEscrowsStillInDisputeWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	esc := f.create("order-late-delivery")

	// Delivered on the last day: the dispute window runs a week past the
	// delivery deadline.
	f.clock.Advance(13 * 24 * time.Hour)
	f.deliver(esc.ID)
	f.clock.Advance(2 * 24 * time.Hour)

	result, err := f.sweeper().Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, result.Candidates)

	f.clock.Advance(6 * 24 * time.Hour)
	result, err = f.sweeper().Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Released)
}

func TestReleaseOutcome(t *testing.T) {
	require.Equal(t, "released", releaseOutcome(nil))
	require.Equal(t, "superseded", releaseOutcome(escrow.ErrStaleState))
	require.Equal(t, "superseded", releaseOutcome(escrow.ErrIllegalTransition))
	require.Equal(t, "indeterminate", releaseOutcome(escrow.ErrOutcomeUnknown))
	require.Equal(t, "rejected", releaseOutcome(escrow.ErrInsufficientFunds))
}
