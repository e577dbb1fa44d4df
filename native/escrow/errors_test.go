package escrow

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOutcomeOf(t *testing.T) {
	cases := []struct {
		err  error
		want Outcome
	}{
		{nil, OutcomeConfirmed},
		{ErrAlreadyApplied, OutcomeConfirmed},
		{fmt.Errorf("wrap: %w", ErrIllegalTransition), OutcomeRejected},
		{ErrInsufficientFunds, OutcomeRejected},
		{ErrStaleState, OutcomeRejected},
		{ErrTransactionReverted, OutcomeRejected},
		{fmt.Errorf("%w: %w", ErrOutcomeUnknown, ErrTransactionReverted), OutcomeIndeterminate},
		{ErrLedgerUnavailable, OutcomeIndeterminate},
		{context.DeadlineExceeded, OutcomeIndeterminate},
		{errors.New("something else"), OutcomeIndeterminate},
	}
	for _, tc := range cases {
		require.Equalf(t, tc.want, OutcomeOf(tc.err), "error %v", tc.err)
	}
}

func fastRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Multiplier: 2}
}

func TestRetryPolicyRetriesInfrastructureErrors(t *testing.T) {
	attempts := 0
	err := fastRetry().Do(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return ErrStoreUnavailable
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)

	attempts = 0
	err = fastRetry().Do(context.Background(), func() error {
		attempts++
		return fmt.Errorf("read: %w", ErrLedgerUnavailable)
	})
	require.ErrorIs(t, err, ErrOutcomeUnknown)
	require.ErrorIs(t, err, ErrLedgerUnavailable)
	require.Equal(t, 3, attempts)
}

func TestRetryPolicyStopsOnCallerErrors(t *testing.T) {
	attempts := 0
	err := fastRetry().Do(context.Background(), func() error {
		attempts++
		return ErrNotFound
	})
	require.ErrorIs(t, err, ErrNotFound)
	require.NotErrorIs(t, err, ErrOutcomeUnknown)
	require.Equal(t, 1, attempts)
}
