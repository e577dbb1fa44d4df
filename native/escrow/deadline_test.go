package escrow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDeliveryDeadlineBoundary(t *testing.T) {
	created := testEpoch
	delivery := DeliveryDeadline(created, 14)
	require.Equal(t, created.Add(14*24*time.Hour), delivery)
	dispute := delivery.Add(DefaultDisputeWindow)

	require.Equal(t, EligibleForDispute, Evaluate(delivery, delivery, dispute, StatusPending))
	require.Equal(t, EligibleForAutoRelease, Evaluate(delivery.Add(time.Second), delivery, dispute, StatusPending))
	require.Equal(t, Terminal, Evaluate(delivery, delivery, dispute, StatusExpired))
	require.Equal(t, NotYetEligible, Evaluate(delivery.Add(time.Hour), delivery, dispute, StatusDisputed))
	require.Equal(t, NotYetEligible, Evaluate(delivery.Add(time.Hour), delivery, dispute, StatusResolved))
}

func TestDefaultDeliveryDays(t *testing.T) {
	require.Equal(t, DeliveryDeadline(testEpoch, DefaultDeliveryDays), DeliveryDeadline(testEpoch, 0))
	require.Equal(t, testEpoch.Add(14*24*time.Hour), DeliveryDeadline(testEpoch.Add(400*time.Millisecond), 0))
}

func TestDisputeDeadlineStaysAfterDelivery(t *testing.T) {
	delivery := DeliveryDeadline(testEpoch, 1)
	early := DisputeDeadline(testEpoch, delivery, time.Hour)
	require.True(t, early.After(delivery))
	require.Equal(t, delivery.Add(time.Second), early)

	normal := DisputeDeadline(testEpoch.Add(time.Hour), delivery, DefaultDisputeWindow)
	require.Equal(t, testEpoch.Add(time.Hour).Add(DefaultDisputeWindow), normal)
}

func TestDeliveredEligibility(t *testing.T) {
	esc := newTestEscrow(t)
	deliveredAt := testEpoch.Add(10 * 24 * time.Hour)
	require.NoError(t, esc.MarkDelivered("TRACK", deliveredAt, DefaultDisputeWindow))
	require.Equal(t, deliveredAt.Add(DefaultDisputeWindow), esc.DisputeDeadline)

	require.Equal(t, EligibleForDispute, EvaluateEscrow(esc.DisputeDeadline, esc))
	require.False(t, CanAutoRelease(esc.DisputeDeadline, esc))
	require.True(t, CanAutoRelease(esc.DisputeDeadline.Add(time.Second), esc))
}

func TestEligibilityIsMonotonic(t *testing.T) {
	esc := newTestEscrow(t)
	require.NoError(t, esc.MarkDelivered("TRACK", testEpoch.Add(13*24*time.Hour), DefaultDisputeWindow))
	for _, status := range []Status{StatusPending, StatusDelivered} {
		eligible := false
		for step := time.Duration(0); step < 40*24*time.Hour; step += 6 * time.Hour {
			now := testEpoch.Add(step)
			got := Evaluate(now, esc.DeliveryDeadline, esc.DisputeDeadline, status)
			if eligible {
				require.Equalf(t, EligibleForAutoRelease, got, "%s regressed at %s", status, now)
			}
			eligible = got == EligibleForAutoRelease
		}
		require.True(t, eligible)
	}
}
