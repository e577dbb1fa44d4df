package escrow

import "time"

const (
	// DefaultDeliveryDays is the delivery window applied when the order does
	// not specify one.
	DefaultDeliveryDays uint32 = 14
	// DefaultDisputeWindow is how long the buyer may dispute after delivery.
	DefaultDisputeWindow = 7 * 24 * time.Hour
)

// Eligibility summarises which time-gated actions an escrow currently allows.
type Eligibility uint8

const (
	NotYetEligible Eligibility = iota
	EligibleForDispute
	EligibleForAutoRelease
	Terminal
)

func (e Eligibility) String() string {
	switch e {
	case NotYetEligible:
		return "not_yet_eligible"
	case EligibleForDispute:
		return "eligible_for_dispute"
	case EligibleForAutoRelease:
		return "eligible_for_auto_release"
	case Terminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// DeliveryDeadline returns creation time plus the delivery window, truncated
// to the ledger's second resolution.
func DeliveryDeadline(now time.Time, days uint32) time.Time {
	if days == 0 {
		days = DefaultDeliveryDays
	}
	return now.UTC().Truncate(time.Second).Add(time.Duration(days) * 24 * time.Hour)
}

// DisputeDeadline returns the end of the dispute window opened by a delivery
// at deliveredAt. The result always falls after the delivery deadline.
func DisputeDeadline(deliveredAt, deliveryDeadline time.Time, window time.Duration) time.Time {
	deadline := deliveredAt.UTC().Truncate(time.Second).Add(normalizeWindow(window))
	if !deadline.After(deliveryDeadline) {
		deadline = deliveryDeadline.Add(time.Second)
	}
	return deadline
}

func normalizeWindow(window time.Duration) time.Duration {
	if window <= 0 {
		return DefaultDisputeWindow
	}
	return window
}

// Evaluate is the deterministic eligibility predicate shared by the sweep job
// and clients. For a fixed status the result never regresses from
// EligibleForAutoRelease as now advances.
func Evaluate(now, deliveryDeadline, disputeDeadline time.Time, status Status) Eligibility {
	switch status {
	case StatusCompleted, StatusRefunded, StatusExpired:
		return Terminal
	case StatusPending:
		if now.After(deliveryDeadline) {
			return EligibleForAutoRelease
		}
		return EligibleForDispute
	case StatusDelivered:
		if now.After(disputeDeadline) {
			return EligibleForAutoRelease
		}
		return EligibleForDispute
	default:
		return NotYetEligible
	}
}

// EvaluateEscrow applies Evaluate to a record.
func EvaluateEscrow(now time.Time, esc *Escrow) Eligibility {
	if esc == nil {
		return NotYetEligible
	}
	return Evaluate(now, esc.DeliveryDeadline, esc.DisputeDeadline, esc.Status)
}

// CanAutoRelease reports whether auto_release may fire for the escrow at now.
func CanAutoRelease(now time.Time, esc *Escrow) bool {
	return EvaluateEscrow(now, esc) == EligibleForAutoRelease
}
