package escrow

import (
	"context"
	"errors"
)

// Caller errors are rejected locally before any ledger transaction is built.
var (
	ErrInvalidAmount        = errors.New("escrow: amount must be positive")
	ErrInvalidFee           = errors.New("escrow: platform fee out of range")
	ErrDuplicateEscrow      = errors.New("escrow: active escrow already exists for order")
	ErrUnauthorizedActor    = errors.New("escrow: caller not authorised for transition")
	ErrIllegalTransition    = errors.New("escrow: illegal transition")
	ErrDisputeWindowClosed  = errors.New("escrow: dispute window closed")
	ErrDeliveryWindowClosed = errors.New("escrow: delivery window closed")
	ErrInvalidDecision      = errors.New("escrow: invalid resolution decision")
	ErrTerminal             = errors.New("escrow: record is terminal")
	ErrNotFound             = errors.New("escrow: not found")
)

// Submission errors are returned by the ledger before a transaction is mined.
var (
	ErrSigningUnavailable = errors.New("escrow: signing capability unavailable")
	ErrEstimationFailed   = errors.New("escrow: gas estimation failed")
	ErrInsufficientFunds  = errors.New("escrow: insufficient funds")
)

// Confirmation errors describe an adverse outcome of a mined transaction.
var (
	ErrTransactionReverted = errors.New("escrow: transaction reverted")
	ErrStaleState          = errors.New("escrow: already resolved by another transition")
)

// Infrastructure errors mark transient unavailability of a collaborator.
var (
	ErrLedgerUnavailable = errors.New("escrow: settlement ledger unavailable")
	ErrStoreUnavailable  = errors.New("escrow: record store unavailable")
)

var (
	// ErrOutcomeUnknown reports that the result of an operation could not be
	// verified. The escrow must be re-synced from the ledger before any
	// further action is attempted.
	ErrOutcomeUnknown = errors.New("escrow: outcome unknown, reconciliation required")

	// ErrAlreadyApplied is returned by the coordinator when the ledger already
	// reflects the requested operation. The engine treats it as success.
	ErrAlreadyApplied = errors.New("escrow: operation already applied on ledger")

	// ErrReceiptPending is returned by ledgers when a transaction has not been
	// mined yet.
	ErrReceiptPending = errors.New("escrow: receipt pending")
)

// Outcome is the user-visible resolution of a transition attempt.
type Outcome uint8

const (
	OutcomeConfirmed Outcome = iota
	OutcomeRejected
	OutcomeIndeterminate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeRejected:
		return "rejected"
	default:
		return "indeterminate"
	}
}

// OutcomeOf classifies the error returned by an engine operation. Errors the
// engine cannot place are indeterminate: they are never collapsed into a
// confirmed success or failure.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil, errors.Is(err, ErrAlreadyApplied):
		return OutcomeConfirmed
	case errors.Is(err, ErrOutcomeUnknown),
		errors.Is(err, ErrLedgerUnavailable),
		errors.Is(err, ErrStoreUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return OutcomeIndeterminate
	case isCallerError(err), isSubmissionError(err), isConfirmationError(err):
		return OutcomeRejected
	default:
		return OutcomeIndeterminate
	}
}

func isCallerError(err error) bool {
	for _, target := range []error{
		ErrInvalidAmount, ErrInvalidFee, ErrDuplicateEscrow, ErrUnauthorizedActor,
		ErrIllegalTransition, ErrDisputeWindowClosed, ErrDeliveryWindowClosed,
		ErrInvalidDecision, ErrTerminal, ErrNotFound,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func isSubmissionError(err error) bool {
	return errors.Is(err, ErrSigningUnavailable) ||
		errors.Is(err, ErrEstimationFailed) ||
		errors.Is(err, ErrInsufficientFunds)
}

func isConfirmationError(err error) bool {
	return errors.Is(err, ErrTransactionReverted) || errors.Is(err, ErrStaleState)
}

// IsRetryable reports whether err is an infrastructure failure that may be
// retried transparently by a read.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLedgerUnavailable) || errors.Is(err, ErrStoreUnavailable)
}
