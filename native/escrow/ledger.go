package escrow

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// Method names a ledger-mutating contract call.
type Method uint8

const (
	MethodCreateEscrow Method = iota + 1
	MethodConfirmDelivery
	MethodConfirmReceipt
	MethodRaiseDispute
	MethodResolveDispute
	MethodAutoReleaseFunds
)

func (m Method) String() string {
	switch m {
	case MethodCreateEscrow:
		return "create_escrow"
	case MethodConfirmDelivery:
		return "confirm_delivery"
	case MethodConfirmReceipt:
		return "confirm_receipt"
	case MethodRaiseDispute:
		return "raise_dispute"
	case MethodResolveDispute:
		return "resolve_dispute"
	case MethodAutoReleaseFunds:
		return "auto_release_funds"
	default:
		return fmt.Sprintf("Method(%d)", uint8(m))
	}
}

// Call carries the arguments of a ledger-mutating call. Only the fields
// relevant to Method are read.
type Call struct {
	Method       Method
	EscrowID     ID
	OrderID      string
	Seller       common.Address
	ProductHash  common.Hash
	DeliveryDays uint32
	Value        *big.Int
	TrackingInfo string
	Reason       string
	Decision     Decision
}

// ReceiptStatus reports whether a mined transaction succeeded.
type ReceiptStatus uint8

const (
	ReceiptSuccessful ReceiptStatus = iota + 1
	ReceiptReverted
)

// Receipt is the mined result of a submitted transaction.
type Receipt struct {
	TxRef        common.Hash
	Status       ReceiptStatus
	BlockNumber  uint64
	GasUsed      uint64
	RevertReason string
	Events       []LedgerEvent
}

// Signer is the signing capability attached to a session.
type Signer interface {
	Address() common.Address
	SignTx(tx *gethtypes.Transaction, chainID *big.Int) (*gethtypes.Transaction, error)
}

// Ledger is the settlement ledger consumed by the engine. Implementations
// wrap transport failures in ErrLedgerUnavailable so reads can be retried.
type Ledger interface {
	// EstimateGas prices call as if sent by from. A failure usually means the
	// call would revert.
	EstimateGas(ctx context.Context, from common.Address, call Call) (uint64, error)
	// Send signs and submits call. It returns the transaction reference once
	// the ledger accepted the transaction for mining.
	Send(ctx context.Context, signer Signer, call Call, gasLimit uint64) (common.Hash, error)
	// Receipt returns ErrReceiptPending until the transaction is mined.
	Receipt(ctx context.Context, ref common.Hash) (*Receipt, error)
	// GetEscrow returns ErrNotFound for unknown identifiers.
	GetEscrow(ctx context.Context, id ID) (*Escrow, error)
	CanAutoRelease(ctx context.Context, id ID) (bool, error)
	// EscrowIDForOrder returns the most recent escrow created for the order
	// or ErrNotFound.
	EscrowIDForOrder(ctx context.Context, orderID string) (ID, error)
	// EventsSince returns up to limit events with a sequence greater than
	// after, ordered by sequence.
	EventsSince(ctx context.Context, after uint64, limit int) ([]LedgerEvent, error)
}

// Session is the explicit per-operation context: the ledger handle and the
// optional signing capability of the acting party.
type Session struct {
	Ledger Ledger
	Signer Signer
}

// Caller returns the signer address or the zero address when unsigned.
func (s Session) Caller() common.Address {
	if s.Signer == nil {
		return common.Address{}
	}
	return s.Signer.Address()
}

// CanSign reports whether a signing capability is present.
func (s Session) CanSign() bool { return s.Signer != nil }
