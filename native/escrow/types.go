package escrow

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ID is the ledger-assigned escrow identifier. Zero means the escrow has not
// been confirmed on the ledger yet.
type ID uint64

// Status represents the lifecycle states of an escrow.
type Status uint8

const (
	StatusPending Status = iota
	StatusDelivered
	StatusConfirmed
	StatusDisputed
	StatusResolved
	StatusCompleted
	StatusRefunded
	StatusExpired
)

var statusNames = map[Status]string{
	StatusPending:   "PENDING",
	StatusDelivered: "DELIVERED",
	StatusConfirmed: "CONFIRMED",
	StatusDisputed:  "DISPUTED",
	StatusResolved:  "RESOLVED",
	StatusCompleted: "COMPLETED",
	StatusRefunded:  "REFUNDED",
	StatusExpired:   "EXPIRED",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// ParseStatus resolves a status from its canonical name (case-insensitive).
func ParseStatus(name string) (Status, error) {
	normalized := strings.ToUpper(strings.TrimSpace(name))
	for status, candidate := range statusNames {
		if candidate == normalized {
			return status, nil
		}
	}
	return 0, fmt.Errorf("escrow: unknown status %q", name)
}

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// Terminal reports whether the status is write-once.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusRefunded || s == StatusExpired
}

// Rank orders statuses such that every legal transition strictly increases
// the rank. Caches use it to keep the most advanced ledger-confirmed state.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusDelivered:
		return 1
	case StatusConfirmed, StatusDisputed:
		return 2
	case StatusResolved:
		return 3
	case StatusCompleted, StatusRefunded, StatusExpired:
		return 4
	default:
		return -1
	}
}

// Escrow is the local mirror of a single ledger escrow agreement.
type Escrow struct {
	ID               ID
	OrderID          string
	Buyer            common.Address
	Seller           common.Address
	Amount           *big.Int
	PlatformFee      *big.Int
	Status           Status
	CreatedAt        time.Time
	DeliveryDeadline time.Time
	DisputeDeadline  time.Time
	ProductHash      common.Hash
	TrackingInfo     string
	SellerConfirmed  bool
	BuyerConfirmed   bool
	DisputeReason    string
	DisputeResolver  common.Address
	Resolution       *Decision
}

// Clone returns a deep copy of the escrow so callers can mutate the copy
// without affecting the source.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Amount = cloneBigInt(e.Amount)
	clone.PlatformFee = cloneBigInt(e.PlatformFee)
	if e.Resolution != nil {
		decision := *e.Resolution
		clone.Resolution = &decision
	}
	return &clone
}

// Validate checks the record invariants.
func (e *Escrow) Validate() error {
	if e == nil {
		return fmt.Errorf("escrow: nil record")
	}
	if strings.TrimSpace(e.OrderID) == "" {
		return fmt.Errorf("escrow: order id required")
	}
	if e.Amount == nil || e.Amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if e.PlatformFee == nil || e.PlatformFee.Sign() < 0 || e.PlatformFee.Cmp(e.Amount) > 0 {
		return ErrInvalidFee
	}
	if !e.Status.Valid() {
		return fmt.Errorf("escrow: invalid status %d", e.Status)
	}
	if !e.DisputeDeadline.After(e.DeliveryDeadline) {
		return fmt.Errorf("escrow: dispute deadline must follow delivery deadline")
	}
	if e.Buyer == (common.Address{}) || e.Seller == (common.Address{}) {
		return fmt.Errorf("escrow: buyer and seller required")
	}
	if e.Buyer == e.Seller {
		return fmt.Errorf("escrow: buyer and seller must differ")
	}
	return nil
}

// Net returns the amount owed to the seller after the platform fee.
func (e *Escrow) Net() *big.Int {
	return new(big.Int).Sub(cloneBigInt(e.Amount), cloneBigInt(e.PlatformFee))
}

// NewEscrow builds a PENDING record with deadlines derived from the delivery
// window. The ID stays zero until the ledger assigns one.
func NewEscrow(orderID string, buyer, seller common.Address, total, fee *big.Int, productHash common.Hash, now time.Time, deliveryDays uint32, disputeWindow time.Duration) (*Escrow, error) {
	delivery := DeliveryDeadline(now, deliveryDays)
	esc := &Escrow{
		OrderID:          strings.TrimSpace(orderID),
		Buyer:            buyer,
		Seller:           seller,
		Amount:           cloneBigInt(total),
		PlatformFee:      cloneBigInt(fee),
		Status:           StatusPending,
		CreatedAt:        now.UTC(),
		DeliveryDeadline: delivery,
		DisputeDeadline:  delivery.Add(normalizeWindow(disputeWindow)),
		ProductHash:      productHash,
	}
	if err := esc.Validate(); err != nil {
		return nil, err
	}
	return esc, nil
}

// MarkDelivered records the seller's delivery confirmation.
func (e *Escrow) MarkDelivered(trackingInfo string, at time.Time, disputeWindow time.Duration) error {
	if err := e.transition(ActionConfirmDelivery, StatusDelivered); err != nil {
		return err
	}
	e.TrackingInfo = strings.TrimSpace(trackingInfo)
	e.SellerConfirmed = true
	e.DisputeDeadline = DisputeDeadline(at, e.DeliveryDeadline, disputeWindow)
	return nil
}

// MarkReceived records the buyer's receipt confirmation.
func (e *Escrow) MarkReceived() error {
	if err := e.transition(ActionConfirmReceipt, StatusConfirmed); err != nil {
		return err
	}
	e.BuyerConfirmed = true
	return nil
}

// MarkDisputed freezes the escrow pending a resolver decision.
func (e *Escrow) MarkDisputed(reason string, resolver common.Address) error {
	if err := e.transition(ActionRaiseDispute, StatusDisputed); err != nil {
		return err
	}
	e.DisputeReason = strings.TrimSpace(reason)
	e.DisputeResolver = resolver
	return nil
}

// MarkResolved records the resolver decision.
func (e *Escrow) MarkResolved(decision Decision) error {
	if err := decision.Validate(); err != nil {
		return err
	}
	if err := e.transition(ActionResolve, StatusResolved); err != nil {
		return err
	}
	e.Resolution = &decision
	return nil
}

// Settle moves a CONFIRMED or RESOLVED escrow into its terminal state.
func (e *Escrow) Settle() error {
	switch e.Status {
	case StatusConfirmed:
		return e.transition(ActionSettle, StatusCompleted)
	case StatusResolved:
		if e.Resolution == nil {
			return fmt.Errorf("%w: resolution missing", ErrInvalidDecision)
		}
		return e.transition(ActionSettle, e.Resolution.Outcome())
	default:
		return e.transition(ActionSettle, StatusCompleted)
	}
}

// MarkExpired applies the auto-release transition.
func (e *Escrow) MarkExpired() error {
	return e.transition(ActionAutoRelease, StatusExpired)
}

func (e *Escrow) transition(action Action, to Status) error {
	if e == nil {
		return fmt.Errorf("escrow: nil record")
	}
	if e.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, e.Status)
	}
	if !allows(e.Status, action, to) {
		return fmt.Errorf("%w: %s %s -> %s", ErrIllegalTransition, action, e.Status, to)
	}
	e.Status = to
	return nil
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
