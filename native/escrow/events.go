package escrow

import (
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Ledger event names emitted by the escrow contract.
const (
	EventEscrowCreated     = "EscrowCreated"
	EventDeliveryConfirmed = "DeliveryConfirmed"
	EventReceiptConfirmed  = "ReceiptConfirmed"
	EventDisputeRaised     = "DisputeRaised"
	EventDisputeResolved   = "DisputeResolved"
	EventFundsReleased     = "FundsReleased"
)

// LedgerEvent is a decoded contract event. Sequence totally orders events
// across the ledger; only the fields relevant to Type are populated.
type LedgerEvent struct {
	Sequence     uint64
	Type         string
	EscrowID     ID
	OrderID      string
	Buyer        common.Address
	Seller       common.Address
	Raiser       common.Address
	Recipient    common.Address
	Amount       *big.Int
	TrackingInfo string
	Reason       string
	TxRef        common.Hash
	BlockNumber  uint64
}

// EventTypeTransition is the type of events emitted for committed edges.
const EventTypeTransition = "escrow.transition"

// Event is a structured notification published by the engine.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter discards all events.
type NoopEmitter struct{}

// Emit implements Emitter.
func (NoopEmitter) Emit(Event) {}

// TransitionEvent records one committed edge of the state machine.
type TransitionEvent struct {
	EscrowID ID
	OrderID  string
	Action   Action
	From     Status
	To       Status
	TxRef    common.Hash
	At       time.Time
}

// EventType implements Event.
func (TransitionEvent) EventType() string { return EventTypeTransition }

// Attributes flattens the event into string attributes for sinks that do
// not understand Go types.
func (e TransitionEvent) Attributes() map[string]string {
	attrs := map[string]string{
		"escrowId": strconv.FormatUint(uint64(e.EscrowID), 10),
		"orderId":  e.OrderID,
		"action":   e.Action.String(),
		"from":     e.From.String(),
		"to":       e.To.String(),
		"at":       strconv.FormatInt(e.At.Unix(), 10),
	}
	if e.TxRef != (common.Hash{}) {
		attrs["txRef"] = e.TxRef.Hex()
	}
	return attrs
}

// ChannelEmitter forwards events to a buffered channel, dropping events when
// the consumer falls behind.
type ChannelEmitter struct {
	ch chan Event
}

// NewChannelEmitter returns an emitter backed by a channel of size capacity.
func NewChannelEmitter(capacity int) *ChannelEmitter {
	if capacity <= 0 {
		capacity = 64
	}
	return &ChannelEmitter{ch: make(chan Event, capacity)}
}

// Emit implements Emitter.
func (c *ChannelEmitter) Emit(evt Event) {
	select {
	case c.ch <- evt:
	default:
	}
}

// Events exposes the receive side of the channel.
func (c *ChannelEmitter) Events() <-chan Event { return c.ch }
