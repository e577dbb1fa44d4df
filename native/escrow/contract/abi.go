// Package contract binds the marketplace escrow contract ABI: calldata for
// ledger-mutating calls, view call codecs and event log decoding.
package contract

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"marketescrow/native/escrow"
)

// ABIJSON is the interface of the deployed escrow contract.
const ABIJSON = `[
 {"type":"function","name":"createEscrow","stateMutability":"payable","inputs":[
   {"name":"orderId","type":"string"},{"name":"seller","type":"address"},
   {"name":"productHash","type":"bytes32"},{"name":"deliveryDays","type":"uint32"}],
  "outputs":[{"name":"escrowId","type":"uint256"}]},
 {"type":"function","name":"confirmDelivery","stateMutability":"nonpayable","inputs":[
   {"name":"escrowId","type":"uint256"},{"name":"trackingInfo","type":"string"}],"outputs":[]},
 {"type":"function","name":"confirmReceipt","stateMutability":"nonpayable","inputs":[
   {"name":"escrowId","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"raiseDispute","stateMutability":"nonpayable","inputs":[
   {"name":"escrowId","type":"uint256"},{"name":"reason","type":"string"}],"outputs":[]},
 {"type":"function","name":"resolveDispute","stateMutability":"nonpayable","inputs":[
   {"name":"escrowId","type":"uint256"},{"name":"decision","type":"uint8"},{"name":"sellerBps","type":"uint16"}],"outputs":[]},
 {"type":"function","name":"autoReleaseFunds","stateMutability":"nonpayable","inputs":[
   {"name":"escrowId","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"getEscrow","stateMutability":"view","inputs":[
   {"name":"escrowId","type":"uint256"}],
  "outputs":[
   {"name":"orderId","type":"string"},{"name":"buyer","type":"address"},{"name":"seller","type":"address"},
   {"name":"amount","type":"uint256"},{"name":"platformFee","type":"uint256"},{"name":"status","type":"uint8"},
   {"name":"createdAt","type":"uint64"},{"name":"deliveryDeadline","type":"uint64"},{"name":"disputeDeadline","type":"uint64"},
   {"name":"productHash","type":"bytes32"},{"name":"trackingInfo","type":"string"},
   {"name":"sellerConfirmed","type":"bool"},{"name":"buyerConfirmed","type":"bool"},
   {"name":"disputeReason","type":"string"},{"name":"disputeResolver","type":"address"},
   {"name":"decision","type":"uint8"},{"name":"sellerBps","type":"uint16"}]},
 {"type":"function","name":"canAutoRelease","stateMutability":"view","inputs":[
   {"name":"escrowId","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"escrowIdForOrder","stateMutability":"view","inputs":[
   {"name":"orderId","type":"string"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"event","name":"EscrowCreated","anonymous":false,"inputs":[
   {"name":"escrowId","type":"uint256","indexed":true},{"name":"buyer","type":"address","indexed":true},
   {"name":"seller","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false},
   {"name":"orderId","type":"string","indexed":false}]},
 {"type":"event","name":"DeliveryConfirmed","anonymous":false,"inputs":[
   {"name":"escrowId","type":"uint256","indexed":true},{"name":"trackingInfo","type":"string","indexed":false}]},
 {"type":"event","name":"ReceiptConfirmed","anonymous":false,"inputs":[
   {"name":"escrowId","type":"uint256","indexed":true}]},
 {"type":"event","name":"DisputeRaised","anonymous":false,"inputs":[
   {"name":"escrowId","type":"uint256","indexed":true},{"name":"raiser","type":"address","indexed":true},
   {"name":"reason","type":"string","indexed":false}]},
 {"type":"event","name":"DisputeResolved","anonymous":false,"inputs":[
   {"name":"escrowId","type":"uint256","indexed":true},{"name":"decision","type":"uint8","indexed":false},
   {"name":"sellerBps","type":"uint16","indexed":false}]},
 {"type":"event","name":"FundsReleased","anonymous":false,"inputs":[
   {"name":"escrowId","type":"uint256","indexed":true},{"name":"recipient","type":"address","indexed":true},
   {"name":"amount","type":"uint256","indexed":false}]}
]`

var parsed = mustParse()

func mustParse() abi.ABI {
	out, err := abi.JSON(strings.NewReader(ABIJSON))
	if err != nil {
		panic(fmt.Sprintf("contract: parse abi: %v", err))
	}
	return out
}

// ABI returns the parsed contract interface.
func ABI() abi.ABI { return parsed }

// SequenceStride bounds the number of logs per block when deriving event
// sequences from (block, log index) pairs.
const SequenceStride = 1_000_000

// Sequence totally orders a log by block and index. Sequences start at 1.
func Sequence(block uint64, index uint) uint64 {
	return block*SequenceStride + uint64(index) + 1
}

// BlockOfSequence returns the block containing the event with seq.
func BlockOfSequence(seq uint64) uint64 {
	if seq == 0 {
		return 0
	}
	return (seq - 1) / SequenceStride
}

// PackCall encodes the calldata for a ledger-mutating call.
func PackCall(call escrow.Call) ([]byte, error) {
	id := new(big.Int).SetUint64(uint64(call.EscrowID))
	switch call.Method {
	case escrow.MethodCreateEscrow:
		return parsed.Pack("createEscrow", call.OrderID, call.Seller, [32]byte(call.ProductHash), call.DeliveryDays)
	case escrow.MethodConfirmDelivery:
		return parsed.Pack("confirmDelivery", id, call.TrackingInfo)
	case escrow.MethodConfirmReceipt:
		return parsed.Pack("confirmReceipt", id)
	case escrow.MethodRaiseDispute:
		return parsed.Pack("raiseDispute", id, call.Reason)
	case escrow.MethodResolveDispute:
		if err := call.Decision.Validate(); err != nil {
			return nil, err
		}
		return parsed.Pack("resolveDispute", id, uint8(call.Decision.Kind), uint16(call.Decision.SellerBps))
	case escrow.MethodAutoReleaseFunds:
		return parsed.Pack("autoReleaseFunds", id)
	default:
		return nil, fmt.Errorf("contract: unsupported method %s", call.Method)
	}
}

// PackGetEscrow encodes the getEscrow view call.
func PackGetEscrow(id escrow.ID) ([]byte, error) {
	return parsed.Pack("getEscrow", new(big.Int).SetUint64(uint64(id)))
}

// PackEscrowView encodes esc as getEscrow return data.
func PackEscrowView(esc *escrow.Escrow) ([]byte, error) {
	var kind uint8
	var bps uint16
	if esc.Resolution != nil {
		kind = uint8(esc.Resolution.Kind)
		bps = uint16(esc.Resolution.SellerBps)
	}
	return parsed.Methods["getEscrow"].Outputs.Pack(
		esc.OrderID, esc.Buyer, esc.Seller,
		bigOrZero(esc.Amount), bigOrZero(esc.PlatformFee), uint8(esc.Status),
		unixOf(esc.CreatedAt), unixOf(esc.DeliveryDeadline), unixOf(esc.DisputeDeadline),
		[32]byte(esc.ProductHash), esc.TrackingInfo,
		esc.SellerConfirmed, esc.BuyerConfirmed,
		esc.DisputeReason, esc.DisputeResolver,
		kind, bps,
	)
}

// UnpackEscrow decodes getEscrow return data. A zero buyer means the
// contract holds no escrow under id.
func UnpackEscrow(id escrow.ID, data []byte) (*escrow.Escrow, error) {
	values, err := parsed.Unpack("getEscrow", data)
	if err != nil {
		return nil, fmt.Errorf("contract: unpack getEscrow: %w", err)
	}
	if len(values) != 17 {
		return nil, fmt.Errorf("contract: getEscrow returned %d values", len(values))
	}
	buyer := values[1].(common.Address)
	if buyer == (common.Address{}) {
		return nil, escrow.ErrNotFound
	}
	status := escrow.Status(values[5].(uint8))
	if !status.Valid() {
		return nil, fmt.Errorf("contract: escrow %d has invalid status %d", id, status)
	}
	esc := &escrow.Escrow{
		ID:               id,
		OrderID:          values[0].(string),
		Buyer:            buyer,
		Seller:           values[2].(common.Address),
		Amount:           values[3].(*big.Int),
		PlatformFee:      values[4].(*big.Int),
		Status:           status,
		CreatedAt:        time.Unix(int64(values[6].(uint64)), 0).UTC(),
		DeliveryDeadline: time.Unix(int64(values[7].(uint64)), 0).UTC(),
		DisputeDeadline:  time.Unix(int64(values[8].(uint64)), 0).UTC(),
		ProductHash:      common.Hash(values[9].([32]byte)),
		TrackingInfo:     values[10].(string),
		SellerConfirmed:  values[11].(bool),
		BuyerConfirmed:   values[12].(bool),
		DisputeReason:    values[13].(string),
		DisputeResolver:  values[14].(common.Address),
	}
	if kind := escrow.DecisionKind(values[15].(uint8)); kind != 0 {
		decision := escrow.Decision{Kind: kind, SellerBps: uint32(values[16].(uint16))}
		esc.Resolution = &decision
	}
	return esc, nil
}

// PackCanAutoRelease encodes the canAutoRelease view call.
func PackCanAutoRelease(id escrow.ID) ([]byte, error) {
	return parsed.Pack("canAutoRelease", new(big.Int).SetUint64(uint64(id)))
}

// UnpackCanAutoRelease decodes canAutoRelease return data.
func UnpackCanAutoRelease(data []byte) (bool, error) {
	values, err := parsed.Unpack("canAutoRelease", data)
	if err != nil || len(values) != 1 {
		return false, fmt.Errorf("contract: unpack canAutoRelease: %v", err)
	}
	return values[0].(bool), nil
}

// PackEscrowIDForOrder encodes the escrowIdForOrder view call.
func PackEscrowIDForOrder(orderID string) ([]byte, error) {
	return parsed.Pack("escrowIdForOrder", orderID)
}

// UnpackEscrowIDForOrder decodes escrowIdForOrder return data. Zero maps to
// escrow.ErrNotFound.
func UnpackEscrowIDForOrder(data []byte) (escrow.ID, error) {
	values, err := parsed.Unpack("escrowIdForOrder", data)
	if err != nil || len(values) != 1 {
		return 0, fmt.Errorf("contract: unpack escrowIdForOrder: %v", err)
	}
	id := values[0].(*big.Int)
	if id.Sign() == 0 {
		return 0, escrow.ErrNotFound
	}
	if !id.IsUint64() {
		return 0, fmt.Errorf("contract: escrow id %s out of range", id)
	}
	return escrow.ID(id.Uint64()), nil
}

// EventTopics lists the topic hashes of every contract event, for log filters.
func EventTopics() []common.Hash {
	topics := make([]common.Hash, 0, len(parsed.Events))
	for _, name := range []string{
		escrow.EventEscrowCreated, escrow.EventDeliveryConfirmed, escrow.EventReceiptConfirmed,
		escrow.EventDisputeRaised, escrow.EventDisputeResolved, escrow.EventFundsReleased,
	} {
		topics = append(topics, parsed.Events[name].ID)
	}
	return topics
}

// DecodeLog converts a contract log into a ledger event. Logs from other
// events report ok == false.
func DecodeLog(log gethtypes.Log) (escrow.LedgerEvent, bool, error) {
	if len(log.Topics) == 0 {
		return escrow.LedgerEvent{}, false, nil
	}
	event, err := parsed.EventByID(log.Topics[0])
	if err != nil {
		return escrow.LedgerEvent{}, false, nil
	}
	indexed := indexedArgs(event.Inputs)
	if len(log.Topics) != len(indexed)+1 {
		return escrow.LedgerEvent{}, false, fmt.Errorf("contract: %s log has %d topics", event.Name, len(log.Topics))
	}
	fields := make(map[string]any)
	if err := parsed.UnpackIntoMap(fields, event.Name, log.Data); err != nil {
		return escrow.LedgerEvent{}, false, fmt.Errorf("contract: unpack %s: %w", event.Name, err)
	}
	if err := abi.ParseTopicsIntoMap(fields, indexed, log.Topics[1:]); err != nil {
		return escrow.LedgerEvent{}, false, fmt.Errorf("contract: topics %s: %w", event.Name, err)
	}

	evt := escrow.LedgerEvent{
		Sequence:    Sequence(log.BlockNumber, log.Index),
		Type:        event.Name,
		TxRef:       log.TxHash,
		BlockNumber: log.BlockNumber,
	}
	if id, ok := fields["escrowId"].(*big.Int); ok {
		evt.EscrowID = escrow.ID(id.Uint64())
	}
	evt.OrderID, _ = fields["orderId"].(string)
	evt.Buyer, _ = fields["buyer"].(common.Address)
	evt.Seller, _ = fields["seller"].(common.Address)
	evt.Raiser, _ = fields["raiser"].(common.Address)
	evt.Recipient, _ = fields["recipient"].(common.Address)
	evt.TrackingInfo, _ = fields["trackingInfo"].(string)
	evt.Reason, _ = fields["reason"].(string)
	if amount, ok := fields["amount"].(*big.Int); ok {
		evt.Amount = amount
	}
	return evt, true, nil
}

// EncodeLog builds the contract log for evt, the inverse of DecodeLog.
func EncodeLog(address common.Address, evt escrow.LedgerEvent) (gethtypes.Log, error) {
	event, ok := parsed.Events[evt.Type]
	if !ok {
		return gethtypes.Log{}, fmt.Errorf("contract: unknown event %q", evt.Type)
	}
	values := map[string]any{
		"escrowId":     new(big.Int).SetUint64(uint64(evt.EscrowID)),
		"buyer":        evt.Buyer,
		"seller":       evt.Seller,
		"raiser":       evt.Raiser,
		"recipient":    evt.Recipient,
		"amount":       bigOrZero(evt.Amount),
		"orderId":      evt.OrderID,
		"trackingInfo": evt.TrackingInfo,
		"reason":       evt.Reason,
		"decision":     uint8(0),
		"sellerBps":    uint16(0),
	}
	topics := []common.Hash{event.ID}
	var rules [][]any
	for _, arg := range indexedArgs(event.Inputs) {
		rules = append(rules, []any{values[arg.Name]})
	}
	if len(rules) > 0 {
		encoded, err := abi.MakeTopics(rules...)
		if err != nil {
			return gethtypes.Log{}, err
		}
		for _, t := range encoded {
			topics = append(topics, t[0])
		}
	}
	var data []any
	for _, arg := range event.Inputs.NonIndexed() {
		data = append(data, values[arg.Name])
	}
	packed, err := event.Inputs.NonIndexed().Pack(data...)
	if err != nil {
		return gethtypes.Log{}, err
	}
	return gethtypes.Log{
		Address:     address,
		Topics:      topics,
		Data:        packed,
		BlockNumber: evt.BlockNumber,
		TxHash:      evt.TxRef,
	}, nil
}

func indexedArgs(args abi.Arguments) abi.Arguments {
	var out abi.Arguments
	for _, arg := range args {
		if arg.Indexed {
			out = append(out, arg)
		}
	}
	return out
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func unixOf(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.Unix())
}
