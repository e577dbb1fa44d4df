// Package simulated provides an in-process settlement ledger that executes
// the escrow contract rules against in-memory balances. Transactions are
// signed and verified like on a real chain and are mined either immediately
// or on demand, which lets tests interleave competing transactions.
package simulated

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"marketescrow/native/amount"
	"marketescrow/native/escrow"
	"marketescrow/native/escrow/contract"
)

// DefaultChainID is the chain identifier used to sign simulated transactions.
var DefaultChainID = big.NewInt(1337)

// ContractAddress is the address transactions are sent to.
var ContractAddress = common.HexToAddress("0x00000000000000000000000000000000e5c70001")

var gasSchedule = map[escrow.Method]uint64{
	escrow.MethodCreateEscrow:     180_000,
	escrow.MethodConfirmDelivery:  60_000,
	escrow.MethodConfirmReceipt:   90_000,
	escrow.MethodRaiseDispute:     70_000,
	escrow.MethodResolveDispute:   110_000,
	escrow.MethodAutoReleaseFunds: 85_000,
}

type pendingTx struct {
	hash  common.Hash
	from  common.Address
	call  escrow.Call
	gas   uint64
	value *big.Int
}

// Ledger is an in-memory escrow contract.
type Ledger struct {
	mu sync.Mutex

	chainID       *big.Int
	feeBps        uint32
	disputeWindow time.Duration
	resolver      common.Address
	platform      common.Address
	autoMine      bool
	now           func() time.Time

	balances map[common.Address]*big.Int
	nonces   map[common.Address]uint64
	escrows  map[escrow.ID]*escrow.Escrow
	orders   map[string]escrow.ID
	nextID   escrow.ID

	mempool  []pendingTx
	receipts map[common.Hash]*escrow.Receipt
	sent     map[common.Hash]struct{}
	events   []escrow.LedgerEvent
	block    uint64

	unavailable bool
	failReads   int
}

// Option customises the ledger.
type Option func(*Ledger)

// WithFeeBps sets the platform fee in basis points.
func WithFeeBps(bps uint32) Option { return func(l *Ledger) { l.feeBps = bps } }

// WithDisputeWindow sets the dispute window opened by delivery.
func WithDisputeWindow(window time.Duration) Option {
	return func(l *Ledger) { l.disputeWindow = window }
}

// WithResolver sets the address assigned to every raised dispute.
func WithResolver(addr common.Address) Option { return func(l *Ledger) { l.resolver = addr } }

// WithPlatform sets the account receiving platform fees.
func WithPlatform(addr common.Address) Option { return func(l *Ledger) { l.platform = addr } }

// WithAutoMine mines every transaction as soon as it is sent.
func WithAutoMine(enabled bool) Option { return func(l *Ledger) { l.autoMine = enabled } }

// WithClock sets the block timestamp source.
func WithClock(clock func() time.Time) Option { return func(l *Ledger) { l.now = clock } }

// New constructs an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		chainID:       new(big.Int).Set(DefaultChainID),
		feeBps:        escrow.DefaultFeeBps,
		disputeWindow: escrow.DefaultDisputeWindow,
		autoMine:      true,
		now:           time.Now,
		balances:      make(map[common.Address]*big.Int),
		nonces:        make(map[common.Address]uint64),
		escrows:       make(map[escrow.ID]*escrow.Escrow),
		orders:        make(map[string]escrow.ID),
		receipts:      make(map[common.Hash]*escrow.Receipt),
		sent:          make(map[common.Hash]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l
}

// ChainID returns the chain identifier used for signing.
func (l *Ledger) ChainID() *big.Int { return new(big.Int).Set(l.chainID) }

// Fund credits addr with value.
func (l *Ledger) Fund(addr common.Address, value *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(addr, value)
}

// Balance returns the balance of addr.
func (l *Ledger) Balance(addr common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if bal, ok := l.balances[addr]; ok {
		return new(big.Int).Set(bal)
	}
	return big.NewInt(0)
}

// Held returns the funds locked in non-terminal escrows.
func (l *Ledger) Held() *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := new(big.Int)
	for _, esc := range l.escrows {
		if !esc.Status.Terminal() {
			total.Add(total, esc.Amount)
		}
	}
	return total
}

// SetAutoMine toggles immediate mining.
func (l *Ledger) SetAutoMine(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.autoMine = enabled
}

// SetUnavailable makes every call fail with ErrLedgerUnavailable.
func (l *Ledger) SetUnavailable(unavailable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unavailable = unavailable
}

// FailReads makes the next n escrow reads fail with ErrLedgerUnavailable.
func (l *Ledger) FailReads(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failReads = n
}

// PendingCount returns the number of transactions waiting to be mined.
func (l *Ledger) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.mempool)
}

// Mine executes every pending transaction in submission order within one
// block and returns their references.
func (l *Ledger) Mine() []common.Hash {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mineLocked()
}

func (l *Ledger) mineLocked() []common.Hash {
	if len(l.mempool) == 0 {
		return nil
	}
	l.block++
	at := l.now()
	refs := make([]common.Hash, 0, len(l.mempool))
	for _, tx := range l.mempool {
		l.receipts[tx.hash] = l.executeLocked(tx, at)
		refs = append(refs, tx.hash)
	}
	l.mempool = nil
	return refs
}

func (l *Ledger) checkAvailable() error {
	if l.unavailable {
		return fmt.Errorf("%w: simulated outage", escrow.ErrLedgerUnavailable)
	}
	return nil
}

// EstimateGas implements escrow.Ledger by dry-running call against the
// current state.
func (l *Ledger) EstimateGas(_ context.Context, from common.Address, call escrow.Call) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkAvailable(); err != nil {
		return 0, err
	}
	gas, ok := gasSchedule[call.Method]
	if !ok {
		return 0, fmt.Errorf("simulated: unknown method %s", call.Method)
	}
	if call.Method == escrow.MethodCreateEscrow && l.balanceOf(from).Cmp(valueOf(call)) < 0 {
		return 0, fmt.Errorf("%w: %s", escrow.ErrInsufficientFunds, from.Hex())
	}
	if _, err := l.dryRun(from, call, l.now()); err != nil {
		return 0, err
	}
	return gas, nil
}

// Send implements escrow.Ledger. The transaction is signed by signer and
// its sender recovered from the signature before it enters the mempool.
func (l *Ledger) Send(_ context.Context, signer escrow.Signer, call escrow.Call, gasLimit uint64) (common.Hash, error) {
	if signer == nil {
		return common.Hash{}, escrow.ErrSigningUnavailable
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkAvailable(); err != nil {
		return common.Hash{}, err
	}
	from := signer.Address()
	value := valueOf(call)
	if l.balanceOf(from).Cmp(value) < 0 {
		return common.Hash{}, fmt.Errorf("%w: %s", escrow.ErrInsufficientFunds, from.Hex())
	}
	data, err := contract.PackCall(call)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %v", escrow.ErrEstimationFailed, err)
	}
	nonce := l.nonces[from]
	unsigned := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: big.NewInt(1),
		Gas:      gasLimit,
		To:       &ContractAddress,
		Value:    value,
		Data:     data,
	})
	signed, err := signer.SignTx(unsigned, l.chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %v", escrow.ErrSigningUnavailable, err)
	}
	sender, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(l.chainID), signed)
	if err != nil || sender != from {
		return common.Hash{}, fmt.Errorf("%w: signature does not match %s", escrow.ErrSigningUnavailable, from.Hex())
	}
	l.nonces[from] = nonce + 1
	tx := pendingTx{
		hash:  signed.Hash(),
		from:  sender,
		call:  call,
		gas:   gasLimit,
		value: value,
	}
	l.sent[tx.hash] = struct{}{}
	l.mempool = append(l.mempool, tx)
	if l.autoMine {
		l.mineLocked()
	}
	return tx.hash, nil
}

// Receipt implements escrow.Ledger.
func (l *Ledger) Receipt(_ context.Context, ref common.Hash) (*escrow.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkAvailable(); err != nil {
		return nil, err
	}
	if receipt, ok := l.receipts[ref]; ok {
		clone := *receipt
		clone.Events = append([]escrow.LedgerEvent(nil), receipt.Events...)
		return &clone, nil
	}
	if _, ok := l.sent[ref]; ok {
		return nil, escrow.ErrReceiptPending
	}
	return nil, fmt.Errorf("%w: transaction %s", escrow.ErrNotFound, ref.Hex())
}

// GetEscrow implements escrow.Ledger.
func (l *Ledger) GetEscrow(_ context.Context, id escrow.ID) (*escrow.Escrow, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkAvailable(); err != nil {
		return nil, err
	}
	if l.failReads > 0 {
		l.failReads--
		return nil, fmt.Errorf("%w: injected read failure", escrow.ErrLedgerUnavailable)
	}
	esc, ok := l.escrows[id]
	if !ok {
		return nil, escrow.ErrNotFound
	}
	return esc.Clone(), nil
}

// CanAutoRelease implements escrow.Ledger.
func (l *Ledger) CanAutoRelease(_ context.Context, id escrow.ID) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkAvailable(); err != nil {
		return false, err
	}
	esc, ok := l.escrows[id]
	if !ok {
		return false, escrow.ErrNotFound
	}
	return escrow.CanAutoRelease(l.now(), esc), nil
}

// EscrowIDForOrder implements escrow.Ledger.
func (l *Ledger) EscrowIDForOrder(_ context.Context, orderID string) (escrow.ID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkAvailable(); err != nil {
		return 0, err
	}
	id, ok := l.orders[strings.TrimSpace(orderID)]
	if !ok {
		return 0, escrow.ErrNotFound
	}
	return id, nil
}

// EventsSince implements escrow.Ledger.
func (l *Ledger) EventsSince(_ context.Context, after uint64, limit int) ([]escrow.LedgerEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkAvailable(); err != nil {
		return nil, err
	}
	idx := sort.Search(len(l.events), func(i int) bool { return l.events[i].Sequence > after })
	out := make([]escrow.LedgerEvent, 0)
	for i := idx; i < len(l.events); i++ {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, l.events[i])
	}
	return out, nil
}

// Escrows returns every escrow in identifier order.
func (l *Ledger) Escrows() []*escrow.Escrow {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*escrow.Escrow, 0, len(l.escrows))
	for _, esc := range l.escrows {
		out = append(out, esc.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (l *Ledger) executeLocked(tx pendingTx, at time.Time) *escrow.Receipt {
	receipt := &escrow.Receipt{
		TxRef:       tx.hash,
		BlockNumber: l.block,
		GasUsed:     gasSchedule[tx.call.Method],
	}
	revert := func(reason string) *escrow.Receipt {
		receipt.Status = escrow.ReceiptReverted
		receipt.RevertReason = reason
		return receipt
	}
	if tx.gas < receipt.GasUsed {
		receipt.GasUsed = tx.gas
		return revert("out of gas")
	}
	if l.balanceOf(tx.from).Cmp(tx.value) < 0 {
		return revert("insufficient funds")
	}
	next, err := l.dryRun(tx.from, tx.call, at)
	if err != nil {
		return revert(err.Error())
	}
	prev := l.escrows[next.ID]
	if prev == nil {
		next.ID = l.nextID + 1
		l.nextID = next.ID
		l.debit(tx.from, tx.value)
		l.orders[next.OrderID] = next.ID
	}
	l.escrows[next.ID] = next
	receipt.Status = escrow.ReceiptSuccessful
	receipt.Events = l.emitLocked(tx, prev, next)
	return receipt
}

// dryRun applies call to a copy of the target escrow and returns the copy.
func (l *Ledger) dryRun(from common.Address, call escrow.Call, at time.Time) (*escrow.Escrow, error) {
	if call.Method == escrow.MethodCreateEscrow {
		orderID := strings.TrimSpace(call.OrderID)
		if id, ok := l.orders[orderID]; ok && !l.escrows[id].Status.Terminal() {
			return nil, fmt.Errorf("%w: order %s", escrow.ErrDuplicateEscrow, orderID)
		}
		value := valueOf(call)
		if value.Sign() <= 0 {
			return nil, escrow.ErrInvalidAmount
		}
		fee := amount.FeeFromBps(value, l.feeBps)
		return escrow.NewEscrow(orderID, from, call.Seller, value, fee, call.ProductHash, at, call.DeliveryDays, l.disputeWindow)
	}
	current, ok := l.escrows[call.EscrowID]
	if !ok {
		return nil, escrow.ErrNotFound
	}
	next := current.Clone()
	var action escrow.Action
	switch call.Method {
	case escrow.MethodConfirmDelivery:
		action = escrow.ActionConfirmDelivery
	case escrow.MethodConfirmReceipt:
		action = escrow.ActionConfirmReceipt
	case escrow.MethodRaiseDispute:
		action = escrow.ActionRaiseDispute
	case escrow.MethodResolveDispute:
		action = escrow.ActionResolve
	case escrow.MethodAutoReleaseFunds:
		action = escrow.ActionAutoRelease
	default:
		return nil, fmt.Errorf("simulated: unknown method %s", call.Method)
	}
	if err := escrow.CheckTransition(next, action, from, at); err != nil {
		return nil, err
	}
	var err error
	switch call.Method {
	case escrow.MethodConfirmDelivery:
		err = next.MarkDelivered(call.TrackingInfo, at, l.disputeWindow)
	case escrow.MethodConfirmReceipt:
		if err = next.MarkReceived(); err == nil {
			err = next.Settle()
		}
	case escrow.MethodRaiseDispute:
		err = next.MarkDisputed(call.Reason, l.resolver)
	case escrow.MethodResolveDispute:
		if err = next.MarkResolved(call.Decision); err == nil {
			err = next.Settle()
		}
	case escrow.MethodAutoReleaseFunds:
		err = next.MarkExpired()
	}
	if err != nil {
		return nil, err
	}
	return next, nil
}

func (l *Ledger) emitLocked(tx pendingTx, prev, next *escrow.Escrow) []escrow.LedgerEvent {
	base := escrow.LedgerEvent{
		EscrowID:    next.ID,
		OrderID:     next.OrderID,
		TxRef:       tx.hash,
		BlockNumber: l.block,
	}
	var out []escrow.LedgerEvent
	add := func(evt escrow.LedgerEvent) {
		evt.Sequence = uint64(len(l.events)) + 1
		l.events = append(l.events, evt)
		out = append(out, evt)
	}
	switch tx.call.Method {
	case escrow.MethodCreateEscrow:
		evt := base
		evt.Type = escrow.EventEscrowCreated
		evt.Buyer = next.Buyer
		evt.Seller = next.Seller
		evt.Amount = new(big.Int).Set(next.Amount)
		add(evt)
	case escrow.MethodConfirmDelivery:
		evt := base
		evt.Type = escrow.EventDeliveryConfirmed
		evt.TrackingInfo = next.TrackingInfo
		add(evt)
	case escrow.MethodConfirmReceipt:
		evt := base
		evt.Type = escrow.EventReceiptConfirmed
		evt.Buyer = next.Buyer
		add(evt)
	case escrow.MethodRaiseDispute:
		evt := base
		evt.Type = escrow.EventDisputeRaised
		evt.Raiser = tx.from
		evt.Reason = next.DisputeReason
		add(evt)
	case escrow.MethodResolveDispute:
		evt := base
		evt.Type = escrow.EventDisputeResolved
		evt.Reason = next.Resolution.String()
		add(evt)
	}
	if next.Status.Terminal() && (prev == nil || !prev.Status.Terminal()) {
		payout, err := escrow.SettlementPayout(next)
		if err != nil {
			return out
		}
		for _, leg := range []struct {
			to    common.Address
			value *big.Int
		}{
			{next.Seller, payout.Seller},
			{next.Buyer, payout.Buyer},
			{l.platform, payout.Platform},
		} {
			if leg.value == nil || leg.value.Sign() == 0 {
				continue
			}
			l.credit(leg.to, leg.value)
			evt := base
			evt.Type = escrow.EventFundsReleased
			evt.Recipient = leg.to
			evt.Amount = new(big.Int).Set(leg.value)
			add(evt)
		}
	}
	return out
}

func (l *Ledger) balanceOf(addr common.Address) *big.Int {
	if bal, ok := l.balances[addr]; ok {
		return bal
	}
	return big.NewInt(0)
}

func (l *Ledger) credit(addr common.Address, value *big.Int) {
	if value == nil {
		return
	}
	bal, ok := l.balances[addr]
	if !ok {
		bal = new(big.Int)
		l.balances[addr] = bal
	}
	bal.Add(bal, value)
}

func (l *Ledger) debit(addr common.Address, value *big.Int) {
	bal, ok := l.balances[addr]
	if !ok {
		return
	}
	bal.Sub(bal, value)
}

func valueOf(call escrow.Call) *big.Int {
	if call.Method != escrow.MethodCreateEscrow || call.Value == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(call.Value)
}


