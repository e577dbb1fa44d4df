package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"marketescrow/native/amount"
	"marketescrow/observability"
	"marketescrow/observability/logging"
)

// DefaultFeeBps is the platform fee applied when none is configured.
const DefaultFeeBps uint32 = 200

// CreateRequest carries the buyer's parameters for a new escrow. Zero values
// fall back to the order's staging data and then to engine defaults.
type CreateRequest struct {
	OrderID      string
	Seller       common.Address
	Amount       *big.Int
	DeliveryDays uint32
	ProductHash  common.Hash
}

// Engine drives escrows through the state machine. The ledger is the source
// of truth; the record store is a cache written only with ledger-confirmed
// state.
type Engine struct {
	store          RecordStore
	coord          *Coordinator
	emitter        Emitter
	feeBps         uint32
	deliveryDays   uint32
	disputeWindow  time.Duration
	confirmTimeout time.Duration
	retry          RetryPolicy
	nowFn          func() time.Time
	logger         *slog.Logger
	metrics        *observability.EscrowMetrics

	mu    sync.Mutex
	stale map[ID]struct{}
}

// EngineOption customises the engine.
type EngineOption func(*Engine)

// WithCoordinator supplies the transaction coordinator.
func WithCoordinator(c *Coordinator) EngineOption {
	return func(e *Engine) { e.coord = c }
}

// WithEmitter configures the sink for committed transitions.
func WithEmitter(emitter Emitter) EngineOption {
	return func(e *Engine) { e.emitter = emitter }
}

// WithFeeBps sets the platform fee in basis points.
func WithFeeBps(bps uint32) EngineOption {
	return func(e *Engine) { e.feeBps = bps }
}

// WithDeliveryDays sets the default delivery window.
func WithDeliveryDays(days uint32) EngineOption {
	return func(e *Engine) { e.deliveryDays = days }
}

// WithDisputeWindow sets the dispute window opened by delivery.
func WithDisputeWindow(window time.Duration) EngineOption {
	return func(e *Engine) { e.disputeWindow = window }
}

// WithEngineConfirmTimeout bounds each confirmation wait.
func WithEngineConfirmTimeout(timeout time.Duration) EngineOption {
	return func(e *Engine) { e.confirmTimeout = timeout }
}

// WithReadRetry overrides the retry policy for store and ledger reads.
func WithReadRetry(policy RetryPolicy) EngineOption {
	return func(e *Engine) { e.retry = policy }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) EngineOption {
	return func(e *Engine) { e.nowFn = clock }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine constructs an engine backed by store.
func NewEngine(store RecordStore, opts ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("escrow engine: record store required")
	}
	e := &Engine{
		store:         store,
		emitter:       NoopEmitter{},
		feeBps:        DefaultFeeBps,
		deliveryDays:  DefaultDeliveryDays,
		disputeWindow: DefaultDisputeWindow,
		retry:         DefaultRetryPolicy(),
		nowFn:         time.Now,
		logger:        slog.Default(),
		metrics:       observability.Escrow(),
		stale:         make(map[ID]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.feeBps > amount.MaxBps {
		return nil, fmt.Errorf("%w: fee %d bps", ErrInvalidFee, e.feeBps)
	}
	if e.deliveryDays == 0 {
		e.deliveryDays = DefaultDeliveryDays
	}
	if e.disputeWindow <= 0 {
		e.disputeWindow = DefaultDisputeWindow
	}
	if e.emitter == nil {
		e.emitter = NoopEmitter{}
	}
	if e.nowFn == nil {
		e.nowFn = time.Now
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.coord == nil {
		e.coord = NewCoordinator(WithCoordinatorClock(e.nowFn), WithCoordinatorLogger(e.logger))
	}
	return e, nil
}

// Coordinator exposes the transaction coordinator used by the engine.
func (e *Engine) Coordinator() *Coordinator { return e.coord }

// FeeBps returns the configured platform fee.
func (e *Engine) FeeBps() uint32 { return e.feeBps }

func (e *Engine) now() time.Time {
	if e == nil || e.nowFn == nil {
		return time.Now()
	}
	return e.nowFn()
}

// Create opens an escrow for an order funded by the session's signer.
func (e *Engine) Create(ctx context.Context, sess Session, req CreateRequest) (*Escrow, error) {
	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		return nil, fmt.Errorf("escrow: order id required")
	}
	if req.Amount != nil && req.Amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if !sess.CanSign() {
		return nil, ErrSigningUnavailable
	}
	buyer := sess.Caller()

	staging, err := e.stagingData(ctx, orderID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if staging != nil {
		if staging.EscrowID != 0 {
			existing, cached, loadErr := e.load(ctx, sess, staging.EscrowID)
			if loadErr == nil && cached && !existing.Status.Terminal() {
				existing, loadErr = e.resync(ctx, sess, staging.EscrowID, "validation")
			}
			if loadErr == nil && !existing.Status.Terminal() {
				return nil, fmt.Errorf("%w: order %s has escrow %d", ErrDuplicateEscrow, orderID, existing.ID)
			}
		}
		if req.Seller == (common.Address{}) {
			req.Seller = staging.Seller
		}
		if req.Amount == nil {
			req.Amount = cloneBigInt(staging.Amount)
		}
		if req.ProductHash == (common.Hash{}) {
			req.ProductHash = staging.ProductHash
		}
		if req.DeliveryDays == 0 {
			req.DeliveryDays = staging.DeliveryDays
		}
	}
	if req.DeliveryDays == 0 {
		req.DeliveryDays = e.deliveryDays
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if req.Seller == (common.Address{}) || req.Seller == buyer {
		return nil, fmt.Errorf("%w: seller must be set and differ from buyer", ErrUnauthorizedActor)
	}
	fee := amount.FeeFromBps(req.Amount, e.feeBps)
	if _, err := NewEscrow(orderID, buyer, req.Seller, req.Amount, fee, req.ProductHash, e.now(), req.DeliveryDays, e.disputeWindow); err != nil {
		return nil, err
	}

	op := Operation{
		Action: ActionCreate,
		Call: Call{
			Method:       MethodCreateEscrow,
			OrderID:      orderID,
			Seller:       req.Seller,
			ProductHash:  req.ProductHash,
			DeliveryDays: req.DeliveryDays,
			Value:        cloneBigInt(req.Amount),
		},
		From: StatusPending,
	}
	created, txRef, err := e.execute(ctx, sess, op)
	if err != nil {
		return nil, err
	}
	e.commit(created, TransitionEvent{
		EscrowID: created.ID,
		OrderID:  created.OrderID,
		Action:   ActionCreate,
		From:     StatusPending,
		To:       StatusPending,
		TxRef:    txRef,
		At:       e.now(),
	})
	return created, nil
}

// ConfirmDelivery records the seller's shipment of the order.
func (e *Engine) ConfirmDelivery(ctx context.Context, sess Session, id ID, trackingInfo string) (*Escrow, error) {
	return e.apply(ctx, sess, id, ActionConfirmDelivery, func(cur *Escrow) Operation {
		return Operation{
			Action: ActionConfirmDelivery,
			Call:   Call{Method: MethodConfirmDelivery, EscrowID: id, OrderID: cur.OrderID, TrackingInfo: strings.TrimSpace(trackingInfo)},
			From:   StatusPending,
		}
	}, func(*Escrow) []Status { return []Status{StatusDelivered} })
}

// ConfirmReceipt records the buyer's receipt and releases the funds.
func (e *Engine) ConfirmReceipt(ctx context.Context, sess Session, id ID) (*Escrow, error) {
	return e.apply(ctx, sess, id, ActionConfirmReceipt, func(cur *Escrow) Operation {
		return Operation{
			Action: ActionConfirmReceipt,
			Call:   Call{Method: MethodConfirmReceipt, EscrowID: id, OrderID: cur.OrderID},
			From:   StatusDelivered,
		}
	}, func(*Escrow) []Status { return []Status{StatusConfirmed, StatusCompleted} })
}

// RaiseDispute freezes the escrow pending the resolver's decision.
func (e *Engine) RaiseDispute(ctx context.Context, sess Session, id ID, reason string) (*Escrow, error) {
	return e.apply(ctx, sess, id, ActionRaiseDispute, func(cur *Escrow) Operation {
		return Operation{
			Action: ActionRaiseDispute,
			Call:   Call{Method: MethodRaiseDispute, EscrowID: id, OrderID: cur.OrderID, Reason: strings.TrimSpace(reason)},
			From:   cur.Status,
		}
	}, func(*Escrow) []Status { return []Status{StatusDisputed} })
}

// Resolve applies the resolver's decision and settles the escrow.
func (e *Engine) Resolve(ctx context.Context, sess Session, id ID, decision Decision) (*Escrow, error) {
	if err := decision.Validate(); err != nil {
		return nil, err
	}
	return e.apply(ctx, sess, id, ActionResolve, func(cur *Escrow) Operation {
		return Operation{
			Action: ActionResolve,
			Call:   Call{Method: MethodResolveDispute, EscrowID: id, OrderID: cur.OrderID, Decision: decision},
			From:   StatusDisputed,
		}
	}, func(*Escrow) []Status { return []Status{StatusResolved, decision.Outcome()} })
}

// AutoRelease pays the seller once the relevant deadline has passed. Any
// party may trigger it.
func (e *Engine) AutoRelease(ctx context.Context, sess Session, id ID) (*Escrow, error) {
	return e.apply(ctx, sess, id, ActionAutoRelease, func(cur *Escrow) Operation {
		return Operation{
			Action: ActionAutoRelease,
			Call:   Call{Method: MethodAutoReleaseFunds, EscrowID: id, OrderID: cur.OrderID},
			From:   cur.Status,
		}
	}, func(*Escrow) []Status { return []Status{StatusExpired} })
}

// apply validates action against the cached record, re-syncing once from
// the ledger when the cache disagrees, then submits and commits it.
func (e *Engine) apply(ctx context.Context, sess Session, id ID, action Action, build func(*Escrow) Operation, path func(*Escrow) []Status) (*Escrow, error) {
	if !sess.CanSign() {
		return nil, ErrSigningUnavailable
	}
	cur, cached, err := e.load(ctx, sess, id)
	if err != nil {
		return nil, err
	}
	op := build(cur)
	err = e.verify(cur, op, sess.Caller())
	if err != nil && cached {
		fresh, syncErr := e.resync(ctx, sess, id, "validation")
		if syncErr == nil {
			cur = fresh
			op = build(fresh)
			err = e.verify(fresh, op, sess.Caller())
		}
	}
	if errors.Is(err, ErrAlreadyApplied) {
		return cur, nil
	}
	if err != nil {
		return nil, err
	}

	updated, txRef, err := e.execute(ctx, sess, op)
	if err != nil {
		return nil, err
	}
	if txRef == (common.Hash{}) {
		return updated, nil
	}
	from := cur.Status
	at := e.now()
	var events []TransitionEvent
	for _, to := range path(cur) {
		act := action
		if len(events) > 0 {
			act = ActionSettle
		}
		events = append(events, TransitionEvent{
			EscrowID: id,
			OrderID:  updated.OrderID,
			Action:   act,
			From:     from,
			To:       to,
			TxRef:    txRef,
			At:       at,
		})
		from = to
	}
	e.commit(updated, events...)
	return updated, nil
}

func (e *Engine) verify(esc *Escrow, op Operation, caller common.Address) error {
	if op.AppliedOn(esc) {
		if esc.RolesOf(caller)&actionActors(op.Action) == 0 && actionActors(op.Action)&RoleAnyone == 0 {
			return fmt.Errorf("%w: %s", ErrUnauthorizedActor, op.Action)
		}
		return ErrAlreadyApplied
	}
	return CheckTransition(esc, op.Action, caller, e.now())
}

func actionActors(action Action) Role {
	var roles Role
	for _, e := range transitionTable {
		if e.action == action {
			roles |= e.actors
		}
	}
	return roles
}

// execute submits op and waits for its confirmation. The returned record is
// the ledger state read after confirmation, already written through to the
// store.
func (e *Engine) execute(ctx context.Context, sess Session, op Operation) (*Escrow, common.Hash, error) {
	id := op.EscrowID()
	pt, err := e.coord.Submit(ctx, sess, op)
	if errors.Is(err, ErrAlreadyApplied) {
		esc, syncErr := e.resync(ctx, sess, id, "applied")
		if syncErr != nil {
			return nil, common.Hash{}, syncErr
		}
		return esc, common.Hash{}, nil
	}
	if err != nil {
		if id != 0 && (errors.Is(err, ErrStaleState) || errors.Is(err, ErrOutcomeUnknown)) {
			e.markStale(id)
		}
		return nil, common.Hash{}, err
	}
	effect, err := e.coord.AwaitConfirmation(ctx, sess, pt, e.confirmTimeout)
	if err != nil {
		if effect != nil && effect.Escrow != nil {
			e.persist(ctx, effect.Escrow)
		} else if id != 0 {
			e.markStale(id)
		}
		return nil, pt.TxRef, err
	}
	e.persist(ctx, effect.Escrow)
	return effect.Escrow, pt.TxRef, nil
}

func (e *Engine) commit(esc *Escrow, events ...TransitionEvent) {
	for _, evt := range events {
		e.metrics.RecordTransition(evt.From.String(), evt.To.String(), esc.Amount)
		e.emitter.Emit(evt)
	}
	attrs := []any{
		slog.Uint64("escrow_id", uint64(esc.ID)),
		slog.String("order_id", esc.OrderID),
		slog.String("status", esc.Status.String()),
		slog.String("seller", esc.Seller.Hex()),
	}
	if esc.TrackingInfo != "" {
		attrs = append(attrs, logging.MaskField("tracking_info", esc.TrackingInfo))
	}
	if esc.DisputeReason != "" {
		attrs = append(attrs, logging.MaskField("dispute_reason", esc.DisputeReason))
	}
	e.logger.Info("escrow transition committed", attrs...)
}

// persist writes the ledger-confirmed record through to the store. A failed
// write leaves the escrow flagged so the next read re-syncs it.
func (e *Engine) persist(ctx context.Context, esc *Escrow) bool {
	if esc == nil {
		return false
	}
	err := e.retry.Do(ctx, func() error { return e.store.PutEscrowState(ctx, esc) })
	if err != nil {
		e.markStale(esc.ID)
		e.logger.Warn("escrow record store write failed",
			slog.Uint64("escrow_id", uint64(esc.ID)),
			slog.Any("error", err))
		return false
	}
	e.clearStale(esc.ID)
	return true
}

func (e *Engine) markStale(id ID) {
	e.mu.Lock()
	e.stale[id] = struct{}{}
	e.mu.Unlock()
	e.metrics.RecordStaleMark()
}

func (e *Engine) clearStale(id ID) {
	e.mu.Lock()
	delete(e.stale, id)
	e.mu.Unlock()
}

// IsStale reports whether the cached record of id is known to lag the
// ledger.
func (e *Engine) IsStale(id ID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.stale[id]
	return ok
}

// Get returns the escrow, served from the record store unless the cached
// copy is missing, unreachable or flagged stale.
func (e *Engine) Get(ctx context.Context, sess Session, id ID) (*Escrow, error) {
	esc, _, err := e.load(ctx, sess, id)
	return esc, err
}

func (e *Engine) load(ctx context.Context, sess Session, id ID) (*Escrow, bool, error) {
	if id == 0 {
		return nil, false, ErrNotFound
	}
	trigger := "stale"
	if !e.IsStale(id) {
		var esc *Escrow
		err := e.retry.Do(ctx, func() error {
			var err error
			esc, err = e.store.GetEscrow(ctx, id)
			return err
		})
		if err == nil {
			return esc, true, nil
		}
		trigger = "miss"
		if !errors.Is(err, ErrNotFound) {
			trigger = "unavailable"
			e.logger.Warn("escrow record store read failed",
				slog.Uint64("escrow_id", uint64(id)),
				slog.Any("error", err))
		}
	}
	esc, err := e.resync(ctx, sess, id, trigger)
	return esc, false, err
}

// Resync reads the escrow from the ledger and writes it through to the
// store.
func (e *Engine) Resync(ctx context.Context, sess Session, id ID) (*Escrow, error) {
	return e.resync(ctx, sess, id, "manual")
}

func (e *Engine) resync(ctx context.Context, sess Session, id ID, trigger string) (*Escrow, error) {
	if sess.Ledger == nil {
		return nil, fmt.Errorf("%w: ledger not configured", ErrLedgerUnavailable)
	}
	var esc *Escrow
	err := e.retry.Do(ctx, func() error {
		var err error
		esc, err = sess.Ledger.GetEscrow(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.metrics.RecordResync(trigger)
	e.persist(ctx, esc)
	return esc, nil
}

// Eligibility evaluates the time-gated actions the escrow currently allows.
func (e *Engine) Eligibility(ctx context.Context, sess Session, id ID) (Eligibility, *Escrow, error) {
	esc, err := e.Get(ctx, sess, id)
	if err != nil {
		return NotYetEligible, nil, err
	}
	return EvaluateEscrow(e.now(), esc), esc, nil
}

// EscrowForOrder resolves the latest escrow of an order through the staging
// data, falling back to the ledger's order index.
func (e *Engine) EscrowForOrder(ctx context.Context, sess Session, orderID string) (*Escrow, error) {
	orderID = strings.TrimSpace(orderID)
	staging, err := e.stagingData(ctx, orderID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if staging != nil && staging.EscrowID != 0 {
		return e.Get(ctx, sess, staging.EscrowID)
	}
	if sess.Ledger == nil {
		return nil, ErrNotFound
	}
	var id ID
	err = e.retry.Do(ctx, func() error {
		var err error
		id, err = sess.Ledger.EscrowIDForOrder(ctx, orderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return e.Get(ctx, sess, id)
}

// UserEscrows lists the cached escrows in which addr holds role.
func (e *Engine) UserEscrows(ctx context.Context, addr common.Address, role Role) ([]*Escrow, error) {
	if role == 0 {
		role = RoleBuyer | RoleSeller | RoleResolver
	}
	var out []*Escrow
	err := e.retry.Do(ctx, func() error {
		var err error
		out, err = e.store.UserEscrows(ctx, addr, role)
		return err
	})
	return out, err
}

func (e *Engine) stagingData(ctx context.Context, orderID string) (*StagingData, error) {
	var data *StagingData
	err := e.retry.Do(ctx, func() error {
		var err error
		data, err = e.store.StagingData(ctx, orderID)
		return err
	})
	return data, err
}
