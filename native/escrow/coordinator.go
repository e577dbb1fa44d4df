package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"lukechampine.com/blake3"

	"marketescrow/observability"
)

const (
	// DefaultGasMarginBps pads gas estimates by 20%.
	DefaultGasMarginBps uint32 = 2_000
	// DefaultPollInterval is the receipt polling cadence.
	DefaultPollInterval = 2 * time.Second
	// DefaultConfirmTimeout bounds AwaitConfirmation when no timeout is given.
	DefaultConfirmTimeout = 2 * time.Minute
)

// Operation is a single ledger-mutating request prepared by the engine.
type Operation struct {
	Action Action
	Call   Call
	// From is the status the escrow must hold on the ledger for the call to
	// apply. Ignored for create.
	From Status
}

// EscrowID returns the escrow the operation targets, zero for create.
func (op Operation) EscrowID() ID { return op.Call.EscrowID }

// DedupeKey identifies the operation across resubmissions.
func (op Operation) DedupeKey() string {
	h := blake3.New(32, nil)
	h.Write([]byte(op.Call.OrderID))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatUint(uint64(op.Call.EscrowID), 10)))
	h.Write([]byte{'|'})
	h.Write([]byte(op.Call.Method.String()))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// AppliedOn reports whether the escrow sits in the state the operation
// produces, with matching parameters, so resubmitting it is a no-op.
func (op Operation) AppliedOn(esc *Escrow) bool {
	if esc == nil {
		return false
	}
	switch op.Call.Method {
	case MethodCreateEscrow:
		return esc.OrderID == op.Call.OrderID && esc.Seller == op.Call.Seller
	case MethodConfirmDelivery:
		return esc.Status == StatusDelivered && esc.SellerConfirmed && esc.TrackingInfo == op.Call.TrackingInfo
	case MethodConfirmReceipt:
		return esc.BuyerConfirmed && (esc.Status == StatusConfirmed || esc.Status == StatusCompleted)
	case MethodRaiseDispute:
		return esc.Status == StatusDisputed && esc.DisputeReason == op.Call.Reason
	case MethodResolveDispute:
		return esc.Resolution != nil && *esc.Resolution == op.Call.Decision
	case MethodAutoReleaseFunds:
		return esc.Status == StatusExpired
	default:
		return false
	}
}

// Reflected reports whether the ledger record carries the operation's
// effect, even if later transitions moved the escrow on since.
func (op Operation) Reflected(esc *Escrow) bool {
	if esc == nil {
		return false
	}
	switch op.Call.Method {
	case MethodConfirmDelivery:
		return esc.SellerConfirmed && esc.TrackingInfo == op.Call.TrackingInfo
	case MethodConfirmReceipt:
		return esc.BuyerConfirmed
	case MethodRaiseDispute:
		disputed := esc.Status == StatusDisputed || esc.Status == StatusResolved || esc.Resolution != nil
		return disputed && esc.DisputeReason == op.Call.Reason
	default:
		return op.AppliedOn(esc)
	}
}

// PendingTransaction is the coordinator's handle on a submitted transaction.
// It lives only in memory: after a restart the ledger is re-read instead.
type PendingTransaction struct {
	Handle      uuid.UUID
	Kind        Action
	Operation   Operation
	DedupeKey   string
	TxRef       common.Hash
	GasLimit    uint64
	SubmittedAt time.Time
	RetryCount  int
}

// Effect is the verified result of a confirmed transaction.
type Effect struct {
	Receipt *Receipt
	Events  []LedgerEvent
	// Escrow is the record re-read from the ledger after confirmation.
	Escrow *Escrow
}

// Coordinator submits ledger transactions and tracks them until their
// outcome is known.
type Coordinator struct {
	gasMarginBps uint32
	pollInterval time.Duration
	timeout      time.Duration
	retry        RetryPolicy
	now          func() time.Time
	logger       *slog.Logger
	metrics      *observability.EscrowMetrics
	tracer       trace.Tracer

	mu          sync.Mutex
	outstanding map[string]*PendingTransaction
}

// CoordinatorOption customises the coordinator.
type CoordinatorOption func(*Coordinator)

// WithGasMargin sets the padding applied to gas estimates in basis points.
func WithGasMargin(bps uint32) CoordinatorOption {
	return func(c *Coordinator) { c.gasMarginBps = bps }
}

// WithPollInterval configures the receipt polling cadence.
func WithPollInterval(interval time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.pollInterval = interval }
}

// WithConfirmTimeout sets the default confirmation timeout.
func WithConfirmTimeout(timeout time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.timeout = timeout }
}

// WithRetryPolicy overrides the read retry policy.
func WithRetryPolicy(policy RetryPolicy) CoordinatorOption {
	return func(c *Coordinator) { c.retry = policy }
}

// WithCoordinatorClock sets the function used to derive timestamps.
func WithCoordinatorClock(clock func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = clock }
}

// WithCoordinatorLogger sets the structured logger.
func WithCoordinatorLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = logger }
}

// NewCoordinator constructs a coordinator with default settings.
func NewCoordinator(opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		gasMarginBps: DefaultGasMarginBps,
		pollInterval: DefaultPollInterval,
		timeout:      DefaultConfirmTimeout,
		retry:        DefaultRetryPolicy(),
		now:          time.Now,
		logger:       slog.Default(),
		metrics:      observability.Escrow(),
		tracer:       otel.Tracer("escrow/coordinator"),
		outstanding:  make(map[string]*PendingTransaction),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.pollInterval <= 0 {
		c.pollInterval = DefaultPollInterval
	}
	if c.timeout <= 0 {
		c.timeout = DefaultConfirmTimeout
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Outstanding returns the pending transaction registered under key.
func (c *Coordinator) Outstanding(key string) (*PendingTransaction, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pt, ok := c.outstanding[key]
	if !ok {
		return nil, false
	}
	clone := *pt
	return &clone, true
}

// Submit validates the operation against the ledger, prices it and hands it
// to the ledger. ErrAlreadyApplied means the ledger already reflects the
// operation and nothing was sent.
func (c *Coordinator) Submit(ctx context.Context, sess Session, op Operation) (*PendingTransaction, error) {
	method := op.Call.Method.String()
	ctx, span := c.tracer.Start(ctx, "escrow.submit", trace.WithAttributes(
		attribute.String("escrow.method", method),
		attribute.String("escrow.order_id", op.Call.OrderID),
		attribute.Int64("escrow.id", int64(op.Call.EscrowID)),
	))
	defer span.End()

	pt, err := c.submit(ctx, sess, op)
	c.metrics.ObserveSubmission(method, err)
	if err != nil {
		if !errors.Is(err, ErrAlreadyApplied) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return nil, err
	}
	span.SetAttributes(attribute.String("escrow.tx_ref", pt.TxRef.Hex()))
	span.SetStatus(codes.Ok, "submitted")
	return pt, nil
}

func (c *Coordinator) submit(ctx context.Context, sess Session, op Operation) (*PendingTransaction, error) {
	if sess.Ledger == nil {
		return nil, fmt.Errorf("%w: ledger not configured", ErrLedgerUnavailable)
	}
	if !sess.CanSign() {
		return nil, ErrSigningUnavailable
	}
	key := op.DedupeKey()
	retries, err := c.checkOutstanding(ctx, sess.Ledger, key)
	if err != nil {
		return nil, err
	}
	if err := c.precheck(ctx, sess.Ledger, op); err != nil {
		return nil, err
	}

	estimate, err := sess.Ledger.EstimateGas(ctx, sess.Caller(), op.Call)
	if err != nil {
		if errors.Is(err, ErrInsufficientFunds) || errors.Is(err, ErrLedgerUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrEstimationFailed, op.Call.Method, err)
	}
	gasLimit := c.applyMargin(estimate)

	ref, err := sess.Ledger.Send(ctx, sess.Signer, op.Call, gasLimit)
	if err != nil {
		return nil, err
	}
	pt := &PendingTransaction{
		Handle:      uuid.New(),
		Kind:        op.Action,
		Operation:   op,
		DedupeKey:   key,
		TxRef:       ref,
		GasLimit:    gasLimit,
		SubmittedAt: c.now(),
		RetryCount:  retries,
	}
	c.mu.Lock()
	c.outstanding[key] = pt
	c.mu.Unlock()
	c.logger.Info("escrow transaction submitted",
		slog.String("method", op.Call.Method.String()),
		slog.String("order_id", op.Call.OrderID),
		slog.Uint64("escrow_id", uint64(op.Call.EscrowID)),
		slog.String("tx_ref", ref.Hex()),
		slog.Uint64("gas_limit", gasLimit))
	clone := *pt
	return &clone, nil
}

// checkOutstanding refuses a resubmission while an earlier transaction with
// the same dedupe key may still be mined. It returns the retry count to
// carry forward.
func (c *Coordinator) checkOutstanding(ctx context.Context, ledger Ledger, key string) (int, error) {
	c.mu.Lock()
	prior, ok := c.outstanding[key]
	c.mu.Unlock()
	if !ok {
		return 0, nil
	}
	_, err := ledger.Receipt(ctx, prior.TxRef)
	switch {
	case err == nil:
	case errors.Is(err, ErrReceiptPending):
		return 0, fmt.Errorf("%w: transaction %s still pending", ErrOutcomeUnknown, prior.TxRef.Hex())
	default:
		return 0, fmt.Errorf("%w: receipt for %s: %w", ErrOutcomeUnknown, prior.TxRef.Hex(), err)
	}
	c.mu.Lock()
	if current, ok := c.outstanding[key]; ok && current.TxRef == prior.TxRef {
		delete(c.outstanding, key)
	}
	c.mu.Unlock()
	return prior.RetryCount + 1, nil
}

func (c *Coordinator) precheck(ctx context.Context, ledger Ledger, op Operation) error {
	if op.Call.Method == MethodCreateEscrow {
		id, err := c.escrowIDForOrder(ctx, ledger, op.Call.OrderID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		existing, err := c.readEscrow(ctx, ledger, id)
		if err != nil {
			return err
		}
		if !existing.Status.Terminal() {
			return fmt.Errorf("%w: order %s has escrow %d", ErrDuplicateEscrow, op.Call.OrderID, id)
		}
		return nil
	}
	current, err := c.readEscrow(ctx, ledger, op.Call.EscrowID)
	if err != nil {
		return err
	}
	if op.AppliedOn(current) {
		return ErrAlreadyApplied
	}
	if current.Status != op.From {
		return fmt.Errorf("%w: escrow %d is %s, expected %s", ErrStaleState, current.ID, current.Status, op.From)
	}
	return nil
}

func (c *Coordinator) applyMargin(estimate uint64) uint64 {
	padded := estimate + estimate*uint64(c.gasMarginBps)/10_000
	if padded < estimate {
		return estimate
	}
	return padded
}

// AwaitConfirmation polls for the receipt of pt until it is mined, the
// timeout elapses or ctx is cancelled. Timing out never cancels the ledger
// transaction: the outcome is reported as ErrOutcomeUnknown and pt remains
// outstanding.
func (c *Coordinator) AwaitConfirmation(ctx context.Context, sess Session, pt *PendingTransaction, timeout time.Duration) (*Effect, error) {
	if pt == nil {
		return nil, fmt.Errorf("escrow: pending transaction required")
	}
	if sess.Ledger == nil {
		return nil, fmt.Errorf("%w: ledger not configured", ErrLedgerUnavailable)
	}
	if timeout <= 0 {
		timeout = c.timeout
	}
	method := pt.Operation.Call.Method.String()
	ctx, span := c.tracer.Start(ctx, "escrow.await_confirmation", trace.WithAttributes(
		attribute.String("escrow.method", method),
		attribute.String("escrow.tx_ref", pt.TxRef.Hex()),
	))
	defer span.End()

	effect, err := c.await(ctx, sess.Ledger, pt, timeout)
	outcome := OutcomeOf(err).String()
	c.metrics.ObserveConfirmation(method, c.now().Sub(pt.SubmittedAt), outcome)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("escrow transaction not confirmed",
			slog.String("method", method),
			slog.String("tx_ref", pt.TxRef.Hex()),
			slog.String("outcome", outcome),
			slog.Any("error", err))
		return effect, err
	}
	span.SetStatus(codes.Ok, "confirmed")
	return effect, nil
}

func (c *Coordinator) await(ctx context.Context, ledger Ledger, pt *PendingTransaction, timeout time.Duration) (*Effect, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	receipt, err := c.pollReceipt(waitCtx, ledger, pt.TxRef)
	if err != nil {
		return nil, err
	}
	c.release(pt)
	op := pt.Operation

	if receipt.Status != ReceiptSuccessful {
		if op.Call.Method == MethodCreateEscrow {
			return &Effect{Receipt: receipt}, fmt.Errorf("%w: %s", ErrTransactionReverted, receipt.RevertReason)
		}
		current, readErr := c.readEscrow(ctx, ledger, op.Call.EscrowID)
		if readErr != nil {
			return &Effect{Receipt: receipt}, fmt.Errorf("%w: %s reverted and escrow could not be re-read: %w", ErrOutcomeUnknown, op.Call.Method, readErr)
		}
		effect := &Effect{Receipt: receipt, Escrow: current}
		if current.Status != op.From {
			return effect, fmt.Errorf("%w: escrow %d moved to %s", ErrStaleState, current.ID, current.Status)
		}
		return effect, fmt.Errorf("%w: %s", ErrTransactionReverted, receipt.RevertReason)
	}

	id := op.Call.EscrowID
	if op.Call.Method == MethodCreateEscrow {
		id = createdEscrowID(receipt.Events)
		if id == 0 {
			return &Effect{Receipt: receipt, Events: receipt.Events}, fmt.Errorf("%w: create receipt carries no EscrowCreated event", ErrOutcomeUnknown)
		}
	}
	effect := &Effect{Receipt: receipt, Events: receipt.Events}
	fresh, err := c.readFresh(ctx, ledger, id, op)
	if err != nil {
		return effect, err
	}
	effect.Escrow = fresh
	return effect, nil
}

func (c *Coordinator) pollReceipt(ctx context.Context, ledger Ledger, ref common.Hash) (*Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := ledger.Receipt(ctx, ref)
		switch {
		case err == nil:
			return receipt, nil
		case errors.Is(err, ErrReceiptPending), IsRetryable(err):
		default:
			return nil, fmt.Errorf("%w: receipt for %s: %w", ErrOutcomeUnknown, ref.Hex(), err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s not confirmed: %w", ErrOutcomeUnknown, ref.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) release(pt *PendingTransaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if current, ok := c.outstanding[pt.DedupeKey]; ok && current.TxRef == pt.TxRef {
		delete(c.outstanding, pt.DedupeKey)
	}
}

// readFresh re-reads the escrow until the ledger view reflects op. Lagging
// reads are retried like transport failures.
func (c *Coordinator) readFresh(ctx context.Context, ledger Ledger, id ID, op Operation) (*Escrow, error) {
	var fresh *Escrow
	err := c.retry.Do(ctx, func() error {
		esc, err := ledger.GetEscrow(ctx, id)
		if err != nil {
			return err
		}
		if !op.Reflected(esc) {
			return fmt.Errorf("%w: escrow %d does not reflect %s yet", ErrLedgerUnavailable, id, op.Call.Method)
		}
		fresh = esc
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrOutcomeUnknown) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrOutcomeUnknown, err)
	}
	return fresh, nil
}

func (c *Coordinator) readEscrow(ctx context.Context, ledger Ledger, id ID) (*Escrow, error) {
	var esc *Escrow
	err := c.retry.Do(ctx, func() error {
		var err error
		esc, err = ledger.GetEscrow(ctx, id)
		return err
	})
	return esc, err
}

func (c *Coordinator) escrowIDForOrder(ctx context.Context, ledger Ledger, orderID string) (ID, error) {
	var id ID
	err := c.retry.Do(ctx, func() error {
		var err error
		id, err = ledger.EscrowIDForOrder(ctx, orderID)
		return err
	})
	return id, err
}

func createdEscrowID(events []LedgerEvent) ID {
	for _, evt := range events {
		if evt.Type == EventEscrowCreated {
			return evt.EscrowID
		}
	}
	return 0
}
