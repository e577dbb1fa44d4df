package escrowd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"marketescrow/native/amount"
	"marketescrow/native/escrow"
)

const requestTimeout = 15 * time.Second

// Server exposes the read API and the operator endpoints of escrowd.
type Server struct {
	engine   *escrow.Engine
	ledger   escrow.Ledger
	operator escrow.Signer
	codec    amount.Codec
	auth     *Authenticator
	limiter  *RateLimiter
	health   func(context.Context) error
	now      func() time.Time
	logger   *slog.Logger
	confirm  time.Duration
	router   chi.Router
}

// ServerOption customises the server.
type ServerOption func(*Server)

// WithOperator sets the signer used by operator triggered transactions.
func WithOperator(signer escrow.Signer) ServerOption {
	return func(s *Server) { s.operator = signer }
}

// WithAuthenticator protects operator routes. Without one they are not mounted.
func WithAuthenticator(auth *Authenticator) ServerOption {
	return func(s *Server) { s.auth = auth }
}

// WithRateLimiter throttles API clients.
func WithRateLimiter(limiter *RateLimiter) ServerOption {
	return func(s *Server) { s.limiter = limiter }
}

// WithHealthCheck adds a dependency probe to /healthz.
func WithHealthCheck(fn func(context.Context) error) ServerOption {
	return func(s *Server) { s.health = fn }
}

// WithServerClock overrides the time source for eligibility responses.
func WithServerClock(now func() time.Time) ServerOption {
	return func(s *Server) { s.now = now }
}

// WithOperatorTimeout bounds how long operator triggered transactions wait
// for confirmation.
func WithOperatorTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.confirm = d
		}
	}
}

// WithServerLogger sets the structured logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// NewServer wires the HTTP routes.
func NewServer(engine *escrow.Engine, ledger escrow.Ledger, codec amount.Codec, opts ...ServerOption) *Server {
	s := &Server{
		engine:  engine,
		ledger:  ledger,
		codec:   codec,
		now:     time.Now,
		logger:  slog.Default(),
		confirm: escrow.DefaultConfirmTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(instrument(s.logger))
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Group(func(api chi.Router) {
		if s.limiter != nil {
			api.Use(s.limiter.Middleware)
		}
		api.Get("/escrows/{id}", s.handleGetEscrow)
		api.Get("/escrows/{id}/eligibility", s.handleEligibility)
		api.Get("/orders/{orderID}/escrow", s.handleOrderEscrow)
		api.Get("/users/{address}/escrows", s.handleUserEscrows)
		if s.auth != nil {
			api.Group(func(op chi.Router) {
				op.Use(s.auth.Middleware(ScopeOperate))
				op.Post("/escrows/{id}/auto-release", s.handleAutoRelease)
				op.Post("/escrows/{id}/resync", s.handleResync)
			})
		}
	})
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the router wrapped with OpenTelemetry instrumentation.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "escrowd",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}))
}

func (s *Server) session() escrow.Session {
	return escrow.Session{Ledger: s.ledger}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	id, err := escrowIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	esc, err := s.engine.Get(ctx, s.session(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(esc))
}

type eligibilityResponse struct {
	EscrowID         uint64    `json:"escrowId"`
	Status           string    `json:"status"`
	Eligibility      string    `json:"eligibility"`
	DeliveryDeadline time.Time `json:"deliveryDeadline"`
	DisputeDeadline  time.Time `json:"disputeDeadline"`
	EvaluatedAt      time.Time `json:"evaluatedAt"`
}

func (s *Server) handleEligibility(w http.ResponseWriter, r *http.Request) {
	id, err := escrowIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	eligibility, esc, err := s.engine.Eligibility(ctx, s.session(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eligibilityResponse{
		EscrowID:         uint64(esc.ID),
		Status:           esc.Status.String(),
		Eligibility:      eligibility.String(),
		DeliveryDeadline: esc.DeliveryDeadline,
		DisputeDeadline:  esc.DisputeDeadline,
		EvaluatedAt:      s.now().UTC(),
	})
}

func (s *Server) handleOrderEscrow(w http.ResponseWriter, r *http.Request) {
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		writeError(w, http.StatusBadRequest, errors.New("order id required"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	esc, err := s.engine.EscrowForOrder(ctx, s.session(), orderID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(esc))
}

func (s *Server) handleUserEscrows(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "address")
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid address %q", raw))
		return
	}
	role := escrow.RoleBuyer | escrow.RoleSeller | escrow.RoleResolver
	if rawRole := strings.TrimSpace(r.URL.Query().Get("role")); rawRole != "" {
		parsed, err := escrow.ParseRole(strings.ToLower(rawRole))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		role = parsed
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	escrows, err := s.engine.UserEscrows(ctx, common.HexToAddress(raw), role)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	views := make([]escrowView, 0, len(escrows))
	for _, esc := range escrows {
		views = append(views, s.view(esc))
	}
	writeJSON(w, http.StatusOK, map[string]any{"escrows": views})
}

func (s *Server) handleAutoRelease(w http.ResponseWriter, r *http.Request) {
	id, err := escrowIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if s.operator == nil {
		s.writeEngineError(w, escrow.ErrSigningUnavailable)
		return
	}
	// Confirmation outlives client disconnects.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.confirm+requestTimeout)
	defer cancel()
	esc, err := s.engine.AutoRelease(ctx, escrow.Session{Ledger: s.ledger, Signer: s.operator}, id)
	subject, _ := r.Context().Value(contextKeySubject).(string)
	s.logger.Info("operator auto-release",
		slog.String("component", "api"),
		slog.Uint64("escrow_id", uint64(id)),
		slog.String("subject", subject),
		slog.String("outcome", escrow.OutcomeOf(err).String()))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(esc))
}

func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	id, err := escrowIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	esc, err := s.engine.Resync(ctx, s.session(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(esc))
}

type escrowView struct {
	ID               uint64    `json:"id"`
	OrderID          string    `json:"orderId"`
	Buyer            string    `json:"buyer"`
	Seller           string    `json:"seller"`
	Amount           string    `json:"amount"`
	AmountBaseUnits  string    `json:"amountBaseUnits"`
	PlatformFee      string    `json:"platformFee"`
	Status           string    `json:"status"`
	CreatedAt        time.Time `json:"createdAt"`
	DeliveryDeadline time.Time `json:"deliveryDeadline"`
	DisputeDeadline  time.Time `json:"disputeDeadline"`
	ProductHash      string    `json:"productHash"`
	TrackingInfo     string    `json:"trackingInfo,omitempty"`
	SellerConfirmed  bool      `json:"sellerConfirmed"`
	BuyerConfirmed   bool      `json:"buyerConfirmed"`
	DisputeReason    string    `json:"disputeReason,omitempty"`
	DisputeResolver  string    `json:"disputeResolver,omitempty"`
	Resolution       string    `json:"resolution,omitempty"`
	Stale            bool      `json:"stale,omitempty"`
}

func (s *Server) view(esc *escrow.Escrow) escrowView {
	v := escrowView{
		ID:               uint64(esc.ID),
		OrderID:          esc.OrderID,
		Buyer:            esc.Buyer.Hex(),
		Seller:           esc.Seller.Hex(),
		AmountBaseUnits:  esc.Amount.String(),
		Status:           esc.Status.String(),
		CreatedAt:        esc.CreatedAt,
		DeliveryDeadline: esc.DeliveryDeadline,
		DisputeDeadline:  esc.DisputeDeadline,
		ProductHash:      esc.ProductHash.Hex(),
		TrackingInfo:     esc.TrackingInfo,
		SellerConfirmed:  esc.SellerConfirmed,
		BuyerConfirmed:   esc.BuyerConfirmed,
		DisputeReason:    esc.DisputeReason,
		Stale:            s.engine.IsStale(esc.ID),
	}
	if formatted, err := s.codec.FromFixed(esc.Amount); err == nil {
		v.Amount = formatted
	}
	if fee, err := s.codec.FromFixed(esc.PlatformFee); err == nil {
		v.PlatformFee = fee
	}
	if esc.DisputeResolver != (common.Address{}) {
		v.DisputeResolver = esc.DisputeResolver.Hex()
	}
	if esc.Resolution != nil {
		v.Resolution = esc.Resolution.String()
	}
	return v
}

func escrowIDParam(r *http.Request) (escrow.ID, error) {
	raw := strings.TrimSpace(chi.URLParam(r, "id"))
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid escrow id %q", raw)
	}
	return escrow.ID(id), nil
}

// StatusFor maps engine errors onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, escrow.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, escrow.ErrUnauthorizedActor):
		return http.StatusForbidden
	case errors.Is(err, escrow.ErrIllegalTransition),
		errors.Is(err, escrow.ErrTerminal),
		errors.Is(err, escrow.ErrDisputeWindowClosed),
		errors.Is(err, escrow.ErrDeliveryWindowClosed),
		errors.Is(err, escrow.ErrDuplicateEscrow),
		errors.Is(err, escrow.ErrStaleState):
		return http.StatusConflict
	case errors.Is(err, escrow.ErrInvalidAmount),
		errors.Is(err, escrow.ErrInvalidFee),
		errors.Is(err, escrow.ErrInvalidDecision):
		return http.StatusBadRequest
	case errors.Is(err, escrow.ErrTransactionReverted),
		errors.Is(err, escrow.ErrEstimationFailed),
		errors.Is(err, escrow.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, escrow.ErrOutcomeUnknown),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, escrow.ErrSigningUnavailable),
		errors.Is(err, escrow.ErrLedgerUnavailable),
		errors.Is(err, escrow.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error   string `json:"error"`
	Outcome string `json:"outcome,omitempty"`
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	writeJSON(w, status, errorResponse{Error: err.Error(), Outcome: escrow.OutcomeOf(err).String()})
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
