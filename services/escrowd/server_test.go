package escrowd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"marketescrow/native/amount"
	"marketescrow/native/escrow"
)

const testSecret = "operator-secret"

func (f *fixture) server(opts ...ServerOption) *Server {
	base := []ServerOption{WithServerClock(f.clock.Now), WithOperatorTimeout(2 * time.Second)}
	return NewServer(f.engine, f.ledger, amount.NewCodec(2), append(base, opts...)...)
}

func authOption() ServerOption {
	return WithAuthenticator(NewAuthenticator(AuthConfig{HMACSecret: testSecret, Issuer: "escrow-ops"}, nil))
}

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func do(t *testing.T, h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestServerGetEscrow(t *testing.T) {
	f := newFixture(t)
	esc := f.create("order-1")
	srv := f.server()

	rec := do(t, srv, http.MethodGet, fmt.Sprintf("/escrows/%d", esc.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	view := decode[escrowView](t, rec)
	require.Equal(t, "PENDING", view.Status)
	require.Equal(t, "1", view.Amount)
	require.Equal(t, "100", view.AmountBaseUnits)
	require.Equal(t, "0.02", view.PlatformFee)
	require.Equal(t, f.buyer.Address().Hex(), view.Buyer)

	rec = do(t, srv, http.MethodGet, "/escrows/999", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	body := decode[errorResponse](t, rec)
	require.Equal(t, "rejected", body.Outcome)

	rec = do(t, srv, http.MethodGet, "/escrows/abc", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServerEligibilityAndLookups(t *testing.T) {
	f := newFixture(t)
	esc := f.create("order-2")
	srv := f.server()

	rec := do(t, srv, http.MethodGet, fmt.Sprintf("/escrows/%d/eligibility", esc.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "eligible_for_dispute", decode[eligibilityResponse](t, rec).Eligibility)

	f.clock.Advance(15 * 24 * time.Hour)
	rec = do(t, srv, http.MethodGet, fmt.Sprintf("/escrows/%d/eligibility", esc.ID), "")
	require.Equal(t, "eligible_for_auto_release", decode[eligibilityResponse](t, rec).Eligibility)

	rec = do(t, srv, http.MethodGet, "/orders/order-2/escrow", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, uint64(esc.ID), decode[escrowView](t, rec).ID)

	rec = do(t, srv, http.MethodGet, "/users/"+f.buyer.Address().Hex()+"/escrows?role=buyer", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[map[string][]escrowView](t, rec)
	require.Len(t, list["escrows"], 1)

	rec = do(t, srv, http.MethodGet, "/users/"+f.buyer.Address().Hex()+"/escrows?role=seller", "")
	require.Len(t, decode[map[string][]escrowView](t, rec)["escrows"], 0)

	rec = do(t, srv, http.MethodGet, "/users/"+f.buyer.Address().Hex()+"/escrows?role=admin", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, srv, http.MethodGet, "/users/not-an-address/escrows", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServerOperatorRoutesRequireAuth(t *testing.T) {
	f := newFixture(t)
	esc := f.create("order-3")
	path := fmt.Sprintf("/escrows/%d/auto-release", esc.ID)

	unprotected := f.server(WithOperator(f.operator))
	rec := do(t, unprotected, http.MethodPost, path, "")
	require.True(t, rec.Code == http.StatusNotFound || rec.Code == http.StatusMethodNotAllowed)

	srv := f.server(WithOperator(f.operator), authOption())
	require.Equal(t, http.StatusUnauthorized, do(t, srv, http.MethodPost, path, "").Code)

	exp := time.Now().Add(time.Hour).Unix()
	noScope := signToken(t, jwt.MapClaims{"sub": "ops", "iss": "escrow-ops", "exp": exp})
	require.Equal(t, http.StatusForbidden, do(t, srv, http.MethodPost, path, noScope).Code)

	wrongIssuer := signToken(t, jwt.MapClaims{"sub": "ops", "iss": "other", "scope": ScopeOperate, "exp": exp})
	require.Equal(t, http.StatusUnauthorized, do(t, srv, http.MethodPost, path, wrongIssuer).Code)

	valid := signToken(t, jwt.MapClaims{"sub": "ops", "iss": "escrow-ops", "scope": ScopeOperate, "exp": exp})

	// Not yet eligible: the delivery window is still open.
	rec = do(t, srv, http.MethodPost, path, valid)
	require.Equal(t, http.StatusConflict, rec.Code)

	f.clock.Advance(15 * 24 * time.Hour)
	rec = do(t, srv, http.MethodPost, path, valid)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "EXPIRED", decode[escrowView](t, rec).Status)

	rec = do(t, srv, http.MethodPost, fmt.Sprintf("/escrows/%d/resync", esc.ID), valid)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "EXPIRED", decode[escrowView](t, rec).Status)
}

func TestServerAutoReleaseWithoutOperator(t *testing.T) {
	f := newFixture(t)
	esc := f.create("order-4")
	srv := f.server(authOption())
	token := signToken(t, jwt.MapClaims{"iss": "escrow-ops", "scope": ScopeOperate, "exp": time.Now().Add(time.Hour).Unix()})

	rec := do(t, srv, http.MethodPost, fmt.Sprintf("/escrows/%d/auto-release", esc.ID), token)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServerRateLimit(t *testing.T) {
	f := newFixture(t)
	esc := f.create("order-5")
	srv := f.server(WithRateLimiter(NewRateLimiter(RateLimitConfig{RequestsPerMinute: 1, Burst: 1})))
	path := fmt.Sprintf("/escrows/%d", esc.ID)

	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, path, "").Code)
	require.Equal(t, http.StatusTooManyRequests, do(t, srv, http.MethodGet, path, "").Code)
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/healthz", "").Code)
}

func TestServerHealthCheck(t *testing.T) {
	f := newFixture(t)
	srv := f.server(WithHealthCheck(func(context.Context) error { return errors.New("database down") }))
	rec := do(t, srv, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "database down"))
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		nil:                                       http.StatusOK,
		escrow.ErrNotFound:                        http.StatusNotFound,
		escrow.ErrUnauthorizedActor:               http.StatusForbidden,
		fmt.Errorf("x: %w", escrow.ErrStaleState): http.StatusConflict,
		escrow.ErrDisputeWindowClosed:             http.StatusConflict,
		escrow.ErrInvalidDecision:                 http.StatusBadRequest,
		escrow.ErrTransactionReverted:             http.StatusUnprocessableEntity,
		escrow.ErrOutcomeUnknown:                  http.StatusGatewayTimeout,
		escrow.ErrLedgerUnavailable:               http.StatusServiceUnavailable,
		errors.New("boom"):                        http.StatusInternalServerError,
	}
	for err, want := range cases {
		require.Equal(t, want, StatusFor(err), fmt.Sprint(err))
	}
}
