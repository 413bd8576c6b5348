package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/swaprelay/internal/domain"
)

// fakeSwaps records the last call and returns canned results.
type fakeSwaps struct {
	orders  []domain.Order
	err     error
	auction domain.AuctionParams
	seq     int
	escrow  string
	caller  string
	secret  domain.Secret
}

func (f *fakeSwaps) CreateOrder(_ context.Context, p domain.OrderParams) (domain.OrderID, error) {
	if f.err != nil {
		return "", f.err
	}
	return domain.OrderID("ord-" + p.Maker), nil
}

func (f *fakeSwaps) GetOrder(_ context.Context, id domain.OrderID) (domain.OrderView, error) {
	if f.err != nil {
		return domain.OrderView{}, f.err
	}
	return domain.OrderView{Order: domain.Order{ID: id}}, nil
}

func (f *fakeSwaps) Orders() []domain.Order   { return f.orders }
func (f *fakeSwaps) Chains() []domain.ChainID { return []domain.ChainID{"a", "b"} }

func (f *fakeSwaps) Cancel(_ context.Context, id domain.OrderID, caller string) (domain.Order, error) {
	f.caller = caller
	return domain.Order{ID: id, State: domain.OrderCancelled}, f.err
}

func (f *fakeSwaps) StartAuction(_ context.Context, _ domain.OrderID, p domain.AuctionParams) (domain.AuctionView, error) {
	f.auction = p
	return domain.AuctionView{Status: "active", Round: 1}, f.err
}

func (f *fakeSwaps) SubmitBid(_ context.Context, id domain.OrderID, b domain.Bid) (domain.Bid, error) {
	b.OrderID, b.ID = id, "bid-1"
	return b, f.err
}

func (f *fakeSwaps) GetBestBid(context.Context, domain.OrderID) (domain.Bid, error) {
	return domain.Bid{ID: "bid-1"}, f.err
}

func (f *fakeSwaps) ResolveAuction(context.Context, domain.OrderID) (domain.Bid, error) {
	return domain.Bid{ID: "bid-1"}, f.err
}

func (f *fakeSwaps) AcceptPartialFill(_ context.Context, _ domain.OrderID, req domain.FillRequest) (domain.FillResult, error) {
	return domain.FillResult{Fill: domain.Fill{Seq: 1, Amount: req.Amount}}, f.err
}

func (f *fakeSwaps) ConfirmDestinationLeg(_ context.Context, _ domain.OrderID, seq int, escrowID string) (domain.Leg, error) {
	f.seq, f.escrow = seq, escrowID
	return domain.Leg{EscrowID: escrowID}, f.err
}

func (f *fakeSwaps) RevealSecret(_ context.Context, id domain.OrderID, s domain.Secret) (domain.ClaimResult, error) {
	f.secret = s
	return domain.ClaimResult{OrderID: id}, f.err
}

func (f *fakeSwaps) Refund(_ context.Context, legID, caller string) (domain.RefundResult, error) {
	f.caller = caller
	return domain.RefundResult{LegID: legID}, f.err
}

func newMux(f *fakeSwaps) *http.ServeMux {
	h := NewSwapHandler(f, slog.New(slog.NewTextHandler(io.Discard, nil)))
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/orders", h.CreateOrder)
	mux.HandleFunc("GET /api/orders", h.ListOrders)
	mux.HandleFunc("GET /api/orders/{id}", h.GetOrder)
	mux.HandleFunc("POST /api/orders/{id}/cancel", h.CancelOrder)
	mux.HandleFunc("POST /api/orders/{id}/auction", h.StartAuction)
	mux.HandleFunc("POST /api/orders/{id}/bids", h.SubmitBid)
	mux.HandleFunc("POST /api/orders/{id}/fills", h.AcceptFill)
	mux.HandleFunc("POST /api/orders/{id}/fills/{seq}/destination", h.ConfirmDestination)
	mux.HandleFunc("POST /api/orders/{id}/secret", h.RevealSecret)
	mux.HandleFunc("POST /api/legs/{id}/refund", h.RefundLeg)
	return mux
}

func do(t *testing.T, mux http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestCreateOrder(t *testing.T) {
	mux := newMux(&fakeSwaps{})
	rec := do(t, mux, http.MethodPost, "/api/orders", `{"maker":"alice","maker_amount":"100"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "ord-alice", decodeBody(t, rec)["order_id"])
}

func TestCreateOrderRejectsUnknownFields(t *testing.T) {
	rec := do(t, newMux(&fakeSwaps{}), http.MethodPost, "/api/orders", `{"maker":"a","bogus":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "bad_request", decodeBody(t, rec)["code"])
}

func TestErrorKindsMapToStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("registry: %w", domain.ErrInvalidTimelock), http.StatusBadRequest},
		{domain.ErrPreimageUsed, http.StatusConflict},
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.ErrChainUnavailable, http.StatusServiceUnavailable},
		{domain.ErrRateLimited, http.StatusTooManyRequests},
		{domain.ErrTxFailed, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := do(t, newMux(&fakeSwaps{err: tc.err}), http.MethodGet, "/api/orders/o1", "")
		assert.Equal(t, tc.want, rec.Code, tc.err.Error())
	}

	rec := do(t, newMux(&fakeSwaps{err: domain.ErrChainUnavailable}), http.MethodGet, "/api/orders/o1", "")
	body := decodeBody(t, rec)
	assert.Equal(t, "chain_unavailable", body["code"])
	assert.Equal(t, true, body["retryable"])
}

func TestListOrdersNeverNull(t *testing.T) {
	rec := do(t, newMux(&fakeSwaps{}), http.MethodGet, "/api/orders", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"orders":[]}`, rec.Body.String())
}

func TestStartAuctionBodyOptional(t *testing.T) {
	f := &fakeSwaps{}
	rec := do(t, newMux(f), http.MethodPost, "/api/orders/o1/auction", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, f.auction.Duration)

	rec = do(t, newMux(f), http.MethodPost, "/api/orders/o1/auction", `{"duration":"45s","start_price":1200000}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 45*time.Second, f.auction.Duration)
	assert.Equal(t, uint64(1200000), f.auction.StartPrice)

	rec = do(t, newMux(f), http.MethodPost, "/api/orders/o1/auction", `{"duration":"-1s"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConfirmDestination(t *testing.T) {
	f := &fakeSwaps{}
	mux := newMux(f)

	rec := do(t, mux, http.MethodPost, "/api/orders/o1/fills/2/destination", `{"escrow_id":"0xabc"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, f.seq)
	assert.Equal(t, "0xabc", f.escrow)

	rec = do(t, mux, http.MethodPost, "/api/orders/o1/fills/zero/destination", `{"escrow_id":"0xabc"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, mux, http.MethodPost, "/api/orders/o1/fills/1/destination", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRevealSecret(t *testing.T) {
	f := &fakeSwaps{}
	mux := newMux(f)
	secret := "0x" + strings.Repeat("ab", 32)

	rec := do(t, mux, http.MethodPost, "/api/orders/o1/secret", `{"secret":"`+secret+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, secret, f.secret.Hex())

	rec = do(t, mux, http.MethodPost, "/api/orders/o1/secret", `{"secret":"0x1234"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_secret", decodeBody(t, rec)["code"])
}

func TestCancelAndRefundPassCaller(t *testing.T) {
	f := &fakeSwaps{}
	mux := newMux(f)

	rec := do(t, mux, http.MethodPost, "/api/orders/o1/cancel", `{"caller":"alice"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", f.caller)

	rec = do(t, mux, http.MethodPost, "/api/legs/o1:src:0/refund", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "", f.caller)
	assert.Equal(t, "o1:src:0", decodeBody(t, rec)["leg_id"])
}

func TestHealthCheckDegraded(t *testing.T) {
	checks := []Check{
		{Name: "postgres", Probe: func(context.Context) error { return nil }},
		{Name: "redis", Probe: func(context.Context) error { return errors.New("connection refused") }},
	}
	h := NewHealthHandler(&fakeSwaps{orders: []domain.Order{{ID: "o1"}}}, checks, slog.New(slog.NewTextHandler(io.Discard, nil)))

	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, float64(1), body["active_orders"])
	assert.Equal(t, map[string]any{"postgres": "ok", "redis": "connection refused"}, body["dependencies"])
}
