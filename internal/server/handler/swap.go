package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/swaprelay/internal/domain"
)

// SwapService is what the swap endpoints need from the coordinator.
type SwapService interface {
	CreateOrder(ctx context.Context, p domain.OrderParams) (domain.OrderID, error)
	GetOrder(ctx context.Context, id domain.OrderID) (domain.OrderView, error)
	Orders() []domain.Order
	Chains() []domain.ChainID
	Cancel(ctx context.Context, id domain.OrderID, caller string) (domain.Order, error)
	StartAuction(ctx context.Context, id domain.OrderID, p domain.AuctionParams) (domain.AuctionView, error)
	SubmitBid(ctx context.Context, id domain.OrderID, bid domain.Bid) (domain.Bid, error)
	GetBestBid(ctx context.Context, id domain.OrderID) (domain.Bid, error)
	ResolveAuction(ctx context.Context, id domain.OrderID) (domain.Bid, error)
	AcceptPartialFill(ctx context.Context, id domain.OrderID, req domain.FillRequest) (domain.FillResult, error)
	ConfirmDestinationLeg(ctx context.Context, id domain.OrderID, seq int, escrowID string) (domain.Leg, error)
	RevealSecret(ctx context.Context, id domain.OrderID, secret domain.Secret) (domain.ClaimResult, error)
	Refund(ctx context.Context, legID, caller string) (domain.RefundResult, error)
}

// SwapHandler serves the order, auction, fill and settlement endpoints.
type SwapHandler struct {
	swaps  SwapService
	logger *slog.Logger
}

// NewSwapHandler creates a SwapHandler.
func NewSwapHandler(swaps SwapService, logger *slog.Logger) *SwapHandler {
	return &SwapHandler{swaps: swaps, logger: logger.With(slog.String("handler", "swap"))}
}

func (h *SwapHandler) fail(r *http.Request, op string, err error) {
	level := slog.LevelInfo
	if statusOf(err) >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	h.logger.Log(r.Context(), level, op+" rejected",
		slog.String("path", r.URL.Path),
		slog.String("code", domain.CodeOf(err)),
		slog.String("error", err.Error()),
	)
}

func orderID(r *http.Request) domain.OrderID {
	return domain.OrderID(pathParam(r, "id"))
}

// CreateOrder registers a new order.
// POST /api/orders
func (h *SwapHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var p domain.OrderParams
	if err := decodeJSON(w, r, &p, false); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	id, err := h.swaps.CreateOrder(r.Context(), p)
	if err != nil {
		h.fail(r, "create order", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]domain.OrderID{"order_id": id})
}

// ListOrders returns the orders held in memory.
// GET /api/orders
func (h *SwapHandler) ListOrders(w http.ResponseWriter, _ *http.Request) {
	orders := h.swaps.Orders()
	if orders == nil {
		orders = []domain.Order{}
	}
	writeJSON(w, http.StatusOK, map[string][]domain.Order{"orders": orders})
}

// GetOrder returns an order with its legs, fills and auction.
// GET /api/orders/{id}
func (h *SwapHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	v, err := h.swaps.GetOrder(r.Context(), orderID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type callerRequest struct {
	Caller string `json:"caller"`
}

// CancelOrder cancels an unfilled order.
// POST /api/orders/{id}/cancel
func (h *SwapHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	var req callerRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	o, err := h.swaps.Cancel(r.Context(), orderID(r), req.Caller)
	if err != nil {
		h.fail(r, "cancel", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

type auctionRequest struct {
	Duration   string `json:"duration"`
	StartPrice uint64 `json:"start_price"`
	EndPrice   uint64 `json:"end_price"`
}

// StartAuction opens the bidding window. The body is optional.
// POST /api/orders/{id}/auction
func (h *SwapHandler) StartAuction(w http.ResponseWriter, r *http.Request) {
	var req auctionRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	p := domain.AuctionParams{StartPrice: req.StartPrice, EndPrice: req.EndPrice}
	if req.Duration != "" {
		d, err := time.ParseDuration(req.Duration)
		if err != nil || d <= 0 {
			writeBadRequest(w, fmt.Sprintf("invalid duration %q", req.Duration))
			return
		}
		p.Duration = d
	}
	v, err := h.swaps.StartAuction(r.Context(), orderID(r), p)
	if err != nil {
		h.fail(r, "start auction", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// ResolveAuction selects the winning bid.
// POST /api/orders/{id}/auction/resolve
func (h *SwapHandler) ResolveAuction(w http.ResponseWriter, r *http.Request) {
	b, err := h.swaps.ResolveAuction(r.Context(), orderID(r))
	if err != nil {
		h.fail(r, "resolve auction", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// SubmitBid records a resolver's bid.
// POST /api/orders/{id}/bids
func (h *SwapHandler) SubmitBid(w http.ResponseWriter, r *http.Request) {
	var b domain.Bid
	if err := decodeJSON(w, r, &b, false); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	accepted, err := h.swaps.SubmitBid(r.Context(), orderID(r), b)
	if err != nil {
		h.fail(r, "bid", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, accepted)
}

// BestBid returns the current leading bid.
// GET /api/orders/{id}/bids/best
func (h *SwapHandler) BestBid(w http.ResponseWriter, r *http.Request) {
	b, err := h.swaps.GetBestBid(r.Context(), orderID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// AcceptFill commits part of an order to a resolver.
// POST /api/orders/{id}/fills
func (h *SwapHandler) AcceptFill(w http.ResponseWriter, r *http.Request) {
	var req domain.FillRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	res, err := h.swaps.AcceptPartialFill(r.Context(), orderID(r), req)
	if err != nil {
		h.fail(r, "fill", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type destinationRequest struct {
	EscrowID string `json:"escrow_id"`
}

// ConfirmDestination reports the destination escrow a resolver locked.
// POST /api/orders/{id}/fills/{seq}/destination
func (h *SwapHandler) ConfirmDestination(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.Atoi(pathParam(r, "seq"))
	if err != nil || seq <= 0 {
		writeBadRequest(w, "fill seq must be a positive integer")
		return
	}
	var req destinationRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if req.EscrowID == "" {
		writeBadRequest(w, "escrow_id is required")
		return
	}
	leg, err := h.swaps.ConfirmDestinationLeg(r.Context(), orderID(r), seq, req.EscrowID)
	if err != nil {
		h.fail(r, "confirm destination", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, leg)
}

type secretRequest struct {
	Secret domain.Secret `json:"secret"`
}

// RevealSecret claims the destination legs with the maker's preimage.
// POST /api/orders/{id}/secret
func (h *SwapHandler) RevealSecret(w http.ResponseWriter, r *http.Request) {
	var req secretRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeError(w, fmt.Errorf("%w: %v", domain.ErrInvalidSecret, err))
		return
	}
	res, err := h.swaps.RevealSecret(r.Context(), orderID(r), req.Secret)
	if err != nil {
		h.fail(r, "reveal", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RefundLeg refunds an expired leg to its sender.
// POST /api/legs/{id}/refund
func (h *SwapHandler) RefundLeg(w http.ResponseWriter, r *http.Request) {
	var req callerRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	res, err := h.swaps.Refund(r.Context(), pathParam(r, "id"), req.Caller)
	if err != nil {
		h.fail(r, "refund", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
