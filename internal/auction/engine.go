// Package auction runs the per-order Dutch auction through which resolvers
// compete for the right to execute a swap.
package auction

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/swaprelay/internal/domain"
)

// Status is the auction state of one order.
type Status string

const (
	NotStarted Status = "not_started"
	Running    Status = "running"
	Resolved   Status = "resolved"
	Expired    Status = "expired"
)

type state struct {
	status   Status
	round    int
	schedule Schedule
	bids     []domain.Bid
	winner   *domain.Bid
	nextSeq  int
	excluded map[string]bool
}

// Engine keeps the auction state of every order. It is safe for concurrent
// use, but callers serialize operations on a single order themselves.
type Engine struct {
	mu       sync.Mutex
	auctions map[domain.OrderID]*state
	logger   *slog.Logger
}

// NewEngine creates an empty Engine.
func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{
		auctions: make(map[domain.OrderID]*state),
		logger:   logger.With(slog.String("component", "auction")),
	}
}

func (e *Engine) get(id domain.OrderID) *state {
	st, ok := e.auctions[id]
	if !ok {
		st = &state{status: NotStarted, excluded: make(map[string]bool)}
		e.auctions[id] = st
	}
	return st
}

// Start opens a new auction round for the order.
func (e *Engine) Start(id domain.OrderID, sched Schedule) (int, error) {
	if sched.Duration <= 0 {
		return 0, fmt.Errorf("auction: start %s: %w: non-positive duration", id, domain.ErrInvalidOrder)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.get(id)
	if st.status == Running {
		return st.round, fmt.Errorf("auction: start %s: %w", id, domain.ErrAuctionActive)
	}
	st.status = Running
	st.round++
	st.schedule = sched
	st.bids = nil
	st.winner = nil

	e.logger.Info("auction started",
		slog.String("order_id", string(id)),
		slog.Int("round", st.round),
		slog.Time("ends_at", sched.End()),
		slog.Uint64("start_price", sched.StartPrice),
		slog.Uint64("end_price", sched.EndPrice),
	)
	return st.round, nil
}

// SubmitBid validates bid against the order and the current price and
// appends it. The returned bid carries its assigned round and sequence.
func (e *Engine) SubmitBid(o domain.Order, bid domain.Bid, now time.Time) (domain.Bid, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.auctions[o.ID]
	if !ok || st.status != Running {
		return domain.Bid{}, fmt.Errorf("auction: bid on %s: %w", o.ID, domain.ErrNotAuctioning)
	}
	if o.State != domain.OrderAuctioning && o.State != domain.OrderPartiallyFilled {
		return domain.Bid{}, fmt.Errorf("auction: bid on %s in state %s: %w", o.ID, o.State, domain.ErrNotAuctioning)
	}
	if now.After(st.schedule.End()) {
		return domain.Bid{}, fmt.Errorf("auction: bid on %s: %w", o.ID, domain.ErrAuctionClosed)
	}
	if bid.ResolverID == "" || bid.InputAmount.IsZero() || bid.OutputAmount.IsZero() {
		return domain.Bid{}, fmt.Errorf("auction: bid on %s: %w", o.ID, domain.ErrInvalidBid)
	}
	if st.excluded[bid.ResolverID] {
		return domain.Bid{}, fmt.Errorf("auction: resolver %s excluded from %s: %w", bid.ResolverID, o.ID, domain.ErrUnauthorized)
	}
	if bid.InputAmount.Cmp(o.RemainingAmount) > 0 {
		return domain.Bid{}, fmt.Errorf("auction: bid on %s: %w", o.ID, domain.ErrFillExceedsRemaining)
	}
	if bid.InputAmount.Cmp(o.RemainingAmount) != 0 {
		if !o.AllowPartialFill {
			return domain.Bid{}, fmt.Errorf("auction: bid on %s must take the full amount: %w", o.ID, domain.ErrPartialFillDisabled)
		}
		if bid.InputAmount.Cmp(o.MinPartialFill) < 0 {
			return domain.Bid{}, fmt.Errorf("auction: bid on %s: %w", o.ID, domain.ErrFillTooSmall)
		}
	}

	price := CurrentPrice(st.schedule, now)
	if !MeetsFloor(o, bid.InputAmount, bid.OutputAmount, price) {
		return domain.Bid{}, fmt.Errorf("auction: bid on %s at price %d: %w", o.ID, price, domain.ErrBidBelowFloor)
	}

	if bid.SubmittedAt.IsZero() {
		bid.SubmittedAt = now
	}
	bid.OrderID = o.ID
	bid.Round = st.round
	bid.Seq = st.nextSeq
	bid.Active = true
	st.nextSeq++
	st.bids = append(st.bids, bid)
	return bid, nil
}

// Resolve freezes the bid list and selects the winner. With no active bids the
// round ends as Expired and ErrNoBids is returned. Resolving an already
// resolved round returns the same winner.
func (e *Engine) Resolve(id domain.OrderID) (domain.Bid, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.auctions[id]
	if !ok {
		return domain.Bid{}, fmt.Errorf("auction: resolve %s: %w", id, domain.ErrNotAuctioning)
	}
	switch st.status {
	case Resolved:
		return *st.winner, nil
	case Running:
	default:
		return domain.Bid{}, fmt.Errorf("auction: resolve %s in status %s: %w", id, st.status, domain.ErrNotAuctioning)
	}

	best, found := bestOf(st.bids)
	if !found {
		st.status = Expired
		return domain.Bid{}, fmt.Errorf("auction: resolve %s: %w", id, domain.ErrNoBids)
	}
	st.status = Resolved
	st.winner = &best
	return best, nil
}

// BestBid returns the currently winning bid without resolving.
func (e *Engine) BestBid(id domain.OrderID) (domain.Bid, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.auctions[id]
	if !ok {
		return domain.Bid{}, fmt.Errorf("auction: best bid %s: %w", id, domain.ErrNoBids)
	}
	if st.status == Resolved && st.winner != nil {
		return *st.winner, nil
	}
	best, found := bestOf(st.bids)
	if !found {
		return domain.Bid{}, fmt.Errorf("auction: best bid %s: %w", id, domain.ErrNoBids)
	}
	return best, nil
}

func bestOf(bids []domain.Bid) (domain.Bid, bool) {
	var best domain.Bid
	found := false
	for _, b := range bids {
		if !b.Active {
			continue
		}
		if !found || better(b, best) {
			best = b
			found = true
		}
	}
	return best, found
}

// Reopen starts a new round after the selected resolver failed to lock the
// destination leg. That resolver is excluded from further rounds.
func (e *Engine) Reopen(id domain.OrderID, sched Schedule, failedResolver string) (int, error) {
	e.mu.Lock()
	st, ok := e.auctions[id]
	if !ok || st.status != Resolved {
		e.mu.Unlock()
		return 0, fmt.Errorf("auction: reopen %s: %w", id, domain.ErrInvalidTransition)
	}
	if failedResolver != "" {
		st.excluded[failedResolver] = true
	}
	st.status = Expired
	e.mu.Unlock()

	return e.Start(id, sched)
}

// Expire closes the current round. A running round ends without a winner; a
// resolved one can no longer be reopened.
func (e *Engine) Expire(id domain.OrderID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.auctions[id]; ok && (st.status == Running || st.status == Resolved) {
		st.status = Expired
	}
}

// Status returns the auction status and round of the order.
func (e *Engine) Status(id domain.OrderID) (Status, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.auctions[id]
	if !ok {
		return NotStarted, 0
	}
	return st.status, st.round
}

// Schedule returns the schedule of the current round.
func (e *Engine) Schedule(id domain.OrderID) (Schedule, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.auctions[id]
	if !ok || st.status == NotStarted {
		return Schedule{}, false
	}
	return st.schedule, true
}

// View summarizes the auction for API responses.
func (e *Engine) View(id domain.OrderID, now time.Time) (domain.AuctionView, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.auctions[id]
	if !ok || st.status == NotStarted {
		return domain.AuctionView{}, false
	}
	return domain.AuctionView{
		Status:       string(st.status),
		Round:        st.round,
		StartsAt:     st.schedule.Start,
		EndsAt:       st.schedule.End(),
		StartPrice:   st.schedule.StartPrice,
		EndPrice:     st.schedule.EndPrice,
		CurrentPrice: CurrentPrice(st.schedule, now),
		Bids:         len(st.bids),
	}, true
}

// Restore rebuilds an order's auction from persisted data. Bids from older
// rounds only contribute their exclusions.
func (e *Engine) Restore(id domain.OrderID, sched Schedule, status Status, round int, bids []domain.Bid, excluded []string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := &state{
		status:   status,
		round:    round,
		schedule: sched,
		excluded: make(map[string]bool),
	}
	for _, r := range excluded {
		st.excluded[r] = true
	}
	for _, b := range bids {
		if b.Round != round {
			continue
		}
		st.bids = append(st.bids, b)
		if b.Seq >= st.nextSeq {
			st.nextSeq = b.Seq + 1
		}
	}
	if status == Resolved {
		if best, found := bestOf(st.bids); found {
			st.winner = &best
		} else {
			st.status = Expired
		}
	}
	e.auctions[id] = st
}

// Forget drops all auction state for the order.
func (e *Engine) Forget(id domain.OrderID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.auctions, id)
}
