// Package registry is the authoritative in-memory view of orders and their
// HTLC legs. It enforces the order and leg state machines; it never talks to
// a chain.
package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/swaprelay/internal/domain"
)

// Config bounds the timelocks accepted at order creation. Zero disables a
// bound.
type Config struct {
	MinTimelock time.Duration
	MaxTimelock time.Duration
}

// Registry holds live orders, their legs and every hashlock ever seen.
type Registry struct {
	mu       sync.RWMutex
	cfg      Config
	orders   map[domain.OrderID]*domain.Order
	legs     map[string]*domain.Leg
	legIndex map[domain.OrderID][]string
	used     map[domain.Hash]domain.OrderID
	revealed map[domain.Hash]domain.Secret
	logger   *slog.Logger
}

// New creates an empty Registry.
func New(cfg Config, logger *slog.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		orders:   make(map[domain.OrderID]*domain.Order),
		legs:     make(map[string]*domain.Leg),
		legIndex: make(map[domain.OrderID][]string),
		used:     make(map[domain.Hash]domain.OrderID),
		revealed: make(map[domain.Hash]domain.Secret),
		logger:   logger.With(slog.String("component", "registry")),
	}
}

// ValidateParams checks the caller-supplied order fields.
func (r *Registry) ValidateParams(p domain.OrderParams, now time.Time) error {
	switch {
	case p.Maker == "" || p.DestinationAddress == "":
		return fmt.Errorf("registry: %w: maker and destination address are required", domain.ErrInvalidOrder)
	case p.SourceChain == "" || p.DestinationChain == "":
		return fmt.Errorf("registry: %w: both chains are required", domain.ErrInvalidOrder)
	case p.SourceChain == p.DestinationChain:
		return fmt.Errorf("registry: %w: source and destination chain are the same", domain.ErrInvalidOrder)
	case p.MakerAsset == "" || p.TakerAsset == "":
		return fmt.Errorf("registry: %w: both assets are required", domain.ErrInvalidOrder)
	case p.MakerAmount.IsZero():
		return fmt.Errorf("registry: maker_amount: %w", domain.ErrInvalidAmount)
	case p.TakerAmount.IsZero():
		return fmt.Errorf("registry: taker_amount: %w", domain.ErrInvalidAmount)
	case !p.Deadline.After(now):
		return fmt.Errorf("registry: %w", domain.ErrInvalidDeadline)
	case !p.Timelock.After(p.Deadline):
		return fmt.Errorf("registry: %w: timelock must be after deadline", domain.ErrInvalidTimelock)
	case p.Hashlock.IsZero():
		return fmt.Errorf("registry: %w", domain.ErrMalformedHashlock)
	}

	window := p.Timelock.Sub(now)
	if r.cfg.MinTimelock > 0 && window < r.cfg.MinTimelock {
		return fmt.Errorf("registry: %w: %s is shorter than %s", domain.ErrInvalidTimelock, window, r.cfg.MinTimelock)
	}
	if r.cfg.MaxTimelock > 0 && window > r.cfg.MaxTimelock {
		return fmt.Errorf("registry: %w: %s is longer than %s", domain.ErrInvalidTimelock, window, r.cfg.MaxTimelock)
	}

	if p.AllowPartialFill {
		if p.MinPartialFill.IsZero() || p.MinPartialFill.Cmp(p.MakerAmount) > 0 {
			return fmt.Errorf("registry: min_partial_fill %s: %w", p.MinPartialFill, domain.ErrInvalidAmount)
		}
	}
	return nil
}

// CreateOrder validates and registers a new order under id. The returned
// order is Open, in phase Created, with remaining_amount = maker_amount.
func (r *Registry) CreateOrder(id domain.OrderID, p domain.OrderParams, now time.Time) (domain.Order, error) {
	if err := r.ValidateParams(p, now); err != nil {
		return domain.Order{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.orders[id]; ok {
		return domain.Order{}, fmt.Errorf("registry: order %s: %w", id, domain.ErrAlreadyExists)
	}
	if owner, ok := r.used[p.Hashlock]; ok {
		return domain.Order{}, fmt.Errorf("registry: hashlock %s used by %s: %w", p.Hashlock, owner, domain.ErrPreimageUsed)
	}
	if _, ok := r.revealed[p.Hashlock]; ok {
		return domain.Order{}, fmt.Errorf("registry: hashlock %s already revealed: %w", p.Hashlock, domain.ErrPreimageUsed)
	}

	o := domain.Order{
		ID:                 id,
		Maker:              p.Maker,
		SourceChain:        p.SourceChain,
		DestinationChain:   p.DestinationChain,
		MakerAsset:         p.MakerAsset,
		TakerAsset:         p.TakerAsset,
		MakerAmount:        p.MakerAmount,
		TakerAmount:        p.TakerAmount,
		Deadline:           p.Deadline,
		DestinationAddress: p.DestinationAddress,
		AllowPartialFill:   p.AllowPartialFill,
		Hashlock:           p.Hashlock,
		Timelock:           p.Timelock,
		ExtRef:             p.ExtRef,
		State:              domain.OrderOpen,
		Phase:              domain.PhaseCreated,
		RemainingAmount:    p.MakerAmount,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if p.AllowPartialFill {
		o.MinPartialFill = p.MinPartialFill
	}
	if p.Salt != nil {
		o.Salt = *p.Salt
	}

	r.orders[id] = &o
	r.used[p.Hashlock] = id
	r.logger.Info("order registered",
		slog.String("order_id", string(id)),
		slog.String("maker_amount", o.MakerAmount.String()),
		slog.Bool("partial", o.AllowPartialFill),
	)
	return o, nil
}

// Discard removes an order that never got its maker escrow locked.
func (r *Registry) Discard(id domain.OrderID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.legIndex[id]) > 0 {
		return
	}
	if o, ok := r.orders[id]; ok {
		delete(r.used, o.Hashlock)
		delete(r.orders, id)
	}
}

// Order returns a copy of the order.
func (r *Registry) Order(id domain.OrderID) (domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[id]
	if !ok {
		return domain.Order{}, fmt.Errorf("registry: order %s: %w", id, domain.ErrNotFound)
	}
	return *o, nil
}

// Orders returns copies of every live order sorted by creation time.
func (r *Registry) Orders() []domain.Order {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Order, 0, len(r.orders))
	for _, o := range r.orders {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// UpdateOrder stores next as the new version of an order. The state change
// must be allowed and remaining_amount may only shrink.
func (r *Registry) UpdateOrder(next domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.orders[next.ID]
	if !ok {
		return fmt.Errorf("registry: update %s: %w", next.ID, domain.ErrNotFound)
	}
	if !CanTransition(cur.State, next.State) {
		return fmt.Errorf("registry: %s %s -> %s: %w", next.ID, cur.State, next.State, domain.ErrInvalidTransition)
	}
	if next.RemainingAmount.Cmp(cur.RemainingAmount) > 0 {
		return fmt.Errorf("registry: %s remaining grew from %s to %s: %w",
			next.ID, cur.RemainingAmount, next.RemainingAmount, domain.ErrInvalidTransition)
	}
	if next.Hashlock != cur.Hashlock || next.MakerAmount.Cmp(cur.MakerAmount) != 0 {
		return fmt.Errorf("registry: %s immutable field changed: %w", next.ID, domain.ErrInvalidTransition)
	}
	*cur = next
	return nil
}

// Transition moves the order to state.
func (r *Registry) Transition(id domain.OrderID, to domain.OrderState, now time.Time) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[id]
	if !ok {
		return domain.Order{}, fmt.Errorf("registry: transition %s: %w", id, domain.ErrNotFound)
	}
	if !CanTransition(o.State, to) {
		return *o, fmt.Errorf("registry: %s %s -> %s: %w", id, o.State, to, domain.ErrInvalidTransition)
	}
	o.State = to
	o.UpdatedAt = now
	return *o, nil
}

// SetPhase records the coordinator phase of the order.
func (r *Registry) SetPhase(id domain.OrderID, phase domain.SwapPhase, now time.Time) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[id]
	if !ok {
		return domain.Order{}, fmt.Errorf("registry: phase %s: %w", id, domain.ErrNotFound)
	}
	o.Phase = phase
	o.UpdatedAt = now
	return *o, nil
}

// CheckCancel reports whether caller may cancel the order now.
func (r *Registry) CheckCancel(id domain.OrderID, caller string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.checkCancel(id, caller)
}

func (r *Registry) checkCancel(id domain.OrderID, caller string) error {
	o, ok := r.orders[id]
	if !ok {
		return fmt.Errorf("registry: cancel %s: %w", id, domain.ErrNotFound)
	}
	if caller != o.Maker {
		return fmt.Errorf("registry: cancel %s by %s: %w", id, caller, domain.ErrUnauthorized)
	}
	if o.State != domain.OrderOpen && o.State != domain.OrderAuctioning {
		return fmt.Errorf("registry: cancel %s in state %s: %w", id, o.State, domain.ErrNotCancellable)
	}
	if o.RemainingAmount.Cmp(o.MakerAmount) != 0 {
		return fmt.Errorf("registry: cancel %s after fills: %w", id, domain.ErrNotCancellable)
	}
	for _, legID := range r.legIndex[id] {
		if l := r.legs[legID]; l.FillSeq != domain.MakerEscrowSeq {
			return fmt.Errorf("registry: cancel %s with leg %s locked: %w", id, legID, domain.ErrNotCancellable)
		}
	}
	return nil
}

// Cancel marks the order cancelled and its maker escrow returned.
func (r *Registry) Cancel(id domain.OrderID, caller string, now time.Time) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkCancel(id, caller); err != nil {
		return domain.Order{}, err
	}
	o := r.orders[id]
	o.State = domain.OrderCancelled
	o.Phase = domain.PhaseRefunded
	o.UpdatedAt = now
	if l, ok := r.legs[domain.LegID(id, domain.SideSource, domain.MakerEscrowSeq)]; ok && !l.Settled() {
		l.Refunded = true
		l.SettledAt = &now
	}
	return *o, nil
}

// Expire moves a non-terminal order to Expired once its deadline has passed.
// It reports whether the order changed.
func (r *Registry) Expire(id domain.OrderID, now time.Time) (domain.Order, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[id]
	if !ok {
		return domain.Order{}, false, fmt.Errorf("registry: expire %s: %w", id, domain.ErrNotFound)
	}
	if o.State.Terminal() || !now.After(o.Deadline) {
		return *o, false, nil
	}
	o.State = domain.OrderExpired
	o.UpdatedAt = now
	return *o, true, nil
}

var transitions = map[domain.OrderState][]domain.OrderState{
	domain.OrderOpen: {
		domain.OrderAuctioning, domain.OrderPartiallyFilled, domain.OrderFilled,
		domain.OrderCancelled, domain.OrderExpired,
	},
	domain.OrderAuctioning: {
		domain.OrderOpen, domain.OrderPartiallyFilled, domain.OrderFilled,
		domain.OrderCancelled, domain.OrderExpired,
	},
	domain.OrderPartiallyFilled: {
		domain.OrderFilled, domain.OrderExpired,
	},
}

// CanTransition reports whether an order may move from one state to another.
// Staying in the same state is always allowed.
func CanTransition(from, to domain.OrderState) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
