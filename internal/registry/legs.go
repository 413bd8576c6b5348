package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/alanyoungcy/swaprelay/internal/domain"
	"github.com/alanyoungcy/swaprelay/internal/hashlock"
)

// RecordLeg attaches a locked HTLC to its order. The hashlock must be the
// order's, and a destination leg must expire strictly before the source side.
func (r *Registry) RecordLeg(leg domain.Leg) (domain.Leg, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[leg.OrderID]
	if !ok {
		return domain.Leg{}, fmt.Errorf("registry: record leg %s: %w", leg.ID, domain.ErrNotFound)
	}
	if leg.Hashlock != o.Hashlock {
		return domain.Leg{}, fmt.Errorf("registry: record leg %s: %w", leg.ID, domain.ErrHashlockMismatch)
	}
	if leg.ID == "" {
		leg.ID = domain.LegID(leg.OrderID, leg.Side, leg.FillSeq)
	}
	if _, ok := r.legs[leg.ID]; ok {
		return domain.Leg{}, fmt.Errorf("registry: record leg %s: %w", leg.ID, domain.ErrAlreadyExists)
	}
	if leg.LockedAmount.IsZero() {
		return domain.Leg{}, fmt.Errorf("registry: record leg %s: %w", leg.ID, domain.ErrInvalidAmount)
	}

	switch leg.Side {
	case domain.SideDestination:
		if !leg.Timelock.Before(r.sourceTimelock(o)) {
			return domain.Leg{}, fmt.Errorf("registry: leg %s timelock %s not before source %s: %w",
				leg.ID, leg.Timelock.UTC().Format(time.RFC3339), r.sourceTimelock(o).UTC().Format(time.RFC3339), domain.ErrTimelockOrder)
		}
	case domain.SideSource:
		for _, id := range r.legIndex[o.ID] {
			if d := r.legs[id]; d.Side == domain.SideDestination && !d.Timelock.Before(leg.Timelock) {
				return domain.Leg{}, fmt.Errorf("registry: leg %s timelock not after destination %s: %w", leg.ID, d.ID, domain.ErrTimelockOrder)
			}
		}
	default:
		return domain.Leg{}, fmt.Errorf("registry: leg %s side %q: %w", leg.ID, leg.Side, domain.ErrInvalidOrder)
	}

	stored := leg
	r.legs[leg.ID] = &stored
	r.legIndex[o.ID] = append(r.legIndex[o.ID], leg.ID)
	if leg.Side == domain.SideSource && leg.FillSeq == domain.MakerEscrowSeq {
		o.SourceEscrowID = leg.EscrowID
	}

	r.logger.Info("leg recorded",
		slog.String("order_id", string(o.ID)),
		slog.String("leg_id", leg.ID),
		slog.String("chain", string(leg.ChainID)),
		slog.String("escrow_id", leg.EscrowID),
		slog.String("amount", leg.LockedAmount.String()),
	)
	return stored, nil
}

// sourceTimelock is the earliest source-side expiry known for the order.
func (r *Registry) sourceTimelock(o *domain.Order) time.Time {
	tl := o.Timelock
	for _, id := range r.legIndex[o.ID] {
		if l := r.legs[id]; l.Side == domain.SideSource && l.Timelock.Before(tl) {
			tl = l.Timelock
		}
	}
	return tl
}

// Debit moves amount out of a maker escrow when a fill escrow is split from
// it.
func (r *Registry) Debit(legID string, amount domain.Amount) (domain.Leg, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.legs[legID]
	if !ok {
		return domain.Leg{}, fmt.Errorf("registry: debit %s: %w", legID, domain.ErrNotFound)
	}
	if l.Settled() {
		return *l, fmt.Errorf("registry: debit %s: %w", legID, domain.ErrAlreadySettled)
	}
	left, err := l.LockedAmount.Sub(amount)
	if err != nil {
		return *l, fmt.Errorf("registry: debit %s: %w", legID, err)
	}
	l.LockedAmount = left
	return *l, nil
}

// SetSettleTx records the transaction that withdrew or refunded a leg.
func (r *Registry) SetSettleTx(legID, tx string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.legs[legID]; ok {
		l.SettleTx = tx
	}
}

// MarkWithdrawn releases a leg with secret. The secret becomes public and is
// returned so it can be propagated to the counter-leg.
func (r *Registry) MarkWithdrawn(legID string, secret domain.Secret, now time.Time) (domain.Leg, domain.Secret, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.legs[legID]
	if !ok {
		return domain.Leg{}, domain.Secret{}, fmt.Errorf("registry: withdraw %s: %w", legID, domain.ErrNotFound)
	}
	if l.Settled() {
		return *l, domain.Secret{}, fmt.Errorf("registry: withdraw %s: %w", legID, domain.ErrAlreadySettled)
	}
	if !hashlock.VerifySecret(secret, l.Hashlock) {
		return *l, domain.Secret{}, fmt.Errorf("registry: withdraw %s: %w", legID, domain.ErrInvalidSecret)
	}
	if !now.Before(l.Timelock) {
		return *l, domain.Secret{}, fmt.Errorf("registry: withdraw %s: %w", legID, domain.ErrAlreadyExpired)
	}

	l.Withdrawn = true
	l.SettledAt = &now
	r.revealed[l.Hashlock] = secret
	return *l, secret, nil
}

// MarkRefunded returns a leg to its sender. Anyone may trigger it once the
// leg's timelock has passed; caller is only logged.
func (r *Registry) MarkRefunded(legID, caller string, now time.Time) (domain.Leg, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.legs[legID]
	if !ok {
		return domain.Leg{}, fmt.Errorf("registry: refund %s: %w", legID, domain.ErrNotFound)
	}
	if l.Settled() || l.Drained() {
		return *l, fmt.Errorf("registry: refund %s: %w", legID, domain.ErrAlreadySettled)
	}
	if now.Before(l.Timelock) {
		return *l, fmt.Errorf("registry: refund %s before %s: %w", legID, l.Timelock.UTC().Format(time.RFC3339), domain.ErrNotYetExpired)
	}

	l.Refunded = true
	l.SettledAt = &now
	r.logger.Info("leg refunded",
		slog.String("leg_id", legID),
		slog.String("caller", caller),
		slog.String("amount", l.LockedAmount.String()),
	)
	return *l, nil
}

// ObserveWithdrawn records a withdrawal the chain already confirmed. Unlike
// MarkWithdrawn it does not second-guess the chain about the timelock.
func (r *Registry) ObserveWithdrawn(legID string, secret domain.Secret, at time.Time) (domain.Leg, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.legs[legID]
	if !ok {
		return domain.Leg{}, false, fmt.Errorf("registry: withdrawn %s: %w", legID, domain.ErrNotFound)
	}
	if !hashlock.VerifySecret(secret, l.Hashlock) {
		return *l, false, fmt.Errorf("registry: withdrawn %s: %w", legID, domain.ErrInvalidSecret)
	}
	r.revealed[l.Hashlock] = secret
	if l.Withdrawn {
		return *l, false, nil
	}
	l.Withdrawn = true
	l.SettledAt = &at
	return *l, true, nil
}

// ObserveRefunded records a refund or cancel the chain already confirmed.
func (r *Registry) ObserveRefunded(legID string, at time.Time) (domain.Leg, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.legs[legID]
	if !ok {
		return domain.Leg{}, false, fmt.Errorf("registry: refunded %s: %w", legID, domain.ErrNotFound)
	}
	if l.Settled() {
		return *l, false, nil
	}
	l.Refunded = true
	l.SettledAt = &at
	return *l, true, nil
}

// Leg returns a copy of one leg.
func (r *Registry) Leg(legID string) (domain.Leg, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.legs[legID]
	if !ok {
		return domain.Leg{}, fmt.Errorf("registry: leg %s: %w", legID, domain.ErrNotFound)
	}
	return *l, nil
}

// LegByEscrow finds a leg by its chain-local escrow id.
func (r *Registry) LegByEscrow(chain domain.ChainID, escrowID string) (domain.Leg, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, l := range r.legs {
		if l.ChainID == chain && l.EscrowID == escrowID {
			return *l, true
		}
	}
	return domain.Leg{}, false
}

// Legs returns the order's legs ordered by side and fill sequence.
func (r *Registry) Legs(id domain.OrderID) []domain.Leg {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Leg, 0, len(r.legIndex[id]))
	for _, legID := range r.legIndex[id] {
		out = append(out, *r.legs[legID])
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Side != out[j].Side {
			return out[i].Side == domain.SideSource
		}
		return out[i].FillSeq < out[j].FillSeq
	})
	return out
}

// ByHashlock returns the order committed to h, if any is live.
func (r *Registry) ByHashlock(h domain.Hash) (domain.Order, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.used[h]
	if !ok {
		return domain.Order{}, false
	}
	o, ok := r.orders[id]
	if !ok {
		return domain.Order{}, false
	}
	return *o, true
}

// Revealed returns the secret published for h, if any.
func (r *Registry) Revealed(h domain.Hash) (domain.Secret, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.revealed[h]
	return s, ok
}

// ObserveSecret records a secret seen on a chain. It is ignored unless it
// opens h.
func (r *Registry) ObserveSecret(h domain.Hash, secret domain.Secret) bool {
	if !hashlock.VerifySecret(secret, h) {
		return false
	}
	r.mu.Lock()
	r.revealed[h] = secret
	r.mu.Unlock()
	return true
}

// MarkUsed seeds the preimage registry with hashlocks from earlier runs.
func (r *Registry) MarkUsed(hashes []domain.Hash) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range hashes {
		if _, ok := r.used[h]; !ok {
			r.used[h] = ""
		}
	}
}

// Restore inserts a persisted order and its legs without re-validating.
func (r *Registry) Restore(o domain.Order, legs []domain.Leg) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := o
	r.orders[o.ID] = &stored
	r.used[o.Hashlock] = o.ID
	r.legIndex[o.ID] = nil
	for _, l := range legs {
		leg := l
		r.legs[l.ID] = &leg
		r.legIndex[o.ID] = append(r.legIndex[o.ID], l.ID)
	}
}

// Evict drops an order and its legs from memory. Its hashlock stays in the
// preimage registry.
func (r *Registry) Evict(id domain.OrderID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, legID := range r.legIndex[id] {
		delete(r.legs, legID)
	}
	delete(r.legIndex, id)
	delete(r.orders, id)
}
