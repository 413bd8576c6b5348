package coordinator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/swaprelay/internal/domain"
)

// HandleEvent applies one observed HTLC event. Events about escrows the
// coordinator does not track are ignored. Applying the same event twice has
// no further effect.
func (c *Coordinator) HandleEvent(ctx context.Context, ev domain.ChainEvent) error {
	switch ev.Kind {
	case domain.EventLocked:
		return c.onLocked(ctx, ev)
	case domain.EventClaimed:
		return c.onClaimed(ctx, ev)
	case domain.EventRefunded:
		return c.onRefunded(ctx, ev)
	}
	return nil
}

// onLocked picks up a resolver's destination lock without waiting for them
// to report it.
func (c *Coordinator) onLocked(ctx context.Context, ev domain.ChainEvent) error {
	if _, known := c.registry.LegByEscrow(ev.Chain, ev.EscrowID); known {
		return nil
	}
	o, ok := c.registry.ByHashlock(ev.Hashlock)
	if !ok || o.DestinationChain != ev.Chain {
		return nil
	}
	seq, ok := c.matchLock(o, ev)
	if !ok {
		c.logger.DebugContext(ctx, "unmatched destination lock",
			slog.String("order_id", string(o.ID)),
			slog.String("escrow_id", ev.EscrowID),
			slog.String("sender", ev.Sender),
		)
		return nil
	}
	_, err := c.ConfirmDestinationLeg(ctx, o.ID, seq, ev.EscrowID)
	return err
}

// matchLock finds the fill a destination lock belongs to: the pending
// auction winner, or a direct fill still waiting for its leg. Resolvers are
// identified by the address they lock from.
func (c *Coordinator) matchLock(o domain.Order, ev domain.ChainEvent) (int, bool) {
	if sel, ok := c.selectionOf(o.ID); ok {
		if sel.Bid.ResolverID == ev.Sender && ev.Amount.Cmp(sel.Bid.OutputAmount) >= 0 {
			return sel.Seq, true
		}
	}
	for _, f := range c.ledger.Fills(o.ID) {
		if f.Status != domain.FillPendingDestination || f.ResolverID != ev.Sender {
			continue
		}
		if ev.Amount.Cmp(f.CounterAmount) >= 0 {
			return f.Seq, true
		}
	}
	return 0, false
}

// onClaimed learns the secret from a withdrawal on either chain and uses it
// to claim every counter-leg.
func (c *Coordinator) onClaimed(ctx context.Context, ev domain.ChainEvent) error {
	leg, ok := c.registry.LegByEscrow(ev.Chain, ev.EscrowID)
	if !ok {
		return nil
	}
	if ev.Secret == nil {
		return fmt.Errorf("coordinator: claim of %s carries no preimage: %w", ev.EscrowID, domain.ErrInvalidSecret)
	}
	secret := *ev.Secret

	return c.withOrder(ctx, leg.OrderID, func(ctx context.Context) error {
		now, err := c.chainNow(ctx, ev.Chain)
		if err != nil {
			return err
		}
		_, known := c.registry.Revealed(leg.Hashlock)
		_, changed, err := c.registry.ObserveWithdrawn(leg.ID, secret, now)
		if err != nil {
			return err
		}
		if changed {
			c.withdrawn(ctx, leg.ID, ev.TxHash)
		}
		if !known {
			c.revealed(ctx, leg.OrderID, secret, "chain", now)
		}
		if err := c.propagate(ctx, leg.OrderID); err != nil {
			c.logger.WarnContext(ctx, "propagation incomplete, will retry",
				slog.String("order_id", string(leg.OrderID)),
				slog.String("error", err.Error()),
			)
			o, oerr := c.registry.Order(leg.OrderID)
			if oerr == nil {
				c.sched.add(deadline{Chain: o.SourceChain, Kind: dlPropagate, Order: leg.OrderID})
			}
		}
		return nil
	})
}

// onRefunded records refunds and cancels seen on chain, including ones
// submitted by someone else.
func (c *Coordinator) onRefunded(ctx context.Context, ev domain.ChainEvent) error {
	leg, ok := c.registry.LegByEscrow(ev.Chain, ev.EscrowID)
	if !ok {
		return nil
	}
	return c.withOrder(ctx, leg.OrderID, func(ctx context.Context) error {
		now, err := c.chainNow(ctx, ev.Chain)
		if err != nil {
			return err
		}
		_, changed, err := c.registry.ObserveRefunded(leg.ID, now)
		if err != nil || !changed {
			return err
		}
		c.refunded(ctx, leg.ID, ev.TxHash, ev.Sender, now)
		return nil
	})
}
