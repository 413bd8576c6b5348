package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/swaprelay/internal/crypto"
	"github.com/alanyoungcy/swaprelay/internal/domain"
)

// CreateOrder registers the order and locks the maker's funds in an escrow
// on the source chain. The order exists only once that escrow is confirmed.
func (c *Coordinator) CreateOrder(ctx context.Context, p domain.OrderParams) (domain.OrderID, error) {
	if _, err := c.adapter(p.SourceChain); err != nil {
		return "", err
	}
	if _, err := c.adapter(p.DestinationChain); err != nil {
		return "", err
	}
	now, err := c.chainNow(ctx, p.SourceChain)
	if err != nil {
		return "", err
	}
	if p.Salt == nil {
		salt, err := crypto.NewSalt()
		if err != nil {
			return "", fmt.Errorf("coordinator: %w", err)
		}
		p.Salt = &salt
	}
	id := crypto.OrderID(p, *p.Salt)

	err = c.withOrder(ctx, id, func(ctx context.Context) error {
		o, err := c.registry.CreateOrder(id, p, now)
		if err != nil {
			return err
		}

		rcpt, err := c.execute(ctx, o.SourceChain, domain.Tx{
			Kind:     domain.TxLock,
			Sender:   o.Maker,
			Receiver: c.cfg.RelayerID,
			Asset:    o.MakerAsset,
			Amount:   o.MakerAmount,
			Hashlock: o.Hashlock,
			Timelock: o.Timelock,
			Ref:      string(id),
		})
		if err != nil {
			c.registry.Discard(id)
			return fmt.Errorf("coordinator: lock maker escrow for %s: %w", id, err)
		}

		leg, err := c.registry.RecordLeg(domain.Leg{
			OrderID:      id,
			Side:         domain.SideSource,
			FillSeq:      domain.MakerEscrowSeq,
			ChainID:      o.SourceChain,
			EscrowID:     rcpt.EscrowID,
			Sender:       o.Maker,
			Receiver:     c.cfg.RelayerID,
			Asset:        o.MakerAsset,
			LockedAmount: o.MakerAmount,
			Hashlock:     o.Hashlock,
			Timelock:     o.Timelock,
			LockTx:       rcpt.TxHash,
			CreatedAt:    now,
		})
		if err != nil {
			return err
		}

		o = c.syncOrder(ctx, id)
		c.saveLeg(ctx, leg)
		c.record(ctx, id, domain.EvOrderCreated, o)
		c.record(ctx, id, domain.EvLegRecorded, leg)

		c.sched.add(deadline{At: o.Deadline, Chain: o.SourceChain, Kind: dlOrderDeadline, Order: id})
		c.scheduleTimelock(leg)

		ordersCreated.Inc()
		c.refreshActive()
		c.logger.InfoContext(ctx, "order created",
			slog.String("order_id", string(id)),
			slog.String("source_chain", string(o.SourceChain)),
			slog.String("destination_chain", string(o.DestinationChain)),
			slog.String("escrow_id", leg.EscrowID),
		)
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (c *Coordinator) scheduleTimelock(l domain.Leg) {
	c.sched.add(deadline{
		At:    l.Timelock.Add(c.cfg.RefundGrace),
		Chain: l.ChainID,
		Kind:  dlTimelock,
		Order: l.OrderID,
		LegID: l.ID,
	})
}

// GetOrder returns everything known about an order. Orders no longer held in
// memory are read from the store and then from the archive.
func (c *Coordinator) GetOrder(ctx context.Context, id domain.OrderID) (domain.OrderView, error) {
	o, err := c.registry.Order(id)
	if err == nil {
		return c.view(ctx, o), nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.OrderView{}, err
	}

	if stored, err := c.store.GetOrder(ctx, id); err == nil {
		v := domain.OrderView{Order: stored}
		if v.Legs, err = c.store.ListLegs(ctx, id); err != nil {
			return domain.OrderView{}, fmt.Errorf("coordinator: legs of %s: %w", id, err)
		}
		if v.Fills, err = c.store.ListFills(ctx, id); err != nil {
			return domain.OrderView{}, fmt.Errorf("coordinator: fills of %s: %w", id, err)
		}
		return v, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.OrderView{}, fmt.Errorf("coordinator: order %s: %w", id, err)
	}

	if c.archive != nil {
		return c.archive.LoadArchived(ctx, id)
	}
	return domain.OrderView{}, fmt.Errorf("coordinator: order %s: %w", id, domain.ErrNotFound)
}

func (c *Coordinator) view(ctx context.Context, o domain.Order) domain.OrderView {
	v := domain.OrderView{
		Order: o,
		Legs:  c.registry.Legs(o.ID),
		Fills: c.ledger.Fills(o.ID),
	}
	now, err := c.chainNow(ctx, o.SourceChain)
	if err != nil {
		now = time.Now()
	}
	if av, ok := c.engine.View(o.ID, now); ok {
		v.Auction = &av
	}
	if best, err := c.engine.BestBid(o.ID); err == nil {
		v.BestBid = &best
	}
	return v
}

// Orders lists the orders held in memory.
func (c *Coordinator) Orders() []domain.Order {
	return c.registry.Orders()
}

// Cancel returns the maker's escrow before any part of the order has been
// committed. Only the maker may cancel.
func (c *Coordinator) Cancel(ctx context.Context, id domain.OrderID, caller string) (domain.Order, error) {
	var out domain.Order
	err := c.withOrder(ctx, id, func(ctx context.Context) error {
		if err := c.registry.CheckCancel(id, caller); err != nil {
			return err
		}
		if c.busy(id) {
			return fmt.Errorf("coordinator: cancel %s: %w", id, domain.ErrNotCancellable)
		}
		o, err := c.registry.Order(id)
		if err != nil {
			return err
		}
		now, err := c.chainNow(ctx, o.SourceChain)
		if err != nil {
			return err
		}

		legID := domain.LegID(id, domain.SideSource, domain.MakerEscrowSeq)
		rcpt, err := c.settle(ctx, o.SourceChain, domain.Tx{
			Kind:     domain.TxCancel,
			EscrowID: o.SourceEscrowID,
			Sender:   caller,
			Ref:      legID,
		})
		if err != nil {
			return fmt.Errorf("coordinator: cancel %s: %w", id, err)
		}

		if out, err = c.registry.Cancel(id, caller, now); err != nil {
			return err
		}
		c.registry.SetSettleTx(legID, rcpt.TxHash)
		c.engine.Expire(id)
		c.saveOrder(ctx, out)
		if leg, err := c.registry.Leg(legID); err == nil {
			c.saveLeg(ctx, leg)
		}
		c.record(ctx, id, domain.EvOrderCancelled, map[string]string{"caller": caller, "tx_hash": rcpt.TxHash})
		legsSettled.WithLabelValues(string(domain.SideSource), "cancelled").Inc()
		c.logger.InfoContext(ctx, "order cancelled", slog.String("order_id", string(id)), slog.String("tx_hash", rcpt.TxHash))
		return nil
	})
	return out, err
}

// onOrderDeadline closes an order whose deadline passed. It waits while a
// selected resolver may still lock its leg.
func (c *Coordinator) onOrderDeadline(ctx context.Context, d deadline) error {
	return c.withOrder(ctx, d.Order, func(ctx context.Context) error {
		if _, ok := c.selectionOf(d.Order); ok {
			d.At = d.At.Add(c.cfg.SweepInterval)
			c.sched.add(d)
			return nil
		}
		o, err := c.registry.Order(d.Order)
		if err != nil {
			return nil
		}
		now, err := c.chainNow(ctx, o.SourceChain)
		if err != nil {
			return err
		}
		o, changed, err := c.registry.Expire(d.Order, now)
		if err != nil || !changed {
			return err
		}
		c.engine.Expire(d.Order)
		c.saveOrder(ctx, o)
		c.record(ctx, d.Order, domain.EvOrderExpired, map[string]string{"remaining": o.RemainingAmount.String()})
		filled, ferr := o.FilledAmount()
		switch {
		case ferr != nil:
			c.fatal(ctx, o, ferr)
		case filled.IsZero():
			c.setPhase(ctx, d.Order, domain.PhaseRefundPending, now)
		}
		c.logger.InfoContext(ctx, "order expired",
			slog.String("order_id", string(d.Order)),
			slog.String("remaining", o.RemainingAmount.String()),
		)
		return nil
	})
}

// ArchiveSettled moves finished orders to cold storage and evicts them from
// memory. Their hashlocks stay reserved.
func (c *Coordinator) ArchiveSettled(ctx context.Context, before time.Time) ([]domain.OrderID, error) {
	if c.archive == nil {
		return nil, nil
	}
	ids, err := c.archive.ArchiveSettled(ctx, before)
	if err != nil {
		return ids, fmt.Errorf("coordinator: archive: %w", err)
	}
	for _, id := range ids {
		c.evict(id)
	}
	if len(ids) > 0 {
		c.refreshActive()
		c.logger.InfoContext(ctx, "orders archived", slog.Int("count", len(ids)))
	}
	return ids, nil
}

func (c *Coordinator) evict(id domain.OrderID) {
	c.registry.Evict(id)
	c.ledger.Forget(id)
	c.engine.Forget(id)
	c.sched.drop(id)
	c.setSelection(id, nil)
	c.mu.Lock()
	delete(c.bidCounts, id)
	c.mu.Unlock()
}
