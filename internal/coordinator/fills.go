package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/swaprelay/internal/auction"
	"github.com/alanyoungcy/swaprelay/internal/domain"
	"github.com/alanyoungcy/swaprelay/internal/ledger"
)

// AcceptPartialFill commits part of an order to a resolver outside an
// auction. The resolver must lock the counter amount on the destination
// chain before the lock deadline.
func (c *Coordinator) AcceptPartialFill(ctx context.Context, id domain.OrderID, req domain.FillRequest) (domain.FillResult, error) {
	var res domain.FillResult
	err := c.withOrder(ctx, id, func(ctx context.Context) error {
		o, err := c.registry.Order(id)
		if err != nil {
			return err
		}
		if req.ResolverID == "" {
			return fmt.Errorf("coordinator: fill on %s without resolver: %w", id, domain.ErrInvalidBid)
		}
		if status, _ := c.engine.Status(id); status == auction.Running {
			return fmt.Errorf("coordinator: fill on %s: %w", id, domain.ErrAuctionActive)
		}
		if _, ok := c.selectionOf(id); ok {
			return fmt.Errorf("coordinator: fill on %s with a winner pending: %w", id, domain.ErrAuctionActive)
		}
		if _, ok := c.registry.Revealed(o.Hashlock); ok {
			return fmt.Errorf("coordinator: fill on %s after reveal: %w", id, domain.ErrOrderClosed)
		}
		now, err := c.chainNow(ctx, o.SourceChain)
		if err != nil {
			return err
		}
		if !now.Before(o.Deadline) {
			return fmt.Errorf("coordinator: fill on %s past deadline: %w", id, domain.ErrOrderClosed)
		}

		claim := req.ClaimAddress
		if claim == "" {
			claim = req.ResolverID
		}
		fill, next, err := c.ledger.AcceptFill(o, ledger.Request{
			ResolverID:   req.ResolverID,
			ClaimAddress: claim,
			Amount:       req.Amount,
			Counter:      req.CounterAmount,
		}, now)
		if err != nil {
			return err
		}
		if err := c.registry.UpdateOrder(next); err != nil {
			c.dropFill(ctx, fill)
			return err
		}
		if fill, err = c.ledger.SetLockBy(id, fill.Seq, now.Add(c.cfg.ResolverLockTimeout)); err != nil {
			return err
		}
		fillsTotal.Inc()

		c.saveOrder(ctx, next)
		c.saveFill(ctx, fill)
		c.setPhase(ctx, id, domain.PhaseBidSelected, now)
		c.record(ctx, id, domain.EvFillAccepted, fillEvent{Fill: fill})
		c.notifyResolver(ctx, domain.ResolverNotice{
			OrderID:          id,
			FillSeq:          fill.Seq,
			ResolverID:       fill.ResolverID,
			DestinationChain: o.DestinationChain,
			Receiver:         o.DestinationAddress,
			Asset:            o.TakerAsset,
			Amount:           fill.CounterAmount,
			Hashlock:         o.Hashlock,
			Timelock:         o.Timelock.Add(-c.cfg.SafetyMargin),
			LockBy:           fill.LockBy,
		})
		c.sched.add(deadline{At: fill.LockBy, Chain: o.SourceChain, Kind: dlLockBy, Order: id, Seq: fill.Seq})

		res = domain.FillResult{Fill: fill, RemainingAmount: next.RemainingAmount, State: next.State}
		c.logger.InfoContext(ctx, "partial fill accepted",
			slog.String("order_id", string(id)),
			slog.Int("fill_seq", fill.Seq),
			slog.String("amount", fill.Amount.String()),
			slog.String("remaining", next.RemainingAmount.String()),
		)
		return nil
	})
	return res, err
}

// ConfirmDestinationLeg verifies on chain that a resolver locked the
// destination leg of a fill and, once it checks out, carves the matching
// source escrow out of the maker's funds.
func (c *Coordinator) ConfirmDestinationLeg(ctx context.Context, id domain.OrderID, seq int, escrowID string) (domain.Leg, error) {
	var leg domain.Leg
	err := c.withOrder(ctx, id, func(ctx context.Context) error {
		var err error
		leg, err = c.confirmLeg(ctx, id, seq, escrowID)
		return err
	})
	return leg, err
}

func (c *Coordinator) confirmLeg(ctx context.Context, id domain.OrderID, seq int, escrowID string) (domain.Leg, error) {
	o, err := c.registry.Order(id)
	if err != nil {
		return domain.Leg{}, err
	}
	legID := domain.LegID(id, domain.SideDestination, seq)
	if existing, err := c.registry.Leg(legID); err == nil {
		if existing.EscrowID != escrowID {
			return existing, fmt.Errorf("coordinator: %s already locked in %s: %w", legID, existing.EscrowID, domain.ErrAlreadyExists)
		}
		return existing, nil
	}

	sel, fromAuction := c.selectionOf(id)
	var (
		minOut   domain.Amount
		resolver string
	)
	if fromAuction && sel.Seq == seq {
		minOut, resolver = sel.Bid.OutputAmount, sel.Bid.ResolverID
	} else {
		fromAuction = false
		f, err := c.ledger.Fill(id, seq)
		if err != nil {
			return domain.Leg{}, err
		}
		if f.Status != domain.FillPendingDestination {
			return domain.Leg{}, fmt.Errorf("coordinator: fill %s/%d is %s: %w", id, seq, f.Status, domain.ErrInvalidTransition)
		}
		minOut, resolver = f.CounterAmount, f.ResolverID
	}

	dst, err := c.adapter(o.DestinationChain)
	if err != nil {
		return domain.Leg{}, err
	}
	st, err := dst.ReadState(ctx, escrowID)
	if err != nil {
		return domain.Leg{}, fmt.Errorf("coordinator: read %s on %s: %w", escrowID, o.DestinationChain, err)
	}
	if err := c.checkDestination(o, st, minOut); err != nil {
		return domain.Leg{}, err
	}
	dnow, err := c.chainNow(ctx, o.DestinationChain)
	if err != nil {
		return domain.Leg{}, err
	}
	if !dnow.Before(st.Timelock) {
		return domain.Leg{}, fmt.Errorf("coordinator: %s expired at %s: %w", escrowID, st.Timelock.UTC().Format(time.RFC3339), domain.ErrAlreadyExpired)
	}
	now, err := c.chainNow(ctx, o.SourceChain)
	if err != nil {
		return domain.Leg{}, err
	}

	if fromAuction {
		if err := c.commitSelection(ctx, o, sel, now); err != nil {
			return domain.Leg{}, err
		}
	}

	leg, err := c.registry.RecordLeg(domain.Leg{
		OrderID:      id,
		Side:         domain.SideDestination,
		FillSeq:      seq,
		ChainID:      o.DestinationChain,
		EscrowID:     escrowID,
		Sender:       st.Sender,
		Receiver:     st.Receiver,
		Asset:        st.Asset,
		LockedAmount: st.Amount,
		Hashlock:     st.Hashlock,
		Timelock:     st.Timelock,
		CreatedAt:    dnow,
	})
	if err != nil {
		return domain.Leg{}, err
	}
	c.saveLeg(ctx, leg)
	c.record(ctx, id, domain.EvLegRecorded, leg)
	c.scheduleTimelock(leg)

	fill, err := c.ledger.SetStatus(id, seq, domain.FillDestinationLocked, now)
	if err != nil {
		return leg, err
	}
	c.saveFill(ctx, fill)
	c.setPhase(ctx, id, domain.PhaseDestinationLegLocked, now)
	c.logger.InfoContext(ctx, "destination leg locked",
		slog.String("order_id", string(id)),
		slog.String("leg_id", leg.ID),
		slog.String("resolver_id", resolver),
		slog.String("escrow_id", escrowID),
	)

	o = c.syncOrder(ctx, id)
	if _, err := c.split(ctx, o, fill); err != nil {
		// The destination leg is real, so the split is retried until the
		// secret is revealed or the order times out.
		c.logger.WarnContext(ctx, "source split failed, will retry",
			slog.String("order_id", string(id)),
			slog.Int("fill_seq", seq),
			slog.String("error", err.Error()),
		)
		c.sched.add(deadline{Chain: o.SourceChain, Kind: dlPropagate, Order: id})
	}
	return leg, nil
}

// checkDestination compares an on-chain escrow with what the order expects.
func (c *Coordinator) checkDestination(o domain.Order, st domain.EscrowState, minOut domain.Amount) error {
	switch {
	case st.Hashlock != o.Hashlock:
		return fmt.Errorf("coordinator: escrow %s: %w", st.EscrowID, domain.ErrHashlockMismatch)
	case st.Receiver != o.DestinationAddress:
		return fmt.Errorf("coordinator: escrow %s pays %s, want %s: %w", st.EscrowID, st.Receiver, o.DestinationAddress, domain.ErrDestinationMismatch)
	case st.Asset != o.TakerAsset:
		return fmt.Errorf("coordinator: escrow %s holds %s, want %s: %w", st.EscrowID, st.Asset, o.TakerAsset, domain.ErrDestinationMismatch)
	case st.Amount.Cmp(minOut) < 0:
		return fmt.Errorf("coordinator: escrow %s holds %s, want at least %s: %w", st.EscrowID, st.Amount, minOut, domain.ErrDestinationMismatch)
	case st.Withdrawn || st.Refunded:
		return fmt.Errorf("coordinator: escrow %s: %w", st.EscrowID, domain.ErrAlreadySettled)
	case st.Timelock.After(o.Timelock.Add(-c.cfg.SafetyMargin)):
		return fmt.Errorf("coordinator: escrow %s expires %s, too close to source %s: %w",
			st.EscrowID, st.Timelock.UTC().Format(time.RFC3339), o.Timelock.UTC().Format(time.RFC3339), domain.ErrTimelockOrder)
	}
	return nil
}

// commitSelection writes an auction winner into the ledger under its
// reserved sequence.
func (c *Coordinator) commitSelection(ctx context.Context, o domain.Order, sel *selection, now time.Time) error {
	out := sel.Bid.OutputAmount
	req := ledger.Request{
		ResolverID:   sel.Bid.ResolverID,
		ClaimAddress: sel.Bid.ClaimAddress,
		Amount:       sel.Bid.InputAmount,
		Counter:      &out,
		BidID:        sel.Bid.ID,
		Seq:          sel.Seq,
	}
	var (
		fill domain.Fill
		next domain.Order
		err  error
	)
	if o.AllowPartialFill {
		fill, next, err = c.ledger.AcceptFill(o, req, now)
	} else {
		fill, next, err = c.ledger.CommitFull(o, req, now)
	}
	if err != nil {
		return err
	}
	if err := c.registry.UpdateOrder(next); err != nil {
		c.dropFill(ctx, fill)
		return err
	}
	if fill, err = c.ledger.SetLockBy(o.ID, fill.Seq, sel.LockBy); err != nil {
		return err
	}
	c.setSelection(o.ID, nil)
	fillsTotal.Inc()
	c.saveOrder(ctx, next)
	c.saveFill(ctx, fill)
	c.record(ctx, o.ID, domain.EvFillAccepted, fillEvent{Fill: fill})
	return nil
}

// dropFill takes back a fill the order never recorded, so the ledger and
// remaining_amount stay in step.
func (c *Coordinator) dropFill(ctx context.Context, f domain.Fill) {
	if err := c.ledger.Drop(f.OrderID, f.Seq); err != nil {
		c.logger.ErrorContext(ctx, "fill rollback failed",
			slog.String("order_id", string(f.OrderID)),
			slog.Int("fill_seq", f.Seq),
			slog.String("error", err.Error()),
		)
	}
}

// split moves a fill's share of the maker escrow into its own escrow payable
// to the resolver. It is a no-op once the source leg exists.
func (c *Coordinator) split(ctx context.Context, o domain.Order, f domain.Fill) (domain.Leg, error) {
	legID := domain.LegID(o.ID, domain.SideSource, f.Seq)
	if l, err := c.registry.Leg(legID); err == nil {
		return l, nil
	}
	now, err := c.chainNow(ctx, o.SourceChain)
	if err != nil {
		return domain.Leg{}, err
	}

	rcpt, err := c.execute(ctx, o.SourceChain, domain.Tx{
		Kind:     domain.TxSplit,
		EscrowID: o.SourceEscrowID,
		Sender:   c.cfg.RelayerID,
		Receiver: f.ClaimAddress,
		Amount:   f.Amount,
		Ref:      legID,
	})
	if err != nil {
		return domain.Leg{}, err
	}

	leg, err := c.registry.RecordLeg(domain.Leg{
		OrderID:      o.ID,
		Side:         domain.SideSource,
		FillSeq:      f.Seq,
		ChainID:      o.SourceChain,
		EscrowID:     rcpt.EscrowID,
		Sender:       o.Maker,
		Receiver:     f.ClaimAddress,
		Asset:        o.MakerAsset,
		LockedAmount: f.Amount,
		Hashlock:     o.Hashlock,
		Timelock:     o.Timelock,
		LockTx:       rcpt.TxHash,
		CreatedAt:    now,
	})
	if err != nil {
		return domain.Leg{}, err
	}
	c.saveLeg(ctx, leg)
	parent, err := c.registry.Debit(domain.LegID(o.ID, domain.SideSource, domain.MakerEscrowSeq), f.Amount)
	switch {
	case err == nil:
		c.saveLeg(ctx, parent)
	case !errors.Is(err, domain.ErrAlreadySettled):
		return leg, err
	}
	c.record(ctx, o.ID, domain.EvLegRecorded, leg)
	c.scheduleTimelock(leg)
	return leg, nil
}

// unsplit lists live fills whose destination leg is locked but whose share
// of the maker escrow has not been moved into a source leg yet.
func (c *Coordinator) unsplit(id domain.OrderID) []domain.Fill {
	var out []domain.Fill
	for _, f := range c.ledger.Fills(id) {
		if f.Status == domain.FillFailed || f.Status == domain.FillRefunded {
			continue
		}
		if _, err := c.registry.Leg(domain.LegID(id, domain.SideDestination, f.Seq)); err != nil {
			continue
		}
		if _, err := c.registry.Leg(domain.LegID(id, domain.SideSource, f.Seq)); err != nil {
			out = append(out, f)
		}
	}
	return out
}

// restingPhase is the phase of an order with nothing in flight.
func (c *Coordinator) restingPhase(ctx context.Context, id domain.OrderID, now time.Time) {
	for _, l := range c.registry.Legs(id) {
		if l.Side == domain.SideDestination {
			c.setPhase(ctx, id, domain.PhaseDestinationLegLocked, now)
			return
		}
	}
	c.setPhase(ctx, id, domain.PhaseRefundPending, now)
}
