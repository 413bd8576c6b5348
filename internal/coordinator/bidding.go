package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/swaprelay/internal/auction"
	"github.com/alanyoungcy/swaprelay/internal/domain"
)

// auctionSchedule fills unset params from the config and shortens the window
// so it never outlives the order deadline.
func (c *Coordinator) auctionSchedule(p domain.AuctionParams, now, deadline time.Time) (auction.Schedule, error) {
	s := auction.Schedule{
		Start:      now,
		Duration:   p.Duration,
		StartPrice: p.StartPrice,
		EndPrice:   p.EndPrice,
	}
	if s.Duration <= 0 {
		s.Duration = c.cfg.AuctionDuration
	}
	if s.StartPrice == 0 {
		s.StartPrice = c.cfg.StartPrice
	}
	if s.EndPrice == 0 {
		s.EndPrice = c.cfg.EndPrice
	}
	if left := deadline.Sub(now); s.Duration > left {
		s.Duration = left
	}
	if s.Duration <= 0 {
		return auction.Schedule{}, fmt.Errorf("coordinator: no time left before deadline: %w", domain.ErrOrderClosed)
	}
	return s, nil
}

// StartAuction opens a bidding round on an order that is open or partially
// filled.
func (c *Coordinator) StartAuction(ctx context.Context, id domain.OrderID, p domain.AuctionParams) (domain.AuctionView, error) {
	var view domain.AuctionView
	err := c.withOrder(ctx, id, func(ctx context.Context) error {
		o, err := c.registry.Order(id)
		if err != nil {
			return err
		}
		switch o.State {
		case domain.OrderOpen, domain.OrderPartiallyFilled:
		case domain.OrderAuctioning:
			return fmt.Errorf("coordinator: start auction %s: %w", id, domain.ErrAuctionActive)
		default:
			return fmt.Errorf("coordinator: start auction %s in state %s: %w", id, o.State, domain.ErrOrderClosed)
		}
		if status, _ := c.engine.Status(id); status == auction.Running {
			return fmt.Errorf("coordinator: start auction %s: %w", id, domain.ErrAuctionActive)
		}
		if c.busy(id) {
			return fmt.Errorf("coordinator: start auction %s: %w", id, domain.ErrFillPending)
		}
		if _, ok := c.registry.Revealed(o.Hashlock); ok {
			return fmt.Errorf("coordinator: start auction %s after reveal: %w", id, domain.ErrOrderClosed)
		}

		now, err := c.chainNow(ctx, o.SourceChain)
		if err != nil {
			return err
		}
		if !now.Before(o.Deadline) {
			return fmt.Errorf("coordinator: start auction %s past deadline: %w", id, domain.ErrOrderClosed)
		}
		sched, err := c.auctionSchedule(p, now, o.Deadline)
		if err != nil {
			return err
		}
		round, err := c.engine.Start(id, sched)
		if err != nil {
			return err
		}
		if err := c.openRound(ctx, o, sched, round, "", now); err != nil {
			return err
		}
		view, _ = c.engine.View(id, now)
		return nil
	})
	return view, err
}

// openRound moves the order into bidding once the engine has started a
// round.
func (c *Coordinator) openRound(ctx context.Context, o domain.Order, sched auction.Schedule, round int, excluded string, now time.Time) error {
	if o.State == domain.OrderOpen {
		if _, err := c.registry.Transition(o.ID, domain.OrderAuctioning, now); err != nil {
			c.engine.Expire(o.ID)
			return err
		}
	}
	c.syncOrder(ctx, o.ID)
	c.setPhase(ctx, o.ID, domain.PhaseBiddingOpen, now)

	typ := domain.EvAuctionStarted
	if excluded != "" {
		typ = domain.EvAuctionReopened
	}
	c.record(ctx, o.ID, typ, auctionStarted{Round: round, Schedule: sched, Excluded: excluded})
	c.sched.add(deadline{At: sched.End(), Chain: o.SourceChain, Kind: dlAuctionEnd, Order: o.ID, Round: round})

	c.logger.InfoContext(ctx, "bidding open",
		slog.String("order_id", string(o.ID)),
		slog.Int("round", round),
		slog.Time("ends_at", sched.End()),
	)
	return nil
}

// SubmitBid records a resolver's bid on a running auction.
func (c *Coordinator) SubmitBid(ctx context.Context, id domain.OrderID, bid domain.Bid) (domain.Bid, error) {
	accepted, err := c.submitBid(ctx, id, bid)
	if err != nil {
		bidsTotal.WithLabelValues(domain.CodeOf(err)).Inc()
		return domain.Bid{}, err
	}
	bidsTotal.WithLabelValues("accepted").Inc()
	return accepted, nil
}

func (c *Coordinator) submitBid(ctx context.Context, id domain.OrderID, bid domain.Bid) (domain.Bid, error) {
	if bid.ResolverID == "" {
		return domain.Bid{}, fmt.Errorf("coordinator: bid on %s without resolver: %w", id, domain.ErrInvalidBid)
	}
	if bid.ClaimAddress == "" {
		bid.ClaimAddress = bid.ResolverID
	}

	if c.limiter != nil && c.cfg.BidRateLimit > 0 {
		ok, err := c.limiter.Allow(ctx, "bid:"+bid.ResolverID, c.cfg.BidRateLimit, c.cfg.BidRateWindow)
		switch {
		case err != nil:
			c.logger.WarnContext(ctx, "bid rate limiter unavailable", slog.String("error", err.Error()))
		case !ok:
			return domain.Bid{}, fmt.Errorf("coordinator: resolver %s: %w", bid.ResolverID, domain.ErrRateLimited)
		}
	}

	var accepted domain.Bid
	err := c.withOrder(ctx, id, func(ctx context.Context) error {
		o, err := c.registry.Order(id)
		if err != nil {
			return err
		}
		if _, ok := c.registry.Revealed(o.Hashlock); ok {
			return fmt.Errorf("coordinator: bid on %s after reveal: %w", id, domain.ErrOrderClosed)
		}
		now, err := c.chainNow(ctx, o.SourceChain)
		if err != nil {
			return err
		}
		if !now.Before(o.Deadline) {
			return fmt.Errorf("coordinator: bid on %s past deadline: %w", id, domain.ErrOrderClosed)
		}

		c.mu.Lock()
		count := c.bidCounts[id]
		c.mu.Unlock()
		if c.cfg.MaxBidsPerOrder > 0 && count >= c.cfg.MaxBidsPerOrder {
			return fmt.Errorf("coordinator: %s has %d bids: %w", id, count, domain.ErrRateLimited)
		}

		bid.ID = uuid.NewString()
		// Ties go to the earlier submission, stamped here on the source chain clock.
		bid.SubmittedAt = now
		accepted, err = c.engine.SubmitBid(o, bid, now)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.bidCounts[id]++
		c.mu.Unlock()

		c.saveBid(ctx, accepted)
		c.record(ctx, id, domain.EvBidAccepted, accepted)
		c.logger.DebugContext(ctx, "bid accepted",
			slog.String("order_id", string(id)),
			slog.String("resolver_id", accepted.ResolverID),
			slog.String("input", accepted.InputAmount.String()),
			slog.String("output", accepted.OutputAmount.String()),
		)
		return nil
	})
	return accepted, err
}

// GetBestBid returns the bid that would win if the auction resolved now.
func (c *Coordinator) GetBestBid(ctx context.Context, id domain.OrderID) (domain.Bid, error) {
	if _, err := c.registry.Order(id); err != nil {
		return domain.Bid{}, err
	}
	return c.engine.BestBid(id)
}

// ResolveAuction freezes the bids and selects the winner, who is then asked
// to lock the destination leg. With no bids the order returns to Open and,
// if configured, a new round starts; ErrNoBids is still returned.
func (c *Coordinator) ResolveAuction(ctx context.Context, id domain.OrderID) (domain.Bid, error) {
	var winner domain.Bid
	err := c.withOrder(ctx, id, func(ctx context.Context) error {
		var err error
		winner, err = c.resolve(ctx, id)
		return err
	})
	return winner, err
}

func (c *Coordinator) resolve(ctx context.Context, id domain.OrderID) (domain.Bid, error) {
	o, err := c.registry.Order(id)
	if err != nil {
		return domain.Bid{}, err
	}
	now, err := c.chainNow(ctx, o.SourceChain)
	if err != nil {
		return domain.Bid{}, err
	}

	winner, err := c.engine.Resolve(id)
	if errors.Is(err, domain.ErrNoBids) {
		c.noBids(ctx, o, now)
		return domain.Bid{}, err
	}
	if err != nil {
		return domain.Bid{}, err
	}

	if sel, ok := c.selectionOf(id); ok && sel.Bid.ID == winner.ID {
		return winner, nil
	}
	for _, f := range c.ledger.Fills(id) {
		if f.BidID == winner.ID {
			return winner, nil
		}
	}
	c.selectWinner(ctx, o, winner, now)
	return winner, nil
}

func (c *Coordinator) noBids(ctx context.Context, o domain.Order, now time.Time) {
	_, round := c.engine.Status(o.ID)
	if o.State == domain.OrderAuctioning {
		if next, err := c.registry.Transition(o.ID, domain.OrderOpen, now); err == nil {
			o = next
		}
	}
	c.syncOrder(ctx, o.ID)
	if len(c.ledger.Fills(o.ID)) == 0 {
		c.setPhase(ctx, o.ID, domain.PhaseCreated, now)
	}
	c.record(ctx, o.ID, domain.EvAuctionNoBids, map[string]int{"round": round})
	c.logger.InfoContext(ctx, "auction ended without bids", slog.String("order_id", string(o.ID)), slog.Int("round", round))

	if !c.cfg.AutoReauction || o.Reauctions >= c.cfg.MaxReauctions {
		return
	}
	sched, err := c.auctionSchedule(domain.AuctionParams{}, now, o.Deadline)
	if err != nil {
		return
	}
	next, err := c.engine.Start(o.ID, sched)
	if err != nil {
		return
	}
	o = c.countReauction(o.ID)
	if err := c.openRound(ctx, o, sched, next, "", now); err != nil {
		c.logger.WarnContext(ctx, "re-auction failed", slog.String("order_id", string(o.ID)), slog.String("error", err.Error()))
	}
}

func (c *Coordinator) countReauction(id domain.OrderID) domain.Order {
	o, err := c.registry.Order(id)
	if err != nil {
		return o
	}
	o.Reauctions++
	if err := c.registry.UpdateOrder(o); err != nil {
		return o
	}
	reauctions.Inc()
	return o
}

// selectWinner reserves the next fill sequence for the winning bid and tells
// the resolver to lock the destination leg before LockBy.
func (c *Coordinator) selectWinner(ctx context.Context, o domain.Order, bid domain.Bid, now time.Time) {
	sel := &selection{
		Bid:      bid,
		Seq:      c.ledger.NextSeq(o.ID),
		LockBy:   now.Add(c.cfg.ResolverLockTimeout),
		Timelock: o.Timelock.Add(-c.cfg.SafetyMargin),
	}
	c.setSelection(o.ID, sel)
	c.setPhase(ctx, o.ID, domain.PhaseBidSelected, now)

	_, round := c.engine.Status(o.ID)
	c.record(ctx, o.ID, domain.EvBidSelected, bidSelected{
		Round:    round,
		Bid:      bid,
		Seq:      sel.Seq,
		LockBy:   sel.LockBy,
		Timelock: sel.Timelock,
	})
	c.notifyResolver(ctx, domain.ResolverNotice{
		OrderID:          o.ID,
		FillSeq:          sel.Seq,
		ResolverID:       bid.ResolverID,
		DestinationChain: o.DestinationChain,
		Receiver:         o.DestinationAddress,
		Asset:            o.TakerAsset,
		Amount:           bid.OutputAmount,
		Hashlock:         o.Hashlock,
		Timelock:         sel.Timelock,
		LockBy:           sel.LockBy,
	})
	c.sched.add(deadline{At: sel.LockBy, Chain: o.SourceChain, Kind: dlLockBy, Order: o.ID, Seq: sel.Seq})

	c.logger.InfoContext(ctx, "bid selected",
		slog.String("order_id", string(o.ID)),
		slog.String("resolver_id", bid.ResolverID),
		slog.Int("fill_seq", sel.Seq),
		slog.Time("lock_by", sel.LockBy),
	)
}

func (c *Coordinator) onAuctionEnd(ctx context.Context, d deadline) error {
	return c.withOrder(ctx, d.Order, func(ctx context.Context) error {
		status, round := c.engine.Status(d.Order)
		if status != auction.Running || round != d.Round {
			return nil
		}
		_, err := c.resolve(ctx, d.Order)
		if errors.Is(err, domain.ErrNoBids) {
			return nil
		}
		return err
	})
}

// onLockTimeout handles a resolver that did not lock its destination leg in
// time. A selected auction winner is replaced by reopening bidding without
// them; a directly accepted fill is marked failed.
func (c *Coordinator) onLockTimeout(ctx context.Context, d deadline) error {
	return c.withOrder(ctx, d.Order, func(ctx context.Context) error {
		o, err := c.registry.Order(d.Order)
		if err != nil {
			return nil
		}
		now, err := c.chainNow(ctx, o.SourceChain)
		if err != nil {
			return err
		}

		if sel, ok := c.selectionOf(d.Order); ok && sel.Seq == d.Seq {
			c.setSelection(d.Order, nil)
			c.record(ctx, o.ID, domain.EvFillFailed, fillEvent{
				Fill:   domain.Fill{OrderID: o.ID, Seq: sel.Seq, ResolverID: sel.Bid.ResolverID, BidID: sel.Bid.ID, Status: domain.FillFailed},
				Reason: "resolver lock timeout",
			})
			c.logger.WarnContext(ctx, "selected resolver did not lock in time",
				slog.String("order_id", string(o.ID)),
				slog.String("resolver_id", sel.Bid.ResolverID),
			)
			return c.reopenOrClose(ctx, o, sel.Bid.ResolverID, now)
		}

		f, err := c.ledger.Fill(d.Order, d.Seq)
		if err != nil || f.Status != domain.FillPendingDestination {
			return nil
		}
		f, err = c.ledger.SetStatus(d.Order, d.Seq, domain.FillFailed, now)
		if err != nil {
			return err
		}
		c.saveFill(ctx, f)
		c.record(ctx, o.ID, domain.EvFillFailed, fillEvent{Fill: f, Reason: "resolver lock timeout"})
		c.restingPhase(ctx, o.ID, now)
		c.logger.WarnContext(ctx, "fill failed, resolver did not lock in time",
			slog.String("order_id", string(o.ID)),
			slog.Int("fill_seq", f.Seq),
			slog.String("resolver_id", f.ResolverID),
		)
		return nil
	})
}

func (c *Coordinator) reopenOrClose(ctx context.Context, o domain.Order, failed string, now time.Time) error {
	if o.Reauctions < c.cfg.MaxReauctions {
		if sched, err := c.auctionSchedule(domain.AuctionParams{}, now, o.Deadline); err == nil {
			round, err := c.engine.Reopen(o.ID, sched, failed)
			if err == nil {
				o = c.countReauction(o.ID)
				c.alert(ctx, "reauction", "Auction reopened",
					fmt.Sprintf("order %s: resolver %s missed its lock deadline, round %d open", o.ID, failed, round))
				return c.openRound(ctx, o, sched, round, failed, now)
			}
		}
	}

	c.engine.Expire(o.ID)
	if o.State == domain.OrderAuctioning {
		if _, err := c.registry.Transition(o.ID, domain.OrderOpen, now); err != nil {
			return err
		}
	}
	c.syncOrder(ctx, o.ID)
	c.restingPhase(ctx, o.ID, now)
	return nil
}
