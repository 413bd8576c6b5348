package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/swaprelay/internal/auction"
	"github.com/alanyoungcy/swaprelay/internal/domain"
)

// replayed is what the event log adds on top of the persisted rows.
type replayed struct {
	schedule  auction.Schedule
	status    auction.Status
	round     int
	excluded  []string
	selection *selection
	secret    *domain.Secret
}

// Load rebuilds in-memory state from the store: every hashlock ever used,
// then each active order with its legs, fills, bids and auction progress.
// Deadlines are scheduled again from the restored state.
func (c *Coordinator) Load(ctx context.Context) error {
	used, err := c.store.UsedHashlocks(ctx)
	if err != nil {
		return fmt.Errorf("coordinator: load hashlocks: %w", err)
	}
	c.registry.MarkUsed(used)

	orders, err := c.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("coordinator: load orders: %w", err)
	}
	for _, o := range orders {
		if err := c.restore(ctx, o); err != nil {
			return err
		}
	}
	c.refreshActive()
	c.logger.InfoContext(ctx, "swap state restored",
		slog.Int("orders", len(orders)),
		slog.Int("hashlocks", len(used)),
		slog.Int("deadlines", c.sched.pending()),
	)
	return nil
}

func (c *Coordinator) restore(ctx context.Context, o domain.Order) error {
	legs, err := c.store.ListLegs(ctx, o.ID)
	if err != nil {
		return fmt.Errorf("coordinator: load legs of %s: %w", o.ID, err)
	}
	fills, err := c.store.ListFills(ctx, o.ID)
	if err != nil {
		return fmt.Errorf("coordinator: load fills of %s: %w", o.ID, err)
	}
	bids, err := c.store.ListBids(ctx, o.ID)
	if err != nil {
		return fmt.Errorf("coordinator: load bids of %s: %w", o.ID, err)
	}
	events, err := c.store.ListEvents(ctx, o.ID, domain.ListOpts{})
	if err != nil {
		return fmt.Errorf("coordinator: load events of %s: %w", o.ID, err)
	}

	c.registry.Restore(o, legs)
	c.ledger.Restore(o.ID, fills)

	r := replay(events, c.logger)
	if r.secret != nil {
		c.registry.ObserveSecret(o.Hashlock, *r.secret)
	}
	if r.status != auction.NotStarted {
		c.engine.Restore(o.ID, r.schedule, r.status, r.round, bids, r.excluded)
	}
	if r.selection != nil {
		c.setSelection(o.ID, r.selection)
	}
	c.mu.Lock()
	c.bidCounts[o.ID] = len(bids)
	c.mu.Unlock()

	c.reschedule(o, legs, fills, r)
	return nil
}

// replay folds an order's event log into the auction progress it describes.
func replay(events []domain.SwapEvent, logger *slog.Logger) replayed {
	r := replayed{status: auction.NotStarted}
	decode := func(ev domain.SwapEvent, v any) bool {
		if err := json.Unmarshal(ev.Payload, v); err != nil {
			logger.Warn("skipping unreadable event",
				slog.String("order_id", string(ev.OrderID)),
				slog.String("type", string(ev.Type)),
				slog.String("error", err.Error()),
			)
			return false
		}
		return true
	}

	for _, ev := range events {
		switch ev.Type {
		case domain.EvAuctionStarted, domain.EvAuctionReopened:
			var p auctionStarted
			if !decode(ev, &p) {
				continue
			}
			r.schedule, r.round, r.status = p.Schedule, p.Round, auction.Running
			if p.Excluded != "" {
				r.excluded = append(r.excluded, p.Excluded)
			}
		case domain.EvAuctionNoBids:
			r.status = auction.Expired
		case domain.EvBidSelected:
			var p bidSelected
			if !decode(ev, &p) {
				continue
			}
			r.status = auction.Resolved
			r.selection = &selection{Bid: p.Bid, Seq: p.Seq, LockBy: p.LockBy, Timelock: p.Timelock}
		case domain.EvFillAccepted:
			var p fillEvent
			if !decode(ev, &p) {
				continue
			}
			if r.selection != nil && p.Fill.BidID == r.selection.Bid.ID {
				r.selection = nil
			}
		case domain.EvFillFailed:
			var p fillEvent
			if !decode(ev, &p) {
				continue
			}
			if r.selection != nil && p.Fill.Seq == r.selection.Seq {
				r.selection = nil
				r.status = auction.Expired
			}
		case domain.EvSecretRevealed:
			var p secretRevealed
			if !decode(ev, &p) {
				continue
			}
			r.secret = &p.Secret
			r.status = auction.Expired
		case domain.EvOrderCancelled, domain.EvOrderExpired:
			r.status = auction.Expired
		}
	}
	if r.status == auction.Resolved && r.selection == nil {
		r.status = auction.Expired
	}
	return r
}

func (c *Coordinator) reschedule(o domain.Order, legs []domain.Leg, fills []domain.Fill, r replayed) {
	if !o.State.Terminal() {
		c.sched.add(deadline{At: o.Deadline, Chain: o.SourceChain, Kind: dlOrderDeadline, Order: o.ID})
	}
	for _, l := range legs {
		if !l.Settled() && !l.Drained() {
			c.scheduleTimelock(l)
		}
	}
	if r.status == auction.Running {
		c.sched.add(deadline{At: r.schedule.End(), Chain: o.SourceChain, Kind: dlAuctionEnd, Order: o.ID, Round: r.round})
	}
	if r.selection != nil {
		c.sched.add(deadline{At: r.selection.LockBy, Chain: o.SourceChain, Kind: dlLockBy, Order: o.ID, Seq: r.selection.Seq})
	}

	propagate := r.secret != nil && !o.Phase.Done()
	for _, f := range fills {
		switch f.Status {
		case domain.FillPendingDestination:
			c.sched.add(deadline{At: f.LockBy, Chain: o.SourceChain, Kind: dlLockBy, Order: o.ID, Seq: f.Seq})
		case domain.FillDestinationLocked:
			if !hasLeg(legs, domain.LegID(o.ID, domain.SideSource, f.Seq)) {
				propagate = true
			}
		}
	}
	if propagate {
		c.sched.add(deadline{Chain: o.SourceChain, Kind: dlPropagate, Order: o.ID})
	}
}

func hasLeg(legs []domain.Leg, id string) bool {
	for _, l := range legs {
		if l.ID == id {
			return true
		}
	}
	return false
}
