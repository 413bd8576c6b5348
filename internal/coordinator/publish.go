package coordinator

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/swaprelay/internal/auction"
	"github.com/alanyoungcy/swaprelay/internal/domain"
)

// Event payloads that replay reads back.
type auctionStarted struct {
	Round    int              `json:"round"`
	Schedule auction.Schedule `json:"schedule"`
	Excluded string           `json:"excluded,omitempty"`
}

type bidSelected struct {
	Round    int        `json:"round"`
	Bid      domain.Bid `json:"bid"`
	Seq      int        `json:"seq"`
	LockBy   time.Time  `json:"lock_by"`
	Timelock time.Time  `json:"timelock"`
}

type fillEvent struct {
	Fill   domain.Fill `json:"fill"`
	Reason string      `json:"reason,omitempty"`
}

type secretRevealed struct {
	Secret domain.Secret `json:"secret"`
	Source string        `json:"source"`
}

type phaseChanged struct {
	From domain.SwapPhase `json:"from"`
	To   domain.SwapPhase `json:"to"`
}

type signedNotice struct {
	domain.ResolverNotice
	Timestamp int64  `json:"ts"`
	Signature string `json:"signature,omitempty"`
}

func (c *Coordinator) storeFailed(ctx context.Context, what string, id domain.OrderID, err error) {
	storeErrors.Inc()
	c.logger.ErrorContext(ctx, "persisting swap state failed",
		slog.String("what", what),
		slog.String("order_id", string(id)),
		slog.String("error", err.Error()),
	)
}

func (c *Coordinator) saveOrder(ctx context.Context, o domain.Order) {
	if err := c.store.SaveOrder(ctx, o); err != nil {
		c.storeFailed(ctx, "order", o.ID, err)
	}
}

func (c *Coordinator) saveLeg(ctx context.Context, l domain.Leg) {
	if err := c.store.SaveLeg(ctx, l); err != nil {
		c.storeFailed(ctx, "leg", l.OrderID, err)
	}
}

func (c *Coordinator) saveFill(ctx context.Context, f domain.Fill) {
	if err := c.store.SaveFill(ctx, f); err != nil {
		c.storeFailed(ctx, "fill", f.OrderID, err)
	}
}

func (c *Coordinator) saveBid(ctx context.Context, b domain.Bid) {
	if err := c.store.SaveBid(ctx, b); err != nil {
		c.storeFailed(ctx, "bid", b.OrderID, err)
	}
}

// syncOrder persists the registry's current copy of the order.
func (c *Coordinator) syncOrder(ctx context.Context, id domain.OrderID) domain.Order {
	o, err := c.registry.Order(id)
	if err != nil {
		return o
	}
	c.saveOrder(ctx, o)
	return o
}

// setPhase moves the order to phase and logs the change as an event.
func (c *Coordinator) setPhase(ctx context.Context, id domain.OrderID, phase domain.SwapPhase, now time.Time) domain.Order {
	before, err := c.registry.Order(id)
	if err != nil {
		return before
	}
	if before.Phase == phase {
		return before
	}
	o, err := c.registry.SetPhase(id, phase, now)
	if err != nil {
		return before
	}
	c.saveOrder(ctx, o)
	c.record(ctx, id, domain.EvPhaseChanged, phaseChanged{From: before.Phase, To: phase})
	return o
}

// record appends an event to the order's log and publishes it.
func (c *Coordinator) record(ctx context.Context, id domain.OrderID, typ domain.SwapEventType, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		c.logger.ErrorContext(ctx, "encoding event payload failed", slog.String("type", string(typ)), slog.String("error", err.Error()))
		return
	}
	ev := domain.SwapEvent{
		ID:        uuid.NewString(),
		OrderID:   id,
		Type:      typ,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.store.AppendEvent(ctx, ev); err != nil {
		c.storeFailed(ctx, "event", id, err)
	}
	c.publish(ctx, ev)
}

func (c *Coordinator) publish(ctx context.Context, ev domain.SwapEvent) {
	if c.bus == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := c.bus.Publish(ctx, domain.ChannelSwaps, data); err != nil {
		c.storeFailed(ctx, "publish", ev.OrderID, err)
	}
	if err := c.bus.StreamAppend(ctx, domain.SwapStreamPrefix+string(ev.OrderID), data); err != nil {
		c.storeFailed(ctx, "stream", ev.OrderID, err)
	}
}

// notifyResolver tells the selected resolver what to lock and by when.
func (c *Coordinator) notifyResolver(ctx context.Context, n domain.ResolverNotice) {
	if c.bus == nil {
		return
	}
	msg := signedNotice{ResolverNotice: n, Timestamp: time.Now().Unix()}
	if c.signer != nil {
		body, err := json.Marshal(n)
		if err != nil {
			return
		}
		msg.Signature = c.signer.Sign(body, msg.Timestamp)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := c.bus.Publish(ctx, domain.ChannelResolvers, data); err != nil {
		c.storeFailed(ctx, "notice", n.OrderID, err)
		return
	}
	c.logger.InfoContext(ctx, "resolver notified",
		slog.String("order_id", string(n.OrderID)),
		slog.String("resolver_id", n.ResolverID),
		slog.Int("fill_seq", n.FillSeq),
		slog.Time("lock_by", n.LockBy),
	)
}
