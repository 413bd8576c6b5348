package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/swaprelay/internal/domain"
	"github.com/alanyoungcy/swaprelay/internal/hashlock"
)

// RevealSecret releases every destination leg to the maker and then uses the
// now public secret to release each source fill leg to its resolver. It is
// refused while any fill still waits for its destination leg or for its
// share of the maker escrow, and before anything is sent if a destination
// leg can no longer be claimed.
func (c *Coordinator) RevealSecret(ctx context.Context, id domain.OrderID, secret domain.Secret) (domain.ClaimResult, error) {
	var res domain.ClaimResult
	err := c.withOrder(ctx, id, func(ctx context.Context) error {
		o, err := c.registry.Order(id)
		if err != nil {
			return err
		}
		if !hashlock.VerifySecret(secret, o.Hashlock) {
			return fmt.Errorf("coordinator: reveal %s: %w", id, domain.ErrInvalidSecret)
		}
		if c.busy(id) {
			return fmt.Errorf("coordinator: reveal %s: %w", id, domain.ErrFillPending)
		}
		for _, f := range c.unsplit(id) {
			if _, err := c.split(ctx, o, f); err != nil {
				return fmt.Errorf("coordinator: reveal %s: fill %d has no source escrow (%v): %w", id, f.Seq, err, domain.ErrFillPending)
			}
		}

		var dests []domain.Leg
		for _, l := range c.registry.Legs(id) {
			if l.Side == domain.SideDestination {
				dests = append(dests, l)
			}
		}
		if len(dests) == 0 {
			return fmt.Errorf("coordinator: reveal %s with no destination leg: %w", id, domain.ErrInvalidTransition)
		}
		dnow, err := c.chainNow(ctx, o.DestinationChain)
		if err != nil {
			return err
		}
		for _, l := range dests {
			if l.Withdrawn {
				continue
			}
			if l.Refunded || !dnow.Before(l.Timelock) {
				return fmt.Errorf("coordinator: reveal %s: leg %s: %w", id, l.ID, domain.ErrAlreadyExpired)
			}
		}

		_, known := c.registry.Revealed(o.Hashlock)
		res, err = c.claimAll(ctx, o, secret)
		if len(res.Claimed) == 0 && err != nil {
			return err
		}
		if !known {
			c.revealed(ctx, id, secret, "maker", dnow)
		}
		if len(res.Pending) > 0 {
			c.sched.add(deadline{Chain: o.SourceChain, Kind: dlPropagate, Order: id})
		}
		o = c.syncOrder(ctx, id)
		res.Phase = o.Phase
		return nil
	})
	return res, err
}

// revealed records the first sighting of the order's secret. Bidding is
// closed for good from here on.
func (c *Coordinator) revealed(ctx context.Context, id domain.OrderID, secret domain.Secret, source string, now time.Time) {
	c.engine.Expire(id)
	c.record(ctx, id, domain.EvSecretRevealed, secretRevealed{Secret: secret, Source: source})
	c.logger.InfoContext(ctx, "secret revealed", slog.String("order_id", string(id)), slog.String("source", source))
	c.advance(ctx, id, now)
}

// propagate finishes whatever the order still owes: missing source splits
// and, once the secret is known, every claim whose counter-leg is paid.
func (c *Coordinator) propagate(ctx context.Context, id domain.OrderID) error {
	o, err := c.registry.Order(id)
	if err != nil {
		return nil
	}
	secret, known := c.registry.Revealed(o.Hashlock)
	if !known {
		var lastErr error
		for _, f := range c.ledger.Fills(id) {
			if f.Status != domain.FillDestinationLocked {
				continue
			}
			if _, err := c.split(ctx, o, f); err != nil {
				lastErr = err
			}
		}
		return lastErr
	}
	res, err := c.claimAll(ctx, o, secret)
	if len(res.Pending) > 0 && err == nil {
		err = fmt.Errorf("coordinator: %d legs of %s unclaimed: %w", len(res.Pending), id, domain.ErrChainUnavailable)
	}
	return err
}

// claimAll claims every unsettled destination leg, then every source fill
// leg whose destination counterpart has been withdrawn. It keeps going past
// failures and returns the last one.
func (c *Coordinator) claimAll(ctx context.Context, o domain.Order, secret domain.Secret) (domain.ClaimResult, error) {
	res := domain.ClaimResult{OrderID: o.ID, Secret: secret}
	var lastErr error

	for _, l := range c.registry.Legs(o.ID) {
		if l.Side != domain.SideDestination || l.Settled() {
			continue
		}
		if err := c.claimLeg(ctx, l, secret, &res); err != nil {
			lastErr = err
			res.Pending = append(res.Pending, l.ID)
		}
	}

	for _, f := range c.ledger.Fills(o.ID) {
		dest, err := c.registry.Leg(domain.LegID(o.ID, domain.SideDestination, f.Seq))
		if err != nil || !dest.Withdrawn {
			continue
		}
		src, err := c.split(ctx, o, f)
		if err != nil {
			lastErr = err
			res.Pending = append(res.Pending, domain.LegID(o.ID, domain.SideSource, f.Seq))
			continue
		}
		if src.Settled() {
			continue
		}
		if err := c.claimLeg(ctx, src, secret, &res); err != nil {
			lastErr = err
			res.Pending = append(res.Pending, src.ID)
		}
	}

	now, err := c.chainNow(ctx, o.SourceChain)
	if err == nil {
		c.advance(ctx, o.ID, now)
	}
	return res, lastErr
}

func (c *Coordinator) claimLeg(ctx context.Context, l domain.Leg, secret domain.Secret, res *domain.ClaimResult) error {
	now, err := c.chainNow(ctx, l.ChainID)
	if err != nil {
		return err
	}
	rcpt, err := c.settle(ctx, l.ChainID, domain.Tx{
		Kind:     domain.TxClaim,
		EscrowID: l.EscrowID,
		Receiver: l.Receiver,
		Secret:   &secret,
		Ref:      l.ID,
	})
	if err != nil {
		c.logger.WarnContext(ctx, "claim failed",
			slog.String("leg_id", l.ID),
			slog.String("chain", string(l.ChainID)),
			slog.String("error", err.Error()),
		)
		return err
	}
	if _, _, err := c.registry.MarkWithdrawn(l.ID, secret, now); err != nil && !errors.Is(err, domain.ErrAlreadySettled) {
		return err
	}
	c.withdrawn(ctx, l.ID, rcpt.TxHash)
	res.Claimed = append(res.Claimed, l.ID)
	if rcpt.TxHash != "" {
		res.TxHashes = append(res.TxHashes, rcpt.TxHash)
	}
	return nil
}

// withdrawn persists a leg the registry already marked withdrawn.
func (c *Coordinator) withdrawn(ctx context.Context, legID, txHash string) {
	if txHash != "" {
		c.registry.SetSettleTx(legID, txHash)
	}
	leg, err := c.registry.Leg(legID)
	if err != nil {
		return
	}
	c.saveLeg(ctx, leg)
	c.record(ctx, leg.OrderID, domain.EvLegWithdrawn, map[string]string{"leg_id": legID, "tx_hash": txHash})
	legsSettled.WithLabelValues(string(leg.Side), "withdrawn").Inc()
}

// advance brings fill statuses and the order phase in line with the legs.
func (c *Coordinator) advance(ctx context.Context, id domain.OrderID, now time.Time) {
	o, err := c.registry.Order(id)
	if err != nil || o.Phase == domain.PhaseSettled {
		return
	}
	if _, revealed := c.registry.Revealed(o.Hashlock); !revealed {
		return
	}

	var live, settled, claimedSource int
	for _, f := range c.ledger.Fills(id) {
		if f.Status == domain.FillFailed || f.Status == domain.FillRefunded {
			continue
		}
		dest, derr := c.registry.Leg(domain.LegID(id, domain.SideDestination, f.Seq))
		if derr != nil {
			continue
		}
		live++
		src, serr := c.registry.Leg(domain.LegID(id, domain.SideSource, f.Seq))
		next := f.Status
		switch {
		case dest.Withdrawn && serr == nil && src.Withdrawn:
			next = domain.FillSettled
			settled++
			claimedSource++
		case dest.Withdrawn:
			next = domain.FillSecretRevealed
		}
		if next != f.Status {
			if updated, err := c.ledger.SetStatus(id, f.Seq, next, now); err == nil {
				c.saveFill(ctx, updated)
			}
		}
	}

	switch {
	case live > 0 && settled == live:
		c.setPhase(ctx, id, domain.PhaseSourceLegClaimed, now)
		c.setPhase(ctx, id, domain.PhaseSettled, now)
		c.alert(ctx, "settled", "Swap settled", fmt.Sprintf("order %s settled across %d fills", id, settled))
	case claimedSource > 0:
		c.setPhase(ctx, id, domain.PhaseSourceLegClaimed, now)
	default:
		c.setPhase(ctx, id, domain.PhaseSecretRevealed, now)
	}
}

// Refund returns an expired leg to its sender. Anyone may call it once the
// leg's timelock has passed on its chain.
func (c *Coordinator) Refund(ctx context.Context, legID, caller string) (domain.RefundResult, error) {
	l, err := c.registry.Leg(legID)
	if err != nil {
		return domain.RefundResult{}, err
	}
	var res domain.RefundResult
	err = c.withOrder(ctx, l.OrderID, func(ctx context.Context) error {
		var err error
		res, err = c.refundLeg(ctx, legID, caller)
		return err
	})
	return res, err
}

func (c *Coordinator) refundLeg(ctx context.Context, legID, caller string) (domain.RefundResult, error) {
	l, err := c.registry.Leg(legID)
	if err != nil {
		return domain.RefundResult{}, err
	}
	if l.Settled() || l.Drained() {
		return domain.RefundResult{}, fmt.Errorf("coordinator: refund %s: %w", legID, domain.ErrAlreadySettled)
	}
	if err := c.refundBlocked(l); err != nil {
		return domain.RefundResult{}, err
	}
	now, err := c.chainNow(ctx, l.ChainID)
	if err != nil {
		return domain.RefundResult{}, err
	}
	if now.Before(l.Timelock) {
		return domain.RefundResult{}, fmt.Errorf("coordinator: refund %s before %s: %w",
			legID, l.Timelock.UTC().Format(time.RFC3339), domain.ErrNotYetExpired)
	}

	rcpt, err := c.settle(ctx, l.ChainID, domain.Tx{
		Kind:     domain.TxRefund,
		EscrowID: l.EscrowID,
		Sender:   caller,
		Ref:      legID,
	})
	if err != nil {
		return domain.RefundResult{}, fmt.Errorf("coordinator: refund %s: %w", legID, err)
	}
	if _, err := c.registry.MarkRefunded(legID, caller, now); err != nil && !errors.Is(err, domain.ErrAlreadySettled) {
		return domain.RefundResult{}, err
	}
	c.refunded(ctx, legID, rcpt.TxHash, caller, now)

	return domain.RefundResult{
		LegID:  legID,
		TxHash: rcpt.TxHash,
		Amount: l.LockedAmount,
		Chain:  l.ChainID,
	}, nil
}

// refunded persists a leg the registry already marked refunded and settles
// the order if nothing else is left on chain.
func (c *Coordinator) refunded(ctx context.Context, legID, txHash, caller string, now time.Time) {
	if txHash != "" {
		c.registry.SetSettleTx(legID, txHash)
	}
	leg, err := c.registry.Leg(legID)
	if err != nil {
		return
	}
	c.saveLeg(ctx, leg)
	c.record(ctx, leg.OrderID, domain.EvLegRefunded, map[string]string{
		"leg_id":  legID,
		"tx_hash": txHash,
		"caller":  caller,
		"amount":  leg.LockedAmount.String(),
	})
	legsSettled.WithLabelValues(string(leg.Side), "refunded").Inc()

	if leg.FillSeq != domain.MakerEscrowSeq {
		if f, err := c.ledger.Fill(leg.OrderID, leg.FillSeq); err == nil && f.Status != domain.FillSettled {
			if f, err = c.ledger.SetStatus(leg.OrderID, leg.FillSeq, domain.FillRefunded, now); err == nil {
				c.saveFill(ctx, f)
			}
		}
	}

	c.alert(ctx, "refund", "HTLC leg refunded",
		fmt.Sprintf("leg %s on %s returned %s to %s", legID, leg.ChainID, leg.LockedAmount, leg.Sender))
	c.logger.InfoContext(ctx, "leg refunded",
		slog.String("order_id", string(leg.OrderID)),
		slog.String("leg_id", legID),
		slog.String("tx_hash", txHash),
	)

	if _, ok := c.registry.Revealed(leg.Hashlock); ok {
		return
	}
	open := false
	for _, l := range c.registry.Legs(leg.OrderID) {
		if !l.Settled() && !l.Drained() {
			open = true
			break
		}
	}
	c.setPhase(ctx, leg.OrderID, domain.PhaseRefundPending, now)
	if !open && !c.busy(leg.OrderID) {
		c.setPhase(ctx, leg.OrderID, domain.PhaseRefunded, now)
	}
}

// refundBlocked reports a source leg that must not go back to the maker
// because the maker already holds the matching destination funds.
func (c *Coordinator) refundBlocked(l domain.Leg) error {
	if l.Side != domain.SideSource {
		return nil
	}
	if l.FillSeq != domain.MakerEscrowSeq {
		dest, err := c.registry.Leg(domain.LegID(l.OrderID, domain.SideDestination, l.FillSeq))
		if err == nil && dest.Withdrawn {
			return fmt.Errorf("coordinator: source leg %s expired unclaimed after destination %s was withdrawn: %w",
				l.ID, dest.ID, domain.ErrNoRefundPath)
		}
		return nil
	}
	for _, f := range c.unsplit(l.OrderID) {
		dest, err := c.registry.Leg(domain.LegID(l.OrderID, domain.SideDestination, f.Seq))
		if err == nil && dest.Withdrawn {
			return fmt.Errorf("coordinator: maker escrow %s still holds fill %d after destination %s was withdrawn: %w",
				l.ID, f.Seq, dest.ID, domain.ErrNoRefundPath)
		}
	}
	return nil
}

// onTimelock refunds a leg whose timelock passed. A leg that would hand the
// maker both sides of a fill is flagged for operators instead.
func (c *Coordinator) onTimelock(ctx context.Context, d deadline) error {
	return c.withOrder(ctx, d.Order, func(ctx context.Context) error {
		l, err := c.registry.Leg(d.LegID)
		if err != nil || l.Settled() || l.Drained() {
			return nil
		}

		_, err = c.refundLeg(ctx, d.LegID, c.cfg.RelayerID)
		switch {
		case err == nil, errors.Is(err, domain.ErrAlreadySettled):
			return nil
		case errors.Is(err, domain.ErrNotYetExpired):
			c.sched.add(d)
			return nil
		case errors.Is(err, domain.ErrNoRefundPath):
			o, _ := c.registry.Order(l.OrderID)
			c.fatal(ctx, o, err)
			return nil
		}
		return err
	})
}
