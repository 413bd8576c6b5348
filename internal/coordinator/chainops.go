package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/alanyoungcy/swaprelay/internal/domain"
)

var errTxPending = errors.New("transaction pending")

func (c *Coordinator) retryPolicy(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.RetryInitial
	bo.MaxInterval = c.cfg.RetryMax
	bo.MaxElapsedTime = c.cfg.RetryMaxElapsed
	return backoff.WithContext(bo, ctx)
}

func (c *Coordinator) adapter(id domain.ChainID) (domain.ChainAdapter, error) {
	ad, ok := c.chains[id]
	if !ok {
		return nil, fmt.Errorf("coordinator: chain %q: %w", id, domain.ErrUnknownChain)
	}
	return ad, nil
}

// chainNow returns consensus time on the chain, retrying transient failures.
func (c *Coordinator) chainNow(ctx context.Context, id domain.ChainID) (time.Time, error) {
	ad, err := c.adapter(id)
	if err != nil {
		return time.Time{}, err
	}
	var now time.Time
	err = backoff.Retry(func() error {
		var err error
		now, err = ad.CurrentTime(ctx)
		if err != nil && !domain.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, c.retryPolicy(ctx))
	if err != nil {
		return time.Time{}, fmt.Errorf("coordinator: %s time: %w", id, err)
	}
	return now, nil
}

// submit hands tx to the adapter, retrying while the failure is transient.
// Reverts surface immediately.
func (c *Coordinator) submit(ctx context.Context, ad domain.ChainAdapter, tx domain.Tx) (domain.TxHandle, error) {
	var h domain.TxHandle
	op := func() error {
		var err error
		h, err = ad.Submit(ctx, tx)
		if err != nil && !domain.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		chainRetries.WithLabelValues(string(ad.Chain())).Inc()
		c.logger.WarnContext(ctx, "chain submit failed, retrying",
			slog.String("chain", string(ad.Chain())),
			slog.String("kind", string(tx.Kind)),
			slog.String("ref", tx.Ref),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
	}
	if err := backoff.RetryNotify(op, c.retryPolicy(ctx), notify); err != nil {
		return domain.TxHandle{}, err
	}
	return h, nil
}

// waitConfirmed polls the handle until it resolves or ConfirmTimeout passes.
func (c *Coordinator) waitConfirmed(ctx context.Context, ad domain.ChainAdapter, h domain.TxHandle) (domain.Receipt, error) {
	wctx, cancel := context.WithTimeout(ctx, c.cfg.ConfirmTimeout)
	defer cancel()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.ConfirmPoll
	bo.MaxInterval = 8 * c.cfg.ConfirmPoll
	bo.MaxElapsedTime = 0

	var rcpt domain.Receipt
	err := backoff.Retry(func() error {
		r, err := ad.Status(wctx, h)
		if err != nil {
			if !domain.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		switch r.Status {
		case domain.TxConfirmed:
			rcpt = r
			return nil
		case domain.TxFailed:
			return backoff.Permanent(fmt.Errorf("tx %s reverted: %s: %w", h.Hash, r.Reason, domain.ErrTxFailed))
		default:
			return errTxPending
		}
	}, backoff.WithContext(bo, wctx))
	if err != nil {
		if ctx.Err() == nil && wctx.Err() != nil {
			return domain.Receipt{}, fmt.Errorf("tx %s on %s: %w", h.Hash, h.Chain, domain.ErrConfirmTimeout)
		}
		return domain.Receipt{}, err
	}
	return rcpt, nil
}

// execute submits tx and waits for its receipt. Only the submission is
// retried, so a lock or split is never sent twice.
func (c *Coordinator) execute(ctx context.Context, chain domain.ChainID, tx domain.Tx) (domain.Receipt, error) {
	ad, err := c.adapter(chain)
	if err != nil {
		return domain.Receipt{}, err
	}
	kind := string(tx.Kind)

	h, err := c.submit(ctx, ad, tx)
	if err != nil {
		chainTxTotal.WithLabelValues(string(chain), kind, "rejected").Inc()
		return domain.Receipt{}, fmt.Errorf("coordinator: %s on %s: %w", kind, chain, err)
	}

	start := time.Now()
	rcpt, err := c.waitConfirmed(ctx, ad, h)
	if err != nil {
		chainTxTotal.WithLabelValues(string(chain), kind, "failed").Inc()
		return domain.Receipt{}, fmt.Errorf("coordinator: %s on %s: %w", kind, chain, err)
	}
	confirmSeconds.WithLabelValues(string(chain)).Observe(time.Since(start).Seconds())
	chainTxTotal.WithLabelValues(string(chain), kind, "confirmed").Inc()

	c.logger.InfoContext(ctx, "chain tx confirmed",
		slog.String("chain", string(chain)),
		slog.String("kind", kind),
		slog.String("ref", tx.Ref),
		slog.String("tx_hash", rcpt.TxHash),
		slog.String("escrow_id", rcpt.EscrowID),
	)
	return rcpt, nil
}

// settle runs a claim, refund or cancel. These are safe to resend, so a
// confirmation timeout or dropped transaction starts over. A chain reporting
// the escrow already settled counts as success when its state agrees.
func (c *Coordinator) settle(ctx context.Context, chain domain.ChainID, tx domain.Tx) (domain.Receipt, error) {
	var rcpt domain.Receipt
	op := func() error {
		var err error
		rcpt, err = c.execute(ctx, chain, tx)
		if err != nil && !domain.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.Retry(op, backoff.WithMaxRetries(c.retryPolicy(ctx), 2))
	if err == nil {
		return rcpt, nil
	}
	if !errors.Is(err, domain.ErrAlreadySettled) {
		return domain.Receipt{}, err
	}

	ad, aerr := c.adapter(chain)
	if aerr != nil {
		return domain.Receipt{}, err
	}
	st, rerr := ad.ReadState(ctx, tx.EscrowID)
	if rerr != nil {
		return domain.Receipt{}, err
	}
	wantWithdrawn := tx.Kind == domain.TxClaim
	if (wantWithdrawn && st.Withdrawn) || (!wantWithdrawn && st.Refunded) {
		c.logger.InfoContext(ctx, "escrow already settled on chain",
			slog.String("chain", string(chain)),
			slog.String("escrow_id", tx.EscrowID),
			slog.String("kind", string(tx.Kind)),
		)
		return domain.Receipt{Status: domain.TxConfirmed, EscrowID: tx.EscrowID}, nil
	}
	return domain.Receipt{}, err
}
