package algorand

import (
	"context"
	"log/slog"
	"time"

	algocrypto "github.com/algorand/go-algorand-sdk/crypto"
	"github.com/algorand/go-algorand-sdk/types"

	"github.com/alanyoungcy/swaprelay/internal/domain"
)

// Subscribe walks rounds from filter.FromBlock (the next round when zero)
// and emits the application's HTLC logs. The channel closes on ctx
// cancellation or the first node failure.
func (a *Adapter) Subscribe(ctx context.Context, filter domain.EventFilter) (<-chan domain.ChainEvent, error) {
	last, err := a.node.LastRound(ctx)
	if err != nil {
		return nil, a.unavailable("status", err)
	}
	next := filter.FromBlock
	if next == 0 {
		next = last + 1
	}

	out := make(chan domain.ChainEvent, 64)
	go func() {
		defer close(out)
		ticker := time.NewTicker(a.cfg.PollInterval)
		defer ticker.Stop()
		for {
			var err error
			if next, err = a.scan(ctx, next, filter, out); err != nil {
				if ctx.Err() == nil {
					a.logger.Warn("round scan failed", slog.Uint64("round", next), slog.String("error", err.Error()))
				}
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out, nil
}

func (a *Adapter) scan(ctx context.Context, next uint64, filter domain.EventFilter, out chan<- domain.ChainEvent) (uint64, error) {
	last, err := a.node.LastRound(ctx)
	if err != nil {
		return next, err
	}
	for ; next <= last; next++ {
		b, err := a.node.Block(ctx, next)
		if err != nil {
			return next, err
		}
		for _, ev := range a.blockEvents(b, next) {
			if !filter.Matches(ev) {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return next, ctx.Err()
			}
		}
	}
	return next, nil
}

func (a *Adapter) blockEvents(b types.Block, round uint64) []domain.ChainEvent {
	var events []domain.ChainEvent
	for _, stx := range b.Payset {
		if uint64(stx.Txn.ApplicationID) != a.cfg.AppID || len(stx.EvalDelta.Logs) == 0 {
			continue
		}
		txn := stx.Txn
		txn.GenesisID = b.GenesisID
		txn.GenesisHash = b.GenesisHash
		txID := algocrypto.GetTxID(txn)
		for _, line := range stx.EvalDelta.Logs {
			ev, ok := parseAppLog(a.cfg.Chain, []byte(line))
			if !ok {
				continue
			}
			ev.TxHash = txID
			ev.Block = round
			events = append(events, ev)
		}
	}
	return events
}
