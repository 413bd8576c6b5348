package evm

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/swaprelay/internal/domain"
)

// Subscribe polls contract logs from filter.FromBlock up to the confirmed
// head. The channel closes on ctx cancellation or the first RPC failure;
// callers resubscribe from the last block they saw.
func (a *Adapter) Subscribe(ctx context.Context, filter domain.EventFilter) (<-chan domain.ChainEvent, error) {
	head, err := a.backend.BlockNumber(ctx)
	if err != nil {
		return nil, a.unavailable("block number", err)
	}
	from := filter.FromBlock
	if from == 0 {
		from = a.confirmed(head)
	}

	out := make(chan domain.ChainEvent, 64)
	go func() {
		defer close(out)
		ticker := time.NewTicker(a.cfg.PollInterval)
		defer ticker.Stop()
		for {
			next, err := a.scan(ctx, from, filter, out)
			if err != nil {
				if ctx.Err() == nil {
					a.logger.Warn("log scan failed", slog.Uint64("from_block", from), slog.String("error", err.Error()))
				}
				return
			}
			from = next
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out, nil
}

func (a *Adapter) confirmed(head uint64) uint64 {
	if a.cfg.Confirmations > 1 && head >= a.cfg.Confirmations-1 {
		return head - (a.cfg.Confirmations - 1)
	}
	return head
}

// scan delivers events in [from, confirmed head] and returns the next block
// to scan.
func (a *Adapter) scan(ctx context.Context, from uint64, filter domain.EventFilter, out chan<- domain.ChainEvent) (uint64, error) {
	head, err := a.backend.BlockNumber(ctx)
	if err != nil {
		return from, err
	}
	to := a.confirmed(head)
	for from <= to {
		end := min(from+a.cfg.MaxBlockRange-1, to)
		logs, err := a.backend.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(end),
			Addresses: []common.Address{a.contract},
		})
		if err != nil {
			return from, err
		}
		for _, lg := range logs {
			if lg.Removed {
				continue
			}
			ev, ok, err := parseLog(a.cfg.Chain, lg)
			if err != nil {
				a.logger.Warn("skipping undecodable log", slog.String("tx_hash", lg.TxHash.Hex()), slog.String("error", err.Error()))
				continue
			}
			if !ok || !filter.Matches(ev) {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return from, ctx.Err()
			}
		}
		from = end + 1
	}
	return from, nil
}

var _ domain.ChainAdapter = (*Adapter)(nil)
