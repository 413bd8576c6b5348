package postgres

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/swaprelay/internal/domain"
)

// SaveLeg upserts an HTLC leg. A maker escrow's locked amount shrinks as it
// is split, so the amount is updated along with the settlement fields.
func (s *Store) SaveLeg(ctx context.Context, l domain.Leg) error {
	const query = `
		INSERT INTO legs (
			id, order_id, side, fill_seq, chain_id, escrow_id, sender, receiver,
			asset, locked_amount, hashlock, timelock, withdrawn, refunded,
			lock_tx, settle_tx, created_at, settled_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18
		)
		ON CONFLICT (id) DO UPDATE SET
			locked_amount = EXCLUDED.locked_amount,
			withdrawn = EXCLUDED.withdrawn,
			refunded = EXCLUDED.refunded,
			settle_tx = EXCLUDED.settle_tx,
			settled_at = EXCLUDED.settled_at`

	_, err := s.pool.Exec(ctx, query,
		l.ID, string(l.OrderID), string(l.Side), l.FillSeq, string(l.ChainID), l.EscrowID, l.Sender, l.Receiver,
		string(l.Asset), l.LockedAmount.String(), l.Hashlock.Hex(), l.Timelock, l.Withdrawn, l.Refunded,
		l.LockTx, l.SettleTx, l.CreatedAt, l.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save leg %s: %w", l.ID, err)
	}
	return nil
}

// ListLegs returns an order's legs, source side first, by fill sequence.
func (s *Store) ListLegs(ctx context.Context, id domain.OrderID) ([]domain.Leg, error) {
	const query = `
		SELECT id, order_id, side, fill_seq, chain_id, escrow_id, sender, receiver,
		       asset, locked_amount::text, hashlock, timelock, withdrawn, refunded,
		       lock_tx, settle_tx, created_at, settled_at
		FROM legs
		WHERE order_id = $1
		ORDER BY side DESC, fill_seq`

	rows, err := s.pool.Query(ctx, query, string(id))
	if err != nil {
		return nil, fmt.Errorf("postgres: list legs of %s: %w", id, err)
	}
	defer rows.Close()

	var legs []domain.Leg
	for rows.Next() {
		var l domain.Leg
		var orderID, side, chain, asset, amount, hashlock string
		err := rows.Scan(
			&l.ID, &orderID, &side, &l.FillSeq, &chain, &l.EscrowID, &l.Sender, &l.Receiver,
			&asset, &amount, &hashlock, &l.Timelock, &l.Withdrawn, &l.Refunded,
			&l.LockTx, &l.SettleTx, &l.CreatedAt, &l.SettledAt,
		)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan leg: %w", err)
		}
		l.OrderID, l.Side = domain.OrderID(orderID), domain.LegSide(side)
		l.ChainID, l.Asset = domain.ChainID(chain), domain.Asset(asset)
		if l.LockedAmount, err = domain.ParseAmount(amount); err != nil {
			return nil, fmt.Errorf("postgres: leg %s amount: %w", l.ID, err)
		}
		if l.Hashlock, err = domain.ParseHash(hashlock); err != nil {
			return nil, fmt.Errorf("postgres: leg %s hashlock: %w", l.ID, err)
		}
		legs = append(legs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list legs rows: %w", err)
	}
	return legs, nil
}

// SaveFill upserts a fill keyed by (order_id, seq).
func (s *Store) SaveFill(ctx context.Context, f domain.Fill) error {
	const query = `
		INSERT INTO fills (
			order_id, seq, resolver_id, claim_address, amount, counter_amount,
			status, bid_id, created_at, lock_by, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (order_id, seq) DO UPDATE SET
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`

	_, err := s.pool.Exec(ctx, query,
		string(f.OrderID), f.Seq, f.ResolverID, f.ClaimAddress, f.Amount.String(), f.CounterAmount.String(),
		string(f.Status), f.BidID, f.CreatedAt, f.LockBy, f.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save fill %s/%d: %w", f.OrderID, f.Seq, err)
	}
	return nil
}

// ListFills returns an order's fills in sequence order.
func (s *Store) ListFills(ctx context.Context, id domain.OrderID) ([]domain.Fill, error) {
	const query = `
		SELECT order_id, seq, resolver_id, claim_address, amount::text, counter_amount::text,
		       status, bid_id, created_at, lock_by, updated_at
		FROM fills
		WHERE order_id = $1
		ORDER BY seq`

	rows, err := s.pool.Query(ctx, query, string(id))
	if err != nil {
		return nil, fmt.Errorf("postgres: list fills of %s: %w", id, err)
	}
	defer rows.Close()

	var fills []domain.Fill
	for rows.Next() {
		var f domain.Fill
		var orderID, amount, counter, status string
		err := rows.Scan(
			&orderID, &f.Seq, &f.ResolverID, &f.ClaimAddress, &amount, &counter,
			&status, &f.BidID, &f.CreatedAt, &f.LockBy, &f.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan fill: %w", err)
		}
		f.OrderID, f.Status = domain.OrderID(orderID), domain.FillStatus(status)
		err = parseAmounts(amountField{&f.Amount, amount}, amountField{&f.CounterAmount, counter})
		if err != nil {
			return nil, fmt.Errorf("postgres: fill %s/%d: %w", orderID, f.Seq, err)
		}
		fills = append(fills, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list fills rows: %w", err)
	}
	return fills, nil
}
