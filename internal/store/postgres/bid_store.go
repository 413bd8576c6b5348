package postgres

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/swaprelay/internal/domain"
)

// SaveBid upserts a bid. Only the active flag changes after submission.
func (s *Store) SaveBid(ctx context.Context, b domain.Bid) error {
	const query = `
		INSERT INTO bids (
			id, order_id, resolver_id, claim_address, input_amount, output_amount,
			submitted_at, gas_estimate, active, round, seq
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET active = EXCLUDED.active`

	_, err := s.pool.Exec(ctx, query,
		b.ID, string(b.OrderID), b.ResolverID, b.ClaimAddress, b.InputAmount.String(), b.OutputAmount.String(),
		b.SubmittedAt, int64(b.GasEstimate), b.Active, b.Round, b.Seq,
	)
	if err != nil {
		return fmt.Errorf("postgres: save bid %s: %w", b.ID, err)
	}
	return nil
}

// ListBids returns every bid on an order across rounds, in submission order.
func (s *Store) ListBids(ctx context.Context, id domain.OrderID) ([]domain.Bid, error) {
	const query = `
		SELECT id, order_id, resolver_id, claim_address, input_amount::text, output_amount::text,
		       submitted_at, gas_estimate, active, round, seq
		FROM bids
		WHERE order_id = $1
		ORDER BY round, seq`

	rows, err := s.pool.Query(ctx, query, string(id))
	if err != nil {
		return nil, fmt.Errorf("postgres: list bids of %s: %w", id, err)
	}
	defer rows.Close()

	var bids []domain.Bid
	for rows.Next() {
		var b domain.Bid
		var orderID, input, output string
		var gas int64
		err := rows.Scan(
			&b.ID, &orderID, &b.ResolverID, &b.ClaimAddress, &input, &output,
			&b.SubmittedAt, &gas, &b.Active, &b.Round, &b.Seq,
		)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan bid: %w", err)
		}
		b.OrderID, b.GasEstimate = domain.OrderID(orderID), uint64(gas)
		err = parseAmounts(amountField{&b.InputAmount, input}, amountField{&b.OutputAmount, output})
		if err != nil {
			return nil, fmt.Errorf("postgres: bid %s: %w", b.ID, err)
		}
		bids = append(bids, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list bids rows: %w", err)
	}
	return bids, nil
}
