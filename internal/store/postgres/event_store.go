package postgres

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/swaprelay/internal/domain"
)

// AppendEvent adds an entry to an order's event log. Re-appending an event
// with a known ID is a no-op.
func (s *Store) AppendEvent(ctx context.Context, ev domain.SwapEvent) error {
	var payload []byte
	if len(ev.Payload) > 0 {
		payload = ev.Payload
	}
	const query = `
		INSERT INTO swap_events (id, order_id, type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`
	_, err := s.pool.Exec(ctx, query, ev.ID, string(ev.OrderID), string(ev.Type), payload, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: append event %s for %s: %w", ev.Type, ev.OrderID, err)
	}
	return nil
}

// ListEvents returns an order's events oldest first, with optional time
// filtering and pagination.
func (s *Store) ListEvents(ctx context.Context, id domain.OrderID, opts domain.ListOpts) ([]domain.SwapEvent, error) {
	query := `SELECT seq, id, order_id, type, payload, created_at FROM swap_events WHERE order_id = $1`
	args := []any{string(id)}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY seq"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events of %s: %w", id, err)
	}
	defer rows.Close()

	var events []domain.SwapEvent
	for rows.Next() {
		var ev domain.SwapEvent
		var orderID, typ string
		var payload []byte
		if err := rows.Scan(&ev.Seq, &ev.ID, &orderID, &typ, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		ev.OrderID, ev.Type = domain.OrderID(orderID), domain.SwapEventType(typ)
		if payload != nil {
			ev.Payload = payload
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list events rows: %w", err)
	}
	return events, nil
}
