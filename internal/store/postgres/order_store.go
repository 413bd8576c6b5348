package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/swaprelay/internal/domain"
)

// Store implements domain.OrderStore.
type Store struct {
	client *Client
	pool   *pgxpool.Pool
}

// NewStore creates a Store on top of client.
func NewStore(client *Client) *Store {
	return &Store{client: client, pool: client.Pool()}
}

// Init applies pending migrations.
func (s *Store) Init(ctx context.Context) error {
	return s.client.RunMigrations(ctx)
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.client.Close()
}

// SaveOrder upserts an order. archived_at is only ever set by MarkArchived.
func (s *Store) SaveOrder(ctx context.Context, o domain.Order) error {
	const query = `
		INSERT INTO orders (
			id, maker, source_chain, destination_chain, maker_asset, taker_asset,
			maker_amount, taker_amount, deadline, destination_address,
			allow_partial_fill, min_partial_fill, hashlock, timelock, salt, ext_ref,
			state, phase, remaining_amount, source_escrow_id, reauctions,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21,
			$22, $23
		)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			phase = EXCLUDED.phase,
			remaining_amount = EXCLUDED.remaining_amount,
			source_escrow_id = EXCLUDED.source_escrow_id,
			reauctions = EXCLUDED.reauctions,
			updated_at = EXCLUDED.updated_at`

	_, err := s.pool.Exec(ctx, query,
		string(o.ID), o.Maker, string(o.SourceChain), string(o.DestinationChain),
		string(o.MakerAsset), string(o.TakerAsset),
		o.MakerAmount.String(), o.TakerAmount.String(), o.Deadline, o.DestinationAddress,
		o.AllowPartialFill, o.MinPartialFill.String(), o.Hashlock.Hex(), o.Timelock, o.Salt.Hex(), o.ExtRef,
		string(o.State), string(o.Phase), o.RemainingAmount.String(), o.SourceEscrowID, o.Reauctions,
		o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save order %s: %w", o.ID, err)
	}
	return nil
}

const orderSelectCols = `id, maker, source_chain, destination_chain, maker_asset, taker_asset,
	maker_amount::text, taker_amount::text, deadline, destination_address,
	allow_partial_fill, min_partial_fill::text, hashlock, timelock, salt, ext_ref,
	state, phase, remaining_amount::text, source_escrow_id, reauctions,
	created_at, updated_at, archived_at`

func scanOrderFromRow(scanner interface{ Scan(dest ...any) error }) (domain.Order, error) {
	var o domain.Order
	var id, src, dst, makerAsset, takerAsset string
	var makerAmt, takerAmt, minFill, remaining string
	var hashlock, salt, state, phase string
	err := scanner.Scan(
		&id, &o.Maker, &src, &dst, &makerAsset, &takerAsset,
		&makerAmt, &takerAmt, &o.Deadline, &o.DestinationAddress,
		&o.AllowPartialFill, &minFill, &hashlock, &o.Timelock, &salt, &o.ExtRef,
		&state, &phase, &remaining, &o.SourceEscrowID, &o.Reauctions,
		&o.CreatedAt, &o.UpdatedAt, &o.ArchivedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}

	o.ID = domain.OrderID(id)
	o.SourceChain, o.DestinationChain = domain.ChainID(src), domain.ChainID(dst)
	o.MakerAsset, o.TakerAsset = domain.Asset(makerAsset), domain.Asset(takerAsset)
	o.State, o.Phase = domain.OrderState(state), domain.SwapPhase(phase)

	if o.Hashlock, err = domain.ParseHash(hashlock); err != nil {
		return domain.Order{}, fmt.Errorf("order %s hashlock: %w", id, err)
	}
	if o.Salt, err = domain.ParseHash(salt); err != nil {
		return domain.Order{}, fmt.Errorf("order %s salt: %w", id, err)
	}
	err = parseAmounts(
		amountField{&o.MakerAmount, makerAmt},
		amountField{&o.TakerAmount, takerAmt},
		amountField{&o.MinPartialFill, minFill},
		amountField{&o.RemainingAmount, remaining},
	)
	if err != nil {
		return domain.Order{}, fmt.Errorf("order %s: %w", id, err)
	}
	return o, nil
}

func scanOrderRows(rows pgx.Rows) ([]domain.Order, error) {
	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrderFromRow(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// GetOrder retrieves a single order, archived or not.
func (s *Store) GetOrder(ctx context.Context, id domain.OrderID) (domain.Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderSelectCols+` FROM orders WHERE id = $1`, string(id))
	o, err := scanOrderFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, fmt.Errorf("postgres: order %s: %w", id, domain.ErrNotFound)
		}
		return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", id, err)
	}
	return o, nil
}

// ListActive returns every order that has not been archived, oldest first.
func (s *Store) ListActive(ctx context.Context) ([]domain.Order, error) {
	return s.listOrders(ctx, "active",
		`SELECT `+orderSelectCols+` FROM orders WHERE archived_at IS NULL ORDER BY created_at`)
}

// ListSettledBefore returns unarchived orders in a final phase whose
// timelock is before the cutoff.
func (s *Store) ListSettledBefore(ctx context.Context, before time.Time) ([]domain.Order, error) {
	return s.listOrders(ctx, "settled",
		`SELECT `+orderSelectCols+` FROM orders
		 WHERE archived_at IS NULL AND phase IN ($1, $2) AND timelock < $3
		 ORDER BY created_at`,
		string(domain.PhaseSettled), string(domain.PhaseRefunded), before)
}

func (s *Store) listOrders(ctx context.Context, what, query string, args ...any) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list %s orders: %w", what, err)
	}
	defer rows.Close()

	orders, err := scanOrderRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan %s orders: %w", what, err)
	}
	return orders, nil
}

// MarkArchived flags an order as moved to cold storage.
func (s *Store) MarkArchived(ctx context.Context, id domain.OrderID, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE orders SET archived_at = $1 WHERE id = $2`, at, string(id))
	if err != nil {
		return fmt.Errorf("postgres: archive order %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: archive order %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// UsedHashlocks returns the hashlock of every order ever stored. Archived
// orders keep their row, so their hashlocks stay reserved.
func (s *Store) UsedHashlocks(ctx context.Context) ([]domain.Hash, error) {
	rows, err := s.pool.Query(ctx, `SELECT hashlock FROM orders`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list hashlocks: %w", err)
	}
	defer rows.Close()

	var out []domain.Hash
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("postgres: scan hashlock: %w", err)
		}
		h, err := domain.ParseHash(raw)
		if err != nil {
			return nil, fmt.Errorf("postgres: hashlock %q: %w", raw, err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

type amountField struct {
	dst *domain.Amount
	raw string
}

func parseAmounts(fields ...amountField) error {
	for _, f := range fields {
		a, err := domain.ParseAmount(f.raw)
		if err != nil {
			return err
		}
		*f.dst = a
	}
	return nil
}
