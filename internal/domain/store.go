package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// OrderStore persists swap state. The in-memory registry is rebuilt from it
// by replaying orders, legs, fills, bids and the per-order event log.
type OrderStore interface {
	Init(ctx context.Context) error
	Close()

	SaveOrder(ctx context.Context, o Order) error
	GetOrder(ctx context.Context, id OrderID) (Order, error)
	// ListActive returns orders that are not archived.
	ListActive(ctx context.Context) ([]Order, error)
	// ListSettledBefore returns unarchived orders whose swap is done and whose
	// timelock is before the cutoff.
	ListSettledBefore(ctx context.Context, before time.Time) ([]Order, error)
	MarkArchived(ctx context.Context, id OrderID, at time.Time) error

	SaveLeg(ctx context.Context, l Leg) error
	ListLegs(ctx context.Context, id OrderID) ([]Leg, error)

	SaveFill(ctx context.Context, f Fill) error
	ListFills(ctx context.Context, id OrderID) ([]Fill, error)

	SaveBid(ctx context.Context, b Bid) error
	ListBids(ctx context.Context, id OrderID) ([]Bid, error)

	AppendEvent(ctx context.Context, ev SwapEvent) error
	ListEvents(ctx context.Context, id OrderID, opts ListOpts) ([]SwapEvent, error)

	// UsedHashlocks returns every hashlock ever registered, revealed or not.
	UsedHashlocks(ctx context.Context) ([]Hash, error)
}
