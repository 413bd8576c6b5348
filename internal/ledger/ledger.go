// Package ledger tracks how much of each order has been committed to fills.
//
// The ledger never mutates the order it is handed. AcceptFill returns the
// updated copy and the caller persists it, so a rejected fill leaves both the
// order and the ledger untouched.
package ledger

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/swaprelay/internal/domain"
)

type book struct {
	fills   []domain.Fill
	nextSeq int
}

// Ledger holds the fills of every live order.
type Ledger struct {
	mu    sync.Mutex
	books map[domain.OrderID]*book
}

// New creates an empty Ledger.
func New() *Ledger {
	return &Ledger{books: make(map[domain.OrderID]*book)}
}

func (l *Ledger) book(id domain.OrderID) *book {
	b, ok := l.books[id]
	if !ok {
		b = &book{nextSeq: domain.MakerEscrowSeq + 1}
		l.books[id] = b
	}
	return b
}

// Request is one fill to commit.
type Request struct {
	ResolverID   string
	ClaimAddress string
	Amount       domain.Amount
	// Counter is the taker asset owed for Amount. Nil means the pro-rata
	// amount at the order's quoted rate.
	Counter *domain.Amount
	BidID   string
	// Seq pins the fill sequence reserved earlier with NextSeq. Zero takes
	// the next free one.
	Seq int
}

// AcceptFill commits part of a partial-fill order. The fill must be at least
// the order's minimum unless it takes exactly what remains.
func (l *Ledger) AcceptFill(o domain.Order, req Request, now time.Time) (domain.Fill, domain.Order, error) {
	if !o.AllowPartialFill {
		return domain.Fill{}, o, fmt.Errorf("ledger: fill %s: %w", o.ID, domain.ErrPartialFillDisabled)
	}
	if req.Amount.IsZero() {
		return domain.Fill{}, o, fmt.Errorf("ledger: fill %s: %w: zero amount", o.ID, domain.ErrInvalidAmount)
	}
	if req.Amount.Cmp(o.RemainingAmount) > 0 {
		return domain.Fill{}, o, fmt.Errorf("ledger: fill %s of %s with %s remaining: %w",
			o.ID, req.Amount, o.RemainingAmount, domain.ErrFillExceedsRemaining)
	}
	if req.Amount.Cmp(o.MinPartialFill) < 0 && req.Amount.Cmp(o.RemainingAmount) != 0 {
		return domain.Fill{}, o, fmt.Errorf("ledger: fill %s of %s below %s: %w",
			o.ID, req.Amount, o.MinPartialFill, domain.ErrFillTooSmall)
	}
	return l.commit(o, req, now)
}

// CommitFull commits everything that remains to a single resolver. It is the
// settlement path of an auction won on an order without partial fills.
func (l *Ledger) CommitFull(o domain.Order, req Request, now time.Time) (domain.Fill, domain.Order, error) {
	if o.RemainingAmount.IsZero() {
		return domain.Fill{}, o, fmt.Errorf("ledger: commit %s: %w", o.ID, domain.ErrFillExceedsRemaining)
	}
	if req.Amount.IsZero() {
		req.Amount = o.RemainingAmount
	}
	if req.Amount.Cmp(o.RemainingAmount) != 0 {
		return domain.Fill{}, o, fmt.Errorf("ledger: commit %s: %s of %s: %w",
			o.ID, req.Amount, o.RemainingAmount, domain.ErrPartialFillDisabled)
	}
	return l.commit(o, req, now)
}

func (l *Ledger) commit(o domain.Order, req Request, now time.Time) (domain.Fill, domain.Order, error) {
	switch o.State {
	case domain.OrderOpen, domain.OrderAuctioning, domain.OrderPartiallyFilled:
	default:
		return domain.Fill{}, o, fmt.Errorf("ledger: fill %s in state %s: %w", o.ID, o.State, domain.ErrOrderClosed)
	}

	counter, err := counterAmount(o, req)
	if err != nil {
		return domain.Fill{}, o, err
	}
	remaining, err := o.RemainingAmount.Sub(req.Amount)
	if err != nil {
		return domain.Fill{}, o, fmt.Errorf("ledger: fill %s: %w", o.ID, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.book(o.ID)
	committed, err := sum(b.fills)
	if err != nil {
		return domain.Fill{}, o, err
	}
	if total, err := committed.Add(req.Amount); err != nil || total.Cmp(o.MakerAmount) > 0 {
		return domain.Fill{}, o, fmt.Errorf("ledger: fill %s exceeds maker amount: %w", o.ID, domain.ErrFillExceedsRemaining)
	}

	seq := b.nextSeq
	if req.Seq != 0 {
		if req.Seq < b.nextSeq {
			return domain.Fill{}, o, fmt.Errorf("ledger: fill %s/%d: %w", o.ID, req.Seq, domain.ErrAlreadyExists)
		}
		seq = req.Seq
	}

	fill := domain.Fill{
		OrderID:       o.ID,
		Seq:           seq,
		ResolverID:    req.ResolverID,
		ClaimAddress:  req.ClaimAddress,
		Amount:        req.Amount,
		CounterAmount: counter,
		Status:        domain.FillPendingDestination,
		BidID:         req.BidID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	b.nextSeq = seq + 1
	b.fills = append(b.fills, fill)

	o.RemainingAmount = remaining
	if remaining.IsZero() {
		o.State = domain.OrderFilled
	} else {
		o.State = domain.OrderPartiallyFilled
	}
	o.UpdatedAt = now
	return fill, o, nil
}

// CounterAmount is amount × taker_amount / maker_amount, rounded down.
func CounterAmount(o domain.Order, amount domain.Amount) (domain.Amount, error) {
	c, err := amount.MulDiv(o.TakerAmount, o.MakerAmount)
	if err != nil {
		return domain.Amount{}, fmt.Errorf("ledger: counter amount for %s: %w", o.ID, err)
	}
	return c, nil
}

func counterAmount(o domain.Order, req Request) (domain.Amount, error) {
	if req.Counter != nil {
		if req.Counter.IsZero() {
			return domain.Amount{}, fmt.Errorf("ledger: fill %s: %w: zero counter amount", o.ID, domain.ErrInvalidAmount)
		}
		return *req.Counter, nil
	}
	c, err := CounterAmount(o, req.Amount)
	if err != nil {
		return domain.Amount{}, err
	}
	if c.IsZero() {
		return domain.Amount{}, fmt.Errorf("ledger: fill %s: %w: counter amount rounds to zero", o.ID, domain.ErrInvalidAmount)
	}
	return c, nil
}

func sum(fills []domain.Fill) (domain.Amount, error) {
	var total domain.Amount
	for _, f := range fills {
		var err error
		if total, err = total.Add(f.Amount); err != nil {
			return domain.Amount{}, fmt.Errorf("ledger: sum fills: %w", err)
		}
	}
	return total, nil
}

// SetStatus moves a fill to status and returns the updated fill.
func (l *Ledger) SetStatus(id domain.OrderID, seq int, status domain.FillStatus, now time.Time) (domain.Fill, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.books[id]
	if !ok {
		return domain.Fill{}, fmt.Errorf("ledger: fill %s/%d: %w", id, seq, domain.ErrNotFound)
	}
	for i := range b.fills {
		if b.fills[i].Seq == seq {
			b.fills[i].Status = status
			b.fills[i].UpdatedAt = now
			return b.fills[i], nil
		}
	}
	return domain.Fill{}, fmt.Errorf("ledger: fill %s/%d: %w", id, seq, domain.ErrNotFound)
}

// SetLockBy records the deadline for the fill's destination leg.
func (l *Ledger) SetLockBy(id domain.OrderID, seq int, lockBy time.Time) (domain.Fill, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.books[id]; ok {
		for i := range b.fills {
			if b.fills[i].Seq == seq {
				b.fills[i].LockBy = lockBy
				return b.fills[i], nil
			}
		}
	}
	return domain.Fill{}, fmt.Errorf("ledger: fill %s/%d: %w", id, seq, domain.ErrNotFound)
}

// Drop removes a fill that is still waiting for its destination leg, undoing
// a commit whose order update was rejected. The sequence is handed out again
// if no later fill took one.
func (l *Ledger) Drop(id domain.OrderID, seq int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.books[id]
	if !ok {
		return fmt.Errorf("ledger: drop %s/%d: %w", id, seq, domain.ErrNotFound)
	}
	for i, f := range b.fills {
		if f.Seq != seq {
			continue
		}
		if f.Status != domain.FillPendingDestination {
			return fmt.Errorf("ledger: drop %s/%d in status %s: %w", id, seq, f.Status, domain.ErrInvalidTransition)
		}
		b.fills = append(b.fills[:i], b.fills[i+1:]...)
		if b.nextSeq == seq+1 {
			b.nextSeq = seq
		}
		return nil
	}
	return fmt.Errorf("ledger: drop %s/%d: %w", id, seq, domain.ErrNotFound)
}

// NextSeq returns the sequence the next fill of the order will get.
func (l *Ledger) NextSeq(id domain.OrderID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.books[id]; ok {
		return b.nextSeq
	}
	return domain.MakerEscrowSeq + 1
}

// Fill returns one fill.
func (l *Ledger) Fill(id domain.OrderID, seq int) (domain.Fill, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.books[id]; ok {
		for _, f := range b.fills {
			if f.Seq == seq {
				return f, nil
			}
		}
	}
	return domain.Fill{}, fmt.Errorf("ledger: fill %s/%d: %w", id, seq, domain.ErrNotFound)
}

// Fills returns the order's fills in sequence order.
func (l *Ledger) Fills(id domain.OrderID) []domain.Fill {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.books[id]
	if !ok {
		return nil
	}
	out := make([]domain.Fill, len(b.fills))
	copy(out, b.fills)
	return out
}

// Filled returns the total committed to fills of the order.
func (l *Ledger) Filled(id domain.OrderID) (domain.Amount, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.books[id]
	if !ok {
		return domain.Amount{}, nil
	}
	return sum(b.fills)
}

// Pending reports whether any fill still waits for its destination leg.
func (l *Ledger) Pending(id domain.OrderID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.books[id]; ok {
		for _, f := range b.fills {
			if f.Status == domain.FillPendingDestination {
				return true
			}
		}
	}
	return false
}

// Restore replaces the order's fills with persisted ones.
func (l *Ledger) Restore(id domain.OrderID, fills []domain.Fill) {
	sorted := make([]domain.Fill, len(fills))
	copy(sorted, fills)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })

	b := &book{fills: sorted, nextSeq: domain.MakerEscrowSeq + 1}
	for _, f := range sorted {
		if f.Seq >= b.nextSeq {
			b.nextSeq = f.Seq + 1
		}
	}

	l.mu.Lock()
	l.books[id] = b
	l.mu.Unlock()
}

// Forget drops the order's fills.
func (l *Ledger) Forget(id domain.OrderID) {
	l.mu.Lock()
	delete(l.books, id)
	l.mu.Unlock()
}
