// Package simulated is an in-process HTLC ledger implementing
// domain.ChainAdapter. Its clock only moves when told to, which makes
// timelock behaviour deterministic in dev mode and tests.
package simulated

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/swaprelay/internal/domain"
	"github.com/alanyoungcy/swaprelay/internal/hashlock"
)

type escrow struct {
	state domain.EscrowState
}

// Chain is a simulated HTLC-capable ledger.
type Chain struct {
	id     domain.ChainID
	logger *slog.Logger

	mu       sync.Mutex
	now      time.Time
	block    uint64
	nextID   int
	escrows  map[string]*escrow
	receipts map[string]domain.Receipt
	subs     []chan domain.ChainEvent

	failSubmits int
	failErr     error
	hold        bool
	history     []domain.Tx
}

// New creates a chain whose clock starts at start.
func New(id domain.ChainID, start time.Time, logger *slog.Logger) *Chain {
	return &Chain{
		id:       id,
		logger:   logger.With(slog.String("component", "simchain"), slog.String("chain", string(id))),
		now:      start,
		escrows:  make(map[string]*escrow),
		receipts: make(map[string]domain.Receipt),
	}
}

func (c *Chain) Chain() domain.ChainID { return c.id }

// SetTime moves the chain clock to t.
func (c *Chain) SetTime(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Advance moves the chain clock forward by d.
func (c *Chain) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// FailSubmits makes the next n submissions fail with err.
func (c *Chain) FailSubmits(n int, err error) {
	c.mu.Lock()
	c.failSubmits = n
	c.failErr = err
	c.mu.Unlock()
}

// HoldConfirmations keeps every receipt pending while hold is set.
func (c *Chain) HoldConfirmations(hold bool) {
	c.mu.Lock()
	c.hold = hold
	c.mu.Unlock()
}

// History returns every transaction applied so far.
func (c *Chain) History() []domain.Tx {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Tx, len(c.history))
	copy(out, c.history)
	return out
}

func (c *Chain) CurrentTime(context.Context) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now, nil
}

// Submit applies tx immediately. Transactions that would revert are rejected
// up front with the matching domain error, the way gas estimation surfaces a
// revert on a real chain.
func (c *Chain) Submit(ctx context.Context, tx domain.Tx) (domain.TxHandle, error) {
	if err := ctx.Err(); err != nil {
		return domain.TxHandle{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failSubmits > 0 {
		c.failSubmits--
		err := c.failErr
		if err == nil {
			err = domain.ErrChainUnavailable
		}
		return domain.TxHandle{}, fmt.Errorf("simulated %s: submit %s: %w", c.id, tx.Kind, err)
	}

	var (
		ev       *domain.ChainEvent
		escrowID string
		err      error
	)
	switch tx.Kind {
	case domain.TxLock:
		escrowID, ev, err = c.lock(tx)
	case domain.TxSplit:
		escrowID, ev, err = c.split(tx)
	case domain.TxClaim:
		escrowID, ev, err = c.claim(tx)
	case domain.TxRefund, domain.TxCancel:
		escrowID, ev, err = c.refund(tx)
	default:
		err = fmt.Errorf("%w: unknown tx kind %q", domain.ErrInvalidOrder, tx.Kind)
	}
	if err != nil {
		return domain.TxHandle{}, fmt.Errorf("simulated %s: %s: %w", c.id, tx.Kind, err)
	}

	c.block++
	hash := "0x" + uuid.NewString()
	c.receipts[hash] = domain.Receipt{TxHash: hash, Status: domain.TxConfirmed, EscrowID: escrowID, Block: c.block}
	c.history = append(c.history, tx)
	if ev != nil {
		ev.Chain = c.id
		ev.TxHash = hash
		ev.Block = c.block
		c.broadcast(*ev)
	}
	c.logger.Debug("tx applied", slog.String("kind", string(tx.Kind)), slog.String("escrow_id", escrowID), slog.String("tx_hash", hash))
	return domain.TxHandle{Chain: c.id, Hash: hash}, nil
}

func (c *Chain) lock(tx domain.Tx) (string, *domain.ChainEvent, error) {
	if tx.Amount.IsZero() {
		return "", nil, domain.ErrInvalidAmount
	}
	if !tx.Timelock.After(c.now) {
		return "", nil, domain.ErrInvalidTimelock
	}
	c.nextID++
	id := fmt.Sprintf("%s-esc-%d", c.id, c.nextID)
	c.escrows[id] = &escrow{state: domain.EscrowState{
		EscrowID: id,
		Sender:   tx.Sender,
		Receiver: tx.Receiver,
		Asset:    tx.Asset,
		Amount:   tx.Amount,
		Hashlock: tx.Hashlock,
		Timelock: tx.Timelock,
	}}
	return id, &domain.ChainEvent{
		Kind:     domain.EventLocked,
		EscrowID: id,
		Sender:   tx.Sender,
		Receiver: tx.Receiver,
		Asset:    tx.Asset,
		Amount:   tx.Amount,
		Hashlock: tx.Hashlock,
		Timelock: tx.Timelock,
	}, nil
}

func (c *Chain) split(tx domain.Tx) (string, *domain.ChainEvent, error) {
	parent, ok := c.escrows[tx.EscrowID]
	if !ok {
		return "", nil, domain.ErrNotFound
	}
	p := &parent.state
	if p.Withdrawn || p.Refunded {
		return "", nil, domain.ErrAlreadySettled
	}
	if !c.now.Before(p.Timelock) {
		return "", nil, domain.ErrAlreadyExpired
	}
	left, err := p.Amount.Sub(tx.Amount)
	if err != nil || tx.Amount.IsZero() {
		return "", nil, domain.ErrFillExceedsRemaining
	}
	p.Amount = left

	c.nextID++
	id := fmt.Sprintf("%s-esc-%d", c.id, c.nextID)
	c.escrows[id] = &escrow{state: domain.EscrowState{
		EscrowID: id,
		Sender:   p.Sender,
		Receiver: tx.Receiver,
		Asset:    p.Asset,
		Amount:   tx.Amount,
		Hashlock: p.Hashlock,
		Timelock: p.Timelock,
	}}
	return id, &domain.ChainEvent{
		Kind:     domain.EventLocked,
		EscrowID: id,
		Sender:   p.Sender,
		Receiver: tx.Receiver,
		Asset:    p.Asset,
		Amount:   tx.Amount,
		Hashlock: p.Hashlock,
		Timelock: p.Timelock,
	}, nil
}

func (c *Chain) claim(tx domain.Tx) (string, *domain.ChainEvent, error) {
	e, ok := c.escrows[tx.EscrowID]
	if !ok {
		return "", nil, domain.ErrNotFound
	}
	s := &e.state
	if s.Withdrawn || s.Refunded {
		return "", nil, domain.ErrAlreadySettled
	}
	if tx.Secret == nil || !hashlock.VerifySecret(*tx.Secret, s.Hashlock) {
		return "", nil, domain.ErrInvalidSecret
	}
	if !c.now.Before(s.Timelock) {
		return "", nil, domain.ErrAlreadyExpired
	}
	secret := *tx.Secret
	s.Withdrawn = true
	s.Secret = &secret
	return s.EscrowID, &domain.ChainEvent{
		Kind:     domain.EventClaimed,
		EscrowID: s.EscrowID,
		Sender:   s.Sender,
		Receiver: s.Receiver,
		Asset:    s.Asset,
		Amount:   s.Amount,
		Hashlock: s.Hashlock,
		Timelock: s.Timelock,
		Secret:   &secret,
	}, nil
}

func (c *Chain) refund(tx domain.Tx) (string, *domain.ChainEvent, error) {
	e, ok := c.escrows[tx.EscrowID]
	if !ok {
		return "", nil, domain.ErrNotFound
	}
	s := &e.state
	if s.Withdrawn || s.Refunded {
		return "", nil, domain.ErrAlreadySettled
	}
	if tx.Kind == domain.TxRefund && c.now.Before(s.Timelock) {
		return "", nil, domain.ErrNotYetExpired
	}
	if tx.Kind == domain.TxCancel && tx.Sender != s.Sender {
		return "", nil, domain.ErrUnauthorized
	}
	s.Refunded = true
	return s.EscrowID, &domain.ChainEvent{
		Kind:     domain.EventRefunded,
		EscrowID: s.EscrowID,
		Sender:   s.Sender,
		Receiver: s.Receiver,
		Asset:    s.Asset,
		Amount:   s.Amount,
		Hashlock: s.Hashlock,
		Timelock: s.Timelock,
	}, nil
}

func (c *Chain) Status(_ context.Context, h domain.TxHandle) (domain.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.receipts[h.Hash]
	if !ok {
		return domain.Receipt{}, fmt.Errorf("simulated %s: tx %s: %w", c.id, h.Hash, domain.ErrTxDropped)
	}
	if c.hold {
		return domain.Receipt{TxHash: r.TxHash, Status: domain.TxPending}, nil
	}
	return r, nil
}

func (c *Chain) ReadState(_ context.Context, escrowID string) (domain.EscrowState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.escrows[escrowID]
	if !ok {
		return domain.EscrowState{}, fmt.Errorf("simulated %s: escrow %s: %w", c.id, escrowID, domain.ErrNotFound)
	}
	return e.state, nil
}

// Subscribe streams future events matching filter until ctx is done.
func (c *Chain) Subscribe(ctx context.Context, filter domain.EventFilter) (<-chan domain.ChainEvent, error) {
	raw := make(chan domain.ChainEvent, 256)
	c.mu.Lock()
	c.subs = append(c.subs, raw)
	c.mu.Unlock()

	out := make(chan domain.ChainEvent, 256)
	go func() {
		defer close(out)
		defer c.unsubscribe(raw)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-raw:
				if ev.Block < filter.FromBlock || !filter.Matches(ev) {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (c *Chain) unsubscribe(ch chan domain.ChainEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.subs {
		if s == ch {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			return
		}
	}
}

// broadcast must be called with c.mu held. Slow subscribers lose events.
func (c *Chain) broadcast(ev domain.ChainEvent) {
	for _, s := range c.subs {
		select {
		case s <- ev:
		default:
			c.logger.Warn("subscriber full, event dropped", slog.String("escrow_id", ev.EscrowID))
		}
	}
}
