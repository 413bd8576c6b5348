package coordinator

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/swaprelay/internal/domain"
)

type deadlineKind string

const (
	dlAuctionEnd    deadlineKind = "auction_end"
	dlLockBy        deadlineKind = "lock_by"
	dlOrderDeadline deadlineKind = "order_deadline"
	dlTimelock      deadlineKind = "timelock"
	dlPropagate     deadlineKind = "propagate"
)

// deadline is a point in chain time at which the coordinator must act on an
// order.
type deadline struct {
	At    time.Time
	Chain domain.ChainID
	Kind  deadlineKind
	Order domain.OrderID
	LegID string
	Seq   int
	Round int
}

type deadlineHeap []deadline

func (h deadlineHeap) Len() int           { return len(h) }
func (h deadlineHeap) Less(i, j int) bool { return h[i].At.Before(h[j].At) }
func (h deadlineHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *deadlineHeap) Push(x any)        { *h = append(*h, x.(deadline)) }
func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	d := old[n-1]
	*h = old[:n-1]
	return d
}

// scheduler keeps one min-heap per chain, since each deadline is measured
// against its own chain's clock.
type scheduler struct {
	mu     sync.Mutex
	queues map[domain.ChainID]*deadlineHeap
}

func newScheduler() *scheduler {
	return &scheduler{queues: make(map[domain.ChainID]*deadlineHeap)}
}

func (s *scheduler) add(d deadline) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[d.Chain]
	if !ok {
		q = &deadlineHeap{}
		s.queues[d.Chain] = q
	}
	heap.Push(q, d)
}

// due pops every deadline on chain at or before now.
func (s *scheduler) due(chain domain.ChainID, now time.Time) []deadline {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[chain]
	if !ok {
		return nil
	}
	var out []deadline
	for q.Len() > 0 && !(*q)[0].At.After(now) {
		out = append(out, heap.Pop(q).(deadline))
	}
	return out
}

// drop removes every deadline of the order.
func (s *scheduler) drop(id domain.OrderID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for chain, q := range s.queues {
		kept := (*q)[:0]
		for _, d := range *q {
			if d.Order != id {
				kept = append(kept, d)
			}
		}
		*q = kept
		heap.Init(q)
		s.queues[chain] = q
	}
}

func (s *scheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, q := range s.queues {
		n += q.Len()
	}
	return n
}

// Sweep runs every deadline that has passed on its chain. Deadlines whose
// handler fails with a transient error are queued again for the next sweep.
func (c *Coordinator) Sweep(ctx context.Context) {
	var wg sync.WaitGroup
	for id := range c.chains {
		now, err := c.chainNow(ctx, id)
		if err != nil {
			c.logger.WarnContext(ctx, "sweep skipped chain", slog.String("chain", string(id)), slog.String("error", err.Error()))
			continue
		}
		for _, d := range c.sched.due(id, now) {
			wg.Add(1)
			go func(d deadline) {
				defer wg.Done()
				err := c.handleDeadline(ctx, d)
				if err == nil {
					return
				}
				if domain.IsRetryable(err) {
					c.logger.WarnContext(ctx, "deadline handler failed, requeued",
						slog.String("order_id", string(d.Order)),
						slog.String("kind", string(d.Kind)),
						slog.String("error", err.Error()),
					)
					c.sched.add(d)
					return
				}
				c.logger.ErrorContext(ctx, "deadline handler failed",
					slog.String("order_id", string(d.Order)),
					slog.String("kind", string(d.Kind)),
					slog.String("leg_id", d.LegID),
					slog.String("error", err.Error()),
				)
			}(d)
		}
	}
	wg.Wait()
}

func (c *Coordinator) handleDeadline(ctx context.Context, d deadline) error {
	switch d.Kind {
	case dlAuctionEnd:
		return c.onAuctionEnd(ctx, d)
	case dlLockBy:
		return c.onLockTimeout(ctx, d)
	case dlOrderDeadline:
		return c.onOrderDeadline(ctx, d)
	case dlTimelock:
		return c.onTimelock(ctx, d)
	case dlPropagate:
		return c.withOrder(ctx, d.Order, func(ctx context.Context) error {
			return c.propagate(ctx, d.Order)
		})
	}
	return nil
}
