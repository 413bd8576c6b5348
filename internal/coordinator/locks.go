package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/alanyoungcy/swaprelay/internal/domain"
)

// keyedMutex hands out one mutex per order.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[domain.OrderID]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(id domain.OrderID) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[domain.OrderID]*refMutex)
	}
	m, ok := k.locks[id]
	if !ok {
		m = &refMutex{}
		k.locks[id] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

func orderLockKey(id domain.OrderID) string {
	return "swaprelay:order:" + string(id)
}

// withOrder runs fn as the only writer of the order, in this process and,
// when a LockManager is configured, across relayer replicas.
func (c *Coordinator) withOrder(ctx context.Context, id domain.OrderID, fn func(context.Context) error) error {
	unlock := c.orderLocks.lock(id)
	defer unlock()

	if c.locks != nil {
		release, err := c.locks.Acquire(ctx, orderLockKey(id), c.cfg.LockTTL)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				return fmt.Errorf("coordinator: order %s: %w", id, err)
			}
			return fmt.Errorf("coordinator: order %s: acquiring lock: %w", id, err)
		}
		defer release()
	}
	return fn(ctx)
}
