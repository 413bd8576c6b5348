// Package memory is an OrderStore kept entirely in process memory. It backs
// dev mode and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/swaprelay/internal/domain"
)

// Store implements domain.OrderStore.
type Store struct {
	mu     sync.RWMutex
	orders map[domain.OrderID]domain.Order
	legs   map[domain.OrderID]map[string]domain.Leg
	fills  map[domain.OrderID]map[int]domain.Fill
	bids   map[domain.OrderID]map[string]domain.Bid
	events map[domain.OrderID][]domain.SwapEvent
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		orders: make(map[domain.OrderID]domain.Order),
		legs:   make(map[domain.OrderID]map[string]domain.Leg),
		fills:  make(map[domain.OrderID]map[int]domain.Fill),
		bids:   make(map[domain.OrderID]map[string]domain.Bid),
		events: make(map[domain.OrderID][]domain.SwapEvent),
	}
}

// Init is a no-op.
func (s *Store) Init(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() {}

func (s *Store) SaveOrder(_ context.Context, o domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.orders[o.ID]; ok && cur.ArchivedAt != nil && o.ArchivedAt == nil {
		o.ArchivedAt = cur.ArchivedAt
	}
	s.orders[o.ID] = o
	return nil
}

func (s *Store) GetOrder(_ context.Context, id domain.OrderID) (domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return domain.Order{}, fmt.Errorf("memory: get order %s: %w", id, domain.ErrNotFound)
	}
	return o, nil
}

func (s *Store) ListActive(context.Context) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Order
	for _, o := range s.orders {
		if o.ArchivedAt == nil {
			out = append(out, o)
		}
	}
	sortOrders(out)
	return out, nil
}

func (s *Store) ListSettledBefore(_ context.Context, before time.Time) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Order
	for _, o := range s.orders {
		if o.ArchivedAt == nil && o.Phase.Done() && o.Timelock.Before(before) {
			out = append(out, o)
		}
	}
	sortOrders(out)
	return out, nil
}

func (s *Store) MarkArchived(_ context.Context, id domain.OrderID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return fmt.Errorf("memory: archive %s: %w", id, domain.ErrNotFound)
	}
	o.ArchivedAt = &at
	s.orders[id] = o
	return nil
}

func (s *Store) SaveLeg(_ context.Context, l domain.Leg) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.legs[l.OrderID]
	if !ok {
		m = make(map[string]domain.Leg)
		s.legs[l.OrderID] = m
	}
	m[l.ID] = l
	return nil
}

func (s *Store) ListLegs(_ context.Context, id domain.OrderID) ([]domain.Leg, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Leg, 0, len(s.legs[id]))
	for _, l := range s.legs[id] {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SaveFill(_ context.Context, f domain.Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.fills[f.OrderID]
	if !ok {
		m = make(map[int]domain.Fill)
		s.fills[f.OrderID] = m
	}
	m[f.Seq] = f
	return nil
}

func (s *Store) ListFills(_ context.Context, id domain.OrderID) ([]domain.Fill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Fill, 0, len(s.fills[id]))
	for _, f := range s.fills[id] {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *Store) SaveBid(_ context.Context, b domain.Bid) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.bids[b.OrderID]
	if !ok {
		m = make(map[string]domain.Bid)
		s.bids[b.OrderID] = m
	}
	m[b.ID] = b
	return nil
}

func (s *Store) ListBids(_ context.Context, id domain.OrderID) ([]domain.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Bid, 0, len(s.bids[id]))
	for _, b := range s.bids[id] {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Round != out[j].Round {
			return out[i].Round < out[j].Round
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

// AppendEvent assigns the next per-order sequence number when ev.Seq is zero.
func (s *Store) AppendEvent(_ context.Context, ev domain.SwapEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.events[ev.OrderID]
	if ev.Seq == 0 {
		ev.Seq = int64(len(log)) + 1
	}
	s.events[ev.OrderID] = append(log, ev)
	return nil
}

func (s *Store) ListEvents(_ context.Context, id domain.OrderID, opts domain.ListOpts) ([]domain.SwapEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.SwapEvent
	for _, ev := range s.events[id] {
		if opts.Since != nil && ev.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && ev.CreatedAt.After(*opts.Until) {
			continue
		}
		out = append(out, ev)
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *Store) UsedHashlocks(context.Context) ([]domain.Hash, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Hash, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o.Hashlock)
	}
	return out, nil
}

func sortOrders(orders []domain.Order) {
	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.Before(orders[j].CreatedAt) })
}
