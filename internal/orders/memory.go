package orders

import (
	"context"
	"sort"
	"sync"
	"time"
)

type MemoryStore struct {
	mu     sync.Mutex
	orders map[string]Order
	byKey  map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]Order), byKey: make(map[string]string)}
}

func (s *MemoryStore) Create(_ context.Context, o Order) (Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.IdempotencyKey != "" {
		if id, ok := s.byKey[o.IdempotencyKey]; ok {
			return s.orders[id].Clone(), true, nil
		}
		s.byKey[o.IdempotencyKey] = o.ID
	}
	o.Version = 1
	s.orders[o.ID] = o.Clone()
	return o.Clone(), false, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (s *MemoryStore) GetByIdempotencyKey(_ context.Context, key string) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[key]
	if !ok || key == "" {
		return Order{}, ErrOrderNotFound
	}
	return s.orders[id].Clone(), nil
}

func (s *MemoryStore) GetByPaymentID(_ context.Context, paymentID string) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if paymentID != "" && o.Payment.PaymentID == paymentID {
			return o.Clone(), nil
		}
	}
	return Order{}, ErrOrderNotFound
}

func (s *MemoryStore) Update(_ context.Context, o Order) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.orders[o.ID]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	if cur.Version != o.Version {
		return Order{}, ErrVersionConflict
	}
	o.Version++
	s.orders[o.ID] = o.Clone()
	return o.Clone(), nil
}

func (s *MemoryStore) ListActive(_ context.Context, updatedBefore time.Time, limit int) ([]Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Order
	for _, o := range s.orders {
		if o.Status.Terminal() || !o.UpdatedAt.Before(updatedBefore) {
			continue
		}
		out = append(out, o.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
