package stock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/memorabilia-settlement/internal/catalog"
)

// MemoryStore keeps counters and reservations in process.
type MemoryStore struct {
	mu           sync.Mutex
	available    map[catalog.Key]int
	reservations map[string]Reservation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		available:    make(map[catalog.Key]int),
		reservations: make(map[string]Reservation),
	}
}

func (s *MemoryStore) Reserve(_ context.Context, r Reservation) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.reservations[r.Token]; ok {
		return existing, nil
	}
	avail := s.available[r.Key]
	if avail < r.Qty {
		return Reservation{}, &InsufficientStockError{Key: r.Key, Requested: r.Qty, Available: avail}
	}
	s.available[r.Key] = avail - r.Qty
	s.reservations[r.Token] = r
	return r, nil
}

func (s *MemoryStore) Commit(_ context.Context, token string, now time.Time) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[token]
	if !ok {
		return Reservation{}, ErrReservationNotFound
	}
	switch r.Status {
	case StatusCommitted:
		return r, nil
	case StatusReleased:
		return r, ErrInvalidState
	}
	r.Status = StatusCommitted
	r.UpdatedAt = now
	s.reservations[token] = r
	return r, nil
}

func (s *MemoryStore) Release(_ context.Context, token, reason string, now time.Time) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[token]
	if !ok {
		return Reservation{}, ErrReservationNotFound
	}
	switch r.Status {
	case StatusReleased:
		return r, nil
	case StatusCommitted:
		return r, ErrInvalidState
	}
	s.available[r.Key] += r.Qty
	r.Status = StatusReleased
	r.Reason = reason
	r.UpdatedAt = now
	s.reservations[token] = r
	return r, nil
}

func (s *MemoryStore) Get(_ context.Context, token string) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[token]
	if !ok {
		return Reservation{}, ErrReservationNotFound
	}
	return r, nil
}

func (s *MemoryStore) Available(_ context.Context, key catalog.Key) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available[key], nil
}

func (s *MemoryStore) SetStock(_ context.Context, key catalog.Key, qty int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.available[key] = qty
	return nil
}

func (s *MemoryStore) ListStale(_ context.Context, before time.Time, limit int) ([]Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Reservation
	for _, r := range s.reservations {
		if r.Status == StatusReserved && r.CreatedAt.Before(before) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
