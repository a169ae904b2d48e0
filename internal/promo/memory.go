package promo

import (
	"context"
	"sync"
	"time"
)

type MemoryStore struct {
	mu          sync.Mutex
	codes       map[string]Code
	activations map[string]bool
}

func NewMemoryStore(codes ...Code) *MemoryStore {
	s := &MemoryStore{codes: make(map[string]Code), activations: make(map[string]bool)}
	for _, c := range codes {
		c.Code = Normalize(c.Code)
		s.codes[c.Code] = c
	}
	return s
}

func (s *MemoryStore) Get(_ context.Context, code string) (Code, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[code]
	if !ok {
		return Code{}, ErrUnknown
	}
	return c, nil
}

func (s *MemoryStore) Put(_ context.Context, c Code) error {
	s.mu.Lock()
	s.codes[c.Code] = c
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Activate(_ context.Context, code, orderID string, now time.Time) (Code, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[code]
	if !ok {
		return Code{}, ErrUnknown
	}
	if s.activations[code+"|"+orderID] {
		return c, nil
	}
	if c.MaxUses > 0 && c.CurrentUses >= c.MaxUses {
		return c, ErrUsageExhausted
	}
	c.CurrentUses++
	s.codes[code] = c
	s.activations[code+"|"+orderID] = true
	return c, nil
}
