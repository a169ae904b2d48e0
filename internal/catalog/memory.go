package catalog

import (
	"context"
	"sort"
	"sync"
	"time"
)

type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]Item
}

func NewMemoryStore(items ...Item) *MemoryStore {
	s := &MemoryStore{items: make(map[string]Item, len(items))}
	for _, it := range items {
		s.items[it.ID] = it
	}
	return s
}

func (s *MemoryStore) Put(it Item) {
	s.mu.Lock()
	s.items[it.ID] = it
	s.mu.Unlock()
}

func (s *MemoryStore) GetItem(_ context.Context, id string) (Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[id]
	if !ok {
		return Item{}, ErrItemNotFound
	}
	it.Sizes = append([]string(nil), it.Sizes...)
	it.DirectSizes = append([]string(nil), it.DirectSizes...)
	return it, nil
}

func (s *MemoryStore) ListEndedAuctions(_ context.Context, now time.Time, limit int) ([]Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Item
	for _, it := range s.items {
		if it.SalesMethod != SalesBidding || it.ClosedAt != nil || now.Before(it.EndAt) {
			continue
		}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndAt.Before(out[j].EndAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) MarkClosed(_ context.Context, itemID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[itemID]
	if !ok {
		return ErrItemNotFound
	}
	if it.ClosedAt == nil {
		t := at
		it.ClosedAt = &t
		s.items[itemID] = it
	}
	return nil
}

func (s *MemoryStore) ReleaseToDirectSale(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[key.ItemID]
	if !ok {
		return ErrItemNotFound
	}
	for _, sz := range it.DirectSizes {
		if sz == key.Size {
			return nil
		}
	}
	it.DirectSizes = append(append([]string(nil), it.DirectSizes...), key.Size)
	s.items[key.ItemID] = it
	return nil
}
