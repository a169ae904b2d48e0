package auction

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/memorabilia-settlement/internal/catalog"
)

type slot struct {
	bids    []string
	highest string
	closure *Closure
}

type MemoryStore struct {
	mu    sync.Mutex
	slots map[catalog.Key]*slot
	bids  map[string]Bid
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{slots: make(map[catalog.Key]*slot), bids: make(map[string]Bid)}
}

func (s *MemoryStore) slot(key catalog.Key) *slot {
	sl, ok := s.slots[key]
	if !ok {
		sl = &slot{}
		s.slots[key] = sl
	}
	return sl
}

func (s *MemoryStore) Highest(_ context.Context, key catalog.Key) (Bid, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl := s.slot(key)
	if sl.highest == "" {
		return Bid{}, false, nil
	}
	return s.bids[sl.highest], true, nil
}

func (s *MemoryStore) Accept(_ context.Context, bid Bid, reserve int64) (*Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl := s.slot(bid.Key())
	if sl.closure != nil {
		return nil, ErrOutOfWindow
	}

	var prev *Bid
	if sl.highest != "" {
		p := s.bids[sl.highest]
		if bid.Price <= p.Price {
			return nil, ErrPriceTooLow
		}
		p.Status = BidOutbid
		s.bids[p.ID] = p
		prev = &p
	} else if bid.Price < reserve {
		return nil, ErrPriceTooLow
	}

	bid.Status = BidActive
	s.bids[bid.ID] = bid
	sl.bids = append(sl.bids, bid.ID)
	sl.highest = bid.ID
	return prev, nil
}

func (s *MemoryStore) List(_ context.Context, key catalog.Key) ([]Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl := s.slot(key)
	out := make([]Bid, 0, len(sl.bids))
	for _, id := range sl.bids {
		out = append(out, s.bids[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) GetBid(_ context.Context, id string) (Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bids[id]
	if !ok {
		return Bid{}, ErrBidNotFound
	}
	return b, nil
}

func (s *MemoryStore) IsClosed(_ context.Context, key catalog.Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slot(key).closure != nil, nil
}

func (s *MemoryStore) Close(_ context.Context, key catalog.Key, now time.Time) (Closure, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl := s.slot(key)
	if sl.closure != nil {
		return cloneClosure(*sl.closure), false, nil
	}

	c := Closure{Key: key, ClosedAt: now}
	seen := make(map[string]bool)
	for _, id := range sl.bids {
		u := s.bids[id].UserID
		if !seen[u] {
			seen[u] = true
			c.Participants = append(c.Participants, u)
		}
	}
	if sl.highest != "" {
		w := s.bids[sl.highest]
		w.Status = BidWon
		s.bids[w.ID] = w
		c.Winner = &w
	} else {
		c.HandedOff = true
	}
	sl.closure = &c
	return cloneClosure(c), true, nil
}

func (s *MemoryStore) MarkHandedOff(_ context.Context, key catalog.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.slot(key).closure; c != nil {
		c.HandedOff = true
	}
	return nil
}

func (s *MemoryStore) SetStatus(_ context.Context, id string, from, to BidStatus) (Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bids[id]
	if !ok {
		return Bid{}, ErrBidNotFound
	}
	if b.Status == to {
		return b, nil
	}
	if b.Status != from {
		return b, ErrInvalidStatus
	}
	b.Status = to
	s.bids[id] = b
	if sl := s.slots[b.Key()]; sl != nil && sl.highest == id && to != BidActive && to != BidWon {
		sl.highest = ""
	}
	return b, nil
}

func cloneClosure(c Closure) Closure {
	c.Participants = append([]string(nil), c.Participants...)
	if c.Winner != nil {
		w := *c.Winner
		c.Winner = &w
	}
	return c
}
